package tablet

import (
	"github.com/golang/protobuf/proto"
	"github.com/pingcap-incubator/tinytablet/kv/consensus"
	"github.com/pingcap-incubator/tinytablet/kv/util/clock"
	"github.com/pingcap-incubator/tinytablet/proto/pkg/tabletpb"
	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/raft_cmdpb"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// CommitLog is the read side of the durable log used to rebuild a tablet.
type CommitLog interface {
	IterateCommits(after consensus.OpId, fn func(rec *tabletpb.CommitRecord) (bool, error)) error
}

// Bootstrap replays the committed writes of the log in OpId order and returns the last OpId
// replayed. Aborted records are skipped.
func (t *Tablet) Bootstrap(l CommitLog) (consensus.OpId, error) {
	last := consensus.InvalidOpId
	replayed, skipped := 0, 0
	err := l.IterateCommits(consensus.InvalidOpId, func(rec *tabletpb.CommitRecord) (bool, error) {
		id := consensus.NewOpId(rec.Term, rec.Index)
		last = id
		if rec.Outcome != tabletpb.Outcome_Committed || rec.OpType != tabletpb.OpType_Write {
			skipped++
			return true, nil
		}
		req := new(raft_cmdpb.RaftCmdRequest)
		if err := proto.Unmarshal(rec.Effects, req); err != nil {
			return false, errors.Annotatef(err, "decode effects of %v", id)
		}
		muts, err := MutationsFromRequest(req)
		if err != nil {
			return false, errors.Annotatef(err, "replay %v", id)
		}
		ts := clock.HybridTime(rec.Timestamp)
		t.ApplyMutations(ts, muts)
		t.mvcc.Commit(ts)
		replayed++
		return true, nil
	})
	if err != nil {
		return consensus.InvalidOpId, err
	}
	log.Info("tablet bootstrapped", zap.Stringer("last", last), zap.Int("replayed", replayed), zap.Int("skipped", skipped))
	return last, nil
}
