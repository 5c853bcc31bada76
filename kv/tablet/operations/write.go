package operations

import (
	"github.com/golang/protobuf/proto"
	"github.com/pingcap-incubator/tinytablet/kv/tablet"
	"github.com/pingcap-incubator/tinytablet/kv/util/clock"
	"github.com/pingcap-incubator/tinytablet/proto/pkg/tabletpb"
	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/raft_cmdpb"
)

// WriteOperation puts and deletes rows of a tablet.
type WriteOperation struct {
	state *OperationState
	clock *clock.HybridClock

	muts    []tablet.Mutation
	started bool
}

func NewWriteOperation(state *OperationState, c *clock.HybridClock) *WriteOperation {
	return &WriteOperation{state: state, clock: c}
}

// NewReplicaWriteOperation rebuilds a write replicated from the leader.
func NewReplicaWriteOperation(t *tablet.Tablet, msg *tabletpb.ReplicateMsg, c *clock.HybridClock) (*WriteOperation, error) {
	if msg.OpType != tabletpb.OpType_Write {
		return nil, errors.Errorf("replicate message of type %v is not a write", msg.OpType)
	}
	req := new(raft_cmdpb.RaftCmdRequest)
	if err := proto.Unmarshal(msg.Payload, req); err != nil {
		return nil, errors.Annotate(err, "decode replicated write")
	}
	state := NewOperationState(t, req, nil)
	state.SetHybridTime(clock.HybridTime(msg.Timestamp))
	return NewWriteOperation(state, c), nil
}

// WriteKeys returns the keys a write request touches, to be latched by the submitter.
func WriteKeys(req *raft_cmdpb.RaftCmdRequest) [][]byte {
	keys := make([][]byte, 0, len(req.GetRequests()))
	for _, r := range req.GetRequests() {
		switch {
		case r.Put != nil:
			keys = append(keys, r.Put.Key)
		case r.Delete != nil:
			keys = append(keys, r.Delete.Key)
		}
	}
	return keys
}

func (w *WriteOperation) Type() OperationType {
	return WriteOperationType
}

func (w *WriteOperation) State() *OperationState {
	return w.state
}

func (w *WriteOperation) Prepare() error {
	muts, err := tablet.MutationsFromRequest(w.state.Request())
	if err != nil {
		return errors.Trace(err)
	}
	w.muts = muts
	return nil
}

// Start picks the timestamp of a leader write, or adopts the replicated one, and registers it as
// pending.
func (w *WriteOperation) Start() error {
	ts := w.state.HybridTime()
	if ts == clock.InvalidHybridTime {
		ts = w.clock.Now()
		w.state.SetHybridTime(ts)
	} else {
		w.clock.Update(ts)
	}
	if err := w.state.Tablet().Mvcc().AddPending(ts); err != nil {
		return errors.Trace(err)
	}
	w.started = true
	return nil
}

func (w *WriteOperation) NewReplicateMsg() (*tabletpb.ReplicateMsg, error) {
	payload, err := proto.Marshal(w.state.Request())
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &tabletpb.ReplicateMsg{
		OpType:    tabletpb.OpType_Write,
		Timestamp: uint64(w.state.HybridTime()),
		Payload:   payload,
	}, nil
}

func (w *WriteOperation) Apply() ([]byte, error) {
	if w.muts == nil {
		return nil, errors.New("apply of an unprepared write")
	}
	effects, err := proto.Marshal(w.state.Request())
	if err != nil {
		return nil, errors.Trace(err)
	}
	w.state.Tablet().ApplyMutations(w.state.HybridTime(), w.muts)

	resp := w.state.Response()
	for _, r := range w.state.Request().GetRequests() {
		switch r.CmdType {
		case raft_cmdpb.CmdType_Put:
			resp.Responses = append(resp.Responses, &raft_cmdpb.Response{
				CmdType: raft_cmdpb.CmdType_Put,
				Put:     &raft_cmdpb.PutResponse{},
			})
		case raft_cmdpb.CmdType_Delete:
			resp.Responses = append(resp.Responses, &raft_cmdpb.Response{
				CmdType: raft_cmdpb.CmdType_Delete,
				Delete:  &raft_cmdpb.DeleteResponse{},
			})
		}
	}
	return effects, nil
}

func (w *WriteOperation) Finish(result OperationResult) {
	t := w.state.Tablet()
	if w.started {
		if result == Committed {
			t.Mvcc().Commit(w.state.HybridTime())
		} else {
			t.Mvcc().Abort(w.state.HybridTime())
		}
	}
	if keys := w.state.takeLatchedKeys(); len(keys) > 0 {
		t.Latches().ReleaseLatches(keys)
	}
}
