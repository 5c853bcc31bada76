package consensus

import (
	"sync"

	"github.com/pingcap-incubator/tinytablet/proto/pkg/tabletpb"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// AppendCallback is told when a round has been appended to the local log but is not yet known
// to be committed.
type AppendCallback interface {
	HandleConsensusAppend()
}

// ReplicatedCallback receives the final outcome of a round: nil once it is committed.
type ReplicatedCallback func(err error)

// Round is one operation travelling through consensus.
type Round struct {
	msg *tabletpb.ReplicateMsg

	mu           sync.Mutex
	id           OpId
	appendCb     AppendCallback
	replicatedCb ReplicatedCallback

	finished atomic.Bool
}

func NewRound(msg *tabletpb.ReplicateMsg, appendCb AppendCallback, replicatedCb ReplicatedCallback) *Round {
	return &Round{
		msg:          msg,
		appendCb:     appendCb,
		replicatedCb: replicatedCb,
	}
}

// NewReplicaRound builds the round of an operation a follower received from the leader. Its id is
// already known.
func NewReplicaRound(msg *tabletpb.ReplicateMsg, id OpId) *Round {
	return &Round{msg: msg, id: id}
}

func (r *Round) Msg() *tabletpb.ReplicateMsg {
	return r.msg
}

func (r *Round) ID() OpId {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id
}

// SetCallbacks binds the callbacks of a round built by NewReplicaRound.
func (r *Round) SetCallbacks(appendCb AppendCallback, replicatedCb ReplicatedCallback) {
	r.mu.Lock()
	r.appendCb = appendCb
	r.replicatedCb = replicatedCb
	r.mu.Unlock()
}

// NotifyAppended assigns the id and runs the append callback. An id is assigned once.
func (r *Round) NotifyAppended(id OpId) {
	r.mu.Lock()
	if r.id.IsValid() && r.id != id {
		r.mu.Unlock()
		log.Fatal("round id reassigned", zap.Stringer("old", r.id), zap.Stringer("new", id))
		return
	}
	r.id = id
	cb := r.appendCb
	r.mu.Unlock()
	if cb != nil {
		cb.HandleConsensusAppend()
	}
}

// NotifyReplicationFinished delivers the outcome. Only the first call has an effect.
func (r *Round) NotifyReplicationFinished(err error) {
	if !r.finished.CAS(false, true) {
		log.Warn("replication of round already finished", zap.Stringer("id", r.ID()), zap.Error(err))
		return
	}
	r.mu.Lock()
	cb := r.replicatedCb
	r.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}
