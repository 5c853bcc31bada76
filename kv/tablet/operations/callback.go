package operations

import (
	"time"

	"github.com/pingcap-incubator/tinytablet/kv/util/clock"
	"github.com/pingcap/kvproto/pkg/raft_cmdpb"
)

// Callback delivers the outcome of an operation to the caller that submitted it.
type Callback struct {
	Resp *raft_cmdpb.RaftCmdResponse
	// Time is the hybrid time the write became visible at, unset on error.
	Time clock.HybridTime
	done chan struct{}
}

func (cb *Callback) Done(resp *raft_cmdpb.RaftCmdResponse) {
	if cb == nil {
		return
	}
	if resp != nil {
		cb.Resp = resp
	}
	cb.done <- struct{}{}
}

func (cb *Callback) WaitResp() *raft_cmdpb.RaftCmdResponse {
	<-cb.done
	return cb.Resp
}

// WaitRespWithTimeout returns nil if no response arrived in time.
func (cb *Callback) WaitRespWithTimeout(timeout time.Duration) *raft_cmdpb.RaftCmdResponse {
	select {
	case <-cb.done:
		return cb.Resp
	case <-time.After(timeout):
		return nil
	}
}

// DoneCh receives once Done is called, for callers that also wait on something else.
func (cb *Callback) DoneCh() <-chan struct{} {
	return cb.done
}

func NewCallback() *Callback {
	done := make(chan struct{}, 1)
	cb := &Callback{done: done}
	return cb
}
