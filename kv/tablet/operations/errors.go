package operations

import (
	"fmt"

	"github.com/pingcap-incubator/tinytablet/kv/consensus"
	"github.com/pingcap-incubator/tinytablet/kv/util/worker"
	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/errorpb"
	"github.com/pingcap/kvproto/pkg/metapb"
	"github.com/pingcap/kvproto/pkg/raft_cmdpb"
)

type ErrServerIsBusy struct {
	Reason    string
	BackoffMs uint64
}

func (e *ErrServerIsBusy) Error() string {
	return fmt.Sprintf("server is busy, reason %v, backoff ms %v", e.Reason, e.BackoffMs)
}

// ErrAborted is the status of an operation cancelled before it reached consensus.
type ErrAborted struct {
	Reason string
}

func (e *ErrAborted) Error() string {
	return fmt.Sprintf("operation aborted: %v", e.Reason)
}

type ErrTooManyOperations struct {
	Limit int
}

func (e *ErrTooManyOperations) Error() string {
	return fmt.Sprintf("too many operations in flight, limit %v", e.Limit)
}

// ToPbError maps errors of the commit pipeline onto errorpb.
func ToPbError(e error) *errorpb.Error {
	ret := &errorpb.Error{Message: e.Error()}
	switch err := errors.Cause(e).(type) {
	case *consensus.ErrNotLeader:
		ret.NotLeader = &errorpb.NotLeader{}
		if err.LeaderID != 0 {
			ret.NotLeader.Leader = &metapb.Peer{Id: err.LeaderID, StoreId: err.LeaderID}
		}
	case *consensus.ErrEntryReplaced:
		ret.StaleCommand = &errorpb.StaleCommand{}
	case *ErrServerIsBusy:
		ret.ServerIsBusy = &errorpb.ServerIsBusy{Reason: err.Reason, BackoffMs: err.BackoffMs}
	case *ErrTooManyOperations:
		ret.ServerIsBusy = &errorpb.ServerIsBusy{Reason: err.Error()}
	case *worker.ErrWorkerStopped, *consensus.ErrStopped:
		ret.ServerIsBusy = &errorpb.ServerIsBusy{Reason: err.Error()}
	}
	return ret
}

func ensureRespHeader(resp *raft_cmdpb.RaftCmdResponse) {
	if resp.GetHeader() == nil {
		resp.Header = &raft_cmdpb.RaftResponseHeader{}
	}
}

func BindRespError(resp *raft_cmdpb.RaftCmdResponse, err error) {
	ensureRespHeader(resp)
	resp.Header.Error = ToPbError(err)
}

func BindRespTerm(resp *raft_cmdpb.RaftCmdResponse, term uint64) {
	if term == 0 {
		return
	}
	ensureRespHeader(resp)
	resp.Header.CurrentTerm = term
}

func ErrorResp(err error) *raft_cmdpb.RaftCmdResponse {
	resp := &raft_cmdpb.RaftCmdResponse{Header: &raft_cmdpb.RaftResponseHeader{}}
	BindRespError(resp, err)
	return resp
}

// RespError returns the error carried by resp, or nil.
func RespError(resp *raft_cmdpb.RaftCmdResponse) error {
	if pbErr := resp.GetHeader().GetError(); pbErr != nil {
		return errors.New(pbErr.Message)
	}
	return nil
}
