package operations

import (
	"testing"
	"time"

	"github.com/pingcap-incubator/tinytablet/kv/consensus"
	"github.com/pingcap-incubator/tinytablet/kv/tablet"
	"github.com/pingcap-incubator/tinytablet/kv/util/clock"
	"github.com/pingcap-incubator/tinytablet/kv/util/worker"
	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/raft_cmdpb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func putRequest(kvs ...string) *raft_cmdpb.RaftCmdRequest {
	req := &raft_cmdpb.RaftCmdRequest{}
	for i := 0; i+1 < len(kvs); i += 2 {
		req.Requests = append(req.Requests, &raft_cmdpb.Request{
			CmdType: raft_cmdpb.CmdType_Put,
			Put:     &raft_cmdpb.PutRequest{Key: []byte(kvs[i]), Value: []byte(kvs[i+1])},
		})
	}
	return req
}

func TestWriteOperationLifecycle(t *testing.T) {
	tab := tablet.NewTablet()
	c := clock.NewHybridClock(0)
	req := putRequest("a", "1", "b", "2")
	req.Requests = append(req.Requests, &raft_cmdpb.Request{
		CmdType: raft_cmdpb.CmdType_Delete,
		Delete:  &raft_cmdpb.DeleteRequest{Key: []byte("c")},
	})
	keys := WriteKeys(req)
	require.Len(t, keys, 3)
	require.Nil(t, tab.Latches().AcquireLatches(keys))

	state := NewOperationState(tab, req, NewCallback())
	state.SetLatchedKeys(keys)
	op := NewWriteOperation(state, c)
	assert.Equal(t, WriteOperationType, op.Type())

	require.Nil(t, op.Prepare())
	require.Nil(t, op.Start())
	ts := state.HybridTime()
	assert.True(t, state.HasHybridTime())
	assert.Equal(t, 1, tab.Mvcc().NumPending())
	assert.True(t, tab.Mvcc().SafeTime() < ts)

	msg, err := op.NewReplicateMsg()
	require.Nil(t, err)
	assert.Equal(t, uint64(ts), msg.Timestamp)

	effects, err := op.Apply()
	require.Nil(t, err)
	assert.NotEmpty(t, effects)
	assert.Len(t, state.Response().Responses, 3)
	// Installed but not yet below the safe time.
	_, ok := tab.Get([]byte("a"), tab.Mvcc().SafeTime())
	assert.False(t, ok)

	op.Finish(Committed)
	assert.Equal(t, ts, tab.Mvcc().SafeTime())
	v, ok := tab.Get([]byte("a"), tab.Mvcc().SafeTime())
	assert.True(t, ok)
	assert.Equal(t, "1", string(v))
	assert.Equal(t, 0, tab.Latches().NumLatched())

	// The replica rebuilds the same write with the leader's timestamp.
	replicaTab := tablet.NewTablet()
	replicaClock := clock.NewHybridClock(0)
	replica, err := NewReplicaWriteOperation(replicaTab, msg, replicaClock)
	require.Nil(t, err)
	require.Nil(t, replica.Prepare())
	require.Nil(t, replica.Start())
	assert.Equal(t, ts, replica.State().HybridTime())
	assert.True(t, replicaClock.Now() > ts)
	replicaEffects, err := replica.Apply()
	require.Nil(t, err)
	assert.Equal(t, effects, replicaEffects)
	replica.Finish(Committed)
	v, _ = replicaTab.Get([]byte("b"), ts)
	assert.Equal(t, "2", string(v))
}

func TestWriteOperationAbort(t *testing.T) {
	tab := tablet.NewTablet()
	op := NewWriteOperation(NewOperationState(tab, putRequest("a", "1"), nil), clock.NewHybridClock(0))
	require.Nil(t, op.Prepare())
	require.Nil(t, op.Start())
	op.Finish(Aborted)
	assert.Equal(t, 0, tab.Mvcc().NumPending())

	// Finishing an operation that never started is fine too.
	op = NewWriteOperation(NewOperationState(tab, putRequest("a", "1"), nil), clock.NewHybridClock(0))
	op.Finish(Aborted)
}

func TestWriteOperationPrepareFails(t *testing.T) {
	tab := tablet.NewTablet()
	op := NewWriteOperation(NewOperationState(tab, &raft_cmdpb.RaftCmdRequest{}, nil), clock.NewHybridClock(0))
	assert.NotNil(t, op.Prepare())
	_, err := op.Apply()
	assert.NotNil(t, err)
}

func TestCallback(t *testing.T) {
	cb := NewCallback()
	assert.Nil(t, cb.WaitRespWithTimeout(time.Millisecond))
	resp := ErrorResp(&ErrServerIsBusy{Reason: "full"})
	cb.Done(resp)
	assert.Equal(t, resp, cb.WaitResp())

	var nilCb *Callback
	nilCb.Done(resp)
}

func TestToPbError(t *testing.T) {
	pbErr := ToPbError(errors.Trace(&consensus.ErrNotLeader{NodeID: 1, LeaderID: 2}))
	require.NotNil(t, pbErr.NotLeader)
	assert.Equal(t, uint64(2), pbErr.NotLeader.Leader.Id)

	pbErr = ToPbError(&ErrServerIsBusy{Reason: "queue", BackoffMs: 5})
	assert.Equal(t, uint64(5), pbErr.ServerIsBusy.BackoffMs)
	assert.NotNil(t, ToPbError(&ErrTooManyOperations{Limit: 1}).ServerIsBusy)
	assert.NotNil(t, ToPbError(&worker.ErrWorkerStopped{Name: "prepare"}).ServerIsBusy)
	assert.NotNil(t, ToPbError(&consensus.ErrEntryReplaced{}).StaleCommand)

	pbErr = ToPbError(&ErrAborted{Reason: "cancelled"})
	assert.Equal(t, "operation aborted: cancelled", pbErr.Message)

	resp := ErrorResp(&ErrAborted{Reason: "cancelled"})
	assert.EqualError(t, RespError(resp), "operation aborted: cancelled")
	BindRespTerm(resp, 3)
	assert.Equal(t, uint64(3), resp.Header.CurrentTerm)
}
