package driver

import (
	"sync"
	"testing"
	"time"

	"github.com/pingcap-incubator/tinytablet/kv/consensus"
	"github.com/pingcap-incubator/tinytablet/kv/tablet/operations"
	"github.com/pingcap-incubator/tinytablet/kv/util/clock"
	"github.com/pingcap-incubator/tinytablet/kv/util/worker"
	"github.com/pingcap-incubator/tinytablet/proto/pkg/tabletpb"
	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/raft_cmdpb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type fakeConsensus struct {
	mu      sync.Mutex
	rounds  []*consensus.Round
	batches []int
	reject  error
	index   uint64
}

func (c *fakeConsensus) ReplicateBatch(rounds []*consensus.Round) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reject != nil {
		return c.reject
	}
	c.rounds = append(c.rounds, rounds...)
	c.batches = append(c.batches, len(rounds))
	return nil
}

func (c *fakeConsensus) IsLeader() bool {
	return true
}

func (c *fakeConsensus) numRounds() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rounds)
}

func (c *fakeConsensus) round(i int) *consensus.Round {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rounds[i]
}

// commit appends round i with the next index and reports its outcome.
func (c *fakeConsensus) commit(i int, err error) {
	c.mu.Lock()
	c.index++
	id := consensus.NewOpId(1, c.index)
	r := c.rounds[i]
	c.mu.Unlock()
	r.NotifyAppended(id)
	r.NotifyReplicationFinished(err)
}

type fakeLog struct {
	mu      sync.Mutex
	records []*tabletpb.CommitRecord
	err     error
}

func (l *fakeLog) AppendCommit(rec *tabletpb.CommitRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.records = append(l.records, rec)
	return nil
}

func (l *fakeLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

type fakeOp struct {
	state      *operations.OperationState
	prepareErr error
	applyErr   error
	block      chan struct{}

	prepared atomic.Int32
	applied  atomic.Int32
	finished atomic.Int32
	result   atomic.Int32
}

func newFakeOp(cb *operations.Callback) *fakeOp {
	return &fakeOp{state: operations.NewOperationState(nil, &raft_cmdpb.RaftCmdRequest{}, cb)}
}

func newFakeReplicaOp(id consensus.OpId) *fakeOp {
	op := newFakeOp(nil)
	op.state.SetRound(consensus.NewReplicaRound(&tabletpb.ReplicateMsg{}, id))
	return op
}

func (op *fakeOp) Type() operations.OperationType { return operations.WriteOperationType }
func (op *fakeOp) State() *operations.OperationState { return op.state }

func (op *fakeOp) Prepare() error {
	if op.block != nil {
		<-op.block
	}
	op.prepared.Inc()
	return op.prepareErr
}

func (op *fakeOp) Start() error {
	op.state.SetHybridTime(clock.HybridTime(100))
	return nil
}

func (op *fakeOp) NewReplicateMsg() (*tabletpb.ReplicateMsg, error) {
	return &tabletpb.ReplicateMsg{OpType: tabletpb.OpType_Write, Timestamp: 100}, nil
}

func (op *fakeOp) Apply() ([]byte, error) {
	op.applied.Inc()
	if op.applyErr != nil {
		return nil, op.applyErr
	}
	return []byte("effects"), nil
}

type rejectingExecutor struct{}

func (rejectingExecutor) Submit(f func()) error {
	return &worker.ErrWorkerStopped{Name: "apply"}
}

func (op *fakeOp) Finish(result operations.OperationResult) {
	op.result.Store(int32(result))
	op.finished.Inc()
}

type testEnv struct {
	ctx     *Context
	cons    *fakeConsensus
	log     *fakeLog
	prepare *PrepareWorker
	apply   *worker.Worker
	wg      sync.WaitGroup

	fatalMu sync.Mutex
	fatals  []string
}

func newTestEnv(cfg PrepareWorkerConfig, limit int) *testEnv {
	env := &testEnv{cons: &fakeConsensus{}, log: &fakeLog{}}
	env.prepare = NewPrepareWorker("prepare", cfg)
	env.apply = worker.NewWorker("apply", &env.wg)
	env.apply.Start(worker.FuncHandler{Name: "apply"})
	env.ctx = &Context{
		Tracker:       NewTracker(limit),
		Consensus:     env.cons,
		Log:           env.log,
		PrepareWorker: env.prepare,
		ApplyExecutor: env.apply,
		Verifier:      NewOrderVerifier(),
		Clock:         clock.NewHybridClock(0),
		Fatal: func(msg string, fields ...zap.Field) {
			env.fatalMu.Lock()
			env.fatals = append(env.fatals, msg)
			env.fatalMu.Unlock()
		},
	}
	return env
}

func (env *testEnv) fatalMsgs() []string {
	env.fatalMu.Lock()
	defer env.fatalMu.Unlock()
	return append([]string(nil), env.fatals...)
}

func (env *testEnv) numFatals() int {
	env.fatalMu.Lock()
	defer env.fatalMu.Unlock()
	return len(env.fatals)
}

func (env *testEnv) stop() {
	env.prepare.Stop()
	env.apply.Stop()
	env.wg.Wait()
}

func (env *testEnv) newDriver(t *testing.T, op *fakeOp, origin Origin) *Driver {
	d := NewDriver(env.ctx)
	require.Nil(t, d.Init(op, origin))
	return d
}

func waitFor(t *testing.T, cond func() bool) {
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestLeaderCommit(t *testing.T) {
	env := newTestEnv(PrepareWorkerConfig{}, 0)
	env.prepare.Start()
	defer env.stop()

	cb := operations.NewCallback()
	op := newFakeOp(cb)
	d := env.newDriver(t, op, Leader)
	assert.Equal(t, "NR-NP", d.StateString())
	require.Nil(t, d.ExecuteAsync())

	waitFor(t, func() bool { return env.cons.numRounds() == 1 })
	assert.Equal(t, "R-P", d.StateString())
	env.cons.commit(0, nil)

	resp := cb.WaitRespWithTimeout(3 * time.Second)
	require.NotNil(t, resp)
	assert.Nil(t, operations.RespError(resp))
	assert.Equal(t, clock.HybridTime(100), cb.Time)
	assert.Equal(t, int32(1), op.applied.Load())
	assert.Equal(t, int32(1), op.finished.Load())
	assert.Equal(t, int32(operations.Committed), op.result.Load())
	assert.Equal(t, consensus.NewOpId(1, 1), d.GetOpId())
	require.Equal(t, 1, env.log.len())
	rec := env.log.records[0]
	assert.Equal(t, uint64(1), rec.Index)
	assert.Equal(t, tabletpb.Outcome_Committed, rec.Outcome)
	assert.Equal(t, []byte("effects"), rec.Effects)
	waitFor(t, func() bool { return env.ctx.Tracker.NumPending() == 0 })
	assert.True(t, d.Finished())
	assert.True(t, env.ctx.Tracker.MedianLatency() > 0)
	assert.Equal(t, 0, env.numFatals())
}

func TestLeaderPrepareFails(t *testing.T) {
	env := newTestEnv(PrepareWorkerConfig{}, 0)
	env.prepare.Start()
	defer env.stop()

	cb := operations.NewCallback()
	op := newFakeOp(cb)
	op.prepareErr = errors.New("bad request")
	d := env.newDriver(t, op, Leader)
	require.Nil(t, d.ExecuteAsync())

	resp := cb.WaitRespWithTimeout(3 * time.Second)
	require.NotNil(t, resp)
	assert.EqualError(t, operations.RespError(resp), "bad request")
	assert.Equal(t, int32(operations.Aborted), op.result.Load())
	assert.Equal(t, 0, env.cons.numRounds())
	assert.Equal(t, int32(0), op.applied.Load())
}

func TestLeaderReplicationFails(t *testing.T) {
	env := newTestEnv(PrepareWorkerConfig{}, 0)
	env.prepare.Start()
	defer env.stop()

	cb := operations.NewCallback()
	op := newFakeOp(cb)
	d := env.newDriver(t, op, Leader)
	require.Nil(t, d.ExecuteAsync())
	waitFor(t, func() bool { return env.cons.numRounds() == 1 })
	env.cons.commit(0, errors.New("timed out"))

	resp := cb.WaitRespWithTimeout(3 * time.Second)
	require.NotNil(t, resp)
	assert.EqualError(t, operations.RespError(resp), "timed out")
	assert.Equal(t, int32(operations.Aborted), op.result.Load())
	assert.Equal(t, int32(1), op.finished.Load())
	assert.Equal(t, int32(0), op.applied.Load())
	assert.Equal(t, 0, env.log.len())
	assert.Equal(t, "RF-P", d.StateString())
}

func TestAbortBeforePrepare(t *testing.T) {
	env := newTestEnv(PrepareWorkerConfig{}, 0)
	env.prepare.Start()
	defer env.stop()

	cb := operations.NewCallback()
	op := newFakeOp(cb)
	d := env.newDriver(t, op, Leader)
	d.Abort(&operations.ErrAborted{Reason: "cancelled"})
	require.Nil(t, d.ExecuteAsync())

	resp := cb.WaitRespWithTimeout(3 * time.Second)
	require.NotNil(t, resp)
	assert.EqualError(t, operations.RespError(resp), "operation aborted: cancelled")
	assert.Equal(t, int32(0), op.prepared.Load())
	assert.Equal(t, int32(operations.Aborted), op.result.Load())
	assert.Equal(t, 0, env.cons.numRounds())
}

func TestAbortAfterReplicationStarted(t *testing.T) {
	env := newTestEnv(PrepareWorkerConfig{}, 0)
	env.prepare.Start()
	defer env.stop()

	cb := operations.NewCallback()
	op := newFakeOp(cb)
	d := env.newDriver(t, op, Leader)
	require.Nil(t, d.ExecuteAsync())
	waitFor(t, func() bool { return env.cons.numRounds() == 1 })

	d.Abort(&operations.ErrAborted{Reason: "cancelled"})
	env.cons.commit(0, nil)

	resp := cb.WaitRespWithTimeout(3 * time.Second)
	require.NotNil(t, resp)
	assert.Nil(t, operations.RespError(resp))
	assert.Equal(t, int32(operations.Committed), op.result.Load())
}

func TestAbortSurfacesWhenReplicationFails(t *testing.T) {
	env := newTestEnv(PrepareWorkerConfig{}, 0)
	env.prepare.Start()
	defer env.stop()

	cb := operations.NewCallback()
	op := newFakeOp(cb)
	d := env.newDriver(t, op, Leader)
	require.Nil(t, d.ExecuteAsync())
	waitFor(t, func() bool { return env.cons.numRounds() == 1 })

	d.Abort(&operations.ErrAborted{Reason: "cancelled"})
	env.cons.commit(0, errors.New("timed out"))

	resp := cb.WaitRespWithTimeout(3 * time.Second)
	require.NotNil(t, resp)
	assert.EqualError(t, operations.RespError(resp), "operation aborted: cancelled")
}

func TestReplicaCommittedBeforePrepared(t *testing.T) {
	env := newTestEnv(PrepareWorkerConfig{}, 0)
	env.prepare.Start()
	defer env.stop()

	id := consensus.NewOpId(2, 7)
	op := newFakeReplicaOp(id)
	op.block = make(chan struct{})
	d := env.newDriver(t, op, Replica)
	assert.Equal(t, "R-NP", d.StateString())
	assert.False(t, d.IsLeaderSide())
	require.Nil(t, d.ExecuteAsync())

	round := op.state.Round()
	round.NotifyAppended(id)
	round.NotifyReplicationFinished(nil)
	assert.Equal(t, "RD-NP", d.StateString())
	assert.Equal(t, int32(0), op.applied.Load())

	close(op.block)
	waitFor(t, func() bool { return op.finished.Load() == 1 })
	assert.Equal(t, int32(1), op.applied.Load())
	assert.Equal(t, int32(operations.Committed), op.result.Load())
	require.Equal(t, 1, env.log.len())
	assert.Equal(t, uint64(7), env.log.records[0].Index)
	assert.Equal(t, uint64(2), env.log.records[0].Term)
	assert.Equal(t, 0, env.cons.numRounds())
}

func TestReplicaPrepareFailsThenCommitted(t *testing.T) {
	env := newTestEnv(PrepareWorkerConfig{}, 0)
	env.prepare.Start()
	defer env.stop()

	id := consensus.NewOpId(1, 1)
	op := newFakeReplicaOp(id)
	op.prepareErr = errors.New("corrupt")
	d := env.newDriver(t, op, Replica)
	require.Nil(t, d.ExecuteAsync())
	waitFor(t, func() bool { return op.prepared.Load() == 1 })
	time.Sleep(10 * time.Millisecond)
	// The failure waits for the outcome of replication.
	assert.False(t, d.Finished())

	round := op.state.Round()
	round.NotifyAppended(id)
	round.NotifyReplicationFinished(nil)
	assert.Equal(t, 1, env.numFatals())
	assert.Equal(t, int32(0), op.applied.Load())
}

func TestReplicaPrepareFailsThenReplicationFails(t *testing.T) {
	env := newTestEnv(PrepareWorkerConfig{}, 0)
	env.prepare.Start()
	defer env.stop()

	op := newFakeReplicaOp(consensus.NewOpId(1, 1))
	op.prepareErr = errors.New("corrupt")
	d := env.newDriver(t, op, Replica)
	require.Nil(t, d.ExecuteAsync())
	waitFor(t, func() bool { return op.prepared.Load() == 1 })

	op.state.Round().NotifyReplicationFinished(&consensus.ErrEntryReplaced{})
	waitFor(t, func() bool { return op.finished.Load() == 1 })
	assert.True(t, d.Finished())
	assert.Equal(t, int32(operations.Aborted), op.result.Load())
	assert.Equal(t, 0, env.numFatals())
}

func TestReplicationFinishedTwice(t *testing.T) {
	env := newTestEnv(PrepareWorkerConfig{}, 0)
	defer env.stop()

	op := newFakeReplicaOp(consensus.NewOpId(1, 1))
	d := env.newDriver(t, op, Replica)
	d.ReplicationFinished(errors.New("lost"))
	assert.Equal(t, 0, env.numFatals())
	d.ReplicationFinished(nil)
	assert.Equal(t, 1, env.numFatals())
}

func TestBatchRejected(t *testing.T) {
	env := newTestEnv(PrepareWorkerConfig{}, 0)
	env.cons.reject = &consensus.ErrNotLeader{NodeID: 1, LeaderID: 2}
	defer env.stop()

	var cbs []*operations.Callback
	for i := 0; i < 2; i++ {
		cb := operations.NewCallback()
		cbs = append(cbs, cb)
		require.Nil(t, env.newDriver(t, newFakeOp(cb), Leader).ExecuteAsync())
	}
	env.prepare.Start()
	for _, cb := range cbs {
		resp := cb.WaitRespWithTimeout(3 * time.Second)
		require.NotNil(t, resp)
		require.NotNil(t, resp.Header.Error.NotLeader)
		assert.Equal(t, uint64(2), resp.Header.Error.NotLeader.Leader.Id)
	}
	waitFor(t, func() bool { return env.ctx.Tracker.NumPending() == 0 })
}

func TestPrepareWorkerBatches(t *testing.T) {
	env := newTestEnv(PrepareWorkerConfig{}, 0)
	defer env.stop()

	leaders := make([]*Driver, 0, 3)
	for i := 0; i < 3; i++ {
		leaders = append(leaders, env.newDriver(t, newFakeOp(operations.NewCallback()), Leader))
	}
	replica := env.newDriver(t, newFakeReplicaOp(consensus.NewOpId(1, 1)), Replica)
	require.Nil(t, leaders[0].ExecuteAsync())
	require.Nil(t, leaders[1].ExecuteAsync())
	require.Nil(t, replica.ExecuteAsync())
	require.Nil(t, leaders[2].ExecuteAsync())
	env.prepare.Start()

	waitFor(t, func() bool { return env.cons.numRounds() == 3 })
	env.cons.mu.Lock()
	assert.Equal(t, []int{2, 1}, env.cons.batches)
	env.cons.mu.Unlock()
	for i, d := range leaders {
		assert.Equal(t, d.State().Round(), env.cons.round(i))
	}
}

func TestAdmissionRate(t *testing.T) {
	env := newTestEnv(PrepareWorkerConfig{AdmissionRate: 0.001, AdmissionBurst: 1}, 0)
	defer env.stop()

	require.Nil(t, env.newDriver(t, newFakeOp(nil), Leader).ExecuteAsync())
	cb := operations.NewCallback()
	err := env.newDriver(t, newFakeOp(cb), Leader).ExecuteAsync()
	require.NotNil(t, err)
	_, ok := err.(*operations.ErrServerIsBusy)
	assert.True(t, ok)
	resp := cb.WaitRespWithTimeout(time.Second)
	require.NotNil(t, resp)
	assert.NotNil(t, resp.Header.Error.ServerIsBusy)

	// Replica operations are not subject to admission.
	require.Nil(t, env.newDriver(t, newFakeReplicaOp(consensus.NewOpId(1, 1)), Replica).ExecuteAsync())
}

func TestTrackerLimit(t *testing.T) {
	env := newTestEnv(PrepareWorkerConfig{}, 1)
	defer env.stop()

	first := env.newDriver(t, newFakeOp(nil), Leader)
	require.Nil(t, first.ExecuteAsync())
	assert.Equal(t, time.Duration(0), env.ctx.Tracker.MedianLatency())
	cb := operations.NewCallback()
	err := env.newDriver(t, newFakeOp(cb), Leader).ExecuteAsync()
	require.NotNil(t, err)
	_, ok := err.(*operations.ErrTooManyOperations)
	assert.True(t, ok)
	assert.NotNil(t, cb.WaitRespWithTimeout(time.Second))
	assert.Equal(t, []*Driver{first}, env.ctx.Tracker.PendingOperations())

	require.Nil(t, env.newDriver(t, newFakeReplicaOp(consensus.NewOpId(1, 1)), Replica).ExecuteAsync())
	assert.Equal(t, 2, env.ctx.Tracker.NumPending())
	assert.NotNil(t, env.ctx.Tracker.WaitForAllToFinish(20*time.Millisecond))
}

func TestSubmitAfterStop(t *testing.T) {
	env := newTestEnv(PrepareWorkerConfig{}, 0)
	env.prepare.Start()
	env.stop()

	cb := operations.NewCallback()
	err := env.newDriver(t, newFakeOp(cb), Leader).ExecuteAsync()
	_, ok := err.(*worker.ErrWorkerStopped)
	assert.True(t, ok)
	assert.NotNil(t, cb.WaitRespWithTimeout(time.Second).Header.Error.ServerIsBusy)
}

func TestInitRejectsMalformedInput(t *testing.T) {
	env := newTestEnv(PrepareWorkerConfig{}, 0)
	defer env.stop()

	assert.NotNil(t, NewDriver(env.ctx).Init(nil, Leader))
	assert.NotNil(t, NewDriver(env.ctx).Init(newFakeOp(nil), Replica))
	d := env.newDriver(t, newFakeOp(nil), Leader)
	assert.NotNil(t, d.Init(newFakeOp(nil), Leader))
}

func TestOrderVerifier(t *testing.T) {
	v := NewOrderVerifier()
	now := time.Now()
	assert.NotNil(t, v.CheckApply(consensus.InvalidOpId, now))
	require.Nil(t, v.CheckApply(consensus.NewOpId(1, 1), now))
	require.Nil(t, v.CheckApply(consensus.NewOpId(1, 2), now.Add(time.Millisecond)))
	assert.NotNil(t, v.CheckApply(consensus.NewOpId(1, 2), now.Add(2*time.Millisecond)))
	assert.NotNil(t, v.CheckApply(consensus.NewOpId(1, 3), now))
	require.Nil(t, v.CheckApply(consensus.NewOpId(2, 3), now.Add(3*time.Millisecond)))
}

func TestFullPrepareQueue(t *testing.T) {
	env := newTestEnv(PrepareWorkerConfig{QueueSize: 1}, 0)
	defer env.stop()

	require.Nil(t, env.newDriver(t, newFakeOp(operations.NewCallback()), Leader).ExecuteAsync())
	cb := operations.NewCallback()
	err := env.newDriver(t, newFakeOp(cb), Leader).ExecuteAsync()
	require.NotNil(t, err)
	_, ok := err.(*operations.ErrServerIsBusy)
	assert.True(t, ok)
	resp := cb.WaitRespWithTimeout(time.Second)
	require.NotNil(t, resp)
	assert.NotNil(t, resp.Header.Error.ServerIsBusy)

	// Replica operations are already in the log and are queued past the limit.
	for i := 1; i <= 3; i++ {
		require.Nil(t, env.newDriver(t, newFakeReplicaOp(consensus.NewOpId(1, uint64(i))), Replica).ExecuteAsync())
	}
	env.prepare.Start()
	waitFor(t, func() bool { return env.cons.numRounds() == 1 })
}

func TestReplicaSubmitFailureUntracks(t *testing.T) {
	env := newTestEnv(PrepareWorkerConfig{}, 0)
	env.prepare.Stop()
	defer env.stop()

	op := newFakeReplicaOp(consensus.NewOpId(1, 1))
	d := env.newDriver(t, op, Replica)
	err := d.ExecuteAsync()
	_, ok := err.(*worker.ErrWorkerStopped)
	require.True(t, ok)
	assert.Equal(t, 0, env.ctx.Tracker.NumPending())
	// The entry may still commit, so the operation itself is left to the caller.
	assert.False(t, d.Finished())
	assert.Equal(t, 0, env.numFatals())
}

func TestApplyFailureIsFatal(t *testing.T) {
	env := newTestEnv(PrepareWorkerConfig{}, 0)
	env.prepare.Start()
	defer env.stop()

	id := consensus.NewOpId(1, 1)
	op := newFakeReplicaOp(id)
	op.applyErr = errors.New("disk full")
	d := env.newDriver(t, op, Replica)
	require.Nil(t, d.ExecuteAsync())
	op.state.Round().NotifyAppended(id)
	op.state.Round().NotifyReplicationFinished(nil)

	waitFor(t, func() bool { return env.numFatals() == 1 })
	assert.Equal(t, []string{"failed to apply committed operation"}, env.fatalMsgs())
	assert.Equal(t, 0, env.log.len())
	assert.Equal(t, int32(0), op.finished.Load())
}

func TestAppendCommitFailureIsFatal(t *testing.T) {
	env := newTestEnv(PrepareWorkerConfig{}, 0)
	env.log.err = errors.New("log closed")
	env.prepare.Start()
	defer env.stop()

	cb := operations.NewCallback()
	op := newFakeOp(cb)
	require.Nil(t, env.newDriver(t, op, Leader).ExecuteAsync())
	waitFor(t, func() bool { return env.cons.numRounds() == 1 })
	env.cons.commit(0, nil)

	waitFor(t, func() bool { return env.numFatals() == 1 })
	assert.Equal(t, []string{"failed to append commit record"}, env.fatalMsgs())
	assert.Equal(t, int32(1), op.applied.Load())
	assert.Equal(t, int32(0), op.finished.Load())
	assert.Nil(t, cb.WaitRespWithTimeout(10*time.Millisecond))
}

func TestApplyExecutorRejectionIsFatal(t *testing.T) {
	env := newTestEnv(PrepareWorkerConfig{}, 0)
	env.ctx.ApplyExecutor = rejectingExecutor{}
	env.prepare.Start()
	defer env.stop()

	id := consensus.NewOpId(1, 1)
	op := newFakeReplicaOp(id)
	require.Nil(t, env.newDriver(t, op, Replica).ExecuteAsync())
	waitFor(t, func() bool { return op.prepared.Load() == 1 })
	op.state.Round().NotifyAppended(id)
	op.state.Round().NotifyReplicationFinished(nil)

	waitFor(t, func() bool { return env.numFatals() == 1 })
	assert.Equal(t, []string{"failed to submit apply"}, env.fatalMsgs())
	assert.Equal(t, int32(0), op.applied.Load())
}

func TestReplicasApplyInLogOrder(t *testing.T) {
	env := newTestEnv(PrepareWorkerConfig{}, 0)
	env.prepare.Start()
	defer env.stop()

	const n = 50
	ops := make([]*fakeOp, 0, n)
	for i := 1; i <= n; i++ {
		op := newFakeReplicaOp(consensus.NewOpId(uint64(1+i/20), uint64(i)))
		ops = append(ops, op)
		require.Nil(t, env.newDriver(t, op, Replica).ExecuteAsync())
	}
	// Commits race the prepare worker: some operations commit before they are prepared.
	for _, op := range ops {
		r := op.state.Round()
		r.NotifyAppended(r.ID())
		r.NotifyReplicationFinished(nil)
	}

	waitFor(t, func() bool { return env.log.len() == n })
	env.log.mu.Lock()
	for i, rec := range env.log.records {
		assert.Equal(t, uint64(i+1), rec.Index)
	}
	env.log.mu.Unlock()
	for _, op := range ops {
		assert.Equal(t, int32(1), op.applied.Load())
	}
	waitFor(t, func() bool { return env.ctx.Tracker.NumPending() == 0 })
	assert.Equal(t, 0, env.numFatals())
}

func TestReplicationFinishedRacesPrepare(t *testing.T) {
	env := newTestEnv(PrepareWorkerConfig{}, 0)
	env.prepare.Start()
	defer env.stop()

	for i := 1; i <= 200; i++ {
		id := consensus.NewOpId(1, uint64(i))
		op := newFakeReplicaOp(id)
		d := env.newDriver(t, op, Replica)
		round := op.state.Round()

		var (
			wg        sync.WaitGroup
			submitErr error
			badId     atomic.Bool
		)
		start := make(chan struct{})
		wg.Add(3)
		go func() {
			defer wg.Done()
			<-start
			submitErr = d.ExecuteAsync()
		}()
		go func() {
			defer wg.Done()
			<-start
			round.NotifyAppended(id)
			round.NotifyReplicationFinished(nil)
		}()
		go func() {
			defer wg.Done()
			<-start
			seen := consensus.InvalidOpId
			for op.finished.Load() == 0 && env.numFatals() == 0 {
				got := d.GetOpId()
				if seen.IsValid() && got != seen {
					badId.Store(true)
				}
				if got.IsValid() {
					seen = got
				}
			}
			if d.GetOpId() != id {
				badId.Store(true)
			}
		}()
		close(start)
		wg.Wait()

		require.Nil(t, submitErr)
		require.False(t, badId.Load(), "op id of %v changed", id)
		require.Equal(t, int32(1), op.applied.Load())
		require.Equal(t, int32(1), op.finished.Load())
		require.Equal(t, int32(operations.Committed), op.result.Load())
	}
	waitFor(t, func() bool { return env.ctx.Tracker.NumPending() == 0 })
	assert.Equal(t, 0, env.numFatals())
	assert.Equal(t, 200, env.log.len())
}
