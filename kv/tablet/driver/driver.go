package driver

import (
	"fmt"
	"sync"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/pingcap-incubator/tinytablet/kv/consensus"
	"github.com/pingcap-incubator/tinytablet/kv/tablet/operations"
	"github.com/pingcap-incubator/tinytablet/proto/pkg/tabletpb"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Origin tells which side of consensus created an operation.
type Origin int

const (
	Leader Origin = iota
	Replica
)

func (o Origin) String() string {
	if o == Leader {
		return "leader"
	}
	return "replica"
}

// ReplicationState is how far consensus got with an operation.
type ReplicationState int

const (
	NotReplicating ReplicationState = iota
	Replicating
	Replicated
	ReplicationFailed
)

func (s ReplicationState) String() string {
	switch s {
	case NotReplicating:
		return "NR"
	case Replicating:
		return "R"
	case Replicated:
		return "RD"
	case ReplicationFailed:
		return "RF"
	}
	return "?"
}

// PrepareState tells whether Prepare and Start of an operation succeeded.
type PrepareState int

const (
	NotPrepared PrepareState = iota
	Prepared
)

func (s PrepareState) String() string {
	if s == Prepared {
		return "P"
	}
	return "NP"
}

// Driver moves one operation through prepare, replication, apply and finish.
//
// Prepare and replication run concurrently. Whichever of the two completes last decides what
// happens next, so every transition of the two states happens under mu and the follow-up
// action runs after mu is released. Apply is submitted once and the operation finishes once,
// both enforced by CAS flags.
type Driver struct {
	ctx       *Context
	op        operations.Operation
	origin    Origin
	startTime time.Time
	span      opentracing.Span

	mu               sync.Mutex
	replicationState ReplicationState
	prepareState     PrepareState
	prepareFinished  bool
	// status is the first failure or abort reported for the operation.
	status           error
	replicationStart time.Time

	opIdMu      sync.Mutex
	opId        consensus.OpId
	prepareTime time.Time

	applySubmitted atomic.Bool
	finished       atomic.Bool
}

func NewDriver(ctx *Context) *Driver {
	return &Driver{ctx: ctx}
}

// Init binds the operation. A replica operation must carry the round it was received in.
func (d *Driver) Init(op operations.Operation, origin Origin) error {
	if op == nil {
		return errors.New("driver initialized without an operation")
	}
	if d.op != nil {
		return errors.Errorf("driver already drives %v", d.op.Type())
	}
	d.op = op
	d.origin = origin
	d.startTime = time.Now()
	d.span = opentracing.StartSpan("tablet.operation")
	d.span.SetTag("type", op.Type().String())
	d.span.SetTag("origin", origin.String())
	if origin == Replica {
		round := op.State().Round()
		if round == nil {
			return errors.New("replica operation has no round")
		}
		d.replicationState = Replicating
		d.replicationStart = d.startTime
		round.SetCallbacks(d, d.ReplicationFinished)
	}
	return nil
}

// ExecuteAsync hands the driver to the prepare worker. When that fails the operation is
// failed through HandleFailure and the error is returned too. A replica operation is already in
// the log and cannot be failed locally, so it is only untracked and the caller has to escalate.
func (d *Driver) ExecuteAsync() error {
	if err := d.ctx.Tracker.Add(d); err != nil {
		d.HandleFailure(err)
		return err
	}
	if err := d.ctx.PrepareWorker.Submit(d); err != nil {
		if d.origin == Replica {
			d.ctx.Tracker.Release(d)
		}
		d.HandleFailure(err)
		return err
	}
	return nil
}

// PrepareAndStart runs Prepare and Start of the operation and, on the leader, builds its round.
// A returned error must be passed to HandleFailure.
func (d *Driver) PrepareAndStart() error {
	d.mu.Lock()
	if d.status != nil && d.replicationState == NotReplicating {
		status := d.status
		d.mu.Unlock()
		return status
	}
	d.mu.Unlock()

	start := time.Now()
	err := d.op.Prepare()
	if err == nil {
		err = d.op.Start()
	}
	if err == nil && d.origin == Leader {
		var msg *tabletpb.ReplicateMsg
		if msg, err = d.op.NewReplicateMsg(); err == nil {
			d.op.State().SetRound(consensus.NewRound(msg, d, d.ReplicationFinished))
		}
	}
	phaseDuration.WithLabelValues("prepare").Observe(time.Since(start).Seconds())
	d.span.LogKV("event", "prepared", "error", err)

	d.mu.Lock()
	d.prepareFinished = true
	if err != nil {
		d.mu.Unlock()
		return err
	}
	d.prepareState = Prepared
	replicationState := d.replicationState
	status := d.status
	d.mu.Unlock()

	switch replicationState {
	case Replicated:
		d.ApplyAsync()
	case ReplicationFailed:
		return status
	}
	return nil
}

// PrepareAndStartTask is the unbatched prepare path: it prepares the operation and, for a
// leader operation, submits it to consensus alone.
func (d *Driver) PrepareAndStartTask() {
	if err := d.PrepareAndStart(); err != nil {
		d.HandleFailure(err)
		return
	}
	if d.IsLeaderSide() {
		replicateDrivers([]*Driver{d})
	}
}

// startReplication moves a prepared leader operation to Replicating. An abort requested so far
// is honored here, the last point before the operation leaves this node.
func (d *Driver) startReplication() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.status != nil {
		return d.status
	}
	if d.replicationState != NotReplicating || d.prepareState != Prepared {
		return errors.Errorf("cannot replicate operation in state %s-%s", d.replicationState, d.prepareState)
	}
	d.replicationState = Replicating
	d.replicationStart = time.Now()
	return nil
}

// replicateDrivers submits the rounds of prepared leader operations as one batch.
func replicateDrivers(drivers []*Driver) {
	if len(drivers) == 0 {
		return
	}
	rounds := make([]*consensus.Round, 0, len(drivers))
	started := make([]*Driver, 0, len(drivers))
	for _, d := range drivers {
		if err := d.startReplication(); err != nil {
			d.HandleFailure(err)
			continue
		}
		rounds = append(rounds, d.op.State().Round())
		started = append(started, d)
	}
	if len(rounds) == 0 {
		return
	}
	prepareBatchSize.Observe(float64(len(rounds)))
	if err := started[0].ctx.Consensus.ReplicateBatch(rounds); err != nil {
		for _, d := range started {
			d.SetReplicationFailed(err)
			d.HandleFailure(err)
		}
	}
}

// SetReplicationFailed marks an operation whose batch consensus refused to accept.
func (d *Driver) SetReplicationFailed(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.replicationState != Replicating {
		log.Warn("replication failure in unexpected state",
			zap.String("driver", d.describe()), zap.Error(err))
		return
	}
	d.replicationState = ReplicationFailed
}

// HandleConsensusAppend records the id consensus assigned to the operation.
func (d *Driver) HandleConsensusAppend() {
	id := d.op.State().Round().ID()
	d.opIdMu.Lock()
	if d.opId.IsValid() && d.opId != id {
		old := d.opId
		d.opIdMu.Unlock()
		d.ctx.fatal("operation id changed", zap.Stringer("old", old), zap.Stringer("new", id))
		return
	}
	d.opId = id
	d.prepareTime = time.Now()
	d.opIdMu.Unlock()
	d.span.LogKV("event", "appended", "id", id.String())
}

// ReplicationFinished receives the outcome of consensus for the operation.
func (d *Driver) ReplicationFinished(err error) {
	d.mu.Lock()
	if d.replicationState != Replicating {
		state := d.replicationState
		d.mu.Unlock()
		d.ctx.fatal("replication finished in unexpected state",
			zap.Stringer("state", state), zap.Error(err), zap.String("driver", d.String()))
		return
	}
	phaseDuration.WithLabelValues("replicate").Observe(time.Since(d.replicationStart).Seconds())
	if err != nil {
		d.replicationState = ReplicationFailed
		if d.status == nil {
			d.status = err
		}
		d.mu.Unlock()
		d.span.LogKV("event", "replication failed", "error", err)
		d.HandleFailure(err)
		return
	}
	d.replicationState = Replicated
	prepared := d.prepareState == Prepared
	prepareFailed := d.prepareFinished && !prepared
	status := d.status
	d.mu.Unlock()
	d.span.LogKV("event", "replicated")

	if prepared {
		d.ApplyAsync()
	} else if prepareFailed {
		d.ctx.fatal("committed operation failed to prepare",
			zap.Error(status), zap.String("driver", d.String()))
	}
}

// ApplyAsync submits the apply task. Only the first call submits.
func (d *Driver) ApplyAsync() {
	if !d.applySubmitted.CAS(false, true) {
		return
	}
	if err := d.ctx.ApplyExecutor.Submit(d.ApplyTask); err != nil {
		d.ctx.fatal("failed to submit apply", zap.Error(err), zap.String("driver", d.String()))
	}
}

// ApplyTask applies the operation, persists its commit record and finalizes it.
func (d *Driver) ApplyTask() {
	start := time.Now()
	d.opIdMu.Lock()
	id, prepareTime := d.opId, d.prepareTime
	d.opIdMu.Unlock()
	if err := d.ctx.Verifier.CheckApply(id, prepareTime); err != nil {
		d.ctx.fatal("operation applied out of order", zap.Error(err), zap.String("driver", d.String()))
		return
	}
	effects, err := d.op.Apply()
	if err != nil {
		d.ctx.fatal("failed to apply committed operation", zap.Error(err), zap.String("driver", d.String()))
		return
	}
	ts := d.op.State().HybridTime()
	rec := &tabletpb.CommitRecord{
		Term:      id.Term,
		Index:     id.Index,
		OpType:    d.op.Type().ToPB(),
		Timestamp: uint64(ts),
		Effects:   effects,
		Outcome:   tabletpb.Outcome_Committed,
	}
	if err := d.ctx.Log.AppendCommit(rec); err != nil {
		d.ctx.fatal("failed to append commit record", zap.Error(err), zap.String("driver", d.String()))
		return
	}
	phaseDuration.WithLabelValues("apply").Observe(time.Since(start).Seconds())
	d.span.LogKV("event", "applied")
	d.CommitWait()
	d.Finalize()
}

// CommitWait blocks a leader write until its timestamp is in the past on every clock.
func (d *Driver) CommitWait() {
	if !d.ctx.CommitWait || d.origin != Leader || d.ctx.Clock == nil {
		return
	}
	start := time.Now()
	d.ctx.Clock.WaitUntilAfter(d.op.State().HybridTime())
	phaseDuration.WithLabelValues("commit_wait").Observe(time.Since(start).Seconds())
}

// Finalize finishes a committed operation and answers its caller.
func (d *Driver) Finalize() {
	if !d.finished.CAS(false, true) {
		d.ctx.fatal("operation finished twice", zap.String("driver", d.String()))
		return
	}
	state := d.op.State()
	state.SetResponseHybridTime(state.HybridTime())
	d.op.Finish(operations.Committed)
	resp := state.Response()
	operations.BindRespTerm(resp, d.GetOpId().Term)
	state.Callback().Done(resp)
	d.release(operations.Committed)
}

// Abort requests cancellation. It is honored only while the operation has not been handed to
// consensus; after that the request is recorded and surfaces only if replication fails.
func (d *Driver) Abort(status error) {
	d.mu.Lock()
	if d.status == nil {
		d.status = status
	}
	replicationState := d.replicationState
	d.mu.Unlock()
	if replicationState != NotReplicating {
		log.Info("abort requested after replication started, not honored",
			zap.Error(status), zap.String("driver", d.String()))
	}
}

// HandleFailure records err and aborts the operation once doing so is safe.
func (d *Driver) HandleFailure(err error) {
	d.mu.Lock()
	if d.status == nil {
		d.status = err
	}
	status := d.status
	replicationState := d.replicationState
	prepareFinished := d.prepareFinished
	d.mu.Unlock()

	switch replicationState {
	case NotReplicating:
		d.finishAborted(status)
	case Replicating:
		log.Info("operation failed while replicating, waiting for the outcome",
			zap.Error(err), zap.String("driver", d.String()))
	case ReplicationFailed:
		if prepareFinished {
			d.finishAborted(status)
		}
	case Replicated:
		d.ctx.fatal("committed operation failed", zap.Error(err), zap.String("driver", d.String()))
	}
}

func (d *Driver) finishAborted(status error) {
	if !d.finished.CAS(false, true) {
		return
	}
	d.op.Finish(operations.Aborted)
	d.op.State().Callback().Done(operations.ErrorResp(status))
	d.span.LogKV("event", "aborted", "error", status)
	d.release(operations.Aborted)
}

func (d *Driver) release(result operations.OperationResult) {
	operationCounter.WithLabelValues(d.origin.String(), result.String()).Inc()
	phaseDuration.WithLabelValues("total").Observe(time.Since(d.startTime).Seconds())
	d.span.Finish()
	d.ctx.Tracker.Release(d)
}

// GetOpId returns the id consensus assigned, or InvalidOpId before the operation is appended. It
// only takes the id lock, never the state lock, so it does not wait on state transitions.
func (d *Driver) GetOpId() consensus.OpId {
	d.opIdMu.Lock()
	defer d.opIdMu.Unlock()
	return d.opId
}

// IsLeaderSide reports whether the operation is a leader operation not yet handed to consensus.
func (d *Driver) IsLeaderSide() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.replicationState == NotReplicating
}

// Origin tells whether the operation was created on the leader or received from it.
func (d *Driver) Origin() Origin {
	return d.origin
}

func (d *Driver) OpType() operations.OperationType {
	return d.op.Type()
}

func (d *Driver) State() *operations.OperationState {
	return d.op.State()
}

func (d *Driver) StartTime() time.Time {
	return d.startTime
}

func (d *Driver) Finished() bool {
	return d.finished.Load()
}

// StateString is the replication and prepare state, e.g. "R-P".
func (d *Driver) StateString() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stateString()
}

func (d *Driver) stateString() string {
	return fmt.Sprintf("%s-%s", d.replicationState, d.prepareState)
}

// LogPrefix identifies the operation in log lines.
func (d *Driver) LogPrefix() string {
	return fmt.Sprintf("op %v S %s Ts %v: ", d.GetOpId(), d.StateString(), d.op.State().HybridTime())
}

// String describes the operation for diagnostics, including its age.
func (d *Driver) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.describe()
}

// describe needs mu held.
func (d *Driver) describe() string {
	return fmt.Sprintf("%s %v operation id %v state %s age %v", d.origin, d.op.Type(),
		d.GetOpId(), d.stateString(), time.Since(d.startTime))
}
