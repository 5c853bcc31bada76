package peer

import (
	"context"
	"fmt"
	"sync"

	"github.com/pingcap-incubator/tinytablet/kv/config"
	"github.com/pingcap-incubator/tinytablet/kv/consensus"
	"github.com/pingcap-incubator/tinytablet/kv/docdb/scanspec"
	"github.com/pingcap-incubator/tinytablet/kv/tablet"
	"github.com/pingcap-incubator/tinytablet/kv/tablet/driver"
	"github.com/pingcap-incubator/tinytablet/kv/tablet/operations"
	"github.com/pingcap-incubator/tinytablet/kv/util/clock"
	"github.com/pingcap-incubator/tinytablet/kv/util/worker"
	"github.com/pingcap-incubator/tinytablet/kv/wal"
	"github.com/pingcap-incubator/tinytablet/proto/pkg/tabletpb"
	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/raft_cmdpb"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// TabletPeer is one replica of a tablet: the tablet data, its durable log, its consensus member
// and the drivers moving writes between them.
type TabletPeer struct {
	cfg       *config.Config
	tablet    *tablet.Tablet
	clock     *clock.HybridClock
	wal       *wal.Log
	consensus *consensus.RaftConsensus
	prepare   *driver.PrepareWorker
	apply     *worker.Worker
	ctx       *driver.Context
	wg        sync.WaitGroup

	closed atomic.Bool
}

// NewTabletPeer opens the durable log in cfg.DataDir and rebuilds the tablet from it. transport
// may be nil for a group of one.
func NewTabletPeer(cfg *config.Config, transport consensus.Transport) (*TabletPeer, error) {
	l, err := wal.Open(wal.Options{
		Dir:        cfg.WALPath(),
		WriteRate:  uint64(cfg.WALWriteRate),
		SyncWrites: cfg.WALSyncWrites,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	t := tablet.NewTablet()
	applied, err := t.Bootstrap(l)
	if err != nil {
		l.Close()
		return nil, errors.Trace(err)
	}
	c := clock.NewHybridClock(cfg.ClockMaxError.Duration)
	c.Update(t.Mvcc().MaxCommitted())

	p := &TabletPeer{
		cfg:    cfg,
		tablet: t,
		clock:  c,
		wal:    l,
	}
	p.prepare = driver.NewPrepareWorker(fmt.Sprintf("prepare-%d", cfg.NodeID), driver.PrepareWorkerConfig{
		QueueSize:     cfg.PrepareQueueSize,
		MaxBatch:      cfg.PrepareBatchMaxSize,
		AdmissionRate: cfg.PrepareAdmissionRate,
	})
	p.apply = worker.NewWorkerWithCapacity(fmt.Sprintf("apply-%d", cfg.NodeID), cfg.ApplyQueueSize, &p.wg)
	verifier := driver.NewOrderVerifier()
	verifier.SetLastApplied(applied)
	p.consensus = consensus.NewRaftConsensus(consensus.RaftConfig{
		ID:              cfg.NodeID,
		Peers:           cfg.Peers,
		TickInterval:    cfg.RaftBaseTickInterval.Duration,
		ElectionTick:    cfg.RaftElectionTimeoutTicks,
		HeartbeatTick:   cfg.RaftHeartbeatTicks,
		MaxSizePerMsg:   uint64(cfg.RaftMaxSizePerMsg),
		MaxInflightMsgs: cfg.RaftMaxInflightMsgs,
		Applied:         applied,
	}, transport, p)
	p.ctx = &driver.Context{
		Tracker:       driver.NewTracker(cfg.MaxInflightOperations),
		Consensus:     p.consensus,
		Log:           l,
		PrepareWorker: p.prepare,
		ApplyExecutor: p.apply,
		Verifier:      verifier,
		Clock:         c,
		CommitWait:    cfg.CommitWait(),
	}
	return p, nil
}

func (p *TabletPeer) Start() {
	p.apply.Start(worker.FuncHandler{Name: p.apply.Name()})
	p.prepare.Start()
	p.consensus.Start()
	log.Info("tablet peer started", zap.Uint64("node", p.cfg.NodeID), zap.Uint64s("peers", p.cfg.Peers))
}

func (p *TabletPeer) Consensus() *consensus.RaftConsensus {
	return p.consensus
}

func (p *TabletPeer) Tablet() *tablet.Tablet {
	return p.tablet
}

func (p *TabletPeer) Clock() *clock.HybridClock {
	return p.clock
}

// Write replicates req and applies it, returning the time the write became visible at. Errors of
// the operation itself come back in the header of the response; the returned error is only set
// when the write could not be submitted.
//
// If ctx is done before the outcome is known the operation is aborted if it has not reached
// consensus yet; otherwise Write keeps waiting, since the write may still commit.
func (p *TabletPeer) Write(ctx context.Context, req *raft_cmdpb.RaftCmdRequest) (*raft_cmdpb.RaftCmdResponse, clock.HybridTime, error) {
	if p.closed.Load() {
		return operations.ErrorResp(&operations.ErrServerIsBusy{Reason: "tablet peer is closing"}), clock.InvalidHybridTime, nil
	}
	keys := operations.WriteKeys(req)
	if err := p.tablet.Latches().WaitForLatches(ctx, keys); err != nil {
		return nil, clock.InvalidHybridTime, err
	}
	cb := operations.NewCallback()
	state := operations.NewOperationState(p.tablet, req, cb)
	state.SetLatchedKeys(keys)
	d := driver.NewDriver(p.ctx)
	if err := d.Init(operations.NewWriteOperation(state, p.clock), driver.Leader); err != nil {
		p.tablet.Latches().ReleaseLatches(keys)
		return nil, clock.InvalidHybridTime, err
	}
	if err := d.ExecuteAsync(); err != nil {
		return cb.WaitResp(), clock.InvalidHybridTime, nil
	}
	select {
	case <-cb.DoneCh():
	case <-ctx.Done():
		d.Abort(&operations.ErrAborted{Reason: ctx.Err().Error()})
		cb.WaitResp()
	}
	return cb.Resp, cb.Time, nil
}

// StartReplicaOperation starts the driver of an operation received from the leader.
func (p *TabletPeer) StartReplicaOperation(round *consensus.Round) error {
	msg := round.Msg()
	if msg.GetOpType() != tabletpb.OpType_Write {
		return errors.Errorf("unsupported replicated operation type %v", msg.GetOpType())
	}
	op, err := operations.NewReplicaWriteOperation(p.tablet, msg, p.clock)
	if err != nil {
		return err
	}
	op.State().SetRound(round)
	d := driver.NewDriver(p.ctx)
	if err := d.Init(op, driver.Replica); err != nil {
		return err
	}
	return d.ExecuteAsync()
}

// Read returns the value of key as of the safe time, which is returned too.
func (p *TabletPeer) Read(key []byte) ([]byte, bool, clock.HybridTime) {
	readTs := p.tablet.Mvcc().SafeTime()
	v, ok := p.tablet.Get(key, readTs)
	return v, ok, readTs
}

// ReadAt returns the value of key at readTs, which must not be after the safe time.
func (p *TabletPeer) ReadAt(key []byte, readTs clock.HybridTime) ([]byte, bool, error) {
	if safe := p.tablet.Mvcc().SafeTime(); readTs > safe {
		return nil, false, errors.Errorf("read time %v is after safe time %v", readTs, safe)
	}
	v, ok := p.tablet.Get(key, readTs)
	return v, ok, nil
}

func (p *TabletPeer) Scan(lower, upper []byte, limit int) ([]tablet.KvPair, clock.HybridTime) {
	readTs := p.tablet.Mvcc().SafeTime()
	return p.tablet.Scan(lower, upper, readTs, limit), readTs
}

func (p *TabletPeer) ScanSpec(spec *scanspec.ScanSpec) ([]tablet.Row, error) {
	return p.tablet.ScanSpec(spec, p.tablet.Mvcc().SafeTime())
}

type Status struct {
	NodeID            uint64   `json:"node_id"`
	Peers             []uint64 `json:"peers"`
	IsLeader          bool     `json:"is_leader"`
	LeaderID          uint64   `json:"leader_id"`
	AppliedIndex      uint64   `json:"applied_index"`
	LastCommitted     string   `json:"last_committed"`
	SafeTime          uint64   `json:"safe_time"`
	PendingOperations int      `json:"pending_operations"`
	NumVersions       int      `json:"num_versions"`
	MedianLatency     string   `json:"median_latency"`
}

func (p *TabletPeer) Status() Status {
	return Status{
		NodeID:            p.cfg.NodeID,
		Peers:             p.cfg.Peers,
		IsLeader:          p.consensus.IsLeader(),
		LeaderID:          p.consensus.LeaderID(),
		AppliedIndex:      p.consensus.AppliedIndex(),
		LastCommitted:     p.wal.LastCommitted().String(),
		SafeTime:          uint64(p.tablet.Mvcc().SafeTime()),
		PendingOperations: p.ctx.Tracker.NumPending(),
		NumVersions:       p.tablet.NumVersions(),
		MedianLatency:     p.ctx.Tracker.MedianLatency().String(),
	}
}

// PendingOperations describes the operations in flight, oldest first.
func (p *TabletPeer) PendingOperations() []string {
	drivers := p.ctx.Tracker.PendingOperations()
	descs := make([]string, 0, len(drivers))
	for _, d := range drivers {
		descs = append(descs, d.String())
	}
	return descs
}

// Close waits for in-flight operations, then stops consensus and the workers and closes the log.
func (p *TabletPeer) Close() error {
	if !p.closed.CAS(false, true) {
		return nil
	}
	if err := p.ctx.Tracker.WaitForAllToFinish(p.cfg.ShutdownTimeout.Duration); err != nil {
		log.Warn("closing with operations in flight", zap.Error(err))
	}
	p.consensus.Stop()
	p.prepare.Stop()
	p.apply.Stop()
	p.wg.Wait()
	log.Info("tablet peer closed", zap.Uint64("node", p.cfg.NodeID))
	return errors.Trace(p.wal.Close())
}
