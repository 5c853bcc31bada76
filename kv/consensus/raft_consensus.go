package consensus

import (
	"context"
	"encoding/binary"
	"sort"
	"sync"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/pingcap-incubator/tinytablet/proto/pkg/tabletpb"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.etcd.io/etcd/raft"
	"go.etcd.io/etcd/raft/raftpb"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Transport carries raft messages to the other members of the group.
type Transport interface {
	Send(msgs []raftpb.Message)
}

type RaftConfig struct {
	ID uint64
	// All voters of the group, including ID.
	Peers           []uint64
	TickInterval    time.Duration
	ElectionTick    int
	HeartbeatTick   int
	MaxSizePerMsg   uint64
	MaxInflightMsgs int
	// Applied is the last operation already applied by this node, as recovered from its durable
	// log. The node restarts its raft log after it.
	Applied OpId
	// Fatal stops the process when a committed entry cannot be applied here. Defaults to log.Fatal.
	Fatal func(msg string, fields ...zap.Field)
}

// RaftConsensus replicates rounds through an etcd raft node. One goroutine drives the node; it is
// the goroutine every round callback runs on, so callbacks arrive in log order.
type RaftConsensus struct {
	id        uint64
	node      raft.Node
	storage   *raft.MemoryStorage
	transport Transport
	handler   ReplicaHandler
	tick      time.Duration
	fatal     func(msg string, fields ...zap.Field)

	mu sync.Mutex
	// Local rounds proposed but not yet seen in the log, by proposal sequence.
	proposals map[uint64]*Round
	// Rounds appended to the log and not yet committed, by index.
	appended map[uint64]*Round

	nextSeq      atomic.Uint64
	isLeader     atomic.Bool
	leaderID     atomic.Uint64
	appliedIndex atomic.Uint64

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	done     chan struct{}
}

func NewRaftConsensus(cfg RaftConfig, transport Transport, handler ReplicaHandler) *RaftConsensus {
	storage := raft.NewMemoryStorage()
	c := &RaftConsensus{
		id:        cfg.ID,
		storage:   storage,
		transport: transport,
		handler:   handler,
		tick:      cfg.TickInterval,
		fatal:     cfg.Fatal,
		proposals: make(map[uint64]*Round),
		appended:  make(map[uint64]*Round),
		done:      make(chan struct{}),
	}
	if c.fatal == nil {
		c.fatal = log.Fatal
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	raftCfg := &raft.Config{
		ID:              cfg.ID,
		ElectionTick:    cfg.ElectionTick,
		HeartbeatTick:   cfg.HeartbeatTick,
		Storage:         storage,
		MaxSizePerMsg:   cfg.MaxSizePerMsg,
		MaxInflightMsgs: cfg.MaxInflightMsgs,
		Logger:          newRaftLogger(cfg.ID),
	}
	if cfg.Applied.IsValid() {
		c.restartAfter(cfg, raftCfg)
		return c
	}
	peers := make([]raft.Peer, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		peers = append(peers, raft.Peer{ID: p})
	}
	c.node = raft.StartNode(raftCfg, peers)
	return c
}

func (c *RaftConsensus) restartAfter(cfg RaftConfig, raftCfg *raft.Config) {
	snap := raftpb.Snapshot{Metadata: raftpb.SnapshotMetadata{
		Index:     cfg.Applied.Index,
		Term:      cfg.Applied.Term,
		ConfState: raftpb.ConfState{Nodes: cfg.Peers},
	}}
	if err := c.storage.ApplySnapshot(snap); err != nil {
		log.Fatal("seed raft storage failed", zap.Uint64("node", c.id), zap.Error(err))
	}
	hs := raftpb.HardState{Term: cfg.Applied.Term, Commit: cfg.Applied.Index}
	if err := c.storage.SetHardState(hs); err != nil {
		log.Fatal("seed raft hard state failed", zap.Uint64("node", c.id), zap.Error(err))
	}
	raftCfg.Applied = cfg.Applied.Index
	c.appliedIndex.Store(cfg.Applied.Index)
	log.Info("restarting raft node", zap.Uint64("node", c.id), zap.Stringer("applied", cfg.Applied))
	c.node = raft.RestartNode(raftCfg)
}

// Start runs the ready loop.
func (c *RaftConsensus) Start() {
	go c.run()
}

func (c *RaftConsensus) ID() uint64 {
	return c.id
}

func (c *RaftConsensus) IsLeader() bool {
	return c.isLeader.Load()
}

func (c *RaftConsensus) LeaderID() uint64 {
	return c.leaderID.Load()
}

func (c *RaftConsensus) AppliedIndex() uint64 {
	return c.appliedIndex.Load()
}

// Campaign makes this node start an election right away.
func (c *RaftConsensus) Campaign(ctx context.Context) error {
	return errors.Trace(c.node.Campaign(ctx))
}

// WaitForLeader blocks until the group has a leader or ctx is done.
func (c *RaftConsensus) WaitForLeader(ctx context.Context) error {
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()
	for c.LeaderID() == raft.None {
		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

// Step feeds a message received from another member.
func (c *RaftConsensus) Step(ctx context.Context, msg raftpb.Message) error {
	return errors.Trace(c.node.Step(ctx, msg))
}

func (c *RaftConsensus) ReplicateBatch(rounds []*Round) error {
	if !c.IsLeader() {
		return &ErrNotLeader{NodeID: c.id, LeaderID: c.LeaderID()}
	}
	select {
	case <-c.done:
		return &ErrStopped{}
	default:
	}
	seqs := make([]uint64, len(rounds))
	datas := make([][]byte, len(rounds))
	for i, r := range rounds {
		seqs[i] = c.nextSeq.Inc()
		data, err := encodeProposal(c.id, seqs[i], r.Msg())
		if err != nil {
			return errors.Trace(err)
		}
		datas[i] = data
	}
	c.mu.Lock()
	for i, r := range rounds {
		c.proposals[seqs[i]] = r
	}
	c.mu.Unlock()

	for i, r := range rounds {
		if err := c.node.Propose(c.ctx, datas[i]); err != nil {
			c.mu.Lock()
			_, ok := c.proposals[seqs[i]]
			delete(c.proposals, seqs[i])
			c.mu.Unlock()
			if ok {
				r.NotifyReplicationFinished(errors.Annotate(err, "propose"))
			}
		}
	}
	return nil
}

// Stop stops the raft node and fails every round still in flight.
func (c *RaftConsensus) Stop() {
	c.stopOnce.Do(func() {
		c.cancel()
		<-c.done
	})
}

func (c *RaftConsensus) run() {
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.node.Tick()
		case rd := <-c.node.Ready():
			c.handleReady(rd)
		case <-c.ctx.Done():
			c.node.Stop()
			c.failAll(&ErrStopped{})
			close(c.done)
			return
		}
	}
}

func (c *RaftConsensus) handleReady(rd raft.Ready) {
	if rd.SoftState != nil {
		c.updateSoftState(rd.SoftState)
	}
	if !raft.IsEmptySnap(rd.Snapshot) {
		if err := c.storage.ApplySnapshot(rd.Snapshot); err != nil {
			log.Fatal("apply raft snapshot failed", zap.Uint64("node", c.id), zap.Error(err))
		}
	}
	if !raft.IsEmptyHardState(rd.HardState) {
		if err := c.storage.SetHardState(rd.HardState); err != nil {
			log.Fatal("save raft hard state failed", zap.Uint64("node", c.id), zap.Error(err))
		}
	}
	if err := c.storage.Append(rd.Entries); err != nil {
		log.Fatal("append raft entries failed", zap.Uint64("node", c.id), zap.Error(err))
	}
	c.handleAppended(rd.Entries)
	if c.transport != nil && len(rd.Messages) > 0 {
		c.transport.Send(rd.Messages)
	}
	c.handleCommitted(rd.CommittedEntries)
	c.node.Advance()
}

func (c *RaftConsensus) updateSoftState(ss *raft.SoftState) {
	wasLeader := c.isLeader.Load()
	isLeader := ss.RaftState == raft.StateLeader
	c.isLeader.Store(isLeader)
	c.leaderID.Store(ss.Lead)
	if wasLeader && !isLeader {
		log.Info("lost leadership", zap.Uint64("node", c.id), zap.Uint64("leader", ss.Lead))
		c.failProposals(&ErrNotLeader{NodeID: c.id, LeaderID: ss.Lead})
	}
}

func (c *RaftConsensus) handleAppended(entries []raftpb.Entry) {
	if len(entries) == 0 {
		return
	}
	c.failReplaced(entries)
	for _, e := range entries {
		if e.Type != raftpb.EntryNormal || len(e.Data) == 0 {
			continue
		}
		id := NewOpId(e.Term, e.Index)
		nodeID, seq, msg, err := decodeProposal(e.Data)
		if err != nil {
			c.fatal("decode raft entry failed", zap.Stringer("id", id), zap.Error(err))
			return
		}

		c.mu.Lock()
		if _, ok := c.appended[e.Index]; ok {
			// Same entry appended again, its round is already known.
			c.mu.Unlock()
			continue
		}
		var round *Round
		if nodeID == c.id {
			round = c.proposals[seq]
			delete(c.proposals, seq)
		}
		if round != nil {
			c.appended[e.Index] = round
		}
		c.mu.Unlock()

		if round != nil {
			round.NotifyAppended(id)
			continue
		}

		round = NewReplicaRound(msg, id)
		if c.handler == nil {
			continue
		}
		if err := c.handler.StartReplicaOperation(round); err != nil {
			// The entry may commit, and a committed entry this node cannot apply leaves it behind
			// every other member.
			c.fatal("start replica operation failed", zap.Uint64("node", c.id), zap.Stringer("id", id), zap.Error(err))
			return
		}
		c.mu.Lock()
		c.appended[e.Index] = round
		c.mu.Unlock()
		round.NotifyAppended(id)
	}
}

// failReplaced fails the rounds whose entries are overwritten by entries. Appending at an index
// truncates the log after it, so a round at or after the first new index survives only if the new
// entry at its index has the same term.
func (c *RaftConsensus) failReplaced(entries []raftpb.Entry) {
	first := entries[0].Index
	type replaced struct {
		index   uint64
		round   *Round
		newTerm uint64
	}
	var rs []replaced
	c.mu.Lock()
	for idx, r := range c.appended {
		if idx < first {
			continue
		}
		var newTerm uint64
		if off := idx - first; off < uint64(len(entries)) {
			newTerm = entries[off].Term
		}
		if newTerm == r.ID().Term {
			continue
		}
		delete(c.appended, idx)
		rs = append(rs, replaced{index: idx, round: r, newTerm: newTerm})
	}
	c.mu.Unlock()
	sort.Slice(rs, func(i, j int) bool { return rs[i].index < rs[j].index })
	for _, r := range rs {
		log.Info("log entry replaced", zap.Uint64("node", c.id), zap.Stringer("id", r.round.ID()), zap.Uint64("new-term", r.newTerm))
		r.round.NotifyReplicationFinished(&ErrEntryReplaced{ID: r.round.ID(), NewTerm: r.newTerm})
	}
}

func (c *RaftConsensus) handleCommitted(entries []raftpb.Entry) {
	for _, e := range entries {
		c.finishCommitted(e)
		if e.Type == raftpb.EntryConfChange {
			var cc raftpb.ConfChange
			if err := cc.Unmarshal(e.Data); err != nil {
				c.fatal("decode conf change failed", zap.Uint64("index", e.Index), zap.Error(err))
				return
			}
			c.node.ApplyConfChange(cc)
		}
		c.appliedIndex.Store(e.Index)
	}
}

// finishCommitted reports the outcome of the round at the index of a committed entry. A round of
// another term lost its place in the log.
func (c *RaftConsensus) finishCommitted(e raftpb.Entry) {
	c.mu.Lock()
	round, ok := c.appended[e.Index]
	delete(c.appended, e.Index)
	c.mu.Unlock()
	switch {
	case !ok:
		if e.Type == raftpb.EntryNormal && len(e.Data) > 0 {
			log.Debug("committed entry without round", zap.Uint64("term", e.Term), zap.Uint64("index", e.Index))
		}
	case round.ID().Term != e.Term:
		round.NotifyReplicationFinished(&ErrEntryReplaced{ID: round.ID(), NewTerm: e.Term})
	default:
		round.NotifyReplicationFinished(nil)
	}
}

func (c *RaftConsensus) failProposals(err error) {
	c.mu.Lock()
	rounds := make([]*Round, 0, len(c.proposals))
	for seq, r := range c.proposals {
		rounds = append(rounds, r)
		delete(c.proposals, seq)
	}
	c.mu.Unlock()
	for _, r := range rounds {
		r.NotifyReplicationFinished(err)
	}
}

func (c *RaftConsensus) failAll(err error) {
	c.failProposals(err)
	c.mu.Lock()
	rounds := make([]*Round, 0, len(c.appended))
	for idx, r := range c.appended {
		rounds = append(rounds, r)
		delete(c.appended, idx)
	}
	c.mu.Unlock()
	for _, r := range rounds {
		r.NotifyReplicationFinished(err)
	}
}

const proposalHeaderSize = 16

func encodeProposal(nodeID, seq uint64, msg *tabletpb.ReplicateMsg) ([]byte, error) {
	payload, err := proto.Marshal(msg)
	if err != nil {
		return nil, errors.Trace(err)
	}
	data := make([]byte, proposalHeaderSize, proposalHeaderSize+len(payload))
	binary.BigEndian.PutUint64(data, nodeID)
	binary.BigEndian.PutUint64(data[8:], seq)
	return append(data, payload...), nil
}

func decodeProposal(data []byte) (nodeID, seq uint64, msg *tabletpb.ReplicateMsg, err error) {
	if len(data) < proposalHeaderSize {
		return 0, 0, nil, errors.Errorf("raft entry too short: %d bytes", len(data))
	}
	nodeID = binary.BigEndian.Uint64(data)
	seq = binary.BigEndian.Uint64(data[8:])
	msg = new(tabletpb.ReplicateMsg)
	if err = proto.Unmarshal(data[proposalHeaderSize:], msg); err != nil {
		return 0, 0, nil, errors.Trace(err)
	}
	return nodeID, seq, msg, nil
}

// raftLogger sends etcd raft logs to the global zap logger.
type raftLogger struct {
	*zap.SugaredLogger
}

func newRaftLogger(id uint64) raft.Logger {
	return &raftLogger{SugaredLogger: log.L().With(zap.Uint64("raft-node", id)).Sugar()}
}

func (l *raftLogger) Warning(v ...interface{}) {
	l.Warn(v...)
}

func (l *raftLogger) Warningf(format string, v ...interface{}) {
	l.Warnf(format, v...)
}
