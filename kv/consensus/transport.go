package consensus

import (
	"context"
	"sync"

	"github.com/pingcap/log"
	"go.etcd.io/etcd/raft/raftpb"
	"go.uber.org/zap"
)

// LocalTransport connects raft nodes living in the same process.
type LocalTransport struct {
	mu      sync.RWMutex
	nodes   map[uint64]*RaftConsensus
	dropped map[uint64]bool
}

func NewLocalTransport() *LocalTransport {
	return &LocalTransport{
		nodes:   make(map[uint64]*RaftConsensus),
		dropped: make(map[uint64]bool),
	}
}

func (t *LocalTransport) Register(node *RaftConsensus) {
	t.mu.Lock()
	t.nodes[node.ID()] = node
	t.mu.Unlock()
}

// Isolate drops every message sent to or from id until Heal is called.
func (t *LocalTransport) Isolate(id uint64) {
	t.mu.Lock()
	t.dropped[id] = true
	t.mu.Unlock()
}

func (t *LocalTransport) Heal(id uint64) {
	t.mu.Lock()
	delete(t.dropped, id)
	t.mu.Unlock()
}

func (t *LocalTransport) Send(msgs []raftpb.Message) {
	for _, msg := range msgs {
		t.mu.RLock()
		node := t.nodes[msg.To]
		drop := t.dropped[msg.To] || t.dropped[msg.From]
		t.mu.RUnlock()
		if node == nil || drop {
			continue
		}
		go func(msg raftpb.Message) {
			if err := node.Step(context.TODO(), msg); err != nil {
				log.Debug("step raft message failed", zap.Uint64("to", msg.To), zap.Error(err))
			}
		}(msg)
	}
}
