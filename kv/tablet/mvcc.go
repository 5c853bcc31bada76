package tablet

import (
	"sync"

	"github.com/pingcap-incubator/tinytablet/kv/util/clock"
	"github.com/pingcap/errors"
)

// MvccManager tracks the timestamps of writes between Start and Finish. Writes with a timestamp
// at or below SafeTime are all either committed or aborted, so a read at SafeTime is stable.
type MvccManager struct {
	mu           sync.Mutex
	pending      map[clock.HybridTime]struct{}
	maxCommitted clock.HybridTime
}

func NewMvccManager() *MvccManager {
	return &MvccManager{pending: make(map[clock.HybridTime]struct{})}
}

// AddPending registers ts of a started write. It must be above every committed timestamp.
func (m *MvccManager) AddPending(ts clock.HybridTime) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ts <= m.maxCommitted {
		return errors.Errorf("timestamp %v is not after committed %v", ts, m.maxCommitted)
	}
	if _, ok := m.pending[ts]; ok {
		return errors.Errorf("timestamp %v is already pending", ts)
	}
	m.pending[ts] = struct{}{}
	return nil
}

func (m *MvccManager) Commit(ts clock.HybridTime) {
	m.mu.Lock()
	delete(m.pending, ts)
	if ts > m.maxCommitted {
		m.maxCommitted = ts
	}
	m.mu.Unlock()
}

func (m *MvccManager) Abort(ts clock.HybridTime) {
	m.mu.Lock()
	delete(m.pending, ts)
	m.mu.Unlock()
}

func (m *MvccManager) SafeTime() clock.HybridTime {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return m.maxCommitted
	}
	min := clock.MaxHybridTime
	for ts := range m.pending {
		if ts < min {
			min = ts
		}
	}
	if min-1 < m.maxCommitted {
		return min - 1
	}
	return m.maxCommitted
}

func (m *MvccManager) NumPending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *MvccManager) MaxCommitted() clock.HybridTime {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxCommitted
}
