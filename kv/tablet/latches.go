package tablet

import (
	"context"
	"sync"

	"github.com/pingcap/errors"
)

// Latches are per-key locks taken by a write before it is handed to the commit pipeline and
// released when the write finishes, so two in-flight writes never touch the same row.
//
// All keys of a write are latched at once. A write that finds one of its keys latched waits on
// the channel of the holder and then tries again.
type Latches struct {
	latchGuard sync.Mutex
	latchMap   map[string]chan struct{}
}

func NewLatches() *Latches {
	return &Latches{latchMap: make(map[string]chan struct{})}
}

// AcquireLatches latches every key and returns nil, or returns the channel of a holder without
// latching anything.
func (l *Latches) AcquireLatches(keysToLatch [][]byte) <-chan struct{} {
	l.latchGuard.Lock()
	defer l.latchGuard.Unlock()

	for _, key := range keysToLatch {
		if ch, ok := l.latchMap[string(key)]; ok {
			return ch
		}
	}
	ch := make(chan struct{})
	for _, key := range keysToLatch {
		l.latchMap[string(key)] = ch
	}
	return nil
}

// ReleaseLatches releases keys latched together by one AcquireLatches call.
func (l *Latches) ReleaseLatches(keysToUnlatch [][]byte) {
	l.latchGuard.Lock()
	defer l.latchGuard.Unlock()

	first := true
	for _, key := range keysToUnlatch {
		if first {
			if ch, ok := l.latchMap[string(key)]; ok {
				close(ch)
			}
			first = false
		}
		delete(l.latchMap, string(key))
	}
}

// WaitForLatches latches every key, waiting for holders to release them, until ctx is done.
func (l *Latches) WaitForLatches(ctx context.Context, keysToLatch [][]byte) error {
	for {
		ch := l.AcquireLatches(keysToLatch)
		if ch == nil {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		}
	}
}

func (l *Latches) NumLatched() int {
	l.latchGuard.Lock()
	defer l.latchGuard.Unlock()
	return len(l.latchMap)
}
