package driver

import (
	"sort"
	"sync"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/pingcap-incubator/tinytablet/kv/tablet/operations"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Tracker keeps the drivers of a tablet that have not finished yet. It only does bookkeeping;
// no driver decision depends on it.
type Tracker struct {
	mu         sync.Mutex
	drivers    map[*Driver]struct{}
	numLeader  int
	leaderCap  int
	waitPeriod time.Duration

	// latencies is a ring of the durations of the last finished operations.
	latencies []float64
	finished  uint64
}

const latencyWindow = 128

// NewTracker creates a tracker admitting at most limit leader operations, 0 meaning no limit.
// Replica operations are always admitted.
func NewTracker(limit int) *Tracker {
	return &Tracker{
		drivers:    make(map[*Driver]struct{}),
		leaderCap:  limit,
		waitPeriod: 10 * time.Millisecond,
		latencies:  make([]float64, latencyWindow),
	}
}

func (t *Tracker) Add(d *Driver) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.drivers[d]; ok {
		return nil
	}
	if d.origin == Leader {
		if t.leaderCap > 0 && t.numLeader >= t.leaderCap {
			return &operations.ErrTooManyOperations{Limit: t.leaderCap}
		}
		t.numLeader++
	}
	t.drivers[d] = struct{}{}
	inflightOperations.Inc()
	return nil
}

func (t *Tracker) Release(d *Driver) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.drivers[d]; !ok {
		return
	}
	delete(t.drivers, d)
	if d.origin == Leader {
		t.numLeader--
	}
	inflightOperations.Dec()
	t.latencies[t.finished%latencyWindow] = float64(time.Since(d.startTime))
	t.finished++
}

// MedianLatency is the median duration of the recently finished operations.
func (t *Tracker) MedianLatency() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished == 0 {
		return 0
	}
	records := t.latencies
	if t.finished < latencyWindow {
		records = records[:t.finished]
	}
	median, _ := stats.Median(records)
	return time.Duration(median)
}

// PendingOperations returns the tracked drivers, oldest first.
func (t *Tracker) PendingOperations() []*Driver {
	t.mu.Lock()
	drivers := make([]*Driver, 0, len(t.drivers))
	for d := range t.drivers {
		drivers = append(drivers, d)
	}
	t.mu.Unlock()
	sort.Slice(drivers, func(i, j int) bool {
		return drivers[i].StartTime().Before(drivers[j].StartTime())
	})
	return drivers
}

func (t *Tracker) NumPending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.drivers)
}

// WaitForAllToFinish waits until no driver is tracked.
func (t *Tracker) WaitForAllToFinish(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		n := t.NumPending()
		if n == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			for _, d := range t.PendingOperations() {
				log.Warn("operation still pending", zap.String("driver", d.String()))
			}
			return errors.Errorf("%d operations still pending after %v", n, timeout)
		}
		time.Sleep(t.waitPeriod)
	}
}
