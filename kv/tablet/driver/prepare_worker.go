package driver

import (
	"sync"

	"github.com/juju/ratelimit"
	"github.com/pingcap-incubator/tinytablet/kv/tablet/operations"
	"github.com/pingcap-incubator/tinytablet/kv/util/debug"
	"github.com/pingcap-incubator/tinytablet/kv/util/worker"
)

type PrepareWorkerConfig struct {
	// QueueSize bounds the leader operations waiting to be prepared. A leader operation submitted
	// to a full queue is refused.
	QueueSize int
	// MaxBatch bounds the number of leader operations replicated together.
	MaxBatch int
	// AdmissionRate is the number of leader operations admitted per second, 0 for no limit.
	AdmissionRate  float64
	AdmissionBurst int64
}

// PrepareWorker prepares operations on a single goroutine, in submission order.
//
// Leader operations taken from the queue in one go are replicated as one batch. A replica
// operation in the middle of a batch first flushes the leader operations queued before it, so
// consensus sees operations in the order they were prepared.
//
// Submit never blocks. Replica operations are always queued since they are already in the log and
// the consensus goroutine hands them over.
type PrepareWorker struct {
	name      string
	queueSize int
	maxBatch  int
	bucket    *ratelimit.Bucket
	notify    chan struct{}

	mu      sync.Mutex
	queue   []*Driver
	stopped bool
	wg      sync.WaitGroup
}

func NewPrepareWorker(name string, cfg PrepareWorkerConfig) *PrepareWorker {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 64
	}
	w := &PrepareWorker{
		name:      name,
		queueSize: cfg.QueueSize,
		maxBatch:  cfg.MaxBatch,
		notify:    make(chan struct{}, 1),
	}
	if cfg.AdmissionRate > 0 {
		burst := cfg.AdmissionBurst
		if burst <= 0 {
			burst = int64(cfg.MaxBatch)
		}
		w.bucket = ratelimit.NewBucketWithRate(cfg.AdmissionRate, burst)
	}
	return w
}

func (w *PrepareWorker) Start() {
	w.wg.Add(1)
	go w.run()
}

// Submit queues d. Leader operations are refused when the queue is full or over the admission
// rate.
func (w *PrepareWorker) Submit(d *Driver) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return &worker.ErrWorkerStopped{Name: w.name}
	}
	if d.Origin() == Leader {
		if len(w.queue) >= w.queueSize {
			return &operations.ErrServerIsBusy{Reason: "prepare queue is full", BackoffMs: 10}
		}
		if w.bucket != nil && w.bucket.TakeAvailable(1) == 0 {
			return &operations.ErrServerIsBusy{Reason: "prepare admission rate exceeded", BackoffMs: 10}
		}
	}
	w.queue = append(w.queue, d)
	w.wake()
	return nil
}

// wake needs mu held.
func (w *PrepareWorker) wake() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// Stop prepares what is queued and then returns.
func (w *PrepareWorker) Stop() {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		w.wake()
	}
	w.mu.Unlock()
	w.wg.Wait()
}

// next takes up to maxBatch queued drivers. done is set once the worker is stopped and nothing is
// left.
func (w *PrepareWorker) next() (drivers []*Driver, done bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(w.queue)
	if n > w.maxBatch {
		n = w.maxBatch
	}
	drivers = make([]*Driver, n)
	copy(drivers, w.queue)
	for i := 0; i < n; i++ {
		w.queue[i] = nil
	}
	w.queue = w.queue[n:]
	if len(w.queue) > 0 || w.stopped {
		w.wake()
	}
	return drivers, n == 0 && w.stopped
}

func (w *PrepareWorker) run() {
	defer w.wg.Done()
	probe := debug.RegisterProbe(w.name)
	defer probe.Unregister()
	for {
		select {
		case <-w.notify:
		case reply := <-probe.Requests():
			probe.Answer(reply)
			continue
		}
		drivers, done := w.next()
		if done {
			return
		}
		w.handle(drivers)
	}
}

func (w *PrepareWorker) handle(drivers []*Driver) {
	var batch []*Driver
	for _, d := range drivers {
		if !d.IsLeaderSide() {
			replicateDrivers(batch)
			batch = batch[:0]
			d.PrepareAndStartTask()
			continue
		}
		if err := d.PrepareAndStart(); err != nil {
			d.HandleFailure(err)
			continue
		}
		batch = append(batch, d)
	}
	replicateDrivers(batch)
}
