package worker

import (
	"fmt"
	"sync"

	"github.com/pingcap-incubator/tinytablet/kv/util/debug"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

type TaskStop struct{}

type Task interface{}

// TaskFunc is a task that runs itself, see FuncHandler.
type TaskFunc func()

type TaskHandler interface {
	Handle(t Task)
}

type Starter interface {
	Start()
}

// FuncHandler runs TaskFunc tasks and drops anything else.
type FuncHandler struct {
	Name string
}

func (h FuncHandler) Handle(t Task) {
	if f, ok := t.(TaskFunc); ok {
		f()
		return
	}
	log.Warn("unexpected task", zap.String("worker", h.Name), zap.String("task", fmt.Sprintf("%T", t)))
}

type ErrWorkerStopped struct {
	Name string
}

func (e *ErrWorkerStopped) Error() string {
	return fmt.Sprintf("worker %s is stopped", e.Name)
}

// Worker runs tasks one at a time, in the order they were scheduled. Scheduling never blocks:
// tasks that do not fit in the channel wait in a backlog.
type Worker struct {
	name     string
	sender   chan<- Task
	receiver <-chan Task
	wg       *sync.WaitGroup

	// guards stopped, backlog and sends on sender so that nothing is scheduled after TaskStop.
	mu      sync.Mutex
	stopped bool
	// backlog is only used while the channel is full. Its tasks are newer than any in the channel.
	backlog []Task
}

func (w *Worker) Start(handler TaskHandler) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		probe := debug.RegisterProbe(w.name)
		defer probe.Unregister()
		if s, ok := handler.(Starter); ok {
			s.Start()
		}
		for {
			task, ok := w.poll()
			if !ok {
				select {
				case task = <-w.receiver:
				case reply := <-probe.Requests():
					probe.Answer(reply)
					continue
				}
			}
			if _, ok := task.(TaskStop); ok {
				return
			}
			handler.Handle(task)
			select {
			case reply := <-probe.Requests():
				probe.Answer(reply)
			default:
			}
		}
	}()
}

// poll returns the oldest scheduled task without waiting.
func (w *Worker) poll() (Task, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case t := <-w.receiver:
		return t, true
	default:
	}
	if len(w.backlog) == 0 {
		return nil, false
	}
	t := w.backlog[0]
	w.backlog[0] = nil
	w.backlog = w.backlog[1:]
	return t, true
}

// enqueue needs mu held.
func (w *Worker) enqueue(t Task) {
	if len(w.backlog) == 0 {
		select {
		case w.sender <- t:
			return
		default:
		}
	}
	w.backlog = append(w.backlog, t)
}

// Schedule enqueues t. It fails once the worker is stopped.
func (w *Worker) Schedule(t Task) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return &ErrWorkerStopped{Name: w.name}
	}
	w.enqueue(t)
	return nil
}

// Submit schedules f to run on the worker goroutine.
func (w *Worker) Submit(f func()) error {
	return w.Schedule(TaskFunc(f))
}

func (w *Worker) Name() string {
	return w.name
}

// Stop lets the already scheduled tasks run and then stops the worker.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	w.enqueue(TaskStop{})
}

const defaultWorkerCapacity = 128

func NewWorker(name string, wg *sync.WaitGroup) *Worker {
	return NewWorkerWithCapacity(name, defaultWorkerCapacity, wg)
}

func NewWorkerWithCapacity(name string, capacity int, wg *sync.WaitGroup) *Worker {
	if capacity <= 0 {
		capacity = defaultWorkerCapacity
	}
	ch := make(chan Task, capacity)
	return &Worker{
		sender:   (chan<- Task)(ch),
		receiver: (<-chan Task)(ch),
		name:     name,
		wg:       wg,
	}
}
