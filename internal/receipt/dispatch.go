package receipt

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/grocery-tracker/internal/logger"
)

// TaskStatus is the lifecycle state of an asynchronous submission
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// finishedTaskRetention is how long finished tasks stay queryable
const finishedTaskRetention = time.Hour

var ErrDispatcherClosed = errors.New("dispatcher is closed")

// Task is a handle to a receipt submission running in the background
type Task struct {
	ID string

	mu          sync.RWMutex
	status      TaskStatus
	receipt     *Receipt
	err         error
	createdAt   time.Time
	completedAt time.Time

	work func(ctx context.Context) (*Receipt, error)
	ctx  context.Context
	done chan struct{}
}

// TaskSnapshot is a point-in-time copy of a task, safe to serialize
type TaskSnapshot struct {
	ID          string     `json:"id"`
	Status      TaskStatus `json:"status"`
	Error       string     `json:"error,omitempty"`
	ClientError bool       `json:"-"`
	Receipt     *Receipt   `json:"receipt,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (t *Task) Status() TaskStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// Done is closed when the task completed or failed
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task finishes or ctx is done
func (t *Task) Wait(ctx context.Context) (*Receipt, error) {
	select {
	case <-t.done:
		t.mu.RLock()
		defer t.mu.RUnlock()
		return t.receipt, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Task) Snapshot() TaskSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snap := TaskSnapshot{
		ID:        t.ID,
		Status:    t.status,
		Receipt:   t.receipt,
		CreatedAt: t.createdAt,
	}
	if t.err != nil {
		snap.Error = Reason(t.err)
		snap.ClientError = IsClientError(t.err)
	}
	if !t.completedAt.IsZero() {
		completedAt := t.completedAt
		snap.CompletedAt = &completedAt
	}
	return snap
}

func (t *Task) setRunning() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = TaskRunning
}

func (t *Task) finish(receipt *Receipt, err error) {
	t.mu.Lock()
	t.receipt = receipt
	t.err = err
	t.completedAt = time.Now()
	if err != nil {
		t.status = TaskFailed
	} else {
		t.status = TaskCompleted
	}
	t.mu.Unlock()
	close(t.done)
}

func (t *Task) finishedBefore(cutoff time.Time) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return !t.completedAt.IsZero() && t.completedAt.Before(cutoff)
}

// Dispatcher runs submissions on a fixed number of workers. Tasks outlive
// the request that created them; they are cancelled only by Stop.
type Dispatcher struct {
	queue     chan *Task
	closeChan chan struct{}
	wg        sync.WaitGroup

	mu     sync.RWMutex
	tasks  map[string]*Task
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewDispatcher starts workers goroutines. bufferSize bounds how many tasks
// can wait before Submit blocks.
func NewDispatcher(workers, bufferSize int) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		queue:     make(chan *Task, bufferSize),
		closeChan: make(chan struct{}),
		tasks:     make(map[string]*Task),
		ctx:       ctx,
		cancel:    cancel,
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Submit enqueues work. The logger in ctx is carried over to the task.
func (d *Dispatcher) Submit(ctx context.Context, work func(ctx context.Context) (*Receipt, error)) (*Task, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrDispatcherClosed
	}
	d.pruneLocked(time.Now().Add(-finishedTaskRetention))

	task := &Task{
		ID:        uuid.NewString(),
		status:    TaskPending,
		createdAt: time.Now(),
		work:      work,
		ctx:       logger.WithContext(d.ctx, logger.FromContext(ctx)),
		done:      make(chan struct{}),
	}
	d.tasks[task.ID] = task
	d.mu.Unlock()

	select {
	case d.queue <- task:
		// Stop may have won the race with the send, and its workers may
		// already have drained and exited. Finish whatever is left.
		d.mu.RLock()
		closed := d.closed
		d.mu.RUnlock()
		if closed {
			d.drain()
		}
		return task, nil
	case <-ctx.Done():
		d.forget(task.ID)
		return nil, ctx.Err()
	case <-d.closeChan:
		d.forget(task.ID)
		return nil, ErrDispatcherClosed
	}
}

// Task looks up a task by id
func (d *Dispatcher) Task(id string) (*Task, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	task, ok := d.tasks[id]
	return task, ok
}

// Stop refuses new tasks, cancels running ones and waits for workers to exit
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.closeChan)
	d.mu.Unlock()

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for {
		select {
		case <-d.closeChan:
			d.drain()
			return
		case task := <-d.queue:
			d.run(task)
		}
	}
}

// drain fails tasks still queued at shutdown so their waiters are released
func (d *Dispatcher) drain() {
	for {
		select {
		case task := <-d.queue:
			task.finish(nil, ErrDispatcherClosed)
		default:
			return
		}
	}
}

func (d *Dispatcher) run(task *Task) {
	task.setRunning()
	receipt, err := task.work(task.ctx)
	task.finish(receipt, err)
}

func (d *Dispatcher) forget(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.tasks, id)
}

func (d *Dispatcher) pruneLocked(cutoff time.Time) {
	for id, task := range d.tasks {
		if task.finishedBefore(cutoff) {
			delete(d.tasks, id)
		}
	}
}
