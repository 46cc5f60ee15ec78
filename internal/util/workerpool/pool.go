// Package workerpool runs request handlers on a fixed set of lanes. Work
// submitted under the same key always lands on the same lane, so requests of
// one connection are handled in the order they arrived while different
// connections proceed in parallel.
package workerpool

import (
	"context"
	stderrors "errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrStopped is returned by Submit once Stop has been called.
	ErrStopped = stderrors.New("worker pool stopped")
	// ErrQueueFull is returned by Submit when the key's lane has no room.
	ErrQueueFull = stderrors.New("worker pool lane full")
)

// Task is one unit of work. Tasks sharing a Key run sequentially in
// submission order.
type Task struct {
	ID      string
	Key     string
	Fn      func(context.Context) error
	Context context.Context
}

// Config holds worker pool configuration
type Config struct {
	Name string
	// MaxWorkers is the number of lanes, each drained by one goroutine.
	MaxWorkers int
	// QueueSize bounds the backlog of each lane.
	QueueSize int
	Logger    *zap.Logger
}

type lane struct {
	tasks   chan Task
	pending int64
}

// WorkerPool is a set of keyed lanes.
type WorkerPool struct {
	name   string
	lanes  []*lane
	logger *zap.Logger

	// mu guards stopped against concurrent Submit so that no task is sent on
	// a closed lane.
	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup

	active    int32
	accepted  uint64
	completed uint64
	failed    uint64
	rejected  uint64
}

// NewWorkerPool starts cfg.MaxWorkers lanes.
func NewWorkerPool(cfg *Config) *WorkerPool {
	workers := cfg.MaxWorkers
	if workers <= 0 {
		workers = 10
	}
	depth := cfg.QueueSize
	if depth <= 0 {
		depth = 100
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &WorkerPool{
		name:   cfg.Name,
		lanes:  make([]*lane, workers),
		logger: logger.With(zap.String("pool", cfg.Name)),
	}
	for i := range p.lanes {
		p.lanes[i] = &lane{tasks: make(chan Task, depth)}
		p.wg.Add(1)
		go p.drain(i, p.lanes[i])
	}

	p.logger.Info("Worker pool started",
		zap.Int("lanes", workers),
		zap.Int("lane_depth", depth))
	return p
}

// drain runs a lane until it is closed and empty.
func (p *WorkerPool) drain(id int, l *lane) {
	defer p.wg.Done()
	for task := range l.tasks {
		atomic.AddInt64(&l.pending, -1)
		p.run(id, task)
	}
}

func (p *WorkerPool) run(laneID int, task Task) {
	atomic.AddInt32(&p.active, 1)
	defer atomic.AddInt32(&p.active, -1)

	start := time.Now()
	if err := p.call(task); err != nil {
		atomic.AddUint64(&p.failed, 1)
		p.logger.Debug("Task failed",
			zap.Int("lane", laneID),
			zap.String("task_id", task.ID),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return
	}
	atomic.AddUint64(&p.completed, 1)
}

// call runs the task, turning a panic into an error so the lane survives.
func (p *WorkerPool) call(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
			p.logger.Error("Task panic recovered",
				zap.String("task_id", task.ID),
				zap.Any("panic", r))
		}
	}()

	ctx := task.Context
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return task.Fn(ctx)
}

func (p *WorkerPool) laneFor(task Task) *lane {
	key := task.Key
	if key == "" {
		key = task.ID
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return p.lanes[h.Sum32()%uint32(len(p.lanes))]
}

// Submit queues task without blocking. It fails with ErrQueueFull when the
// lane is at capacity and ErrStopped after Stop.
func (p *WorkerPool) Submit(task Task) error {
	err := p.offer(task)
	if err != nil {
		atomic.AddUint64(&p.rejected, 1)
	}
	return err
}

// SubmitWithContext waits for room on the lane until ctx is done.
func (p *WorkerPool) SubmitWithContext(ctx context.Context, task Task) error {
	for {
		err := p.offer(task)
		if err != ErrQueueFull {
			if err != nil {
				atomic.AddUint64(&p.rejected, 1)
			}
			return err
		}
		select {
		case <-ctx.Done():
			atomic.AddUint64(&p.rejected, 1)
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (p *WorkerPool) offer(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}

	l := p.laneFor(task)
	atomic.AddInt64(&l.pending, 1)
	select {
	case l.tasks <- task:
		atomic.AddUint64(&p.accepted, 1)
		return nil
	default:
		atomic.AddInt64(&l.pending, -1)
		return ErrQueueFull
	}
}

// Stop refuses new work and waits up to timeout for queued tasks to finish.
func (p *WorkerPool) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	for _, l := range p.lanes {
		close(l.tasks)
	}
	p.mu.Unlock()

	p.logger.Info("Stopping worker pool")
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Worker pool drained")
		return nil
	case <-time.After(timeout):
		p.logger.Warn("Worker pool stop timed out", zap.Duration("timeout", timeout))
		return fmt.Errorf("worker pool %q did not drain within %v", p.name, timeout)
	}
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Name      string
	Lanes     int
	Active    int
	Queued    int
	Accepted  uint64
	Completed uint64
	Failed    uint64
	Rejected  uint64
}

// Stats returns current counters.
func (p *WorkerPool) Stats() Stats {
	queued := 0
	for _, l := range p.lanes {
		queued += int(atomic.LoadInt64(&l.pending))
	}
	return Stats{
		Name:      p.name,
		Lanes:     len(p.lanes),
		Active:    int(atomic.LoadInt32(&p.active)),
		Queued:    queued,
		Accepted:  atomic.LoadUint64(&p.accepted),
		Completed: atomic.LoadUint64(&p.completed),
		Failed:    atomic.LoadUint64(&p.failed),
		Rejected:  atomic.LoadUint64(&p.rejected),
	}
}
