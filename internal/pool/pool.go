// Package pool implements the adaptive, priority-ordered worker pool
// (spec.md §4.1). It is grounded on the teacher's internal/sched
// package: the Welford running-statistics type is kept; the teacher's
// bucketed priority channels are replaced by a single total-ordered
// container/heap queue, and periodic resize feedback and
// inline-on-saturation back-pressure are added on top.
package pool

import (
	"container/heap"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gutierrez-soarch/hybridserver/internal/task"
)

// Options configures an AdaptiveThreadPool at construction time. All
// tunables are programmatic, per spec.md §6.
type Options struct {
	Name string
	Min  int
	Max  int

	QueueCapacity int // capacity of the internal priority queue

	ResizeInterval   time.Duration // default 5s
	TargetQueueSize  int           // default 10
	AdjustmentFactor float64       // default 0.1, clamped to [0.01, 0.5]
	ShutdownGrace    time.Duration // default 30s

	Logger *logrus.Logger
}

func (o *Options) setDefaults() {
	if o.Name == "" {
		o.Name = "pool"
	}
	if o.Min <= 0 {
		o.Min = 1
	}
	if o.Max < o.Min {
		o.Max = o.Min
	}
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = 64
	}
	if o.ResizeInterval <= 0 {
		o.ResizeInterval = 5 * time.Second
	}
	if o.TargetQueueSize <= 0 {
		o.TargetQueueSize = 10
	}
	if o.AdjustmentFactor <= 0 {
		o.AdjustmentFactor = 0.1
	}
	if o.AdjustmentFactor < 0.01 {
		o.AdjustmentFactor = 0.01
	}
	if o.AdjustmentFactor > 0.5 {
		o.AdjustmentFactor = 0.5
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
}

// stat is the teacher's Welford running-statistics accumulator
// (internal/sched/sched.go), kept verbatim in technique.
type stat struct {
	mu   sync.Mutex
	n    int64
	mean float64
	m2   float64
}

func (s *stat) add(x float64) {
	s.mu.Lock()
	s.n++
	delta := x - s.mean
	s.mean += delta / float64(s.n)
	delta2 := x - s.mean
	s.m2 += delta * delta2
	s.mu.Unlock()
}

func (s *stat) snapshot() (count int64, mean float64) {
	s.mu.Lock()
	count, mean = s.n, s.mean
	s.mu.Unlock()
	return
}

// entry pairs a queued PriorityTask with its wall-clock enqueue time,
// so the pool can report real wait latency, not just logical ticks.
type entry struct {
	t        *task.PriorityTask
	enqueued time.Time
}

// taskHeap is a container/heap of queue entries ordered by
// task.PriorityTask.Less (priority-major, creation-tick-minor).
type taskHeap []*entry

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return h[i].t.Less(h[j].t) }
func (h taskHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)        { *h = append(*h, x.(*entry)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Pool is the bounded, priority-ordered, adaptively-sized worker pool.
type Pool struct {
	opts Options

	mu       sync.Mutex
	queue    taskHeap
	notEmpty chan struct{} // signalled (best-effort) on enqueue

	size       int64 // current worker count
	active     int64 // workers currently executing a task
	shutdown   int32
	shutdownCh chan struct{}
	workersWG  sync.WaitGroup
	nextWorker int64

	submitted uint64
	completed uint64
	inline    uint64 // ran inline on the submitter (back-pressure)
	rejected  uint64 // only incremented while shutting down

	waitStat stat
	runStat  stat

	resizeStop chan struct{}
	resizeDone chan struct{}
	retire     chan struct{} // one token per worker asked to retire

	windowStart time.Time
}

// New constructs and starts a pool per Options.
func New(opts Options) *Pool {
	opts.setDefaults()
	p := &Pool{
		opts:        opts,
		notEmpty:    make(chan struct{}, 1),
		shutdownCh:  make(chan struct{}),
		resizeStop:  make(chan struct{}),
		resizeDone:  make(chan struct{}),
		retire:      make(chan struct{}, opts.Max),
		windowStart: time.Now(),
	}
	heap.Init(&p.queue)
	for i := 0; i < opts.Min; i++ {
		p.startWorker()
	}
	go p.resizeLoop()
	return p
}

func (p *Pool) startWorker() {
	id := atomic.AddInt64(&p.nextWorker, 1) - 1
	atomic.AddInt64(&p.size, 1)
	p.workersWG.Add(1)
	name := fmt.Sprintf("%s-%d", p.opts.Name, id)
	go p.workerLoop(name)
}

func (p *Pool) workerLoop(name string) {
	defer p.workersWG.Done()
	for {
		e, ok := p.dequeue()
		if !ok {
			return // pool shut down and queue drained
		}
		p.waitStat.add(float64(time.Since(e.enqueued)) / 1e6)
		atomic.AddInt64(&p.active, 1)
		p.runOne(e.t)
		atomic.AddInt64(&p.active, -1)
	}
}

// runOne executes a single task, applying the before/after
// instrumentation hooks called for in Design Notes §9 (the teacher's
// inherited-base-class before/after-execute hooks become explicit
// calls here, since Go has no such base class to extend).
func (p *Pool) runOne(t *task.PriorityTask) {
	p.beforeExecute(t)
	_, _, elapsed := t.Run()
	p.afterExecute(t, elapsed)
}

func (p *Pool) beforeExecute(t *task.PriorityTask) { _ = t }

func (p *Pool) afterExecute(t *task.PriorityTask, elapsed time.Duration) {
	atomic.AddUint64(&p.completed, 1)
	p.runStat.add(float64(elapsed) / 1e6)
}

// Submit wraps work in a PriorityTask at the given priority, enqueues
// it, and returns its future. If the queue is saturated, work runs
// inline on the calling goroutine (spec.md §4.1 saturation policy).
func (p *Pool) Submit(work task.Func, priority int) *task.Future[any] {
	t := task.NewPriorityTask(work, priority)
	if atomic.LoadInt32(&p.shutdown) != 0 {
		atomic.AddUint64(&p.rejected, 1)
		t.Future().Reject(ErrShuttingDown)
		return t.Future()
	}

	p.mu.Lock()
	if p.queue.Len() >= p.opts.QueueCapacity {
		p.mu.Unlock()
		// Saturation policy: run inline on the submitter. This is
		// deliberately not a hard reject — see spec.md §4.1 and the
		// InlineExecutions/QueueRejected naming decision in DESIGN.md.
		atomic.AddUint64(&p.inline, 1)
		p.opts.Logger.WithField("pool", p.opts.Name).Warn("queue saturated, running task inline on submitter")
		p.runOne(t)
		return t.Future()
	}
	heap.Push(&p.queue, &entry{t: t, enqueued: time.Now()})
	atomic.AddUint64(&p.submitted, 1)
	p.mu.Unlock()
	p.wake()
	return t.Future()
}

// SubmitDefault is equivalent to Submit(work, 0).
func (p *Pool) SubmitDefault(work task.Func) *task.Future[any] {
	return p.Submit(work, 0)
}

// SubmitValue submits a value-producing function at the given
// priority, surfacing the result through a typed Future.
func SubmitValue[T any](p *Pool, producer func() (T, error), priority int) *task.Future[T] {
	inner := p.Submit(func() (any, error) {
		return producer()
	}, priority)
	out := task.NewFuture[T]()
	go func() {
		v, err := inner.Wait()
		if err != nil {
			out.Reject(err)
			return
		}
		out.Resolve(v.(T))
	}()
	return out
}

func (p *Pool) wake() {
	select {
	case p.notEmpty <- struct{}{}:
	default:
	}
}

// dequeue blocks until a task is available or the pool is shutting
// down with an empty queue, in which case ok is false and the worker
// should exit.
func (p *Pool) dequeue() (*entry, bool) {
	for {
		p.mu.Lock()
		if p.queue.Len() > 0 {
			e := heap.Pop(&p.queue).(*entry)
			p.mu.Unlock()
			return e, true
		}
		shuttingDown := atomic.LoadInt32(&p.shutdown) != 0
		p.mu.Unlock()
		if shuttingDown {
			return nil, false
		}
		select {
		case <-p.retire:
			return nil, false
		default:
		}
		select {
		case <-p.notEmpty:
		case <-p.retire:
			return nil, false
		case <-p.shutdownCh:
		case <-time.After(200 * time.Millisecond):
			// coarse poll, keeps shutdown/resize responsive without a
			// dedicated per-worker wakeup channel
		}
	}
}

// ErrShuttingDown is returned by Submit once Shutdown has been called.
var ErrShuttingDown = fmt.Errorf("pool: shutting down")

// Stats is a point-in-time snapshot of pool metrics, the fields named
// directly from spec.md §4.1.
type Stats struct {
	Size              int
	Active            int
	QueueLength       int
	QueueCapacity     int
	Submitted         uint64
	Completed         uint64
	InlineExecutions  uint64
	QueueRejected     uint64
	AverageExecMillis float64
	AverageWaitMillis float64
	Utilization       float64
	ThroughputPerSec  float64
}

// MaxSize returns the pool's configured maximum worker count, used by
// internal/processor's overload-detection rule (active_requests > 0.8
// × pool.max_size).
func (p *Pool) MaxSize() int { return p.opts.Max }

// Stats returns a snapshot of current pool metrics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	qlen := p.queue.Len()
	p.mu.Unlock()

	size := int(atomic.LoadInt64(&p.size))
	active := int(atomic.LoadInt64(&p.active))
	_, avgRun := p.runStat.snapshot()
	_, avgWait := p.waitStat.snapshot()

	util := 0.0
	if size > 0 {
		util = float64(active) / float64(size)
	}

	completed := atomic.LoadUint64(&p.completed)
	elapsed := time.Since(p.windowStart).Seconds()
	throughput := 0.0
	if elapsed > 0 {
		throughput = float64(completed) / math.Max(elapsed, 60)
	}

	return Stats{
		Size:              size,
		Active:            active,
		QueueLength:       qlen,
		QueueCapacity:     p.opts.QueueCapacity,
		Submitted:         atomic.LoadUint64(&p.submitted),
		Completed:         completed,
		InlineExecutions:  atomic.LoadUint64(&p.inline),
		QueueRejected:     atomic.LoadUint64(&p.rejected),
		AverageExecMillis: avgRun,
		AverageWaitMillis: avgWait,
		Utilization:       util,
		ThroughputPerSec:  throughput,
	}
}

// estimateWaitMillis implements the coarse wait-time estimator from
// spec.md §4.1: queueLength * averageExecution / max(1, activeWorkers),
// zero when the queue is empty.
func estimateWaitMillis(queueLength int, avgExecMillis float64, active int) float64 {
	if queueLength == 0 {
		return 0
	}
	denom := math.Max(1, float64(active))
	return float64(queueLength) * avgExecMillis / denom
}

// Shutdown refuses further submissions, stops the resize scheduler
// first (so no resize fires mid-drain), then waits for in-flight and
// queued work to drain up to the grace period before returning.
func (p *Pool) Shutdown() {
	if !atomic.CompareAndSwapInt32(&p.shutdown, 0, 1) {
		return
	}
	close(p.resizeStop)
	<-p.resizeDone

	close(p.shutdownCh)

	done := make(chan struct{})
	go func() {
		p.workersWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.opts.ShutdownGrace):
		p.opts.Logger.WithField("pool", p.opts.Name).Warn("shutdown grace period elapsed, forcing termination")
	}
}
