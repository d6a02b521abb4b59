// Package switching implements the hand-off protocol that lets a
// worker park a request on a deferred (I/O-bound) operation and
// resume it on whichever worker happens to be free when it completes.
// It combines a background-goroutine producer with a non-blocking
// concurrency limit and an optional timer raced against completion,
// factored into its own package and generalized to arbitrary deferred
// producers.
package switching

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/gutierrez-soarch/hybridserver/internal/asynccontext"
	"github.com/gutierrez-soarch/hybridserver/internal/pool"
	"github.com/gutierrez-soarch/hybridserver/internal/task"
)

// Domain labels which convenience wrapper initiated a switch, for
// logging only.
type Domain string

const (
	DomainGeneric Domain = "GENERIC"
	DomainDB      Domain = "DB"
	DomainAPI     Domain = "API"
	DomainFile    Domain = "FILE"
)

// ErrTooManySwitches is the immediate failure when active_switches
// would exceed max_concurrent_switches.
var ErrTooManySwitches = errors.New("switching: too many concurrent switches")

// ErrSwitchTimeout is returned when a timeout-bounded switch's timer
// fires before the deferred producer resolves.
var ErrSwitchTimeout = errors.New("switching: timed out")

// Producer is a deferred operation run on the worker pool, given the
// original request value.
type Producer[T any] func(request any) (T, error)

// stat is a small running-mean accumulator, kept here independently
// from the pool's own accumulator since it guards a different
// quantity: the task.Tick delta between switch-out and switch-in,
// which counts ticks handed out process-wide in between and is not
// wall-clock time.
type stat struct {
	mu   sync.Mutex
	n    int64
	mean float64
}

func (s *stat) add(x float64) {
	s.mu.Lock()
	s.n++
	s.mean += (x - s.mean) / float64(s.n)
	s.mu.Unlock()
}

func (s *stat) snapshot() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mean
}

// Options configures a Handler.
type Options struct {
	MaxConcurrentSwitches int64 // default 1000
	Logger                *logrus.Logger
}

func (o *Options) setDefaults() {
	if o.MaxConcurrentSwitches <= 0 {
		o.MaxConcurrentSwitches = 1000
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
}

// Handler mediates switch-out/switch-in pairs against a worker pool
// and an async context table, both owned by the caller and threaded
// in explicitly (no ambient global state, per Design Notes §9).
type Handler struct {
	pool *pool.Pool
	ctx  *asynccontext.Manager
	sem  *semaphore.Weighted
	opts Options

	activeSwitches   int64
	totalSwitchOuts  uint64
	totalSwitchIns   uint64
	rejectedSwitches uint64
	timeouts         uint64
	switchTicks      stat
}

// NewHandler constructs a switching Handler over an existing pool and
// context manager.
func NewHandler(p *pool.Pool, ctxManager *asynccontext.Manager, opts Options) *Handler {
	opts.setDefaults()
	return &Handler{
		pool: p,
		ctx:  ctxManager,
		sem:  semaphore.NewWeighted(opts.MaxConcurrentSwitches),
		opts: opts,
	}
}

// SwitchAndExecute implements the generic switch-out/switch-in
// protocol. The deferred producer is submitted to the worker pool;
// when the pool's queue is saturated the pool runs it inline on the
// calling goroutine. Switch-in bookkeeping runs once the
// producer resolves, regardless of whether the returned future is
// later abandoned by the caller.
func SwitchAndExecute[T any](h *Handler, request any, domain Domain, producer Producer[T]) *task.Future[T] {
	if !h.sem.TryAcquire(1) {
		atomic.AddUint64(&h.rejectedSwitches, 1)
		return task.Failed[T](ErrTooManySwitches)
	}

	switchID := atomic.AddUint64(&h.totalSwitchOuts, 1)
	asyncID := h.ctx.Create(request)
	h.ctx.UpdateState(asyncID, asynccontext.StateWaiting, domain)
	switchOutTick := task.Tick()
	atomic.AddInt64(&h.activeSwitches, 1)

	inner := pool.SubmitValue(h.pool, func() (T, error) {
		return producer(request)
	}, 0)

	out := task.NewFuture[T]()
	go func() {
		v, err := inner.Wait()
		h.switchIn(switchID, asyncID, switchOutTick, domain, err)
		if err != nil {
			out.Reject(err)
			return
		}
		out.Resolve(v)
	}()
	return out
}

// switchIn runs the switch-in bookkeeping: the switch's tick delta
// into the running mean, counters, context removal, and logging. It runs exactly once per
// switch, whether the deferred producer succeeded, failed, or the
// caller gave up waiting.
func (h *Handler) switchIn(switchID uint64, asyncID string, switchOutTick int64, domain Domain, err error) {
	elapsed := task.Tick() - switchOutTick
	h.switchTicks.add(float64(elapsed))
	atomic.AddUint64(&h.totalSwitchIns, 1)
	atomic.AddInt64(&h.activeSwitches, -1)
	h.ctx.Remove(asyncID)
	h.sem.Release(1)

	entry := h.opts.Logger.WithField("switch_id", switchID).WithField("domain", domain)
	if err != nil {
		entry.WithError(err).Warn("switch-in completed with error")
	} else {
		entry.Debug("switch-in completed")
	}
}

// SwitchAndExecuteWithTimeout composes the deferred future with a
// one-shot timer; whichever resolves first wins. Switch-in still runs
// on the deferred producer's own completion either way.
func SwitchAndExecuteWithTimeout[T any](h *Handler, request any, domain Domain, producer Producer[T], timeout time.Duration) *task.Future[T] {
	inner := SwitchAndExecute(h, request, domain, producer)
	out := task.NewFuture[T]()
	timer := time.NewTimer(timeout)

	go func() {
		select {
		case <-inner.Done():
			timer.Stop()
			v, err := inner.Wait()
			if err != nil {
				out.Reject(err)
				return
			}
			out.Resolve(v)
		case <-timer.C:
			atomic.AddUint64(&h.timeouts, 1)
			out.Reject(ErrSwitchTimeout)
		}
	}()
	return out
}

// ExecuteMultiple fans out one independent switch-out per deferred
// producer and combines them with task.All: it resolves with every
// value once all succeed, or rejects with the first failure in index
// order (see DESIGN.md for why fan-out, rather than first-one-wins,
// was chosen here).
func ExecuteMultiple[T any](h *Handler, request any, domain Domain, producers []Producer[T]) *task.Future[[]T] {
	futures := make([]*task.Future[T], len(producers))
	for i, p := range producers {
		futures[i] = SwitchAndExecute(h, request, domain, p)
	}
	return task.All(futures)
}

// ExecuteDB is a switch_and_execute convenience wrapper that logs
// domain "DB".
func ExecuteDB[T any](h *Handler, request any, fn Producer[T]) *task.Future[T] {
	return SwitchAndExecute(h, request, DomainDB, fn)
}

// ExecuteAPI is a switch_and_execute convenience wrapper that logs
// domain "API".
func ExecuteAPI[T any](h *Handler, request any, fn Producer[T]) *task.Future[T] {
	return SwitchAndExecute(h, request, DomainAPI, fn)
}

// ExecuteFile is a switch_and_execute convenience wrapper that logs
// domain "FILE" and yields raw bytes.
func ExecuteFile(h *Handler, request any, fn Producer[[]byte]) *task.Future[[]byte] {
	return SwitchAndExecute(h, request, DomainFile, fn)
}

// Stats is a diagnostic snapshot of switch counters.
type Stats struct {
	ActiveSwitches     int64
	TotalSwitchOuts    uint64
	TotalSwitchIns     uint64
	RejectedSwitches   uint64
	Timeouts           uint64
	AverageSwitchTicks float64
}

// Stats returns a snapshot of the handler's switch counters.
func (h *Handler) Stats() Stats {
	return Stats{
		ActiveSwitches:     atomic.LoadInt64(&h.activeSwitches),
		TotalSwitchOuts:    atomic.LoadUint64(&h.totalSwitchOuts),
		TotalSwitchIns:     atomic.LoadUint64(&h.totalSwitchIns),
		RejectedSwitches:   atomic.LoadUint64(&h.rejectedSwitches),
		Timeouts:           atomic.LoadUint64(&h.timeouts),
		AverageSwitchTicks: h.switchTicks.snapshot(),
	}
}
