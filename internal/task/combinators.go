package task

import (
	"context"
	"errors"
	"time"
)

// ErrTimedOut is returned by WithTimeout when the deadline elapses
// before the wrapped future settles. The wrapped future itself keeps
// running to completion; its result is simply discarded, since
// deferred work is never forcibly interrupted.
var ErrTimedOut = errors.New("task: future timed out")

// WithTimeout returns a new future that settles with the inner
// future's result, or with ErrTimedOut if d elapses first. The timer
// is always stopped once either outcome is known.
func WithTimeout[T any](inner *Future[T], d time.Duration) *Future[T] {
	out := NewFuture[T]()
	timer := time.NewTimer(d)
	go func() {
		select {
		case <-inner.Done():
			timer.Stop()
			v, err := inner.Wait()
			if err != nil {
				out.Reject(err)
			} else {
				out.Resolve(v)
			}
		case <-timer.C:
			out.Reject(ErrTimedOut)
		}
	}()
	return out
}

// WithContext returns a new future that settles with the inner
// future's result, or with ctx.Err() if ctx is cancelled first.
func WithContext[T any](ctx context.Context, inner *Future[T]) *Future[T] {
	out := NewFuture[T]()
	go func() {
		select {
		case <-inner.Done():
			v, err := inner.Wait()
			if err != nil {
				out.Reject(err)
			} else {
				out.Resolve(v)
			}
		case <-ctx.Done():
			out.Reject(ctx.Err())
		}
	}()
	return out
}

// Then chains a transformation onto a future's successful result. If
// inner rejects, the rejection propagates unchanged.
func Then[T, U any](inner *Future[T], fn func(T) (U, error)) *Future[U] {
	out := NewFuture[U]()
	go func() {
		v, err := inner.Wait()
		if err != nil {
			out.Reject(err)
			return
		}
		u, err := fn(v)
		if err != nil {
			out.Reject(err)
			return
		}
		out.Resolve(u)
	}()
	return out
}

// All waits for the futures in index order and returns their values
// in that order. It rejects with the error of the first future, by
// index, that it finds rejected; futures after that one are not
// waited for.
func All[T any](futures []*Future[T]) *Future[[]T] {
	out := NewFuture[[]T]()
	go func() {
		results := make([]T, len(futures))
		for i, f := range futures {
			v, err := f.Wait()
			if err != nil {
				out.Reject(err)
				return
			}
			results[i] = v
		}
		out.Resolve(results)
	}()
	return out
}

// Any settles as soon as the first future settles successfully. If
// every future rejects, it rejects with the error of the last one to
// settle; an empty slice rejects with ErrNoneResolved.
var ErrNoneResolved = errors.New("task: no future resolved")

func Any[T any](futures []*Future[T]) *Future[T] {
	out := NewFuture[T]()
	if len(futures) == 0 {
		out.Reject(ErrNoneResolved)
		return out
	}
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, len(futures))
	for _, f := range futures {
		f := f
		go func() {
			v, err := f.Wait()
			ch <- result{v, err}
		}()
	}
	go func() {
		var lastErr error
		for range futures {
			r := <-ch
			if r.err == nil {
				out.Resolve(r.v)
				return
			}
			lastErr = r.err
		}
		if lastErr == nil {
			lastErr = ErrNoneResolved
		}
		out.Reject(lastErr)
	}()
	return out
}
