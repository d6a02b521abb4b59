package pool

import (
	"math"
	"sync/atomic"
	"time"
)

// resizeLoop is the periodic feedback scheduler. It runs as a
// dedicated single-purpose goroutine, stopped first during Shutdown
// so no resize fires mid-drain.
func (p *Pool) resizeLoop() {
	defer close(p.resizeDone)
	ticker := time.NewTicker(p.opts.ResizeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.tick()
		case <-p.resizeStop:
			return
		}
	}
}

// tick snapshots current load and applies the grow/shrink decision
// function. Grow and shrink are mutually exclusive; if both
// conditions fire, grow wins.
func (p *Pool) tick() {
	st := p.Stats()
	waitEstimate := estimateWaitMillis(st.QueueLength, st.AverageExecMillis, st.Active)

	grow := st.QueueLength > p.opts.TargetQueueSize ||
		st.Utilization > 0.8 ||
		waitEstimate > 100

	shrink := (st.QueueLength == 0 && st.Utilization < 0.3) || waitEstimate < 10

	switch {
	case grow:
		p.resizeTo(p.growTarget(st.Size))
	case shrink:
		p.resizeTo(p.shrinkTarget(st.Size))
	}
}

func (p *Pool) growTarget(size int) int {
	step := int(math.Ceil(float64(size) * p.opts.AdjustmentFactor))
	if step < 1 {
		step = 1
	}
	target := size + step
	if target > p.opts.Max {
		target = p.opts.Max
	}
	return target
}

func (p *Pool) shrinkTarget(size int) int {
	step := int(math.Ceil(float64(size) * p.opts.AdjustmentFactor))
	if step < 1 {
		step = 1
	}
	target := size - step
	if target < p.opts.Min {
		target = p.opts.Min
	}
	return target
}

// resizeTo adds or removes workers to reach target, clamped to
// [Min, Max]. Removing a worker shrinks the logical size counter and
// posts a retirement token that an idle worker consumes in dequeue —
// workers never self-terminate mid-task, only between tasks.
func (p *Pool) resizeTo(target int) {
	if target < p.opts.Min {
		target = p.opts.Min
	}
	if target > p.opts.Max {
		target = p.opts.Max
	}
	current := int(atomic.LoadInt64(&p.size))
	switch {
	case target > current:
		for i := current; i < target; i++ {
			p.startWorker()
		}
	case target < current:
		for i := target; i < current; i++ {
			p.retireOneWorker()
		}
	}
}

// retireOneWorker decrements the logical pool size and asks one idle
// worker to exit on its next dequeue. It sends a single retirement
// token that exactly one worker loop consumes.
func (p *Pool) retireOneWorker() {
	atomic.AddInt64(&p.size, -1)
	select {
	case p.retire <- struct{}{}:
	default:
	}
}
