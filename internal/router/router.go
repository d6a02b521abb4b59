// Package router implements the single entry point the I/O reactor
// calls once a request has fully parsed: the one function standing
// between the connection loop and the handler dispatch. It is a thin
// composition of the hybrid processor (internal/processor) over the
// handler container (internal/container), plus a couple of
// diagnostic routes served directly out of this package.
package router

import (
	"fmt"
	"time"

	"github.com/gutierrez-soarch/hybridserver/internal/asynccontext"
	"github.com/gutierrez-soarch/hybridserver/internal/container"
	"github.com/gutierrez-soarch/hybridserver/internal/pool"
	"github.com/gutierrez-soarch/hybridserver/internal/processor"
	"github.com/gutierrez-soarch/hybridserver/internal/switching"
	"github.com/gutierrez-soarch/hybridserver/internal/wire"
)

// ConnStats is the subset of reactor.Stats the router's /status route
// reports. It is declared independently here rather than importing
// internal/reactor: this package's Router is handed to the reactor as
// a reactor.Dispatcher, so the dependency already runs router <- main
// <- reactor; importing the reactor type here on top of that would
// tangle construction order for no benefit. AttachConnStats lets
// cmd/server wire the reactor's stats in after both exist.
type ConnStats struct {
	Accepted    uint64
	Closed      uint64
	ActiveConns int
}

// Router is the Dispatcher the reactor calls into: it answers its own
// diagnostic routes directly and otherwise routes every request
// through the hybrid processor, which itself invokes the handler
// container.
type Router struct {
	container *container.Container
	processor *processor.Processor
	pool      *pool.Pool
	asyncMgr  *asynccontext.Manager
	switching *switching.Handler

	startedAt time.Time
	connStats func() ConnStats
}

// New constructs a Router over the already-wired container,
// processor, pool, async-context manager and switching handler.
func New(c *container.Container, p *processor.Processor, workerPool *pool.Pool, asyncMgr *asynccontext.Manager, sw *switching.Handler) *Router {
	return &Router{
		container: c,
		processor: p,
		pool:      workerPool,
		asyncMgr:  asyncMgr,
		switching: sw,
		startedAt: time.Now(),
	}
}

// AttachConnStats wires a connection-count source (the reactor's own
// Stats) into the /status route. Optional: /status reports zeroes for
// connection counters until this is called.
func (r *Router) AttachConnStats(fn func() ConnStats) {
	r.connStats = fn
}

// Dispatch implements reactor.Dispatcher. Diagnostic routes are
// answered directly on the calling goroutine (already off the
// reactor's own goroutine, since the reactor only ever calls Dispatch
// from its per-request dispatch goroutine); every other path is
// handed to the hybrid processor, which selects SYNC/ASYNC/ADAPTIVE
// strategy and invokes the container's own Dispatch as its handler.
func (r *Router) Dispatch(method, path string, request any, version wire.Version) wire.Response {
	switch path {
	case "/status":
		return r.status(version)
	case "/metrics":
		return r.metricsSnapshot(version)
	}

	handlerFn := func(req any) (any, error) {
		return r.container.Dispatch(method, path, req, version), nil
	}

	result, err := r.processor.Process(request, method, path, handlerFn).Wait()
	if err != nil {
		if err == processor.ErrRequestTimeout {
			return wire.PlainText(version, 408, "request timeout\n", nil)
		}
		return wire.PlainText(version, 500, "internal server error\n", nil)
	}
	resp, ok := result.(wire.Response)
	if !ok {
		return wire.PlainText(version, 500, "internal server error\n", nil)
	}
	return resp
}

// status renders a JSON snapshot of every component's diagnostic
// counters: pool, processor, async-context table, switching, and
// connection-level reactor stats.
func (r *Router) status(version wire.Version) wire.Response {
	uptime := time.Since(r.startedAt)
	poolStats := r.pool.Stats()
	procStats := r.processor.Stats()
	ctxStats := r.asyncMgr.Stats()
	swStats := r.switching.Stats()

	conns := ConnStats{}
	if r.connStats != nil {
		conns = r.connStats()
	}

	payload := fmt.Sprintf(
		`{"uptime_seconds":%.3f,`+
			`"pool":{"size":%d,"active":%d,"queue_length":%d,"queue_capacity":%d,"submitted":%d,"completed":%d,"inline":%d,"rejected":%d,"utilization":%.4f},`+
			`"processor":{"strategy":%q,"active_requests":%d,"processed":%d,"sync_count":%d,"async_count":%d,"average_millis":%.3f},`+
			`"async_contexts":{"live":%d,"created":%d,"expired":%d,"removed":%d},`+
			`"switching":{"active_switches":%d,"total_switch_outs":%d,"total_switch_ins":%d,"rejected":%d,"timeouts":%d},`+
			`"connections":{"accepted":%d,"closed":%d,"active":%d}}`,
		uptime.Seconds(),
		poolStats.Size, poolStats.Active, poolStats.QueueLength, poolStats.QueueCapacity,
		poolStats.Submitted, poolStats.Completed, poolStats.InlineExecutions, poolStats.QueueRejected, poolStats.Utilization,
		procStats.Strategy.String(), procStats.ActiveRequests, procStats.Processed, procStats.SyncCount, procStats.AsyncCount, procStats.AverageMillis,
		ctxStats.Live, ctxStats.Created, ctxStats.Expired, ctxStats.Removed,
		swStats.ActiveSwitches, swStats.TotalSwitchOuts, swStats.TotalSwitchIns, swStats.RejectedSwitches, swStats.Timeouts,
		conns.Accepted, conns.Closed, conns.ActiveConns,
	)
	return wire.JSON(version, 200, payload, nil)
}

// metricsSnapshot renders the same counters in a flat key/value form
// for quick scraping during manual testing; internal/metrics.Sink is
// the Prometheus-facing exposition used by cmd/server's own /metrics
// HTTP listener (the ambient observability surface), kept separate
// from this route so the reactor's own request path never depends on
// the Prometheus registry being reachable.
func (r *Router) metricsSnapshot(version wire.Version) wire.Response {
	poolStats := r.pool.Stats()
	procStats := r.processor.Stats()
	body := fmt.Sprintf(
		"pool_size %d\npool_active %d\npool_queue_length %d\nprocessor_processed %d\nprocessor_active_requests %d\n",
		poolStats.Size, poolStats.Active, poolStats.QueueLength, procStats.Processed, procStats.ActiveRequests,
	)
	return wire.PlainText(version, 200, body, nil)
}
