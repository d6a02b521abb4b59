// Package metrics exposes the server's component counters (pool,
// processor, async-context table, switching handler) to Prometheus:
// a Sink-private registry, a handful of Gauges updated from a
// periodic snapshot, and promhttp.Handler mounted on a plain
// net/http server, deliberately separate from the hand-rolled wire
// protocol the reactor itself speaks.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/gutierrez-soarch/hybridserver/internal/asynccontext"
	"github.com/gutierrez-soarch/hybridserver/internal/pool"
	"github.com/gutierrez-soarch/hybridserver/internal/processor"
	"github.com/gutierrez-soarch/hybridserver/internal/switching"
)

// Collectors is the full set of gauges this sink keeps refreshed from
// the live components. It uses its own prometheus.Registry rather
// than the global DefaultRegisterer so tests can construct more than
// one Sink without a "duplicate metrics collector registration"
// panic.
type Collectors struct {
	registry *prometheus.Registry

	poolSize        prometheus.Gauge
	poolActive      prometheus.Gauge
	poolQueueLength prometheus.Gauge
	poolInline      prometheus.Gauge
	poolRejected    prometheus.Gauge
	poolUtilization prometheus.Gauge

	processorActive prometheus.Gauge
	processorAvgMs  prometheus.Gauge
	processorSync   prometheus.Gauge
	processorAsync  prometheus.Gauge

	asyncContextsLive    prometheus.Gauge
	asyncContextsExpired prometheus.Gauge

	switchingActive  prometheus.Gauge
	switchingTimeout prometheus.Gauge
}

func newCollectors(reg *prometheus.Registry) *Collectors {
	factory := promauto.With(reg)
	return &Collectors{
		registry: reg,

		poolSize:        factory.NewGauge(prometheus.GaugeOpts{Name: "hybridserver_pool_size", Help: "Current worker pool size."}),
		poolActive:      factory.NewGauge(prometheus.GaugeOpts{Name: "hybridserver_pool_active", Help: "Workers currently executing a task."}),
		poolQueueLength: factory.NewGauge(prometheus.GaugeOpts{Name: "hybridserver_pool_queue_length", Help: "Tasks waiting in the pool's priority queue."}),
		poolInline:      factory.NewGauge(prometheus.GaugeOpts{Name: "hybridserver_pool_inline_total", Help: "Tasks run inline on the submitting goroutine due to queue saturation."}),
		poolRejected:    factory.NewGauge(prometheus.GaugeOpts{Name: "hybridserver_pool_rejected_total", Help: "Submissions rejected outright (pool shutting down)."}),
		poolUtilization: factory.NewGauge(prometheus.GaugeOpts{Name: "hybridserver_pool_utilization", Help: "Active workers divided by pool size."}),

		processorActive: factory.NewGauge(prometheus.GaugeOpts{Name: "hybridserver_processor_active_requests", Help: "Requests currently in flight through the hybrid processor."}),
		processorAvgMs:  factory.NewGauge(prometheus.GaugeOpts{Name: "hybridserver_processor_average_millis", Help: "Exponential moving average of request processing time in milliseconds."}),
		processorSync:   factory.NewGauge(prometheus.GaugeOpts{Name: "hybridserver_processor_sync_total", Help: "Requests dispatched synchronously."}),
		processorAsync:  factory.NewGauge(prometheus.GaugeOpts{Name: "hybridserver_processor_async_total", Help: "Requests dispatched asynchronously."}),

		asyncContextsLive:    factory.NewGauge(prometheus.GaugeOpts{Name: "hybridserver_async_contexts_live", Help: "Suspended request contexts currently tracked."}),
		asyncContextsExpired: factory.NewGauge(prometheus.GaugeOpts{Name: "hybridserver_async_contexts_expired_total", Help: "Contexts reaped after TTL expiry."}),

		switchingActive:  factory.NewGauge(prometheus.GaugeOpts{Name: "hybridserver_switching_active", Help: "Switch-out/switch-in pairs currently in flight."}),
		switchingTimeout: factory.NewGauge(prometheus.GaugeOpts{Name: "hybridserver_switching_timeouts_total", Help: "Switches that exceeded their caller-supplied timeout."}),
	}
}

// Sink periodically snapshots the live components and republishes
// their counters as Prometheus gauges.
type Sink struct {
	collectors *Collectors
	pool       *pool.Pool
	processor  *processor.Processor
	asyncMgr   *asynccontext.Manager
	switching  *switching.Handler

	interval time.Duration
	logger   *logrus.Logger

	stop chan struct{}
	done chan struct{}
}

// Options configures a Sink.
type Options struct {
	Interval time.Duration // default 5s
	Logger   *logrus.Logger
}

func (o *Options) setDefaults() {
	if o.Interval <= 0 {
		o.Interval = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
}

// NewSink constructs a Sink with its own Prometheus registry and
// starts its refresh loop.
func NewSink(p *pool.Pool, proc *processor.Processor, asyncMgr *asynccontext.Manager, sw *switching.Handler, opts Options) *Sink {
	opts.setDefaults()
	reg := prometheus.NewRegistry()
	s := &Sink{
		collectors: newCollectors(reg),
		pool:       p,
		processor:  proc,
		asyncMgr:   asyncMgr,
		switching:  sw,
		interval:   opts.Interval,
		logger:     opts.Logger,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	s.refresh()
	go s.loop()
	return s
}

func (s *Sink) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.refresh()
		case <-s.stop:
			return
		}
	}
}

func (s *Sink) refresh() {
	poolStats := s.pool.Stats()
	s.collectors.poolSize.Set(float64(poolStats.Size))
	s.collectors.poolActive.Set(float64(poolStats.Active))
	s.collectors.poolQueueLength.Set(float64(poolStats.QueueLength))
	s.collectors.poolInline.Set(float64(poolStats.InlineExecutions))
	s.collectors.poolRejected.Set(float64(poolStats.QueueRejected))
	s.collectors.poolUtilization.Set(poolStats.Utilization)

	procStats := s.processor.Stats()
	s.collectors.processorActive.Set(float64(procStats.ActiveRequests))
	s.collectors.processorAvgMs.Set(procStats.AverageMillis)
	s.collectors.processorSync.Set(float64(procStats.SyncCount))
	s.collectors.processorAsync.Set(float64(procStats.AsyncCount))

	ctxStats := s.asyncMgr.Stats()
	s.collectors.asyncContextsLive.Set(float64(ctxStats.Live))
	s.collectors.asyncContextsExpired.Set(float64(ctxStats.Expired))

	swStats := s.switching.Stats()
	s.collectors.switchingActive.Set(float64(swStats.ActiveSwitches))
	s.collectors.switchingTimeout.Set(float64(swStats.Timeouts))
}

// Handler returns the promhttp handler for this sink's private
// registry, to be mounted on whatever net/http mux cmd/server runs
// for the ambient observability listener (deliberately separate from
// the reactor's own HTTP/1.x socket, which speaks the hand-rolled
// wire protocol, not net/http).
func (s *Sink) Handler() http.Handler {
	return promhttp.HandlerFor(s.collectors.registry, promhttp.HandlerOpts{})
}

// Shutdown stops the refresh loop.
func (s *Sink) Shutdown() {
	close(s.stop)
	<-s.done
}
