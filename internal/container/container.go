// Package container implements the handler container: pattern-based
// routing to registered handlers, bounded instance pooling per
// handler, and the sync/async handler dispatch contract. Routing is
// data-driven pattern registration with precedence (exact, prefix,
// suffix, wildcard) rather than a fixed switch on path prefix, with
// an instance-pooling layer underneath it.
package container

import (
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/gutierrez-soarch/hybridserver/internal/wire"
)

// Kind distinguishes the two handler calling conventions.
type Kind int

const (
	KindSync Kind = iota
	KindAsync
)

func (k Kind) String() string {
	if k == KindAsync {
		return "ASYNC"
	}
	return "SYNC"
}

// Handler is the lifecycle contract shared by both variants.
type Handler interface {
	Kind() Kind
	Init(globalContext any)
	Destroy()
}

// SyncHandler services a request and returns the response value
// directly: the SYNC dispatch variant.
type SyncHandler interface {
	Handler
	Service(request any, b *ResponseBuilder) (wire.Response, error)
}

// AsyncHandler services a request by populating the builder and
// signalling completion through a future<void>; success implies the
// builder was populated and the container materializes the response
// from it.
type AsyncHandler interface {
	Handler
	ServiceAsync(request any, b *ResponseBuilder) *AsyncResult
}

// AsyncResult is the future<void> handed back by ServiceAsync: Done
// closes on completion, Err reports failure. It is a narrower type
// than task.Future[T] on purpose — async handlers have nothing useful
// to resolve with except "done" or "failed".
type AsyncResult struct {
	done chan struct{}
	err  error
}

// NewAsyncResult allocates an unresolved AsyncResult.
func NewAsyncResult() *AsyncResult {
	return &AsyncResult{done: make(chan struct{})}
}

// Complete resolves the result successfully. Only the first call to
// Complete or Fail has any effect.
func (r *AsyncResult) Complete() {
	select {
	case <-r.done:
	default:
		close(r.done)
	}
}

// Fail resolves the result with an error. Only the first call to
// Complete or Fail has any effect.
func (r *AsyncResult) Fail(err error) {
	select {
	case <-r.done:
	default:
		r.err = err
		close(r.done)
	}
}

// Wait blocks until the result settles.
func (r *AsyncResult) Wait() error {
	<-r.done
	return r.err
}

// Factory constructs a fresh handler instance, already registered
// once as the prototype and again for every prewarmed spare.
type Factory func() Handler

const (
	defaultPrewarmCount = 3
	defaultMaxSpareCap  = 10
)

// registration is the per-name bookkeeping: a prototype (shared
// fallback when the spare pool is empty) plus a bounded FIFO of spare
// instances, implemented as a buffered channel so borrow/return never
// takes a lock on the hot path.
type registration struct {
	name      string
	factory   Factory
	prototype Handler
	spares    chan Handler
}

func newRegistration(name string, factory Factory, globalContext any, prewarm, cap int) *registration {
	proto := factory()
	proto.Init(globalContext)
	r := &registration{name: name, factory: factory, prototype: proto, spares: make(chan Handler, cap)}
	for i := 0; i < prewarm; i++ {
		h := factory()
		h.Init(globalContext)
		r.spares <- h
	}
	return r
}

// borrow returns a spare instance if one is queued, otherwise falls
// back to the shared prototype. pooled reports which, so release
// knows whether to return it to the FIFO.
func (r *registration) borrow() (h Handler, pooled bool) {
	select {
	case h := <-r.spares:
		return h, true
	default:
		return r.prototype, false
	}
}

// release returns a borrowed spare to the FIFO if there is room,
// otherwise destroys it. The shared prototype is never enqueued.
func (r *registration) release(h Handler, pooled bool) {
	if !pooled {
		return
	}
	select {
	case r.spares <- h:
	default:
		h.Destroy()
	}
}

type patternKind int

const (
	patternExact patternKind = iota
	patternPrefix
	patternSuffix
	patternWildcard
)

type pattern struct {
	kind        patternKind
	value       string
	handlerName string
}

// compilePattern classifies a registration pattern: "*" is wildcard,
// "prefix*" is a prefix match, "*.ext" is a suffix match, anything
// else is an exact match.
func compilePattern(raw, handlerName string) pattern {
	switch {
	case raw == "*":
		return pattern{kind: patternWildcard, handlerName: handlerName}
	case strings.HasPrefix(raw, "*.") && len(raw) > 2:
		return pattern{kind: patternSuffix, value: raw[1:], handlerName: handlerName}
	case strings.HasSuffix(raw, "*") && len(raw) > 1:
		return pattern{kind: patternPrefix, value: strings.TrimSuffix(raw, "*"), handlerName: handlerName}
	default:
		return pattern{kind: patternExact, value: raw, handlerName: handlerName}
	}
}

// Options configures a Container.
type Options struct {
	PrewarmCount int // default 3
	MaxSpareCap  int // default 10
	Logger       *logrus.Logger
}

func (o *Options) setDefaults() {
	if o.PrewarmCount <= 0 {
		o.PrewarmCount = defaultPrewarmCount
	}
	if o.MaxSpareCap <= 0 {
		o.MaxSpareCap = defaultMaxSpareCap
	}
	if o.PrewarmCount > o.MaxSpareCap {
		o.PrewarmCount = o.MaxSpareCap
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
}

// Container is HandlerContainer: pattern-routed, instance-pooled
// dispatch to registered handlers.
type Container struct {
	opts          Options
	globalContext any

	mu            sync.RWMutex
	registrations map[string]*registration
	patterns      []pattern
}

// New constructs an empty Container. globalContext is handed to every
// handler's Init, mirroring the servlet container's shared context.
func New(globalContext any, opts Options) *Container {
	opts.setDefaults()
	return &Container{
		opts:          opts,
		globalContext: globalContext,
		registrations: make(map[string]*registration),
	}
}

// Register adds a handler under name, routable by any of patterns.
// Registering the same name twice replaces the prior registration
// (its old spares are simply dropped; in-flight borrows finish
// against the instances they already hold).
func (c *Container) Register(name string, factory Factory, patterns ...string) {
	reg := newRegistration(name, factory, c.globalContext, c.opts.PrewarmCount, c.opts.MaxSpareCap)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.registrations[name] = reg
	for _, p := range patterns {
		c.patterns = append(c.patterns, compilePattern(p, name))
	}
}

// match resolves path to a registered handler name under
// exact > prefix > suffix > wildcard precedence.
func (c *Container) match(path string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var prefixName, suffixName, wildcardName string
	havePrefix, haveSuffix, haveWildcard := false, false, false

	for _, p := range c.patterns {
		switch p.kind {
		case patternExact:
			if p.value == path {
				return p.handlerName, true
			}
		case patternPrefix:
			if !havePrefix && strings.HasPrefix(path, p.value) {
				prefixName, havePrefix = p.handlerName, true
			}
		case patternSuffix:
			if !haveSuffix && strings.HasSuffix(path, p.value) {
				suffixName, haveSuffix = p.handlerName, true
			}
		case patternWildcard:
			if !haveWildcard {
				wildcardName, haveWildcard = p.handlerName, true
			}
		}
	}
	if havePrefix {
		return prefixName, true
	}
	if haveSuffix {
		return suffixName, true
	}
	if haveWildcard {
		return wildcardName, true
	}
	return "", false
}

func (c *Container) registration(name string) *registration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registrations[name]
}

// Dispatch resolves path to a registered handler, borrows an instance,
// invokes it, and always returns a wire.Response: unmatched paths get
// 404, handler panics or errors get 500. The borrowed instance is
// returned to the pool in both cases.
func (c *Container) Dispatch(method, path string, request any, version wire.Version) wire.Response {
	name, ok := c.match(path)
	if !ok {
		return wire.PlainText(version, 404, "not found", nil)
	}

	reg := c.registration(name)
	if reg == nil {
		return wire.PlainText(version, 404, "not found", nil)
	}

	h, pooled := reg.borrow()
	defer reg.release(h, pooled)

	resp, err := c.invoke(h, request, version)
	if err != nil {
		c.opts.Logger.WithField("handler", name).WithError(err).Error("container: handler failed")
		return wire.PlainText(version, 500, "internal server error", nil)
	}
	return resp
}

func (c *Container) invoke(h Handler, request any, version wire.Version) (resp wire.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("container: handler panic: %v", r)
		}
	}()

	builder := newResponseBuilder()
	switch h.Kind() {
	case KindSync:
		sh, ok := h.(SyncHandler)
		if !ok {
			return wire.Response{}, fmt.Errorf("container: handler declares KindSync but does not implement SyncHandler")
		}
		return sh.Service(request, builder)
	case KindAsync:
		ah, ok := h.(AsyncHandler)
		if !ok {
			return wire.Response{}, fmt.Errorf("container: handler declares KindAsync but does not implement AsyncHandler")
		}
		result := ah.ServiceAsync(request, builder)
		if waitErr := result.Wait(); waitErr != nil {
			return wire.Response{}, waitErr
		}
		return builder.Build(version), nil
	default:
		return wire.Response{}, fmt.Errorf("container: unknown handler kind %v", h.Kind())
	}
}
