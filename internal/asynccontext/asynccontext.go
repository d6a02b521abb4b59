// Package asynccontext implements the process-wide (but explicitly
// owned, never ambient) registry of suspended request contexts: an
// in-memory map with a ticker-driven GC loop and idempotent cleanup,
// a fixed-at-creation expiry, a CREATED/PROCESSING/WAITING/COMPLETED/
// ERROR/TIMEOUT state DAG, and a "<node>-<seq>" id format.
package asynccontext

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// State is a position in the AsyncContext lifecycle DAG:
// CREATED -> PROCESSING -> (WAITING <-> PROCESSING)* -> {COMPLETED, ERROR, TIMEOUT}.
type State string

const (
	StateCreated    State = "CREATED"
	StateProcessing State = "PROCESSING"
	StateWaiting    State = "WAITING"
	StateCompleted  State = "COMPLETED"
	StateError      State = "ERROR"
	StateTimeout    State = "TIMEOUT"
)

// Context is one suspended request's bookkeeping record.
type Context struct {
	ID            string
	Request       any       // immutable reference to the inbound request value
	CreatedAt     time.Time
	ExpiresAt     time.Time // fixed at creation, never slides
	CreatedThread string    // diagnostic label, not an actual OS thread

	mu               sync.Mutex
	state            State
	stateData        any
	lastError        error
	attributes       map[string]any
	lastAccessAt     time.Time
	processingAt     time.Time
	processingThread string
}

// State returns the current lifecycle state.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Expired reports whether now is past ExpiresAt, which is fixed at
// creation and never slides.
func (c *Context) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

func (c *Context) touch() { c.lastAccessAt = time.Now() }

// Manager is the process-wide context table. Construct exactly one
// and thread it explicitly into whichever components need it
// (switching.Handler, processor.Processor, router.Router) — per
// Design Notes §9, this package never exposes a package-level
// singleton.
type Manager struct {
	mu    sync.RWMutex
	byID  map[string]*Context
	node  string
	seq   int64

	defaultTTL time.Duration
	reapEvery  time.Duration

	created uint64
	expired uint64
	removed uint64

	stop chan struct{}
	done chan struct{}

	log *logrus.Logger
}

// Options configures a Manager.
type Options struct {
	DefaultTimeout time.Duration // default 30s
	ReapInterval   time.Duration // default 10s
	Logger         *logrus.Logger
}

// NewManager allocates a context table and starts its reaper.
func NewManager(opts Options) *Manager {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	m := &Manager{
		byID:       make(map[string]*Context),
		node:       uuid.NewString()[:8],
		defaultTTL: opts.DefaultTimeout,
		reapEvery:  opts.ReapInterval,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		log:        opts.Logger,
	}
	go m.reapLoop()
	return m
}

func (m *Manager) nextID() string {
	seq := atomic.AddInt64(&m.seq, 1)
	return fmt.Sprintf("%s-%d", m.node, seq)
}

// Create allocates a new context in CREATED state and registers it.
func (m *Manager) Create(request any) string {
	now := time.Now()
	ctx := &Context{
		ID:           m.nextID(),
		Request:      request,
		CreatedAt:    now,
		ExpiresAt:    now.Add(m.defaultTTL),
		lastAccessAt: now,
		state:        StateCreated,
		attributes:   make(map[string]any),
	}
	m.mu.Lock()
	m.byID[ctx.ID] = ctx
	m.mu.Unlock()
	atomic.AddUint64(&m.created, 1)
	return ctx.ID
}

// Get returns the context if present and not expired, bumping
// LastAccessAt; an expired entry is removed and reported as not found.
func (m *Manager) Get(id string) (*Context, bool) {
	m.mu.RLock()
	ctx, ok := m.byID[id]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	now := time.Now()
	if ctx.Expired(now) {
		m.removeExpired(id)
		return nil, false
	}
	ctx.mu.Lock()
	ctx.touch()
	ctx.mu.Unlock()
	return ctx, true
}

// Remove idempotently deletes a context and counts the removal in
// Stats.Removed. The context's lifetime is not recorded.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	_, ok := m.byID[id]
	if ok {
		delete(m.byID, id)
	}
	m.mu.Unlock()
	if ok {
		atomic.AddUint64(&m.removed, 1)
	}
}

func (m *Manager) removeExpired(id string) {
	m.mu.Lock()
	_, ok := m.byID[id]
	if ok {
		delete(m.byID, id)
	}
	m.mu.Unlock()
	if ok {
		atomic.AddUint64(&m.expired, 1)
	}
}

// UpdateState transitions state and records stateData, bumping
// LastAccessAt. Transitions are not validated against the DAG here
// (callers — the switching handler and the processor — are the ones
// that know the legal edges); this keeps the manager a dumb, fast
// table.
func (m *Manager) UpdateState(id string, state State, data any) bool {
	ctx, ok := m.lookupLive(id)
	if !ok {
		return false
	}
	ctx.mu.Lock()
	ctx.state = state
	ctx.stateData = data
	if state == StateProcessing {
		ctx.processingAt = time.Now()
	}
	ctx.touch()
	ctx.mu.Unlock()
	return true
}

// SetError records the last error for a context without necessarily
// transitioning state (callers typically pair this with UpdateState
// to StateError).
func (m *Manager) SetError(id string, err error) bool {
	ctx, ok := m.lookupLive(id)
	if !ok {
		return false
	}
	ctx.mu.Lock()
	ctx.lastError = err
	ctx.touch()
	ctx.mu.Unlock()
	return true
}

// SetAttribute sets a key/value on the context's attribute map,
// bumping LastAccessAt.
func (m *Manager) SetAttribute(id, key string, value any) bool {
	ctx, ok := m.lookupLive(id)
	if !ok {
		return false
	}
	ctx.mu.Lock()
	ctx.attributes[key] = value
	ctx.touch()
	ctx.mu.Unlock()
	return true
}

// GetAttribute reads a key from the context's attribute map, bumping
// LastAccessAt.
func (m *Manager) GetAttribute(id, key string) (any, bool) {
	ctx, ok := m.lookupLive(id)
	if !ok {
		return nil, false
	}
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	ctx.touch()
	v, ok := ctx.attributes[key]
	return v, ok
}

func (m *Manager) lookupLive(id string) (*Context, bool) {
	m.mu.RLock()
	ctx, ok := m.byID[id]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if ctx.Expired(time.Now()) {
		m.removeExpired(id)
		return nil, false
	}
	return ctx, true
}

// ByState returns a diagnostic snapshot of live, non-expired contexts
// in the given state.
func (m *Manager) ByState(state State) []*Context {
	now := time.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Context, 0)
	for _, ctx := range m.byID {
		if ctx.Expired(now) {
			continue
		}
		if ctx.State() == state {
			out = append(out, ctx)
		}
	}
	return out
}

// ClearAll force-removes every context (emergency operation).
func (m *Manager) ClearAll() {
	m.mu.Lock()
	n := len(m.byID)
	m.byID = make(map[string]*Context)
	m.mu.Unlock()
	atomic.AddUint64(&m.removed, uint64(n))
}

// Stats is a diagnostic snapshot of manager-wide counters.
type Stats struct {
	Live    int
	Created uint64
	Expired uint64
	Removed uint64
}

// Stats returns a snapshot of manager counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	live := len(m.byID)
	m.mu.RUnlock()
	return Stats{
		Live:    live,
		Created: atomic.LoadUint64(&m.created),
		Expired: atomic.LoadUint64(&m.expired),
		Removed: atomic.LoadUint64(&m.removed),
	}
}

// reapLoop runs every ReapInterval, removing expired entries. It
// never holds the table lock for longer than a single-entry duration:
// it snapshots ids under a read lock, then removes each expired one
// individually, so reaping never blocks concurrent table access.
func (m *Manager) reapLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.reapEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reapOnce()
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) reapOnce() {
	now := time.Now()
	m.mu.RLock()
	ids := make([]string, 0, len(m.byID))
	for id, ctx := range m.byID {
		if ctx.Expired(now) {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.mu.Lock()
		ctx, ok := m.byID[id]
		if ok && ctx.Expired(now) {
			delete(m.byID, id)
		} else {
			ok = false
		}
		m.mu.Unlock()
		if ok {
			atomic.AddUint64(&m.expired, 1)
			m.log.WithField("context_id", id).Debug("async context reaped after expiry")
		}
	}
}

// Shutdown stops the reaper and clears the table.
func (m *Manager) Shutdown() {
	close(m.stop)
	<-m.done
	m.ClearAll()
}
