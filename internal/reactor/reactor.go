//go:build linux

// Package reactor implements the I/O Reactor (spec.md §4.5): a single
// goroutine demultiplexing many connections over one epoll instance,
// never blocking on user code, external I/O, or the worker pool. It is
// grounded on the teacher's internal/server.ListenAndServe/HandleConn
// for the accept/dispatch shape, re-architected per the REDESIGN FLAG
// from goroutine-per-connection to a single epoll loop. The epoll
// wrapping itself (EpollCreate1/EpollCtl/EpollWait) follows
// joeycumines-go-utilpkg/eventloop's FastPoller, simplified to a
// map-indexed connection table rather than a 65536-entry direct-index
// array with cache-line padding — a micro-optimization out of scope
// here, and this tree already builds map-indexed tables elsewhere
// (internal/asynccontext.Manager, internal/container.Container).
package reactor

import (
	"bytes"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/gutierrez-soarch/hybridserver/internal/channel"
	"github.com/gutierrez-soarch/hybridserver/internal/wire"
)

// Dispatcher is satisfied by *router.Router (which itself wraps
// *container.Container). It is declared here rather than imported so
// the reactor doesn't need to know about handler registration,
// instance pooling, or diagnostic routes — only how to turn a parsed
// request into a response. Dispatch is synchronous from the caller's
// point of view, but the reactor never calls it inline: see dispatch
// below and spec.md §4.5's "submit a task to the worker pool" rule.
type Dispatcher interface {
	Dispatch(method, path string, request any, version wire.Version) wire.Response
}

const readBufferSize = 8 * 1024

// completion is a finished dispatch handed back from whatever
// goroutine ran it, to be applied to the originating connection the
// next time the reactor loop is free to touch its epoll state.
type completion struct {
	cs         *conn
	resp       wire.Response
	forceClose bool
}

// Options configures a Reactor.
type Options struct {
	ListenAddr    string
	PollTimeout   time.Duration // default 1s, per spec.md §5's bounded-select rule
	ShutdownGrace time.Duration // default 30s
	Logger        *logrus.Logger
}

func (o *Options) setDefaults() {
	if o.PollTimeout <= 0 {
		o.PollTimeout = time.Second
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
}

type interest int

const (
	interestReadable interest = iota
	interestWritable
	interestNone // dispatch in flight: not waiting on the socket either way
)

// conn is the reactor's per-connection bookkeeping: the framing
// context from internal/channel plus whatever response bytes are
// queued for the write side of the cycle.
type conn struct {
	fd         int
	ctx        *channel.Context
	current    interest
	outbound   []byte
	outOffset  int
	forceClose bool
	closed     bool
}

// Reactor is the single-threaded I/O demultiplexer.
type Reactor struct {
	opts       Options
	dispatcher Dispatcher

	listener   net.Listener
	listenerFD int
	epfd       int
	wakeR      int
	wakeW      int

	mu       sync.Mutex
	conns    map[int]*conn
	nextConn uint64

	acceptedConns uint64
	closedConns   uint64

	completions chan completion

	stopping int32
	stopCh   chan struct{}
	doneCh   chan struct{}

	ready    chan struct{}
	boundAddr atomic.Value // string
}

// New constructs a Reactor that dispatches completed requests through
// dispatcher. Dispatch always runs off the reactor goroutine (see
// dispatch below); the reactor itself never blocks on dispatcher, user
// handler code, or the worker pool underneath it.
func New(dispatcher Dispatcher, opts Options) *Reactor {
	opts.setDefaults()
	return &Reactor{
		opts:        opts,
		dispatcher:  dispatcher,
		conns:       make(map[int]*conn),
		completions: make(chan completion, 256),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		ready:       make(chan struct{}),
	}
}

// Addr blocks until the reactor has bound its listening socket and
// returns its address, in "host:port" form. Intended for tests and
// startup logging when ListenAddr uses a ":0" ephemeral port.
func (r *Reactor) Addr() string {
	<-r.ready
	addr, _ := r.boundAddr.Load().(string)
	return addr
}

// ListenAndServe binds opts.ListenAddr, starts the epoll loop, and
// blocks until Shutdown is called or an unrecoverable error occurs.
func (r *Reactor) ListenAndServe() error {
	ln, err := net.Listen("tcp", r.opts.ListenAddr)
	if err != nil {
		return err
	}
	r.listener = ln
	r.boundAddr.Store(ln.Addr().String())
	close(r.ready)

	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return errors.New("reactor: listener is not a *net.TCPListener")
	}
	lnFD, err := rawFD(tcpLn)
	if err != nil {
		ln.Close()
		return err
	}
	r.listenerFD = lnFD

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		ln.Close()
		return err
	}
	r.epfd = epfd

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, lnFD, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(lnFD)}); err != nil {
		ln.Close()
		unix.Close(epfd)
		return err
	}

	// Self-pipe: a dispatch goroutine finishing on some worker writes
	// one byte here so epoll_wait returns immediately instead of
	// sitting out the rest of its PollTimeout, per spec.md §4.5's
	// "wakes the demultiplexer" requirement for the write-ready cycle.
	wakeR, wakeW, err := pipe2NonBlock()
	if err != nil {
		ln.Close()
		unix.Close(epfd)
		return err
	}
	r.wakeR, r.wakeW = wakeR, wakeW
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeR, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeR)}); err != nil {
		ln.Close()
		unix.Close(epfd)
		unix.Close(wakeR)
		unix.Close(wakeW)
		return err
	}

	defer close(r.doneCh)
	r.loop()
	return nil
}

// pipe2NonBlock opens a self-pipe with both ends non-blocking and
// close-on-exec, for use as an epoll wake source.
func pipe2NonBlock() (r, w int, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return -1, -1, err
	}
	return fds[0], fds[1], nil
}

// loop is the reactor's single blocking point: epoll_wait bounded by
// PollTimeout, per spec.md §5 ("only blocks in its own select bounded
// by a 1-second timeout").
func (r *Reactor) loop() {
	events := make([]unix.EpollEvent, 256)
	timeoutMs := int(r.opts.PollTimeout / time.Millisecond)

	for {
		r.mu.Lock()
		remaining := len(r.conns)
		r.mu.Unlock()
		if atomic.LoadInt32(&r.stopping) != 0 && remaining == 0 {
			return
		}

		n, err := unix.EpollWait(r.epfd, events, timeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			r.opts.Logger.WithError(err).Error("reactor: epoll_wait failed")
			return
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			switch fd {
			case r.listenerFD:
				if atomic.LoadInt32(&r.stopping) == 0 {
					r.acceptAll()
				}
			case r.wakeR:
				r.drainWake()
			default:
				r.handleEvent(fd, events[i].Events)
			}
		}

		r.drainCompletions()

		select {
		case <-r.stopCh:
			r.beginDrain()
		default:
		}
	}
}

// drainWake empties the self-pipe. The byte values carry no meaning;
// only the "something completed" edge matters.
func (r *Reactor) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(r.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// drainCompletions applies every finished dispatch queued since the
// last tick to its connection's write side. This is the only place
// outside handleEvent that touches epoll interest, so it stays safely
// on the single reactor goroutine.
func (r *Reactor) drainCompletions() {
	for {
		select {
		case c := <-r.completions:
			r.queueResponse(c.cs, c.resp, c.forceClose)
		default:
			return
		}
	}
}

// wakeSelfPipe nudges the reactor out of a blocking epoll_wait. Best
// effort: if the pipe's buffer is momentarily full the wake is
// redundant anyway, since drainCompletions will already run on the
// wakeup already pending.
func (r *Reactor) wakeSelfPipe() {
	var b [1]byte
	unix.Write(r.wakeW, b[:])
}

// acceptAll drains every pending connection off the listener's accept
// queue without blocking. It calls unix.Accept4 directly rather than
// net.Listener.Accept: once the backlog is empty, Accept would park
// the calling goroutine on Go's own internal netpoller waiting for the
// next connection — exactly the kind of external-I/O block the
// reactor must never take, since this call happens inline in the
// epoll loop, not on a worker.
func (r *Reactor) acceptAll() {
	for {
		fd, _, err := unix.Accept4(r.listenerFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			return // EAGAIN (backlog drained) or a fatal accept error either way
		}
		r.registerConn(fd)
	}
}

func (r *Reactor) registerConn(fd int) {
	connID := atomic.AddUint64(&r.nextConn, 1)
	cs := &conn{
		fd:      fd,
		ctx:     channel.New(connID, fd),
		current: interestReadable,
	}

	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}); err != nil {
		unix.Close(fd)
		return
	}

	r.mu.Lock()
	r.conns[fd] = cs
	r.mu.Unlock()
	atomic.AddUint64(&r.acceptedConns, 1)
}

func (r *Reactor) handleEvent(fd int, events uint32) {
	r.mu.Lock()
	cs, ok := r.conns[fd]
	r.mu.Unlock()
	if !ok {
		return
	}

	if events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		r.closeConn(cs)
		return
	}
	if events&unix.EPOLLIN != 0 {
		r.handleReadable(cs)
		return
	}
	if events&unix.EPOLLOUT != 0 {
		r.handleWritable(cs)
	}
}

func (r *Reactor) handleReadable(cs *conn) {
	buf := make([]byte, readBufferSize)
	n, err := unix.Read(cs.fd, buf)
	if n == 0 && err == nil {
		r.closeConn(cs)
		return
	}
	if err != nil {
		if err == unix.EAGAIN {
			return
		}
		r.closeConn(cs)
		return
	}

	complete, ferr := cs.ctx.Feed(buf[:n])
	if ferr != nil {
		status := 400
		var fe *channel.FramingError
		if errors.As(ferr, &fe) {
			status = fe.Status
		}
		r.queueResponse(cs, wire.PlainText(wire.HTTP11, status, "bad request", nil), true)
		return
	}
	if !complete {
		return
	}

	path, query := wire.SplitTarget(cs.ctx.RequestURI())
	req := &wire.Request{
		Method:  cs.ctx.Method(),
		Path:    path,
		Query:   wire.ParseQuery(query),
		Version: cs.ctx.HTTPVersion(),
		Headers: cs.ctx.Headers(),
		// Body is copied out: the underlying buffer is reused once
		// Reset runs after the response for this cycle is written,
		// which may race with the async dispatch below otherwise.
		Body: append([]byte(nil), cs.ctx.Body()...),
	}
	forceClose := !cs.ctx.KeepAlive()

	// Dispatch never runs inline on this goroutine: per spec.md §4.5
	// the reactor must never block on user code or the worker pool.
	// Handing off via a plain goroutine (rather than calling
	// r.dispatcher.Dispatch directly here) means that even if the
	// dispatcher's own pool submission saturates and runs inline
	// (spec.md §4.1's back-pressure policy), that inline execution
	// lands on this goroutine, not on the reactor's.
	r.switchInterest(cs, interestNone)
	go r.dispatch(cs, req, forceClose)
}

func (r *Reactor) dispatch(cs *conn, req *wire.Request, forceClose bool) {
	resp := r.dispatcher.Dispatch(string(req.Method), req.Path, req, req.Version)
	select {
	case r.completions <- completion{cs: cs, resp: resp, forceClose: forceClose}:
	case <-r.doneCh:
		return
	}
	r.wakeSelfPipe()
}

func (r *Reactor) queueResponse(cs *conn, resp wire.Response, forceClose bool) {
	if cs.closed {
		return // connection closed (e.g. transport error) before dispatch finished
	}
	var buf bytes.Buffer
	if err := wire.Serialize(&buf, resp); err != nil {
		r.closeConn(cs)
		return
	}
	cs.outbound = buf.Bytes()
	cs.outOffset = 0
	cs.forceClose = forceClose
	r.switchInterest(cs, interestWritable)
	r.handleWritable(cs)
}

func (r *Reactor) handleWritable(cs *conn) {
	for cs.outOffset < len(cs.outbound) {
		n, err := unix.Write(cs.fd, cs.outbound[cs.outOffset:])
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			r.closeConn(cs)
			return
		}
		cs.outOffset += n
	}

	if cs.forceClose {
		r.closeConn(cs)
		return
	}
	cs.outbound = nil
	cs.ctx.Reset()
	r.switchInterest(cs, interestReadable)
}

func (r *Reactor) switchInterest(cs *conn, want interest) {
	if cs.current == want {
		return
	}
	var events uint32
	switch want {
	case interestReadable:
		events = unix.EPOLLIN
	case interestWritable:
		events = unix.EPOLLOUT
	case interestNone:
		events = 0
	}
	cs.current = want
	unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, cs.fd, &unix.EpollEvent{Events: events, Fd: int32(cs.fd)})
}

func (r *Reactor) closeConn(cs *conn) {
	if cs.closed {
		return
	}
	cs.closed = true
	unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, cs.fd, nil)
	unix.Close(cs.fd)
	r.mu.Lock()
	delete(r.conns, cs.fd)
	r.mu.Unlock()
	atomic.AddUint64(&r.closedConns, 1)
}

// beginDrain stops accepting new connections; existing connections
// finish their in-flight request/response cycle on subsequent loop
// iterations. loop() returns once r.conns empties or the grace period
// passed to Shutdown elapses and force-closes whatever remains.
func (r *Reactor) beginDrain() {
	if r.listener != nil {
		r.listener.Close()
	}
}

// Shutdown stops accepting new connections and waits up to
// ShutdownGrace for in-flight connections to drain before force-
// closing stragglers, per spec.md §5's shutdown sequencing (this is
// the reactor's slice of it; cmd/server calls it before shutting down
// the worker pool and the async-context manager).
func (r *Reactor) Shutdown() {
	if !atomic.CompareAndSwapInt32(&r.stopping, 0, 1) {
		return
	}
	close(r.stopCh)

	select {
	case <-r.doneCh:
		return
	case <-time.After(r.opts.ShutdownGrace):
	}

	r.mu.Lock()
	stragglers := make([]*conn, 0, len(r.conns))
	for _, cs := range r.conns {
		stragglers = append(stragglers, cs)
	}
	r.mu.Unlock()
	for _, cs := range stragglers {
		r.closeConn(cs)
	}
	if r.wakeR != 0 {
		unix.Close(r.wakeR)
		unix.Close(r.wakeW)
	}
	if r.epfd != 0 {
		unix.Close(r.epfd)
	}
}

// Stats is a diagnostic snapshot of reactor-level connection counters.
type Stats struct {
	Accepted    uint64
	Closed      uint64
	ActiveConns int
}

func (r *Reactor) Stats() Stats {
	r.mu.Lock()
	active := len(r.conns)
	r.mu.Unlock()
	return Stats{
		Accepted:    atomic.LoadUint64(&r.acceptedConns),
		Closed:      atomic.LoadUint64(&r.closedConns),
		ActiveConns: active,
	}
}

// rawFD extracts the underlying file descriptor from a TCP connection
// via syscall.RawConn.Control, so the reactor can hand it to epoll
// directly instead of going through net.Conn's blocking Read/Write.
func rawFD(conn syscall.Conn) (int, error) {
	rc, err := conn.SyscallConn()
	if err != nil {
		return -1, err
	}
	var fd int
	ctrlErr := rc.Control(func(fdPtr uintptr) {
		fd = int(fdPtr)
	})
	if ctrlErr != nil {
		return -1, ctrlErr
	}
	return fd, nil
}
