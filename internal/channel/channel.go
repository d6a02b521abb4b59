// Package channel implements the per-connection read buffer, HTTP/1.x
// framing state machine, and one-shot response slot. Rather than a
// whole-line bufio.Reader that blocks until a full line arrives, it is
// a resumable byte-offset scanner that can be fed arbitrarily small
// chunks (the reactor hands it whatever a single non-blocking read
// returns) and advances as far as the accumulated bytes allow.
package channel

import (
	"bytes"
	"strconv"
	"sync"
	"time"

	"github.com/gutierrez-soarch/hybridserver/internal/wire"
)

// ParsingState is a position in the per-request framing state chart.
type ParsingState int

const (
	StateRequestLine ParsingState = iota
	StateHeaders
	StateBody
	StateComplete
)

func (s ParsingState) String() string {
	switch s {
	case StateRequestLine:
		return "REQUEST_LINE"
	case StateHeaders:
		return "HEADERS"
	case StateBody:
		return "BODY"
	case StateComplete:
		return "COMPLETE"
	default:
		return "UNKNOWN"
	}
}

// Size guards against unbounded request lines, header blocks, and
// bodies.
const (
	MaxRequestLine  = 4096
	MaxHeaderBlock  = 8192
	MaxHeaderName   = 256
	MaxHeaderValue  = 4096
	MaxBody         = 50 << 20
)

// FramingError is a malformed-request or oversize-request violation.
// It always produces 400 Bad Request and a connection close; it
// never propagates to handlers.
type FramingError struct {
	Status  int
	Message string
}

func (e *FramingError) Error() string { return e.Message }

func framingErr(msg string) *FramingError {
	return &FramingError{Status: 400, Message: msg}
}

var (
	crlf      = []byte("\r\n")
	blankLine = []byte("\r\n\r\n")
)

// Context is one accepted connection's framing state and response
// slot. Its request buffer is mutated only by the reactor goroutine
// during reads and read only by the dispatched task after COMPLETE —
// callers are expected to respect that single-writer discipline; the
// mutex here guards the bookkeeping fields against concurrent
// diagnostic reads (e.g. a /status handler), not against concurrent
// framing.
type Context struct {
	ConnectionID uint64
	Socket       any // opaque to this package; the reactor owns its meaning
	CreatedAt    time.Time

	mu              sync.Mutex
	buffer          []byte
	state           ParsingState
	method          wire.Method
	requestURI      string
	httpVersion     wire.Version
	headers         wire.Header
	contentLength   int
	bodyBytesRead   int
	keepAlive       bool
	requestLineEnd  int
	headerBlockEnd  int
	lastActivityAt  time.Time
	requestCount    int
	attributes      map[string]any

	respMu       sync.Mutex
	response     *wire.Response
	responseSet  bool
}

// New allocates a ChannelContext in its initial REQUEST_LINE state.
func New(connectionID uint64, socket any) *Context {
	now := time.Now()
	return &Context{
		ConnectionID:   connectionID,
		Socket:         socket,
		CreatedAt:      now,
		state:          StateRequestLine,
		keepAlive:      true,
		lastActivityAt: now,
		attributes:     make(map[string]any),
	}
}

// State returns the current parsing state.
func (c *Context) State() ParsingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RequestComplete reports whether parsing_state = COMPLETE.
func (c *Context) RequestComplete() bool {
	return c.State() == StateComplete
}

// Method, RequestURI, HTTPVersion, Headers, KeepAlive, RequestCount
// are valid once set by REQUEST_LINE/HEADERS completion; zero values
// before that.
func (c *Context) Method() wire.Method {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.method
}

func (c *Context) RequestURI() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requestURI
}

func (c *Context) HTTPVersion() wire.Version {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.httpVersion
}

func (c *Context) Headers() wire.Header {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.headers
}

func (c *Context) KeepAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keepAlive
}

func (c *Context) RequestCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requestCount
}

// Body returns the bytes read so far after the header block, per the
// current ContentLength — valid once state has reached BODY or
// COMPLETE.
func (c *Context) Body() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.headerBlockEnd == 0 || c.headerBlockEnd >= len(c.buffer) {
		return nil
	}
	end := c.headerBlockEnd + c.contentLength
	if end > len(c.buffer) {
		end = len(c.buffer)
	}
	return c.buffer[c.headerBlockEnd:end]
}

// Feed appends newly read bytes and advances the framing state
// machine as far as the data allows, looping across multiple
// transitions within one call — this is what makes a request framed
// identically whether delivered in one chunk or a stream of 1-byte
// reads. Returns true once state reaches COMPLETE; a FramingError
// means the caller must respond 400 and close the connection.
func (c *Context) Feed(data []byte) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateComplete {
		return true, nil
	}
	if len(data) > 0 {
		c.buffer = append(c.buffer, data...)
		c.lastActivityAt = time.Now()
	}

	for {
		switch c.state {
		case StateRequestLine:
			advanced, err := c.tryParseRequestLine()
			if err != nil {
				return false, err
			}
			if !advanced {
				return false, nil
			}
		case StateHeaders:
			advanced, err := c.tryParseHeaders()
			if err != nil {
				return false, err
			}
			if !advanced {
				return false, nil
			}
		case StateBody:
			advanced, err := c.tryConsumeBody()
			if err != nil {
				return false, err
			}
			if !advanced {
				return false, nil
			}
		case StateComplete:
			return true, nil
		}
	}
}

func (c *Context) tryParseRequestLine() (bool, error) {
	idx := bytes.Index(c.buffer, crlf)
	if idx < 0 {
		if len(c.buffer) > MaxRequestLine {
			return false, framingErr("request line exceeds size limit")
		}
		return false, nil
	}
	if idx > MaxRequestLine {
		return false, framingErr("request line exceeds size limit")
	}
	method, uri, version, err := wire.ParseRequestLine(c.buffer[:idx])
	if err != nil {
		return false, framingErr("malformed request line")
	}
	c.method = method
	c.requestURI = uri
	c.httpVersion = version
	c.requestLineEnd = idx + len(crlf)
	c.state = StateHeaders
	return true, nil
}

func (c *Context) tryParseHeaders() (bool, error) {
	rest := c.buffer[c.requestLineEnd:]
	idx := bytes.Index(rest, blankLine)
	sepLen := len(blankLine)
	if bytes.HasPrefix(rest, crlf) {
		// No header lines: the request line's CRLF is followed directly
		// by the terminating empty line.
		idx, sepLen = 0, len(crlf)
	}
	if idx < 0 {
		if len(rest) > MaxHeaderBlock {
			return false, framingErr("header block exceeds size limit")
		}
		return false, nil
	}
	if idx > MaxHeaderBlock {
		return false, framingErr("header block exceeds size limit")
	}

	headerBlock := rest[:idx]
	headers := wire.Header{}
	if len(headerBlock) > 0 {
		for _, line := range bytes.Split(headerBlock, crlf) {
			if len(line) == 0 {
				continue
			}
			name, value, err := wire.ParseHeaderLine(line)
			if err != nil {
				return false, framingErr("malformed header line")
			}
			if len(name) > MaxHeaderName || len(value) > MaxHeaderValue {
				return false, framingErr("header name or value exceeds size limit")
			}
			headers[name] = value
		}
	}
	c.headers = headers
	c.headerBlockEnd = c.requestLineEnd + idx + sepLen

	contentLength := 0
	if v := headers.Get("Content-Length"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			contentLength = n
		}
	}
	if contentLength > MaxBody {
		return false, framingErr("request body exceeds size limit")
	}
	c.contentLength = contentLength
	c.keepAlive = wire.ResolveKeepAlive(headers, c.httpVersion)

	if contentLength > 0 {
		c.state = StateBody
	} else {
		c.state = StateComplete
	}
	return true, nil
}

func (c *Context) tryConsumeBody() (bool, error) {
	have := len(c.buffer) - c.headerBlockEnd
	if have < 0 {
		have = 0
	}
	c.bodyBytesRead = have
	if have >= c.contentLength {
		c.state = StateComplete
		return true, nil
	}
	return false, nil
}

// SetResponse writes the one-shot response slot; subsequent calls are
// no-ops.
func (c *Context) SetResponse(r wire.Response) bool {
	c.respMu.Lock()
	defer c.respMu.Unlock()
	if c.responseSet {
		return false
	}
	c.response = &r
	c.responseSet = true
	return true
}

// Response returns the response slot's value, if set.
func (c *Context) Response() (wire.Response, bool) {
	c.respMu.Lock()
	defer c.respMu.Unlock()
	if !c.responseSet {
		return wire.Response{}, false
	}
	return *c.response, true
}

// SetAttribute stores a key/value pair, bumping LastActivityAt.
func (c *Context) SetAttribute(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attributes[key] = value
	c.lastActivityAt = time.Now()
}

// GetAttribute reads a previously stored key.
func (c *Context) GetAttribute(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.attributes[key]
	return v, ok
}

// LastActivityAt returns the timestamp of the most recent buffer
// append or attribute mutation.
func (c *Context) LastActivityAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivityAt
}

// Reset clears per-request state for keep-alive reuse, preserving
// ConnectionID, Socket, CreatedAt, and KeepAlive (which the next
// request's headers may still override).
func (c *Context) Reset() {
	c.mu.Lock()
	c.buffer = c.buffer[:0]
	c.state = StateRequestLine
	c.method = ""
	c.requestURI = ""
	c.httpVersion = wire.Version{}
	c.headers = nil
	c.contentLength = 0
	c.bodyBytesRead = 0
	c.requestLineEnd = 0
	c.headerBlockEnd = 0
	c.requestCount++
	c.lastActivityAt = time.Now()
	c.mu.Unlock()

	c.respMu.Lock()
	c.response = nil
	c.responseSet = false
	c.respMu.Unlock()
}
