package container

import (
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/gutierrez-soarch/hybridserver/internal/wire"
)

type syncEchoHandler struct {
	inits     int32
	destroyed int32
}

func (h *syncEchoHandler) Kind() Kind           { return KindSync }
func (h *syncEchoHandler) Init(_ any)           { atomic.AddInt32(&h.inits, 1) }
func (h *syncEchoHandler) Destroy()             { atomic.AddInt32(&h.destroyed, 1) }
func (h *syncEchoHandler) Service(req any, b *ResponseBuilder) (wire.Response, error) {
	return wire.PlainText(wire.HTTP11, 200, fmt.Sprintf("echo:%v", req), nil), nil
}

type syncErrorHandler struct{}

func (h *syncErrorHandler) Kind() Kind { return KindSync }
func (h *syncErrorHandler) Init(_ any) {}
func (h *syncErrorHandler) Destroy()   {}
func (h *syncErrorHandler) Service(req any, b *ResponseBuilder) (wire.Response, error) {
	return wire.Response{}, errors.New("boom")
}

type syncPanicHandler struct{}

func (h *syncPanicHandler) Kind() Kind { return KindSync }
func (h *syncPanicHandler) Init(_ any) {}
func (h *syncPanicHandler) Destroy()   {}
func (h *syncPanicHandler) Service(req any, b *ResponseBuilder) (wire.Response, error) {
	panic("handler exploded")
}

type asyncEchoHandler struct{}

func (h *asyncEchoHandler) Kind() Kind { return KindAsync }
func (h *asyncEchoHandler) Init(_ any) {}
func (h *asyncEchoHandler) Destroy()   {}
func (h *asyncEchoHandler) ServiceAsync(req any, b *ResponseBuilder) *AsyncResult {
	result := NewAsyncResult()
	go func() {
		b.SetStatus(201).SendJSON(fmt.Sprintf(`{"echo":%q}`, req))
		result.Complete()
	}()
	return result
}

type asyncFailHandler struct{}

func (h *asyncFailHandler) Kind() Kind { return KindAsync }
func (h *asyncFailHandler) Init(_ any) {}
func (h *asyncFailHandler) Destroy()   {}
func (h *asyncFailHandler) ServiceAsync(req any, b *ResponseBuilder) *AsyncResult {
	result := NewAsyncResult()
	go result.Fail(errors.New("async boom"))
	return result
}

func TestDispatchExactMatch(t *testing.T) {
	c := New(nil, Options{})
	c.Register("echo", func() Handler { return &syncEchoHandler{} }, "/echo")

	resp := c.Dispatch("GET", "/echo", "hi", wire.HTTP11)
	if resp.Status.Code != 200 || string(resp.Body) != "echo:hi" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestDispatchNoMatchIs404(t *testing.T) {
	c := New(nil, Options{})
	c.Register("echo", func() Handler { return &syncEchoHandler{} }, "/echo")

	resp := c.Dispatch("GET", "/nope", nil, wire.HTTP11)
	if resp.Status.Code != 404 {
		t.Fatalf("expected 404, got %d", resp.Status.Code)
	}
}

func TestDispatchHandlerErrorIs500(t *testing.T) {
	c := New(nil, Options{})
	c.Register("err", func() Handler { return &syncErrorHandler{} }, "/err")

	resp := c.Dispatch("GET", "/err", nil, wire.HTTP11)
	if resp.Status.Code != 500 {
		t.Fatalf("expected 500, got %d", resp.Status.Code)
	}
}

func TestDispatchHandlerPanicIs500AndInstanceReturned(t *testing.T) {
	c := New(nil, Options{PrewarmCount: 1, MaxSpareCap: 1})
	c.Register("panicky", func() Handler { return &syncPanicHandler{} }, "/boom")

	resp := c.Dispatch("GET", "/boom", nil, wire.HTTP11)
	if resp.Status.Code != 500 {
		t.Fatalf("expected 500, got %d", resp.Status.Code)
	}
	// Handler must still have been returned to the pool: dispatching
	// again should not panic the caller or leak a second borrow.
	resp2 := c.Dispatch("GET", "/boom", nil, wire.HTTP11)
	if resp2.Status.Code != 500 {
		t.Fatalf("expected second dispatch to also surface 500, got %d", resp2.Status.Code)
	}
}

func TestDispatchAsyncHandlerPopulatesBuilder(t *testing.T) {
	c := New(nil, Options{})
	c.Register("asyncecho", func() Handler { return &asyncEchoHandler{} }, "/async")

	resp := c.Dispatch("GET", "/async", "hi", wire.HTTP11)
	if resp.Status.Code != 201 {
		t.Fatalf("expected 201, got %d", resp.Status.Code)
	}
	if resp.Headers.Get("content-type") != "application/json" {
		t.Fatalf("expected application/json content-type, got %q", resp.Headers.Get("content-type"))
	}
	if string(resp.Body) != `{"echo":"hi"}` {
		t.Fatalf("unexpected body: %s", resp.Body)
	}
}

func TestDispatchAsyncHandlerFailureIs500(t *testing.T) {
	c := New(nil, Options{})
	c.Register("asyncfail", func() Handler { return &asyncFailHandler{} }, "/asyncfail")

	resp := c.Dispatch("GET", "/asyncfail", nil, wire.HTTP11)
	if resp.Status.Code != 500 {
		t.Fatalf("expected 500, got %d", resp.Status.Code)
	}
}

func TestPatternPrecedenceExactBeatsEverything(t *testing.T) {
	c := New(nil, Options{})
	c.Register("wild", func() Handler { return &syncEchoHandler{} }, "*")
	c.Register("prefix", func() Handler { return &syncEchoHandler{} }, "/api*")
	c.Register("suffix", func() Handler { return &syncEchoHandler{} }, "*.json")
	c.Register("exact", func() Handler { return &syncEchoHandler{} }, "/api/users.json")

	name, ok := c.match("/api/users.json")
	if !ok || name != "exact" {
		t.Fatalf("expected exact match to win, got %q", name)
	}
}

func TestPatternPrecedencePrefixBeatsSuffixAndWildcard(t *testing.T) {
	c := New(nil, Options{})
	c.Register("wild", func() Handler { return &syncEchoHandler{} }, "*")
	c.Register("suffix", func() Handler { return &syncEchoHandler{} }, "*.json")
	c.Register("prefix", func() Handler { return &syncEchoHandler{} }, "/api*")

	name, ok := c.match("/api/report.json")
	if !ok || name != "prefix" {
		t.Fatalf("expected prefix match to win, got %q", name)
	}
}

func TestPatternPrecedenceSuffixBeatsWildcard(t *testing.T) {
	c := New(nil, Options{})
	c.Register("wild", func() Handler { return &syncEchoHandler{} }, "*")
	c.Register("suffix", func() Handler { return &syncEchoHandler{} }, "*.css")

	name, ok := c.match("/static/app.css")
	if !ok || name != "suffix" {
		t.Fatalf("expected suffix match to win, got %q", name)
	}
}

func TestPatternWildcardFallback(t *testing.T) {
	c := New(nil, Options{})
	c.Register("wild", func() Handler { return &syncEchoHandler{} }, "*")

	name, ok := c.match("/anything/at/all")
	if !ok || name != "wild" {
		t.Fatalf("expected wildcard match, got %q, %v", name, ok)
	}
}

func TestInstancePoolingPrewarmsAndReuses(t *testing.T) {
	factoryCalls := int32(0)
	c := New(nil, Options{PrewarmCount: 2, MaxSpareCap: 2})
	c.Register("echo", func() Handler {
		atomic.AddInt32(&factoryCalls, 1)
		return &syncEchoHandler{}
	}, "/echo")

	// prototype + 2 prewarmed spares = 3 factory calls at registration.
	if got := atomic.LoadInt32(&factoryCalls); got != 3 {
		t.Fatalf("expected 3 factory calls after prewarm, got %d", got)
	}

	c.Dispatch("GET", "/echo", "a", wire.HTTP11)
	c.Dispatch("GET", "/echo", "b", wire.HTTP11)

	// Both dispatches should have been served by prewarmed spares, not
	// by constructing new instances.
	if got := atomic.LoadInt32(&factoryCalls); got != 3 {
		t.Fatalf("expected no new instances constructed on dispatch, got %d factory calls", got)
	}
}

func TestInstancePoolingFallsBackToPrototypeWhenSparesExhausted(t *testing.T) {
	c := New(nil, Options{PrewarmCount: 1, MaxSpareCap: 1})
	c.Register("echo", func() Handler { return &syncEchoHandler{} }, "/echo")
	reg := c.registration("echo")

	h1, pooled1 := reg.borrow()
	if !pooled1 {
		t.Fatalf("expected first borrow to come from the prewarmed spare")
	}
	h2, pooled2 := reg.borrow()
	if pooled2 {
		t.Fatalf("expected second borrow to fall back to the shared prototype")
	}
	if h2 != reg.prototype {
		t.Fatalf("expected fallback to return the exact prototype instance")
	}
	reg.release(h1, pooled1)
	reg.release(h2, pooled2)
}

func TestInstancePoolingDestroysOverCapacity(t *testing.T) {
	destroyed := int32(0)
	c := New(nil, Options{PrewarmCount: 1, MaxSpareCap: 1})
	c.Register("echo", func() Handler {
		return &destroyCountingHandler{destroyed: &destroyed}
	}, "/echo")

	reg := c.registration("echo")
	h1, pooled1 := reg.borrow() // the single prewarmed spare
	h2 := &destroyCountingHandler{destroyed: &destroyed}

	reg.release(h1, pooled1) // returns to the now-empty slot
	reg.release(h2, true)    // slot already full again, destroyed

	if atomic.LoadInt32(&destroyed) != 1 {
		t.Fatalf("expected exactly 1 destroy call, got %d", destroyed)
	}
}

type destroyCountingHandler struct {
	destroyed *int32
}

func (h *destroyCountingHandler) Kind() Kind { return KindSync }
func (h *destroyCountingHandler) Init(_ any) {}
func (h *destroyCountingHandler) Destroy()   { atomic.AddInt32(h.destroyed, 1) }
func (h *destroyCountingHandler) Service(req any, b *ResponseBuilder) (wire.Response, error) {
	return wire.PlainText(wire.HTTP11, 200, "ok", nil), nil
}

func TestResponseBuilderDoubleWriteOverwrites(t *testing.T) {
	b := newResponseBuilder()
	b.WriteString("first").WriteString("second")
	resp := b.Build(wire.HTTP11)
	if string(resp.Body) != "second" {
		t.Fatalf("expected overwrite semantics, got %q", resp.Body)
	}
}

func TestResponseBuilderSendErrorSetsStatusAndBody(t *testing.T) {
	b := newResponseBuilder()
	b.SendError(503, "unavailable")
	resp := b.Build(wire.HTTP11)
	if resp.Status.Code != 503 || string(resp.Body) != "unavailable" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}
