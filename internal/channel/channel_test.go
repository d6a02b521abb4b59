package channel

import (
	"strings"
	"testing"

	"github.com/gutierrez-soarch/hybridserver/internal/wire"
)

func TestFeedSingleChunkCompletesSimpleGET(t *testing.T) {
	c := New(1, nil)
	req := "GET /hello HTTP/1.1\r\nHost: example.com\r\n\r\n"
	complete, err := c.Feed([]byte(req))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !complete {
		t.Fatalf("expected request to be complete")
	}
	if c.Method() != wire.GET || c.RequestURI() != "/hello" || c.HTTPVersion() != wire.HTTP11 {
		t.Fatalf("got method=%v uri=%v version=%v", c.Method(), c.RequestURI(), c.HTTPVersion())
	}
	if c.Headers().Get("Host") != "example.com" {
		t.Fatalf("expected Host header to be parsed")
	}
	if !c.KeepAlive() {
		t.Fatalf("HTTP/1.1 with no Connection header must default keep-alive true")
	}
}

func TestFeedOneByteAtATimeMatchesSingleChunk(t *testing.T) {
	req := "POST /submit HTTP/1.0\r\nContent-Length: 5\r\n\r\nhello"
	c := New(2, nil)
	var lastErr error
	var complete bool
	for i := 0; i < len(req); i++ {
		complete, lastErr = c.Feed([]byte{req[i]})
		if lastErr != nil {
			t.Fatalf("unexpected error mid-stream: %v", lastErr)
		}
	}
	if !complete {
		t.Fatalf("expected completion after final byte")
	}

	whole := New(3, nil)
	wholeComplete, err := whole.Feed([]byte(req))
	if err != nil || !wholeComplete {
		t.Fatalf("unexpected (%v,%v) for whole-chunk delivery", wholeComplete, err)
	}

	if c.Method() != whole.Method() || c.RequestURI() != whole.RequestURI() || c.HTTPVersion() != whole.HTTPVersion() {
		t.Fatalf("chunked and whole delivery diverged")
	}
	if string(c.Body()) != string(whole.Body()) || string(c.Body()) != "hello" {
		t.Fatalf("expected body 'hello', got %q vs %q", c.Body(), whole.Body())
	}
}

func TestBodyCompletesExactlyAtContentLength(t *testing.T) {
	c := New(4, nil)
	head := "POST /x HTTP/1.1\r\nContent-Length: 5\r\n\r\n"
	complete, err := c.Feed([]byte(head + "1234"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if complete {
		t.Fatalf("expected BODY to remain incomplete with one byte missing")
	}
	if c.State() != StateBody {
		t.Fatalf("expected state BODY, got %v", c.State())
	}

	complete, err = c.Feed([]byte("5"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !complete {
		t.Fatalf("expected completion on arrival of final body byte")
	}
	if string(c.Body()) != "12345" {
		t.Fatalf("got body %q", c.Body())
	}
}

func TestMalformedRequestLineIsFramingError(t *testing.T) {
	c := New(5, nil)
	_, err := c.Feed([]byte("BOGUS LINE WITHOUT PROPER SHAPE HTTP/1.1\r\n\r\n"))
	if err == nil {
		t.Fatalf("expected framing error")
	}
	fe, ok := err.(*FramingError)
	if !ok || fe.Status != 400 {
		t.Fatalf("expected *FramingError with status 400, got %v", err)
	}
}

func TestMalformedHeaderLineIsFramingError(t *testing.T) {
	c := New(6, nil)
	_, err := c.Feed([]byte("GET / HTTP/1.1\r\nNoColonHere\r\n\r\n"))
	if err == nil {
		t.Fatalf("expected framing error for header without colon")
	}
}

func TestRequestLineTooLongIsFramingError(t *testing.T) {
	c := New(7, nil)
	huge := strings.Repeat("a", MaxRequestLine+1)
	_, err := c.Feed([]byte("GET /" + huge + " HTTP/1.1\r\n"))
	if err == nil {
		t.Fatalf("expected framing error for oversize request line")
	}
}

func TestStateMonotonicAfterComplete(t *testing.T) {
	c := New(8, nil)
	c.Feed([]byte("GET / HTTP/1.1\r\n\r\n"))
	if c.State() != StateComplete {
		t.Fatalf("expected COMPLETE")
	}
	complete, err := c.Feed([]byte("more garbage that should be ignored"))
	if err != nil {
		t.Fatalf("feeding after COMPLETE must not error: %v", err)
	}
	if !complete {
		t.Fatalf("expected COMPLETE to remain sticky")
	}
}

func TestResponseSlotIsOneShot(t *testing.T) {
	c := New(9, nil)
	r1 := wire.PlainText(wire.HTTP11, 200, "first", nil)
	r2 := wire.PlainText(wire.HTTP11, 500, "second", nil)

	if !c.SetResponse(r1) {
		t.Fatalf("first SetResponse must succeed")
	}
	if c.SetResponse(r2) {
		t.Fatalf("second SetResponse must be rejected")
	}
	got, ok := c.Response()
	if !ok || string(got.Body) != "first" {
		t.Fatalf("expected first response to stick, got %+v", got)
	}
}

func TestResetClearsPerRequestStatePreservesConnection(t *testing.T) {
	c := New(10, "sock")
	c.Feed([]byte("GET /a HTTP/1.1\r\n\r\n"))
	c.SetResponse(wire.PlainText(wire.HTTP11, 200, "ok", nil))

	c.Reset()

	if c.State() != StateRequestLine {
		t.Fatalf("expected state reset to REQUEST_LINE, got %v", c.State())
	}
	if _, ok := c.Response(); ok {
		t.Fatalf("expected response slot cleared after reset")
	}
	if c.RequestCount() != 1 {
		t.Fatalf("expected request count incremented to 1, got %d", c.RequestCount())
	}
	if c.ConnectionID != 10 || c.Socket.(string) != "sock" {
		t.Fatalf("expected connection identity preserved across reset")
	}
}

func TestAttributesUpdateLastActivity(t *testing.T) {
	c := New(11, nil)
	before := c.LastActivityAt()
	c.SetAttribute("k", 42)
	if v, ok := c.GetAttribute("k"); !ok || v.(int) != 42 {
		t.Fatalf("got (%v,%v)", v, ok)
	}
	if !c.LastActivityAt().After(before) && c.LastActivityAt() != before {
		t.Fatalf("expected last-activity timestamp to be updated or equal")
	}
}

func TestKeepAliveDefaultsByVersion(t *testing.T) {
	c10 := New(12, nil)
	c10.Feed([]byte("GET / HTTP/1.0\r\n\r\n"))
	if c10.KeepAlive() {
		t.Fatalf("HTTP/1.0 with no Connection header must default keep-alive false")
	}

	c11 := New(13, nil)
	c11.Feed([]byte("GET / HTTP/1.1\r\nConnection: close\r\n\r\n"))
	if c11.KeepAlive() {
		t.Fatalf("explicit Connection: close must override HTTP/1.1 default")
	}
}
