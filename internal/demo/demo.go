// Package demo provides the sample handlers registered against
// internal/container.Container at startup: a minimal set standing in
// for the teacher's internal/handlers package (basic.go/cpu.go/io.go),
// reworked into the container.Handler shape and wired through
// internal/switching for the endpoints that actually park on deferred
// work. Per spec.md §1, only the handler interfaces matter to the
// server itself — these are illustrative tenants of C8, not part of
// the hybrid server's own contract.
package demo

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gutierrez-soarch/hybridserver/internal/container"
	"github.com/gutierrez-soarch/hybridserver/internal/switching"
	"github.com/gutierrez-soarch/hybridserver/internal/wire"
)

// Deps is the globalContext handed to every demo handler's Init,
// mirroring the teacher's package-level Submit hook in
// internal/handlers/basic.go but threaded explicitly instead of
// living as a mutable package var.
type Deps struct {
	Switching *switching.Handler
}

func asRequest(request any) *wire.Request {
	req, _ := request.(*wire.Request)
	return req
}

// Register wires every demo handler into c under its routes.
func Register(c *container.Container) {
	c.Register("hello", func() container.Handler { return &HelloHandler{} }, "/hello")
	c.Register("echo", func() container.Handler { return &EchoHandler{} }, "/echo")
	c.Register("isprime", func() container.Handler { return &IsPrimeHandler{} }, "/isprime")
	c.Register("sleep", func() container.Handler { return &SleepHandler{} }, "/sleep")
	c.Register("upload", func() container.Handler { return &UploadHandler{} }, "/upload")
	c.Register("static", func() container.Handler { return &StaticEchoHandler{} }, "/static*", "/assets*")
}

// HelloHandler is the S1-style smoke-test endpoint: a fixed, fast,
// synchronous reply with no dependency on the request body.
type HelloHandler struct{}

func (h *HelloHandler) Kind() container.Kind { return container.KindSync }
func (h *HelloHandler) Init(_ any)           {}
func (h *HelloHandler) Destroy()             {}

func (h *HelloHandler) Service(request any, b *container.ResponseBuilder) (wire.Response, error) {
	req := asRequest(request)
	version := wire.HTTP11
	if req != nil {
		version = req.Version
	}
	return b.WriteString("hello from hybridserver\n").Build(version), nil
}

// EchoHandler mirrors the teacher's Reverse/ToUpper handlers in
// internal/handlers/basic.go: it reflects request metadata back as
// JSON rather than transforming a query parameter, so it exercises
// the wire.Request shape the reactor now constructs end to end; the
// reply carries the method, path, query-parameter count and body
// length, not the headers.
type EchoHandler struct{}

func (h *EchoHandler) Kind() container.Kind { return container.KindSync }
func (h *EchoHandler) Init(_ any)           {}
func (h *EchoHandler) Destroy()             {}

func (h *EchoHandler) Service(request any, b *container.ResponseBuilder) (wire.Response, error) {
	req := asRequest(request)
	if req == nil {
		b.SendError(400, "echo requires a parsed request")
		return b.Build(wire.HTTP11), nil
	}
	payload := fmt.Sprintf(
		`{"method":%q,"path":%q,"query_count":%d,"body_len":%d}`,
		req.Method, req.Path, len(req.Query), len(req.Body),
	)
	b.SendJSON(payload)
	return b.Build(req.Version), nil
}

// IsPrimeHandler is a deliberately naive trial-division primality
// check, grounded on the teacher's IsPrimeJSONCtx in
// internal/handlers/cpu.go minus the Miller-Rabin fast path — kept
// simple here since it exists only to give the ADAPTIVE strategy a
// CPU-bound, non-static-asset endpoint to route through the pool.
type IsPrimeHandler struct{}

func (h *IsPrimeHandler) Kind() container.Kind { return container.KindSync }
func (h *IsPrimeHandler) Init(_ any)           {}
func (h *IsPrimeHandler) Destroy()             {}

func (h *IsPrimeHandler) Service(request any, b *container.ResponseBuilder) (wire.Response, error) {
	req := asRequest(request)
	if req == nil {
		b.SendError(400, "isprime requires a parsed request")
		return b.Build(wire.HTTP11), nil
	}
	n, err := strconv.ParseUint(req.Query["n"], 10, 64)
	if err != nil {
		b.SendError(400, "query parameter n must be a non-negative integer")
		return b.Build(req.Version), nil
	}
	b.SendJSON(fmt.Sprintf(`{"n":%d,"prime":%t}`, n, trialDivisionPrime(n)))
	return b.Build(req.Version), nil
}

func trialDivisionPrime(n uint64) bool {
	if n < 2 {
		return false
	}
	if n%2 == 0 {
		return n == 2
	}
	for d := uint64(3); d*d <= n; d += 2 {
		if n%d == 0 {
			return false
		}
	}
	return true
}

// SleepHandler demonstrates the switch-out/switch-in protocol
// (spec.md §4.3): the handler never sleeps on its own goroutine, it
// hands a deferred producer to internal/switching and reports
// completion through the async handler contract once it resolves —
// grounded on the teacher's Sleep handler in
// internal/handlers/basic.go, which used a bare time.Sleep on whatever
// worker picked up the task.
type SleepHandler struct {
	deps *Deps
}

func (h *SleepHandler) Kind() container.Kind { return container.KindAsync }

func (h *SleepHandler) Init(globalContext any) {
	deps, _ := globalContext.(*Deps)
	h.deps = deps
}

func (h *SleepHandler) Destroy() {}

const maxSleep = 5 * time.Second

func (h *SleepHandler) ServiceAsync(request any, b *container.ResponseBuilder) *container.AsyncResult {
	req := asRequest(request)
	result := container.NewAsyncResult()
	if req == nil || h.deps == nil || h.deps.Switching == nil {
		b.SendError(500, "sleep handler misconfigured")
		result.Complete()
		return result
	}

	millis, err := strconv.Atoi(req.Query["ms"])
	if err != nil || millis < 0 {
		millis = 100
	}
	dur := time.Duration(millis) * time.Millisecond
	if dur > maxSleep {
		dur = maxSleep
	}

	future := switching.SwitchAndExecute(h.deps.Switching, request, switching.DomainGeneric,
		func(request any) (string, error) {
			time.Sleep(dur)
			return dur.String(), nil
		})

	go func() {
		slept, err := future.Wait()
		if err != nil {
			b.SendError(500, err.Error())
			result.Fail(err)
			return
		}
		b.SendJSON(fmt.Sprintf(`{"slept":%q}`, slept))
		result.Complete()
	}()
	return result
}

// UploadHandler accepts a request body and hands it to the FILE
// domain of internal/switching as a checksum producer, grounded on
// the teacher's CreateFile handler in internal/handlers/files.go
// (which wrote the body straight to disk) simplified to hashing,
// since the sample server has no data directory of its own to manage.
type UploadHandler struct {
	deps *Deps
}

func (h *UploadHandler) Kind() container.Kind { return container.KindAsync }

func (h *UploadHandler) Init(globalContext any) {
	deps, _ := globalContext.(*Deps)
	h.deps = deps
}

func (h *UploadHandler) Destroy() {}

func (h *UploadHandler) ServiceAsync(request any, b *container.ResponseBuilder) *container.AsyncResult {
	req := asRequest(request)
	result := container.NewAsyncResult()
	if req == nil || h.deps == nil || h.deps.Switching == nil {
		b.SendError(500, "upload handler misconfigured")
		result.Complete()
		return result
	}

	future := switching.ExecuteFile(h.deps.Switching, request, func(request any) ([]byte, error) {
		sum := sha256.Sum256(req.Body)
		return []byte(hex.EncodeToString(sum[:])), nil
	})

	go func() {
		digest, err := future.Wait()
		if err != nil {
			b.SendError(500, err.Error())
			result.Fail(err)
			return
		}
		b.SetStatus(201).SendJSON(fmt.Sprintf(`{"bytes":%d,"sha256":%q}`, len(req.Body), digest))
		result.Complete()
	}()
	return result
}

// StaticEchoHandler answers any /static/* or /assets/* path with a
// fixed payload, standing in for the teacher's static-file serving
// and giving processor.DefaultStaticAssetMatcher's prefix rule a real
// registered route to resolve against under ADAPTIVE strategy.
type StaticEchoHandler struct{}

func (h *StaticEchoHandler) Kind() container.Kind { return container.KindSync }
func (h *StaticEchoHandler) Init(_ any)           {}
func (h *StaticEchoHandler) Destroy()             {}

func (h *StaticEchoHandler) Service(request any, b *container.ResponseBuilder) (wire.Response, error) {
	req := asRequest(request)
	version := wire.HTTP11
	path := ""
	if req != nil {
		version = req.Version
		path = req.Path
	}
	name := strings.TrimPrefix(strings.TrimPrefix(path, "/static/"), "/assets/")
	b.SetContentType("text/plain; charset=utf-8").WriteString(fmt.Sprintf("static asset: %s\n", name))
	return b.Build(version), nil
}
