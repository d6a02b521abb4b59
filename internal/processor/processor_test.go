package processor

import (
	"errors"
	"testing"
	"time"

	"github.com/gutierrez-soarch/hybridserver/internal/asynccontext"
	"github.com/gutierrez-soarch/hybridserver/internal/pool"
)

func newTestProcessor(t *testing.T, opts Options) (*Processor, func()) {
	t.Helper()
	p := pool.New(pool.Options{Name: "proc", Min: 2, Max: 4, QueueCapacity: 32})
	cm := asynccontext.NewManager(asynccontext.Options{DefaultTimeout: 5 * time.Second, ReapInterval: time.Hour})
	pr := New(p, cm, opts)
	return pr, func() {
		p.Shutdown()
		cm.Shutdown()
	}
}

func TestProcessDefaultsToAdaptive(t *testing.T) {
	pr, cleanup := newTestProcessor(t, Options{})
	defer cleanup()
	if pr.Strategy() != StrategyAdaptive {
		t.Fatalf("expected default strategy ADAPTIVE, got %v", pr.Strategy())
	}
}

func TestProcessRunsHandlerAndResolves(t *testing.T) {
	pr, cleanup := newTestProcessor(t, Options{Strategy: StrategySync})
	defer cleanup()

	f := pr.Process("req", "GET", "/hi", func(r any) (any, error) { return r.(string) + "!", nil })
	v, err := f.Wait()
	if err != nil || v != "req!" {
		t.Fatalf("got (%v,%v)", v, err)
	}
	st := pr.Stats()
	if st.Processed != 1 || st.SyncCount != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestAdaptiveStaticAssetPicksSync(t *testing.T) {
	pr, cleanup := newTestProcessor(t, Options{Strategy: StrategyAdaptive})
	defer cleanup()

	f := pr.Process(nil, "GET", "/static/app.js", func(r any) (any, error) { return "ok", nil })
	f.Wait()
	st := pr.Stats()
	if st.SyncCount != 1 || st.AsyncCount != 0 {
		t.Fatalf("expected SYNC for static asset, got %+v", st)
	}
}

func TestAdaptiveAPIPathPicksAsync(t *testing.T) {
	pr, cleanup := newTestProcessor(t, Options{Strategy: StrategyAdaptive})
	defer cleanup()

	f := pr.Process(nil, "POST", "/api/users", func(r any) (any, error) { return "ok", nil })
	f.Wait()
	st := pr.Stats()
	if st.AsyncCount != 1 || st.SyncCount != 0 {
		t.Fatalf("expected ASYNC for API path, got %+v", st)
	}
}

func TestAdaptiveOtherwiseSync(t *testing.T) {
	pr, cleanup := newTestProcessor(t, Options{Strategy: StrategyAdaptive})
	defer cleanup()

	f := pr.Process(nil, "GET", "/hello", func(r any) (any, error) { return "ok", nil })
	f.Wait()
	st := pr.Stats()
	if st.SyncCount != 1 || st.AsyncCount != 0 {
		t.Fatalf("expected SYNC for plain GET path, got %+v", st)
	}
}

func TestPriorityAboveFiveForcesSync(t *testing.T) {
	pr, cleanup := newTestProcessor(t, Options{Strategy: StrategyAsync})
	defer cleanup()

	f := pr.ProcessWithPriority(nil, "POST", "/api/x", func(r any) (any, error) { return "ok", nil }, 9)
	f.Wait()
	st := pr.Stats()
	if st.SyncCount != 1 {
		t.Fatalf("expected priority>5 to force SYNC even under ASYNC strategy, got %+v", st)
	}
}

func TestSyncTimeoutSurfaces(t *testing.T) {
	pr, cleanup := newTestProcessor(t, Options{Strategy: StrategySync, SyncTimeout: 20 * time.Millisecond})
	defer cleanup()

	never := make(chan struct{})
	f := pr.Process(nil, "GET", "/slow", func(r any) (any, error) { <-never; return nil, nil })
	_, err := f.Wait()
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("expected ErrRequestTimeout, got %v", err)
	}
	close(never)
}

func TestAsyncPathCreatesAndRemovesContext(t *testing.T) {
	pr, cleanup := newTestProcessor(t, Options{Strategy: StrategyAsync})
	defer cleanup()

	f := pr.Process(nil, "POST", "/api/x", func(r any) (any, error) { return "done", nil })
	v, err := f.Wait()
	if err != nil || v != "done" {
		t.Fatalf("got (%v,%v)", v, err)
	}
	if pr.ctx.Stats().Live != 0 {
		t.Fatalf("expected async context removed after completion")
	}
}

func TestProcessBatchFansOutInOrder(t *testing.T) {
	pr, cleanup := newTestProcessor(t, Options{Strategy: StrategySync})
	defer cleanup()

	items := []BatchItem{
		{Request: 1, Method: "GET", Path: "/a", Handler: func(r any) (any, error) { return r.(int) * 10, nil }},
		{Request: 2, Method: "GET", Path: "/b", Handler: func(r any) (any, error) { return r.(int) * 10, nil }},
		{Request: 3, Method: "GET", Path: "/c", Handler: func(r any) (any, error) { return r.(int) * 10, nil }},
	}
	results, err := pr.ProcessBatch(items)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results[0] != 10 || results[1] != 20 || results[2] != 30 {
		t.Fatalf("unexpected results: %v", results)
	}
}

func TestProcessBatchSurfacesFirstError(t *testing.T) {
	pr, cleanup := newTestProcessor(t, Options{Strategy: StrategySync})
	defer cleanup()

	wantErr := errors.New("boom")
	items := []BatchItem{
		{Request: nil, Handler: func(r any) (any, error) { return nil, wantErr }},
	}
	_, err := pr.ProcessBatch(items)
	if err != wantErr {
		t.Fatalf("expected propagated error, got %v", err)
	}
}
