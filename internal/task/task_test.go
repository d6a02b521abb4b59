package task

import (
	"errors"
	"testing"
	"time"
)

func TestPriorityTaskOrdering(t *testing.T) {
	a := NewPriorityTask(func() (any, error) { return nil, nil }, 5)
	b := NewPriorityTask(func() (any, error) { return nil, nil }, 1)
	if !a.Less(b) {
		t.Fatalf("higher priority task should sort first")
	}
	if b.Less(a) {
		t.Fatalf("total order violated: both Less true")
	}
}

func TestPriorityTaskTieBreakFIFO(t *testing.T) {
	a := NewPriorityTask(func() (any, error) { return nil, nil }, 3)
	b := NewPriorityTask(func() (any, error) { return nil, nil }, 3)
	if !a.Less(b) {
		t.Fatalf("equal priority: earlier CreatedTick must sort first")
	}
}

func TestPriorityTaskTotalOrder(t *testing.T) {
	tasks := []*PriorityTask{
		NewPriorityTask(func() (any, error) { return nil, nil }, 2),
		NewPriorityTask(func() (any, error) { return nil, nil }, 2),
		NewPriorityTask(func() (any, error) { return nil, nil }, 9),
	}
	for i := range tasks {
		for j := range tasks {
			if i == j {
				continue
			}
			a, b := tasks[i], tasks[j]
			lt, gt, eq := a.Less(b), b.Less(a), !a.Less(b) && !b.Less(a)
			count := 0
			for _, v := range []bool{lt, gt, eq} {
				if v {
					count++
				}
			}
			if count != 1 {
				t.Fatalf("expected exactly one of Less/Greater/Equal, got lt=%v gt=%v eq=%v", lt, gt, eq)
			}
		}
	}
}

func TestPriorityTaskRunResolvesFuture(t *testing.T) {
	pt := NewPriorityTask(func() (any, error) { return 42, nil }, 0)
	v, err, elapsed := pt.Run()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.(int) != 42 {
		t.Fatalf("want 42, got %v", v)
	}
	if elapsed < 0 {
		t.Fatalf("elapsed must be non-negative")
	}
	if pt.StartTick == 0 {
		t.Fatalf("StartTick must be stamped before running")
	}
	got, ferr := pt.Future().Wait()
	if ferr != nil || got.(int) != 42 {
		t.Fatalf("future not resolved with task result: %v %v", got, ferr)
	}
}

func TestPriorityTaskRunRecoversPanic(t *testing.T) {
	pt := NewPriorityTask(func() (any, error) { panic("boom") }, 0)
	_, err, _ := pt.Run()
	if err == nil {
		t.Fatalf("expected panic to surface as task failure")
	}
	_, ferr := pt.Future().Wait()
	if ferr == nil {
		t.Fatalf("future must be rejected on panic")
	}
}

func TestFutureResolveOnce(t *testing.T) {
	f := NewFuture[int]()
	f.Resolve(1)
	f.Resolve(2) // no-op
	v, err := f.Wait()
	if err != nil || v != 1 {
		t.Fatalf("want (1,nil), got (%v,%v)", v, err)
	}
}

func TestWithTimeoutFires(t *testing.T) {
	inner := NewFuture[int]()
	out := WithTimeout(inner, 10*time.Millisecond)
	_, err := out.Wait()
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("expected ErrTimedOut, got %v", err)
	}
}

func TestWithTimeoutInnerWinsFirst(t *testing.T) {
	inner := NewFuture[int]()
	out := WithTimeout(inner, 50*time.Millisecond)
	inner.Resolve(7)
	v, err := out.Wait()
	if err != nil || v != 7 {
		t.Fatalf("want (7,nil), got (%v,%v)", v, err)
	}
}

func TestAllCollectsInOrder(t *testing.T) {
	f1, f2, f3 := NewFuture[int](), NewFuture[int](), NewFuture[int]()
	go func() { time.Sleep(5 * time.Millisecond); f2.Resolve(2) }()
	go func() { f1.Resolve(1) }()
	go func() { f3.Resolve(3) }()
	out := All([]*Future[int]{f1, f2, f3})
	vs, err := out.Wait()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vs[0] != 1 || vs[1] != 2 || vs[2] != 3 {
		t.Fatalf("results out of order: %v", vs)
	}
}

func TestAnyResolvesOnFirstSuccess(t *testing.T) {
	f1, f2 := NewFuture[int](), NewFuture[int]()
	go func() { time.Sleep(20 * time.Millisecond); f1.Reject(errors.New("slow fail")) }()
	go func() { f2.Resolve(9) }()
	out := Any([]*Future[int]{f1, f2})
	v, err := out.Wait()
	if err != nil || v != 9 {
		t.Fatalf("want (9,nil), got (%v,%v)", v, err)
	}
}

func TestAnyAllRejectedSurfacesError(t *testing.T) {
	f1, f2 := NewFuture[int](), NewFuture[int]()
	f1.Reject(errors.New("e1"))
	f2.Reject(errors.New("e2"))
	out := Any([]*Future[int]{f1, f2})
	_, err := out.Wait()
	if err == nil {
		t.Fatalf("expected an error when all futures reject")
	}
}

func TestThenChains(t *testing.T) {
	inner := Resolved(3)
	out := Then(inner, func(v int) (string, error) { return "n=3", nil })
	v, err := out.Wait()
	if err != nil || v != "n=3" {
		t.Fatalf("got (%v,%v)", v, err)
	}
}
