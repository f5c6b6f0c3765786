package cache_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/procgraph/fieldvm/pkg/cache"
	"github.com/procgraph/fieldvm/pkg/types"
	"github.com/procgraph/fieldvm/pkg/vm"
)

func newExpr(t *testing.T) *vm.Expression {
	t.Helper()
	code := []uint32{uint32(vm.OpValueFloat), 0x3f800000, 0}
	return vm.NewExpression(code, 1, []vm.Output{{Name: "value", Type: types.TFloat}}, nil)
}

func TestAcquireCompilesOnce(t *testing.T) {
	c := cache.New()
	var calls int
	compile := func() (*vm.Expression, error) {
		calls++
		return newExpr(t), nil
	}

	first, err := c.Acquire("k", compile)
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.Acquire("k", compile)
	if err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("compile ran %d times, want 1", calls)
	}
	if first != second {
		t.Fatal("cache hit must return the same expression")
	}
}

func TestAcquireErrorNotCached(t *testing.T) {
	c := cache.New()
	fail := errors.New("boom")
	calls := 0
	compile := func() (*vm.Expression, error) {
		calls++
		if calls == 1 {
			return nil, fail
		}
		return newExpr(t), nil
	}

	if _, err := c.Acquire("k", compile); !errors.Is(err, fail) {
		t.Fatalf("expected compile error, got %v", err)
	}
	expr, err := c.Acquire("k", compile)
	if err != nil || expr == nil {
		t.Fatalf("retry after failure should compile, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("compile ran %d times, want 2", calls)
	}
}

func TestGetInvalidateClear(t *testing.T) {
	c := cache.New()
	c.Acquire("a", func() (*vm.Expression, error) { return newExpr(t), nil })
	c.Acquire("b", func() (*vm.Expression, error) { return newExpr(t), nil })

	if _, ok := c.Get("a"); !ok {
		t.Fatal("expected a to be cached")
	}
	if _, ok := c.Get("missing"); ok {
		t.Fatal("unexpected hit for missing key")
	}
	if c.Len() != 2 {
		t.Fatalf("Len = %d, want 2", c.Len())
	}

	c.Invalidate("a")
	if _, ok := c.Get("a"); ok {
		t.Fatal("a should be gone after Invalidate")
	}
	if c.Len() != 1 {
		t.Fatalf("Len = %d, want 1", c.Len())
	}

	recompiles := 0
	c.Acquire("a", func() (*vm.Expression, error) { recompiles++; return newExpr(t), nil })
	c.Acquire("a", func() (*vm.Expression, error) { recompiles++; return newExpr(t), nil })
	if recompiles != 1 {
		t.Fatalf("invalidated key recompiled %d times, want 1", recompiles)
	}

	c.Clear()
	if c.Len() != 0 {
		t.Fatalf("Len = %d after Clear, want 0", c.Len())
	}
}

func TestAcquireConcurrent(t *testing.T) {
	c := cache.New()
	var calls atomic.Int32
	expr := newExpr(t)
	compile := func() (*vm.Expression, error) {
		calls.Add(1)
		return expr, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := c.Acquire("shared", compile)
			if err != nil || got != expr {
				t.Error("unexpected acquire result")
			}
		}()
	}
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("compile ran %d times under contention, want 1", calls.Load())
	}
}
