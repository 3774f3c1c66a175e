package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func failing(err error) func(context.Context) error {
	return func(context.Context) error { return err }
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	ctx := context.Background()
	b := New("test", Options{FailureThreshold: 3, RecoveryTimeout: time.Minute})

	for i := 0; i < 3; i++ {
		if err := b.Execute(ctx, failing(errBoom)); !errors.Is(err, errBoom) {
			t.Fatalf("call %d error = %v, want errBoom", i, err)
		}
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %v after threshold failures, want open", got)
	}

	// Open circuit must short-circuit without running fn
	ran := false
	err := b.Execute(ctx, func(context.Context) error { ran = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Errorf("error = %v, want ErrOpen", err)
	}
	if ran {
		t.Error("fn should not run while circuit is open")
	}
}

func TestBreakerSuccessResetsCounter(t *testing.T) {
	ctx := context.Background()
	b := New("test", Options{FailureThreshold: 3})

	b.Execute(ctx, failing(errBoom))
	b.Execute(ctx, failing(errBoom))
	b.Execute(ctx, failing(nil))
	b.Execute(ctx, failing(errBoom))
	b.Execute(ctx, failing(errBoom))

	if got := b.State(); got != StateClosed {
		t.Errorf("state = %v, want closed (success reset the count)", got)
	}
}

func TestBreakerIgnoresUnexpectedErrors(t *testing.T) {
	ctx := context.Background()
	b := New("test", Options{
		FailureThreshold: 2,
		IsFailure:        func(err error) bool { return errors.Is(err, errBoom) },
	})

	for i := 0; i < 10; i++ {
		err := b.Execute(ctx, failing(context.Canceled))
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("unrelated error should propagate, got %v", err)
		}
	}
	if got := b.State(); got != StateClosed {
		t.Errorf("state = %v, want closed (unrelated errors must not trip)", got)
	}
	if got := b.Snapshot().FailureCount; got != 0 {
		t.Errorf("failure count = %d, want 0", got)
	}
}

func TestBreakerRecovery(t *testing.T) {
	ctx := context.Background()
	clk := &fakeClock{t: time.Unix(1000, 0)}
	b := New("test", Options{FailureThreshold: 1, RecoveryTimeout: time.Minute, Now: clk.Now})

	b.Execute(ctx, failing(errBoom))
	if b.State() != StateOpen {
		t.Fatal("breaker should be open")
	}

	// Before the timeout the circuit stays open
	clk.Advance(30 * time.Second)
	if err := b.Execute(ctx, failing(nil)); !errors.Is(err, ErrOpen) {
		t.Fatalf("error = %v, want ErrOpen before recovery timeout", err)
	}

	// After the timeout a probe goes through; success closes the circuit
	clk.Advance(31 * time.Second)
	if err := b.Execute(ctx, failing(nil)); err != nil {
		t.Fatalf("probe error = %v, want success", err)
	}
	if got := b.State(); got != StateClosed {
		t.Errorf("state = %v after successful probe, want closed", got)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	ctx := context.Background()
	clk := &fakeClock{t: time.Unix(1000, 0)}
	b := New("test", Options{FailureThreshold: 1, RecoveryTimeout: time.Minute, Now: clk.Now})

	b.Execute(ctx, failing(errBoom))
	clk.Advance(2 * time.Minute)

	if err := b.Execute(ctx, failing(errBoom)); !errors.Is(err, errBoom) {
		t.Fatalf("probe error = %v, want errBoom", err)
	}
	if got := b.State(); got != StateOpen {
		t.Errorf("state = %v after failed probe, want open", got)
	}

	// And the freshly-stamped failure time restarts the recovery clock
	clk.Advance(30 * time.Second)
	if err := b.Execute(ctx, failing(nil)); !errors.Is(err, ErrOpen) {
		t.Errorf("error = %v, want ErrOpen (recovery clock restarted)", err)
	}
}

func TestBreakerFallbackOnOpen(t *testing.T) {
	ctx := context.Background()
	fallbackRan := false
	b := New("test", Options{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Minute,
		Fallback:         func(context.Context) error { fallbackRan = true; return nil },
	})

	b.Execute(ctx, failing(errBoom))
	if err := b.Execute(ctx, failing(nil)); err != nil {
		t.Errorf("fallback error = %v, want nil", err)
	}
	if !fallbackRan {
		t.Error("fallback should run while circuit is open")
	}
}

func TestDoReturnsValue(t *testing.T) {
	ctx := context.Background()
	b := New("test", Options{})

	got, err := Do(ctx, b, func(context.Context) (int, error) { return 42, nil })
	if err != nil || got != 42 {
		t.Errorf("Do() = (%d, %v), want (42, nil)", got, err)
	}

	_, err = Do(ctx, b, func(context.Context) (int, error) { return 0, errBoom })
	if !errors.Is(err, errBoom) {
		t.Errorf("Do() error = %v, want errBoom", err)
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()

	a := reg.GetOrCreate("embedder", Options{FailureThreshold: 2})
	b := reg.GetOrCreate("embedder", Options{FailureThreshold: 99})
	if a != b {
		t.Error("GetOrCreate should return the same breaker for the same name")
	}
	reg.GetOrCreate("vector_search", Options{})

	a.Execute(context.Background(), failing(errBoom))
	a.Execute(context.Background(), failing(errBoom))

	snaps := reg.Snapshots()
	if len(snaps) != 2 {
		t.Fatalf("got %d snapshots, want 2", len(snaps))
	}
	if snaps["embedder"].State != StateOpen {
		t.Errorf("embedder state = %v, want open", snaps["embedder"].State)
	}
	if snaps["vector_search"].State != StateClosed {
		t.Errorf("vector_search state = %v, want closed", snaps["vector_search"].State)
	}

	reg.ResetAll()
	if a.State() != StateClosed {
		t.Error("ResetAll should close every breaker")
	}
}
