package work

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeWork struct {
	name string
	fn   func() error

	mu      sync.Mutex
	ran     bool
	started time.Time
}

func (f *fakeWork) String() string { return f.name }

func (f *fakeWork) Run(ctx context.Context) error {
	f.mu.Lock()
	f.ran = true
	f.started = time.Now()
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn()
	}
	return nil
}

func (f *fakeWork) didRun() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ran
}

func TestExecutorRunsInDependencyOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := func(name string) func() error {
		return func() error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	base := &fakeWork{name: "base", fn: record("base")}
	app := &fakeWork{name: "app", fn: record("app")}

	g := NewGraph()
	g.AddNode(base)
	g.AddNode(app, base)

	err := NewExecutor(g, 4).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(order) != 2 || order[0] != "base" || order[1] != "app" {
		t.Fatalf("order = %v, want [base app]", order)
	}
}

func TestExecutorFailFastDropsUnstarted(t *testing.T) {
	failErr := errors.New("boom")
	failing := &fakeWork{name: "failing", fn: func() error { return failErr }}
	neverRun := &fakeWork{name: "never"}

	g := NewGraph()
	g.AddNode(failing)
	g.AddNode(neverRun, failing)

	err := NewExecutor(g, 4).Run(context.Background())
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if neverRun.didRun() {
		t.Errorf("neverRun should not have run after failing's prereq failed")
	}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	attempts := 0
	inner := &fakeWork{name: "flaky", fn: func() error {
		attempts++
		if attempts < 3 {
			return &CommandFailedError{Argv: []string{"x"}, ExitCode: 1, Err: errors.New("transient")}
		}
		return nil
	}}
	r := NewRetry(inner, 5, 0, 1, 0)
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetryExhausted(t *testing.T) {
	inner := &fakeWork{name: "always-fails", fn: func() error {
		return &CommandFailedError{Argv: []string{"x"}, ExitCode: 1, Err: errors.New("nope")}
	}}
	r := NewRetry(inner, 2, 0, 1, 0)
	err := r.Run(context.Background())
	var rerr *RetryExhaustedError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected *RetryExhaustedError, got %v", err)
	}
	if rerr.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", rerr.Attempts)
	}
}

func TestRetryDoesNotRetryNonCommandError(t *testing.T) {
	wantErr := errors.New("not retryable")
	calls := 0
	inner := &fakeWork{name: "bad", fn: func() error {
		calls++
		return wantErr
	}}
	r := NewRetry(inner, 5, 0, 1, 0)
	err := r.Run(context.Background())
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected wantErr, got %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry for non-CommandFailedError)", calls)
	}
}

func TestGraphDot(t *testing.T) {
	base := &fakeWork{name: "base"}
	app := &fakeWork{name: "app"}
	g := NewGraph()
	g.AddNode(base)
	g.AddNode(app, base)

	dot := g.Dot()
	if !strings.Contains(dot, `"app" -> "base"`) {
		t.Errorf("Dot() = %q, want an app->base edge", dot)
	}
}
