package tenant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestPushPop(t *testing.T) {
	ctx := context.Background()

	if _, err := CurrentAccount(ctx); !errors.Is(err, ErrNoScope) {
		t.Fatalf("expected ErrNoScope on empty context, got %v", err)
	}

	ctx, err := Push(ctx, "acct-a")
	if err != nil {
		t.Fatalf("push a: %v", err)
	}
	ctx, err = Push(ctx, "acct-b")
	if err != nil {
		t.Fatalf("push b: %v", err)
	}

	if got, _ := CurrentAccount(ctx); got != "acct-b" {
		t.Fatalf("current = %q, want acct-b", got)
	}
	if d := Depth(ctx); d != 2 {
		t.Fatalf("depth = %d, want 2", d)
	}

	ctx, err = Pop(ctx)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if got, _ := CurrentAccount(ctx); got != "acct-a" {
		t.Fatalf("current after pop = %q, want acct-a", got)
	}

	ctx, err = Pop(ctx)
	if err != nil {
		t.Fatalf("pop to empty: %v", err)
	}
	if _, err := Pop(ctx); !errors.Is(err, ErrNoScope) {
		t.Fatalf("pop on empty stack: got %v, want ErrNoScope", err)
	}
}

func TestDepthBound(t *testing.T) {
	ctx := context.Background()
	var err error
	for i := 0; i < MaxDepth; i++ {
		ctx, err = Push(ctx, fmt.Sprintf("acct-%d", i))
		if err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	if _, err := Push(ctx, "one-too-many"); !errors.Is(err, ErrDepthExceeded) {
		t.Fatalf("push past MaxDepth: got %v, want ErrDepthExceeded", err)
	}
	// The failed push must leave the existing stack intact.
	if d := Depth(ctx); d != MaxDepth {
		t.Fatalf("depth after failed push = %d, want %d", d, MaxDepth)
	}
}

func TestStackImmutability(t *testing.T) {
	base, err := Push(context.Background(), "acct-root")
	if err != nil {
		t.Fatalf("push root: %v", err)
	}

	left, err := Push(base, "acct-left")
	if err != nil {
		t.Fatalf("push left: %v", err)
	}
	right, err := Push(base, "acct-right")
	if err != nil {
		t.Fatalf("push right: %v", err)
	}

	if got, _ := CurrentAccount(left); got != "acct-left" {
		t.Fatalf("left sees %q", got)
	}
	if got, _ := CurrentAccount(right); got != "acct-right" {
		t.Fatalf("right sees %q", got)
	}
	if got, _ := CurrentAccount(base); got != "acct-root" {
		t.Fatalf("base mutated, sees %q", got)
	}
}

func TestStackSnapshot(t *testing.T) {
	ctx, _ := Push(context.Background(), "a")
	ctx, _ = Push(ctx, "b")

	snap := Stack(ctx)
	if len(snap) != 2 || snap[0] != "a" || snap[1] != "b" {
		t.Fatalf("stack = %v", snap)
	}
	snap[0] = "mutated"
	if got := Stack(ctx); got[0] != "a" {
		t.Fatalf("snapshot mutation leaked into context: %v", got)
	}
}

func TestConcurrentPushesShareABase(t *testing.T) {
	base, err := Push(context.Background(), "acct-shared")
	if err != nil {
		t.Fatalf("push shared: %v", err)
	}

	const workers = 16
	results := make(chan string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, err := Push(base, fmt.Sprintf("acct-%d", i))
			if err != nil {
				results <- err.Error()
				return
			}
			got, _ := CurrentAccount(ctx)
			results <- got
		}(i)
	}
	wg.Wait()
	close(results)

	seen := make(map[string]bool)
	for r := range results {
		seen[r] = true
	}
	for i := 0; i < workers; i++ {
		if !seen[fmt.Sprintf("acct-%d", i)] {
			t.Fatalf("worker %d lost its own scope: %v", i, seen)
		}
	}
	if got, _ := CurrentAccount(base); got != "acct-shared" {
		t.Fatalf("base mutated under concurrency, sees %q", got)
	}
}

func TestScope(t *testing.T) {
	var inside string
	err := Scope(context.Background(), "acct-x", func(ctx context.Context) error {
		inside, _ = CurrentAccount(ctx)
		return nil
	})
	if err != nil {
		t.Fatalf("scope: %v", err)
	}
	if inside != "acct-x" {
		t.Fatalf("inside = %q", inside)
	}

	wantErr := errors.New("boom")
	if err := Scope(context.Background(), "acct-y", func(context.Context) error { return wantErr }); !errors.Is(err, wantErr) {
		t.Fatalf("scope error passthrough: %v", err)
	}
}
