// Package tenant scopes an execution context to an account. The scope is
// a stack carried on the context.Context: nested operations may push a
// narrower account and every pop restores the enclosing one. Stacks are
// immutable; pushing builds a copy, so sibling goroutines holding the
// parent context never observe each other's scopes.
package tenant

import (
	"context"
	"errors"
	"fmt"
)

// MaxDepth bounds how deep account scopes may nest. Legitimate nesting is
// shallow (an impersonated cross-account job sits at two or three); a
// stack at ten is runaway recursion, not a use case.
const MaxDepth = 10

// ErrDepthExceeded is returned when a push would exceed MaxDepth.
var ErrDepthExceeded = errors.New("tenant: account scope depth exceeded")

// ErrNoScope is returned when a pop or current-account lookup runs on a
// context with no account scope.
var ErrNoScope = errors.New("tenant: no account scope")

type ctxKey struct{}

// stack is an immutable snapshot. Push copies, never mutates.
type stack struct {
	ids []string
}

func fromContext(ctx context.Context) *stack {
	if s, ok := ctx.Value(ctxKey{}).(*stack); ok {
		return s
	}
	return nil
}

// Push derives a context scoped to accountID on top of any existing
// scope.
func Push(ctx context.Context, accountID string) (context.Context, error) {
	if accountID == "" {
		return ctx, errors.New("tenant: account id is required")
	}
	prev := fromContext(ctx)
	var ids []string
	if prev != nil {
		if len(prev.ids) >= MaxDepth {
			return ctx, fmt.Errorf("%w: depth %d, stack %v", ErrDepthExceeded, len(prev.ids), prev.ids)
		}
		ids = make([]string, len(prev.ids), len(prev.ids)+1)
		copy(ids, prev.ids)
	}
	ids = append(ids, accountID)
	return context.WithValue(ctx, ctxKey{}, &stack{ids: ids}), nil
}

// Pop derives a context with the top scope removed.
func Pop(ctx context.Context) (context.Context, error) {
	s := fromContext(ctx)
	if s == nil || len(s.ids) == 0 {
		return ctx, ErrNoScope
	}
	if len(s.ids) == 1 {
		return context.WithValue(ctx, ctxKey{}, (*stack)(nil)), nil
	}
	ids := make([]string, len(s.ids)-1)
	copy(ids, s.ids[:len(s.ids)-1])
	return context.WithValue(ctx, ctxKey{}, &stack{ids: ids}), nil
}

// CurrentAccount returns the innermost scoped account id.
func CurrentAccount(ctx context.Context) (string, error) {
	s := fromContext(ctx)
	if s == nil || len(s.ids) == 0 {
		return "", ErrNoScope
	}
	return s.ids[len(s.ids)-1], nil
}

// Depth reports how many scopes are stacked on the context.
func Depth(ctx context.Context) int {
	s := fromContext(ctx)
	if s == nil {
		return 0
	}
	return len(s.ids)
}

// Stack returns a copy of the scope stack, outermost first. Useful in
// error reports when the depth bound trips.
func Stack(ctx context.Context) []string {
	s := fromContext(ctx)
	if s == nil || len(s.ids) == 0 {
		return nil
	}
	out := make([]string, len(s.ids))
	copy(out, s.ids)
	return out
}

// Scope runs fn with accountID pushed. The scope lives only on the
// derived context handed to fn; the caller's context is untouched either
// way, so there is nothing to unwind when fn fails.
func Scope(ctx context.Context, accountID string, fn func(ctx context.Context) error) error {
	scoped, err := Push(ctx, accountID)
	if err != nil {
		return err
	}
	return fn(scoped)
}
