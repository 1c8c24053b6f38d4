// Package task provides cancellable asynchronous tasks: a single task
// handle, a group of tasks sharing one cancellation scope, and a periodic
// loop helper. It replaces raw interval handles kept in ad hoc maps.
package task

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrStop ends an Every loop without reporting an error.
var ErrStop = errors.New("task: stop")

// Handle is a running task that can be cancelled and awaited.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Go starts fn in its own goroutine under a child context of parent.
func Go(parent context.Context, fn func(ctx context.Context) error) *Handle {
	ctx, cancel := context.WithCancel(parent)
	h := &Handle{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		defer cancel()
		h.err = fn(ctx)
	}()
	return h
}

// Cancel asks the task to stop. It does not wait.
func (h *Handle) Cancel() { h.cancel() }

// Done is closed once the task has returned.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the task returns and reports its error.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

// Group runs tasks under one cancellation scope. Cancelling the group, or
// any member returning an error, stops every member.
type Group struct {
	eg     *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

// NewGroup creates a group derived from parent.
func NewGroup(parent context.Context) *Group {
	ctx, cancel := context.WithCancel(parent)
	eg, egCtx := errgroup.WithContext(ctx)
	return &Group{eg: eg, ctx: egCtx, cancel: cancel}
}

// Context is the context shared by the group's members.
func (g *Group) Context() context.Context { return g.ctx }

// Go starts fn as a member of the group.
func (g *Group) Go(fn func(ctx context.Context) error) {
	g.eg.Go(func() error { return fn(g.ctx) })
}

// Cancel stops every member. It does not wait.
func (g *Group) Cancel() { g.cancel() }

// Wait blocks until every member has returned and releases the scope.
func (g *Group) Wait() error {
	err := g.eg.Wait()
	g.cancel()
	return err
}

// Every runs fn once per interval until ctx is done or fn returns an error.
// Returning ErrStop ends the loop cleanly.
func Every(ctx context.Context, interval time.Duration, fn func(ctx context.Context) error) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		if err := fn(ctx); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
	}
}

// Sleep waits for d, returning early with ctx's error if it is cancelled.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
