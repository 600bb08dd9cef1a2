// Package syncworkflow provides an in-process [domain.WorkflowEngine].
// Each workflow runs in its own goroutine; activities execute inline with
// no persistence or replay.
package syncworkflow

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/skipper-release/skipper/internal/domain"
)

var runCounter atomic.Int64

// Engine implements [domain.WorkflowEngine] with in-process execution.
// No durable state is kept; a workflow interrupted by a restart is not
// resumed.
type Engine struct{}

func (e *Engine) LifecycleRunner(m *domain.ReleaseManager) (domain.LifecycleRunner, error) {
	return &runner{m: m}, nil
}

type runner struct {
	m *domain.ReleaseManager
}

func (r *runner) Install(ctx context.Context, key domain.ReleaseKey) (domain.WorkflowHandle[domain.Release], error) {
	return start(ctx, func(dr domain.DurableRunner) (domain.Release, error) {
		return r.m.Install(dr, key)
	}), nil
}

func (r *runner) Upgrade(ctx context.Context, req domain.UpgradeRequest) (domain.WorkflowHandle[domain.Release], error) {
	return start(ctx, func(dr domain.DurableRunner) (domain.Release, error) {
		return r.m.Upgrade(dr, req)
	}), nil
}

func (r *runner) Delete(ctx context.Context, key domain.ReleaseKey) (domain.WorkflowHandle[domain.Release], error) {
	return start(ctx, func(dr domain.DurableRunner) (domain.Release, error) {
		return r.m.Delete(dr, key)
	}), nil
}

// start runs body in a goroutine detached from the caller's cancellation,
// so a request context ending does not abort an in-flight release
// operation.
func start(ctx context.Context, body func(domain.DurableRunner) (domain.Release, error)) *handle {
	id := runCounter.Add(1)
	h := &handle{id: id, done: make(chan struct{})}
	dr := &syncRunner{id: id, ctx: context.WithoutCancel(ctx)}
	go func() {
		defer close(h.done)
		h.result, h.err = body(dr)
	}()
	return h
}

type syncRunner struct {
	id  int64
	ctx context.Context
}

func (r *syncRunner) ID() string               { return fmt.Sprintf("sync-%d", r.id) }
func (r *syncRunner) Context() context.Context { return r.ctx }
func (r *syncRunner) Run(activity domain.Activity[any, any], in any) (any, error) {
	return activity.Run(r.ctx, in)
}

type handle struct {
	id     int64
	done   chan struct{}
	result domain.Release
	err    error
}

func (h *handle) WorkflowID() string { return fmt.Sprintf("sync-%d", h.id) }

func (h *handle) AwaitResult(ctx context.Context) (domain.Release, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return domain.Release{}, ctx.Err()
	}
}
