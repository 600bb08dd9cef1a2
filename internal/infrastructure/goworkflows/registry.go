// Package goworkflows implements [domain.WorkflowEngine] using
// cschleiden/go-workflows for durable workflow execution.
package goworkflows

import (
	"context"
	"fmt"
	"time"

	"github.com/cschleiden/go-workflows/client"
	"github.com/cschleiden/go-workflows/registry"
	"github.com/cschleiden/go-workflows/worker"
	"github.com/cschleiden/go-workflows/workflow"
	"github.com/google/uuid"

	"github.com/skipper-release/skipper/internal/domain"
)

// activityInvoker calls an activity from the workflow context with the
// correct generic types. Created at construction time when concrete
// types are known.
type activityInvoker func(wfCtx workflow.Context, in any) (any, error)

// Engine implements [domain.WorkflowEngine] backed by go-workflows.
type Engine struct {
	Worker *worker.Worker
	Client *client.Client

	// Timeout bounds how long AwaitResult waits for a workflow result.
	Timeout time.Duration
}

func (e *Engine) timeout() time.Duration {
	if e.Timeout > 0 {
		return e.Timeout
	}
	return 10 * time.Minute
}

func (e *Engine) LifecycleRunner(m *domain.ReleaseManager) (domain.LifecycleRunner, error) {
	invokers := make(map[string]activityInvoker)

	regs := []func() error{
		func() error { return registerActivity(e.Worker, invokers, m.LoadRelease()) },
		func() error { return registerActivity(e.Worker, invokers, m.LoadLatest()) },
		func() error { return registerActivity(e.Worker, invokers, m.ReadManifest()) },
		func() error { return registerActivity(e.Worker, invokers, m.SaveRelease()) },
		func() error { return registerActivity(e.Worker, invokers, m.AnalyzeReleases()) },
		func() error { return registerActivity(e.Worker, invokers, m.DeployApplication()) },
		func() error { return registerActivity(e.Worker, invokers, m.UndeployApplications()) },
		func() error { return registerActivity(e.Worker, invokers, m.ListRecords()) },
		func() error { return registerActivity(e.Worker, invokers, m.AttachRecords()) },
		func() error { return registerActivity(e.Worker, invokers, m.CheckHealth()) },
		func() error { return registerActivity(e.Worker, invokers, m.CheckCanceled()) },
	}
	for _, reg := range regs {
		if err := reg(); err != nil {
			return nil, err
		}
	}

	install := func(ctx workflow.Context, key domain.ReleaseKey) (domain.Release, error) {
		return m.Install(&durableRunner{wfCtx: ctx, invokers: invokers}, key)
	}
	upgrade := func(ctx workflow.Context, req domain.UpgradeRequest) (domain.Release, error) {
		return m.Upgrade(&durableRunner{wfCtx: ctx, invokers: invokers}, req)
	}
	del := func(ctx workflow.Context, key domain.ReleaseKey) (domain.Release, error) {
		return m.Delete(&durableRunner{wfCtx: ctx, invokers: invokers}, key)
	}

	if err := e.Worker.RegisterWorkflow(install, registry.WithName(domain.InstallWorkflowName)); err != nil {
		return nil, fmt.Errorf("register workflow %q: %w", domain.InstallWorkflowName, err)
	}
	if err := e.Worker.RegisterWorkflow(upgrade, registry.WithName(domain.UpgradeWorkflowName)); err != nil {
		return nil, fmt.Errorf("register workflow %q: %w", domain.UpgradeWorkflowName, err)
	}
	if err := e.Worker.RegisterWorkflow(del, registry.WithName(domain.DeleteWorkflowName)); err != nil {
		return nil, fmt.Errorf("register workflow %q: %w", domain.DeleteWorkflowName, err)
	}

	return &lifecycleRunner{client: e.Client, timeout: e.timeout()}, nil
}

// registerActivity registers a typed activity with go-workflows and
// creates a corresponding typed invoker.
func registerActivity[I, O any](
	w *worker.Worker,
	invokers map[string]activityInvoker,
	activity domain.Activity[I, O],
) error {
	activityFn := func(ctx context.Context, in I) (O, error) {
		return activity.Run(ctx, in)
	}

	if err := w.RegisterActivity(activityFn, registry.WithName(activity.Name())); err != nil {
		return fmt.Errorf("register activity %q: %w", activity.Name(), err)
	}

	invokers[activity.Name()] = func(wfCtx workflow.Context, in any) (any, error) {
		result, err := workflow.ExecuteActivity[O](
			wfCtx, workflow.DefaultActivityOptions, activity.Name(), in,
		).Get(wfCtx)
		return result, err
	}

	return nil
}

type durableRunner struct {
	wfCtx    workflow.Context
	invokers map[string]activityInvoker
}

func (r *durableRunner) ID() string {
	return workflow.WorkflowInstance(r.wfCtx).InstanceID
}

func (r *durableRunner) Context() context.Context {
	return context.Background()
}

func (r *durableRunner) Run(activity domain.Activity[any, any], in any) (any, error) {
	invoke, ok := r.invokers[activity.Name()]
	if !ok {
		return nil, fmt.Errorf("activity %q not registered", activity.Name())
	}
	return invoke(r.wfCtx, in)
}

type lifecycleRunner struct {
	client  *client.Client
	timeout time.Duration
}

func (r *lifecycleRunner) Install(ctx context.Context, key domain.ReleaseKey) (domain.WorkflowHandle[domain.Release], error) {
	return r.start(ctx, domain.InstallWorkflowName, key)
}

func (r *lifecycleRunner) Upgrade(ctx context.Context, req domain.UpgradeRequest) (domain.WorkflowHandle[domain.Release], error) {
	return r.start(ctx, domain.UpgradeWorkflowName, req)
}

func (r *lifecycleRunner) Delete(ctx context.Context, key domain.ReleaseKey) (domain.WorkflowHandle[domain.Release], error) {
	return r.start(ctx, domain.DeleteWorkflowName, key)
}

func (r *lifecycleRunner) start(ctx context.Context, name string, arg any) (domain.WorkflowHandle[domain.Release], error) {
	instance, err := r.client.CreateWorkflowInstance(ctx, client.WorkflowInstanceOptions{
		InstanceID: uuid.NewString(),
	}, name, arg)
	if err != nil {
		return nil, fmt.Errorf("create %s workflow instance: %w", name, err)
	}

	return &workflowHandle{
		client:   r.client,
		instance: instance,
		timeout:  r.timeout,
	}, nil
}

type workflowHandle struct {
	client   *client.Client
	instance *workflow.Instance
	timeout  time.Duration
}

func (h *workflowHandle) WorkflowID() string {
	return h.instance.InstanceID
}

func (h *workflowHandle) AwaitResult(ctx context.Context) (domain.Release, error) {
	return client.GetWorkflowResult[domain.Release](ctx, h.client, h.instance, h.timeout)
}
