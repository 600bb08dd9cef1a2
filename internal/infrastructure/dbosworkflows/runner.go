// Package dbosworkflows implements [domain.WorkflowEngine] using
// the DBOS Transact Go SDK.
package dbosworkflows

import (
	"context"
	"fmt"

	"github.com/dbos-inc/dbos-transact-golang/dbos"

	"github.com/skipper-release/skipper/internal/domain"
)

// activityInvoker calls RunAsStep with the correct concrete output type.
// Created at construction time when concrete types are known.
type activityInvoker func(ctx dbos.DBOSContext, in any) (any, error)

// Engine implements [domain.WorkflowEngine] backed by DBOS.
//
// The caller must call [dbos.Launch] after creating runners and before
// invoking them. Workflows left pending by a crash are recovered by DBOS
// on launch.
type Engine struct {
	DBOSCtx dbos.DBOSContext
}

func (e *Engine) LifecycleRunner(m *domain.ReleaseManager) (domain.LifecycleRunner, error) {
	invokers := make(map[string]activityInvoker)

	registerActivity(invokers, m.LoadRelease())
	registerActivity(invokers, m.LoadLatest())
	registerActivity(invokers, m.ReadManifest())
	registerActivity(invokers, m.SaveRelease())
	registerActivity(invokers, m.AnalyzeReleases())
	registerActivity(invokers, m.DeployApplication())
	registerActivity(invokers, m.UndeployApplications())
	registerActivity(invokers, m.ListRecords())
	registerActivity(invokers, m.AttachRecords())
	registerActivity(invokers, m.CheckHealth())
	registerActivity(invokers, m.CheckCanceled())

	install := func(ctx dbos.DBOSContext, key domain.ReleaseKey) (domain.Release, error) {
		return m.Install(&durableRunner{ctx: ctx, invokers: invokers}, key)
	}
	upgrade := func(ctx dbos.DBOSContext, req domain.UpgradeRequest) (domain.Release, error) {
		return m.Upgrade(&durableRunner{ctx: ctx, invokers: invokers}, req)
	}
	del := func(ctx dbos.DBOSContext, key domain.ReleaseKey) (domain.Release, error) {
		return m.Delete(&durableRunner{ctx: ctx, invokers: invokers}, key)
	}

	dbos.RegisterWorkflow(e.DBOSCtx, install, dbos.WithWorkflowName(domain.InstallWorkflowName))
	dbos.RegisterWorkflow(e.DBOSCtx, upgrade, dbos.WithWorkflowName(domain.UpgradeWorkflowName))
	dbos.RegisterWorkflow(e.DBOSCtx, del, dbos.WithWorkflowName(domain.DeleteWorkflowName))

	return &lifecycleRunner{
		dbosCtx: e.DBOSCtx,
		install: install,
		upgrade: upgrade,
		del:     del,
	}, nil
}

// registerActivity creates a typed invoker that calls [dbos.RunAsStep]
// with the concrete output type O, ensuring correct JSON deserialization
// during workflow replay.
func registerActivity[I, O any](invokers map[string]activityInvoker, activity domain.Activity[I, O]) {
	invokers[activity.Name()] = func(ctx dbos.DBOSContext, in any) (any, error) {
		return dbos.RunAsStep(ctx, func(stepCtx context.Context) (O, error) {
			return activity.Run(stepCtx, in.(I))
		}, dbos.WithStepName(activity.Name()))
	}
}

type durableRunner struct {
	ctx      dbos.DBOSContext
	invokers map[string]activityInvoker
}

func (r *durableRunner) ID() string {
	id, _ := dbos.GetWorkflowID(r.ctx)
	return id
}

func (r *durableRunner) Context() context.Context {
	return r.ctx
}

func (r *durableRunner) Run(activity domain.Activity[any, any], in any) (any, error) {
	invoke, ok := r.invokers[activity.Name()]
	if !ok {
		return nil, fmt.Errorf("activity %q not registered", activity.Name())
	}
	return invoke(r.ctx, in)
}

type lifecycleRunner struct {
	dbosCtx dbos.DBOSContext
	install dbos.Workflow[domain.ReleaseKey, domain.Release]
	upgrade dbos.Workflow[domain.UpgradeRequest, domain.Release]
	del     dbos.Workflow[domain.ReleaseKey, domain.Release]
}

func (r *lifecycleRunner) Install(_ context.Context, key domain.ReleaseKey) (domain.WorkflowHandle[domain.Release], error) {
	return wrap(dbos.RunWorkflow(r.dbosCtx, r.install, key))
}

func (r *lifecycleRunner) Upgrade(_ context.Context, req domain.UpgradeRequest) (domain.WorkflowHandle[domain.Release], error) {
	return wrap(dbos.RunWorkflow(r.dbosCtx, r.upgrade, req))
}

func (r *lifecycleRunner) Delete(_ context.Context, key domain.ReleaseKey) (domain.WorkflowHandle[domain.Release], error) {
	return wrap(dbos.RunWorkflow(r.dbosCtx, r.del, key))
}

func wrap(handle dbos.WorkflowHandle[domain.Release], err error) (domain.WorkflowHandle[domain.Release], error) {
	if err != nil {
		return nil, fmt.Errorf("run DBOS workflow: %w", err)
	}
	return &workflowHandle{handle: handle}, nil
}

type workflowHandle struct {
	handle dbos.WorkflowHandle[domain.Release]
}

func (h *workflowHandle) WorkflowID() string {
	return h.handle.GetWorkflowID()
}

func (h *workflowHandle) AwaitResult(_ context.Context) (domain.Release, error) {
	return h.handle.GetResult()
}
