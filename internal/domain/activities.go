package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Activity names, stable across engines and restarts.
const (
	activityLoadRelease   = "load-release"
	activityLoadLatest    = "load-latest-release"
	activityReadManifest  = "read-manifest"
	activitySaveRelease   = "save-release"
	activityAnalyze       = "analyze-releases"
	activityDeploy        = "deploy-application"
	activityUndeploy      = "undeploy-applications"
	activityListRecords   = "list-deployment-records"
	activityAttachRecords = "attach-deployment-records"
	activityCheckHealth   = "check-health"
	activityCheckCanceled = "check-canceled"
)

// DeployInput is the input of the deploy activity.
type DeployInput struct {
	Release  ReleaseKey
	Platform string
	Spec     ApplicationSpec
}

// DeployResult carries the outcome of one deploy call. A platform
// failure is reported in Error rather than as an activity error, so the
// workflow can branch on it after the result went through serialization.
// Record.DeploymentID is set whenever the platform returned an id, even
// if Error is also set.
type DeployResult struct {
	Record DeploymentRecord
	Error  string
}

// DeploymentRef is a deployment id together with the platform owning it.
type DeploymentRef struct {
	Platform string
	ID       DeploymentID
}

// Ref returns the platform reference of the record.
func (r DeploymentRecord) Ref() DeploymentRef {
	return DeploymentRef{Platform: r.Platform, ID: r.DeploymentID}
}

// UndeployInput is the input of the undeploy sweep activity.
type UndeployInput struct {
	Release     ReleaseKey
	Deployments []DeploymentRef
}

// UndeployResult lists the deployments that stayed up after one retry.
type UndeployResult struct {
	Failed  []DeploymentID
	Reasons []string
}

// Err returns a [*PartialUndeployError] for key when some deployments
// could not be removed, or nil.
func (r UndeployResult) Err(key ReleaseKey) error {
	if len(r.Failed) == 0 {
		return nil
	}
	return &PartialUndeployError{Release: key, IDs: r.Failed, Reasons: r.Reasons}
}

// AttachInput re-attributes deployment records to another release version.
type AttachInput struct {
	Target  ReleaseKey
	Records []DeploymentRecord
}

// LoadRelease returns the activity that reads one release version.
func (m *ReleaseManager) LoadRelease() Activity[ReleaseKey, Release] {
	return NewActivity(activityLoadRelease, func(ctx context.Context, key ReleaseKey) (Release, error) {
		return m.Releases.Get(ctx, key.Name, key.Version)
	})
}

// LoadLatest returns the activity that reads the highest version of a name.
func (m *ReleaseManager) LoadLatest() Activity[string, Release] {
	return NewActivity(activityLoadLatest, func(ctx context.Context, name string) (Release, error) {
		return m.Releases.Latest(ctx, name)
	})
}

// ReadManifest returns the activity that parses manifest text.
func (m *ReleaseManager) ReadManifest() Activity[string, []ApplicationSpec] {
	return NewActivity(activityReadManifest, func(_ context.Context, manifest string) ([]ApplicationSpec, error) {
		return m.ParseManifest(manifest)
	})
}

// ParseManifest reads manifest text and checks that application names
// are present and unique.
func (m *ReleaseManager) ParseManifest(manifest string) ([]ApplicationSpec, error) {
	specs, err := m.Manifests.Read(manifest)
	if err != nil {
		return nil, err
	}
	if err := validateSpecs(specs); err != nil {
		return nil, err
	}
	return specs, nil
}

// SaveRelease returns the activity that persists a release, stamping
// UpdatedAt.
func (m *ReleaseManager) SaveRelease() Activity[Release, Release] {
	return NewActivity(activitySaveRelease, func(ctx context.Context, r Release) (Release, error) {
		r.UpdatedAt = m.now()
		if err := m.Releases.Update(ctx, r); err != nil {
			return Release{}, fmt.Errorf("save release %s: %w", r.Key(), err)
		}
		return r, nil
	})
}

// AnalyzeReleases returns the activity that builds the analysis report
// of an upgrade request.
func (m *ReleaseManager) AnalyzeReleases() Activity[UpgradeRequest, ReleaseAnalysisReport] {
	return NewActivity(activityAnalyze, func(ctx context.Context, req UpgradeRequest) (ReleaseAnalysisReport, error) {
		existing, err := m.Releases.Get(ctx, req.Existing.Name, req.Existing.Version)
		if err != nil {
			return ReleaseAnalysisReport{}, fmt.Errorf("load existing release %s: %w", req.Existing, err)
		}
		replacing, err := m.Releases.Get(ctx, req.Replacing.Name, req.Replacing.Version)
		if err != nil {
			return ReleaseAnalysisReport{}, fmt.Errorf("load replacing release %s: %w", req.Replacing, err)
		}
		return m.CreateReport(&existing, &replacing)
	})
}

// DeployApplication returns the activity that deploys one application
// and records its deployment id in the same step. An existing record for
// the application makes the activity return it without deploying again.
func (m *ReleaseManager) DeployApplication() Activity[DeployInput, DeployResult] {
	return NewActivity(activityDeploy, func(ctx context.Context, in DeployInput) (DeployResult, error) {
		rec, err := m.Records.Get(ctx, in.Release, in.Spec.Name)
		if err == nil {
			return DeployResult{Record: rec}, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return DeployResult{}, fmt.Errorf("look up deployment record: %w", err)
		}

		logger := m.logger().With("release", in.Release.Name, "version", in.Release.Version,
			"app", in.Spec.Name, "platform", in.Platform)

		deployer, err := m.Platforms.Get(in.Platform)
		if err != nil {
			return DeployResult{Error: err.Error()}, nil
		}
		id, err := deployer.Deploy(ctx, DeployRequest{Release: in.Release, Spec: in.Spec})
		if err != nil {
			logger.Error("deploy failed", "error", err)
			return DeployResult{Error: err.Error()}, nil
		}

		rec = DeploymentRecord{
			ReleaseName:     in.Release.Name,
			Version:         in.Release.Version,
			ApplicationName: in.Spec.Name,
			Platform:        in.Platform,
			DeploymentID:    id,
			CreatedAt:       m.now(),
		}
		if err := m.Records.Put(ctx, rec); err != nil {
			logger.Warn("deployment is not tracked and may leak", "deployment_id", id, "error", err)
			return DeployResult{Record: rec, Error: fmt.Sprintf("record deployment %s: %v", id, err)}, nil
		}
		logger.Info("deployed", "deployment_id", id)
		return DeployResult{Record: rec}, nil
	})
}

// UndeployApplications returns the activity that sweeps a set of
// deployments. Every deployment is attempted; failures are retried once.
func (m *ReleaseManager) UndeployApplications() Activity[UndeployInput, UndeployResult] {
	return NewActivity(activityUndeploy, func(ctx context.Context, in UndeployInput) (UndeployResult, error) {
		logger := m.logger().With("release", in.Release.Name, "version", in.Release.Version)

		var pending []DeploymentRef
		for _, ref := range in.Deployments {
			if err := m.undeploy(ctx, ref); err != nil {
				logger.Warn("undeploy failed, will retry", "deployment_id", ref.ID, "platform", ref.Platform, "error", err)
				pending = append(pending, ref)
				continue
			}
			logger.Info("undeployed", "deployment_id", ref.ID, "platform", ref.Platform)
		}

		var result UndeployResult
		for _, ref := range pending {
			if err := m.undeploy(ctx, ref); err != nil {
				logger.Error("undeploy retry failed", "deployment_id", ref.ID, "platform", ref.Platform, "error", err)
				result.Failed = append(result.Failed, ref.ID)
				result.Reasons = append(result.Reasons, err.Error())
			}
		}
		return result, nil
	})
}

func (m *ReleaseManager) undeploy(ctx context.Context, ref DeploymentRef) error {
	deployer, err := m.Platforms.Get(ref.Platform)
	if err != nil {
		return err
	}
	return deployer.Undeploy(ctx, ref.ID)
}

// ListRecords returns the activity that lists the deployment records of
// a release version.
func (m *ReleaseManager) ListRecords() Activity[ReleaseKey, []DeploymentRecord] {
	return NewActivity(activityListRecords, func(ctx context.Context, key ReleaseKey) ([]DeploymentRecord, error) {
		return m.Records.ListByRelease(ctx, key)
	})
}

// AttachRecords returns the activity that copies deployment records to
// the target release version, keeping their deployment ids.
func (m *ReleaseManager) AttachRecords() Activity[AttachInput, []DeploymentRecord] {
	return NewActivity(activityAttachRecords, func(ctx context.Context, in AttachInput) ([]DeploymentRecord, error) {
		out := make([]DeploymentRecord, 0, len(in.Records))
		for _, rec := range in.Records {
			rec.ReleaseName = in.Target.Name
			rec.Version = in.Target.Version
			rec.CreatedAt = m.now()
			if err := m.Records.Put(ctx, rec); err != nil {
				return nil, fmt.Errorf("attach %s to %s: %w", rec.ApplicationName, in.Target, err)
			}
			out = append(out, rec)
		}
		return out, nil
	})
}

// CheckHealth returns the activity that runs the health gate.
func (m *ReleaseManager) CheckHealth() Activity[HealthCheck, HealthResult] {
	return NewActivity(activityCheckHealth, func(ctx context.Context, check HealthCheck) (HealthResult, error) {
		if m.canceled(check.Release.Name) {
			return HealthResult{Outcome: HealthCanceled, Reason: "canceled by operator"}, nil
		}
		deployer, err := m.Platforms.Get(check.Platform)
		if err != nil {
			return HealthResult{Outcome: HealthUnhealthy, Reason: err.Error()}, nil
		}
		return m.gate().Await(ctx, deployer, check), nil
	})
}

// CheckCanceled returns the activity that reads the operator cancel
// signal of a release name.
func (m *ReleaseManager) CheckCanceled() Activity[string, bool] {
	return NewActivity(activityCheckCanceled, func(_ context.Context, name string) (bool, error) {
		return m.canceled(name), nil
	})
}

func (m *ReleaseManager) canceled(name string) bool {
	return m.Cancels != nil && m.Cancels.Canceled(name)
}

func (m *ReleaseManager) gate() HealthGate {
	if m.Gate != nil {
		return m.Gate
	}
	return AcceptHealthGate{}
}

func (m *ReleaseManager) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}
