package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// ReleaseManager owns the lifecycle workflows of releases: install,
// upgrade through an [UpgradeStrategy], delete and single-pass status.
// Workflow bodies only touch the outside world through the manager's
// activities so durable engines can replay them.
type ReleaseManager struct {
	Releases  ReleaseRepository
	Records   DeploymentRecordRepository
	Platforms *PlatformRegistry
	Manifests ManifestReader

	// Gate defaults to [AcceptHealthGate].
	Gate    HealthGate
	Cancels CancelSignals

	// Strategy defaults to [RedBlackStrategy].
	Strategy UpgradeStrategy

	// OnTransition, when set, observes every upgrade phase change.
	OnTransition func(key ReleaseKey, from, to UpgradeState, event UpgradeEvent)

	Logger *slog.Logger
	Now    func() time.Time
}

func (m *ReleaseManager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now().UTC()
}

func (m *ReleaseManager) strategy() UpgradeStrategy {
	if m.Strategy != nil {
		return m.Strategy
	}
	return RedBlackStrategy{}
}

// Install deploys every application of the release identified by key.
// The release must be the latest version of its name. A release that is
// already DEPLOYED is returned unchanged. On any deploy failure the
// deployments obtained so far are removed and the release is FAILED.
func (m *ReleaseManager) Install(runner DurableRunner, key ReleaseKey) (Release, error) {
	rel, err := RunActivity(runner, m.LoadRelease(), key)
	if err != nil {
		return Release{}, fmt.Errorf("load release %s: %w", key, err)
	}
	latest, err := RunActivity(runner, m.LoadLatest(), key.Name)
	if err != nil {
		return rel, fmt.Errorf("load latest release of %q: %w", key.Name, err)
	}
	if latest.Version != rel.Version {
		return rel, fmt.Errorf("%w: release %s is not the latest version (latest is %d)", ErrConflict, key, latest.Version)
	}
	switch rel.Status.Code {
	case StatusDeployed:
		return rel, nil
	case StatusUnknown, StatusDeploying:
	default:
		return rel, fmt.Errorf("%w: cannot install release %s in status %s", ErrConflict, key, rel.Status.Code)
	}

	specs, err := RunActivity(runner, m.ReadManifest(), rel.Manifest)
	if err != nil {
		return m.fail(runner, rel, fmt.Errorf("read manifest: %w", err))
	}

	rel, err = RunActivity(runner, m.SaveRelease(), rel.WithStatus(StatusDeploying, "Install in progress"))
	if err != nil {
		return rel, err
	}

	var obtained []DeploymentRef
	apps := make([]ApplicationStatus, 0, len(specs))
	for _, spec := range specs {
		res, err := RunActivity(runner, m.DeployApplication(), DeployInput{Release: key, Platform: rel.Platform, Spec: spec})
		if err == nil && res.Error != "" {
			err = fmt.Errorf("%w: %s: %s", ErrDeployFailed, spec.Name, res.Error)
		}
		if res.Record.DeploymentID != "" {
			obtained = append(obtained, res.Record.Ref())
		}
		if err != nil {
			swept, sweepErr := RunActivity(runner, m.UndeployApplications(), UndeployInput{Release: key, Deployments: obtained})
			if sweepErr != nil {
				err = errors.Join(err, sweepErr)
			} else if partial := swept.Err(key); partial != nil {
				err = errors.Join(err, partial)
			}
			return m.fail(runner, rel, err)
		}
		apps = append(apps, ApplicationStatus{
			Name:         spec.Name,
			DeploymentID: res.Record.DeploymentID,
			State:        DeploymentStateDeploying,
		})
	}

	rel.Status.Applications = apps
	rel, err = RunActivity(runner, m.SaveRelease(), rel.WithStatus(StatusDeployed, StatusMessage(apps)))
	if err != nil {
		return rel, err
	}
	m.logger().Info("release installed", "release", key.Name, "version", key.Version, "apps", len(apps))
	return rel, nil
}

// Upgrade analyzes the request and hands the report to the configured
// strategy. The replacing release is FAILED when the analysis fails.
func (m *ReleaseManager) Upgrade(runner DurableRunner, req UpgradeRequest) (Release, error) {
	report, err := RunActivity(runner, m.AnalyzeReleases(), req)
	if err != nil {
		rel, loadErr := RunActivity(runner, m.LoadRelease(), req.Replacing)
		if loadErr != nil {
			return Release{}, errors.Join(err, loadErr)
		}
		return m.fail(runner, rel, fmt.Errorf("analyze upgrade: %w", err))
	}
	switch report.Replacing.Status.Code {
	case StatusDeployed, StatusFailed:
		return report.Replacing, nil
	}
	return m.strategy().Upgrade(runner, m, report)
}

// Delete undeploys every tracked deployment of a DEPLOYED release and
// marks it DELETED. Deployments that stay up after one retry are
// reported as a [*PartialUndeployError]; the release is DELETED anyway.
func (m *ReleaseManager) Delete(runner DurableRunner, key ReleaseKey) (Release, error) {
	rel, err := RunActivity(runner, m.LoadRelease(), key)
	if err != nil {
		return Release{}, fmt.Errorf("load release %s: %w", key, err)
	}
	switch rel.Status.Code {
	case StatusDeleted:
		return rel, nil
	case StatusDeployed, StatusDeleting:
	default:
		return rel, fmt.Errorf("%w: cannot delete release %s in status %s", ErrConflict, key, rel.Status.Code)
	}

	rel, err = RunActivity(runner, m.SaveRelease(), rel.WithStatus(StatusDeleting, "Delete in progress"))
	if err != nil {
		return rel, err
	}
	records, err := RunActivity(runner, m.ListRecords(), key)
	if err != nil {
		return rel, fmt.Errorf("list deployment records: %w", err)
	}
	refs := make([]DeploymentRef, len(records))
	for i, rec := range records {
		refs[i] = rec.Ref()
	}
	swept, err := RunActivity(runner, m.UndeployApplications(), UndeployInput{Release: key, Deployments: refs})
	if err != nil {
		return rel, err
	}

	partial := swept.Err(key)
	message := "Delete complete"
	if partial != nil {
		message = partial.Error()
	}
	rel.Status.Applications = nil
	rel, err = RunActivity(runner, m.SaveRelease(), rel.WithStatus(StatusDeleted, message))
	if err != nil {
		return rel, err
	}
	m.logger().Info("release deleted", "release", key.Name, "version", key.Version, "undeployed", len(refs)-len(swept.Failed))
	return rel, partial
}

// Abandon settles a DEPLOYING release whose workflow no longer runs. Its
// deployments that do not serve the deployed release of the same name
// are removed and the release is FAILED. Callers must make sure no
// workflow owns the release.
func (m *ReleaseManager) Abandon(ctx context.Context, key ReleaseKey) (Release, error) {
	rel, err := m.Releases.Get(ctx, key.Name, key.Version)
	if err != nil {
		return Release{}, fmt.Errorf("load release %s: %w", key, err)
	}
	if rel.Status.Code != StatusDeploying {
		return rel, fmt.Errorf("%w: cannot abandon release %s in status %s", ErrConflict, key, rel.Status.Code)
	}

	serving := make(map[DeploymentID]bool)
	deployed, err := m.Releases.LatestDeployed(ctx, key.Name)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return rel, err
	default:
		records, err := m.Records.ListByRelease(ctx, deployed.Key())
		if err != nil {
			return rel, fmt.Errorf("list deployment records of %s: %w", deployed.Key(), err)
		}
		for _, rec := range records {
			serving[rec.DeploymentID] = true
		}
	}

	records, err := m.Records.ListByRelease(ctx, key)
	if err != nil {
		return rel, fmt.Errorf("list deployment records of %s: %w", key, err)
	}
	var refs []DeploymentRef
	for _, rec := range records {
		if !serving[rec.DeploymentID] {
			refs = append(refs, rec.Ref())
		}
	}
	swept, err := m.UndeployApplications().Run(ctx, UndeployInput{Release: key, Deployments: refs})
	if err != nil {
		return rel, err
	}

	partial := swept.Err(key)
	message := "Operation interrupted; its deployments were removed"
	if partial != nil {
		message += ": " + partial.Error()
	}
	rel.Status.Applications = nil
	rel = rel.WithStatus(StatusFailed, message)
	rel.UpdatedAt = m.now()
	if err := m.Releases.Update(ctx, rel); err != nil {
		return rel, fmt.Errorf("save release %s: %w", key, err)
	}
	m.logger().Warn("interrupted release abandoned",
		"release", key.Name, "version", key.Version, "undeployed", len(refs)-len(swept.Failed))
	return rel, partial
}

// CreateReport parses both manifests and compares them. A platform change
// marks every common application as changed since nothing can be kept.
func (m *ReleaseManager) CreateReport(existing, replacing *Release) (ReleaseAnalysisReport, error) {
	if existing == nil || replacing == nil {
		return ReleaseAnalysisReport{}, fmt.Errorf("%w: both releases are required", ErrInvalidArgument)
	}
	if existing.Status.Code == StatusDeleted {
		return ReleaseAnalysisReport{}, fmt.Errorf("%w: existing release %s is deleted", ErrConflict, existing.Key())
	}
	existingSpecs, err := m.Manifests.Read(existing.Manifest)
	if err != nil {
		return ReleaseAnalysisReport{}, fmt.Errorf("read manifest of %s: %w", existing.Key(), err)
	}
	replacingSpecs, err := m.Manifests.Read(replacing.Manifest)
	if err != nil {
		return ReleaseAnalysisReport{}, fmt.Errorf("read manifest of %s: %w", replacing.Key(), err)
	}
	if err := validateSpecs(replacingSpecs); err != nil {
		return ReleaseAnalysisReport{}, fmt.Errorf("manifest of %s: %w", replacing.Key(), err)
	}

	report := NewReport(*existing, *replacing, existingSpecs, replacingSpecs)
	if existing.Platform != replacing.Platform {
		report = movePlatform(report)
	}
	return report, nil
}

func movePlatform(r ReleaseAnalysisReport) ReleaseAnalysisReport {
	before := make(map[string]ApplicationSpec, len(r.ExistingSpecs))
	for _, s := range r.ExistingSpecs {
		before[s.Name] = s
	}
	for _, name := range r.Difference.Unchanged {
		after, _ := r.ReplacingSpec(name)
		r.Difference.Changed = append(r.Difference.Changed, ApplicationDifference{Name: name, Before: before[name], After: after})
	}
	r.Difference.Unchanged = nil
	r.ApplicationNamesToUpgrade = r.ApplicationNamesToUpgrade[:0]
	for _, s := range r.ReplacingSpecs {
		r.ApplicationNamesToUpgrade = append(r.ApplicationNamesToUpgrade, s.Name)
	}
	return r
}

// Status polls the platform once for every tracked deployment of rel
// and returns rel with refreshed application statuses and message. It
// does not persist and does not wait for convergence.
func (m *ReleaseManager) Status(ctx context.Context, rel Release) (Release, error) {
	records, err := m.Records.ListByRelease(ctx, rel.Key())
	if err != nil {
		return rel, fmt.Errorf("list deployment records of %s: %w", rel.Key(), err)
	}
	apps := make([]ApplicationStatus, 0, len(records))
	for _, rec := range records {
		app := ApplicationStatus{Name: rec.ApplicationName, DeploymentID: rec.DeploymentID, State: DeploymentStateUnknown}
		st, err := m.pollStatus(ctx, rec)
		if err != nil {
			m.logger().Warn("status poll failed",
				"release", rel.Name, "version", rel.Version, "app", rec.ApplicationName,
				"deployment_id", rec.DeploymentID, "platform", rec.Platform, "error", err)
		} else {
			app.State = st.State
			app.Instances = st.Instances
		}
		apps = append(apps, app)
	}
	rel.Status.Applications = apps
	if rel.Status.Code == StatusDeployed {
		rel.Status.Message = StatusMessage(apps)
	}
	return rel, nil
}

func (m *ReleaseManager) pollStatus(ctx context.Context, rec DeploymentRecord) (AppStatus, error) {
	deployer, err := m.Platforms.Get(rec.Platform)
	if err != nil {
		return AppStatus{}, err
	}
	return deployer.Status(ctx, rec.DeploymentID)
}

// fail persists rel as FAILED with cause as its message and returns cause.
func (m *ReleaseManager) fail(runner DurableRunner, rel Release, cause error) (Release, error) {
	m.logger().Error("release failed", "release", rel.Name, "version", rel.Version, "error", cause)
	saved, err := RunActivity(runner, m.SaveRelease(), rel.WithStatus(StatusFailed, cause.Error()))
	if err != nil {
		return rel, errors.Join(cause, err)
	}
	return saved, cause
}

// StatusMessage aggregates application statuses into the release
// message: [AllDeployedMessage] when everything is deployed, otherwise
// the non-deployed applications and instances with their states.
func StatusMessage(apps []ApplicationStatus) string {
	if len(apps) == 0 {
		return "No applications deployed"
	}
	var pending []string
	for _, a := range apps {
		if a.State == DeploymentStateDeployed {
			continue
		}
		var instances []string
		for _, in := range a.Instances {
			if in.State != DeploymentStateDeployed {
				instances = append(instances, fmt.Sprintf("%s=%s", in.ID, in.State))
			}
		}
		sort.Strings(instances)
		if len(instances) == 0 {
			pending = append(pending, fmt.Sprintf("%s=%s", a.Name, a.State))
		} else {
			pending = append(pending, fmt.Sprintf("%s=%s [%s]", a.Name, a.State, strings.Join(instances, ", ")))
		}
	}
	if len(pending) == 0 {
		return AllDeployedMessage
	}
	return "Waiting for applications: " + strings.Join(pending, "; ")
}
