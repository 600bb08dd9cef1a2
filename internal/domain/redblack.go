package domain

import (
	"errors"
	"fmt"
)

// UpgradeStrategy replaces a deployed release with a new version.
// Implementations run inside a workflow body and reach the platforms only
// through the manager's activities.
type UpgradeStrategy interface {
	Name() string
	Upgrade(runner DurableRunner, m *ReleaseManager, report ReleaseAnalysisReport) (Release, error)

	// Rollback unwinds an upgrade that has not committed. Calling it on a
	// replacing release that is already FAILED is a no-op.
	Rollback(runner DurableRunner, m *ReleaseManager, report ReleaseAnalysisReport) (Release, error)
}

// RedBlackStrategy deploys the added and changed applications next to
// the running ones, waits for the health gate and only then removes the
// old deployments. A rejected gate removes the new deployments instead
// and leaves the existing release untouched.
type RedBlackStrategy struct{}

func (RedBlackStrategy) Name() string { return "redblack" }

func (RedBlackStrategy) Upgrade(runner DurableRunner, m *ReleaseManager, report ReleaseAnalysisReport) (Release, error) {
	run := &redBlackRun{runner: runner, m: m, report: report, replacing: report.Replacing}
	machine := NewUpgradeMachine(run)
	key := report.Replacing.Key()
	machine.OnTransition = func(from, to UpgradeState, event UpgradeEvent) {
		m.logger().Info("upgrade phase",
			"release", key.Name, "version", key.Version, "from", from, "to", to, "event", event)
		if m.OnTransition != nil {
			m.OnTransition(key, from, to, event)
		}
	}

	if err := machine.Fire(EventStart); err != nil {
		switch machine.State() {
		case UpgradeDeployingTarget, UpgradeHealthCheck:
			run.cause = err
			if rbErr := machine.Fire(EventReject); rbErr != nil {
				return run.replacing, errors.Join(err, rbErr)
			}
		default:
			return run.replacing, err
		}
	}

	switch machine.State() {
	case UpgradeDeployed:
		return run.replacing, run.partial
	case UpgradeFailed:
		return run.replacing, errors.Join(run.cause, run.partial)
	default:
		return run.replacing, fmt.Errorf("upgrade of %s stopped in state %s", key, machine.State())
	}
}

func (RedBlackStrategy) Rollback(runner DurableRunner, m *ReleaseManager, report ReleaseAnalysisReport) (Release, error) {
	key := report.Replacing.Key()
	current, err := RunActivity(runner, m.LoadRelease(), key)
	if err != nil {
		return Release{}, fmt.Errorf("load release %s: %w", key, err)
	}
	switch current.Status.Code {
	case StatusFailed:
		return current, nil
	case StatusDeployed, StatusDeleting, StatusDeleted:
		return current, fmt.Errorf("%w: release %s is %s and cannot be rolled back", ErrConflict, key, current.Status.Code)
	}

	run := &redBlackRun{runner: runner, m: m, report: report, replacing: current, cause: ErrCanceled}
	if _, err := run.Rollback(); err != nil {
		return run.replacing, err
	}
	return run.replacing, run.partial
}

// redBlackRun carries one upgrade through the [UpgradeMachine].
type redBlackRun struct {
	runner    DurableRunner
	m         *ReleaseManager
	report    ReleaseAnalysisReport
	replacing Release

	// untracked holds deployments whose record write failed.
	untracked []DeploymentRef
	created   []DeploymentRecord

	cause   error
	partial error
}

func (r *redBlackRun) key() ReleaseKey { return r.replacing.Key() }

func (r *redBlackRun) save(code StatusCode, message string) error {
	saved, err := RunActivity(r.runner, r.m.SaveRelease(), r.replacing.WithStatus(code, message))
	if err != nil {
		return err
	}
	r.replacing = saved
	return nil
}

func (r *redBlackRun) DeployTarget() (UpgradeEvent, error) {
	existing := r.report.Existing.Version
	if err := r.save(StatusDeploying, fmt.Sprintf("Upgrading from version %d: deploying target", existing)); err != nil {
		return "", err
	}
	for _, name := range r.report.ApplicationNamesToUpgrade {
		canceled, err := RunActivity(r.runner, r.m.CheckCanceled(), r.key().Name)
		if err != nil {
			return "", err
		}
		if canceled {
			r.cause = fmt.Errorf("%w: upgrade of %s canceled by operator", ErrCanceled, r.key())
			return EventCancel, nil
		}

		spec, _ := r.report.ReplacingSpec(name)
		res, err := RunActivity(r.runner, r.m.DeployApplication(), DeployInput{
			Release:  r.key(),
			Platform: r.replacing.Platform,
			Spec:     spec,
		})
		if err != nil {
			return "", err
		}
		if res.Error != "" {
			if res.Record.DeploymentID != "" {
				r.untracked = append(r.untracked, res.Record.Ref())
			}
			r.cause = fmt.Errorf("%w: %s: %s", ErrDeployFailed, name, res.Error)
			return EventReject, nil
		}
		r.created = append(r.created, res.Record)
	}
	return EventTargetDeployed, nil
}

func (r *redBlackRun) CheckHealth() (UpgradeEvent, error) {
	if err := r.save(StatusDeploying, fmt.Sprintf("Upgrading from version %d: waiting for health", r.report.Existing.Version)); err != nil {
		return "", err
	}
	ids := make([]DeploymentID, len(r.created))
	for i, rec := range r.created {
		ids[i] = rec.DeploymentID
	}
	res, err := RunActivity(r.runner, r.m.CheckHealth(), HealthCheck{
		Release:       r.key(),
		Platform:      r.replacing.Platform,
		DeploymentIDs: ids,
	})
	if err != nil {
		return "", err
	}
	switch res.Outcome {
	case HealthHealthy:
		return EventAccept, nil
	case HealthCanceled:
		r.cause = fmt.Errorf("%w: %s", ErrCanceled, res.Reason)
		return EventCancel, nil
	case HealthTimeout:
		r.cause = fmt.Errorf("%w: %s", ErrHealthTimeout, res.Reason)
		return EventReject, nil
	default:
		r.cause = fmt.Errorf("%w: unhealthy: %s", ErrDeployFailed, res.Reason)
		return EventReject, nil
	}
}

func (r *redBlackRun) Commit() (UpgradeEvent, error) {
	existingKey := r.report.Existing.Key()
	old, err := RunActivity(r.runner, r.m.ListRecords(), existingKey)
	if err != nil {
		return "", err
	}

	unchanged := make(map[string]bool, len(r.report.Difference.Unchanged))
	for _, name := range r.report.Difference.Unchanged {
		unchanged[name] = true
	}
	var keep []DeploymentRecord
	var retire []DeploymentRef
	for _, rec := range old {
		if unchanged[rec.ApplicationName] {
			keep = append(keep, rec)
		} else {
			retire = append(retire, rec.Ref())
		}
	}

	attached, err := RunActivity(r.runner, r.m.AttachRecords(), AttachInput{Target: r.key(), Records: keep})
	if err != nil {
		return "", err
	}
	swept, err := RunActivity(r.runner, r.m.UndeployApplications(), UndeployInput{Release: existingKey, Deployments: retire})
	if err != nil {
		return "", err
	}
	r.partial = swept.Err(existingKey)

	existingMessage := fmt.Sprintf("Replaced by version %d", r.key().Version)
	if r.partial != nil {
		existingMessage += ": " + r.partial.Error()
	}
	existing := r.report.Existing
	existing.Status.Applications = nil
	if _, err := RunActivity(r.runner, r.m.SaveRelease(), existing.WithStatus(StatusDeleted, existingMessage)); err != nil {
		return "", err
	}

	r.replacing.Status.Applications = r.applicationStatuses(attached)
	if err := r.save(StatusDeployed, StatusMessage(r.replacing.Status.Applications)); err != nil {
		return "", err
	}
	return EventCommitted, nil
}

// applicationStatuses lists the replacing release's applications in
// manifest order. Kept applications carry their last observed state.
func (r *redBlackRun) applicationStatuses(attached []DeploymentRecord) []ApplicationStatus {
	byName := make(map[string]ApplicationStatus, len(r.created)+len(attached))
	for _, rec := range r.created {
		byName[rec.ApplicationName] = ApplicationStatus{Name: rec.ApplicationName, DeploymentID: rec.DeploymentID, State: DeploymentStateDeploying}
	}
	previous := make(map[string]ApplicationStatus, len(r.report.Existing.Status.Applications))
	for _, a := range r.report.Existing.Status.Applications {
		previous[a.Name] = a
	}
	for _, rec := range attached {
		app, ok := previous[rec.ApplicationName]
		if !ok || app.DeploymentID != rec.DeploymentID {
			app = ApplicationStatus{Name: rec.ApplicationName, DeploymentID: rec.DeploymentID, State: DeploymentStateUnknown}
		}
		byName[rec.ApplicationName] = app
	}
	apps := make([]ApplicationStatus, 0, len(byName))
	for _, spec := range r.report.ReplacingSpecs {
		if app, ok := byName[spec.Name]; ok {
			apps = append(apps, app)
		}
	}
	return apps
}

// Rollback removes the deployments created for the replacing release.
// They are read back from the store so the sweep also covers deployments
// made by an earlier attempt.
func (r *redBlackRun) Rollback() (UpgradeEvent, error) {
	records, err := RunActivity(r.runner, r.m.ListRecords(), r.key())
	if err != nil {
		return "", err
	}
	old, err := RunActivity(r.runner, r.m.ListRecords(), r.report.Existing.Key())
	if err != nil {
		return "", err
	}
	serving := make(map[DeploymentID]bool, len(old))
	for _, rec := range old {
		serving[rec.DeploymentID] = true
	}

	refs := append([]DeploymentRef(nil), r.untracked...)
	for _, rec := range records {
		if !serving[rec.DeploymentID] {
			refs = append(refs, rec.Ref())
		}
	}
	swept, err := RunActivity(r.runner, r.m.UndeployApplications(), UndeployInput{Release: r.key(), Deployments: refs})
	if err != nil {
		return "", err
	}
	r.partial = swept.Err(r.key())

	message := "Upgrade rolled back"
	if r.cause != nil {
		message += ": " + r.cause.Error()
	}
	if r.partial != nil {
		message += "; " + r.partial.Error()
	}
	r.replacing.Status.Applications = nil
	if err := r.save(StatusFailed, message); err != nil {
		return "", err
	}
	return EventRolledBack, nil
}
