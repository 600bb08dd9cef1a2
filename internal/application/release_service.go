// Package application exposes release operations to callers. It checks
// preconditions, creates release versions and hands the lifecycle work to
// the configured workflow engine.
package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/skipper-release/skipper/internal/domain"
)

// Operation names used in logs and metrics.
const (
	opInstall  = "install"
	opUpgrade  = "upgrade"
	opRollback = "rollback"
	opDelete   = "delete"
)

// InstallInput is the caller-provided input for installing a release.
type InstallInput struct {
	Name     string
	Platform string
	Package  domain.PackageRef
	Config   map[string]string
}

// UpgradeInput is the caller-provided input for upgrading a release. An
// empty package name keeps the deployed package; nil Config keeps the
// deployed overrides.
type UpgradeInput struct {
	Name    string
	Package domain.PackageRef
	Config  map[string]string
}

// ReleaseService manages release lifecycles. Operations return as soon as
// the workflow started; the returned release carries the in-flight
// status. One operation per release name runs at a time.
type ReleaseService struct {
	Manager  *domain.ReleaseManager
	Packages domain.PackageResolver
	Runner   domain.LifecycleRunner
	Locks    *NameLocks
	Cancels  *CancelRegistry
	Logger   *slog.Logger
	Now      func() time.Time
}

func (s *ReleaseService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *ReleaseService) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *ReleaseService) releases() domain.ReleaseRepository { return s.Manager.Releases }

// lock takes the per-name lock or reports a conflict. A cancel raised
// after the previous operation of name finished is dropped.
func (s *ReleaseService) lock(op, name string) (func(), error) {
	unlock, ok := s.Locks.TryLock(name)
	if !ok {
		operationsRejected.WithLabelValues(op, "busy").Inc()
		return nil, fmt.Errorf("%w: an operation on release %q is in progress", domain.ErrConflict, name)
	}
	s.Cancels.Clear(name)
	return unlock, nil
}

// Install renders the package and installs it as the next version of
// name. The name must not have a deployed or in-flight release.
func (s *ReleaseService) Install(ctx context.Context, in InstallInput) (domain.Release, error) {
	if err := domain.ValidateName(in.Name); err != nil {
		return domain.Release{}, err
	}
	if in.Package.Name == "" {
		return domain.Release{}, fmt.Errorf("%w: package name is required", domain.ErrInvalidArgument)
	}
	if _, err := s.Manager.Platforms.Get(in.Platform); err != nil {
		return domain.Release{}, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}

	unlock, err := s.lock(opInstall, in.Name)
	if err != nil {
		return domain.Release{}, err
	}
	handedOff := false
	defer func() {
		if !handedOff {
			unlock()
		}
	}()

	version := 1
	latest, err := s.releases().Latest(ctx, in.Name)
	switch {
	case errors.Is(err, domain.ErrNotFound):
	case err != nil:
		return domain.Release{}, err
	default:
		switch latest.Status.Code {
		case domain.StatusDeployed, domain.StatusDeploying, domain.StatusDeleting:
			operationsRejected.WithLabelValues(opInstall, "state").Inc()
			return domain.Release{}, fmt.Errorf("%w: release %s is %s; use upgrade", domain.ErrConflict, latest.Key(), latest.Status.Code)
		}
		version = latest.Version + 1
	}

	manifest, err := s.render(ctx, in.Package, in.Config)
	if err != nil {
		return domain.Release{}, err
	}

	rel := s.newRelease(in.Name, version, in.Platform, in.Package, in.Config, manifest, "Install requested")
	if err := s.releases().Create(ctx, rel); err != nil {
		return domain.Release{}, fmt.Errorf("create release %s: %w", rel.Key(), err)
	}

	h, err := s.Runner.Install(ctx, rel.Key())
	if err != nil {
		return s.abort(ctx, rel, fmt.Errorf("start install: %w", err))
	}
	handedOff = true
	s.track(opInstall, rel.Key(), h, unlock)
	return rel, nil
}

// Upgrade renders the package and replaces the deployed release of name
// with it through the configured upgrade strategy.
func (s *ReleaseService) Upgrade(ctx context.Context, in UpgradeInput) (domain.Release, error) {
	if err := domain.ValidateName(in.Name); err != nil {
		return domain.Release{}, err
	}

	unlock, err := s.lock(opUpgrade, in.Name)
	if err != nil {
		return domain.Release{}, err
	}
	handedOff := false
	defer func() {
		if !handedOff {
			unlock()
		}
	}()

	current, err := s.releases().LatestDeployed(ctx, in.Name)
	if err != nil {
		return domain.Release{}, fmt.Errorf("no deployed release %q to upgrade: %w", in.Name, err)
	}
	latest, err := s.releases().Latest(ctx, in.Name)
	if err != nil {
		return domain.Release{}, err
	}
	if latest.Status.Code.InFlight() {
		return domain.Release{}, fmt.Errorf("%w: release %s is %s", domain.ErrConflict, latest.Key(), latest.Status.Code)
	}

	pkg := in.Package
	if pkg.Name == "" {
		pkg.Name = current.Package.Name
	}
	config := in.Config
	if config == nil {
		config = current.Config
	}
	manifest, err := s.render(ctx, pkg, config)
	if err != nil {
		return domain.Release{}, err
	}

	rel := s.newRelease(in.Name, latest.Version+1, current.Platform, pkg, config, manifest,
		fmt.Sprintf("Upgrade from version %d requested", current.Version))
	return s.startUpgrade(ctx, opUpgrade, current, rel, unlock, &handedOff)
}

// Rollback installs the manifest of an earlier version as a new version.
// Version 0 selects the highest version below the latest that was
// deployed at some point (DEPLOYED or DELETED). When a release is
// deployed the new version replaces it through the upgrade strategy;
// otherwise it is installed.
func (s *ReleaseService) Rollback(ctx context.Context, name string, version int) (domain.Release, error) {
	if err := domain.ValidateName(name); err != nil {
		return domain.Release{}, err
	}
	if version < 0 {
		return domain.Release{}, fmt.Errorf("%w: %d", domain.ErrInvalidVersion, version)
	}

	unlock, err := s.lock(opRollback, name)
	if err != nil {
		return domain.Release{}, err
	}
	handedOff := false
	defer func() {
		if !handedOff {
			unlock()
		}
	}()

	latest, err := s.releases().Latest(ctx, name)
	if err != nil {
		return domain.Release{}, err
	}
	if latest.Status.Code.InFlight() {
		return domain.Release{}, fmt.Errorf("%w: release %s is %s", domain.ErrConflict, latest.Key(), latest.Status.Code)
	}
	target, err := s.rollbackTarget(ctx, latest, version)
	if err != nil {
		return domain.Release{}, err
	}

	rel := s.newRelease(name, latest.Version+1, target.Platform, target.Package, target.Config, target.Manifest,
		fmt.Sprintf("Rollback to version %d requested", target.Version))

	current, err := s.releases().LatestDeployed(ctx, name)
	switch {
	case errors.Is(err, domain.ErrNotFound):
	case err != nil:
		return domain.Release{}, err
	default:
		return s.startUpgrade(ctx, opRollback, current, rel, unlock, &handedOff)
	}

	if err := s.releases().Create(ctx, rel); err != nil {
		return domain.Release{}, fmt.Errorf("create release %s: %w", rel.Key(), err)
	}
	h, err := s.Runner.Install(ctx, rel.Key())
	if err != nil {
		return s.abort(ctx, rel, fmt.Errorf("start rollback: %w", err))
	}
	handedOff = true
	s.track(opRollback, rel.Key(), h, unlock)
	return rel, nil
}

func (s *ReleaseService) rollbackTarget(ctx context.Context, latest domain.Release, version int) (domain.Release, error) {
	if version > 0 {
		return s.releases().Get(ctx, latest.Name, version)
	}
	history, err := s.releases().List(ctx, latest.Name)
	if err != nil {
		return domain.Release{}, err
	}
	for i := len(history) - 1; i >= 0; i-- {
		r := history[i]
		if r.Version >= latest.Version {
			continue
		}
		if r.Status.Code == domain.StatusDeployed || r.Status.Code == domain.StatusDeleted {
			return r, nil
		}
	}
	return domain.Release{}, fmt.Errorf("no earlier deployed version of %q to roll back to: %w", latest.Name, domain.ErrNotFound)
}

func (s *ReleaseService) startUpgrade(ctx context.Context, op string, current, rel domain.Release, unlock func(), handedOff *bool) (domain.Release, error) {
	if _, err := s.Manager.ParseManifest(rel.Manifest); err != nil {
		return domain.Release{}, fmt.Errorf("manifest of %s: %w", rel.Key(), err)
	}
	if err := s.releases().Create(ctx, rel); err != nil {
		return domain.Release{}, fmt.Errorf("create release %s: %w", rel.Key(), err)
	}
	h, err := s.Runner.Upgrade(ctx, domain.UpgradeRequest{Existing: current.Key(), Replacing: rel.Key()})
	if err != nil {
		return s.abort(ctx, rel, fmt.Errorf("start %s: %w", op, err))
	}
	*handedOff = true
	s.track(op, rel.Key(), h, unlock)
	return rel, nil
}

// Delete undeploys the deployed release of name.
func (s *ReleaseService) Delete(ctx context.Context, name string) (domain.Release, error) {
	if err := domain.ValidateName(name); err != nil {
		return domain.Release{}, err
	}

	unlock, err := s.lock(opDelete, name)
	if err != nil {
		return domain.Release{}, err
	}
	handedOff := false
	defer func() {
		if !handedOff {
			unlock()
		}
	}()

	rel, err := s.releases().LatestDeployed(ctx, name)
	if err != nil {
		return domain.Release{}, fmt.Errorf("no deployed release %q to delete: %w", name, err)
	}
	rel = rel.WithStatus(domain.StatusDeleting, "Delete requested")
	rel.UpdatedAt = s.now()
	if err := s.releases().Update(ctx, rel); err != nil {
		return domain.Release{}, err
	}

	h, err := s.Runner.Delete(ctx, rel.Key())
	if err != nil {
		// The release is still deployed; put it back.
		restore := rel.WithStatus(domain.StatusDeployed, domain.StatusMessage(rel.Status.Applications))
		if upErr := s.releases().Update(ctx, restore); upErr != nil {
			err = errors.Join(err, upErr)
		}
		return domain.Release{}, fmt.Errorf("start delete: %w", err)
	}
	handedOff = true
	s.track(opDelete, rel.Key(), h, unlock)
	return rel, nil
}

// Status returns one version of name, the latest when version is 0. A
// deployed release that has not settled is polled once and the result
// persisted, unless another operation holds the name.
func (s *ReleaseService) Status(ctx context.Context, name string, version int) (domain.Release, error) {
	if err := domain.ValidateName(name); err != nil {
		return domain.Release{}, err
	}
	if version < 0 {
		return domain.Release{}, fmt.Errorf("%w: %d", domain.ErrInvalidVersion, version)
	}

	var rel domain.Release
	var err error
	if version == 0 {
		rel, err = s.releases().Latest(ctx, name)
	} else {
		rel, err = s.releases().Get(ctx, name, version)
	}
	if err != nil {
		return domain.Release{}, err
	}
	if rel.Status.Code != domain.StatusDeployed || rel.Status.Settled() {
		return rel, nil
	}

	unlock, ok := s.Locks.TryLock(name)
	if !ok {
		return rel, nil
	}
	defer unlock()
	return refresh(ctx, s.Manager, rel, s.now())
}

// refresh polls rel once and persists the result. The caller holds the
// name lock.
func refresh(ctx context.Context, m *domain.ReleaseManager, rel domain.Release, now time.Time) (domain.Release, error) {
	polled, err := m.Status(ctx, rel)
	if err != nil {
		return rel, err
	}
	polled.UpdatedAt = now
	if err := m.Releases.Update(ctx, polled); err != nil {
		return rel, fmt.Errorf("save status of %s: %w", rel.Key(), err)
	}
	return polled, nil
}

// History returns every version of name, oldest first.
func (s *ReleaseService) History(ctx context.Context, name string) ([]domain.Release, error) {
	if err := domain.ValidateName(name); err != nil {
		return nil, err
	}
	return s.releases().List(ctx, name)
}

// Cancel asks the in-flight upgrade of name to roll back. Installs and
// deletes do not observe the signal.
func (s *ReleaseService) Cancel(name string) error {
	if err := domain.ValidateName(name); err != nil {
		return err
	}
	if !s.Locks.Held(name) {
		return fmt.Errorf("no operation in progress for %q: %w", name, domain.ErrNotFound)
	}
	s.Cancels.Raise(name)
	s.logger().Info("cancel requested", "release", name)
	return nil
}

// Wait blocks until no operation holds name.
func (s *ReleaseService) Wait(ctx context.Context, name string) error {
	return s.Locks.Wait(ctx, name)
}

func (s *ReleaseService) render(ctx context.Context, pkg domain.PackageRef, config map[string]string) (string, error) {
	manifest, err := s.Packages.Resolve(ctx, pkg, config)
	if err != nil {
		return "", fmt.Errorf("resolve package %s: %w", pkg, err)
	}
	if _, err := s.Manager.ParseManifest(manifest); err != nil {
		return "", fmt.Errorf("manifest of package %s: %w", pkg, err)
	}
	return manifest, nil
}

func (s *ReleaseService) newRelease(name string, version int, platform string, pkg domain.PackageRef,
	config map[string]string, manifest, message string) domain.Release {
	now := s.now()
	return domain.Release{
		Name:      name,
		Version:   version,
		Platform:  platform,
		Package:   pkg,
		Config:    config,
		Manifest:  manifest,
		Status:    domain.Status{Code: domain.StatusDeploying, Message: message},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// abort marks a release whose workflow could not be started as FAILED.
func (s *ReleaseService) abort(ctx context.Context, rel domain.Release, cause error) (domain.Release, error) {
	rel = rel.WithStatus(domain.StatusFailed, cause.Error())
	rel.UpdatedAt = s.now()
	if err := s.releases().Update(ctx, rel); err != nil {
		return domain.Release{}, errors.Join(cause, err)
	}
	return domain.Release{}, cause
}

// track awaits the workflow in the background and releases the name lock
// when it finishes.
func (s *ReleaseService) track(op string, key domain.ReleaseKey, h domain.WorkflowHandle[domain.Release], unlock func()) {
	logger := s.logger().With("operation", op, "release", key.Name, "version", key.Version, "workflow_id", h.WorkflowID())
	logger.Info("operation started")
	go func() {
		defer unlock()
		defer s.Cancels.Clear(key.Name)

		rel, err := h.AwaitResult(context.Background())
		if err != nil {
			operationsTotal.WithLabelValues(op, "failure").Inc()
			logger.Error("operation failed", "status", rel.Status.Code, "error", err)
			return
		}
		operationsTotal.WithLabelValues(op, "success").Inc()
		logger.Info("operation finished", "status", rel.Status.Code, "message", rel.Status.Message)
	}()
}
