package domain

import "context"

// ReleaseRepository persists releases. Versions are unique per name;
// Create returns [ErrAlreadyExists] for a taken (name, version).
type ReleaseRepository interface {
	Create(ctx context.Context, r Release) error
	Update(ctx context.Context, r Release) error
	Get(ctx context.Context, name string, version int) (Release, error)

	// Latest returns the highest version of name regardless of status.
	Latest(ctx context.Context, name string) (Release, error)

	// LatestDeployed returns the highest version of name whose status
	// is DEPLOYED.
	LatestDeployed(ctx context.Context, name string) (Release, error)

	// ListDeployedOrFailed returns, per name, the highest version whose
	// status is DEPLOYED or FAILED, ordered by name. An empty name lists
	// every release name.
	ListDeployedOrFailed(ctx context.Context, name string) ([]Release, error)

	// List returns every version of name, oldest first.
	List(ctx context.Context, name string) ([]Release, error)

	// ListActive returns releases that still need status reconciliation:
	// not FAILED, not DELETED and not settled.
	ListActive(ctx context.Context) ([]Release, error)
}

// DeploymentRecordRepository persists the application → deployment id
// mapping of each release version. Put upserts; ListByRelease orders
// by application name.
type DeploymentRecordRepository interface {
	Put(ctx context.Context, record DeploymentRecord) error
	Get(ctx context.Context, key ReleaseKey, application string) (DeploymentRecord, error)
	ListByRelease(ctx context.Context, key ReleaseKey) ([]DeploymentRecord, error)
}
