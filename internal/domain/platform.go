package domain

import (
	"context"
	"fmt"
	"sort"
)

// DeploymentID is the platform-assigned handle of one deployed
// application instance group.
type DeploymentID string

// DeploymentState is the platform-reported state of a deployment or one
// of its instances.
type DeploymentState string

const (
	DeploymentStateDeployed  DeploymentState = "deployed"
	DeploymentStateDeploying DeploymentState = "deploying"
	DeploymentStateFailed    DeploymentState = "failed"
	DeploymentStateUnknown   DeploymentState = "unknown"
)

// InstanceStatus is the state of one instance of a deployment.
type InstanceStatus struct {
	ID    string
	State DeploymentState
}

// AppStatus is the platform view of one deployment.
type AppStatus struct {
	DeploymentID DeploymentID
	State        DeploymentState
	Instances    []InstanceStatus
}

// DeployRequest carries everything a platform needs to deploy one
// application of a release.
type DeployRequest struct {
	Release ReleaseKey
	Spec    ApplicationSpec
}

// Deployer is the port to one execution platform.
//
// Undeploy must treat an id the platform does not know as already
// removed and return nil, so cleanup sweeps can be repeated safely.
type Deployer interface {
	Deploy(ctx context.Context, req DeployRequest) (DeploymentID, error)
	Undeploy(ctx context.Context, id DeploymentID) error
	Status(ctx context.Context, id DeploymentID) (AppStatus, error)
}

// PlatformRegistry maps platform names to their deployers. It is built
// once at startup and read concurrently afterwards.
type PlatformRegistry struct {
	deployers map[string]Deployer
}

// NewPlatformRegistry returns a registry holding the given deployers.
func NewPlatformRegistry(deployers map[string]Deployer) *PlatformRegistry {
	m := make(map[string]Deployer, len(deployers))
	for name, d := range deployers {
		m[name] = d
	}
	return &PlatformRegistry{deployers: m}
}

// Get returns the deployer registered under name.
func (r *PlatformRegistry) Get(name string) (Deployer, error) {
	d, ok := r.deployers[name]
	if !ok {
		return nil, fmt.Errorf("platform %q: %w", name, ErrNotFound)
	}
	return d, nil
}

// Names returns the registered platform names in sorted order.
func (r *PlatformRegistry) Names() []string {
	names := make([]string, 0, len(r.deployers))
	for name := range r.deployers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
