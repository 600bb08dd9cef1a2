package domain

import (
	"fmt"
	"time"
)

// StatusCode is the lifecycle code of a release. Codes are ordered; the
// numeric value follows the lifecycle.
type StatusCode int

const (
	StatusUnknown StatusCode = iota
	StatusDeploying
	StatusDeployed
	StatusFailed
	StatusDeleting
	StatusDeleted
)

var statusCodeNames = [...]string{
	StatusUnknown:   "UNKNOWN",
	StatusDeploying: "DEPLOYING",
	StatusDeployed:  "DEPLOYED",
	StatusFailed:    "FAILED",
	StatusDeleting:  "DELETING",
	StatusDeleted:   "DELETED",
}

func (c StatusCode) String() string {
	if c < 0 || int(c) >= len(statusCodeNames) {
		return statusCodeNames[StatusUnknown]
	}
	return statusCodeNames[c]
}

// ParseStatusCode is the inverse of [StatusCode.String]. Unrecognised
// names map to [StatusUnknown].
func ParseStatusCode(s string) StatusCode {
	for i, name := range statusCodeNames {
		if name == s {
			return StatusCode(i)
		}
	}
	return StatusUnknown
}

func (c StatusCode) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *StatusCode) UnmarshalText(b []byte) error {
	*c = ParseStatusCode(string(b))
	return nil
}

// InFlight reports whether the code marks an operation that has not
// reached a resting state.
func (c StatusCode) InFlight() bool {
	return c == StatusDeploying || c == StatusDeleting
}

// AllDeployedMessage is the platform message of a release whose
// applications all report deployed.
const AllDeployedMessage = "All the applications are deployed successfully."

// ApplicationStatus is the last observed platform state of one
// application of a release.
type ApplicationStatus struct {
	Name         string
	DeploymentID DeploymentID
	State        DeploymentState
	Instances    []InstanceStatus
}

// Status is the recorded status of a release. Message is recomputed on
// every transition or reconciliation pass.
type Status struct {
	Code         StatusCode
	Message      string
	Applications []ApplicationStatus
}

// Settled reports whether the release is deployed and every application
// was last observed as deployed.
func (s Status) Settled() bool {
	if s.Code != StatusDeployed || len(s.Applications) == 0 {
		return false
	}
	for _, a := range s.Applications {
		if a.State != DeploymentStateDeployed {
			return false
		}
	}
	return true
}

// PackageRef identifies the package a release manifest was rendered from.
type PackageRef struct {
	Name    string
	Version string
}

func (p PackageRef) String() string {
	if p.Version == "" {
		return p.Name
	}
	return p.Name + "@" + p.Version
}

// ReleaseKey identifies one version of a named release.
type ReleaseKey struct {
	Name    string
	Version int
}

func (k ReleaseKey) String() string { return fmt.Sprintf("%s/v%d", k.Name, k.Version) }

// Release is one version of a named deployment of a package onto a
// platform. Releases are never physically removed; a deleted release
// keeps its row with status DELETED.
type Release struct {
	Name      string
	Version   int
	Platform  string
	Package   PackageRef
	Config    map[string]string
	Manifest  string
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Key returns the release identity.
func (r Release) Key() ReleaseKey { return ReleaseKey{Name: r.Name, Version: r.Version} }

// WithStatus returns a copy of r carrying the given code and message.
// Application statuses are kept.
func (r Release) WithStatus(code StatusCode, message string) Release {
	r.Status.Code = code
	r.Status.Message = message
	return r
}

// ValidateName checks a release name supplied by a caller.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: release name is required", ErrInvalidArgument)
	}
	return nil
}
