package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound indicates that a requested resource does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates that a resource with the same identity
	// already exists.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidArgument indicates that a caller-provided value violates
	// a precondition.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidVersion is returned for negative or otherwise unusable
	// version numbers. It wraps [ErrInvalidArgument] so callers can treat
	// it as a validation failure while still telling it apart from
	// [ErrNotFound].
	ErrInvalidVersion = fmt.Errorf("%w: invalid version", ErrInvalidArgument)

	// ErrConflict indicates that the operation collides with another
	// in-flight operation or with the current state of the release.
	ErrConflict = errors.New("conflict")

	// ErrDeployFailed indicates that a platform deploy call failed. The
	// operation that observed it has already cleaned up after itself.
	ErrDeployFailed = errors.New("deploy failed")

	// ErrHealthTimeout indicates that newly deployed applications did not
	// converge before the health gate gave up.
	ErrHealthTimeout = errors.New("health check timed out")

	// ErrCanceled indicates that an upgrade was canceled by an operator
	// before it committed.
	ErrCanceled = errors.New("canceled")

	// ErrUnsupportedKind is returned by manifest readers for documents of
	// a kind they cannot interpret.
	ErrUnsupportedKind = errors.New("unsupported kind")

	// ErrInvalidTransition is returned by state machines when an event is
	// not valid in the current state.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrPartialUndeploy matches [*PartialUndeployError] via [errors.Is].
	ErrPartialUndeploy = errors.New("partial undeploy failure")
)

// PartialUndeployError reports platform deployments that could not be
// removed after a retry. The release still reached its target status;
// the listed ids need operator follow-up.
type PartialUndeployError struct {
	Release ReleaseKey
	IDs     []DeploymentID
	Reasons []string
}

func (e *PartialUndeployError) Error() string {
	ids := make([]string, len(e.IDs))
	for i, id := range e.IDs {
		ids[i] = string(id)
	}
	return fmt.Sprintf("release %s: %d deployment(s) could not be undeployed: %s",
		e.Release, len(e.IDs), strings.Join(ids, ", "))
}

func (e *PartialUndeployError) Is(target error) bool {
	return target == ErrPartialUndeploy
}
