package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// HealthOutcome is the verdict of a health gate.
type HealthOutcome string

const (
	HealthHealthy   HealthOutcome = "healthy"
	HealthUnhealthy HealthOutcome = "unhealthy"
	HealthTimeout   HealthOutcome = "timeout"
	HealthCanceled  HealthOutcome = "canceled"
)

// HealthResult is returned by a [HealthGate].
type HealthResult struct {
	Outcome HealthOutcome
	Reason  string
}

// HealthCheck names the deployments a gate must wait for.
type HealthCheck struct {
	Release       ReleaseKey
	Platform      string
	DeploymentIDs []DeploymentID
}

// HealthGate decides whether newly deployed applications are fit to
// take over from the deployments they replace.
type HealthGate interface {
	Await(ctx context.Context, deployer Deployer, check HealthCheck) HealthResult
}

// CancelSignals reports operator cancel requests per release name.
type CancelSignals interface {
	Canceled(name string) bool
}

// AcceptHealthGate accepts as soon as every deploy call returned without
// error. It is the default gate.
type AcceptHealthGate struct{}

func (AcceptHealthGate) Await(_ context.Context, _ Deployer, _ HealthCheck) HealthResult {
	return HealthResult{Outcome: HealthHealthy}
}

// StatusHealthGate polls platform status with exponential backoff until
// every deployment reports deployed. A deployment reporting failed
// rejects immediately; running out of time yields [HealthTimeout].
type StatusHealthGate struct {
	Timeout         time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Cancels         CancelSignals
}

var errNotConverged = errors.New("not converged")

func (g *StatusHealthGate) Await(ctx context.Context, deployer Deployer, check HealthCheck) HealthResult {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = durationOr(g.InitialInterval, 500*time.Millisecond)
	b.MaxInterval = durationOr(g.MaxInterval, 10*time.Second)

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if g.Cancels != nil && g.Cancels.Canceled(check.Release.Name) {
			return struct{}{}, backoff.Permanent(ErrCanceled)
		}
		for _, id := range check.DeploymentIDs {
			st, err := deployer.Status(ctx, id)
			if err != nil {
				return struct{}{}, fmt.Errorf("status of %s: %w", id, err)
			}
			switch st.State {
			case DeploymentStateDeployed:
			case DeploymentStateFailed:
				return struct{}{}, backoff.Permanent(fmt.Errorf("%w: deployment %s reports failed", ErrDeployFailed, id))
			default:
				return struct{}{}, fmt.Errorf("%w: deployment %s is %s", errNotConverged, id, st.State)
			}
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(durationOr(g.Timeout, 5*time.Minute)))

	switch {
	case err == nil:
		return HealthResult{Outcome: HealthHealthy}
	case errors.Is(err, ErrCanceled), errors.Is(err, context.Canceled):
		return HealthResult{Outcome: HealthCanceled, Reason: err.Error()}
	case errors.Is(err, ErrDeployFailed):
		return HealthResult{Outcome: HealthUnhealthy, Reason: err.Error()}
	default:
		return HealthResult{Outcome: HealthTimeout, Reason: err.Error()}
	}
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}
