package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/skipper-release/skipper/internal/domain"
)

// Deployment properties understood by [RecordingDeployer].
const (
	// PropertyCount is the number of instances to record.
	PropertyCount = "count"
	// PropertyRecordingFail makes Deploy fail when set to "true".
	PropertyRecordingFail = "recording.fail"
	// PropertyRecordingState overrides the recorded state.
	PropertyRecordingState = "recording.state"
)

// RecordingDeployer implements [domain.Deployer] by writing deployments
// to SQLite instead of calling a real platform. It stands in for a PaaS
// in tests and dry runs: deployments report deployed as soon as they
// are recorded.
type RecordingDeployer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (d *RecordingDeployer) Deploy(ctx context.Context, req domain.DeployRequest) (domain.DeploymentID, error) {
	props := req.Spec.DeploymentProperties
	if v, _ := props.Get(PropertyRecordingFail); v == "true" {
		return "", fmt.Errorf("recording platform: deploy of %s refused", req.Spec.Name)
	}
	instances := 1
	if v, ok := props.Get(PropertyCount); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return "", fmt.Errorf("%w: %s=%q", domain.ErrInvalidArgument, PropertyCount, v)
		}
		instances = n
	}
	state := domain.DeploymentStateDeployed
	if v, ok := props.Get(PropertyRecordingState); ok {
		state = domain.DeploymentState(v)
	}
	appProps, err := json.Marshal(req.Spec.ApplicationProperties.Map())
	if err != nil {
		return "", fmt.Errorf("marshal properties: %w", err)
	}

	id := domain.DeploymentID(req.Spec.Name + "-" + uuid.NewString())
	_, err = d.DB.ExecContext(ctx,
		`INSERT INTO recorded_deployments
		   (id, release_name, version, application_name, resource, properties, instances, state, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(id), req.Release.Name, req.Release.Version, req.Spec.Name, req.Spec.Resource,
		string(appProps), instances, string(state), formatTime(d.now()),
	)
	if err != nil {
		return "", fmt.Errorf("record deployment: %w", err)
	}
	return id, nil
}

// Undeploy removes the recorded deployment. Unknown ids are ignored.
func (d *RecordingDeployer) Undeploy(ctx context.Context, id domain.DeploymentID) error {
	if _, err := d.DB.ExecContext(ctx, `DELETE FROM recorded_deployments WHERE id = ?`, string(id)); err != nil {
		return fmt.Errorf("delete recorded deployment: %w", err)
	}
	return nil
}

func (d *RecordingDeployer) Status(ctx context.Context, id domain.DeploymentID) (domain.AppStatus, error) {
	var instances int
	var state string
	err := d.DB.QueryRowContext(ctx,
		`SELECT instances, state FROM recorded_deployments WHERE id = ?`, string(id),
	).Scan(&instances, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.AppStatus{DeploymentID: id, State: domain.DeploymentStateUnknown}, nil
	}
	if err != nil {
		return domain.AppStatus{}, fmt.Errorf("read recorded deployment: %w", err)
	}

	st := domain.AppStatus{DeploymentID: id, State: domain.DeploymentState(state)}
	for i := 0; i < instances; i++ {
		st.Instances = append(st.Instances, domain.InstanceStatus{
			ID:    fmt.Sprintf("%s-%d", id, i),
			State: st.State,
		})
	}
	return st, nil
}

// SetState overrides the recorded state of a deployment, simulating the
// platform converging or failing.
func (d *RecordingDeployer) SetState(ctx context.Context, id domain.DeploymentID, state domain.DeploymentState) error {
	res, err := d.DB.ExecContext(ctx,
		`UPDATE recorded_deployments SET state = ?, updated_at = ? WHERE id = ?`,
		string(state), formatTime(d.now()), string(id),
	)
	if err != nil {
		return fmt.Errorf("update recorded deployment: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("recorded deployment %q: %w", id, domain.ErrNotFound)
	}
	return nil
}

// Count returns the number of recorded deployments of a release version.
func (d *RecordingDeployer) Count(ctx context.Context, key domain.ReleaseKey) (int, error) {
	var n int
	err := d.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM recorded_deployments WHERE release_name = ? AND version = ?`,
		key.Name, key.Version,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count recorded deployments: %w", err)
	}
	return n, nil
}

func (d *RecordingDeployer) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}
