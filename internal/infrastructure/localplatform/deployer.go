// Package localplatform runs applications as child processes of the
// orchestrator. Resources use the form "exec:<path>"; arguments come from
// the "exec.args" deployment property and application properties are
// passed as environment variables (log.level becomes LOG_LEVEL).
package localplatform

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/skipper-release/skipper/internal/domain"
)

const (
	resourcePrefix = "exec:"

	// PropertyArgs holds space-separated command arguments.
	PropertyArgs = "exec.args"
	// PropertyCount is the number of processes to start.
	PropertyCount = "count"
)

// Deployer implements [domain.Deployer] with local processes. Process
// handles live in memory only: after a restart every previously issued
// id is unknown, which Undeploy treats as already removed.
type Deployer struct {
	// WorkDir receives one directory per deployment holding the
	// instances' output. Defaults to the system temp directory.
	WorkDir string
	Logger  *slog.Logger

	mu     sync.Mutex
	groups map[domain.DeploymentID]*group
}

type group struct {
	dir       string
	instances []*instance
}

type instance struct {
	id   string
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (in *instance) exited() bool {
	select {
	case <-in.done:
		return true
	default:
		return false
	}
}

func (d *Deployer) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d *Deployer) Deploy(_ context.Context, req domain.DeployRequest) (domain.DeploymentID, error) {
	path, ok := strings.CutPrefix(req.Spec.Resource, resourcePrefix)
	if !ok || path == "" {
		return "", fmt.Errorf("%w: local platform cannot run resource %q", domain.ErrInvalidArgument, req.Spec.Resource)
	}
	count := 1
	if v, ok := req.Spec.DeploymentProperties.Get(PropertyCount); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return "", fmt.Errorf("%w: %s=%q", domain.ErrInvalidArgument, PropertyCount, v)
		}
		count = n
	}
	var args []string
	if v, ok := req.Spec.DeploymentProperties.Get(PropertyArgs); ok {
		args = strings.Fields(v)
	}

	id := domain.DeploymentID(fmt.Sprintf("%s-v%d-%s", req.Spec.Name, req.Release.Version, uuid.NewString()[:8]))
	workDir := d.WorkDir
	if workDir == "" {
		workDir = os.TempDir()
	}
	dir := filepath.Join(workDir, string(id))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create deployment directory: %w", err)
	}

	env := append(os.Environ(),
		"SKIPPER_RELEASE_NAME="+req.Release.Name,
		"SKIPPER_RELEASE_VERSION="+strconv.Itoa(req.Release.Version),
		"SKIPPER_APPLICATION_NAME="+req.Spec.Name,
	)
	for _, p := range req.Spec.ApplicationProperties {
		env = append(env, envName(p.Key)+"="+p.Value)
	}

	g := &group{dir: dir}
	for i := 0; i < count; i++ {
		in, err := start(path, args, env, dir, fmt.Sprintf("%s-%d", id, i))
		if err != nil {
			stopAll(g.instances)
			return "", fmt.Errorf("start %s instance %d: %w", req.Spec.Name, i, err)
		}
		g.instances = append(g.instances, in)
	}

	d.mu.Lock()
	if d.groups == nil {
		d.groups = make(map[domain.DeploymentID]*group)
	}
	d.groups[id] = g
	d.mu.Unlock()

	d.logger().Info("started local deployment", "deployment_id", id, "app", req.Spec.Name, "instances", count)
	return id, nil
}

func start(path string, args, env []string, dir, id string) (*instance, error) {
	out, err := os.Create(filepath.Join(dir, id+".log"))
	if err != nil {
		return nil, fmt.Errorf("create log file: %w", err)
	}
	cmd := exec.Command(path, args...)
	cmd.Env = env
	cmd.Dir = dir
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Start(); err != nil {
		out.Close()
		return nil, err
	}
	in := &instance{id: id, cmd: cmd, done: make(chan struct{})}
	go func() {
		in.err = cmd.Wait()
		out.Close()
		close(in.done)
	}()
	return in, nil
}

func stopAll(instances []*instance) {
	for _, in := range instances {
		if !in.exited() {
			_ = in.cmd.Process.Kill()
		}
		<-in.done
	}
}

// Undeploy kills every process of the deployment. Unknown ids are ignored.
func (d *Deployer) Undeploy(_ context.Context, id domain.DeploymentID) error {
	d.mu.Lock()
	g, ok := d.groups[id]
	delete(d.groups, id)
	d.mu.Unlock()
	if !ok {
		return nil
	}
	stopAll(g.instances)
	d.logger().Info("stopped local deployment", "deployment_id", id)
	return nil
}

func (d *Deployer) Status(_ context.Context, id domain.DeploymentID) (domain.AppStatus, error) {
	d.mu.Lock()
	g, ok := d.groups[id]
	d.mu.Unlock()
	st := domain.AppStatus{DeploymentID: id, State: domain.DeploymentStateUnknown}
	if !ok {
		return st, nil
	}

	st.State = domain.DeploymentStateDeployed
	for _, in := range g.instances {
		state := domain.DeploymentStateDeployed
		if in.exited() {
			state = domain.DeploymentStateFailed
			st.State = domain.DeploymentStateFailed
		}
		st.Instances = append(st.Instances, domain.InstanceStatus{ID: in.id, State: state})
	}
	return st, nil
}

// Close stops every deployment started by d.
func (d *Deployer) Close() error {
	d.mu.Lock()
	groups := d.groups
	d.groups = nil
	d.mu.Unlock()
	for _, g := range groups {
		stopAll(g.instances)
	}
	return nil
}

// envName turns a property key into an environment variable name.
func envName(key string) string {
	return strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(key))
}
