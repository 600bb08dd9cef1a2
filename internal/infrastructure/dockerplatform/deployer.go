// Package dockerplatform runs applications as Docker containers.
// Resources use the form "docker:<image>". Every deployment is a group
// of containers sharing a generated label, so status and removal work
// from the label alone and survive orchestrator restarts.
package dockerplatform

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/skipper-release/skipper/internal/domain"
)

const (
	resourcePrefix = "docker:"

	// PropertyCount is the number of containers to start.
	PropertyCount = "count"
	// PropertyNetwork is the network mode of every container.
	PropertyNetwork = "docker.network"

	LabelGroup   = "io.skipper.deployment"
	LabelRelease = "io.skipper.release"
	LabelVersion = "io.skipper.version"
	LabelApp     = "io.skipper.application"
)

// ContainerAPI is the subset of the Docker Engine client used by
// [Deployer]. *client.Client satisfies it.
type ContainerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
}

// NewClient connects to the Docker Engine at host, or to the one
// described by the DOCKER_* environment when host is empty.
func NewClient(host string) (*client.Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	c, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return c, nil
}

// Deployer implements [domain.Deployer] on a Docker Engine.
type Deployer struct {
	Client ContainerAPI
	Logger *slog.Logger
}

func (d *Deployer) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d *Deployer) Deploy(ctx context.Context, req domain.DeployRequest) (domain.DeploymentID, error) {
	ref, ok := strings.CutPrefix(req.Spec.Resource, resourcePrefix)
	if !ok || ref == "" {
		return "", fmt.Errorf("%w: docker platform cannot run resource %q", domain.ErrInvalidArgument, req.Spec.Resource)
	}
	count := 1
	if v, ok := req.Spec.DeploymentProperties.Get(PropertyCount); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return "", fmt.Errorf("%w: %s=%q", domain.ErrInvalidArgument, PropertyCount, v)
		}
		count = n
	}

	id := domain.DeploymentID(req.Spec.Name + "-" + uuid.NewString())
	cfg := &container.Config{
		Image: ref,
		Env:   environment(req),
		Labels: map[string]string{
			LabelGroup:   string(id),
			LabelRelease: req.Release.Name,
			LabelVersion: strconv.Itoa(req.Release.Version),
			LabelApp:     req.Spec.Name,
		},
	}
	hostCfg := &container.HostConfig{}
	if v, ok := req.Spec.DeploymentProperties.Get(PropertyNetwork); ok {
		hostCfg.NetworkMode = container.NetworkMode(v)
	}

	logger := d.logger().With("release", req.Release.Name, "version", req.Release.Version,
		"app", req.Spec.Name, "deployment_id", id)
	for i := 0; i < count; i++ {
		if err := d.run(ctx, cfg, hostCfg); err != nil {
			if rmErr := d.Undeploy(context.WithoutCancel(ctx), id); rmErr != nil {
				logger.Warn("cleanup of partial docker deployment failed", "error", rmErr)
			}
			return "", fmt.Errorf("start container %d of %s: %w", i, req.Spec.Name, err)
		}
	}
	logger.Info("started docker deployment", "image", ref, "containers", count)
	return id, nil
}

// run creates and starts one container, pulling the image once when the
// engine does not have it.
func (d *Deployer) run(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig) error {
	created, err := d.Client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if cerrdefs.IsNotFound(err) {
		if err := d.pull(ctx, cfg.Image); err != nil {
			return err
		}
		created, err = d.Client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	}
	if err != nil {
		return fmt.Errorf("create container: %w", err)
	}
	if err := d.Client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", created.ID, err)
	}
	return nil
}

func (d *Deployer) pull(ctx context.Context, ref string) error {
	rc, err := d.Client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer rc.Close()
	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	return nil
}

func (d *Deployer) containers(ctx context.Context, id domain.DeploymentID) ([]container.Summary, error) {
	args := filters.NewArgs()
	args.Add("label", fmt.Sprintf("%s=%s", LabelGroup, id))
	list, err := d.Client.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("list containers of %s: %w", id, err)
	}
	return list, nil
}

// Undeploy force-removes every container of the deployment. A
// deployment without containers is already removed.
func (d *Deployer) Undeploy(ctx context.Context, id domain.DeploymentID) error {
	list, err := d.containers(ctx, id)
	if err != nil {
		return err
	}
	for _, c := range list {
		err := d.Client.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true})
		if err != nil && !cerrdefs.IsNotFound(err) {
			return fmt.Errorf("remove container %s: %w", c.ID, err)
		}
	}
	if len(list) > 0 {
		d.logger().Info("removed docker deployment", "deployment_id", id, "containers", len(list))
	}
	return nil
}

func (d *Deployer) Status(ctx context.Context, id domain.DeploymentID) (domain.AppStatus, error) {
	list, err := d.containers(ctx, id)
	if err != nil {
		return domain.AppStatus{}, err
	}
	st := domain.AppStatus{DeploymentID: id, State: domain.DeploymentStateUnknown}
	if len(list) == 0 {
		return st, nil
	}

	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	var deployed, failed int
	for _, c := range list {
		state := containerState(c.State)
		switch state {
		case domain.DeploymentStateDeployed:
			deployed++
		case domain.DeploymentStateFailed:
			failed++
		}
		st.Instances = append(st.Instances, domain.InstanceStatus{ID: shortID(c.ID), State: state})
	}
	switch {
	case failed > 0:
		st.State = domain.DeploymentStateFailed
	case deployed == len(list):
		st.State = domain.DeploymentStateDeployed
	default:
		st.State = domain.DeploymentStateDeploying
	}
	return st, nil
}

// containerState maps a Docker container state to a deployment state.
func containerState(state string) domain.DeploymentState {
	switch strings.ToLower(state) {
	case "running":
		return domain.DeploymentStateDeployed
	case "created", "restarting":
		return domain.DeploymentStateDeploying
	case "exited", "dead", "removing":
		return domain.DeploymentStateFailed
	default:
		return domain.DeploymentStateUnknown
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func environment(req domain.DeployRequest) []string {
	env := []string{
		"SKIPPER_RELEASE_NAME=" + req.Release.Name,
		"SKIPPER_RELEASE_VERSION=" + strconv.Itoa(req.Release.Version),
		"SKIPPER_APPLICATION_NAME=" + req.Spec.Name,
	}
	for _, p := range req.Spec.ApplicationProperties {
		env = append(env, envName(p.Key)+"="+p.Value)
	}
	return env
}

// envName turns a property key into an environment variable name.
func envName(key string) string {
	return strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(key))
}
