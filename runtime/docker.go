package runtime

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
)

const (
	DefaultNetworkName = "legion-network"
	LabelInstance      = "legion.instance"
	LabelProfile       = "legion.profile"
	LabelManagedBy     = "legion.managed-by"
	containerPrefix    = "legion-worker-"
)

// Docker is a Runtime backed by the Docker Engine API.
type Docker struct {
	client      *client.Client
	networkName string
}

// DockerOption configures a Docker runtime.
type DockerOption func(*Docker)

// WithNetworkName sets a custom Docker network name.
func WithNetworkName(name string) DockerOption {
	return func(d *Docker) {
		d.networkName = name
	}
}

// NewDocker connects to the Docker daemon and ensures the worker
// network exists.
func NewDocker(opts ...DockerOption) (*Docker, error) {
	d := &Docker{networkName: DefaultNetworkName}
	for _, opt := range opts {
		opt(d)
	}

	cli, err := connectDocker()
	if err != nil {
		return nil, err
	}
	d.client = cli

	if err := d.ensureNetwork(context.Background()); err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to create network: %w", err)
	}
	return d, nil
}

// connectDocker creates a Docker client, trying the environment first
// and then common socket locations for Docker Desktop compatibility.
func connectDocker() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := cli.Ping(ctx); err == nil {
			return cli, nil
		}
		cli.Close()
	}

	socketPaths := []string{
		"unix:///var/run/docker.sock",
		"unix://" + os.Getenv("HOME") + "/.docker/run/docker.sock",
		"unix://" + os.Getenv("HOME") + "/.colima/docker.sock",
	}
	for _, socketPath := range socketPaths {
		cli, err := client.NewClientWithOpts(
			client.WithHost(socketPath),
			client.WithAPIVersionNegotiation(),
		)
		if err != nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, err = cli.Ping(ctx)
		cancel()
		if err == nil {
			return cli, nil
		}
		cli.Close()
	}
	return nil, fmt.Errorf("could not connect to Docker daemon")
}

func (d *Docker) ensureNetwork(ctx context.Context) error {
	networks, err := d.client.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", d.networkName)),
	})
	if err != nil {
		return err
	}
	if len(networks) > 0 {
		return nil
	}
	_, err = d.client.NetworkCreate(ctx, d.networkName, network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{
			LabelManagedBy: "legion",
		},
	})
	return err
}

func (d *Docker) ensureImage(ctx context.Context, img string) error {
	_, _, err := d.client.ImageInspectWithRaw(ctx, img)
	if err == nil {
		return nil
	}
	reader, err := d.client.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

// Create starts a worker container. If a container for the instance
// already exists it is reused, which makes Create safe to retry.
func (d *Docker) Create(ctx context.Context, spec Spec) (string, error) {
	if spec.Image == "" {
		spec.Image = DefaultWorkerImage
	}
	containerName := containerPrefix + spec.InstanceID

	if existing, err := d.findContainer(ctx, containerName); err == nil && existing != "" {
		inspect, err := d.client.ContainerInspect(ctx, existing)
		if err == nil {
			if inspect.State.Running {
				return existing, nil
			}
			if err := d.client.ContainerStart(ctx, existing, container.StartOptions{}); err != nil {
				return "", fmt.Errorf("failed to restart container: %w", err)
			}
			return existing, nil
		}
	}

	if err := d.ensureImage(ctx, spec.Image); err != nil {
		return "", fmt.Errorf("failed to pull image: %w", err)
	}

	env := append([]string{
		"LEGION_INSTANCE_ID=" + spec.InstanceID,
		"LEGION_PROFILE=" + spec.Profile,
	}, spec.Env...)

	containerCfg := &container.Config{
		Image: spec.Image,
		Env:   env,
		Labels: map[string]string{
			LabelInstance:  spec.InstanceID,
			LabelProfile:   spec.Profile,
			LabelManagedBy: "legion",
		},
	}

	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(d.networkName),
	}
	if spec.Memory > 0 {
		hostCfg.Resources.Memory = spec.Memory
	}
	if spec.CPUs > 0 {
		hostCfg.Resources.NanoCPUs = int64(spec.CPUs * 1e9)
	}

	resp, err := d.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, containerName)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("failed to start container: %w", err)
	}
	return resp.ID, nil
}

// Stop stops and removes a worker container. A missing container is
// treated as already stopped.
func (d *Docker) Stop(ctx context.Context, id string) error {
	timeout := 10
	if err := d.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
	}
	if err := d.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return err
	}
	return nil
}

// Alive reports whether the container is running.
func (d *Docker) Alive(ctx context.Context, id string) (bool, error) {
	inspect, err := d.client.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return inspect.State.Running, nil
}

// Close releases the Docker client.
func (d *Docker) Close() error {
	return d.client.Close()
}

func (d *Docker) findContainer(ctx context.Context, name string) (string, error) {
	containers, err := d.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return "", err
	}
	if len(containers) == 0 {
		return "", nil
	}
	return containers[0].ID, nil
}
