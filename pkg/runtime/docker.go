package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

// DockerRuntime is a typed facade over the Docker daemon. It is safe for
// concurrent use; the underlying client multiplexes requests.
type DockerRuntime struct {
	cli *client.Client
}

// NewDockerRuntime connects to the daemon using the standard environment
// variables (DOCKER_HOST etc.), negotiating the API version.
func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return &DockerRuntime{cli: cli}, nil
}

// Close closes the daemon connection
func (r *DockerRuntime) Close() error {
	if r.cli != nil {
		return r.cli.Close()
	}
	return nil
}

// Container is the runtime view of a single container, flattened from the
// daemon's inspect/list responses to what the instance manager needs.
type Container struct {
	ID        string
	Name      string
	Image     string
	Status    string
	Labels    map[string]string
	Env       map[string]string
	CreatedAt time.Time
	StartedAt string
	HostPorts []int
}

// ShortID returns the 12-character container id.
func (c *Container) ShortID() string {
	if len(c.ID) > 12 {
		return c.ID[:12]
	}
	return c.ID
}

// ImageTag returns the tag portion of the container's image reference,
// or "unknown" when the reference carries no tag.
func (c *Container) ImageTag() string {
	if i := strings.LastIndex(c.Image, ":"); i >= 0 && !strings.Contains(c.Image[i:], "/") {
		return c.Image[i+1:]
	}
	return "unknown"
}

// ContainerSpec describes a container to run.
type ContainerSpec struct {
	Name           string
	Image          string // full reference including tag
	Env            map[string]string
	Labels         map[string]string
	Volumes        map[string]string // volume name -> mount path
	Network        string
	Ports          map[string]int // container port spec ("5672/tcp") -> host port
	Cmd            []string
	MemLimit       int64
	MemReservation int64
	CPUShares      int64
	RestartPolicy  container.RestartPolicyMode
}

// HostInfo is the daemon-reported host capacity.
type HostInfo struct {
	TotalRAMBytes int64
	CPUCount      int
}

// MemoryStats is a single point-in-time memory reading.
type MemoryStats struct {
	UsageBytes int64
	LimitBytes int64
}

// Pull pulls an image by repository and tag, draining the progress stream.
func (r *DockerRuntime) Pull(ctx context.Context, repository, tag string) error {
	ref := repository + ":" + tag
	reader, err := r.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return classify("pull "+ref, err)
	}
	defer reader.Close()
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

// Run creates and starts a container from spec, returning its runtime view.
func (r *DockerRuntime) Run(ctx context.Context, spec ContainerSpec) (*Container, error) {
	cfg := &container.Config{
		Image:  spec.Image,
		Env:    envSlice(spec.Env),
		Labels: spec.Labels,
		Cmd:    spec.Cmd,
	}

	restartPolicy := spec.RestartPolicy
	if restartPolicy == "" {
		restartPolicy = container.RestartPolicyUnlessStopped
	}

	hostCfg := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: restartPolicy},
		Resources: container.Resources{
			Memory:            spec.MemLimit,
			MemoryReservation: spec.MemReservation,
			CPUShares:         spec.CPUShares,
		},
	}
	for volume, target := range spec.Volumes {
		hostCfg.Binds = append(hostCfg.Binds, volume+":"+target)
	}
	if len(spec.Ports) > 0 {
		hostCfg.PortBindings = portBindings(spec.Ports)
	}

	var netCfg *network.NetworkingConfig
	if spec.Network != "" {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				spec.Network: {},
			},
		}
	}

	resp, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return nil, classify("create "+spec.Name, err)
	}

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, classify("start "+spec.Name, err)
	}

	return r.GetByID(ctx, resp.ID)
}

// Get returns the container with the given name.
func (r *DockerRuntime) Get(ctx context.Context, name string) (*Container, error) {
	return r.GetByID(ctx, name)
}

// GetByID inspects a container by id or name.
func (r *DockerRuntime) GetByID(ctx context.Context, id string) (*Container, error) {
	info, err := r.cli.ContainerInspect(ctx, id)
	if err != nil {
		return nil, classify("inspect "+id, err)
	}
	return fromInspect(info), nil
}

// List returns all containers (running or not) matching the label filter,
// e.g. "app.type=engine".
func (r *DockerRuntime) List(ctx context.Context, labelFilter string) ([]*Container, error) {
	args := filters.NewArgs()
	if labelFilter != "" {
		args.Add("label", labelFilter)
	}

	summaries, err := r.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, classify("list containers", err)
	}

	containers := make([]*Container, 0, len(summaries))
	for _, s := range summaries {
		containers = append(containers, fromSummary(s))
	}
	return containers, nil
}

// ContainersBindingPort returns the containers publishing the given host port.
func (r *DockerRuntime) ContainersBindingPort(ctx context.Context, port int) ([]*Container, error) {
	all, err := r.List(ctx, "")
	if err != nil {
		return nil, err
	}

	var holders []*Container
	for _, c := range all {
		for _, p := range c.HostPorts {
			if p == port {
				holders = append(holders, c)
				break
			}
		}
	}
	return holders, nil
}

// StatsOnce takes a single memory reading without streaming.
func (r *DockerRuntime) StatsOnce(ctx context.Context, id string) (MemoryStats, error) {
	resp, err := r.cli.ContainerStatsOneShot(ctx, id)
	if err != nil {
		return MemoryStats{}, classify("stats "+id, err)
	}
	defer resp.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return MemoryStats{}, fmt.Errorf("failed to decode stats for %s: %w", id, err)
	}

	return MemoryStats{
		UsageBytes: int64(stats.MemoryStats.Usage),
		LimitBytes: int64(stats.MemoryStats.Limit),
	}, nil
}

// Logs returns the last tail lines of a container's combined output.
func (r *DockerRuntime) Logs(ctx context.Context, id string, tail int) (string, error) {
	reader, err := r.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return "", classify("logs "+id, err)
	}
	defer reader.Close()

	// The daemon multiplexes stdout/stderr on one stream.
	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		return "", fmt.Errorf("failed to demux logs for %s: %w", id, err)
	}
	return stdout.String() + stderr.String(), nil
}

// Remove force-removes a container, optionally with its anonymous volumes.
func (r *DockerRuntime) Remove(ctx context.Context, id string, removeVolumes bool) error {
	err := r.cli.ContainerRemove(ctx, id, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: removeVolumes,
	})
	return classify("remove "+id, err)
}

// Restart restarts a container with a graceful stop timeout.
func (r *DockerRuntime) Restart(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	err := r.cli.ContainerRestart(ctx, id, container.StopOptions{Timeout: &secs})
	return classify("restart "+id, err)
}

// Start starts a stopped container.
func (r *DockerRuntime) Start(ctx context.Context, id string) error {
	err := r.cli.ContainerStart(ctx, id, container.StartOptions{})
	return classify("start "+id, err)
}

// VolumeRemove force-removes a named volume.
func (r *DockerRuntime) VolumeRemove(ctx context.Context, name string) error {
	return classify("remove volume "+name, r.cli.VolumeRemove(ctx, name, true))
}

// NetworkGetOrCreate ensures a bridge network with the given name exists.
func (r *DockerRuntime) NetworkGetOrCreate(ctx context.Context, name string) error {
	_, err := r.cli.NetworkInspect(ctx, name, network.InspectOptions{})
	if err == nil {
		return nil
	}

	_, err = r.cli.NetworkCreate(ctx, name, network.CreateOptions{Driver: "bridge"})
	return classify("create network "+name, err)
}

// NetworkConnect attaches a container to a network. Already-connected
// containers are left alone.
func (r *DockerRuntime) NetworkConnect(ctx context.Context, networkName, containerID string) error {
	info, err := r.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return classify("inspect "+containerID, err)
	}
	if info.NetworkSettings != nil {
		if _, connected := info.NetworkSettings.Networks[networkName]; connected {
			return nil
		}
	}

	err = r.cli.NetworkConnect(ctx, networkName, containerID, nil)
	return classify("connect "+containerID+" to "+networkName, err)
}

// Info reports host capacity from the daemon.
func (r *DockerRuntime) Info(ctx context.Context) (HostInfo, error) {
	info, err := r.cli.Info(ctx)
	if err != nil {
		return HostInfo{}, classify("info", err)
	}
	return HostInfo{TotalRAMBytes: info.MemTotal, CPUCount: info.NCPU}, nil
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func portBindings(ports map[string]int) map[nat.Port][]nat.PortBinding {
	bindings := make(map[nat.Port][]nat.PortBinding, len(ports))
	for spec, hostPort := range ports {
		bindings[nat.Port(spec)] = []nat.PortBinding{
			{HostIP: "0.0.0.0", HostPort: strconv.Itoa(hostPort)},
		}
	}
	return bindings
}

func fromInspect(info container.InspectResponse) *Container {
	c := &Container{
		ID:     info.ID,
		Name:   strings.TrimPrefix(info.Name, "/"),
		Env:    map[string]string{},
		Labels: map[string]string{},
	}
	if info.Config != nil {
		c.Image = info.Config.Image
		c.Labels = info.Config.Labels
		for _, e := range info.Config.Env {
			k, v, _ := strings.Cut(e, "=")
			c.Env[k] = v
		}
	}
	if info.State != nil {
		c.Status = string(info.State.Status)
		c.StartedAt = info.State.StartedAt
	}
	if t, err := time.Parse(time.RFC3339Nano, info.Created); err == nil {
		c.CreatedAt = t.UTC()
	}
	if info.HostConfig != nil {
		for _, binds := range info.HostConfig.PortBindings {
			for _, b := range binds {
				if p, err := strconv.Atoi(b.HostPort); err == nil {
					c.HostPorts = append(c.HostPorts, p)
				}
			}
		}
	}
	return c
}

func fromSummary(s container.Summary) *Container {
	c := &Container{
		ID:        s.ID,
		Image:     s.Image,
		Status:    string(s.State),
		Labels:    s.Labels,
		Env:       map[string]string{},
		CreatedAt: time.Unix(s.Created, 0).UTC(),
	}
	if len(s.Names) > 0 {
		c.Name = strings.TrimPrefix(s.Names[0], "/")
	}
	for _, p := range s.Ports {
		if p.PublicPort > 0 {
			c.HostPorts = append(c.HostPorts, int(p.PublicPort))
		}
	}
	return c
}
