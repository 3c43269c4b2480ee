package instance

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/viniciusdev772/n8n-manager/pkg/config"
	"github.com/viniciusdev772/n8n-manager/pkg/log"
	"github.com/viniciusdev772/n8n-manager/pkg/metrics"
	"github.com/viniciusdev772/n8n-manager/pkg/runtime"
)

// Capacity planning constants, in megabytes. The reserve covers the OS,
// Traefik, Redis, RabbitMQ and this service itself.
const (
	ReservedRAMMB    = 768
	PerInstanceRAMMB = 384
)

// DefaultLocation is the only deployment region currently offered.
const DefaultLocation = "vinhedo"

const restartTimeout = 15 * time.Second

// Runtime is the container runtime surface the manager needs. Satisfied
// by runtime.DockerRuntime; tests substitute a fake.
type Runtime interface {
	Pull(ctx context.Context, repository, tag string) error
	Run(ctx context.Context, spec runtime.ContainerSpec) (*runtime.Container, error)
	Get(ctx context.Context, name string) (*runtime.Container, error)
	List(ctx context.Context, labelFilter string) ([]*runtime.Container, error)
	Logs(ctx context.Context, id string, tail int) (string, error)
	Remove(ctx context.Context, id string, removeVolumes bool) error
	Restart(ctx context.Context, id string, timeout time.Duration) error
	VolumeRemove(ctx context.Context, name string) error
	StatsOnce(ctx context.Context, id string) (runtime.MemoryStats, error)
	Info(ctx context.Context) (runtime.HostInfo, error)
}

// Manager owns the lifecycle of engine containers. It keeps no state of
// its own; every read goes to the runtime and every instance is identified
// by its labels.
type Manager struct {
	rt     Runtime
	cfg    *config.Config
	proj   *Projection
	logger zerolog.Logger
}

// NewManager creates a Manager over the given runtime.
func NewManager(rt Runtime, cfg *config.Config) *Manager {
	return &Manager{
		rt:     rt,
		cfg:    cfg,
		proj:   NewProjection(cfg),
		logger: log.WithComponent("instance"),
	}
}

// Projection exposes the env/label projection for this deployment.
func (m *Manager) Projection() *Projection {
	return m.proj
}

// Get returns the container backing an instance.
func (m *Manager) Get(ctx context.Context, name string) (*runtime.Container, error) {
	return m.rt.Get(ctx, ContainerName(name))
}

// Exists reports whether an instance's container exists, in any state.
func (m *Manager) Exists(ctx context.Context, name string) (bool, error) {
	_, err := m.Get(ctx, name)
	if err != nil {
		if runtime.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ExtractKey returns the encryption key baked into a container's env, or
// empty if absent.
func ExtractKey(c *runtime.Container) string {
	return c.Env[EncryptionKeyEnv]
}

// Create pulls the engine image and starts a new instance container with
// its named data volume. createdAt is carried into the labels verbatim
// when non-empty; pass empty for a brand new instance.
func (m *Manager) Create(ctx context.Context, name, version, encryptionKey, createdAt string) (*runtime.Container, error) {
	if createdAt == "" {
		createdAt = time.Now().UTC().Format(time.RFC3339)
	}

	if err := m.rt.Pull(ctx, config.EngineImage, version); err != nil {
		return nil, fmt.Errorf("failed to pull engine image %s: %w", version, err)
	}

	spec := runtime.ContainerSpec{
		Name:           ContainerName(name),
		Image:          config.EngineImage + ":" + version,
		Env:            m.proj.Env(name, encryptionKey),
		Labels:         m.proj.Labels(name, createdAt),
		Volumes:        map[string]string{VolumeName(name): DataMountPath},
		Network:        m.cfg.DockerNetwork,
		MemLimit:       m.cfg.InstanceMemLimit,
		MemReservation: m.cfg.InstanceMemReservation,
		CPUShares:      m.cfg.InstanceCPUShares,
	}

	c, err := m.rt.Run(ctx, spec)
	if err != nil {
		return nil, err
	}

	metrics.InstancesCreated.Inc()
	m.logger.Info().Str("instance", name).Str("version", version).
		Str("container_id", c.ShortID()).Msg("Instance container started")
	return c, nil
}

// Remove deletes an instance's container and its data volume. The volume
// removal is best effort; a locked volume is logged and left behind.
func (m *Manager) Remove(ctx context.Context, name string) error {
	c, err := m.Get(ctx, name)
	if err != nil {
		return err
	}

	if err := m.rt.Remove(ctx, c.ID, true); err != nil {
		return err
	}

	if err := m.rt.VolumeRemove(ctx, VolumeName(name)); err != nil && !runtime.IsNotFound(err) {
		m.logger.Warn().Err(err).Str("instance", name).Msg("Failed to remove data volume")
	}

	metrics.InstancesRemoved.Inc()
	m.logger.Info().Str("instance", name).Msg("Instance removed")
	return nil
}

// Rebuild recreates an instance's container on a new version, preserving
// its data volume, encryption key and original creation timestamp. A
// container without a key is refused: replacing the key would render all
// stored credentials unreadable.
func (m *Manager) Rebuild(ctx context.Context, name, version string) (*runtime.Container, error) {
	c, err := m.Get(ctx, name)
	if err != nil {
		return nil, err
	}

	key := ExtractKey(c)
	if key == "" {
		return nil, fmt.Errorf("refusing to rebuild %s: encryption key missing from container env", name)
	}

	createdAt := c.Labels[LabelCreatedAt]
	if createdAt == "" {
		createdAt = c.CreatedAt.Format(time.RFC3339)
	}

	// Keep the named volume; only the container goes.
	if err := m.rt.Remove(ctx, c.ID, false); err != nil {
		return nil, err
	}

	rebuilt, err := m.Create(ctx, name, version, key, createdAt)
	if err != nil {
		return nil, err
	}

	metrics.InstancesRebuilt.Inc()
	return rebuilt, nil
}

// Reset wipes an instance entirely, container and data volume both, and
// creates it fresh with a new encryption key. Returns the new key.
func (m *Manager) Reset(ctx context.Context, name, version string) (*runtime.Container, string, error) {
	if err := m.Remove(ctx, name); err != nil && !runtime.IsNotFound(err) {
		return nil, "", err
	}

	key := GenerateEncryptionKey()
	c, err := m.Create(ctx, name, version, key, "")
	if err != nil {
		return nil, "", err
	}
	return c, key, nil
}

// Restart restarts an instance's container with a graceful stop window.
func (m *Manager) Restart(ctx context.Context, name string) error {
	return m.rt.Restart(ctx, ContainerName(name), restartTimeout)
}

// Logs returns the last tail lines of an instance's output.
func (m *Manager) Logs(ctx context.Context, name string, tail int) (string, error) {
	return m.rt.Logs(ctx, ContainerName(name), tail)
}

// View is the API-facing summary of one instance.
type View struct {
	InstanceID  string `json:"instance_id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	URL         string `json:"url"`
	Location    string `json:"location"`
	Version     string `json:"version"`
	ContainerID string `json:"container_id"`
	CreatedAt   string `json:"created_at,omitempty"`
	AgeDays     int    `json:"age_days"`
}

func (m *Manager) view(c *runtime.Container) View {
	name := c.Labels[LabelInstance]
	if name == "" {
		name = trimEnginePrefix(c.Name)
	}

	createdAt, age := createdAndAge(c)
	return View{
		InstanceID:  name,
		Name:        name,
		Status:      c.Status,
		URL:         m.proj.URL(name),
		Location:    DefaultLocation,
		Version:     c.ImageTag(),
		ContainerID: c.ShortID(),
		CreatedAt:   createdAt,
		AgeDays:     age,
	}
}

// List returns every managed instance, running or not, sorted by name.
func (m *Manager) List(ctx context.Context) ([]View, error) {
	containers, err := m.rt.List(ctx, LabelType+"="+TypeEngine)
	if err != nil {
		return nil, err
	}

	views := make([]View, 0, len(containers))
	for _, c := range containers {
		views = append(views, m.view(c))
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Name < views[j].Name })
	return views, nil
}

// Stale returns the instances whose age is at least maxAgeDays.
func (m *Manager) Stale(ctx context.Context, maxAgeDays int) ([]View, error) {
	views, err := m.List(ctx)
	if err != nil {
		return nil, err
	}

	stale := views[:0]
	for _, v := range views {
		if v.AgeDays >= maxAgeDays {
			stale = append(stale, v)
		}
	}
	return stale, nil
}

// StatusView is the detailed health view of one instance.
type StatusView struct {
	Name       string  `json:"name"`
	Status     string  `json:"status"`
	StartedAt  string  `json:"started_at,omitempty"`
	MemUsageMB float64 `json:"mem_usage_mb"`
	MemLimitMB float64 `json:"mem_limit_mb"`
}

// Status returns an instance's container state plus a point-in-time memory
// reading. Stats failures are tolerated since stopped containers have none.
func (m *Manager) Status(ctx context.Context, name string) (*StatusView, error) {
	c, err := m.Get(ctx, name)
	if err != nil {
		return nil, err
	}

	view := &StatusView{
		Name:      name,
		Status:    c.Status,
		StartedAt: c.StartedAt,
	}
	if stats, err := m.rt.StatsOnce(ctx, c.ID); err == nil {
		view.MemUsageMB = float64(stats.UsageBytes) / 1024 / 1024
		view.MemLimitMB = float64(stats.LimitBytes) / 1024 / 1024
	}
	return view, nil
}

// HostReport describes the host and the planning constants in effect.
type HostReport struct {
	TotalRAMMB       int `json:"total_ram_mb"`
	TotalCPUs        int `json:"total_cpus"`
	ReservedRAMMB    int `json:"reserved_ram_mb"`
	PerInstanceRAMMB int `json:"per_instance_ram_mb"`
}

// CapacityReport is the admission-control view: how many instances the
// host can hold and whether another one fits.
type CapacityReport struct {
	MaxInstances    int        `json:"max_instances"`
	ActiveInstances int        `json:"active_instances"`
	CanCreate       bool       `json:"can_create"`
	Instances       []View     `json:"instances"`
	VPS             HostReport `json:"vps"`
}

// Capacity computes the host capacity from daemon-reported RAM. Only
// running containers count against the limit.
func (m *Manager) Capacity(ctx context.Context) (*CapacityReport, error) {
	info, err := m.rt.Info(ctx)
	if err != nil {
		return nil, err
	}

	views, err := m.List(ctx)
	if err != nil {
		return nil, err
	}

	active := 0
	for _, v := range views {
		if v.Status == "running" {
			active++
		}
	}

	totalMB := int(info.TotalRAMBytes / 1024 / 1024)
	maxInstances := (totalMB - ReservedRAMMB) / PerInstanceRAMMB
	if maxInstances < 1 {
		maxInstances = 1
	}

	metrics.InstancesActive.Set(float64(active))
	return &CapacityReport{
		MaxInstances:    maxInstances,
		ActiveInstances: active,
		CanCreate:       active < maxInstances,
		Instances:       views,
		VPS: HostReport{
			TotalRAMMB:       totalMB,
			TotalCPUs:        info.CPUCount,
			ReservedRAMMB:    ReservedRAMMB,
			PerInstanceRAMMB: PerInstanceRAMMB,
		},
	}, nil
}

// ReconcileAll rebuilds every running instance whose env no longer matches
// the current projection, picking up domain or TLS config changes. Runs
// once at startup. Returns how many instances were rebuilt.
func (m *Manager) ReconcileAll(ctx context.Context) (int, error) {
	containers, err := m.rt.List(ctx, LabelType+"="+TypeEngine)
	if err != nil {
		return 0, err
	}

	rebuilt := 0
	for _, c := range containers {
		if c.Status != "running" {
			continue
		}
		name := c.Labels[LabelInstance]
		if name == "" {
			name = trimEnginePrefix(c.Name)
		}

		// The list endpoint returns summaries without env vars; inspect
		// each instance to get the full view before comparing.
		full, err := m.Get(ctx, name)
		if err != nil {
			m.logger.Error().Err(err).Str("instance", name).Msg("Reconcile inspect failed")
			continue
		}
		if !m.envDrifted(full, name) {
			continue
		}

		version := full.ImageTag()
		if version == "unknown" {
			version = m.cfg.DefaultVersion
		}
		m.logger.Info().Str("instance", name).Msg("Env drift detected, rebuilding")
		if _, err := m.Rebuild(ctx, name, version); err != nil {
			m.logger.Error().Err(err).Str("instance", name).Msg("Reconcile rebuild failed")
			continue
		}
		rebuilt++
	}
	return rebuilt, nil
}

// envDrifted compares the projected env against the container's. Extra
// vars injected by the image are ignored; only projected keys count.
func (m *Manager) envDrifted(c *runtime.Container, name string) bool {
	desired := m.proj.Env(name, ExtractKey(c))
	for k, v := range desired {
		if c.Env[k] != v {
			return true
		}
	}
	return false
}

func trimEnginePrefix(containerName string) string {
	if len(containerName) > len("engine-") && containerName[:len("engine-")] == "engine-" {
		return containerName[len("engine-"):]
	}
	return containerName
}

func createdAndAge(c *runtime.Container) (string, int) {
	if raw := c.Labels[LabelCreatedAt]; raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return raw, int(time.Since(t).Hours() / 24)
		}
		return raw, int(time.Since(c.CreatedAt).Hours() / 24)
	}
	if !c.CreatedAt.IsZero() {
		return c.CreatedAt.Format(time.RFC3339), int(time.Since(c.CreatedAt).Hours() / 24)
	}
	return "", 0
}
