package infra

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/viniciusdev772/n8n-manager/pkg/config"
	"github.com/viniciusdev772/n8n-manager/pkg/health"
	"github.com/viniciusdev772/n8n-manager/pkg/log"
	"github.com/viniciusdev772/n8n-manager/pkg/runtime"
)

const (
	traefikImage  = "traefik:v3.6"
	redisImage    = "redis:7-alpine"
	rabbitImage   = "rabbitmq:3-management-alpine"
	fallbackImage = "nginx:alpine"

	verifyAttempts = 15
	verifyInterval = 2 * time.Second
)

// Runtime is the container runtime surface the bootstrap needs.
type Runtime interface {
	Pull(ctx context.Context, repository, tag string) error
	Run(ctx context.Context, spec runtime.ContainerSpec) (*runtime.Container, error)
	Get(ctx context.Context, name string) (*runtime.Container, error)
	List(ctx context.Context, labelFilter string) ([]*runtime.Container, error)
	ContainersBindingPort(ctx context.Context, port int) ([]*runtime.Container, error)
	Remove(ctx context.Context, id string, removeVolumes bool) error
	Start(ctx context.Context, id string) error
	VolumeRemove(ctx context.Context, name string) error
	NetworkGetOrCreate(ctx context.Context, name string) error
	NetworkConnect(ctx context.Context, networkName, containerID string) error
}

// Bootstrap provisions the shared dependencies the service needs: the
// Docker network, the reverse proxy, the KV store, the message broker, a
// static fallback site and the pre-pulled engine image. Every step is
// idempotent and failures never block startup.
type Bootstrap struct {
	rt     Runtime
	cfg    *config.Config
	logger zerolog.Logger

	probeTCP  func(addr string) bool
	probeAMQP func(url string) error
}

// New creates a Bootstrap over the given runtime.
func New(rt Runtime, cfg *config.Config) *Bootstrap {
	return &Bootstrap{
		rt:        rt,
		cfg:       cfg,
		logger:    log.WithComponent("infra"),
		probeTCP:  health.NewTCPChecker(3 * time.Second).Check,
		probeAMQP: health.CheckAMQP,
	}
}

// Run executes every bootstrap step in order. Step errors are logged and
// swallowed; a partial infra failure must not prevent the HTTP surface
// from coming up.
func (b *Bootstrap) Run(ctx context.Context) {
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"network", b.ensureNetwork},
		{"traefik", b.ensureTraefik},
		{"redis", b.ensureRedis},
		{"rabbitmq", b.ensureRabbitMQ},
		{"fallback-site", b.ensureFallbackSite},
		{"engine-image", b.pullEngineImage},
	}

	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			b.logger.Error().Err(err).Str("step", step.name).Msg("Bootstrap step failed, continuing")
		}
	}
}

func (b *Bootstrap) ensureNetwork(ctx context.Context) error {
	if err := b.rt.NetworkGetOrCreate(ctx, b.cfg.DockerNetwork); err != nil {
		return err
	}
	b.logger.Info().Str("network", b.cfg.DockerNetwork).Msg("Shared network ready")
	return nil
}

// ensureTraefik prefers an externally managed proxy that is already
// running, attaching it to the shared network rather than recreating it.
func (b *Bootstrap) ensureTraefik(ctx context.Context) error {
	existing, err := b.findRunningProxy(ctx)
	if err != nil {
		return err
	}

	if existing != nil {
		if err := b.rt.NetworkConnect(ctx, b.cfg.DockerNetwork, existing.ID); err != nil {
			b.logger.Warn().Err(err).Str("container", existing.Name).
				Msg("Could not attach existing proxy to shared network")
		} else {
			b.logger.Info().Str("container", existing.Name).Msg("Using existing proxy")
		}
		if existing.Name != "traefik" {
			b.removeOrphanProxy(ctx)
		}
		return nil
	}

	if b.cfg.CloudflareDNSToken == "" {
		b.logger.Warn().Msg("No proxy running and CF_DNS_API_TOKEN unset, skipping proxy creation")
		return nil
	}

	b.removeOrphanProxy(ctx)
	b.evictPortHolders(ctx, 80, 443)

	cmd := []string{
		"--providers.docker=true",
		"--providers.docker.exposedbydefault=false",
		"--providers.docker.network=" + b.cfg.DockerNetwork,
		"--entrypoints.web.address=:80",
		"--entrypoints.websecure.address=:443",
		"--entrypoints.web.http.redirections.entrypoint.to=websecure",
		"--entrypoints.web.http.redirections.entrypoint.scheme=https",
		"--certificatesresolvers." + b.cfg.TraefikCertResolver + ".acme.dnschallenge=true",
		"--certificatesresolvers." + b.cfg.TraefikCertResolver + ".acme.dnschallenge.provider=cloudflare",
		"--certificatesresolvers." + b.cfg.TraefikCertResolver + ".acme.email=" + b.cfg.ACMEEmail,
		"--certificatesresolvers." + b.cfg.TraefikCertResolver + ".acme.storage=/letsencrypt/acme.json",
	}

	_, err = b.rt.Run(ctx, runtime.ContainerSpec{
		Name:  "traefik",
		Image: traefikImage,
		Env:   map[string]string{"CF_DNS_API_TOKEN": b.cfg.CloudflareDNSToken},
		Volumes: map[string]string{
			"/var/run/docker.sock": "/var/run/docker.sock:ro",
			"traefik-letsencrypt":  "/letsencrypt",
		},
		Network: b.cfg.DockerNetwork,
		Ports:   map[string]int{"80/tcp": 80, "443/tcp": 443},
		Cmd:     cmd,
	})
	if err != nil {
		return fmt.Errorf("failed to create proxy: %w", err)
	}
	b.logger.Info().Msg("Proxy created with Cloudflare DNS challenge")
	return nil
}

// findRunningProxy looks for any running Traefik, ours or not, by image
// reference first and container name second.
func (b *Bootstrap) findRunningProxy(ctx context.Context) (*runtime.Container, error) {
	all, err := b.rt.List(ctx, "")
	if err != nil {
		return nil, err
	}
	for _, c := range all {
		if c.Status != "running" {
			continue
		}
		if strings.Contains(strings.ToLower(c.Image), "traefik") ||
			strings.Contains(strings.ToLower(c.Name), "traefik") {
			return c, nil
		}
	}
	return nil, nil
}

// removeOrphanProxy deletes a stopped leftover "traefik" container.
func (b *Bootstrap) removeOrphanProxy(ctx context.Context) {
	c, err := b.rt.Get(ctx, "traefik")
	if err != nil || c.Status == "running" {
		return
	}
	b.logger.Info().Str("status", c.Status).Msg("Removing orphan proxy container")
	if err := b.rt.Remove(ctx, c.ID, false); err != nil {
		b.logger.Warn().Err(err).Msg("Failed to remove orphan proxy")
	}
}

func (b *Bootstrap) ensureRedis(ctx context.Context) error {
	c, err := b.rt.Get(ctx, "redis")
	if err == nil {
		if c.Status == "running" && bindsPort(c, b.cfg.RedisPort) {
			return nil
		}
		if c.Status != "running" {
			if startErr := b.rt.Start(ctx, c.ID); startErr == nil && bindsPort(c, b.cfg.RedisPort) {
				return nil
			}
		}
		// Wrong port mapping or unstartable: recreate
		b.logger.Info().Msg("Recreating KV store with host port exposed")
		if err := b.rt.Remove(ctx, c.ID, false); err != nil {
			return err
		}
	} else if !runtime.IsNotFound(err) {
		return err
	}

	b.evictPortHolders(ctx, b.cfg.RedisPort)

	_, err = b.rt.Run(ctx, runtime.ContainerSpec{
		Name:     "redis",
		Image:    redisImage,
		Cmd:      []string{"redis-server", "--maxmemory", "100mb", "--maxmemory-policy", "allkeys-lru"},
		Volumes:  map[string]string{"redis-data": "/data"},
		Network:  b.cfg.DockerNetwork,
		Ports:    map[string]int{"6379/tcp": b.cfg.RedisPort},
		MemLimit: 128 * 1024 * 1024,
	})
	if err != nil {
		return fmt.Errorf("failed to create KV store: %w", err)
	}

	addr := b.cfg.RedisAddr()
	if !Retry(verifyAttempts, verifyInterval, func() bool { return b.probeTCP(addr) }) {
		b.logger.Warn().Str("addr", addr).Msg("KV store created but connection not confirmed")
		return nil
	}
	b.logger.Info().Msg("KV store ready")
	return nil
}

func (b *Bootstrap) ensureRabbitMQ(ctx context.Context) error {
	url := b.cfg.RabbitMQURL()

	c, err := b.rt.Get(ctx, "rabbitmq")
	if err == nil {
		if c.Status != "running" {
			if startErr := b.rt.Start(ctx, c.ID); startErr != nil {
				b.logger.Warn().Err(startErr).Msg("Broker container would not start, recreating")
				if err := b.rt.Remove(ctx, c.ID, false); err != nil {
					return err
				}
				return b.createRabbitMQ(ctx, url)
			}
		}

		probeErr := b.awaitAMQP(url)
		if probeErr == nil {
			return nil
		}
		if !health.IsAccessRefused(probeErr) {
			b.logger.Warn().Err(probeErr).Msg("Broker created but connection not confirmed")
			return nil
		}

		// The data volume holds credentials from a previous deployment
		// that no longer match the configured ones.
		b.logger.Info().Msg("Broker credentials mismatch, resetting broker and its volume")
		if err := b.rt.Remove(ctx, c.ID, false); err != nil {
			return err
		}
		if err := b.rt.VolumeRemove(ctx, "rabbitmq-data"); err != nil && !runtime.IsNotFound(err) {
			b.logger.Warn().Err(err).Msg("Failed to remove stale broker volume")
		}
	} else if !runtime.IsNotFound(err) {
		return err
	}

	return b.createRabbitMQ(ctx, url)
}

func (b *Bootstrap) createRabbitMQ(ctx context.Context, url string) error {
	b.evictPortHolders(ctx, b.cfg.RabbitMQPort, 15672)

	_, err := b.rt.Run(ctx, runtime.ContainerSpec{
		Name:  "rabbitmq",
		Image: rabbitImage,
		Env: map[string]string{
			"RABBITMQ_DEFAULT_USER": b.cfg.RabbitMQUser,
			"RABBITMQ_DEFAULT_PASS": b.cfg.RabbitMQPassword,
		},
		Volumes:  map[string]string{"rabbitmq-data": "/var/lib/rabbitmq"},
		Network:  b.cfg.DockerNetwork,
		Ports:    map[string]int{"5672/tcp": b.cfg.RabbitMQPort, "15672/tcp": 15672},
		MemLimit: 256 * 1024 * 1024,
	})
	if err != nil {
		return fmt.Errorf("failed to create broker: %w", err)
	}

	if err := b.awaitAMQP(url); err != nil {
		b.logger.Warn().Err(err).Msg("Broker created but connection not confirmed")
		return nil
	}
	b.logger.Info().Msg("Broker ready")
	return nil
}

// awaitAMQP probes the broker with authenticated dials until it answers.
// Returns the last probe error, nil on success.
func (b *Bootstrap) awaitAMQP(url string) error {
	var lastErr error
	ok := Retry(verifyAttempts, verifyInterval, func() bool {
		lastErr = b.probeAMQP(url)
		return lastErr == nil || health.IsAccessRefused(lastErr)
	})
	if !ok {
		return lastErr
	}
	return lastErr
}

// ensureFallbackSite runs a catch-all static site so unrouted subdomains
// get a page instead of a proxy 404.
func (b *Bootstrap) ensureFallbackSite(ctx context.Context) error {
	c, err := b.rt.Get(ctx, "fallback-site")
	if err == nil {
		if c.Status == "running" {
			return nil
		}
		return b.rt.Start(ctx, c.ID)
	}
	if !runtime.IsNotFound(err) {
		return err
	}

	labels := map[string]string{
		"traefik.enable":                         "true",
		"traefik.http.routers.fallback.rule":     "HostRegexp(`.+`)",
		"traefik.http.routers.fallback.priority": "1",
		"traefik.http.services.fallback.loadbalancer.server.port": "80",
	}
	if b.cfg.SSLEnabled {
		labels["traefik.http.routers.fallback.entrypoints"] = "websecure"
	} else {
		labels["traefik.http.routers.fallback.entrypoints"] = "web"
	}

	_, err = b.rt.Run(ctx, runtime.ContainerSpec{
		Name:     "fallback-site",
		Image:    fallbackImage,
		Labels:   labels,
		Network:  b.cfg.DockerNetwork,
		MemLimit: 64 * 1024 * 1024,
	})
	if err != nil {
		return fmt.Errorf("failed to create fallback site: %w", err)
	}
	b.logger.Info().Msg("Fallback site ready")
	return nil
}

// pullEngineImage warms the default engine image so the first provisioning
// job does not pay the pull.
func (b *Bootstrap) pullEngineImage(ctx context.Context) error {
	if err := b.rt.Pull(ctx, config.EngineImage, b.cfg.DefaultVersion); err != nil {
		return fmt.Errorf("failed to pre-pull engine image: %w", err)
	}
	b.logger.Info().Str("version", b.cfg.DefaultVersion).Msg("Engine image pre-pulled")
	return nil
}

// evictPortHolders force-removes containers publishing any of the given
// host ports so infra containers can bind them.
func (b *Bootstrap) evictPortHolders(ctx context.Context, ports ...int) {
	for _, port := range ports {
		holders, err := b.rt.ContainersBindingPort(ctx, port)
		if err != nil {
			b.logger.Warn().Err(err).Int("port", port).Msg("Could not scan for port holders")
			continue
		}
		for _, holder := range holders {
			b.logger.Info().Str("container", holder.Name).Int("port", port).
				Msg("Removing container holding required port")
			if err := b.rt.Remove(ctx, holder.ID, false); err != nil {
				b.logger.Warn().Err(err).Str("container", holder.Name).Msg("Eviction failed")
			}
		}
	}
}

func bindsPort(c *runtime.Container, port int) bool {
	for _, p := range c.HostPorts {
		if p == port {
			return true
		}
	}
	return false
}

