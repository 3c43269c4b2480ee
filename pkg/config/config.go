package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// EngineImage is the public registry path of the workflow engine image.
const EngineImage = "docker.n8n.io/n8nio/n8n"

// Config holds all runtime parameters, loaded from environment variables
// with defaults suitable for a single-host deployment.
type Config struct {
	// API
	APIAuthToken   string
	ServerPort     int
	AllowedOrigins []string

	// Routing
	BaseDomain          string
	ACMEEmail           string
	DockerNetwork       string
	CloudflareDNSToken  string
	TraefikCertResolver string
	SSLEnabled          bool

	// RabbitMQ
	RabbitMQHost     string
	RabbitMQPort     int
	RabbitMQUser     string
	RabbitMQPassword string

	// Redis
	RedisHost string
	RedisPort int

	// Engine instances
	DefaultVersion         string
	DefaultTimezone        string
	InstanceMemLimit       int64 // bytes
	InstanceMemReservation int64 // bytes
	InstanceCPUShares      int64

	// Worker readiness probe
	ReadinessMaxAttempts  int
	ReadinessPollInterval time.Duration
	SSLWaitSeconds        time.Duration

	// Eviction sweeper
	CleanupMaxAgeDays      int
	CleanupIntervalSeconds time.Duration

	// Job store TTLs
	JobTTL        time.Duration
	JobCleanupTTL time.Duration

	// SSE
	SSEMaxDuration time.Duration
}

// Load reads configuration from the environment, applying defaults.
func Load() *Config {
	cfg := &Config{
		APIAuthToken:   getenv("API_AUTH_TOKEN", ""),
		ServerPort:     getenvInt("SERVER_PORT", 5050),
		AllowedOrigins: strings.Split(getenv("ALLOWED_ORIGINS", "*"), ","),

		BaseDomain:          getenv("BASE_DOMAIN", "n8n.marketcodebrasil.com.br"),
		ACMEEmail:           getenv("ACME_EMAIL", "admin@marketcodebrasil.com.br"),
		DockerNetwork:       getenv("DOCKER_NETWORK", "n8n-public"),
		CloudflareDNSToken:  getenv("CF_DNS_API_TOKEN", ""),
		TraefikCertResolver: getenv("TRAEFIK_CERT_RESOLVER", "letsencrypt"),
		SSLEnabled:          getenvBool("SSL_ENABLED", true),

		RabbitMQHost:     getenv("RABBITMQ_HOST", "127.0.0.1"),
		RabbitMQPort:     getenvInt("RABBITMQ_PORT", 5672),
		RabbitMQUser:     getenv("RABBITMQ_USER", ""),
		RabbitMQPassword: getenv("RABBITMQ_PASSWORD", ""),

		RedisHost: getenv("REDIS_HOST", "127.0.0.1"),
		RedisPort: getenvInt("REDIS_PORT", 6379),

		DefaultVersion:  getenv("DEFAULT_N8N_VERSION", "1.123.20"),
		DefaultTimezone: getenv("DEFAULT_TIMEZONE", "America/Sao_Paulo"),

		// Engine idles around 100MB; heap is capped at 256MB via NODE_OPTIONS.
		InstanceMemLimit:       getenvMegabytes("INSTANCE_MEM_LIMIT", 384),
		InstanceMemReservation: getenvMegabytes("INSTANCE_MEM_RESERVATION", 192),
		InstanceCPUShares:      int64(getenvInt("INSTANCE_CPU_SHARES", 512)),

		ReadinessMaxAttempts:  getenvInt("READINESS_MAX_ATTEMPTS", 90),
		ReadinessPollInterval: getenvSeconds("READINESS_POLL_INTERVAL", 2),
		SSLWaitSeconds:        getenvSeconds("SSL_WAIT_SECONDS", 5),

		CleanupMaxAgeDays:      getenvInt("CLEANUP_MAX_AGE_DAYS", 5),
		CleanupIntervalSeconds: getenvSeconds("CLEANUP_INTERVAL_SECONDS", 3600),

		JobTTL:        getenvSeconds("JOB_TTL", 600),
		JobCleanupTTL: getenvSeconds("JOB_CLEANUP_TTL", 300),

		SSEMaxDuration: getenvSeconds("SSE_MAX_DURATION", 300),
	}
	return cfg
}

// Scheme returns the URL scheme instances are served under.
func (c *Config) Scheme() string {
	if c.SSLEnabled {
		return "https"
	}
	return "http"
}

// RabbitMQURL builds the AMQP connection URL.
func (c *Config) RabbitMQURL() string {
	return "amqp://" + c.RabbitMQUser + ":" + c.RabbitMQPassword + "@" +
		c.RabbitMQHost + ":" + strconv.Itoa(c.RabbitMQPort) + "/"
}

// RedisAddr returns the host:port address of the KV store.
func (c *Config) RedisAddr() string {
	return c.RedisHost + ":" + strconv.Itoa(c.RedisPort)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvSeconds(key string, def int) time.Duration {
	return time.Duration(getenvInt(key, def)) * time.Second
}

// getenvMegabytes parses values like "384m" or plain megabyte counts into bytes.
func getenvMegabytes(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def * 1024 * 1024
	}
	v = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(v)), "m")
	if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
		return n * 1024 * 1024
	}
	return def * 1024 * 1024
}
