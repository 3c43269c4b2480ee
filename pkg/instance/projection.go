package instance

import (
	"github.com/viniciusdev772/n8n-manager/pkg/config"
)

// Projection derives the per-instance environment and routing labels from
// the service configuration. Rebuild compares the projected env against a
// running container's env to decide whether the container is stale.
type Projection struct {
	cfg *config.Config
}

// NewProjection builds a Projection over cfg.
func NewProjection(cfg *config.Config) *Projection {
	return &Projection{cfg: cfg}
}

// Subdomain returns the instance hostname under the base domain.
func (p *Projection) Subdomain(name string) string {
	return name + "." + p.cfg.BaseDomain
}

// URL returns the public URL of an instance, without trailing slash.
func (p *Projection) URL(name string) string {
	return p.cfg.Scheme() + "://" + p.Subdomain(name)
}

// Env projects the full engine environment for an instance. Everything
// except the encryption key is a pure function of name and configuration,
// which is what makes drift detection possible.
func (p *Projection) Env(name, encryptionKey string) map[string]string {
	base := p.URL(name)
	return map[string]string{
		"N8N_HOST":            "0.0.0.0",
		"N8N_PORT":            EnginePort,
		"N8N_PROTOCOL":        p.cfg.Scheme(),
		"N8N_EDITOR_BASE_URL": base + "/",
		EncryptionKeyEnv:      encryptionKey,
		"WEBHOOK_URL":         base + "/",
		"GENERIC_TIMEZONE":    p.cfg.DefaultTimezone,
		"N8N_SECURE_COOKIE":   boolStr(p.cfg.SSLEnabled),
		"N8N_LOG_LEVEL":       "warn",

		"DB_SQLITE_POOL_SIZE":             "4",
		"N8N_DIAGNOSTICS_ENABLED":         "false",
		"N8N_BLOCK_ENV_ACCESS_IN_NODE":    "true",
		"N8N_GIT_NODE_DISABLE_BARE_REPOS": "true",

		"EXECUTIONS_DATA_PRUNE":                  "true",
		"EXECUTIONS_DATA_MAX_AGE":                "24",
		"EXECUTIONS_DATA_PRUNE_MAX_COUNT":        "100",
		"EXECUTIONS_DATA_SAVE_ON_ERROR":          "all",
		"EXECUTIONS_DATA_SAVE_ON_SUCCESS":        "none",
		"EXECUTIONS_DATA_SAVE_ON_PROGRESS":       "false",
		"EXECUTIONS_DATA_SAVE_MANUAL_EXECUTIONS": "false",

		"N8N_CONCURRENCY_PRODUCTION_LIMIT": "3",
		"NODE_OPTIONS":                     "--max-old-space-size=256",

		"N8N_TEMPLATES_ENABLED":                 "false",
		"N8N_VERSION_NOTIFICATIONS_ENABLED":     "false",
		"N8N_PERSONALIZATION_ENABLED":           "false",
		"N8N_HIRING_BANNER_ENABLED":             "false",
		"N8N_COMMUNITY_PACKAGES_ENABLED":        "true",
		"N8N_ENFORCE_SETTINGS_FILE_PERMISSIONS": "true",
	}
}

// Labels projects the routing and bookkeeping labels for an instance.
// createdAt is carried verbatim so rebuilds keep the original timestamp.
func (p *Projection) Labels(name, createdAt string) map[string]string {
	router := "traefik.http.routers." + ContainerName(name)
	service := "traefik.http.services." + ContainerName(name)

	labels := map[string]string{
		"traefik.enable":                       "true",
		router + ".rule":                       "Host(`" + p.Subdomain(name) + "`)",
		service + ".loadbalancer.server.port": EnginePort,

		LabelManaged:   "true",
		LabelType:      TypeEngine,
		LabelInstance:  name,
		LabelCreatedAt: createdAt,
	}
	if p.cfg.SSLEnabled {
		labels[router+".entrypoints"] = "websecure"
		labels[router+".tls.certresolver"] = p.cfg.TraefikCertResolver
	} else {
		labels[router+".entrypoints"] = "web"
	}
	return labels
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
