package instance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viniciusdev772/n8n-manager/pkg/config"
)

func testConfig() *config.Config {
	return &config.Config{
		BaseDomain:          "n8n.example.com.br",
		TraefikCertResolver: "letsencrypt",
		SSLEnabled:          true,
		DefaultTimezone:     "America/Sao_Paulo",
		DefaultVersion:      "1.123.20",
		DockerNetwork:       "n8n-public",
	}
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		input string
		want  string
		ok    bool
	}{
		{"alice", "alice", true},
		{"  Alice  ", "alice", true},
		{"a1-b2", "a1-b2", true},
		{"ab", "ab", true},
		{"a", "", false},
		{"", "", false},
		{"-alice", "", false},
		{"alice-", "", false},
		{"under_score", "", false},
		{"UPPER CASE", "", false},
		{"this-name-is-way-too-long-for-the-limit", "", false},
	}

	for _, tt := range tests {
		got, err := ValidateName(tt.input)
		if tt.ok {
			require.NoError(t, err, tt.input)
			assert.Equal(t, tt.want, got)
		} else {
			assert.ErrorIs(t, err, ErrInvalidName, tt.input)
		}
	}
}

func TestValidateVersion(t *testing.T) {
	for _, v := range []string{"latest", "1.0.0", "1.123.20", "1.999.999"} {
		got, err := ValidateVersion(v)
		require.NoError(t, err, v)
		assert.Equal(t, v, got)
	}

	for _, v := range []string{"", "2.0.0", "1.2", "1.2.3.4", "v1.2.3", "stable", "1.1234.0"} {
		_, err := ValidateVersion(v)
		require.Error(t, err, v)
		assert.Contains(t, err.Error(), "Versao invalida")
	}
}

func TestNameDerivations(t *testing.T) {
	assert.Equal(t, "engine-alice", ContainerName("alice"))
	assert.Equal(t, "engine-data-alice", VolumeName("alice"))

	proj := NewProjection(testConfig())
	assert.Equal(t, "alice.n8n.example.com.br", proj.Subdomain("alice"))
	assert.Equal(t, "https://alice.n8n.example.com.br", proj.URL("alice"))
}

func TestEnvProjection(t *testing.T) {
	proj := NewProjection(testConfig())
	env := proj.Env("alice", "secret-key")

	assert.Equal(t, "0.0.0.0", env["N8N_HOST"])
	assert.Equal(t, "5678", env["N8N_PORT"])
	assert.Equal(t, "https", env["N8N_PROTOCOL"])
	assert.Equal(t, "https://alice.n8n.example.com.br/", env["N8N_EDITOR_BASE_URL"])
	assert.Equal(t, "https://alice.n8n.example.com.br/", env["WEBHOOK_URL"])
	assert.Equal(t, "secret-key", env["N8N_ENCRYPTION_KEY"])
	assert.Equal(t, "America/Sao_Paulo", env["GENERIC_TIMEZONE"])
	assert.Equal(t, "true", env["N8N_SECURE_COOKIE"])
	assert.Equal(t, "warn", env["N8N_LOG_LEVEL"])
	assert.Equal(t, "--max-old-space-size=256", env["NODE_OPTIONS"])
	assert.Equal(t, "3", env["N8N_CONCURRENCY_PRODUCTION_LIMIT"])
	assert.Equal(t, "false", env["N8N_DIAGNOSTICS_ENABLED"])
	assert.Equal(t, "24", env["EXECUTIONS_DATA_MAX_AGE"])
	assert.Equal(t, "100", env["EXECUTIONS_DATA_PRUNE_MAX_COUNT"])
	assert.Equal(t, "false", env["EXECUTIONS_DATA_SAVE_MANUAL_EXECUTIONS"])
	assert.Equal(t, "true", env["N8N_COMMUNITY_PACKAGES_ENABLED"])
}

func TestEnvProjectionWithoutTLS(t *testing.T) {
	cfg := testConfig()
	cfg.SSLEnabled = false
	proj := NewProjection(cfg)

	env := proj.Env("bob", "k")
	assert.Equal(t, "http", env["N8N_PROTOCOL"])
	assert.Equal(t, "http://bob.n8n.example.com.br/", env["WEBHOOK_URL"])
	assert.Equal(t, "false", env["N8N_SECURE_COOKIE"])
}

func TestEnvProjectionIsDeterministic(t *testing.T) {
	proj := NewProjection(testConfig())
	assert.Equal(t, proj.Env("alice", "k"), proj.Env("alice", "k"))
}

func TestLabelProjection(t *testing.T) {
	proj := NewProjection(testConfig())
	labels := proj.Labels("alice", "2026-08-20T10:00:00Z")

	assert.Equal(t, "true", labels["traefik.enable"])
	assert.Equal(t, "Host(`alice.n8n.example.com.br`)", labels["traefik.http.routers.engine-alice.rule"])
	assert.Equal(t, "websecure", labels["traefik.http.routers.engine-alice.entrypoints"])
	assert.Equal(t, "letsencrypt", labels["traefik.http.routers.engine-alice.tls.certresolver"])
	assert.Equal(t, "5678", labels["traefik.http.services.engine-alice.loadbalancer.server.port"])

	assert.Equal(t, "true", labels[LabelManaged])
	assert.Equal(t, "engine", labels[LabelType])
	assert.Equal(t, "alice", labels[LabelInstance])
	assert.Equal(t, "2026-08-20T10:00:00Z", labels[LabelCreatedAt])
}

func TestLabelProjectionWithoutTLS(t *testing.T) {
	cfg := testConfig()
	cfg.SSLEnabled = false
	proj := NewProjection(cfg)

	labels := proj.Labels("alice", "2026-08-20T10:00:00Z")
	assert.Equal(t, "web", labels["traefik.http.routers.engine-alice.entrypoints"])
	assert.NotContains(t, labels, "traefik.http.routers.engine-alice.tls.certresolver")
}

func TestGenerateEncryptionKey(t *testing.T) {
	k1 := GenerateEncryptionKey()
	k2 := GenerateEncryptionKey()

	assert.Len(t, k1, 64)
	assert.Regexp(t, "^[0-9a-f]{64}$", k1)
	assert.NotEqual(t, k1, k2)
}
