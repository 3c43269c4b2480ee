package instance

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Engine containers are tracked purely through these labels; there is no
// separate registry. The container runtime is the source of truth.
const (
	LabelManaged   = "app.managed"
	LabelType      = "app.type"
	LabelInstance  = "app.instance"
	LabelCreatedAt = "app.created_at"

	TypeEngine = "engine"

	// EnginePort is the port the engine listens on inside the container.
	EnginePort = "5678"

	// DataMountPath is where the engine keeps its SQLite database and
	// settings inside the container.
	DataMountPath = "/home/node/.n8n"

	// EncryptionKeyEnv is the env var holding the 256-bit data key. It
	// must survive rebuilds or stored credentials become unreadable.
	EncryptionKeyEnv = "N8N_ENCRYPTION_KEY"
)

var (
	validName    = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,30}[a-z0-9]$`)
	validVersion = regexp.MustCompile(`^(latest|1\.\d{1,3}\.\d{1,3})$`)

	// ErrInvalidName carries the exact message surfaced to API clients.
	ErrInvalidName = errors.New("Nome deve conter apenas letras minusculas, numeros e hifens (2-32 chars)")
)

// ValidateName normalizes and validates an instance name.
func ValidateName(name string) (string, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || !validName.MatchString(name) {
		return "", ErrInvalidName
	}
	return name, nil
}

// ValidateVersion validates an engine version string ("latest" or 1.X.Y).
func ValidateVersion(version string) (string, error) {
	version = strings.TrimSpace(version)
	if !validVersion.MatchString(version) {
		return "", fmt.Errorf("Versao invalida: '%s'. Use formato 1.X.Y ou 'latest'", version)
	}
	return version, nil
}

// ContainerName derives the deterministic container name for an instance.
func ContainerName(name string) string {
	return "engine-" + name
}

// VolumeName derives the named data volume for an instance.
func VolumeName(name string) string {
	return "engine-data-" + name
}

// GenerateEncryptionKey returns 256 bits of CSPRNG output, hex encoded.
func GenerateEncryptionKey() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic(fmt.Sprintf("crypto/rand: %v", err))
	}
	return hex.EncodeToString(buf)
}
