package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// ErrSecretNotFound is returned when a secret has no stored value.
var ErrSecretNotFound = errors.New("secret not found")

// SecretStore holds values that never go into config.toml.
type SecretStore interface {
	Get(key string) (string, error)
	Set(key, value string) error
}

// fileSecrets keeps secrets in a 0600 TOML file under the data directory.
type fileSecrets struct {
	path string
}

// NewSecretStore returns the store at $XDG_DATA_HOME/triageq/secrets.toml.
func NewSecretStore() SecretStore {
	return fileSecrets{path: filepath.Join(defaultDataDir(), "secrets.toml")}
}

// fileKey flattens "endpoint.api_key" to "endpoint_api_key" so the file
// stays a single table.
func fileKey(key string) string {
	return strings.ReplaceAll(key, ".", "_")
}

func (s fileSecrets) read() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}
	m := map[string]string{}
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	return m, nil
}

func (s fileSecrets) Get(key string) (string, error) {
	m, err := s.read()
	if err != nil {
		return "", err
	}
	v, ok := m[fileKey(key)]
	if !ok || v == "" {
		return "", ErrSecretNotFound
	}
	return v, nil
}

func (s fileSecrets) Set(key, value string) error {
	m, err := s.read()
	if err != nil {
		return err
	}
	m[fileKey(key)] = value

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := toml.Marshal(m)
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, out, 0o600)
}

// GetAPIToken returns the local API bearer token, generating and storing a
// random one on first use. TRIAGEQ_SERVER_TOKEN takes precedence.
func GetAPIToken(s SecretStore) (string, error) {
	if tok := os.Getenv("TRIAGEQ_SERVER_TOKEN"); tok != "" {
		return tok, nil
	}
	tok, err := s.Get("server.token")
	if err == nil {
		return tok, nil
	}
	if !errors.Is(err, ErrSecretNotFound) {
		return "", err
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	tok = hex.EncodeToString(buf)
	if err := s.Set("server.token", tok); err != nil {
		return "", fmt.Errorf("storing token: %w", err)
	}
	return tok, nil
}
