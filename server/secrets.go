package server

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const sessionSecretFile = "session.secret"

// LoadOrCreateSessionSecret returns the dev session secret persisted under
// dir, generating and writing one on first use.
func LoadOrCreateSessionSecret(dir string) (string, error) {
	path := filepath.Join(dir, sessionSecretFile)
	payload, err := os.ReadFile(path)
	switch {
	case err == nil:
		secret := strings.TrimSpace(string(payload))
		if len(secret) < 32 {
			return "", fmt.Errorf("%s: stored secret too short", path)
		}
		return secret, nil
	case !errors.Is(err, fs.ErrNotExist):
		return "", fmt.Errorf("read %s: %w", path, err)
	}

	secret := GenerateSessionSecret()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	if err := os.WriteFile(path, []byte(secret+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return secret, nil
}

// GenerateSessionSecret returns a random secret long enough for production.
func GenerateSessionSecret() string {
	return randomToken(32)
}
