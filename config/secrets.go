package config

import (
	"os"
	"strings"

	"github.com/pkg/errors"
)

// ResolveSecret interprets secret references in config values:
// "file:<path>" reads the file, "env:<NAME>" reads another variable,
// anything else is returned as-is. Resolved values are trimmed.
func ResolveSecret(value string) (string, error) {
	switch {
	case strings.HasPrefix(value, "file:"):
		path := strings.TrimPrefix(value, "file:")
		raw, err := os.ReadFile(path)
		if err != nil {
			return "", errors.Wrapf(err, "read secret file %s", path)
		}
		return strings.TrimSpace(string(raw)), nil
	case strings.HasPrefix(value, "env:"):
		name := strings.TrimPrefix(value, "env:")
		resolved, ok := os.LookupEnv(name)
		if !ok {
			return "", errors.Errorf("secret variable %s is not set", name)
		}
		return strings.TrimSpace(resolved), nil
	default:
		return value, nil
	}
}
