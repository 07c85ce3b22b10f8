package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

const (
	secretRefPrefix = "$SECRET:"
	fileRefPrefix   = "file:"
)

// Resolver resolves credential references found in provider manifests and
// configuration. Three indirections are supported:
//
//	${ENV_VAR}      read from the process environment
//	file:/path      read from a file, trailing whitespace trimmed
//	$SECRET:name    read from the encrypted secret store
//
// Anything else is returned verbatim.
type Resolver struct {
	store *Store
}

// NewResolver creates a new credential resolver. The store may be nil, in
// which case $SECRET: references fail to resolve.
func NewResolver(store *Store) *Resolver {
	return &Resolver{store: store}
}

// ResolveValue resolves a single value that may be a credential reference.
func (r *Resolver) ResolveValue(ctx context.Context, value string) (string, error) {
	switch {
	case isEnvRef(value):
		name := value[2 : len(value)-1]
		if name == "" {
			return "", fmt.Errorf("empty variable name in reference")
		}
		v, ok := os.LookupEnv(name)
		if !ok {
			return "", fmt.Errorf("environment variable %s not set", name)
		}
		return v, nil

	case strings.HasPrefix(value, fileRefPrefix):
		path := strings.TrimPrefix(value, fileRefPrefix)
		if path == "" {
			return "", fmt.Errorf("empty path in file reference")
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read credential file: %w", err)
		}
		return strings.TrimRight(string(data), "\r\n"), nil

	case strings.HasPrefix(value, secretRefPrefix):
		name := strings.TrimPrefix(value, secretRefPrefix)
		if name == "" {
			return "", fmt.Errorf("empty secret name in reference")
		}
		if r.store == nil {
			return "", fmt.Errorf("secret store not configured, cannot resolve '%s'", name)
		}
		secretValue, err := r.store.Get(ctx, name)
		if err != nil {
			return "", fmt.Errorf("get secret '%s': %w", name, err)
		}
		return string(secretValue), nil
	}

	return value, nil
}

// ResolveMap resolves all credential references in a string map.
// Returns a new map with references resolved.
func (r *Resolver) ResolveMap(ctx context.Context, values map[string]string) (map[string]string, error) {
	if len(values) == 0 {
		return values, nil
	}

	resolved := make(map[string]string, len(values))
	for k, v := range values {
		resolvedValue, err := r.ResolveValue(ctx, v)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", k, err)
		}
		resolved[k] = resolvedValue
	}

	return resolved, nil
}

func isEnvRef(value string) bool {
	return strings.HasPrefix(value, "${") && strings.HasSuffix(value, "}")
}

// IsRef checks if a value is any kind of credential reference.
func IsRef(value string) bool {
	return isEnvRef(value) ||
		strings.HasPrefix(value, fileRefPrefix) ||
		strings.HasPrefix(value, secretRefPrefix)
}

// ExtractSecretName extracts the secret name from a $SECRET: reference.
func ExtractSecretName(value string) string {
	if !strings.HasPrefix(value, secretRefPrefix) {
		return ""
	}
	return strings.TrimPrefix(value, secretRefPrefix)
}

// ListSecretRefs returns all store-backed secret names referenced in the map.
func ListSecretRefs(values map[string]string) []string {
	var refs []string
	for _, v := range values {
		if name := ExtractSecretName(v); name != "" {
			refs = append(refs, name)
		}
	}
	return refs
}
