package vault

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/zalando/go-keyring"
)

const serviceName = "keyrelay"

// Vault provides secure API key storage using the OS keychain,
// with fallback to environment variables. One keychain entry per service
// holds every key of that service as a comma-separated list.
type Vault struct{}

// New creates a new Vault instance.
func New() *Vault {
	return &Vault{}
}

// Set replaces the keys stored for the given service.
func (v *Vault) Set(service string, secrets []string) error {
	return keyring.Set(serviceName, service, strings.Join(secrets, ","))
}

// Add appends secrets to the keychain entry for service, skipping ones
// already stored. It returns how many were added.
func (v *Vault) Add(service string, secrets ...string) (int, error) {
	existing, err := keyring.Get(serviceName, service)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return 0, fmt.Errorf("reading keychain entry %q: %w", service, err)
	}
	stored := SplitSecrets(existing)
	added := 0
	for _, s := range secrets {
		s = strings.TrimSpace(s)
		if s == "" || slices.Contains(stored, s) {
			continue
		}
		stored = append(stored, s)
		added++
	}
	if added == 0 {
		return 0, nil
	}
	if err := v.Set(service, stored); err != nil {
		return 0, fmt.Errorf("writing keychain entry %q: %w", service, err)
	}
	return added, nil
}

// Get retrieves the raw key list for the given service. It first checks the
// OS keychain, then falls back to the environment variable
// KEYRELAY_KEY_{UPPER(service)}.
func (v *Vault) Get(service string) (string, error) {
	secret, err := keyring.Get(serviceName, service)
	if err == nil && secret != "" {
		return secret, nil
	}

	envKey := "KEYRELAY_KEY_" + strings.ToUpper(service)
	if val := os.Getenv(envKey); val != "" {
		return val, nil
	}

	return "", fmt.Errorf("no keys found for service %q: not in keychain and %s not set", service, envKey)
}

// Delete removes the keys for the given service from the OS keychain.
func (v *Vault) Delete(service string) error {
	return keyring.Delete(serviceName, service)
}

// Count reports how many keys are stored for each of services, counting
// both the keychain and the environment fallback.
func (v *Vault) Count(services []string) map[string]int {
	out := make(map[string]int, len(services))
	for _, s := range services {
		raw, err := v.Get(s)
		if err != nil {
			continue
		}
		out[s] = len(SplitSecrets(raw))
	}
	return out
}

// Resolve resolves every ref and returns the union of their secrets in
// order, without duplicates. A ref that fails to resolve is reported in
// errs; the others are still used.
func (v *Vault) Resolve(refs []string) (secrets []string, errs []error) {
	for _, ref := range refs {
		raw, err := v.ResolveKeyRef(ref)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, s := range SplitSecrets(raw) {
			if !slices.Contains(secrets, s) {
				secrets = append(secrets, s)
			}
		}
	}
	return secrets, errs
}

// ResolveKeyRef parses a key reference and retrieves the raw value behind it.
// Supported formats:
//   - "keyring://keyrelay/<service>" (preferred)
//   - "env:VARIABLE_NAME" (environment variable)
//   - "file:///path/to/keys" or "file:/path/to/keys" (plain-text file)
func (v *Vault) ResolveKeyRef(keyRef string) (string, error) {
	switch {
	case strings.HasPrefix(keyRef, "keyring://"):
		path := strings.TrimPrefix(keyRef, "keyring://")
		parts := strings.SplitN(path, "/", 2)
		if len(parts) != 2 || parts[0] != serviceName || parts[1] == "" {
			return "", fmt.Errorf("invalid key reference format: %q (expected \"keyring://keyrelay/<service>\")", keyRef)
		}
		return v.Get(parts[1])

	case strings.HasPrefix(keyRef, "env:"):
		envVar := strings.TrimPrefix(keyRef, "env:")
		if val := os.Getenv(envVar); val != "" {
			return val, nil
		}
		return "", fmt.Errorf("environment variable %q is not set", envVar)

	case strings.HasPrefix(keyRef, "file:"):
		filePath := strings.TrimPrefix(strings.TrimPrefix(keyRef, "file:"), "//")
		data, err := os.ReadFile(filePath)
		if err != nil {
			return "", fmt.Errorf("reading key file %q: %w", filePath, err)
		}
		keys := strings.TrimSpace(string(data))
		if keys == "" {
			return "", fmt.Errorf("key file %q is empty", filePath)
		}
		return keys, nil
	}

	return "", fmt.Errorf("invalid key reference format: %q (expected \"keyring://keyrelay/<service>\", \"env:VARIABLE_NAME\", or \"file:///path/to/keys\")", keyRef)
}

// SplitSecrets splits a raw key list on commas and newlines, dropping
// blanks.
func SplitSecrets(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == '\n' || r == '\r'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
