// Package secrets resolves named credentials from the process environment
// or from a directory of mounted secret files.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"fazendabrasil/gonfpe/internal/core/secret"
)

// EnvStore reads secret "name" from the variable Prefix+NAME, where NAME is
// upper-cased and non-alphanumerics become underscores.
type EnvStore struct {
	Prefix string
}

// NewEnvStore returns an environment-backed store.
func NewEnvStore(prefix string) *EnvStore {
	return &EnvStore{Prefix: prefix}
}

// Get implements secret.Store.
func (s *EnvStore) Get(_ context.Context, name string) (string, error) {
	key := s.Prefix + envName(name)
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return "", fmt.Errorf("%w: %s", secret.ErrNotFound, name)
	}
	return value, nil
}

func envName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		}
		return '_'
	}, name)
}

// FileStore reads one file per secret from Dir, as with Docker or
// Kubernetes mounted secrets. Trailing newlines are trimmed.
type FileStore struct {
	Dir string
}

// NewFileStore returns a directory-backed store.
func NewFileStore(dir string) *FileStore {
	return &FileStore{Dir: dir}
}

// Get implements secret.Store.
func (s *FileStore) Get(_ context.Context, name string) (string, error) {
	if name == "" || filepath.Base(name) != name || name == "." || name == ".." {
		return "", fmt.Errorf("%w: invalid secret name %q", secret.ErrNotFound, name)
	}

	data, err := os.ReadFile(filepath.Join(s.Dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", secret.ErrNotFound, name)
	}
	if err != nil {
		return "", fmt.Errorf("read secret %s: %w", name, err)
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}

// Chain asks each store in order and returns the first hit. Errors other
// than secret.ErrNotFound stop the search.
type Chain []secret.Store

// Get implements secret.Store.
func (c Chain) Get(ctx context.Context, name string) (string, error) {
	for _, store := range c {
		value, err := store.Get(ctx, name)
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, secret.ErrNotFound) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: %s", secret.ErrNotFound, name)
}

// New builds the store used by the service: the environment first, then
// the secrets directory when one is configured.
func New(envPrefix, dir string) secret.Store {
	chain := Chain{NewEnvStore(envPrefix)}
	if dir != "" {
		chain = append(chain, NewFileStore(dir))
	}
	return chain
}
