package credential

import (
	"context"
	"errors"
	"sync"

	"ledgermatch/internal/domain/tenant"
)

// Store is the tenant-owned credential provider backed by a Repository.
type Store struct {
	repo Repository
}

func NewStore(repo Repository) *Store {
	return &Store{repo: repo}
}

func (s *Store) Get(ctx context.Context, scope tenant.Scope, name string) (string, error) {
	secret, err := s.repo.Get(ctx, scope, name)
	if err != nil {
		return "", err
	}
	if secret.Value == "" {
		return "", ErrNotFound
	}
	return secret.Value, nil
}

func (s *Store) Set(ctx context.Context, scope tenant.Scope, name, value string) error {
	if value == "" {
		return ErrEmpty
	}
	return s.repo.Upsert(ctx, scope, name, value)
}

func (s *Store) Rotate(ctx context.Context, scope tenant.Scope, name, value string) error {
	if value == "" {
		return ErrEmpty
	}
	return s.repo.Rotate(ctx, scope, name, value)
}

// Static serves system-level secrets loaded from configuration. It is
// read-only at the Provider level; Rotate swaps values in memory so a
// reloaded configuration can take effect without a restart.
type Static struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewStatic(values map[string]string) *Static {
	cp := make(map[string]string, len(values))
	for k, v := range values {
		if v != "" {
			cp[k] = v
		}
	}
	return &Static{values: cp}
}

func (s *Static) Get(_ context.Context, _ tenant.Scope, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[name]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *Static) Set(context.Context, tenant.Scope, string, string) error {
	return ErrReadOnly
}

func (s *Static) Rotate(_ context.Context, _ tenant.Scope, name, value string) error {
	if value == "" {
		return ErrEmpty
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = value
	return nil
}

// Chain looks a secret up in the tenant store first and falls back to the
// system store. Writes go to the tenant store.
type Chain struct {
	tenantStore Provider
	system      Provider
}

func NewChain(tenantStore, system Provider) *Chain {
	return &Chain{tenantStore: tenantStore, system: system}
}

func (c *Chain) Get(ctx context.Context, scope tenant.Scope, name string) (string, error) {
	if c.tenantStore != nil && !scope.IsSystem() {
		v, err := c.tenantStore.Get(ctx, scope, name)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", err
		}
	}
	if c.system == nil {
		return "", ErrNotFound
	}
	return c.system.Get(ctx, scope, name)
}

func (c *Chain) Set(ctx context.Context, scope tenant.Scope, name, value string) error {
	if c.tenantStore == nil {
		return ErrReadOnly
	}
	return c.tenantStore.Set(ctx, scope, name, value)
}

func (c *Chain) Rotate(ctx context.Context, scope tenant.Scope, name, value string) error {
	if scope.IsSystem() {
		if c.system == nil {
			return ErrReadOnly
		}
		return c.system.Rotate(ctx, scope, name, value)
	}
	if c.tenantStore == nil {
		return ErrReadOnly
	}
	return c.tenantStore.Rotate(ctx, scope, name, value)
}
