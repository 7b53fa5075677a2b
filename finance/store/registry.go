package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/warp/finance-engine/finance"
)

// OpenFunc opens the store for one tenant. It is called at most once per
// tenant for the lifetime of a Registry.
type OpenFunc func(ctx context.Context, tenant finance.TenantID) (finance.Store, error)

// Registry is a finance.StoreProvider that opens tenant stores lazily and
// keeps them until Close. It holds connections only, never business state.
// A slow first open for one tenant does not hold up other tenants.
type Registry struct {
	open    OpenFunc
	opening singleflight.Group

	mu     sync.Mutex
	stores map[finance.TenantID]finance.Store
}

func NewRegistry(open OpenFunc) *Registry {
	return &Registry{open: open, stores: make(map[finance.TenantID]finance.Store)}
}

// NewMemoryRegistry serves a fresh Memory store per tenant.
func NewMemoryRegistry() *Registry {
	return NewRegistry(func(context.Context, finance.TenantID) (finance.Store, error) {
		return NewMemory(), nil
	})
}

var _ finance.StoreProvider = (*Registry)(nil)

var tenantPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// ValidTenant reports whether a tenant id is safe to use in file names and
// schema names.
func ValidTenant(tenant finance.TenantID) bool {
	return tenantPattern.MatchString(string(tenant))
}

func (r *Registry) ForTenant(ctx context.Context, tenant finance.TenantID) (finance.Store, error) {
	if !ValidTenant(tenant) {
		return nil, finance.NewValidationError(finance.Problem{
			Field:   "tenant",
			Message: fmt.Sprintf("invalid tenant %q", tenant),
		})
	}

	if s, ok := r.lookup(tenant); ok {
		return s, nil
	}
	v, err, _ := r.opening.Do(string(tenant), func() (any, error) {
		if s, ok := r.lookup(tenant); ok {
			return s, nil
		}
		s, err := r.open(ctx, tenant)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.stores[tenant] = s
		r.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, fmt.Errorf("open store for tenant %s: %w", tenant, err)
	}
	return v.(finance.Store), nil
}

func (r *Registry) lookup(tenant finance.TenantID) (finance.Store, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stores[tenant]
	return s, ok
}

// Close closes every opened store that holds resources.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for tenant, s := range r.stores {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("tenant %s: %w", tenant, err))
			}
		}
		delete(r.stores, tenant)
	}
	return errors.Join(errs...)
}
