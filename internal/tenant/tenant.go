package tenant

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Tenant is an isolated namespace. Tenants never share agents, calls or availability.
type Tenant struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Active    bool      `json:"active" db:"active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Scope is the resolved tenant every dispatch operation runs under.
// Only Registry.Resolve produces one, so holding a Scope means the tenant existed and was active.
type Scope struct {
	TenantID string
}

func (s Scope) Valid() bool { return s.TenantID != "" }

var (
	ErrNotFound     = errors.New("tenant: not found")
	ErrInactive     = errors.New("tenant: inactive")
	ErrInvalidInput = errors.New("tenant: invalid input")
)

// Store persists tenants. Implementations must be safe for concurrent use.

type Store interface {
	PutTenant(ctx context.Context, t Tenant) error
	Tenant(ctx context.Context, id string) (Tenant, bool, error)
}

type Registry struct {
	store Store
	clock func() time.Time
}

func NewRegistry(store Store) *Registry {
	return &Registry{store: store, clock: time.Now}
}

func (r *Registry) Create(ctx context.Context, name string) (Tenant, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Tenant{}, ErrInvalidInput
	}
	t := Tenant{ID: uuid.NewString(), Name: name, Active: true, CreatedAt: r.clock().UTC()}
	if err := r.put(ctx, t); err != nil {
		return Tenant{}, err
	}
	return t, nil
}

// Ensure stores a tenant with a caller-chosen id if it does not exist yet. Used for bootstrap.
func (r *Registry) Ensure(ctx context.Context, id, name string) (Tenant, error) {
	if strings.TrimSpace(id) == "" {
		return Tenant{}, ErrInvalidInput
	}
	if t, ok, err := r.store.Tenant(ctx, id); err != nil {
		return Tenant{}, err
	} else if ok {
		return t, nil
	}
	if name == "" {
		name = id
	}
	t := Tenant{ID: id, Name: name, Active: true, CreatedAt: r.clock().UTC()}
	if err := r.put(ctx, t); err != nil {
		return Tenant{}, err
	}
	return t, nil
}

func (r *Registry) SetActive(ctx context.Context, id string, active bool) (Tenant, error) {
	t, ok, err := r.store.Tenant(ctx, id)
	if err != nil {
		return Tenant{}, err
	}
	if !ok {
		return Tenant{}, ErrNotFound
	}
	if t.Active == active {
		return t, nil
	}
	t.Active = active
	if err := r.put(ctx, t); err != nil {
		return Tenant{}, err
	}
	return t, nil
}

func (r *Registry) Get(ctx context.Context, id string) (Tenant, error) {
	t, ok, err := r.store.Tenant(ctx, id)
	if err != nil {
		return Tenant{}, err
	}
	if !ok {
		return Tenant{}, ErrNotFound
	}
	return t, nil
}

// Resolve turns a tenant id into a Scope. Unknown and inactive tenants are rejected.
func (r *Registry) Resolve(ctx context.Context, id string) (Scope, error) {
	if strings.TrimSpace(id) == "" {
		return Scope{}, ErrNotFound
	}
	t, err := r.Get(ctx, id)
	if err != nil {
		return Scope{}, err
	}
	if !t.Active {
		return Scope{}, ErrInactive
	}
	return Scope{TenantID: t.ID}, nil
}

func (r *Registry) put(ctx context.Context, t Tenant) error {
	return r.store.PutTenant(ctx, t)
}
