// Package registry tracks which credential is currently active and attributes
// ingested usage to it. Resolution is synchronous: a settings change must be
// durably recorded before any usage parsed after it is attributed.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/janekbaraniewski/tokenwatch/internal/model"
	"github.com/janekbaraniewski/tokenwatch/internal/parser"
)

// Resolver is the persistence surface the registry needs.
type Resolver interface {
	ResolveProvider(ctx context.Context, keyHash, keyPrefix, baseURL string) (model.Provider, bool, error)
	ActiveProvider(ctx context.Context) (model.Provider, bool, error)
}

type Registry struct {
	store Resolver

	mu     sync.Mutex
	active *model.Provider
}

func New(store Resolver) *Registry {
	return &Registry{store: store}
}

// Load primes the in-memory active provider from the store. Call once at
// startup, before ingestion begins.
func (r *Registry) Load(ctx context.Context) error {
	p, ok, err := r.store.ActiveProvider(ctx)
	if err != nil {
		return fmt.Errorf("registry: load active provider: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if ok {
		r.active = &p
	}
	return nil
}

// Resolve maps a parsed credential to its provider row, creating and
// activating it as needed, and reports whether the active provider changed.
// An unchanged credential is answered from memory without touching the store.
func (r *Registry) Resolve(ctx context.Context, cred parser.Credential) (model.Provider, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil && r.active.KeyHash == cred.KeyHash {
		return *r.active, false, nil
	}

	p, switched, err := r.store.ResolveProvider(ctx, cred.KeyHash, cred.KeyPrefix, cred.BaseURL)
	if err != nil {
		return model.Provider{}, false, fmt.Errorf("registry: resolve credential: %w", err)
	}
	r.active = &p
	return p, switched, nil
}

// Active returns the provider usage is currently attributed to, ok=false
// before any credential has been seen.
func (r *Registry) Active() (model.Provider, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return model.Provider{}, false
	}
	return *r.active, true
}
