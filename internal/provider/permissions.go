package provider

import (
	"context"
	"slices"

	"github.com/olehkaliuzhnyi/wallet-runtime/internal/storage"
)

// Permissions is the persisted set of origins allowed to see accounts.
type Permissions struct {
	store *storage.Store
}

func NewPermissions(store *storage.Store) *Permissions {
	return &Permissions{store: store}
}

// Has reports whether origin was granted account access.
func (p *Permissions) Has(ctx context.Context, origin string) (bool, error) {
	origins, _, err := storage.Load[[]string](ctx, p.store, storage.KeyPermittedOrigin)
	if err != nil {
		return false, err
	}
	return slices.Contains(origins, origin), nil
}

// Grant records origin as permitted.
func (p *Permissions) Grant(ctx context.Context, origin string) error {
	return storage.Update(ctx, p.store, storage.KeyPermittedOrigin, func(cur []string, _ bool) ([]string, error) {
		if slices.Contains(cur, origin) {
			return cur, nil
		}
		return append(cur, origin), nil
	})
}

// Revoke removes origin.
func (p *Permissions) Revoke(ctx context.Context, origin string) error {
	return storage.Update(ctx, p.store, storage.KeyPermittedOrigin, func(cur []string, _ bool) ([]string, error) {
		return slices.DeleteFunc(cur, func(o string) bool { return o == origin }), nil
	})
}

// List returns every permitted origin.
func (p *Permissions) List(ctx context.Context) ([]string, error) {
	origins, _, err := storage.Load[[]string](ctx, p.store, storage.KeyPermittedOrigin)
	if origins == nil {
		origins = []string{}
	}
	return origins, err
}
