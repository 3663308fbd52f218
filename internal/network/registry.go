// Package network keeps the user's network list, the current network and the
// watched tokens of each network.
package network

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/olehkaliuzhnyi/wallet-runtime/internal/errs"
	"github.com/olehkaliuzhnyi/wallet-runtime/internal/events"
	"github.com/olehkaliuzhnyi/wallet-runtime/internal/storage"
	"github.com/olehkaliuzhnyi/wallet-runtime/pkg/models"
)

// Registry is the persisted network list plus the current-network pointer.
type Registry struct {
	store  *storage.Store
	bus    events.Bus
	logger *slog.Logger

	// opMu serializes mutations; mu guards the fields for readers.
	opMu       sync.Mutex
	mu         sync.RWMutex
	networks   []models.Network
	current    string
	generation uint64
}

// NewRegistry returns an empty registry. Call Load before use.
func NewRegistry(store *storage.Store, bus events.Bus) *Registry {
	return &Registry{
		store:  store,
		bus:    bus,
		logger: slog.Default().With("component", "networks"),
	}
}

// Load reads the registry from the store, seeding it with defaults on first start.
func (r *Registry) Load(ctx context.Context, defaults []models.Network, defaultID string) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	nets, found, err := storage.Load[[]models.Network](ctx, r.store, storage.KeyNetworks)
	if err != nil {
		return fmt.Errorf("load networks: %w", err)
	}
	if !found || len(nets) == 0 {
		nets = append([]models.Network(nil), defaults...)
		if len(nets) == 0 {
			return errs.New(errs.CodeInvalidState, "load networks", "no networks configured")
		}
		if err := r.store.Save(ctx, storage.KeyNetworks, nets); err != nil {
			return fmt.Errorf("seed networks: %w", err)
		}
		r.logger.Info("network registry seeded", "count", len(nets))
	}

	current, found, err := storage.Load[string](ctx, r.store, storage.KeyCurrentNetwork)
	if err != nil {
		return fmt.Errorf("load current network: %w", err)
	}
	if !found || indexByID(nets, current) < 0 {
		current = nets[0].ID
		if indexByID(nets, defaultID) >= 0 {
			current = defaultID
		}
		if err := r.store.Save(ctx, storage.KeyCurrentNetwork, current); err != nil {
			return fmt.Errorf("save current network: %w", err)
		}
	}

	r.mu.Lock()
	r.networks = nets
	r.current = current
	r.generation++
	r.mu.Unlock()
	return nil
}

// Networks returns a copy of the network list.
func (r *Registry) Networks() []models.Network {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]models.Network(nil), r.networks...)
}

// Get returns the network with id.
func (r *Registry) Get(id string) (models.Network, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i := indexByID(r.networks, id)
	if i < 0 {
		return models.Network{}, errs.Newf(errs.CodeNotFound, "get network", "no network %q", id)
	}
	return r.networks[i], nil
}

// ByChainID returns the network with chainID.
func (r *Registry) ByChainID(chainID uint64) (models.Network, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i := indexByChainID(r.networks, chainID)
	if i < 0 {
		return models.Network{}, errs.Newf(errs.CodeUnrecognizedChain, "get network", "unrecognized chain id 0x%x", chainID)
	}
	return r.networks[i], nil
}

// Current returns the current network.
func (r *Registry) Current() models.Network {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i := indexByID(r.networks, r.current)
	if i < 0 {
		return models.Network{}
	}
	return r.networks[i]
}

// Generation changes whenever the current network changes.
func (r *Registry) Generation() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generation
}

// Add appends a network. Ids and chain ids must be unique.
func (r *Registry) Add(ctx context.Context, n models.Network) error {
	const op = "add network"
	if err := Validate(n); err != nil {
		return errs.Wrap(errs.CodeInvalidParams, op, err)
	}

	r.opMu.Lock()
	defer r.opMu.Unlock()

	var updated []models.Network
	err := storage.Update(ctx, r.store, storage.KeyNetworks, func(cur []models.Network, _ bool) ([]models.Network, error) {
		if indexByID(cur, n.ID) >= 0 {
			return nil, errs.Newf(errs.CodeInvalidParams, op, "network %q already exists", n.ID)
		}
		if indexByChainID(cur, n.ChainID) >= 0 {
			return nil, errs.Newf(errs.CodeInvalidParams, op, "chain id %d already registered", n.ChainID)
		}
		updated = append(append([]models.Network(nil), cur...), n)
		return updated, nil
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.networks = updated
	r.mu.Unlock()

	r.logger.Info("network added", "id", n.ID, "chain_id", n.ChainID)
	return nil
}

// Replace overwrites the network with the same id. Replacing the current
// network counts as a network change.
func (r *Registry) Replace(ctx context.Context, n models.Network) error {
	const op = "replace network"
	if err := Validate(n); err != nil {
		return errs.Wrap(errs.CodeInvalidParams, op, err)
	}

	r.opMu.Lock()
	defer r.opMu.Unlock()

	var updated []models.Network
	err := storage.Update(ctx, r.store, storage.KeyNetworks, func(cur []models.Network, _ bool) ([]models.Network, error) {
		i := indexByID(cur, n.ID)
		if i < 0 {
			return nil, errs.Newf(errs.CodeNotFound, op, "no network %q", n.ID)
		}
		if j := indexByChainID(cur, n.ChainID); j >= 0 && j != i {
			return nil, errs.Newf(errs.CodeInvalidParams, op, "chain id %d already registered", n.ChainID)
		}
		updated = append([]models.Network(nil), cur...)
		updated[i] = n
		return updated, nil
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.networks = updated
	isCurrent := r.current == n.ID
	if isCurrent {
		r.generation++
	}
	r.mu.Unlock()

	r.logger.Info("network replaced", "id", n.ID, "chain_id", n.ChainID)
	if isCurrent {
		r.bus.Publish(events.NetworkChanged, n)
	}
	return nil
}

// Remove deletes a network. The current network cannot be removed.
func (r *Registry) Remove(ctx context.Context, id string) error {
	const op = "remove network"

	r.opMu.Lock()
	defer r.opMu.Unlock()

	if r.current == id {
		return errs.New(errs.CodeInvalidState, op, "cannot remove the current network")
	}

	var updated []models.Network
	err := storage.Update(ctx, r.store, storage.KeyNetworks, func(cur []models.Network, _ bool) ([]models.Network, error) {
		i := indexByID(cur, id)
		if i < 0 {
			return nil, errs.Newf(errs.CodeNotFound, op, "no network %q", id)
		}
		updated = append(append([]models.Network(nil), cur[:i]...), cur[i+1:]...)
		return updated, nil
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.networks = updated
	r.mu.Unlock()

	r.logger.Info("network removed", "id", id)
	return nil
}

// Switch makes the network with id current. Switching to the current network is a no-op.
func (r *Registry) Switch(ctx context.Context, id string) (models.Network, error) {
	const op = "switch network"

	r.opMu.Lock()
	defer r.opMu.Unlock()

	i := indexByID(r.networks, id)
	if i < 0 {
		return models.Network{}, errs.Newf(errs.CodeNotFound, op, "no network %q", id)
	}
	n := r.networks[i]
	if r.current == id {
		return n, nil
	}

	if err := r.store.Save(ctx, storage.KeyCurrentNetwork, id); err != nil {
		return models.Network{}, fmt.Errorf("%s: %w", op, err)
	}

	r.mu.Lock()
	r.current = id
	r.generation++
	r.mu.Unlock()

	r.logger.Info("network switched", "id", n.ID, "chain_id", n.ChainID)
	r.bus.Publish(events.NetworkChanged, n)
	return n, nil
}

// SwitchByChainID switches to the network with chainID.
func (r *Registry) SwitchByChainID(ctx context.Context, chainID uint64) (models.Network, error) {
	n, err := r.ByChainID(chainID)
	if err != nil {
		return models.Network{}, err
	}
	return r.Switch(ctx, n.ID)
}

// Validate checks the fields a network must carry.
func Validate(n models.Network) error {
	if strings.TrimSpace(n.ID) == "" {
		return fmt.Errorf("network id is required")
	}
	if strings.TrimSpace(n.Name) == "" {
		return fmt.Errorf("network name is required")
	}
	if n.ChainID == 0 {
		return fmt.Errorf("chain id must be positive")
	}
	if l := len(n.NativeSymbol); l < 2 || l > 6 {
		return fmt.Errorf("native symbol must be 2-6 characters, got %q", n.NativeSymbol)
	}
	u, err := url.Parse(n.RPCEndpoint)
	if err != nil {
		return fmt.Errorf("rpc endpoint: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("rpc endpoint must be http(s) or ws(s), got %q", n.RPCEndpoint)
	}
	if u.Host == "" {
		return fmt.Errorf("rpc endpoint has no host")
	}
	return nil
}

func indexByID(nets []models.Network, id string) int {
	for i, n := range nets {
		if n.ID == id {
			return i
		}
	}
	return -1
}

func indexByChainID(nets []models.Network, chainID uint64) int {
	for i, n := range nets {
		if n.ChainID == chainID {
			return i
		}
	}
	return -1
}
