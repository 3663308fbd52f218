package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// ErrNotFound is returned by a Backend when the key has no value.
var ErrNotFound = errors.New("storage: key not found")

// Backend is raw key-value persistence.
type Backend interface {
	// Get returns the stored bytes or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put stores value under key, replacing any previous value.
	Put(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Logical keys.
const (
	KeyKeyring         = "vault/keyring"
	KeyImported        = "vault/imported"
	KeyNetworks        = "networks/registry"
	KeyCurrentNetwork  = "networks/current"
	KeyPermittedOrigin = "permissions/origins"
)

// HistoryKey is the transaction history entry for an account on a network.
func HistoryKey(address, networkID string) string {
	return "history/" + strings.ToLower(address) + "/" + networkID
}

// TokensKey is the watched token list of a network.
func TokensKey(networkID string) string {
	return "tokens/" + networkID
}

// Store layers JSON entries, per-key sequencing and encrypted secrets over a Backend.
type Store struct {
	backend Backend
	kdf     KDFParams
	locks   keyLocks
	logger  *slog.Logger
}

// NewStore returns a Store over backend using kdf for vault keys.
func NewStore(backend Backend, kdf KDFParams) *Store {
	if kdf.N == 0 {
		kdf = DefaultKDF()
	}
	return &Store{
		backend: backend,
		kdf:     kdf,
		locks:   keyLocks{locks: make(map[string]*sync.Mutex)},
		logger:  slog.Default().With("component", "store"),
	}
}

// Backend exposes the underlying backend.
func (s *Store) Backend() Backend {
	return s.backend
}

// Has reports whether key has a value.
func (s *Store) Has(ctx context.Context, key string) (bool, error) {
	_, err := s.backend.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	return true, nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	unlock := s.locks.lock(key)
	defer unlock()
	if err := s.backend.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Save writes v as JSON under key.
func (s *Store) Save(ctx context.Context, key string, v any) error {
	unlock := s.locks.lock(key)
	defer unlock()
	return s.save(ctx, key, v)
}

func (s *Store) save(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := s.backend.Put(ctx, key, data); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Load reads the JSON entry under key into a T. found is false when the key is absent.
func Load[T any](ctx context.Context, s *Store, key string) (v T, found bool, err error) {
	unlock := s.locks.lock(key)
	defer unlock()
	return load[T](ctx, s, key)
}

func load[T any](ctx context.Context, s *Store, key string) (v T, found bool, err error) {
	data, err := s.backend.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return v, false, nil
	}
	if err != nil {
		return v, false, fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return v, true, nil
}

// Update runs a read-modify-write of key. Concurrent updates of the same key
// are applied one after another, so none is lost. If fn returns an error
// nothing is written.
func Update[T any](ctx context.Context, s *Store, key string, fn func(cur T, found bool) (T, error)) error {
	unlock := s.locks.lock(key)
	defer unlock()

	cur, found, err := load[T](ctx, s, key)
	if err != nil {
		return err
	}
	next, err := fn(cur, found)
	if err != nil {
		return err
	}
	return s.save(ctx, key, next)
}

// keyLocks hands out one mutex per logical key.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyLocks) lock(key string) (unlock func()) {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = new(sync.Mutex)
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
