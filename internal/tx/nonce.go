package tx

import (
	"context"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/olehkaliuzhnyi/wallet-runtime/internal/ledger"
)

// nonceTracker hands out nonces per (account, network). The ledger's pending
// nonce may lag behind transactions this process just broadcast, so the tracker
// remembers the next local nonce and uses whichever is higher.
type nonceTracker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
	next  map[string]uint64
}

func newNonceTracker() *nonceTracker {
	return &nonceTracker{
		locks: make(map[string]*sync.Mutex),
		next:  make(map[string]uint64),
	}
}

func nonceKey(from, networkID string) string {
	return strings.ToLower(from) + "/" + networkID
}

// lock serializes nonce assignment and broadcast for one account on one network.
func (n *nonceTracker) lock(from, networkID string) (unlock func()) {
	key := nonceKey(from, networkID)
	n.mu.Lock()
	m, ok := n.locks[key]
	if !ok {
		m = new(sync.Mutex)
		n.locks[key] = m
	}
	n.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// reserve returns the nonce for the next transaction. The caller holds lock.
func (n *nonceTracker) reserve(ctx context.Context, l ledger.Ledger, from, networkID string) (uint64, error) {
	remote, err := l.PendingNonceAt(ctx, common.HexToAddress(from))
	if err != nil {
		return 0, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if local := n.next[nonceKey(from, networkID)]; local > remote {
		return local, nil
	}
	return remote, nil
}

// commit records that nonce was broadcast. The caller holds lock.
func (n *nonceTracker) commit(from, networkID string, nonce uint64) {
	key := nonceKey(from, networkID)
	n.mu.Lock()
	defer n.mu.Unlock()
	if nonce+1 > n.next[key] {
		n.next[key] = nonce + 1
	}
}
