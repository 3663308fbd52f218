// Package balance keeps the displayed balances of the current account on the
// current network.
package balance

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/olehkaliuzhnyi/wallet-runtime/internal/events"
	"github.com/olehkaliuzhnyi/wallet-runtime/internal/ledger"
	"github.com/olehkaliuzhnyi/wallet-runtime/pkg/models"
)

// Snapshot is one refresh result. A nil amount means unknown.
type Snapshot struct {
	Account   string              `json:"account"`
	NetworkID string              `json:"network_id"`
	Native    *big.Int            `json:"native"`
	Tokens    map[string]*big.Int `json:"tokens"`
	USDPrice  *float64            `json:"usd_price,omitempty"`
	Stale     bool                `json:"stale"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// AccountSource is the session view the tracker needs.
type AccountSource interface {
	Current() (models.Account, error)
	Generation() uint64
}

// NetworkSource is the registry view the tracker needs.
type NetworkSource interface {
	Current() models.Network
	Generation() uint64
}

// TokenSource lists watched tokens.
type TokenSource interface {
	List(ctx context.Context, networkID string) ([]models.Token, error)
}

// LedgerSource opens the ledger serving a network.
type LedgerSource interface {
	For(ctx context.Context, network models.Network) (ledger.Ledger, error)
}

// PriceSource returns fiat prices. It is optional.
type PriceSource interface {
	USDPrice(ctx context.Context, symbol string) (float64, error)
}

// stamp identifies the state a refresh started from. A result is applied only
// if the stamp is unchanged when it arrives.
type stamp struct {
	epoch   uint64
	session uint64
	network uint64
}

// Tracker refreshes balances on demand, periodically and on wallet events.
type Tracker struct {
	accounts AccountSource
	networks NetworkSource
	tokens   TokenSource
	ledgers  LedgerSource
	prices   PriceSource
	bus      events.Bus
	logger   *slog.Logger

	mu       sync.Mutex
	epoch    uint64
	snapshot *Snapshot
}

// NewTracker creates a tracker. prices may be nil.
func NewTracker(accounts AccountSource, networks NetworkSource, tokens TokenSource, ledgers LedgerSource, prices PriceSource, bus events.Bus) *Tracker {
	return &Tracker{
		accounts: accounts,
		networks: networks,
		tokens:   tokens,
		ledgers:  ledgers,
		prices:   prices,
		bus:      bus,
		logger:   slog.Default().With("component", "balances"),
	}
}

func (t *Tracker) currentStamp() stamp {
	t.mu.Lock()
	epoch := t.epoch
	t.mu.Unlock()
	return stamp{epoch: epoch, session: t.accounts.Generation(), network: t.networks.Generation()}
}

// Invalidate discards the current snapshot and any refresh still in flight.
func (t *Tracker) Invalidate() {
	t.mu.Lock()
	t.epoch++
	t.snapshot = nil
	t.mu.Unlock()
}

// Snapshot returns the last applied result, or nil.
func (t *Tracker) Snapshot() *Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.snapshot == nil {
		return nil
	}
	return t.snapshot.clone()
}

// Refresh fetches balances for the current account and network. Ledger
// failures degrade the affected values to unknown and mark the result stale.
// It reports false when the result was discarded because the account, the
// network or the lock state changed while it was in flight.
func (t *Tracker) Refresh(ctx context.Context) (*Snapshot, bool, error) {
	start := t.currentStamp()

	acct, err := t.accounts.Current()
	if err != nil {
		return nil, false, err
	}
	network := t.networks.Current()
	owner := common.HexToAddress(acct.Address)

	snap := &Snapshot{
		Account:   acct.Address,
		NetworkID: network.ID,
		Tokens:    make(map[string]*big.Int),
	}

	l, err := t.ledgers.For(ctx, network)
	if err != nil {
		t.logger.Warn("ledger unavailable, balances unknown", "network", network.ID, "error", err)
		snap.Stale = true
	} else {
		if snap.Native, err = l.BalanceAt(ctx, owner); err != nil {
			t.logger.Warn("native balance refresh failed", "network", network.ID, "error", err)
			snap.Stale = true
		}

		tokens, err := t.tokens.List(ctx, network.ID)
		if err != nil {
			t.logger.Warn("list tokens failed", "network", network.ID, "error", err)
		}
		for _, tok := range tokens {
			bal, err := l.TokenBalance(ctx, common.HexToAddress(tok.ContractAddress), owner)
			if err != nil {
				t.logger.Warn("token balance refresh failed", "token", tok.Symbol, "error", err)
				snap.Stale = true
			}
			snap.Tokens[tok.ContractAddress] = bal
		}
	}

	if t.prices != nil {
		if usd, err := t.prices.USDPrice(ctx, network.NativeSymbol); err != nil {
			t.logger.Debug("price unavailable", "symbol", network.NativeSymbol, "error", err)
		} else {
			snap.USDPrice = &usd
		}
	}
	snap.UpdatedAt = time.Now().UTC()

	if t.currentStamp() != start {
		t.logger.Debug("discarding stale balance refresh", "account", acct.Address, "network", network.ID)
		return nil, false, nil
	}
	t.mu.Lock()
	if t.epoch != start.epoch {
		t.mu.Unlock()
		return nil, false, nil
	}
	t.snapshot = snap
	t.mu.Unlock()

	t.bus.Publish(events.BalancesUpdated, snap.clone())
	return snap.clone(), true, nil
}

// Run refreshes every interval and whenever the account, network, lock state
// or a transaction changes. It returns when ctx is done.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	trigger := make(chan struct{}, 1)
	poke := func(events.Event) {
		select {
		case trigger <- struct{}{}:
		default:
		}
	}
	var unsubs []func()
	for _, topic := range []events.Topic{
		events.WalletUnlocked,
		events.CurrentAccountChanged,
		events.NetworkChanged,
		events.TransactionUpdated,
	} {
		unsubs = append(unsubs, t.bus.Subscribe(topic, poke))
	}
	unsubs = append(unsubs, t.bus.Subscribe(events.WalletLocked, func(events.Event) { t.Invalidate() }))
	defer func() {
		for _, u := range unsubs {
			u()
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-trigger:
		}
		if _, _, err := t.Refresh(ctx); err != nil {
			t.logger.Debug("balance refresh skipped", "error", err)
		}
	}
}

func (s *Snapshot) clone() *Snapshot {
	c := *s
	if s.Native != nil {
		c.Native = new(big.Int).Set(s.Native)
	}
	c.Tokens = make(map[string]*big.Int, len(s.Tokens))
	for k, v := range s.Tokens {
		if v != nil {
			v = new(big.Int).Set(v)
		}
		c.Tokens[k] = v
	}
	if s.USDPrice != nil {
		p := *s.USDPrice
		c.USDPrice = &p
	}
	return &c
}
