// Package app wires the wallet components together. Only one App may be live
// per process.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/olehkaliuzhnyi/wallet-runtime/internal/balance"
	"github.com/olehkaliuzhnyi/wallet-runtime/internal/config"
	"github.com/olehkaliuzhnyi/wallet-runtime/internal/events"
	"github.com/olehkaliuzhnyi/wallet-runtime/internal/ledger"
	"github.com/olehkaliuzhnyi/wallet-runtime/internal/network"
	"github.com/olehkaliuzhnyi/wallet-runtime/internal/price"
	"github.com/olehkaliuzhnyi/wallet-runtime/internal/provider"
	"github.com/olehkaliuzhnyi/wallet-runtime/internal/session"
	"github.com/olehkaliuzhnyi/wallet-runtime/internal/storage"
	"github.com/olehkaliuzhnyi/wallet-runtime/internal/tx"
	"github.com/olehkaliuzhnyi/wallet-runtime/internal/wallet"
)

// ErrAlreadyRunning is returned by New while another App is live.
var ErrAlreadyRunning = errors.New("wallet runtime is already running")

var running atomic.Bool

// autoLockTick is how often the idle timer is checked.
const autoLockTick = 10 * time.Second

// Options overrides collaborators, mostly for tests. Zero values select the
// ones described by the config.
type Options struct {
	Backend storage.Backend
	Dialer  ledger.Dialer
	Keyring wallet.Keyring
}

// App owns every component and the goroutines that connect them.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	Store    *storage.Store
	Bus      *events.FeedBus
	Session  *session.Manager
	Networks *network.Registry
	Tokens   *network.Tokens
	Ledgers  *ledger.Pool
	Txs      *tx.Manager
	Balances *balance.Tracker
	Router   *provider.Router

	mongo  *storage.MongoBackend
	unsubs []func()
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the runtime from cfg. It fails with ErrAlreadyRunning if another
// App has not been closed yet.
func New(ctx context.Context, cfg config.Config, opts Options) (_ *App, err error) {
	if !running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	defer func() {
		if err != nil {
			running.Store(false)
		}
	}()

	a := &App{
		cfg:    cfg,
		logger: slog.Default().With("component", "app"),
	}

	backend := opts.Backend
	if backend == nil {
		if backend, err = a.openBackend(ctx); err != nil {
			return nil, err
		}
	}
	a.Store = storage.NewStore(backend, storage.KDFParams{N: cfg.ScryptN, R: cfg.ScryptR, P: cfg.ScryptP})
	a.Bus = events.NewBus()

	keyring := opts.Keyring
	if keyring == nil {
		keyring = wallet.NewETHKeyring()
	}
	a.Session = session.NewManager(a.Store, keyring, a.Bus, session.Options{MinPasswordLength: cfg.MinPasswordLength})

	a.Networks = network.NewRegistry(a.Store, a.Bus)
	if err := a.Networks.Load(ctx, config.DefaultNetworks(), cfg.DefaultNetwork); err != nil {
		a.closeBackend()
		a.Bus.Close()
		return nil, fmt.Errorf("load networks: %w", err)
	}
	a.Tokens = network.NewTokens(a.Store)

	dial := opts.Dialer
	if dial == nil {
		dial = ledger.NewDialer(ledger.Options{PollInterval: cfg.ReceiptPollInterval, DropAfter: cfg.DropAfter})
	}
	a.Ledgers = ledger.NewPool(dial)

	a.Txs = tx.NewManager(a.Store, a.Session, a.Networks, a.Ledgers, a.Bus, tx.Options{
		Confirmations:       cfg.Confirmations,
		NativeGasPercent:    cfg.NativeGasPercent,
		TokenGasPercent:     cfg.TokenGasPercent,
		BroadcastMaxRetries: cfg.BroadcastMaxRetries,
		BroadcastBackoff:    cfg.BroadcastBackoff,
		PersistTimeout:      cfg.ContextTimeout,
	})

	var prices balance.PriceSource
	if cfg.PriceEnabled {
		prices = price.NewCoinGeckoClient(cfg.PriceAPIURL)
	}
	a.Balances = balance.NewTracker(a.Session, a.Networks, a.Tokens, a.Ledgers, prices, a.Bus)

	a.Router = provider.NewRouter(a.Store, a.Session, a.Txs, a.Networks, a.Tokens, a.Bus)

	a.logger.Info("runtime initialized",
		"store", cfg.StoreBackend,
		"network", a.Networks.Current().ID,
		"prices", cfg.PriceEnabled,
	)
	return a, nil
}

func (a *App) openBackend(ctx context.Context) (storage.Backend, error) {
	switch a.cfg.StoreBackend {
	case "mongo":
		m, err := storage.NewMongoBackend(ctx, a.cfg.MongoURI, a.cfg.MongoDatabase, a.cfg.MongoCollection)
		if err != nil {
			return nil, fmt.Errorf("open mongo store: %w", err)
		}
		a.mongo = m
		return m, nil
	case "", "memory":
		return storage.NewMemoryBackend(), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", a.cfg.StoreBackend)
}

func (a *App) closeBackend() {
	if a.mongo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ContextTimeout)
	defer cancel()
	if err := a.mongo.Close(ctx); err != nil {
		a.logger.Warn("close mongo store", "error", err)
	}
}

// Start runs the background loops: change notification, balance refresh,
// auto-lock and resumption of pending transactions.
func (a *App) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)

	a.Router.Start()

	for _, topic := range []events.Topic{
		events.WalletUnlocked,
		events.CurrentAccountChanged,
		events.NetworkChanged,
	} {
		a.unsubs = append(a.unsubs, a.Bus.Subscribe(topic, func(events.Event) { a.reconcile(ctx) }))
	}

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.Balances.Run(ctx, a.cfg.BalanceRefreshInterval)
	}()
	go func() {
		defer a.wg.Done()
		a.Session.RunAutoLock(ctx, a.cfg.AutoLockAfter, autoLockTick)
	}()

	if !a.Session.IsLocked() {
		a.reconcile(ctx)
	}
}

// reconcile re-attaches confirmation waits for every account on the current
// network and drops any balance snapshot of the previous selection.
func (a *App) reconcile(ctx context.Context) {
	a.Balances.Invalidate()

	net := a.Networks.Current()
	for _, acct := range a.Session.Accounts() {
		rctx, cancel := context.WithTimeout(ctx, a.cfg.ContextTimeout)
		n, err := a.Txs.Reconcile(rctx, acct.Address, net.ID)
		cancel()
		if err != nil {
			a.logger.Warn("reconcile failed", "account", acct.Address, "network", net.ID, "error", err)
			continue
		}
		if n > 0 {
			a.logger.Info("pending transactions resumed", "account", acct.Address, "network", net.ID, "count", n)
		}
	}
}

// Close stops the loops, locks the session and releases every resource.
// Another App may be created afterwards.
func (a *App) Close() {
	for _, unsub := range a.unsubs {
		unsub()
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	a.Router.Close()
	a.Txs.Close()
	a.Session.Lock()
	a.Ledgers.Close()
	a.Bus.Close()
	a.closeBackend()

	running.Store(false)
	a.logger.Info("runtime stopped")
}
