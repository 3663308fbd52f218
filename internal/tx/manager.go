// Package tx builds, signs, broadcasts and tracks transactions until they are final.
package tx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/olehkaliuzhnyi/wallet-runtime/internal/errs"
	"github.com/olehkaliuzhnyi/wallet-runtime/internal/events"
	"github.com/olehkaliuzhnyi/wallet-runtime/internal/ledger"
	"github.com/olehkaliuzhnyi/wallet-runtime/internal/storage"
	"github.com/olehkaliuzhnyi/wallet-runtime/internal/wallet"
	"github.com/olehkaliuzhnyi/wallet-runtime/pkg/models"
)

// cancelGasLimit is the gas of a zero-value self transfer.
const cancelGasLimit = 21000

// defaultBumpPercent is used by SpeedUp and Cancel when no percentage is given.
const defaultBumpPercent = 10

// maxPersistBackoff caps the delay between attempts to record a final status.
const maxPersistBackoff = 30 * time.Second

// Options holds configurable parameters for the transaction manager.
type Options struct {
	Confirmations       uint64
	NativeGasPercent    uint64
	TokenGasPercent     uint64
	BroadcastMaxRetries int
	BroadcastBackoff    time.Duration
	PersistTimeout      time.Duration
	PersistBackoff      time.Duration
}

// SignerSource resolves signers for wallet accounts.
type SignerSource interface {
	Signer(address string) (wallet.Signer, error)
	Current() (models.Account, error)
}

// NetworkSource resolves networks.
type NetworkSource interface {
	Current() models.Network
	Get(id string) (models.Network, error)
}

// LedgerSource opens the ledger serving a network.
type LedgerSource interface {
	For(ctx context.Context, network models.Network) (ledger.Ledger, error)
}

// SendRequest describes a transfer. Zero GasPrice and GasLimit are estimated.
type SendRequest struct {
	Kind     models.AssetKind
	From     string // empty means the current account
	To       string
	Amount   *big.Int
	Token    string // contract address, token sends only
	Data     []byte // contract calldata, native sends only
	GasPrice *big.Int
	GasLimit uint64
}

// Manager owns the pending set and the persisted history.
type Manager struct {
	store    *storage.Store
	signers  SignerSource
	networks NetworkSource
	ledgers  LedgerSource
	bus      events.Bus
	nonces   *nonceTracker
	opts     Options
	logger   *slog.Logger

	// mu guards pending and waits, and is held across history writes so a hash
	// is never observed both pending and terminal.
	mu      sync.Mutex
	pending map[string]*models.Transaction
	waits   map[string]context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a transaction manager. Close stops its confirmation waits.
func NewManager(store *storage.Store, signers SignerSource, networks NetworkSource, ledgers LedgerSource, bus events.Bus, opts Options) *Manager {
	if opts.Confirmations == 0 {
		opts.Confirmations = 1
	}
	if opts.NativeGasPercent == 0 {
		opts.NativeGasPercent = 120
	}
	if opts.TokenGasPercent == 0 {
		opts.TokenGasPercent = 130
	}
	if opts.BroadcastMaxRetries <= 0 {
		opts.BroadcastMaxRetries = 3
	}
	if opts.BroadcastBackoff <= 0 {
		opts.BroadcastBackoff = time.Second
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 10 * time.Second
	}
	if opts.PersistBackoff <= 0 {
		opts.PersistBackoff = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:    store,
		signers:  signers,
		networks: networks,
		ledgers:  ledgers,
		bus:      bus,
		nonces:   newNonceTracker(),
		opts:     opts,
		logger:   slog.Default().With("component", "tx_manager"),
		pending:  make(map[string]*models.Transaction),
		waits:    make(map[string]context.CancelFunc),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Close stops every confirmation wait. Pending transactions stay pending in
// history and are picked up again by Reconcile.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

// Send builds, signs and broadcasts a transfer, records it as pending and
// schedules its confirmation. Nothing is recorded if any step before broadcast fails.
func (m *Manager) Send(ctx context.Context, req SendRequest) (*models.Transaction, error) {
	const op = "send transaction"

	if req.Kind == "" {
		req.Kind = models.AssetNative
	}
	if req.Kind != models.AssetNative && req.Kind != models.AssetToken {
		return nil, errs.Newf(errs.CodeInvalidParams, op, "unknown asset kind %q", req.Kind)
	}
	if !common.IsHexAddress(req.To) {
		return nil, errs.Newf(errs.CodeInvalidRecipient, op, "invalid recipient %q", req.To)
	}
	amount := new(big.Int)
	if req.Amount != nil {
		amount.Set(req.Amount)
	}
	if amount.Sign() < 0 {
		return nil, errs.New(errs.CodeInvalidParams, op, "amount cannot be negative")
	}
	if req.Kind == models.AssetToken {
		if !common.IsHexAddress(req.Token) {
			return nil, errs.Newf(errs.CodeInvalidParams, op, "invalid token contract %q", req.Token)
		}
		if len(req.Data) > 0 {
			return nil, errs.New(errs.CodeInvalidParams, op, "token sends cannot carry calldata")
		}
	}

	from := req.From
	if from == "" {
		acct, err := m.signers.Current()
		if err != nil {
			return nil, err
		}
		from = acct.Address
	}
	signer, err := m.signers.Signer(from)
	if err != nil {
		return nil, err
	}

	network := m.networks.Current()
	l, err := m.ledgers.For(ctx, network)
	if err != nil {
		return nil, errs.Wrap(errs.CodeLedgerUnavailable, op, err)
	}

	recipient := common.HexToAddress(req.To)
	record := &models.Transaction{
		From:      signer.Address().Hex(),
		To:        recipient.Hex(),
		Amount:    amount,
		Asset:     req.Kind,
		NetworkID: network.ID,
	}

	call := ethereum.CallMsg{From: signer.Address()}
	pct := m.opts.NativeGasPercent
	switch req.Kind {
	case models.AssetNative:
		call.To = &recipient
		call.Value = amount
		call.Data = req.Data
	case models.AssetToken:
		contract := common.HexToAddress(req.Token)
		data, err := ledger.PackTransfer(recipient, amount)
		if err != nil {
			return nil, fmt.Errorf("%s: encode transfer: %w", op, err)
		}
		call.To = &contract
		call.Value = new(big.Int)
		call.Data = data
		record.Token = contract.Hex()
		pct = m.opts.TokenGasPercent
	}
	record.Data = call.Data

	gasPrice := req.GasPrice
	if gasPrice == nil || gasPrice.Sign() == 0 {
		if gasPrice, err = l.GasPrice(ctx); err != nil {
			return nil, errs.Wrap(errs.CodeLedgerUnavailable, op, err)
		}
	}
	call.GasPrice = gasPrice

	gasLimit := req.GasLimit
	if gasLimit == 0 {
		estimate, err := l.EstimateGas(ctx, call)
		if err != nil {
			return nil, errs.Wrap(errs.CodeLedgerUnavailable, op, err)
		}
		gasLimit = estimate * pct / 100
	}
	record.GasPrice = new(big.Int).Set(gasPrice)
	record.GasLimit = gasLimit

	if err := m.preflight(ctx, l, record, call.Value); err != nil {
		return nil, err
	}

	unlock := m.nonces.lock(record.From, network.ID)
	defer unlock()

	nonce, err := m.nonces.reserve(ctx, l, record.From, network.ID)
	if err != nil {
		return nil, errs.Wrap(errs.CodeLedgerUnavailable, op, err)
	}
	record.Nonce = nonce

	signed, err := m.signAndBroadcast(ctx, l, signer, network, record.Nonce, call.To, call.Value, gasPrice, gasLimit, call.Data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	m.nonces.commit(record.From, network.ID, nonce)

	record.Hash = signed.Hash().Hex()
	record.CreatedAt = time.Now().UTC()
	record.Status = models.TxPending

	m.track(record, l)
	return record.Clone(), nil
}

// preflight checks the sender can pay for value plus gas, and for token sends
// that it holds the tokens.
func (m *Manager) preflight(ctx context.Context, l ledger.Ledger, record *models.Transaction, value *big.Int) error {
	const op = "send transaction"
	from := common.HexToAddress(record.From)

	need := new(big.Int).Mul(record.GasPrice, new(big.Int).SetUint64(record.GasLimit))
	need.Add(need, value)

	balance, err := l.BalanceAt(ctx, from)
	if err != nil {
		return errs.Wrap(errs.CodeLedgerUnavailable, op, err)
	}
	if balance.Cmp(need) < 0 {
		return errs.InsufficientFunds(op, need, balance)
	}

	if record.Asset == models.AssetToken {
		tokenBalance, err := l.TokenBalance(ctx, common.HexToAddress(record.Token), from)
		if err != nil {
			return errs.Wrap(errs.CodeLedgerUnavailable, op, err)
		}
		if tokenBalance.Cmp(record.Amount) < 0 {
			return errs.InsufficientFunds(op, record.Amount, tokenBalance)
		}
	}
	return nil
}

func (m *Manager) signAndBroadcast(ctx context.Context, l ledger.Ledger, signer wallet.Signer, network models.Network,
	nonce uint64, to *common.Address, value, gasPrice *big.Int, gasLimit uint64, data []byte) (*types.Transaction, error) {

	raw := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       to,
		Value:    value,
		Data:     data,
	})

	m.logger.Info("building transaction",
		"network", network.ID,
		"from", signer.Address().Hex(),
		"to", to.Hex(),
		"value", value,
		"nonce", nonce,
		"gas_limit", gasLimit,
	)

	signed, err := signer.SignTx(raw, new(big.Int).SetUint64(network.ChainID))
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	if err := m.broadcastWithRetry(ctx, l, signed); err != nil {
		return nil, err
	}
	return signed, nil
}

func (m *Manager) broadcastWithRetry(ctx context.Context, l ledger.Ledger, tx *types.Transaction) error {
	var lastErr error
	maxRetries := m.opts.BroadcastMaxRetries

	for attempt := 1; attempt <= maxRetries; attempt++ {
		err := l.Broadcast(ctx, tx)
		if err == nil || isAlreadyKnown(err) {
			m.logger.Info("transaction broadcast successful",
				"tx_hash", tx.Hash().Hex(),
				"attempt", attempt,
			)
			return nil
		}

		lastErr = err
		m.logger.Warn("broadcast attempt failed",
			"attempt", attempt,
			"max_retries", maxRetries,
			"error", err,
		)
		if attempt == maxRetries {
			break
		}

		// Exponential backoff
		select {
		case <-time.After(time.Duration(attempt*attempt) * m.opts.BroadcastBackoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return errs.Wrap(errs.CodeLedgerUnavailable, "broadcast",
		fmt.Errorf("all %d broadcast attempts failed: %w", maxRetries, lastErr))
}

// isAlreadyKnown matches the node's answer to a re-sent transaction.
func isAlreadyKnown(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "already known")
}

// track records a freshly broadcast transaction and starts waiting for it.
func (m *Manager) track(record *models.Transaction, l ledger.Ledger) {
	key := hashKey(record.Hash)

	m.mu.Lock()
	ctx, cancel := m.persistContext()
	err := m.appendHistory(ctx, record)
	cancel()
	if err != nil {
		// the transaction is on the wire; keep it pending so the confirmation still lands
		m.logger.Error("persist pending transaction failed", "tx_hash", record.Hash, "error", err)
	}
	m.pending[key] = record.Clone()
	waitCtx, waitCancel := context.WithCancel(m.ctx)
	m.waits[key] = waitCancel
	m.wg.Add(1)
	m.mu.Unlock()

	m.bus.Publish(events.TransactionAdded, record.Clone())
	go m.awaitConfirmation(waitCtx, record.Hash, l)
}

// awaitConfirmation finalizes a pending transaction from its receipt. The
// final status is retried until it is stored or the wait is cancelled.
func (m *Manager) awaitConfirmation(ctx context.Context, hash string, l ledger.Ledger) {
	defer m.wg.Done()

	receipt, err := l.WaitForReceipt(ctx, common.HexToHash(hash), m.opts.Confirmations)
	if ctx.Err() != nil {
		// replaced or shutting down; whoever cancelled owns the outcome
		return
	}

	var apply func(*models.Transaction)
	switch {
	case err != nil:
		apply = func(t *models.Transaction) {
			t.Status = models.TxFailed
			t.Error = err.Error()
		}
	case receipt.Succeeded():
		apply = func(t *models.Transaction) {
			t.Status = models.TxConfirmed
			t.BlockNumber = receipt.BlockNumber
		}
	default:
		apply = func(t *models.Transaction) {
			t.Status = models.TxFailed
			t.BlockNumber = receipt.BlockNumber
			t.Error = "execution reverted"
		}
	}

	for attempt := 1; ; attempt++ {
		err := m.finalize(hash, apply)
		if err == nil {
			return
		}
		m.logger.Error("persist transaction status failed",
			"tx_hash", hash,
			"attempt", attempt,
			"error", err,
		)
		select {
		case <-time.After(m.persistDelay(attempt)):
		case <-ctx.Done():
			// still pending in history; Reconcile picks it up after a restart
			return
		}
	}
}

func (m *Manager) persistDelay(attempt int) time.Duration {
	if attempt > 8 {
		return maxPersistBackoff
	}
	return min(time.Duration(attempt*attempt)*m.opts.PersistBackoff, maxPersistBackoff)
}

// finalize moves a pending transaction to a terminal status. It is a no-op if
// the hash is no longer pending. On a storage error the hash stays pending.
func (m *Manager) finalize(hash string, apply func(*models.Transaction)) error {
	key := hashKey(hash)

	m.mu.Lock()
	current, ok := m.pending[key]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	updated := current.Clone()
	apply(updated)

	ctx, cancel := m.persistContext()
	err := m.replaceHistory(ctx, updated)
	cancel()
	if err != nil {
		m.mu.Unlock()
		return err
	}
	delete(m.pending, key)
	if stop, ok := m.waits[key]; ok {
		stop()
		delete(m.waits, key)
	}
	m.mu.Unlock()

	m.logger.Info("transaction finalized",
		"tx_hash", hash,
		"status", updated.Status,
		"block", updated.BlockNumber,
	)
	m.bus.Publish(events.TransactionUpdated, updated.Clone())
	return nil
}

func (m *Manager) persistContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), m.opts.PersistTimeout)
}

// appendHistory records a new transaction at the head of its history entry,
// which is kept newest first.
func (m *Manager) appendHistory(ctx context.Context, record *models.Transaction) error {
	key := storage.HistoryKey(record.From, record.NetworkID)
	return storage.Update(ctx, m.store, key, func(cur []*models.Transaction, _ bool) ([]*models.Transaction, error) {
		for _, t := range cur {
			if strings.EqualFold(t.Hash, record.Hash) {
				return cur, nil
			}
		}
		return prependTx(cur, record), nil
	})
}

func (m *Manager) replaceHistory(ctx context.Context, record *models.Transaction) error {
	key := storage.HistoryKey(record.From, record.NetworkID)
	return storage.Update(ctx, m.store, key, func(cur []*models.Transaction, _ bool) ([]*models.Transaction, error) {
		for i, t := range cur {
			if strings.EqualFold(t.Hash, record.Hash) {
				cur[i] = record.Clone()
				return cur, nil
			}
		}
		return prependTx(cur, record), nil
	})
}

func prependTx(list []*models.Transaction, record *models.Transaction) []*models.Transaction {
	return append([]*models.Transaction{record.Clone()}, list...)
}

// SpeedUp rebroadcasts a pending transaction with the same nonce and a gas
// price raised by percent. The original is marked replaced.
func (m *Manager) SpeedUp(ctx context.Context, hash string, percent uint64) (*models.Transaction, error) {
	return m.replace(ctx, "speed up transaction", hash, percent, false)
}

// Cancel replaces a pending transaction with a zero-value transfer to self.
func (m *Manager) Cancel(ctx context.Context, hash string, percent uint64) (*models.Transaction, error) {
	return m.replace(ctx, "cancel transaction", hash, percent, true)
}

func (m *Manager) replace(ctx context.Context, op, hash string, percent uint64, cancelTx bool) (*models.Transaction, error) {
	orig, ok := m.pendingCopy(hash)
	if !ok {
		return nil, errs.Newf(errs.CodeNotFound, op, "transaction %s is not pending", hash)
	}

	if percent == 0 {
		percent = defaultBumpPercent
	}
	gasPrice := new(big.Int).Mul(orig.GasPrice, new(big.Int).SetUint64(100+percent))
	gasPrice.Div(gasPrice, big.NewInt(100))
	if gasPrice.Cmp(orig.GasPrice) <= 0 {
		gasPrice = new(big.Int).Add(orig.GasPrice, big.NewInt(1))
	}

	signer, err := m.signers.Signer(orig.From)
	if err != nil {
		return nil, err
	}
	network, err := m.networks.Get(orig.NetworkID)
	if err != nil {
		return nil, err
	}
	l, err := m.ledgers.For(ctx, network)
	if err != nil {
		return nil, errs.Wrap(errs.CodeLedgerUnavailable, op, err)
	}

	unlock := m.nonces.lock(orig.From, orig.NetworkID)
	defer unlock()

	// a concurrent replacement may have finished while we waited for the lock
	if _, ok := m.pendingCopy(hash); !ok {
		return nil, errs.Newf(errs.CodeNotFound, op, "transaction %s is not pending", hash)
	}
	if err := m.requireUnmined(ctx, l, op, orig.Hash); err != nil {
		return nil, err
	}

	replacement := &models.Transaction{
		From:      orig.From,
		Nonce:     orig.Nonce,
		GasPrice:  gasPrice,
		NetworkID: orig.NetworkID,
	}
	var to common.Address
	value := new(big.Int)
	if cancelTx {
		to = common.HexToAddress(orig.From)
		replacement.To = to.Hex()
		replacement.Amount = new(big.Int)
		replacement.Asset = models.AssetNative
		replacement.GasLimit = cancelGasLimit
	} else {
		replacement.To = orig.To
		replacement.Amount = new(big.Int).Set(orig.Amount)
		replacement.Asset = orig.Asset
		replacement.Token = orig.Token
		replacement.Data = orig.Data
		replacement.GasLimit = orig.GasLimit
		to = common.HexToAddress(orig.To)
		if orig.Asset == models.AssetToken {
			to = common.HexToAddress(orig.Token)
		} else {
			value.Set(orig.Amount)
		}
	}

	cost := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(replacement.GasLimit))
	cost.Add(cost, value)
	balance, err := l.BalanceAt(ctx, common.HexToAddress(orig.From))
	if err != nil {
		return nil, errs.Wrap(errs.CodeLedgerUnavailable, op, err)
	}
	if balance.Cmp(cost) < 0 {
		return nil, errs.InsufficientFunds(op, cost, balance)
	}

	signed, err := m.signAndBroadcast(ctx, l, signer, network, orig.Nonce, &to, value, gasPrice, replacement.GasLimit, replacement.Data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	replacement.Hash = signed.Hash().Hex()
	replacement.CreatedAt = time.Now().UTC()
	replacement.Status = models.TxPending

	m.track(replacement, l)
	err = m.finalize(orig.Hash, func(t *models.Transaction) {
		t.Status = models.TxReplaced
		t.ReplacedBy = replacement.Hash
	})
	if err != nil {
		// the original's wait keeps running and settles it once the replacement is mined
		m.logger.Error("persist replaced transaction failed", "tx_hash", orig.Hash, "replaced_by", replacement.Hash, "error", err)
	}
	return replacement.Clone(), nil
}

func (m *Manager) pendingCopy(hash string) (*models.Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.pending[hashKey(hash)]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// requireUnmined fails if hash already has a receipt, even one short of the
// confirmation depth: a mined transaction can no longer be replaced.
func (m *Manager) requireUnmined(ctx context.Context, l ledger.Ledger, op, hash string) error {
	receipt, err := l.ReceiptOf(ctx, common.HexToHash(hash))
	switch {
	case err == nil:
		return errs.Newf(errs.CodeInvalidState, op, "transaction %s is already mined in block %d", hash, receipt.BlockNumber)
	case errors.Is(err, ethereum.NotFound):
		return nil
	default:
		return errs.Wrap(errs.CodeLedgerUnavailable, op, err)
	}
}

// History returns the transactions of address on a network, newest first.
// Pending entries that never reached the store are merged in by hash.
func (m *Manager) History(ctx context.Context, address, networkID string) ([]*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list, _, err := storage.Load[[]*models.Transaction](ctx, m.store, storage.HistoryKey(address, networkID))
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	seen := make(map[string]bool, len(list))
	for _, t := range list {
		seen[hashKey(t.Hash)] = true
	}
	for key, t := range m.pending {
		if !seen[key] && models.SameAddress(t.From, address) && t.NetworkID == networkID {
			list = append(list, t.Clone())
		}
	}

	sort.SliceStable(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
	return list, nil
}

// Pending returns the transactions awaiting confirmation, oldest first.
func (m *Manager) Pending() []*models.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Transaction, 0, len(m.pending))
	for _, t := range m.pending {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Reconcile resumes confirmation waits for transactions of address that the
// persisted history still lists as pending, for example after a restart.
// It returns how many were re-attached.
func (m *Manager) Reconcile(ctx context.Context, address, networkID string) (int, error) {
	const op = "reconcile transactions"

	network, err := m.networks.Get(networkID)
	if err != nil {
		return 0, err
	}
	l, err := m.ledgers.For(ctx, network)
	if err != nil {
		return 0, errs.Wrap(errs.CodeLedgerUnavailable, op, err)
	}

	m.mu.Lock()
	list, _, err := storage.Load[[]*models.Transaction](ctx, m.store, storage.HistoryKey(address, networkID))
	if err != nil {
		m.mu.Unlock()
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	var resumed []string
	for _, t := range list {
		key := hashKey(t.Hash)
		if t.Status != models.TxPending {
			continue
		}
		if _, ok := m.pending[key]; ok {
			continue
		}
		m.pending[key] = t.Clone()
		waitCtx, waitCancel := context.WithCancel(m.ctx)
		m.waits[key] = waitCancel
		m.wg.Add(1)
		go m.awaitConfirmation(waitCtx, t.Hash, l)
		resumed = append(resumed, t.Hash)
	}
	m.mu.Unlock()

	if len(resumed) > 0 {
		m.logger.Info("resumed pending transactions", "address", address, "network", networkID, "count", len(resumed))
	}
	return len(resumed), nil
}

func hashKey(hash string) string {
	return strings.ToLower(hash)
}
