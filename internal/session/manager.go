// Package session owns the wallet's accounts, the current-account pointer,
// the lock state and the decrypted seed.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/olehkaliuzhnyi/wallet-runtime/internal/errs"
	"github.com/olehkaliuzhnyi/wallet-runtime/internal/events"
	"github.com/olehkaliuzhnyi/wallet-runtime/internal/storage"
	"github.com/olehkaliuzhnyi/wallet-runtime/internal/wallet"
	"github.com/olehkaliuzhnyi/wallet-runtime/pkg/models"
)

// Options tunes the session manager.
type Options struct {
	MinPasswordLength int
}

// keyringPayload is the plaintext of the seed vault entry.
type keyringPayload struct {
	Mnemonic []byte           `json:"mnemonic"`
	Accounts []models.Account `json:"accounts"`
	Current  int              `json:"current"`
}

// importedPayload is the plaintext of the imported-key vault entry.
type importedPayload struct {
	Keys map[string]string `json:"keys"` // key ref -> hex private key
}

// Manager is the session manager. Mutating operations are serialized and
// persist before they touch memory, so a failed write leaves the session as it was.
type Manager struct {
	store   *storage.Store
	keyring wallet.Keyring
	bus     events.Bus
	opts    Options
	logger  *slog.Logger

	// opMu serializes operations that change the session. Fields below are
	// written only while holding both opMu and mu, so an opMu holder may read
	// them without mu.
	opMu sync.Mutex
	mu   sync.RWMutex

	locked       bool
	vault        *storage.Vault
	mnemonic     []byte
	seed         []byte
	accounts     []models.Account
	current      int
	keys         map[common.Address]*wallet.Key
	generation   uint64
	lastActivity time.Time
}

// NewManager returns a locked, empty session manager.
func NewManager(store *storage.Store, keyring wallet.Keyring, bus events.Bus, opts Options) *Manager {
	return &Manager{
		store:        store,
		keyring:      keyring,
		bus:          bus,
		opts:         opts,
		logger:       slog.Default().With("component", "session"),
		locked:       true,
		keys:         make(map[common.Address]*wallet.Key),
		lastActivity: time.Now(),
	}
}

// Exists reports whether a wallet has been created in the store.
func (m *Manager) Exists(ctx context.Context) (bool, error) {
	return m.store.Has(ctx, storage.KeyKeyring)
}

// Create generates or restores a wallet, derives its first account and unlocks it.
// An empty mnemonic generates a new one. The mnemonic is returned so the caller
// can show it once.
func (m *Manager) Create(ctx context.Context, password []byte, mnemonic string) (models.Account, string, error) {
	const op = "create session"
	if len(password) < m.opts.MinPasswordLength {
		return models.Account{}, "", errs.Newf(errs.CodeInvalidParams, op, "password must be at least %d characters", m.opts.MinPasswordLength)
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	if mnemonic == "" {
		generated, err := m.keyring.NewMnemonic()
		if err != nil {
			return models.Account{}, "", fmt.Errorf("%s: %w", op, err)
		}
		mnemonic = generated
	} else {
		mnemonic = wallet.NormalizeMnemonic(mnemonic)
		if !m.keyring.ValidateMnemonic(mnemonic) {
			return models.Account{}, "", errs.New(errs.CodeInvalidSeed, op, "mnemonic failed checksum validation")
		}
	}

	seed := m.keyring.Seed(mnemonic)
	path := wallet.DefaultPath(0)
	key, err := m.keyring.DeriveFromSeed(seed, path)
	if err != nil {
		clear(seed)
		return models.Account{}, "", fmt.Errorf("%s: derive first account: %w", op, err)
	}

	vault, err := m.store.NewVault(password)
	if err != nil {
		clear(seed)
		key.Wipe()
		return models.Account{}, "", fmt.Errorf("%s: %w", op, err)
	}

	acct := models.Account{
		Address:   key.Address().Hex(),
		Name:      "Account 1",
		PublicKey: key.PublicKey(),
		CreatedAt: time.Now().UTC(),
		Source:    models.Derived{Path: path.String(), Index: 0},
	}
	payload := keyringPayload{
		Mnemonic: []byte(mnemonic),
		Accounts: []models.Account{acct},
		Current:  0,
	}

	// imported material first: a leftover empty entry is harmless, a keyring
	// pointing at missing imported keys is not
	err = m.sealImported(ctx, vault, map[string]string{})
	if err == nil {
		err = m.sealKeyring(ctx, vault, payload)
	}
	if err != nil {
		clear(seed)
		clear(payload.Mnemonic)
		key.Wipe()
		vault.Wipe()
		return models.Account{}, "", fmt.Errorf("%s: %w", op, err)
	}

	m.mu.Lock()
	m.wipeLocked()
	m.locked = false
	m.vault = vault
	m.mnemonic = payload.Mnemonic
	m.seed = seed
	m.accounts = []models.Account{acct}
	m.current = 0
	m.keys[key.Address()] = key
	m.generation++
	m.lastActivity = time.Now()
	m.mu.Unlock()

	m.logger.Info("wallet created", "address", acct.Address)
	m.bus.Publish(events.WalletUnlocked, nil)
	m.bus.Publish(events.AccountAdded, acct)
	m.bus.Publish(events.CurrentAccountChanged, acct)
	return acct, mnemonic, nil
}

// Unlock decrypts the stored wallet. Any failure, wrong password or corrupt
// data alike, returns the same InvalidCredentials error and leaves the session
// locked and empty.
func (m *Manager) Unlock(ctx context.Context, password []byte) error {
	const op = "unlock"

	m.opMu.Lock()
	defer m.opMu.Unlock()

	restored, err := m.restore(ctx, password)
	if err != nil {
		m.logger.Debug("unlock failed", "error", err)
		return errs.InvalidCredentials(op)
	}

	m.mu.Lock()
	m.wipeLocked()
	m.locked = false
	m.vault = restored.vault
	m.mnemonic = restored.mnemonic
	m.seed = restored.seed
	m.accounts = restored.accounts
	m.current = restored.current
	m.keys = restored.keys
	m.generation++
	m.lastActivity = time.Now()
	m.mu.Unlock()

	m.logger.Info("wallet unlocked", "accounts", len(restored.accounts))
	m.bus.Publish(events.WalletUnlocked, nil)
	return nil
}

type restoredSession struct {
	vault    *storage.Vault
	mnemonic []byte
	seed     []byte
	accounts []models.Account
	current  int
	keys     map[common.Address]*wallet.Key
}

func (r *restoredSession) wipe() {
	r.vault.Wipe()
	clear(r.mnemonic)
	clear(r.seed)
	for _, k := range r.keys {
		k.Wipe()
	}
}

// restore does all the CPU-bound work of Unlock without touching session state.
func (m *Manager) restore(ctx context.Context, password []byte) (_ *restoredSession, err error) {
	vault, plaintext, err := m.store.OpenVault(ctx, storage.KeyKeyring, password)
	if err != nil {
		return nil, err
	}
	defer clear(plaintext)

	r := &restoredSession{vault: vault, keys: make(map[common.Address]*wallet.Key)}
	defer func() {
		if err != nil {
			r.wipe()
		}
	}()

	var payload keyringPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("decode keyring: %w", err)
	}
	r.mnemonic = payload.Mnemonic
	r.accounts = payload.Accounts
	r.current = payload.Current

	if len(payload.Accounts) == 0 {
		return nil, errors.New("keyring has no accounts")
	}
	if payload.Current < 0 || payload.Current >= len(payload.Accounts) {
		return nil, fmt.Errorf("current index %d out of range", payload.Current)
	}
	if !m.keyring.ValidateMnemonic(string(payload.Mnemonic)) {
		return nil, errors.New("stored mnemonic is invalid")
	}
	r.seed = m.keyring.Seed(string(payload.Mnemonic))

	var imported importedPayload
	for _, acct := range payload.Accounts {
		if acct.IsImported() && imported.Keys == nil {
			raw, err := m.store.OpenSecret(ctx, storage.KeyImported, vault)
			if err != nil {
				return nil, fmt.Errorf("open imported keys: %w", err)
			}
			err = json.Unmarshal(raw, &imported)
			clear(raw)
			if err != nil {
				return nil, fmt.Errorf("decode imported keys: %w", err)
			}
			if imported.Keys == nil {
				imported.Keys = map[string]string{}
			}
		}

		var key *wallet.Key
		switch src := acct.Source.(type) {
		case models.Derived:
			path, err := accounts.ParseDerivationPath(src.Path)
			if err != nil {
				return nil, fmt.Errorf("account %s: %w", acct.Address, err)
			}
			key, err = m.keyring.DeriveFromSeed(r.seed, path)
			if err != nil {
				return nil, fmt.Errorf("account %s: %w", acct.Address, err)
			}
		case models.Imported:
			hexKey, ok := imported.Keys[src.KeyRef]
			if !ok {
				return nil, fmt.Errorf("account %s: imported key missing", acct.Address)
			}
			key, err = m.keyring.KeyFromHex(hexKey)
			if err != nil {
				return nil, fmt.Errorf("account %s: %w", acct.Address, err)
			}
		default:
			return nil, fmt.Errorf("account %s: unknown source", acct.Address)
		}

		if !models.SameAddress(key.Address().Hex(), acct.Address) {
			key.Wipe()
			return nil, fmt.Errorf("account %s: derived address mismatch", acct.Address)
		}
		r.keys[key.Address()] = key
	}
	return r, nil
}

// Lock wipes the seed, every cached key and the vault key. It is idempotent.
func (m *Manager) Lock() {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	wasLocked := m.locked
	m.wipeLocked()
	if !wasLocked {
		m.generation++
	}
	m.mu.Unlock()

	if !wasLocked {
		m.logger.Info("wallet locked")
		m.bus.Publish(events.WalletLocked, nil)
	}
}

// wipeLocked zeroes all secret material. Caller holds opMu and mu.
func (m *Manager) wipeLocked() {
	for addr, k := range m.keys {
		k.Wipe()
		delete(m.keys, addr)
	}
	clear(m.seed)
	clear(m.mnemonic)
	m.vault.Wipe()
	m.seed = nil
	m.mnemonic = nil
	m.vault = nil
	m.accounts = nil
	m.current = 0
	m.locked = true
}

// DeriveAccount derives the next seed account, persists it and adds it to the session.
// The index is one past the highest live derived index, so deletions never cause reuse
// of an index that is still in the list.
func (m *Manager) DeriveAccount(ctx context.Context, name string) (models.Account, error) {
	const op = "derive account"

	m.opMu.Lock()
	defer m.opMu.Unlock()

	if err := m.requireUnlocked(op); err != nil {
		return models.Account{}, err
	}
	if m.seed == nil {
		return models.Account{}, errs.New(errs.CodeInvalidState, op, "no seed available")
	}

	next := nextDerivationIndex(m.accounts)
	path := wallet.DefaultPath(next)
	key, err := m.keyring.DeriveFromSeed(m.seed, path)
	if err != nil {
		return models.Account{}, fmt.Errorf("%s: %w", op, err)
	}
	if m.indexOf(key.Address().Hex()) >= 0 {
		key.Wipe()
		return models.Account{}, errs.Newf(errs.CodeDuplicateAccount, op, "account %s already exists", key.Address().Hex())
	}

	if name == "" {
		name = fmt.Sprintf("Account %d", next+1)
	}
	acct := models.Account{
		Address:   key.Address().Hex(),
		Name:      name,
		PublicKey: key.PublicKey(),
		CreatedAt: time.Now().UTC(),
		Source:    models.Derived{Path: path.String(), Index: next},
	}
	updated := append(cloneAccounts(m.accounts), acct)

	if err := m.persistKeyring(ctx, updated, m.current); err != nil {
		key.Wipe()
		return models.Account{}, fmt.Errorf("%s: %w", op, err)
	}

	m.mu.Lock()
	m.accounts = updated
	m.keys[key.Address()] = key
	m.lastActivity = time.Now()
	m.mu.Unlock()

	m.logger.Info("account derived", "address", acct.Address, "index", next)
	m.bus.Publish(events.AccountAdded, acct)
	return acct, nil
}

// ImportAccount adds an account backed by its own private key.
func (m *Manager) ImportAccount(ctx context.Context, privateKey, name string) (models.Account, error) {
	const op = "import account"

	key, err := m.keyring.KeyFromHex(privateKey)
	if err != nil {
		return models.Account{}, errs.Wrap(errs.CodeInvalidPrivateKey, op, err)
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	if err := m.requireUnlocked(op); err != nil {
		key.Wipe()
		return models.Account{}, err
	}
	if m.indexOf(key.Address().Hex()) >= 0 {
		key.Wipe()
		return models.Account{}, errs.Newf(errs.CodeDuplicateAccount, op, "account %s already exists", key.Address().Hex())
	}

	if name == "" {
		name = fmt.Sprintf("Imported %d", len(m.accounts)+1)
	}
	ref := strings.ToLower(key.Address().Hex())
	acct := models.Account{
		Address:   key.Address().Hex(),
		Name:      name,
		PublicKey: key.PublicKey(),
		CreatedAt: time.Now().UTC(),
		Source:    models.Imported{KeyRef: ref},
	}

	previous, err := m.importedKeys()
	if err != nil {
		key.Wipe()
		return models.Account{}, fmt.Errorf("%s: %w", op, err)
	}
	next := make(map[string]string, len(previous)+1)
	for k, v := range previous {
		next[k] = v
	}
	hexKey, err := key.Hex()
	if err != nil {
		key.Wipe()
		return models.Account{}, fmt.Errorf("%s: %w", op, err)
	}
	next[ref] = hexKey

	if err := m.sealImported(ctx, m.vault, next); err != nil {
		key.Wipe()
		return models.Account{}, fmt.Errorf("%s: %w", op, err)
	}
	updated := append(cloneAccounts(m.accounts), acct)
	if err := m.persistKeyring(ctx, updated, m.current); err != nil {
		if rbErr := m.sealImported(ctx, m.vault, previous); rbErr != nil {
			m.logger.Warn("restore imported keys failed", "error", rbErr)
		}
		key.Wipe()
		return models.Account{}, fmt.Errorf("%s: %w", op, err)
	}

	m.mu.Lock()
	m.accounts = updated
	m.keys[key.Address()] = key
	m.lastActivity = time.Now()
	m.mu.Unlock()

	m.logger.Info("account imported", "address", acct.Address)
	m.bus.Publish(events.AccountAdded, acct)
	return acct, nil
}

// SwitchAccount makes the account at index current.
func (m *Manager) SwitchAccount(ctx context.Context, index int) (models.Account, error) {
	const op = "switch account"

	m.opMu.Lock()
	defer m.opMu.Unlock()

	if err := m.requireUnlocked(op); err != nil {
		return models.Account{}, err
	}
	if index < 0 || index >= len(m.accounts) {
		return models.Account{}, errs.Newf(errs.CodeInvalidParams, op, "account index %d out of range", index)
	}
	acct := m.accounts[index]
	if index == m.current {
		return acct, nil
	}

	if err := m.persistKeyring(ctx, m.accounts, index); err != nil {
		return models.Account{}, fmt.Errorf("%s: %w", op, err)
	}

	m.mu.Lock()
	m.current = index
	m.generation++
	m.lastActivity = time.Now()
	m.mu.Unlock()

	m.bus.Publish(events.CurrentAccountChanged, acct)
	return acct, nil
}

// DeleteAccount removes the account at index. The last remaining account cannot be deleted.
func (m *Manager) DeleteAccount(ctx context.Context, index int) error {
	const op = "delete account"

	m.opMu.Lock()
	defer m.opMu.Unlock()

	if err := m.requireUnlocked(op); err != nil {
		return err
	}
	if index < 0 || index >= len(m.accounts) {
		return errs.Newf(errs.CodeInvalidParams, op, "account index %d out of range", index)
	}
	if len(m.accounts) == 1 {
		return errs.New(errs.CodeLastAccount, op, "cannot delete the only account")
	}

	removed := m.accounts[index]
	previousCurrent := m.accounts[m.current]
	updated := make([]models.Account, 0, len(m.accounts)-1)
	updated = append(updated, m.accounts[:index]...)
	updated = append(updated, m.accounts[index+1:]...)

	current := m.current
	switch {
	case index < current:
		current--
	case current >= len(updated):
		current = len(updated) - 1
	}

	if err := m.persistKeyring(ctx, updated, current); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if removed.IsImported() {
		// the keyring no longer references the key, so a failure here only
		// leaves unreachable ciphertext behind
		if err := m.dropImported(ctx, removed.Source.(models.Imported).KeyRef); err != nil {
			m.logger.Warn("remove imported key material failed", "address", removed.Address, "error", err)
		}
	}

	addr := common.HexToAddress(removed.Address)
	m.mu.Lock()
	if k, ok := m.keys[addr]; ok {
		k.Wipe()
		delete(m.keys, addr)
	}
	m.accounts = updated
	m.current = current
	currentChanged := !models.SameAddress(updated[current].Address, previousCurrent.Address)
	if currentChanged {
		m.generation++
	}
	m.lastActivity = time.Now()
	newCurrent := updated[current]
	m.mu.Unlock()

	m.logger.Info("account deleted", "address", removed.Address)
	m.bus.Publish(events.AccountRemoved, removed)
	if currentChanged {
		m.bus.Publish(events.CurrentAccountChanged, newCurrent)
	}
	return nil
}

// ExportPrivateKey returns the hex private key of the account at index.
// The password is checked again even though the session is unlocked.
func (m *Manager) ExportPrivateKey(ctx context.Context, index int, password []byte) (string, error) {
	const op = "export private key"

	if err := m.requireUnlocked(op); err != nil {
		return "", err
	}
	if !m.store.VerifyPassword(ctx, storage.KeyKeyring, password) {
		return "", errs.InvalidCredentials(op)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.locked {
		return "", errs.New(errs.CodeLocked, op, "wallet is locked")
	}
	if index < 0 || index >= len(m.accounts) {
		return "", errs.Newf(errs.CodeInvalidParams, op, "account index %d out of range", index)
	}
	key, ok := m.keys[common.HexToAddress(m.accounts[index].Address)]
	if !ok {
		return "", errs.New(errs.CodeInvalidState, op, "key not loaded")
	}
	m.logger.Warn("private key exported", "address", m.accounts[index].Address)
	return key.Hex()
}

// SignMessage signs msg (EIP-191) with the account at address.
func (m *Manager) SignMessage(address string, msg []byte) ([]byte, error) {
	signer, err := m.Signer(address)
	if err != nil {
		return nil, err
	}
	sig, err := signer.SignMessage(msg)
	if err != nil {
		return nil, fmt.Errorf("sign message: %w", err)
	}
	m.Touch()
	return sig, nil
}

// Signer returns a handle signing for address. The handle looks the key up on
// every use, so it stops working as soon as the session locks.
func (m *Manager) Signer(address string) (wallet.Signer, error) {
	const op = "get signer"
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.locked {
		return nil, errs.New(errs.CodeLocked, op, "wallet is locked")
	}
	if m.indexOf(address) < 0 {
		return nil, errs.Newf(errs.CodeNotFound, op, "no account %s", address)
	}
	return &signerHandle{m: m, address: common.HexToAddress(address)}, nil
}

// CurrentSigner returns the signer of the current account.
func (m *Manager) CurrentSigner() (wallet.Signer, error) {
	acct, err := m.Current()
	if err != nil {
		return nil, err
	}
	return m.Signer(acct.Address)
}

// IsLocked reports the lock state.
func (m *Manager) IsLocked() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.locked
}

// Accounts returns a copy of the account list. It is empty while locked.
func (m *Manager) Accounts() []models.Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneAccounts(m.accounts)
}

// Current returns the current account.
func (m *Manager) Current() (models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.locked || len(m.accounts) == 0 {
		return models.Account{}, errs.New(errs.CodeLocked, "current account", "wallet is locked")
	}
	return m.accounts[m.current], nil
}

// CurrentIndex returns the current account index, or -1 while locked.
func (m *Manager) CurrentIndex() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.locked {
		return -1
	}
	return m.current
}

// Snapshot returns a copy of the session state.
func (m *Manager) Snapshot() models.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return models.Session{
		IsLocked:     m.locked,
		Accounts:     cloneAccounts(m.accounts),
		CurrentIndex: m.current,
		LastActivity: m.lastActivity,
	}
}

// Generation changes whenever the lock state or the current account changes.
// Callers capture it before slow work and compare afterwards to detect stale results.
func (m *Manager) Generation() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation
}

// Touch records user activity for the idle auto-lock.
func (m *Manager) Touch() {
	m.mu.Lock()
	m.lastActivity = time.Now()
	m.mu.Unlock()
}

// RunAutoLock locks the wallet after idle time without activity. It returns when ctx is done.
func (m *Manager) RunAutoLock(ctx context.Context, idle, tick time.Duration) {
	if idle <= 0 {
		return
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.RLock()
			expired := !m.locked && time.Since(m.lastActivity) >= idle
			m.mu.RUnlock()
			if expired {
				m.logger.Info("idle timeout reached, locking", "idle", idle)
				m.Lock()
			}
		}
	}
}

// --- helpers ---

func (m *Manager) requireUnlocked(op string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.locked {
		return errs.New(errs.CodeLocked, op, "wallet is locked")
	}
	return nil
}

// indexOf finds address in the account list. Caller holds opMu or mu.
func (m *Manager) indexOf(address string) int {
	for i, a := range m.accounts {
		if models.SameAddress(a.Address, address) {
			return i
		}
	}
	return -1
}

// persistKeyring seals the keyring with the given accounts. Caller holds opMu.
func (m *Manager) persistKeyring(ctx context.Context, accts []models.Account, current int) error {
	return m.sealKeyring(ctx, m.vault, keyringPayload{
		Mnemonic: m.mnemonic,
		Accounts: accts,
		Current:  current,
	})
}

func (m *Manager) sealKeyring(ctx context.Context, vault *storage.Vault, payload keyringPayload) error {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode keyring: %w", err)
	}
	defer clear(plaintext)
	return m.store.SealSecret(ctx, storage.KeyKeyring, vault, plaintext)
}

func (m *Manager) sealImported(ctx context.Context, vault *storage.Vault, keys map[string]string) error {
	plaintext, err := json.Marshal(importedPayload{Keys: keys})
	if err != nil {
		return fmt.Errorf("encode imported keys: %w", err)
	}
	defer clear(plaintext)
	return m.store.SealSecret(ctx, storage.KeyImported, vault, plaintext)
}

// importedKeys rebuilds the imported-key map from the loaded keys. Caller holds opMu.
func (m *Manager) importedKeys() (map[string]string, error) {
	out := make(map[string]string)
	for _, acct := range m.accounts {
		src, ok := acct.Source.(models.Imported)
		if !ok {
			continue
		}
		key, ok := m.keys[common.HexToAddress(acct.Address)]
		if !ok {
			return nil, fmt.Errorf("key for %s not loaded", acct.Address)
		}
		h, err := key.Hex()
		if err != nil {
			return nil, err
		}
		out[src.KeyRef] = h
	}
	return out, nil
}

func (m *Manager) dropImported(ctx context.Context, ref string) error {
	keys, err := m.importedKeys()
	if err != nil {
		return err
	}
	delete(keys, ref)
	return m.sealImported(ctx, m.vault, keys)
}

func nextDerivationIndex(accts []models.Account) uint32 {
	var next uint32
	for _, a := range accts {
		if idx, ok := a.DerivationIndex(); ok && idx+1 > next {
			next = idx + 1
		}
	}
	return next
}

func cloneAccounts(in []models.Account) []models.Account {
	if in == nil {
		return []models.Account{}
	}
	out := make([]models.Account, len(in))
	copy(out, in)
	return out
}

// signerHandle signs with a session key without holding a reference to it.
type signerHandle struct {
	m       *Manager
	address common.Address
}

func (s *signerHandle) Address() common.Address {
	return s.address
}

func (s *signerHandle) key(op string) (*wallet.Key, func(), error) {
	s.m.mu.RLock()
	if s.m.locked {
		s.m.mu.RUnlock()
		return nil, nil, errs.New(errs.CodeLocked, op, "wallet is locked")
	}
	k, ok := s.m.keys[s.address]
	if !ok {
		s.m.mu.RUnlock()
		return nil, nil, errs.Newf(errs.CodeNotFound, op, "no account %s", s.address.Hex())
	}
	return k, s.m.mu.RUnlock, nil
}

func (s *signerHandle) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	k, release, err := s.key("sign transaction")
	if err != nil {
		return nil, err
	}
	defer release()
	return k.SignTx(tx, chainID)
}

func (s *signerHandle) SignMessage(msg []byte) ([]byte, error) {
	k, release, err := s.key("sign message")
	if err != nil {
		return nil, err
	}
	defer release()
	return k.SignMessage(msg)
}
