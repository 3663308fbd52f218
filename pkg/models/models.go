package models

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// AccountSource describes where an account's key comes from.
// It is implemented only by Derived and Imported.
type AccountSource interface {
	sourceKind() string
}

// Derived is an account computed from the wallet seed at a derivation path.
type Derived struct {
	Path  string `json:"path"`
	Index uint32 `json:"index"`
}

func (Derived) sourceKind() string { return "derived" }

// Imported is an account backed by its own key material, independent of the seed.
// KeyRef names the entry holding the encrypted key.
type Imported struct {
	KeyRef string `json:"key_ref"`
}

func (Imported) sourceKind() string { return "imported" }

// Account is a signing account held by the session.
type Account struct {
	Address   string        `json:"address"`
	Name      string        `json:"name"`
	PublicKey string        `json:"public_key,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	Source    AccountSource `json:"-"`
}

// IsImported reports whether the account holds independent key material.
func (a Account) IsImported() bool {
	_, ok := a.Source.(Imported)
	return ok
}

// DerivationIndex returns the seed index of a derived account.
func (a Account) DerivationIndex() (uint32, bool) {
	d, ok := a.Source.(Derived)
	return d.Index, ok
}

type accountJSON struct {
	Address   string          `json:"address"`
	Name      string          `json:"name"`
	PublicKey string          `json:"public_key,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Kind      string          `json:"kind"`
	Source    json.RawMessage `json:"source"`
}

func (a Account) MarshalJSON() ([]byte, error) {
	if a.Source == nil {
		return nil, fmt.Errorf("account %s has no source", a.Address)
	}
	src, err := json.Marshal(a.Source)
	if err != nil {
		return nil, err
	}
	return json.Marshal(accountJSON{
		Address:   a.Address,
		Name:      a.Name,
		PublicKey: a.PublicKey,
		CreatedAt: a.CreatedAt,
		Kind:      a.Source.sourceKind(),
		Source:    src,
	})
}

func (a *Account) UnmarshalJSON(data []byte) error {
	var raw accountJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	a.Address = raw.Address
	a.Name = raw.Name
	a.PublicKey = raw.PublicKey
	a.CreatedAt = raw.CreatedAt

	switch raw.Kind {
	case "derived":
		var d Derived
		if err := json.Unmarshal(raw.Source, &d); err != nil {
			return fmt.Errorf("derived source: %w", err)
		}
		a.Source = d
	case "imported":
		var i Imported
		if err := json.Unmarshal(raw.Source, &i); err != nil {
			return fmt.Errorf("imported source: %w", err)
		}
		a.Source = i
	default:
		return fmt.Errorf("unknown account kind %q", raw.Kind)
	}
	return nil
}

// Session is a read-only view of the session state.
type Session struct {
	IsLocked     bool      `json:"is_locked"`
	Accounts     []Account `json:"accounts"`
	CurrentIndex int       `json:"current_index"`
	LastActivity time.Time `json:"last_activity"`
}

// Network is a ledger the wallet can talk to.
type Network struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	RPCEndpoint  string `json:"rpc_endpoint"`
	ChainID      uint64 `json:"chain_id"`
	NativeSymbol string `json:"native_symbol"`
	ExplorerURL  string `json:"explorer_url,omitempty"`
}

// Token is an ERC-20 asset watched on a network.
type Token struct {
	ContractAddress string `json:"contract_address"`
	Symbol          string `json:"symbol"`
	Name            string `json:"name,omitempty"`
	Decimals        uint8  `json:"decimals"`
	IconRef         string `json:"icon_ref,omitempty"`
}

// AssetKind selects what a transaction moves.
type AssetKind string

// Supported asset kinds.
const (
	AssetNative AssetKind = "native"
	AssetToken  AssetKind = "token"
)

// TxStatus is the lifecycle state of a submitted transaction.
type TxStatus string

// Transaction statuses. Only pending may transition further.
const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
	TxReplaced  TxStatus = "replaced"
)

// Terminal reports whether no further transition is possible.
func (s TxStatus) Terminal() bool {
	return s == TxConfirmed || s == TxFailed || s == TxReplaced
}

// Transaction is a broadcast transaction. Only Status and the confirmation
// metadata (BlockNumber, Error, ReplacedBy) change after creation.
type Transaction struct {
	Hash        string    `json:"hash"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Amount      *big.Int  `json:"amount"`
	Asset       AssetKind `json:"asset"`
	Token       string    `json:"token,omitempty"`
	Data        []byte    `json:"data,omitempty"`
	Nonce       uint64    `json:"nonce"`
	GasPrice    *big.Int  `json:"gas_price"`
	GasLimit    uint64    `json:"gas_limit"`
	NetworkID   string    `json:"network_id"`
	CreatedAt   time.Time `json:"created_at"`
	Status      TxStatus  `json:"status"`
	BlockNumber uint64    `json:"block_number,omitempty"`
	Error       string    `json:"error,omitempty"`
	ReplacedBy  string    `json:"replaced_by,omitempty"`
}

// Clone returns a deep copy safe to hand to callers.
func (t *Transaction) Clone() *Transaction {
	c := *t
	if t.Amount != nil {
		c.Amount = new(big.Int).Set(t.Amount)
	}
	if t.GasPrice != nil {
		c.GasPrice = new(big.Int).Set(t.GasPrice)
	}
	if t.Data != nil {
		c.Data = append([]byte(nil), t.Data...)
	}
	return &c
}

// SameAddress compares two hex addresses case-insensitively.
func SameAddress(a, b string) bool {
	return strings.EqualFold(a, b)
}

// ApprovalKind names what a pending approval asks the user to consent to.
type ApprovalKind string

// Approval kinds raised by the provider router.
const (
	ApprovalConnect     ApprovalKind = "connect"
	ApprovalTransaction ApprovalKind = "transaction"
	ApprovalSign        ApprovalKind = "sign"
	ApprovalSwitchChain ApprovalKind = "switch_chain"
	ApprovalAddChain    ApprovalKind = "add_chain"
	ApprovalWatchAsset  ApprovalKind = "watch_asset"
)

// ApprovalRequest is a gated operation awaiting user consent.
type ApprovalRequest struct {
	ID        string       `json:"id"`
	Origin    string       `json:"origin"`
	Kind      ApprovalKind `json:"kind"`
	Payload   any          `json:"payload"`
	CreatedAt time.Time    `json:"created_at"`
}
