// Package provider is the EIP-1193 surface page scripts talk to. It dispatches
// requests to the wallet components and gates sensitive methods behind user approval.
package provider

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"

	"github.com/olehkaliuzhnyi/wallet-runtime/internal/errs"
	"github.com/olehkaliuzhnyi/wallet-runtime/internal/events"
	"github.com/olehkaliuzhnyi/wallet-runtime/internal/storage"
	"github.com/olehkaliuzhnyi/wallet-runtime/internal/tx"
	"github.com/olehkaliuzhnyi/wallet-runtime/pkg/models"
)

// SessionSource is the part of the session manager the router needs.
type SessionSource interface {
	IsLocked() bool
	Current() (models.Account, error)
	SignMessage(address string, msg []byte) ([]byte, error)
}

// TxSender submits transactions.
type TxSender interface {
	Send(ctx context.Context, req tx.SendRequest) (*models.Transaction, error)
}

// NetworkSource is the part of the network registry the router needs.
type NetworkSource interface {
	Current() models.Network
	ByChainID(chainID uint64) (models.Network, error)
	SwitchByChainID(ctx context.Context, chainID uint64) (models.Network, error)
	Add(ctx context.Context, n models.Network) error
}

// TokenWatcher adds tokens to a network's watch list.
type TokenWatcher interface {
	Watch(ctx context.Context, networkID string, token models.Token) (bool, error)
}

// Request is one EIP-1193 call.
type Request struct {
	Origin string          `json:"origin"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ConnectInfo is the payload of the connect event.
type ConnectInfo struct {
	ChainID string `json:"chainId"`
}

// view is what page scripts have last been told.
type view struct {
	chainID   string
	accounts  []string
	connected bool
}

// Router serves one request at a time. A call arriving while another is in
// flight, including one waiting for approval, fails with RequestPending.
type Router struct {
	sessions    SessionSource
	txs         TxSender
	networks    NetworkSource
	tokens      TokenWatcher
	bus         events.Bus
	approvals   *Approvals
	permissions *Permissions
	logger      *slog.Logger

	inflight sync.Mutex

	viewMu sync.Mutex
	last   view
	unsubs []func()

	listenersMu sync.Mutex
	listeners   map[string]func()
}

func NewRouter(store *storage.Store, sessions SessionSource, txs TxSender, networks NetworkSource, tokens TokenWatcher, bus events.Bus) *Router {
	return &Router{
		sessions:    sessions,
		txs:         txs,
		networks:    networks,
		tokens:      tokens,
		bus:         bus,
		approvals:   NewApprovals(bus),
		permissions: NewPermissions(store),
		logger:      slog.Default().With("component", "provider"),
		listeners:   make(map[string]func()),
	}
}

// Approvals returns the pending approval queue for the UI layer.
func (r *Router) Approvals() *Approvals {
	return r.approvals
}

// Permissions returns the permitted origin set.
func (r *Router) Permissions() *Permissions {
	return r.permissions
}

// Start captures the current view and begins following state changes.
func (r *Router) Start() {
	r.viewMu.Lock()
	r.last = r.currentView()
	r.viewMu.Unlock()

	for _, topic := range []events.Topic{
		events.WalletLocked,
		events.WalletUnlocked,
		events.CurrentAccountChanged,
		events.AccountRemoved,
		events.NetworkChanged,
	} {
		r.unsubs = append(r.unsubs, r.bus.Subscribe(topic, func(events.Event) { r.refresh() }))
	}
}

// Close stops following state changes, rejects every open approval and
// detaches page-script listeners.
func (r *Router) Close() {
	for _, unsub := range r.unsubs {
		unsub()
	}
	r.unsubs = nil
	r.approvals.RejectAll()

	r.listenersMu.Lock()
	for id, unsub := range r.listeners {
		unsub()
		delete(r.listeners, id)
	}
	r.listenersMu.Unlock()
}

// On subscribes a page-script handler to a public topic and returns its id for Off.
func (r *Router) On(topic events.Topic, h events.Handler) (string, error) {
	if !topic.Public() {
		return "", errs.Newf(errs.CodeUnauthorized, "subscribe", "topic %q is not available to page scripts", topic)
	}
	id := uuid.NewString()
	unsub := r.bus.Subscribe(topic, h)

	r.listenersMu.Lock()
	r.listeners[id] = unsub
	r.listenersMu.Unlock()
	return id, nil
}

// Off removes a handler registered with On. It reports whether id was known.
func (r *Router) Off(id string) bool {
	r.listenersMu.Lock()
	unsub, ok := r.listeners[id]
	delete(r.listeners, id)
	r.listenersMu.Unlock()
	if ok {
		unsub()
	}
	return ok
}

// Request dispatches one call.
func (r *Router) Request(ctx context.Context, req Request) (any, error) {
	if !r.inflight.TryLock() {
		return nil, errs.New(errs.CodeRequestPending, req.Method, "another request is already in progress")
	}
	defer r.inflight.Unlock()

	h, ok := r.methods()[req.Method]
	if !ok {
		return nil, errs.Newf(errs.CodeUnsupportedMethod, req.Method, "method %q is not supported", req.Method)
	}

	res, err := h(ctx, req)
	if err != nil {
		r.logger.Warn("request failed", "origin", req.Origin, "method", req.Method, "error", err)
		return nil, err
	}
	r.logger.Debug("request served", "origin", req.Origin, "method", req.Method)
	return res, nil
}

// refresh re-derives the view and publishes the public events whose value changed.
func (r *Router) refresh() {
	r.viewMu.Lock()
	defer r.viewMu.Unlock()

	next := r.currentView()
	prev := r.last
	r.last = next

	if next.connected != prev.connected {
		if next.connected {
			r.bus.Publish(events.Connect, ConnectInfo{ChainID: next.chainID})
		} else {
			r.bus.Publish(events.Disconnect, &RPCError{Code: CodeDisconnected, Message: "wallet locked"})
		}
	}
	if next.chainID != prev.chainID {
		r.bus.Publish(events.ChainChanged, next.chainID)
	}
	if !slices.Equal(next.accounts, prev.accounts) {
		r.bus.Publish(events.AccountsChanged, slices.Clone(next.accounts))
	}
}

func (r *Router) currentView() view {
	v := view{
		chainID:  hexutil.EncodeUint64(r.networks.Current().ChainID),
		accounts: []string{},
	}
	if acct, err := r.sessions.Current(); err == nil {
		v.connected = true
		v.accounts = []string{strings.ToLower(acct.Address)}
	}
	return v
}
