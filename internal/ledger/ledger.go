// Package ledger is the wallet's view of a remote EVM node: balances, gas,
// nonces, broadcast and receipts.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/olehkaliuzhnyi/wallet-runtime/pkg/models"
)

// ErrDropped is returned by WaitForReceipt when the node no longer knows the transaction.
var ErrDropped = errors.New("ledger: transaction dropped from the mempool")

// Receipt is the part of a transaction receipt the wallet cares about.
type Receipt struct {
	TxHash      common.Hash
	Status      uint64
	BlockNumber uint64
	BlockHash   common.Hash
	GasUsed     uint64
}

// Succeeded reports whether execution succeeded.
func (r *Receipt) Succeeded() bool {
	return r.Status == types.ReceiptStatusSuccessful
}

// Ledger is the RPC collaborator for one network.
// Every method may block on the network and honours ctx.
type Ledger interface {
	// ChainID returns the chain id reported by the node.
	ChainID(ctx context.Context) (*big.Int, error)

	// BalanceAt returns the native balance of address at the latest block.
	BalanceAt(ctx context.Context, address common.Address) (*big.Int, error)

	// TokenBalance returns the ERC-20 balance of owner.
	TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error)

	// GasPrice returns the node's suggested gas price.
	GasPrice(ctx context.Context) (*big.Int, error)

	// EstimateGas returns the gas units msg would consume.
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)

	// PendingNonceAt returns the next nonce for address including pending transactions.
	PendingNonceAt(ctx context.Context, address common.Address) (uint64, error)

	// Broadcast submits a signed transaction.
	Broadcast(ctx context.Context, tx *types.Transaction) error

	// ReceiptOf returns the receipt for hash, or ethereum.NotFound if it is not mined.
	ReceiptOf(ctx context.Context, hash common.Hash) (*Receipt, error)

	// WaitForReceipt blocks until hash is mined with the given number of
	// confirmations, the transaction is dropped, or ctx is done.
	WaitForReceipt(ctx context.Context, hash common.Hash, confirmations uint64) (*Receipt, error)
}

// Dialer opens a Ledger for a network.
type Dialer func(ctx context.Context, network models.Network) (Ledger, error)

// Pool hands out one Ledger per RPC endpoint and reuses it across callers.
type Pool struct {
	dial    Dialer
	mu      sync.Mutex
	clients map[string]Ledger
	logger  *slog.Logger
}

// NewPool returns a pool that opens clients with dial.
func NewPool(dial Dialer) *Pool {
	return &Pool{
		dial:    dial,
		clients: make(map[string]Ledger),
		logger:  slog.Default().With("component", "ledger_pool"),
	}
}

// For returns the Ledger serving network.
func (p *Pool) For(ctx context.Context, network models.Network) (Ledger, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if l, ok := p.clients[network.RPCEndpoint]; ok {
		return l, nil
	}
	l, err := p.dial(ctx, network)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", network.ID, err)
	}
	p.clients[network.RPCEndpoint] = l
	p.logger.Info("ledger client opened", "network", network.ID, "chain_id", network.ChainID)
	return l, nil
}

// Close releases every client that holds a connection.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for endpoint, l := range p.clients {
		if c, ok := l.(interface{ Close() }); ok {
			c.Close()
		}
		delete(p.clients, endpoint)
	}
}
