package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/olehkaliuzhnyi/wallet-runtime/internal/errs"
	"github.com/olehkaliuzhnyi/wallet-runtime/pkg/models"
)

// Backend is the subset of *ethclient.Client the wallet uses.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
}

// Options tunes receipt polling.
type Options struct {
	// PollInterval is the delay between head/receipt polls.
	PollInterval time.Duration
	// DropAfter is how long the node may not know a transaction before it is
	// reported as dropped. Zero waits forever.
	DropAfter time.Duration
}

// EthClient implements Ledger over a JSON-RPC node.
type EthClient struct {
	backend Backend
	closer  func()
	network models.Network
	opts    Options
	logger  *slog.Logger
}

// Dial connects to network's RPC endpoint.
func Dial(ctx context.Context, network models.Network, opts Options) (*EthClient, error) {
	rpc, err := ethclient.DialContext(ctx, network.RPCEndpoint)
	if err != nil {
		return nil, errs.Wrap(errs.CodeLedgerUnavailable, "dial", err)
	}
	c := NewEthClient(rpc, network, opts)
	c.closer = rpc.Close
	return c, nil
}

// NewDialer returns a Dialer producing EthClients with opts.
func NewDialer(opts Options) Dialer {
	return func(ctx context.Context, network models.Network) (Ledger, error) {
		return Dial(ctx, network, opts)
	}
}

// NewEthClient wraps an existing backend.
func NewEthClient(backend Backend, network models.Network, opts Options) *EthClient {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	return &EthClient{
		backend: backend,
		network: network,
		opts:    opts,
		logger:  slog.Default().With("component", "ledger", "network", network.ID),
	}
}

// Close releases the RPC connection.
func (c *EthClient) Close() {
	if c.closer != nil {
		c.closer()
	}
}

func unavailable(op string, err error) error {
	return errs.Wrap(errs.CodeLedgerUnavailable, op, err)
}

func (c *EthClient) ChainID(ctx context.Context) (*big.Int, error) {
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, unavailable("chain id", err)
	}
	return id, nil
}

func (c *EthClient) BalanceAt(ctx context.Context, address common.Address) (*big.Int, error) {
	bal, err := c.backend.BalanceAt(ctx, address, nil)
	if err != nil {
		return nil, unavailable("balance", err)
	}
	return bal, nil
}

func (c *EthClient) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	data, err := packBalanceOf(owner)
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, unavailable("token balance", err)
	}
	return unpackBalanceOf(out)
}

func (c *EthClient) GasPrice(ctx context.Context) (*big.Int, error) {
	price, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, unavailable("gas price", err)
	}
	return price, nil
}

func (c *EthClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	gas, err := c.backend.EstimateGas(ctx, msg)
	if err != nil {
		return 0, unavailable("estimate gas", err)
	}
	return gas, nil
}

func (c *EthClient) PendingNonceAt(ctx context.Context, address common.Address) (uint64, error) {
	nonce, err := c.backend.PendingNonceAt(ctx, address)
	if err != nil {
		return 0, unavailable("pending nonce", err)
	}
	return nonce, nil
}

func (c *EthClient) Broadcast(ctx context.Context, tx *types.Transaction) error {
	c.logger.Info("broadcasting transaction", "tx_hash", tx.Hash().Hex(), "nonce", tx.Nonce())
	if err := c.backend.SendTransaction(ctx, tx); err != nil {
		return unavailable("broadcast", err)
	}
	return nil
}

func (c *EthClient) ReceiptOf(ctx context.Context, hash common.Hash) (*Receipt, error) {
	r, err := c.backend.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, ethereum.NotFound
	}
	if err != nil {
		return nil, unavailable("receipt", err)
	}
	return toReceipt(r), nil
}

func toReceipt(r *types.Receipt) *Receipt {
	out := &Receipt{
		TxHash:    r.TxHash,
		Status:    r.Status,
		BlockHash: r.BlockHash,
		GasUsed:   r.GasUsed,
	}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	return out
}

// receiptWatch is the polling state of one WaitForReceipt call.
type receiptWatch struct {
	hash          common.Hash
	confirmations uint64
	// included is the last receipt seen; a different block hash for the same
	// transaction means the chain reorganized under it.
	included *Receipt
	lastSeen time.Time
}

// WaitForReceipt polls the chain head and the receipt until the transaction has
// enough confirmations. Transient RPC errors are logged and retried.
func (c *EthClient) WaitForReceipt(ctx context.Context, hash common.Hash, confirmations uint64) (*Receipt, error) {
	if confirmations == 0 {
		confirmations = 1
	}
	w := &receiptWatch{hash: hash, confirmations: confirmations, lastSeen: time.Now()}

	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		receipt, done, err := c.poll(ctx, w)
		if done {
			return receipt, err
		}
		if err != nil {
			c.logger.Warn("receipt poll failed", "tx_hash", hash.Hex(), "error", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *EthClient) poll(ctx context.Context, w *receiptWatch) (*Receipt, bool, error) {
	head, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("latest block: %w", err)
	}

	raw, err := c.backend.TransactionReceipt(ctx, w.hash)
	switch {
	case errors.Is(err, ethereum.NotFound):
		if w.included != nil {
			c.logger.Warn("chain reorganization removed receipt",
				"tx_hash", w.hash.Hex(),
				"old_block", w.included.BlockNumber,
			)
			w.included = nil
		}
		return c.checkDropped(ctx, w)
	case err != nil:
		return nil, false, fmt.Errorf("receipt: %w", err)
	}

	receipt := toReceipt(raw)
	if w.included != nil && w.included.BlockHash != receipt.BlockHash {
		c.logger.Warn("chain reorganization detected",
			"tx_hash", w.hash.Hex(),
			"old_block", w.included.BlockNumber,
			"new_block", receipt.BlockNumber,
		)
	}
	w.included = receipt
	w.lastSeen = time.Now()

	if head < receipt.BlockNumber {
		return nil, false, nil
	}
	depth := head - receipt.BlockNumber + 1
	if depth < w.confirmations {
		return nil, false, nil
	}

	c.logger.Info("transaction confirmed",
		"tx_hash", w.hash.Hex(),
		"block", receipt.BlockNumber,
		"depth", depth,
		"success", receipt.Succeeded(),
	)
	return receipt, true, nil
}

// checkDropped reports ErrDropped once the node has not known the transaction for DropAfter.
func (c *EthClient) checkDropped(ctx context.Context, w *receiptWatch) (*Receipt, bool, error) {
	_, _, err := c.backend.TransactionByHash(ctx, w.hash)
	switch {
	case err == nil:
		w.lastSeen = time.Now()
		return nil, false, nil
	case !errors.Is(err, ethereum.NotFound):
		return nil, false, fmt.Errorf("transaction by hash: %w", err)
	}

	if c.opts.DropAfter > 0 && time.Since(w.lastSeen) >= c.opts.DropAfter {
		c.logger.Warn("transaction dropped", "tx_hash", w.hash.Hex(), "unseen_for", time.Since(w.lastSeen))
		return nil, true, ErrDropped
	}
	return nil, false, nil
}
