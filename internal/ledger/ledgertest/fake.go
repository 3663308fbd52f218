// Package ledgertest provides an in-memory ledger for tests.
package ledgertest

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/olehkaliuzhnyi/wallet-runtime/internal/ledger"
)

type receiptSlot struct {
	done    chan struct{}
	settled bool
	receipt *ledger.Receipt
	err     error
}

// Fake is a controllable ledger. Receipts never arrive on their own: the test
// settles each hash with Resolve or Fail.
type Fake struct {
	mu sync.Mutex

	chainID       *big.Int
	balances      map[common.Address]*big.Int
	tokenBalances map[common.Address]map[common.Address]*big.Int
	gasPrice      *big.Int
	gasEstimate   uint64
	nonces        map[common.Address]uint64
	head          uint64

	readErr      error
	broadcastErr error

	sent      []*types.Transaction
	estimates []ethereum.CallMsg
	slots     map[common.Hash]*receiptSlot
	mined     map[common.Hash]*ledger.Receipt
	waiting   map[common.Hash]int
	waitCh    chan struct{}
}

var _ ledger.Ledger = (*Fake)(nil)

// New returns a fake with gas price 10 and gas estimate 21000.
func New(chainID uint64) *Fake {
	return &Fake{
		chainID:       new(big.Int).SetUint64(chainID),
		balances:      make(map[common.Address]*big.Int),
		tokenBalances: make(map[common.Address]map[common.Address]*big.Int),
		gasPrice:      big.NewInt(10),
		gasEstimate:   21000,
		nonces:        make(map[common.Address]uint64),
		head:          1,
		slots:         make(map[common.Hash]*receiptSlot),
		mined:         make(map[common.Hash]*ledger.Receipt),
		waiting:       make(map[common.Hash]int),
		waitCh:        make(chan struct{}, 64),
	}
}

func (f *Fake) SetBalance(addr common.Address, v *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[addr] = new(big.Int).Set(v)
}

func (f *Fake) SetTokenBalance(token, owner common.Address, v *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tokenBalances[token] == nil {
		f.tokenBalances[token] = make(map[common.Address]*big.Int)
	}
	f.tokenBalances[token][owner] = new(big.Int).Set(v)
}

func (f *Fake) SetGasPrice(v *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gasPrice = new(big.Int).Set(v)
}

func (f *Fake) SetGasEstimate(units uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gasEstimate = units
}

func (f *Fake) SetNonce(addr common.Address, n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonces[addr] = n
}

// FailReads makes every read call return err. Nil restores normal behaviour.
func (f *Fake) FailReads(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readErr = err
}

// FailBroadcast makes Broadcast return err. Nil restores normal behaviour.
func (f *Fake) FailBroadcast(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcastErr = err
}

// Sent returns the broadcast transactions in order.
func (f *Fake) Sent() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Transaction(nil), f.sent...)
}

// Estimates returns the messages passed to EstimateGas.
func (f *Fake) Estimates() []ethereum.CallMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ethereum.CallMsg(nil), f.estimates...)
}

// Resolve settles hash with a mined receipt.
func (f *Fake) Resolve(hash common.Hash, success bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head++
	status := types.ReceiptStatusFailed
	if success {
		status = types.ReceiptStatusSuccessful
	}
	f.settleLocked(hash, &ledger.Receipt{
		TxHash:      hash,
		Status:      status,
		BlockNumber: f.head,
		GasUsed:     21000,
	}, nil)
}

// Mine gives hash a successful receipt without reaching the confirmation
// depth: ReceiptOf sees it while WaitForReceipt keeps blocking.
func (f *Fake) Mine(hash common.Hash) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head++
	f.mined[hash] = &ledger.Receipt{
		TxHash:      hash,
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: f.head,
		GasUsed:     21000,
	}
}

// Fail makes the wait for hash return err.
func (f *Fake) Fail(hash common.Hash, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settleLocked(hash, nil, err)
}

func (f *Fake) settleLocked(hash common.Hash, r *ledger.Receipt, err error) {
	s := f.slotLocked(hash)
	if s.settled {
		return
	}
	s.settled = true
	s.receipt = r
	s.err = err
	close(s.done)
}

func (f *Fake) slotLocked(hash common.Hash) *receiptSlot {
	s, ok := f.slots[hash]
	if !ok {
		s = &receiptSlot{done: make(chan struct{})}
		f.slots[hash] = s
	}
	return s
}

// Waiting reports how many WaitForReceipt calls are blocked on hash.
func (f *Fake) Waiting(hash common.Hash) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.waiting[hash]
}

// WaitStarted is signalled every time a WaitForReceipt call begins.
func (f *Fake) WaitStarted() <-chan struct{} {
	return f.waitCh
}

func (f *Fake) ChainID(context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.chainID), f.readErr
}

func (f *Fake) BalanceAt(_ context.Context, addr common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	if b, ok := f.balances[addr]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (f *Fake) TokenBalance(_ context.Context, token, owner common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	if b, ok := f.tokenBalances[token][owner]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (f *Fake) GasPrice(context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	return new(big.Int).Set(f.gasPrice), nil
}

func (f *Fake) EstimateGas(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return 0, f.readErr
	}
	f.estimates = append(f.estimates, msg)
	return f.gasEstimate, nil
}

func (f *Fake) PendingNonceAt(_ context.Context, addr common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return 0, f.readErr
	}
	return f.nonces[addr], nil
}

// Broadcast records tx and advances the sender's pending nonce.
func (f *Fake) Broadcast(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broadcastErr != nil {
		return f.broadcastErr
	}
	f.sent = append(f.sent, tx)
	if from, err := types.Sender(types.LatestSignerForChainID(f.chainID), tx); err == nil {
		if tx.Nonce()+1 > f.nonces[from] {
			f.nonces[from] = tx.Nonce() + 1
		}
	}
	return nil
}

func (f *Fake) ReceiptOf(_ context.Context, hash common.Hash) (*ledger.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	if m, ok := f.mined[hash]; ok {
		r := *m
		return &r, nil
	}
	s, ok := f.slots[hash]
	if !ok || !s.settled || s.receipt == nil {
		return nil, ethereum.NotFound
	}
	r := *s.receipt
	return &r, nil
}

// WaitForReceipt blocks until the test settles hash or ctx is done.
func (f *Fake) WaitForReceipt(ctx context.Context, hash common.Hash, _ uint64) (*ledger.Receipt, error) {
	f.mu.Lock()
	s := f.slotLocked(hash)
	f.waiting[hash]++
	f.mu.Unlock()

	select {
	case f.waitCh <- struct{}{}:
	default:
	}

	defer func() {
		f.mu.Lock()
		f.waiting[hash]--
		f.mu.Unlock()
	}()

	select {
	case <-s.done:
		if s.err != nil {
			return nil, s.err
		}
		r := *s.receipt
		return &r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
