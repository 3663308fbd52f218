package balance

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/olehkaliuzhnyi/wallet-runtime/internal/errs"
	"github.com/olehkaliuzhnyi/wallet-runtime/internal/events"
	"github.com/olehkaliuzhnyi/wallet-runtime/internal/ledger"
	"github.com/olehkaliuzhnyi/wallet-runtime/internal/ledger/ledgertest"
	"github.com/olehkaliuzhnyi/wallet-runtime/pkg/models"
)

const (
	owner = "0x9858EfFD232B4033E47d90003D41EC34EcaEda94"
	usdc  = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
)

type stubAccounts struct {
	gen    atomic.Uint64
	locked atomic.Bool
}

func (s *stubAccounts) Current() (models.Account, error) {
	if s.locked.Load() {
		return models.Account{}, errs.New(errs.CodeLocked, "current account", "wallet is locked")
	}
	return models.Account{Address: owner}, nil
}

func (s *stubAccounts) Generation() uint64 { return s.gen.Load() }

type stubNetworks struct{ gen atomic.Uint64 }

func (s *stubNetworks) Current() models.Network {
	return models.Network{ID: "testnet", ChainID: 1337, NativeSymbol: "ETH"}
}

func (s *stubNetworks) Generation() uint64 { return s.gen.Load() }

type stubTokens []models.Token

func (s stubTokens) List(context.Context, string) ([]models.Token, error) { return s, nil }

type stubPrices struct{ err error }

func (s stubPrices) USDPrice(context.Context, string) (float64, error) { return 2000, s.err }

type fixedLedgers struct{ l ledger.Ledger }

func (f fixedLedgers) For(context.Context, models.Network) (ledger.Ledger, error) { return f.l, nil }

// gatedLedger holds BalanceAt until release is closed.
type gatedLedger struct {
	*ledgertest.Fake
	entered chan struct{}
	release chan struct{}
}

func (g *gatedLedger) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	close(g.entered)
	<-g.release
	return g.Fake.BalanceAt(ctx, addr)
}

func newTracker(l ledger.Ledger, prices PriceSource) (*Tracker, *stubAccounts, *stubNetworks, *events.FeedBus) {
	accts := &stubAccounts{}
	nets := &stubNetworks{}
	bus := events.NewBus()
	tokens := stubTokens{{ContractAddress: usdc, Symbol: "USDC", Decimals: 6}}
	return NewTracker(accts, nets, tokens, fixedLedgers{l}, prices, bus), accts, nets, bus
}

func TestRefresh(t *testing.T) {
	fake := ledgertest.New(1337)
	fake.SetBalance(common.HexToAddress(owner), big.NewInt(500))
	fake.SetTokenBalance(common.HexToAddress(usdc), common.HexToAddress(owner), big.NewInt(42))
	tr, _, _, bus := newTracker(fake, stubPrices{})
	defer bus.Close()

	snap, applied, err := tr.Refresh(context.Background())
	if err != nil || !applied {
		t.Fatalf("Refresh = %v, %v", applied, err)
	}
	if snap.Native.Cmp(big.NewInt(500)) != 0 {
		t.Errorf("native = %s", snap.Native)
	}
	if snap.Tokens[usdc].Cmp(big.NewInt(42)) != 0 {
		t.Errorf("usdc = %s", snap.Tokens[usdc])
	}
	if snap.USDPrice == nil || *snap.USDPrice != 2000 {
		t.Errorf("price = %v", snap.USDPrice)
	}
	if snap.Stale {
		t.Error("fresh snapshot marked stale")
	}
	if tr.Snapshot() == nil {
		t.Error("snapshot not retained")
	}
}

func TestRefresh_LedgerFailureDegradesToUnknown(t *testing.T) {
	fake := ledgertest.New(1337)
	fake.FailReads(errors.New("timeout"))
	tr, _, _, bus := newTracker(fake, stubPrices{err: errors.New("rate limited")})
	defer bus.Close()

	snap, applied, err := tr.Refresh(context.Background())
	if err != nil || !applied {
		t.Fatalf("Refresh = %v, %v", applied, err)
	}
	if !snap.Stale {
		t.Error("snapshot should be stale")
	}
	if snap.Native != nil || snap.Tokens[usdc] != nil || snap.USDPrice != nil {
		t.Errorf("failed values should be unknown: %+v", snap)
	}
}

func TestRefresh_DiscardsResultAfterSwitch(t *testing.T) {
	tests := []struct {
		name   string
		change func(tr *Tracker, a *stubAccounts, n *stubNetworks)
	}{
		{"account switch", func(_ *Tracker, a *stubAccounts, _ *stubNetworks) { a.gen.Add(1) }},
		{"network switch", func(_ *Tracker, _ *stubAccounts, n *stubNetworks) { n.gen.Add(1) }},
		{"invalidate", func(tr *Tracker, _ *stubAccounts, _ *stubNetworks) { tr.Invalidate() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gated := &gatedLedger{Fake: ledgertest.New(1337), entered: make(chan struct{}), release: make(chan struct{})}
			tr, accts, nets, bus := newTracker(gated, nil)
			defer bus.Close()

			type result struct {
				applied bool
				err     error
			}
			done := make(chan result, 1)
			go func() {
				_, applied, err := tr.Refresh(context.Background())
				done <- result{applied, err}
			}()

			<-gated.entered
			tt.change(tr, accts, nets)
			close(gated.release)

			select {
			case r := <-done:
				if r.err != nil || r.applied {
					t.Errorf("Refresh = %v, %v; want discarded", r.applied, r.err)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("timeout")
			}
			if tr.Snapshot() != nil {
				t.Error("stale result was applied")
			}
		})
	}
}

func TestRefresh_Locked(t *testing.T) {
	tr, accts, _, bus := newTracker(ledgertest.New(1337), nil)
	defer bus.Close()
	accts.locked.Store(true)

	if _, _, err := tr.Refresh(context.Background()); !errors.Is(err, errs.ErrLocked) {
		t.Errorf("expected Locked, got %v", err)
	}
}

func TestRun_RefreshesOnEvents(t *testing.T) {
	fake := ledgertest.New(1337)
	fake.SetBalance(common.HexToAddress(owner), big.NewInt(1))
	tr, _, _, bus := newTracker(fake, nil)
	defer bus.Close()

	updates := make(chan *Snapshot, 4)
	bus.Subscribe(events.BalancesUpdated, func(e events.Event) { updates <- e.Payload.(*Snapshot) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx, time.Hour)

	// Run subscribes asynchronously; keep poking until it reacts
	deadline := time.After(2 * time.Second)
	for {
		bus.Publish(events.NetworkChanged, nil)
		select {
		case snap := <-updates:
			if snap.Native.Cmp(big.NewInt(1)) != 0 {
				t.Errorf("native = %s", snap.Native)
			}
			return
		case <-deadline:
			t.Fatal("no refresh after networkChanged")
		case <-time.After(20 * time.Millisecond):
		}
	}
}
