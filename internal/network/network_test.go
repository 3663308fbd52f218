package network

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/olehkaliuzhnyi/wallet-runtime/internal/errs"
	"github.com/olehkaliuzhnyi/wallet-runtime/internal/events"
	"github.com/olehkaliuzhnyi/wallet-runtime/internal/storage"
	"github.com/olehkaliuzhnyi/wallet-runtime/pkg/models"
)

func testNetworks() []models.Network {
	return []models.Network{
		{ID: "mainnet", Name: "Ethereum", RPCEndpoint: "https://rpc.example", ChainID: 1, NativeSymbol: "ETH"},
		{ID: "sepolia", Name: "Sepolia", RPCEndpoint: "https://sepolia.example", ChainID: 11155111, NativeSymbol: "ETH"},
	}
}

func newRegistry(t *testing.T) (*Registry, *storage.Store, *events.FeedBus) {
	t.Helper()
	store := storage.NewStore(storage.NewMemoryBackend(), storage.KDFParams{N: 1 << 10, R: 8, P: 1})
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	r := NewRegistry(store, bus)
	if err := r.Load(context.Background(), testNetworks(), "mainnet"); err != nil {
		t.Fatal(err)
	}
	return r, store, bus
}

func TestRegistry_LoadSeedsAndPersists(t *testing.T) {
	r, store, bus := newRegistry(t)
	ctx := context.Background()

	if got := r.Current().ID; got != "mainnet" {
		t.Errorf("current = %s", got)
	}
	if _, err := r.Switch(ctx, "sepolia"); err != nil {
		t.Fatal(err)
	}

	reloaded := NewRegistry(store, bus)
	if err := reloaded.Load(ctx, nil, "mainnet"); err != nil {
		t.Fatal(err)
	}
	if got := reloaded.Current().ID; got != "sepolia" {
		t.Errorf("reloaded current = %s, want sepolia", got)
	}
	if n := len(reloaded.Networks()); n != 2 {
		t.Errorf("reloaded networks = %d", n)
	}
}

func TestRegistry_SwitchPublishesOnlyOnChange(t *testing.T) {
	r, _, bus := newRegistry(t)
	ctx := context.Background()

	got := make(chan models.Network, 4)
	bus.Subscribe(events.NetworkChanged, func(e events.Event) { got <- e.Payload.(models.Network) })

	gen := r.Generation()
	if _, err := r.Switch(ctx, "mainnet"); err != nil {
		t.Fatal(err)
	}
	if r.Generation() != gen {
		t.Error("switching to the current network changed the generation")
	}
	if _, err := r.SwitchByChainID(ctx, 11155111); err != nil {
		t.Fatal(err)
	}

	select {
	case n := <-got:
		if n.ID != "sepolia" {
			t.Errorf("event for %s", n.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no networkChanged event")
	}
	select {
	case n := <-got:
		t.Errorf("unexpected event for %s", n.ID)
	case <-time.After(50 * time.Millisecond):
	}

	if _, err := r.SwitchByChainID(ctx, 999); !errors.Is(err, errs.ErrUnrecognizedChain) {
		t.Errorf("expected UnrecognizedChain, got %v", err)
	}
}

func TestRegistry_AddReplaceRemove(t *testing.T) {
	r, _, _ := newRegistry(t)
	ctx := context.Background()

	polygon := models.Network{ID: "polygon", Name: "Polygon", RPCEndpoint: "https://polygon.example", ChainID: 137, NativeSymbol: "POL"}
	if err := r.Add(ctx, polygon); err != nil {
		t.Fatal(err)
	}

	dupChain := polygon
	dupChain.ID = "polygon-2"
	if err := r.Add(ctx, dupChain); !errors.Is(err, errs.ErrInvalidParams) {
		t.Errorf("duplicate chain id: expected InvalidParams, got %v", err)
	}
	if err := r.Add(ctx, polygon); !errors.Is(err, errs.ErrInvalidParams) {
		t.Errorf("duplicate id: expected InvalidParams, got %v", err)
	}

	polygon.RPCEndpoint = "https://polygon-2.example"
	if err := r.Replace(ctx, polygon); err != nil {
		t.Fatal(err)
	}
	got, err := r.Get("polygon")
	if err != nil {
		t.Fatal(err)
	}
	if got.RPCEndpoint != "https://polygon-2.example" {
		t.Errorf("endpoint = %s", got.RPCEndpoint)
	}

	if err := r.Remove(ctx, "mainnet"); !errors.Is(err, errs.ErrInvalidState) {
		t.Errorf("removing current: expected InvalidState, got %v", err)
	}
	if err := r.Remove(ctx, "polygon"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Get("polygon"); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	base := models.Network{ID: "x", Name: "X", RPCEndpoint: "https://x.example", ChainID: 5, NativeSymbol: "ETH"}
	tests := []struct {
		name   string
		mutate func(*models.Network)
		ok     bool
	}{
		{"valid", func(*models.Network) {}, true},
		{"websocket endpoint", func(n *models.Network) { n.RPCEndpoint = "wss://x.example" }, true},
		{"missing name", func(n *models.Network) { n.Name = " " }, false},
		{"zero chain id", func(n *models.Network) { n.ChainID = 0 }, false},
		{"bad scheme", func(n *models.Network) { n.RPCEndpoint = "ftp://x.example" }, false},
		{"no host", func(n *models.Network) { n.RPCEndpoint = "https://" }, false},
		{"symbol too long", func(n *models.Network) { n.NativeSymbol = "TOOLONG" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := base
			tt.mutate(&n)
			if err := Validate(n); (err == nil) != tt.ok {
				t.Errorf("Validate() = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestTokens_WatchListRemove(t *testing.T) {
	store := storage.NewStore(storage.NewMemoryBackend(), storage.KDFParams{N: 1 << 10, R: 8, P: 1})
	tokens := NewTokens(store)
	ctx := context.Background()

	usdc := models.Token{ContractAddress: "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", Symbol: "USDC", Decimals: 6}
	added, err := tokens.Watch(ctx, "mainnet", usdc)
	if err != nil || !added {
		t.Fatalf("Watch = %v, %v", added, err)
	}

	// same contract with different casing is not added twice
	usdc.ContractAddress = "0xA0B86991C6218B36C1D19D4A2E9EB0CE3606EB48"
	added, err = tokens.Watch(ctx, "mainnet", usdc)
	if err != nil || added {
		t.Errorf("re-watch = %v, %v", added, err)
	}

	list, err := tokens.List(ctx, "mainnet")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("tokens = %d, want 1", len(list))
	}
	if list[0].ContractAddress != "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48" {
		t.Errorf("address not checksummed: %s", list[0].ContractAddress)
	}

	other, err := tokens.List(ctx, "sepolia")
	if err != nil || len(other) != 0 {
		t.Errorf("tokens leak across networks: %v, %v", other, err)
	}

	if err := tokens.Remove(ctx, "mainnet", usdc.ContractAddress); err != nil {
		t.Fatal(err)
	}
	if err := tokens.Remove(ctx, "mainnet", usdc.ContractAddress); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestValidateToken(t *testing.T) {
	tests := []struct {
		name  string
		token models.Token
		ok    bool
	}{
		{"valid", models.Token{ContractAddress: "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", Symbol: "USDC", Decimals: 6}, true},
		{"bad address", models.Token{ContractAddress: "0x1234", Symbol: "USDC"}, false},
		{"zero address", models.Token{ContractAddress: "0x0000000000000000000000000000000000000000", Symbol: "Z"}, false},
		{"empty symbol", models.Token{ContractAddress: "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"}, false},
		{"symbol too long", models.Token{ContractAddress: "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", Symbol: "ABCDEFGHIJKL"}, false},
		{"too many decimals", models.Token{ContractAddress: "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", Symbol: "X", Decimals: 37}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateToken(tt.token); (err == nil) != tt.ok {
				t.Errorf("ValidateToken() = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}
