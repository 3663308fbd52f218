package provider

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/olehkaliuzhnyi/wallet-runtime/internal/errs"
	"github.com/olehkaliuzhnyi/wallet-runtime/internal/events"
	"github.com/olehkaliuzhnyi/wallet-runtime/internal/network"
	"github.com/olehkaliuzhnyi/wallet-runtime/internal/session"
	"github.com/olehkaliuzhnyi/wallet-runtime/internal/storage"
	"github.com/olehkaliuzhnyi/wallet-runtime/internal/tx"
	"github.com/olehkaliuzhnyi/wallet-runtime/internal/wallet"
	"github.com/olehkaliuzhnyi/wallet-runtime/pkg/models"
)

const (
	testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
	testAccount  = "0x9858effd232b4033e47d90003d41ec34ecaeda94"
	dapp         = "https://dapp.example"
	usdc         = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
)

type stubSender struct {
	mu   sync.Mutex
	sent []tx.SendRequest
}

func (s *stubSender) Send(_ context.Context, req tx.SendRequest) (*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, req)
	return &models.Transaction{Hash: "0xabc", Status: models.TxPending}, nil
}

func (s *stubSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type fixture struct {
	router  *Router
	session *session.Manager
	nets    *network.Registry
	tokens  *network.Tokens
	sender  *stubSender
	bus     *events.FeedBus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	store := storage.NewStore(storage.NewMemoryBackend(), storage.KDFParams{N: 1 << 10, R: 8, P: 1})
	bus := events.NewBus()
	t.Cleanup(bus.Close)

	sess := session.NewManager(store, wallet.NewETHKeyring(), bus, session.Options{MinPasswordLength: 8})
	if _, _, err := sess.Create(ctx, []byte("password123"), testMnemonic); err != nil {
		t.Fatal(err)
	}

	nets := network.NewRegistry(store, bus)
	defaults := []models.Network{
		{ID: "mainnet", Name: "Ethereum", RPCEndpoint: "https://rpc.example", ChainID: 1, NativeSymbol: "ETH"},
		{ID: "sepolia", Name: "Sepolia", RPCEndpoint: "https://sepolia.example", ChainID: 11155111, NativeSymbol: "ETH"},
	}
	if err := nets.Load(ctx, defaults, "mainnet"); err != nil {
		t.Fatal(err)
	}

	tokens := network.NewTokens(store)
	sender := &stubSender{}
	r := NewRouter(store, sess, sender, nets, tokens, bus)
	t.Cleanup(r.Close)
	return &fixture{router: r, session: sess, nets: nets, tokens: tokens, sender: sender, bus: bus}
}

func (f *fixture) grant(t *testing.T) {
	t.Helper()
	if err := f.router.Permissions().Grant(context.Background(), dapp); err != nil {
		t.Fatal(err)
	}
}

func params(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

type result struct {
	value any
	err   error
}

// call runs a request in the background so the test can resolve its approval.
func (f *fixture) call(method string, p json.RawMessage) <-chan result {
	out := make(chan result, 1)
	go func() {
		v, err := f.router.Request(context.Background(), Request{Origin: dapp, Method: method, Params: p})
		out <- result{v, err}
	}()
	return out
}

func (f *fixture) awaitApproval(t *testing.T) models.ApprovalRequest {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if list := f.router.Approvals().List(); len(list) > 0 {
			if len(list) != 1 {
				t.Fatalf("expected exactly one approval, got %d", len(list))
			}
			return list[0]
		}
		select {
		case <-deadline:
			t.Fatal("no approval request raised")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func waitResult(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for request")
		return result{}
	}
}

func TestRequest_GatedMethodsRejectWhileLockedBeforePrompt(t *testing.T) {
	f := newFixture(t)
	f.grant(t)
	f.session.Lock()

	var prompts int
	var mu sync.Mutex
	f.bus.Subscribe(events.ApprovalRequested, func(events.Event) {
		mu.Lock()
		prompts++
		mu.Unlock()
	})

	tests := []struct {
		method string
		params any
	}{
		{"eth_requestAccounts", nil},
		{"eth_sendTransaction", []map[string]string{{"from": testAccount, "to": "0x000000000000000000000000000000000000dEaD", "value": "0x1"}}},
		{"personal_sign", []string{"0x68656c6c6f", testAccount}},
		{"eth_sign", []string{testAccount, "0x68656c6c6f"}},
		{"wallet_switchEthereumChain", []map[string]string{{"chainId": "0xaa36a7"}}},
		{"wallet_addEthereumChain", []map[string]any{{
			"chainId": "0x89", "chainName": "Polygon", "rpcUrls": []string{"https://polygon.example"},
			"nativeCurrency": map[string]any{"name": "POL", "symbol": "POL", "decimals": 18},
		}}},
		{"wallet_watchAsset", map[string]any{"type": "ERC20", "options": map[string]any{"address": usdc, "symbol": "USDC", "decimals": 6}}},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			var p json.RawMessage
			if tt.params != nil {
				p = params(t, tt.params)
			}
			_, err := f.router.Request(context.Background(), Request{Origin: dapp, Method: tt.method, Params: p})
			if !errors.Is(err, errs.ErrLocked) {
				t.Fatalf("expected Locked, got %v", err)
			}
			if code := ToRPCError(err).Code; code != CodeUnauthorized {
				t.Errorf("rpc code = %d, want %d", code, CodeUnauthorized)
			}
			if n := len(f.router.Approvals().List()); n != 0 {
				t.Errorf("%d approvals created", n)
			}
		})
	}

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if prompts != 0 {
		t.Errorf("approvalRequested published %d times", prompts)
	}
}

func TestRequest_LockedReadsReturnEmpty(t *testing.T) {
	f := newFixture(t)
	f.grant(t)
	ctx := context.Background()

	got, err := f.router.Request(ctx, Request{Origin: dapp, Method: "eth_accounts"})
	if err != nil {
		t.Fatal(err)
	}
	if accts := got.([]string); len(accts) != 1 || accts[0] != testAccount {
		t.Errorf("unlocked accounts = %v", accts)
	}

	f.session.Lock()
	got, err = f.router.Request(ctx, Request{Origin: dapp, Method: "eth_accounts"})
	if err != nil {
		t.Fatal(err)
	}
	if accts := got.([]string); len(accts) != 0 {
		t.Errorf("locked accounts = %v", accts)
	}

	chain, err := f.router.Request(ctx, Request{Origin: dapp, Method: "eth_chainId"})
	if err != nil || chain != "0x1" {
		t.Errorf("eth_chainId = %v, %v", chain, err)
	}
	version, err := f.router.Request(ctx, Request{Origin: dapp, Method: "net_version"})
	if err != nil || version != "1" {
		t.Errorf("net_version = %v, %v", version, err)
	}
}

func TestRequestAccounts_ApprovalResolvesExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if got, _ := f.router.Request(ctx, Request{Origin: dapp, Method: "eth_accounts"}); len(got.([]string)) != 0 {
		t.Fatalf("unpermitted origin sees accounts: %v", got)
	}

	done := f.call("eth_requestAccounts", nil)
	req := f.awaitApproval(t)
	if req.Kind != models.ApprovalConnect || req.Origin != dapp {
		t.Errorf("approval = %+v", req)
	}

	if !f.router.Approvals().Approve(req.ID) {
		t.Fatal("first Approve returned false")
	}
	if f.router.Approvals().Approve(req.ID) {
		t.Error("second Approve should be a no-op")
	}
	if f.router.Approvals().Reject(req.ID) {
		t.Error("Reject after Approve should be a no-op")
	}

	r := waitResult(t, done)
	if r.err != nil {
		t.Fatal(r.err)
	}
	if accts := r.value.([]string); len(accts) != 1 || accts[0] != testAccount {
		t.Errorf("accounts = %v", accts)
	}

	// permission is remembered, so no second prompt
	got, err := f.router.Request(ctx, Request{Origin: dapp, Method: "eth_requestAccounts"})
	if err != nil || len(got.([]string)) != 1 {
		t.Errorf("second request = %v, %v", got, err)
	}
	if n := len(f.router.Approvals().List()); n != 0 {
		t.Errorf("%d approvals left", n)
	}
}

func TestRequest_RejectionIsUserRejected(t *testing.T) {
	f := newFixture(t)
	f.grant(t)

	done := f.call("eth_sendTransaction", params(t, []map[string]string{{
		"from": testAccount, "to": "0x000000000000000000000000000000000000dEaD", "value": "0xde0b6b3a7640000",
	}}))
	req := f.awaitApproval(t)
	f.router.Approvals().Reject(req.ID)

	r := waitResult(t, done)
	if !errors.Is(r.err, errs.ErrUserRejected) {
		t.Fatalf("expected UserRejected, got %v", r.err)
	}
	if code := ToRPCError(r.err).Code; code != CodeUserRejected {
		t.Errorf("rpc code = %d", code)
	}
	if n := f.sender.count(); n != 0 {
		t.Errorf("rejected transaction was sent %d times", n)
	}
}

func TestRequest_ConcurrentCallIsRequestPending(t *testing.T) {
	f := newFixture(t)

	done := f.call("eth_requestAccounts", nil)
	req := f.awaitApproval(t)

	_, err := f.router.Request(context.Background(), Request{Origin: dapp, Method: "eth_chainId"})
	if !errors.Is(err, errs.ErrRequestPending) {
		t.Errorf("expected RequestPending, got %v", err)
	}
	if code := ToRPCError(err).Code; code != CodeRequestPending {
		t.Errorf("rpc code = %d", code)
	}

	f.router.Approvals().Reject(req.ID)
	waitResult(t, done)

	if _, err := f.router.Request(context.Background(), Request{Origin: dapp, Method: "eth_chainId"}); err != nil {
		t.Errorf("router still busy: %v", err)
	}
}

func TestSendTransaction(t *testing.T) {
	f := newFixture(t)
	f.grant(t)

	done := f.call("eth_sendTransaction", params(t, []map[string]string{{
		"from": testAccount, "to": "0x000000000000000000000000000000000000dEaD",
		"value": "0xde0b6b3a7640000", "gas": "0x5208", "data": "0x",
	}}))
	req := f.awaitApproval(t)
	if req.Kind != models.ApprovalTransaction {
		t.Errorf("kind = %s", req.Kind)
	}
	f.router.Approvals().Approve(req.ID)

	r := waitResult(t, done)
	if r.err != nil {
		t.Fatal(r.err)
	}
	if r.value != "0xabc" {
		t.Errorf("hash = %v", r.value)
	}
	sent := f.sender.sent[0]
	want, _ := new(big.Int).SetString("1000000000000000000", 10)
	if sent.Amount.Cmp(want) != 0 || sent.GasLimit != 21000 || sent.Kind != models.AssetNative {
		t.Errorf("sent = %+v", sent)
	}
}

func TestSendTransaction_ChecksBeforePrompt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		granted bool
		from    string
		to      string
		want    error
	}{
		{"origin not connected", false, testAccount, "0x000000000000000000000000000000000000dEaD", errs.ErrUnauthorized},
		{"from is not current", true, "0x000000000000000000000000000000000000bEEF", "0x000000000000000000000000000000000000dEaD", errs.ErrUnauthorized},
		{"bad recipient", true, testAccount, "0x1234", errs.ErrInvalidRecipient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.granted {
				f.grant(t)
			}
			p := params(t, []map[string]string{{"from": tt.from, "to": tt.to}})
			_, err := f.router.Request(ctx, Request{Origin: dapp, Method: "eth_sendTransaction", Params: p})
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
			if n := len(f.router.Approvals().List()); n != 0 {
				t.Errorf("%d approvals created", n)
			}
		})
	}
}

func TestGatedMethods_AccountSwitchDuringPromptRejects(t *testing.T) {
	tests := []struct {
		method string
		params any
	}{
		{"eth_sendTransaction", []map[string]string{{"from": testAccount, "to": "0x000000000000000000000000000000000000dEaD"}}},
		{"personal_sign", []string{hexutil.Encode([]byte("hello")), testAccount}},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			f := newFixture(t)
			f.grant(t)
			ctx := context.Background()
			if _, err := f.session.DeriveAccount(ctx, "second"); err != nil {
				t.Fatal(err)
			}
			if _, err := f.session.SwitchAccount(ctx, 0); err != nil {
				t.Fatal(err)
			}

			done := f.call(tt.method, params(t, tt.params))
			req := f.awaitApproval(t)
			if _, err := f.session.SwitchAccount(ctx, 1); err != nil {
				t.Fatal(err)
			}
			f.router.Approvals().Approve(req.ID)

			r := waitResult(t, done)
			if !errors.Is(r.err, errs.ErrUnauthorized) {
				t.Errorf("expected Unauthorized, got %v %v", r.value, r.err)
			}
			if n := f.sender.count(); n != 0 {
				t.Errorf("%d transactions sent", n)
			}
		})
	}
}

func TestPersonalSign(t *testing.T) {
	f := newFixture(t)
	f.grant(t)
	msg := []byte("hello")

	done := f.call("personal_sign", params(t, []string{hexutil.Encode(msg), testAccount}))
	f.router.Approvals().Approve(f.awaitApproval(t).ID)

	r := waitResult(t, done)
	if r.err != nil {
		t.Fatal(r.err)
	}
	sig, err := hexutil.Decode(r.value.(string))
	if err != nil {
		t.Fatal(err)
	}
	signer, err := wallet.RecoverMessageSigner(msg, sig)
	if err != nil {
		t.Fatal(err)
	}
	if !models.SameAddress(signer.Hex(), testAccount) {
		t.Errorf("recovered %s", signer.Hex())
	}
}

func TestSwitchChain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.router.Request(ctx, Request{Origin: dapp, Method: "wallet_switchEthereumChain", Params: params(t, []map[string]string{{"chainId": "0x2a"}})})
	if !errors.Is(err, errs.ErrUnrecognizedChain) || ToRPCError(err).Code != CodeUnrecognizedChain {
		t.Errorf("unknown chain: %v", err)
	}

	res, err := f.router.Request(ctx, Request{Origin: dapp, Method: "wallet_switchEthereumChain", Params: params(t, []map[string]string{{"chainId": "0x1"}})})
	if err != nil || res != nil {
		t.Errorf("same chain = %v, %v", res, err)
	}
	if n := len(f.router.Approvals().List()); n != 0 {
		t.Fatalf("%d approvals created without a change", n)
	}

	done := f.call("wallet_switchEthereumChain", params(t, []map[string]string{{"chainId": "0xaa36a7"}}))
	f.router.Approvals().Approve(f.awaitApproval(t).ID)
	if r := waitResult(t, done); r.err != nil {
		t.Fatal(r.err)
	}
	if got := f.nets.Current().ID; got != "sepolia" {
		t.Errorf("current = %s", got)
	}
}

func TestAddChain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.router.Request(ctx, Request{Origin: dapp, Method: "wallet_addEthereumChain", Params: params(t, []map[string]any{{
		"chainId": "0x89", "chainName": "Polygon",
	}})})
	if !errors.Is(err, errs.ErrInvalidParams) {
		t.Errorf("missing rpcUrls: %v", err)
	}
	if n := len(f.router.Approvals().List()); n != 0 {
		t.Fatalf("%d approvals created for invalid params", n)
	}

	done := f.call("wallet_addEthereumChain", params(t, []map[string]any{{
		"chainId": "0x89", "chainName": "Polygon", "rpcUrls": []string{"https://polygon.example"},
		"nativeCurrency": map[string]any{"name": "POL", "symbol": "POL", "decimals": 18},
	}}))
	req := f.awaitApproval(t)
	if req.Kind != models.ApprovalAddChain {
		t.Errorf("kind = %s", req.Kind)
	}
	f.router.Approvals().Approve(req.ID)
	if r := waitResult(t, done); r.err != nil {
		t.Fatal(r.err)
	}
	n, err := f.nets.ByChainID(137)
	if err != nil || n.ID != "chain-137" || n.NativeSymbol != "POL" {
		t.Errorf("added network = %+v, %v", n, err)
	}
}

func TestWatchAsset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.router.Request(ctx, Request{Origin: dapp, Method: "wallet_watchAsset", Params: params(t, map[string]any{
		"type": "ERC721", "options": map[string]any{"address": usdc, "symbol": "USDC", "decimals": 6},
	})})
	if !errors.Is(err, errs.ErrInvalidParams) {
		t.Errorf("ERC721: %v", err)
	}

	done := f.call("wallet_watchAsset", params(t, map[string]any{
		"type": "ERC20", "options": map[string]any{"address": usdc, "symbol": "USDC", "decimals": 6},
	}))
	f.router.Approvals().Approve(f.awaitApproval(t).ID)
	if r := waitResult(t, done); r.err != nil || r.value != true {
		t.Fatalf("watchAsset = %v, %v", r.value, r.err)
	}
	list, _ := f.tokens.List(ctx, "mainnet")
	if len(list) != 1 || list[0].Symbol != "USDC" {
		t.Errorf("tokens = %+v", list)
	}
}

func TestPermissions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grant(t)

	got, err := f.router.Request(ctx, Request{Origin: dapp, Method: "wallet_getPermissions"})
	if err != nil {
		t.Fatal(err)
	}
	if perms := got.([]Permission); len(perms) != 1 || perms[0].ParentCapability != "eth_accounts" {
		t.Errorf("permissions = %+v", perms)
	}

	if _, err := f.router.Request(ctx, Request{Origin: dapp, Method: "wallet_revokePermissions"}); err != nil {
		t.Fatal(err)
	}
	got, _ = f.router.Request(ctx, Request{Origin: dapp, Method: "eth_accounts"})
	if accts := got.([]string); len(accts) != 0 {
		t.Errorf("revoked origin sees %v", accts)
	}
}

func TestRequest_UnsupportedMethod(t *testing.T) {
	f := newFixture(t)
	_, err := f.router.Request(context.Background(), Request{Origin: dapp, Method: "eth_signTypedData_v4"})
	if !errors.Is(err, errs.ErrUnsupportedMethod) || ToRPCError(err).Code != CodeUnsupportedMethod {
		t.Errorf("expected UnsupportedMethod, got %v", err)
	}
}

func TestChainChanged_OnlyOnRealChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.router.Start()

	changes := make(chan string, 8)
	if _, err := f.router.On(events.ChainChanged, func(e events.Event) { changes <- e.Payload.(string) }); err != nil {
		t.Fatal(err)
	}

	// new endpoint, same chain id
	moved := models.Network{ID: "mainnet", Name: "Ethereum", RPCEndpoint: "https://other-rpc.example", ChainID: 1, NativeSymbol: "ETH"}
	if err := f.nets.Replace(ctx, moved); err != nil {
		t.Fatal(err)
	}
	if _, err := f.nets.Switch(ctx, "sepolia"); err != nil {
		t.Fatal(err)
	}

	select {
	case id := <-changes:
		if id != "0xaa36a7" {
			t.Errorf("chainChanged = %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no chainChanged")
	}
	select {
	case id := <-changes:
		t.Errorf("unexpected chainChanged %s", id)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLock_EmitsDisconnectAndAccountsChanged(t *testing.T) {
	f := newFixture(t)
	f.router.Start()

	disconnects := make(chan struct{}, 4)
	accounts := make(chan []string, 4)
	if _, err := f.router.On(events.Disconnect, func(events.Event) { disconnects <- struct{}{} }); err != nil {
		t.Fatal(err)
	}
	id, err := f.router.On(events.AccountsChanged, func(e events.Event) { accounts <- e.Payload.([]string) })
	if err != nil {
		t.Fatal(err)
	}

	f.session.Lock()

	select {
	case <-disconnects:
	case <-time.After(2 * time.Second):
		t.Fatal("no disconnect")
	}
	select {
	case got := <-accounts:
		if len(got) != 0 {
			t.Errorf("accountsChanged = %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no accountsChanged")
	}

	if !f.router.Off(id) {
		t.Error("Off returned false for a live listener")
	}
	if f.router.Off(id) {
		t.Error("second Off should report false")
	}
}

func TestOn_RejectsInternalTopics(t *testing.T) {
	f := newFixture(t)
	if _, err := f.router.On(events.TransactionUpdated, func(events.Event) {}); !errors.Is(err, errs.ErrUnauthorized) {
		t.Errorf("expected Unauthorized, got %v", err)
	}
}

func TestApprovals_ContextCancelRejects(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	a := NewApprovals(bus)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Ask(ctx, dapp, models.ApprovalSign, nil) }()

	deadline := time.After(2 * time.Second)
	for len(a.List()) == 0 {
		select {
		case <-deadline:
			t.Fatal("request not raised")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, errs.ErrUserRejected) {
			t.Errorf("expected UserRejected, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Ask did not return")
	}
	if n := len(a.List()); n != 0 {
		t.Errorf("%d approvals left after cancel", n)
	}
}

func TestToRPCError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{errs.New(errs.CodeUserRejected, "op", "no"), CodeUserRejected},
		{errs.New(errs.CodeLedgerUnavailable, "op", "timeout"), CodeResourceUnavailable},
		{errs.New(errs.CodeLocked, "op", "locked"), CodeUnauthorized},
		{errs.New(errs.CodeInvalidRecipient, "op", "bad"), CodeInvalidParams},
		{errs.New(errs.CodeInsufficientFunds, "op", "poor"), CodeServer},
		{errors.New("boom"), CodeInternal},
	}
	for _, tt := range tests {
		if got := ToRPCError(tt.err).Code; got != tt.want {
			t.Errorf("%v: code = %d, want %d", tt.err, got, tt.want)
		}
	}
	if ToRPCError(nil) != nil {
		t.Error("nil error should map to nil")
	}
}
