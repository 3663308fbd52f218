package wallet

import (
	"encoding/hex"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func testSeed(t *testing.T) []byte {
	t.Helper()
	return NewETHKeyring().Seed(testMnemonic)
}

func TestETHKeyring_KnownVector(t *testing.T) {
	kr := NewETHKeyring()
	key, err := kr.DeriveFromSeed(testSeed(t), DefaultPath(0))
	if err != nil {
		t.Fatal(err)
	}
	want := common.HexToAddress("0x9858EfFD232B4033E47d90003D41EC34EcaEda94")
	if key.Address() != want {
		t.Errorf("address = %s, want %s", key.Address().Hex(), want.Hex())
	}
}

func TestETHKeyring_Deterministic(t *testing.T) {
	kr := NewETHKeyring()
	seed := testSeed(t)

	for i := uint32(0); i < 3; i++ {
		k1, err := kr.DeriveFromSeed(seed, DefaultPath(i))
		if err != nil {
			t.Fatal(err)
		}
		k2, err := kr.DeriveFromSeed(seed, DefaultPath(i))
		if err != nil {
			t.Fatal(err)
		}
		if k1.Address() != k2.Address() {
			t.Errorf("index %d: same seed+path produced %s and %s", i, k1.Address().Hex(), k2.Address().Hex())
		}
		if k1.PublicKey() != k2.PublicKey() {
			t.Errorf("index %d: public keys differ", i)
		}
	}
}

func TestETHKeyring_DifferentIndices(t *testing.T) {
	kr := NewETHKeyring()
	seed := testSeed(t)

	k0, err := kr.DeriveFromSeed(seed, DefaultPath(0))
	if err != nil {
		t.Fatal(err)
	}
	k1, err := kr.DeriveFromSeed(seed, DefaultPath(1))
	if err != nil {
		t.Fatal(err)
	}
	if k0.Address() == k1.Address() {
		t.Error("different indices produced the same address")
	}
}

func TestETHKeyring_Mnemonic(t *testing.T) {
	kr := NewETHKeyring()

	m, err := kr.NewMnemonic()
	if err != nil {
		t.Fatal(err)
	}
	if n := len(strings.Fields(m)); n != 12 {
		t.Errorf("expected 12 words, got %d", n)
	}
	if !kr.ValidateMnemonic(m) {
		t.Error("generated mnemonic failed validation")
	}

	tests := []struct {
		name     string
		mnemonic string
		valid    bool
	}{
		{"canonical", testMnemonic, true},
		{"extra whitespace and case", "  Abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon ABOUT ", true},
		{"bad checksum", "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon", false},
		{"unknown word", "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon walletx", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := kr.ValidateMnemonic(tt.mnemonic); got != tt.valid {
				t.Errorf("ValidateMnemonic = %v, want %v", got, tt.valid)
			}
		})
	}
}

func TestETHKeyring_KeyFromHex(t *testing.T) {
	kr := NewETHKeyring()
	derived, err := kr.DeriveFromSeed(testSeed(t), DefaultPath(0))
	if err != nil {
		t.Fatal(err)
	}
	exported, err := derived.Hex()
	if err != nil {
		t.Fatal(err)
	}

	imported, err := kr.KeyFromHex("0x" + exported)
	if err != nil {
		t.Fatal(err)
	}
	if imported.Address() != derived.Address() {
		t.Errorf("round trip address mismatch: %s vs %s", imported.Address().Hex(), derived.Address().Hex())
	}

	for _, bad := range []string{"", "0x1234", strings.Repeat("zz", 32), strings.Repeat("00", 32)} {
		if _, err := kr.KeyFromHex(bad); err == nil {
			t.Errorf("KeyFromHex(%q) should fail", bad)
		}
	}
}

func TestKey_SignMessageRecovers(t *testing.T) {
	key, err := NewETHKeyring().DeriveFromSeed(testSeed(t), DefaultPath(0))
	if err != nil {
		t.Fatal(err)
	}
	msg := []byte("hello dapp")
	sig, err := key.SignMessage(msg)
	if err != nil {
		t.Fatal(err)
	}
	if len(sig) != 65 {
		t.Fatalf("signature should be 65 bytes, got %d", len(sig))
	}
	if v := sig[64]; v != 27 && v != 28 {
		t.Errorf("V should be 27 or 28, got %d", v)
	}
	signer, err := RecoverMessageSigner(msg, sig)
	if err != nil {
		t.Fatal(err)
	}
	if signer != key.Address() {
		t.Errorf("recovered %s, want %s", signer.Hex(), key.Address().Hex())
	}
}

func TestKey_SignTx(t *testing.T) {
	key, err := NewETHKeyring().DeriveFromSeed(testSeed(t), DefaultPath(0))
	if err != nil {
		t.Fatal(err)
	}
	to := common.HexToAddress("0x000000000000000000000000000000000000dEaD")
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    0,
		GasPrice: big.NewInt(10),
		Gas:      21000,
		To:       &to,
		Value:    big.NewInt(1),
	})
	chainID := big.NewInt(1)
	signed, err := key.SignTx(tx, chainID)
	if err != nil {
		t.Fatal(err)
	}
	from, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	if err != nil {
		t.Fatal(err)
	}
	if from != key.Address() {
		t.Errorf("sender = %s, want %s", from.Hex(), key.Address().Hex())
	}
}

func TestKey_Wipe(t *testing.T) {
	key, err := NewETHKeyring().DeriveFromSeed(testSeed(t), DefaultPath(0))
	if err != nil {
		t.Fatal(err)
	}
	key.Wipe()
	key.Wipe() // idempotent

	if _, err := key.SignMessage([]byte("x")); err != ErrWiped {
		t.Errorf("expected ErrWiped, got %v", err)
	}
	if _, err := key.Hex(); err != ErrWiped {
		t.Errorf("expected ErrWiped, got %v", err)
	}
}

func TestKey_PublicKeyFormat(t *testing.T) {
	key, err := NewETHKeyring().DeriveFromSeed(testSeed(t), DefaultPath(0))
	if err != nil {
		t.Fatal(err)
	}
	pub, err := hex.DecodeString(key.PublicKey())
	if err != nil {
		t.Fatalf("public key is not hex: %s", key.PublicKey())
	}
	if len(pub) != 33 {
		t.Errorf("compressed public key should be 33 bytes, got %d", len(pub))
	}
	if pub[0] != 0x02 && pub[0] != 0x03 {
		t.Errorf("compressed public key should start with 0x02 or 0x03, got 0x%02x", pub[0])
	}
}
