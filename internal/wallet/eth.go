package wallet

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"
)

// ErrWiped is returned when a wiped key is asked to sign.
var ErrWiped = errors.New("wallet: key has been wiped")

// DefaultPath returns m/44'/60'/0'/0/{index}.
func DefaultPath(index uint32) accounts.DerivationPath {
	path := make(accounts.DerivationPath, len(accounts.DefaultBaseDerivationPath))
	copy(path, accounts.DefaultBaseDerivationPath)
	path[len(path)-1] = index
	return path
}

// ETHKeyring derives Ethereum accounts using BIP-39 seeds and BIP-32/BIP-44 paths.
type ETHKeyring struct {
	entropyBits int
}

// NewETHKeyring returns a keyring generating 12-word mnemonics.
func NewETHKeyring() *ETHKeyring {
	return &ETHKeyring{entropyBits: 128}
}

func (k *ETHKeyring) NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(k.entropyBits)
	if err != nil {
		return "", fmt.Errorf("generate entropy: %w", err)
	}
	defer clear(entropy)
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("generate mnemonic: %w", err)
	}
	return mnemonic, nil
}

func (k *ETHKeyring) ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(NormalizeMnemonic(mnemonic))
}

func (k *ETHKeyring) Seed(mnemonic string) []byte {
	return bip39.NewSeed(NormalizeMnemonic(mnemonic), "")
}

// DeriveFromSeed walks path from the BIP-32 master key of seed.
func (k *ETHKeyring) DeriveFromSeed(seed []byte, path accounts.DerivationPath) (*Key, error) {
	if len(path) == 0 {
		return nil, errors.New("empty derivation path")
	}
	key, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, fmt.Errorf("master key: %w", err)
	}
	for i, component := range path {
		key, err = key.NewChildKey(component)
		if err != nil {
			return nil, fmt.Errorf("derive component %d of %s: %w", i, path, err)
		}
	}
	raw := common.LeftPadBytes(key.Key, 32)
	defer clear(raw)
	defer clear(key.Key)

	return newKey(raw)
}

// KeyFromHex accepts 64 hex characters with an optional 0x prefix.
func (k *ETHKeyring) KeyFromHex(hexKey string) (*Key, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if len(hexKey) != 64 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d hex characters", len(hexKey))
	}
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("private key is not hex: %w", err)
	}
	defer clear(raw)
	return newKey(raw)
}

// NormalizeMnemonic lowercases and collapses whitespace.
func NormalizeMnemonic(mnemonic string) string {
	return strings.Join(strings.Fields(strings.ToLower(mnemonic)), " ")
}

// Key is an unlocked secp256k1 key. It never leaves the session package
// except behind the Signer interface.
type Key struct {
	address   common.Address
	publicKey string
	priv      *ecdsa.PrivateKey
}

func newKey(raw []byte) (*Key, error) {
	priv, err := crypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid secp256k1 key: %w", err)
	}
	_, pub := btcec.PrivKeyFromBytes(raw)
	return &Key{
		address:   crypto.PubkeyToAddress(priv.PublicKey),
		publicKey: hex.EncodeToString(pub.SerializeCompressed()),
		priv:      priv,
	}, nil
}

func (k *Key) Address() common.Address {
	return k.address
}

// PublicKey returns the compressed public key as hex.
func (k *Key) PublicKey() string {
	return k.publicKey
}

func (k *Key) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if k.priv == nil {
		return nil, ErrWiped
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), k.priv)
}

func (k *Key) SignMessage(msg []byte) ([]byte, error) {
	if k.priv == nil {
		return nil, ErrWiped
	}
	sig, err := crypto.Sign(accounts.TextHash(msg), k.priv)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// Hex exports the raw private key.
func (k *Key) Hex() (string, error) {
	if k.priv == nil {
		return "", ErrWiped
	}
	return hex.EncodeToString(crypto.FromECDSA(k.priv)), nil
}

// Wipe zeroes the private scalar.
func (k *Key) Wipe() {
	if k.priv == nil {
		return
	}
	b := k.priv.D.Bits()
	for i := range b {
		b[i] = 0
	}
	k.priv = nil
}

// RecoverMessageSigner returns the address that produced an EIP-191 signature over msg.
func RecoverMessageSigner(msg, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes", crypto.SignatureLength)
	}
	s := append([]byte(nil), sig...)
	if s[crypto.RecoveryIDOffset] >= 27 {
		s[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(msg), s)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}
