package wallet

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Keyring is the cryptographic collaborator: mnemonic handling and key derivation.
type Keyring interface {
	// NewMnemonic generates a fresh BIP-39 mnemonic.
	NewMnemonic() (string, error)

	// ValidateMnemonic checks word list membership and checksum.
	ValidateMnemonic(mnemonic string) bool

	// Seed expands a mnemonic into BIP-39 seed bytes. The caller must wipe them.
	Seed(mnemonic string) []byte

	// DeriveFromSeed derives the key at path. Same (seed, path) always yields the same key.
	DeriveFromSeed(seed []byte, path accounts.DerivationPath) (*Key, error)

	// KeyFromHex parses a raw hex private key.
	KeyFromHex(hexKey string) (*Key, error)
}

// Signer signs on behalf of one address without exposing the key.
type Signer interface {
	// Address returns the signing address.
	Address() common.Address

	// SignTx signs tx with EIP-155 replay protection for chainID.
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)

	// SignMessage produces an EIP-191 personal_sign signature.
	SignMessage(msg []byte) ([]byte, error)
}
