package storage

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

// ErrDecrypt is returned for any failure to open a secret: wrong password,
// tampered ciphertext or a malformed envelope all look the same.
var ErrDecrypt = errors.New("storage: unable to decrypt secret")

const (
	envelopeVersion = 1
	kdfScrypt       = "scrypt"
	keyLen          = 32
	saltLen         = 32
	nonceLen        = 12
)

// KDFParams are the scrypt cost parameters.
type KDFParams struct {
	N int
	R int
	P int
}

// DefaultKDF returns N=2^18, r=8, p=1 (~256MB, well under a second on desktop hardware).
func DefaultKDF() KDFParams {
	return KDFParams{N: 1 << 18, R: 8, P: 1}
}

// envelope is the persisted form of one encrypted secret.
type envelope struct {
	Version    int    `json:"version"`
	KDF        string `json:"kdf"`
	N          int    `json:"n"`
	R          int    `json:"r"`
	P          int    `json:"p"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	CipherText string `json:"cipherText"`
}

// Vault holds a password-derived encryption key while the wallet is unlocked.
type Vault struct {
	key    []byte
	salt   []byte
	params KDFParams
}

// Wipe zeroes the derived key. The vault is unusable afterwards.
func (v *Vault) Wipe() {
	if v == nil {
		return
	}
	clear(v.key)
	v.key = nil
}

func deriveVault(password, salt []byte, params KDFParams) (*Vault, error) {
	key, err := scrypt.Key(password, salt, params.N, params.R, params.P, keyLen)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return &Vault{key: key, salt: append([]byte(nil), salt...), params: params}, nil
}

// NewVault derives a vault key for password under a fresh random salt.
func (s *Store) NewVault(password []byte) (*Vault, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return deriveVault(password, salt, s.kdf)
}

// OpenVault reads the secret under key, derives the vault key from password
// with the envelope's own parameters and returns the vault and the plaintext.
// The caller owns both and must wipe them.
func (s *Store) OpenVault(ctx context.Context, key string, password []byte) (*Vault, []byte, error) {
	env, err := s.readEnvelope(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	salt, err := base64.StdEncoding.DecodeString(env.Salt)
	if err != nil {
		return nil, nil, ErrDecrypt
	}
	if env.KDF != kdfScrypt {
		return nil, nil, ErrDecrypt
	}
	v, err := deriveVault(password, salt, KDFParams{N: env.N, R: env.R, P: env.P})
	if err != nil {
		return nil, nil, ErrDecrypt
	}
	plaintext, err := v.open(env)
	if err != nil {
		v.Wipe()
		return nil, nil, err
	}
	return v, plaintext, nil
}

// VerifyPassword reports whether password opens the secret under key.
func (s *Store) VerifyPassword(ctx context.Context, key string, password []byte) bool {
	v, plaintext, err := s.OpenVault(ctx, key, password)
	if err != nil {
		return false
	}
	clear(plaintext)
	v.Wipe()
	return true
}

// SealSecret encrypts plaintext with the vault key and stores it under key.
func (s *Store) SealSecret(ctx context.Context, key string, v *Vault, plaintext []byte) error {
	if v == nil || v.key == nil {
		return errors.New("storage: vault is wiped")
	}
	env, err := v.seal(plaintext)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	unlock := s.locks.lock(key)
	defer unlock()
	if err := s.backend.Put(ctx, key, data); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// OpenSecret decrypts the secret under key with an already derived vault.
// It returns ErrNotFound when the key is absent.
func (s *Store) OpenSecret(ctx context.Context, key string, v *Vault) ([]byte, error) {
	if v == nil || v.key == nil {
		return nil, errors.New("storage: vault is wiped")
	}
	env, err := s.readEnvelope(ctx, key)
	if err != nil {
		return nil, err
	}
	salt, err := base64.StdEncoding.DecodeString(env.Salt)
	if err != nil || !bytes.Equal(salt, v.salt) {
		return nil, ErrDecrypt
	}
	return v.open(env)
}

func (s *Store) readEnvelope(ctx context.Context, key string) (*envelope, error) {
	unlock := s.locks.lock(key)
	data, err := s.backend.Get(ctx, key)
	unlock()
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, ErrDecrypt
	}
	if env.Version != envelopeVersion {
		return nil, ErrDecrypt
	}
	return &env, nil
}

func (v *Vault) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}

func (v *Vault) seal(plaintext []byte) (*envelope, error) {
	gcm, err := v.aead()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)
	return &envelope{
		Version:    envelopeVersion,
		KDF:        kdfScrypt,
		N:          v.params.N,
		R:          v.params.R,
		P:          v.params.P,
		Salt:       base64.StdEncoding.EncodeToString(v.salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		CipherText: base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

func (v *Vault) open(env *envelope) ([]byte, error) {
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil || len(nonce) != nonceLen {
		return nil, ErrDecrypt
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.CipherText)
	if err != nil {
		return nil, ErrDecrypt
	}
	gcm, err := v.aead()
	if err != nil {
		return nil, ErrDecrypt
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
