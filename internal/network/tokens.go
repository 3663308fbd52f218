package network

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/olehkaliuzhnyi/wallet-runtime/internal/errs"
	"github.com/olehkaliuzhnyi/wallet-runtime/internal/storage"
	"github.com/olehkaliuzhnyi/wallet-runtime/pkg/models"
)

// Tokens is the watched ERC-20 list of each network.
type Tokens struct {
	store  *storage.Store
	logger *slog.Logger
}

func NewTokens(store *storage.Store) *Tokens {
	return &Tokens{
		store:  store,
		logger: slog.Default().With("component", "tokens"),
	}
}

// Watch adds token to the network's list. It reports false when the contract is
// already watched, which is not an error.
func (t *Tokens) Watch(ctx context.Context, networkID string, token models.Token) (bool, error) {
	const op = "watch token"
	if err := ValidateToken(token); err != nil {
		return false, errs.Wrap(errs.CodeInvalidParams, op, err)
	}
	token.ContractAddress = common.HexToAddress(token.ContractAddress).Hex()

	added := false
	err := storage.Update(ctx, t.store, storage.TokensKey(networkID), func(cur []models.Token, _ bool) ([]models.Token, error) {
		for _, existing := range cur {
			if models.SameAddress(existing.ContractAddress, token.ContractAddress) {
				return cur, nil
			}
		}
		added = true
		return append(cur, token), nil
	})
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if added {
		t.logger.Info("token watched", "network", networkID, "symbol", token.Symbol, "contract", token.ContractAddress)
	}
	return added, nil
}

// List returns the watched tokens of a network.
func (t *Tokens) List(ctx context.Context, networkID string) ([]models.Token, error) {
	tokens, _, err := storage.Load[[]models.Token](ctx, t.store, storage.TokensKey(networkID))
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	if tokens == nil {
		tokens = []models.Token{}
	}
	return tokens, nil
}

// Remove stops watching the token at address.
func (t *Tokens) Remove(ctx context.Context, networkID, address string) error {
	const op = "remove token"
	return storage.Update(ctx, t.store, storage.TokensKey(networkID), func(cur []models.Token, _ bool) ([]models.Token, error) {
		for i, existing := range cur {
			if models.SameAddress(existing.ContractAddress, address) {
				return append(append([]models.Token(nil), cur[:i]...), cur[i+1:]...), nil
			}
		}
		return nil, errs.Newf(errs.CodeNotFound, op, "token %s is not watched", address)
	})
}

// ValidateToken applies the wallet_watchAsset field rules.
func ValidateToken(token models.Token) error {
	if !common.IsHexAddress(token.ContractAddress) {
		return fmt.Errorf("invalid contract address %q", token.ContractAddress)
	}
	if common.HexToAddress(token.ContractAddress) == (common.Address{}) {
		return fmt.Errorf("contract address cannot be zero")
	}
	if l := len(strings.TrimSpace(token.Symbol)); l == 0 || l > 11 {
		return fmt.Errorf("symbol must be 1-11 characters, got %q", token.Symbol)
	}
	if token.Decimals > 36 {
		return fmt.Errorf("decimals must be at most 36, got %d", token.Decimals)
	}
	return nil
}
