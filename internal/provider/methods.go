package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/olehkaliuzhnyi/wallet-runtime/internal/errs"
	"github.com/olehkaliuzhnyi/wallet-runtime/internal/network"
	"github.com/olehkaliuzhnyi/wallet-runtime/internal/tx"
	"github.com/olehkaliuzhnyi/wallet-runtime/pkg/models"
)

type handler func(ctx context.Context, req Request) (any, error)

func (r *Router) methods() map[string]handler {
	return map[string]handler{
		"eth_accounts":               r.accounts,
		"eth_requestAccounts":        r.requestAccounts,
		"eth_chainId":                r.chainID,
		"net_version":                r.netVersion,
		"eth_sendTransaction":        r.sendTransaction,
		"personal_sign":              r.personalSign,
		"eth_sign":                   r.ethSign,
		"wallet_switchEthereumChain": r.switchChain,
		"wallet_addEthereumChain":    r.addChain,
		"wallet_watchAsset":          r.watchAsset,
		"wallet_getPermissions":      r.getPermissions,
		"wallet_revokePermissions":   r.revokePermissions,
	}
}

// txParams is the eth_sendTransaction object.
type txParams struct {
	From     string          `json:"from"`
	To       string          `json:"to"`
	Value    *hexutil.Big    `json:"value,omitempty"`
	Data     hexutil.Bytes   `json:"data,omitempty"`
	Input    hexutil.Bytes   `json:"input,omitempty"`
	Gas      *hexutil.Uint64 `json:"gas,omitempty"`
	GasPrice *hexutil.Big    `json:"gasPrice,omitempty"`
}

type chainParams struct {
	ChainID string `json:"chainId"`
}

type addChainParams struct {
	ChainID        string   `json:"chainId"`
	ChainName      string   `json:"chainName"`
	RPCURLs        []string `json:"rpcUrls"`
	NativeCurrency struct {
		Name     string `json:"name"`
		Symbol   string `json:"symbol"`
		Decimals uint8  `json:"decimals"`
	} `json:"nativeCurrency"`
	BlockExplorerURLs []string `json:"blockExplorerUrls"`
}

type watchAssetParams struct {
	Type    string `json:"type"`
	Options struct {
		Address  string `json:"address"`
		Symbol   string `json:"symbol"`
		Decimals uint8  `json:"decimals"`
		Image    string `json:"image"`
	} `json:"options"`
}

// Permission is one entry of wallet_getPermissions.
type Permission struct {
	Invoker          string `json:"invoker"`
	ParentCapability string `json:"parentCapability"`
}

func (r *Router) accounts(ctx context.Context, req Request) (any, error) {
	acct, err := r.sessions.Current()
	if err != nil {
		return []string{}, nil
	}
	ok, err := r.permissions.Has(ctx, req.Origin)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []string{}, nil
	}
	return []string{strings.ToLower(acct.Address)}, nil
}

func (r *Router) requestAccounts(ctx context.Context, req Request) (any, error) {
	acct, err := r.requireUnlocked(req.Method)
	if err != nil {
		return nil, err
	}
	ok, err := r.permissions.Has(ctx, req.Origin)
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := r.approvals.Ask(ctx, req.Origin, models.ApprovalConnect, map[string]string{"origin": req.Origin}); err != nil {
			return nil, err
		}
		if err := r.permissions.Grant(ctx, req.Origin); err != nil {
			return nil, err
		}
		r.logger.Info("origin connected", "origin", req.Origin)
	}
	return []string{strings.ToLower(acct.Address)}, nil
}

func (r *Router) chainID(context.Context, Request) (any, error) {
	return hexutil.EncodeUint64(r.networks.Current().ChainID), nil
}

func (r *Router) netVersion(context.Context, Request) (any, error) {
	return strconv.FormatUint(r.networks.Current().ChainID, 10), nil
}

func (r *Router) sendTransaction(ctx context.Context, req Request) (any, error) {
	var params []txParams
	if err := decodeParams(req, &params, 1); err != nil {
		return nil, err
	}
	p := params[0]

	acct, err := r.requireConnected(ctx, req)
	if err != nil {
		return nil, err
	}
	if p.From != "" && !models.SameAddress(p.From, acct.Address) {
		return nil, errs.Newf(errs.CodeUnauthorized, req.Method, "from %s is not the current account", p.From)
	}
	if !common.IsHexAddress(p.To) {
		return nil, errs.Newf(errs.CodeInvalidRecipient, req.Method, "invalid recipient %q", p.To)
	}

	send := tx.SendRequest{
		Kind:   models.AssetNative,
		From:   acct.Address,
		To:     p.To,
		Amount: new(big.Int),
		Data:   p.Data,
	}
	if len(send.Data) == 0 {
		send.Data = p.Input
	}
	if p.Value != nil {
		send.Amount = p.Value.ToInt()
	}
	if p.GasPrice != nil {
		send.GasPrice = p.GasPrice.ToInt()
	}
	if p.Gas != nil {
		send.GasLimit = uint64(*p.Gas)
	}

	if err := r.approvals.Ask(ctx, req.Origin, models.ApprovalTransaction, send); err != nil {
		return nil, err
	}
	if err := r.stillCurrent(req.Method, send.From); err != nil {
		return nil, err
	}
	record, err := r.txs.Send(ctx, send)
	if err != nil {
		return nil, err
	}
	return record.Hash, nil
}

// stillCurrent fails if the session was locked or switched to another account
// while the prompt for address was open.
func (r *Router) stillCurrent(op, address string) error {
	acct, err := r.sessions.Current()
	if err != nil {
		return err
	}
	if !models.SameAddress(acct.Address, address) {
		return errs.Newf(errs.CodeUnauthorized, op, "current account changed from %s while awaiting approval", address)
	}
	return nil
}

// personal_sign takes [data, address].
func (r *Router) personalSign(ctx context.Context, req Request) (any, error) {
	var params []string
	if err := decodeParams(req, &params, 2); err != nil {
		return nil, err
	}
	return r.sign(ctx, req, params[1], params[0])
}

// eth_sign takes [address, data].
func (r *Router) ethSign(ctx context.Context, req Request) (any, error) {
	var params []string
	if err := decodeParams(req, &params, 2); err != nil {
		return nil, err
	}
	return r.sign(ctx, req, params[0], params[1])
}

func (r *Router) sign(ctx context.Context, req Request, address, data string) (any, error) {
	acct, err := r.requireConnected(ctx, req)
	if err != nil {
		return nil, err
	}
	if !models.SameAddress(address, acct.Address) {
		return nil, errs.Newf(errs.CodeUnauthorized, req.Method, "address %s is not the current account", address)
	}
	msg := []byte(data)
	if strings.HasPrefix(data, "0x") {
		if msg, err = hexutil.Decode(data); err != nil {
			return nil, errs.Wrap(errs.CodeInvalidParams, req.Method, err)
		}
	}

	payload := map[string]string{"address": acct.Address, "message": hexutil.Encode(msg)}
	if err := r.approvals.Ask(ctx, req.Origin, models.ApprovalSign, payload); err != nil {
		return nil, err
	}
	if err := r.stillCurrent(req.Method, acct.Address); err != nil {
		return nil, err
	}
	sig, err := r.sessions.SignMessage(acct.Address, msg)
	if err != nil {
		return nil, err
	}
	return hexutil.Encode(sig), nil
}

func (r *Router) switchChain(ctx context.Context, req Request) (any, error) {
	var params []chainParams
	if err := decodeParams(req, &params, 1); err != nil {
		return nil, err
	}
	chainID, err := hexutil.DecodeUint64(params[0].ChainID)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInvalidParams, req.Method, err)
	}
	if _, err := r.requireUnlocked(req.Method); err != nil {
		return nil, err
	}
	if r.networks.Current().ChainID == chainID {
		return nil, nil
	}
	target, err := r.networks.ByChainID(chainID)
	if err != nil {
		return nil, err
	}

	if err := r.approvals.Ask(ctx, req.Origin, models.ApprovalSwitchChain, target); err != nil {
		return nil, err
	}
	if _, err := r.networks.SwitchByChainID(ctx, chainID); err != nil {
		return nil, err
	}
	return nil, nil
}

func (r *Router) addChain(ctx context.Context, req Request) (any, error) {
	var params []addChainParams
	if err := decodeParams(req, &params, 1); err != nil {
		return nil, err
	}
	p := params[0]
	chainID, err := hexutil.DecodeUint64(p.ChainID)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInvalidParams, req.Method, err)
	}
	if len(p.RPCURLs) == 0 {
		return nil, errs.New(errs.CodeInvalidParams, req.Method, "rpcUrls is required")
	}
	n := models.Network{
		ID:           fmt.Sprintf("chain-%d", chainID),
		Name:         p.ChainName,
		RPCEndpoint:  p.RPCURLs[0],
		ChainID:      chainID,
		NativeSymbol: p.NativeCurrency.Symbol,
	}
	if len(p.BlockExplorerURLs) > 0 {
		n.ExplorerURL = p.BlockExplorerURLs[0]
	}
	if err := network.Validate(n); err != nil {
		return nil, errs.Wrap(errs.CodeInvalidParams, req.Method, err)
	}
	if _, err := r.requireUnlocked(req.Method); err != nil {
		return nil, err
	}
	if _, err := r.networks.ByChainID(chainID); err == nil {
		return nil, nil
	}

	if err := r.approvals.Ask(ctx, req.Origin, models.ApprovalAddChain, n); err != nil {
		return nil, err
	}
	if err := r.networks.Add(ctx, n); err != nil {
		return nil, err
	}
	return nil, nil
}

// wallet_watchAsset takes a single object rather than an array.
func (r *Router) watchAsset(ctx context.Context, req Request) (any, error) {
	var p watchAssetParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		var list []watchAssetParams
		if err := decodeParams(req, &list, 1); err != nil {
			return nil, err
		}
		p = list[0]
	}
	if p.Type != "ERC20" {
		return nil, errs.Newf(errs.CodeInvalidParams, req.Method, "asset type %q is not supported", p.Type)
	}
	token := models.Token{
		ContractAddress: p.Options.Address,
		Symbol:          p.Options.Symbol,
		Decimals:        p.Options.Decimals,
		IconRef:         p.Options.Image,
	}
	if err := network.ValidateToken(token); err != nil {
		return nil, errs.Wrap(errs.CodeInvalidParams, req.Method, err)
	}
	if _, err := r.requireUnlocked(req.Method); err != nil {
		return nil, err
	}

	if err := r.approvals.Ask(ctx, req.Origin, models.ApprovalWatchAsset, token); err != nil {
		return nil, err
	}
	if _, err := r.tokens.Watch(ctx, r.networks.Current().ID, token); err != nil {
		return nil, err
	}
	return true, nil
}

func (r *Router) getPermissions(ctx context.Context, req Request) (any, error) {
	ok, err := r.permissions.Has(ctx, req.Origin)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []Permission{}, nil
	}
	return []Permission{{Invoker: req.Origin, ParentCapability: "eth_accounts"}}, nil
}

func (r *Router) revokePermissions(ctx context.Context, req Request) (any, error) {
	if err := r.permissions.Revoke(ctx, req.Origin); err != nil {
		return nil, err
	}
	r.logger.Info("origin disconnected", "origin", req.Origin)
	return nil, nil
}

func (r *Router) requireUnlocked(op string) (models.Account, error) {
	acct, err := r.sessions.Current()
	if err != nil {
		return models.Account{}, errs.Wrap(errs.CodeLocked, op, err)
	}
	return acct, nil
}

// requireConnected checks the session is unlocked and the origin was granted access.
func (r *Router) requireConnected(ctx context.Context, req Request) (models.Account, error) {
	acct, err := r.requireUnlocked(req.Method)
	if err != nil {
		return models.Account{}, err
	}
	ok, err := r.permissions.Has(ctx, req.Origin)
	if err != nil {
		return models.Account{}, err
	}
	if !ok {
		return models.Account{}, errs.Newf(errs.CodeUnauthorized, req.Method, "origin %s has not been granted access", req.Origin)
	}
	return acct, nil
}

// decodeParams unmarshals positional params and checks at least n are present.
func decodeParams[T any](req Request, dst *[]T, n int) error {
	if len(req.Params) == 0 {
		return errs.Newf(errs.CodeInvalidParams, req.Method, "expected %d params", n)
	}
	if err := json.Unmarshal(req.Params, dst); err != nil {
		return errs.Wrap(errs.CodeInvalidParams, req.Method, err)
	}
	if len(*dst) < n {
		return errs.Newf(errs.CodeInvalidParams, req.Method, "expected %d params, got %d", n, len(*dst))
	}
	return nil
}
