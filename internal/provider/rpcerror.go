package provider

import (
	"fmt"

	"github.com/olehkaliuzhnyi/wallet-runtime/internal/errs"
)

// EIP-1193 and JSON-RPC error codes.
const (
	CodeUserRejected        = 4001
	CodeUnauthorized        = 4100
	CodeUnsupportedMethod   = 4200
	CodeDisconnected        = 4900
	CodeUnrecognizedChain   = 4902
	CodeInvalidParams       = -32602
	CodeInternal            = -32603
	CodeServer              = -32000
	CodeRequestPending      = -32002
	CodeResourceUnavailable = -32005
)

// RPCError is the error shape page scripts receive.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ToRPCError maps a wallet error onto its wire code. User rejection and
// transport failure always map to different codes.
func ToRPCError(err error) *RPCError {
	if err == nil {
		return nil
	}
	if r, ok := err.(*RPCError); ok {
		return r
	}
	return &RPCError{Code: rpcCode(errs.CodeOf(err)), Message: err.Error()}
}

func rpcCode(code errs.Code) int {
	switch code {
	case errs.CodeUserRejected:
		return CodeUserRejected
	case errs.CodeLocked, errs.CodeUnauthorized, errs.CodeInvalidCredentials:
		return CodeUnauthorized
	case errs.CodeUnsupportedMethod:
		return CodeUnsupportedMethod
	case errs.CodeUnrecognizedChain:
		return CodeUnrecognizedChain
	case errs.CodeRequestPending:
		return CodeRequestPending
	case errs.CodeInvalidParams, errs.CodeInvalidRecipient, errs.CodeInvalidPrivateKey, errs.CodeInvalidSeed:
		return CodeInvalidParams
	case errs.CodeInsufficientFunds:
		return CodeServer
	case errs.CodeLedgerUnavailable:
		return CodeResourceUnavailable
	}
	return CodeInternal
}
