// Package errs defines the wallet's error taxonomy.
package errs

import (
	"errors"
	"fmt"
	"math/big"
)

// Code classifies an error for callers and for the provider's wire codes.
type Code string

const (
	CodeInvalidCredentials Code = "INVALID_CREDENTIALS"
	CodeInvalidSeed        Code = "INVALID_SEED"
	CodeInvalidRecipient   Code = "INVALID_RECIPIENT"
	CodeInvalidPrivateKey  Code = "INVALID_PRIVATE_KEY"
	CodeInvalidParams      Code = "INVALID_PARAMS"
	CodeLastAccount        Code = "LAST_ACCOUNT"
	CodeDuplicateAccount   Code = "DUPLICATE_ACCOUNT"
	CodeInsufficientFunds  Code = "INSUFFICIENT_FUNDS"
	CodeUserRejected       Code = "USER_REJECTED"
	CodeRequestPending     Code = "REQUEST_PENDING"
	CodeLedgerUnavailable  Code = "LEDGER_UNAVAILABLE"
	CodeUnsupportedMethod  Code = "UNSUPPORTED_METHOD"
	CodeLocked             Code = "WALLET_LOCKED"
	CodeUnauthorized       Code = "UNAUTHORIZED"
	CodeNotFound           Code = "NOT_FOUND"
	CodeInvalidState       Code = "INVALID_STATE"
	CodeUnrecognizedChain  Code = "UNRECOGNIZED_CHAIN"
)

// Error carries a Code, the failing operation and an optional cause.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op == "" && e.Err == nil:
		return string(e.Code)
	case e.Err == nil:
		return fmt.Sprintf("[%s] %s", e.Code, e.Op)
	case e.Op == "":
		return fmt.Sprintf("[%s] %v", e.Code, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %v", e.Code, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrInvalidCredentials = &Error{Code: CodeInvalidCredentials}
	ErrInvalidSeed        = &Error{Code: CodeInvalidSeed}
	ErrInvalidRecipient   = &Error{Code: CodeInvalidRecipient}
	ErrInvalidPrivateKey  = &Error{Code: CodeInvalidPrivateKey}
	ErrInvalidParams      = &Error{Code: CodeInvalidParams}
	ErrLastAccount        = &Error{Code: CodeLastAccount}
	ErrDuplicateAccount   = &Error{Code: CodeDuplicateAccount}
	ErrInsufficientFunds  = &Error{Code: CodeInsufficientFunds}
	ErrUserRejected       = &Error{Code: CodeUserRejected}
	ErrRequestPending     = &Error{Code: CodeRequestPending}
	ErrLedgerUnavailable  = &Error{Code: CodeLedgerUnavailable}
	ErrUnsupportedMethod  = &Error{Code: CodeUnsupportedMethod}
	ErrLocked             = &Error{Code: CodeLocked}
	ErrUnauthorized       = &Error{Code: CodeUnauthorized}
	ErrNotFound           = &Error{Code: CodeNotFound}
	ErrInvalidState       = &Error{Code: CodeInvalidState}
	ErrUnrecognizedChain  = &Error{Code: CodeUnrecognizedChain}
)

// Wrap attaches a code and operation to err. A nil err stays nil.
func Wrap(code Code, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Op: op, Err: err}
}

// New builds a coded error from a message.
func New(code Code, op, msg string) error {
	return &Error{Code: code, Op: op, Err: errors.New(msg)}
}

// Newf is New with formatting.
func Newf(code Code, op, format string, args ...any) error {
	return &Error{Code: code, Op: op, Err: fmt.Errorf(format, args...)}
}

// CodeOf returns the code of the outermost *Error in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// InvalidCredentials never carries the underlying cause: wrong password and
// corrupt data must look the same to callers.
func InvalidCredentials(op string) error {
	return &Error{Code: CodeInvalidCredentials, Op: op, Err: errors.New("unable to unlock wallet")}
}

// InsufficientFunds reports the amount needed, what is available and the shortfall.
func InsufficientFunds(op string, need, have *big.Int) error {
	short := new(big.Int).Sub(need, have)
	return &Error{
		Code: CodeInsufficientFunds,
		Op:   op,
		Err:  fmt.Errorf("insufficient funds: need %s, available %s, shortfall %s", need, have, short),
	}
}
