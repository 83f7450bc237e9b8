package minter

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rpc"
)

// Class groups chain submission failures by how the caller should react.
type Class int

// Failure classes.
const (
	// ClassRejected means the chain refused the transaction; retrying with the same
	// parameters will fail again.
	ClassRejected Class = iota + 1
	// ClassUnconfirmed means the transaction was broadcast but no receipt was observed
	// in time. The caller must poll for the outcome instead of minting again.
	ClassUnconfirmed
	// ClassUnreachable means the node could not be reached. When TxHash is set the
	// transaction may still have been delivered.
	ClassUnreachable
)

func (c Class) String() string {
	switch c {
	case ClassRejected:
		return "rejected"
	case ClassUnconfirmed:
		return "unconfirmed"
	case ClassUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

var (
	ErrRejected       = errors.New("minter: transaction rejected")
	ErrUnconfirmed    = errors.New("minter: transaction unconfirmed")
	ErrUnreachable    = errors.New("minter: node unreachable")
	ErrInvalidAddress = errors.New("minter: invalid address")
	ErrInvalidAmount  = errors.New("minter: invalid amount")
)

// MintError describes a failed mint or burn.
type MintError struct {
	Op     string
	Class  Class
	TxHash string
	Err    error
}

func (e *MintError) Error() string {
	msg := fmt.Sprintf("minter: %s %s", e.Op, e.Class)
	if e.TxHash != "" {
		msg += " tx=" + e.TxHash
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MintError) Unwrap() error { return e.Err }

// Is matches the class sentinels.
func (e *MintError) Is(target error) bool {
	switch target {
	case ErrRejected:
		return e.Class == ClassRejected
	case ErrUnconfirmed:
		return e.Class == ClassUnconfirmed
	case ErrUnreachable:
		return e.Class == ClassUnreachable
	}
	return false
}

// Broadcast reports whether the transaction may have reached the network, in which case
// its outcome must be reconciled rather than assumed failed.
func (e *MintError) Broadcast() bool {
	if e == nil || e.TxHash == "" {
		return false
	}
	return e.Class == ClassUnconfirmed || e.Class == ClassUnreachable
}

// AsMintError extracts a *MintError from err.
func AsMintError(err error) (*MintError, bool) {
	var mintErr *MintError
	if errors.As(err, &mintErr) {
		return mintErr, true
	}
	return nil, false
}

// classify separates errors the node answered with from transport failures. A JSON-RPC
// error response means the node saw and refused the request.
func classify(err error) Class {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return ClassRejected
	}
	return ClassUnreachable
}
