// Package custody moves fungible assets between holders and the vault's
// custody account. Each transfer either completes fully, fails with no
// partial effect, or reports CodeUnconfirmed when it was sent but its outcome
// is still unknown.
package custody

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "PoF-Vault/internal/errors"
)

// Custodian is the transfer primitive consumed by escrow mint and burn.
//
// The vault calls TransferIn and TransferOut while holding its write lock and
// marks ctx as a custody frame. Implementations that call back into the vault
// (token hooks, notifications) must pass that ctx through unchanged: the vault
// rejects a reentrant call only when it sees the frame, and a call made on a
// fresh context blocks on the write lock instead.
//
// An error means the transfer had no effect, except CodeUnconfirmed, which
// means the transfer was broadcast and its outcome is not yet known.
type Custodian interface {
	// TransferIn moves amount of asset from the holder into custody.
	TransferIn(ctx context.Context, from, asset common.Address, amount *big.Int) error
	// TransferOut releases amount of asset from custody to the recipient.
	TransferOut(ctx context.Context, to, asset common.Address, amount *big.Int) error
}

// Direction of a custody transfer.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Transfer describes one custody movement.
type Transfer struct {
	Direction    Direction
	Counterparty common.Address
	Asset        common.Address
	Amount       *big.Int
}

const (
	CodeInsufficientFunds xerrors.Code = "CUSTODY_INSUFFICIENT_FUNDS"
	CodeRejected          xerrors.Code = "CUSTODY_REJECTED"
	CodeChainFailure      xerrors.Code = "CUSTODY_CHAIN_FAILURE"
	// CodeUnconfirmed marks a transfer that was sent but whose receipt did not
	// arrive in time. The error carries the transaction hash as "tx_hash".
	CodeUnconfirmed xerrors.Code = "CUSTODY_UNCONFIRMED"
)

func init() {
	xerrors.Register(CodeInsufficientFunds, xerrors.Attributes{
		Message:  "insufficient balance or allowance for custody transfer",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeRejected, xerrors.Attributes{
		Message:  "custody transfer rejected",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeChainFailure, xerrors.Attributes{
		Message:   "custody chain access failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeUnconfirmed, xerrors.Attributes{
		Message:  "custody transfer sent but not confirmed",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

var errUnconfirmed = xerrors.New(CodeUnconfirmed, "")

// IsUnconfirmed reports whether err, or any error it wraps, is CodeUnconfirmed.
// Such a transfer may still settle, so callers must not undo ledger state
// that assumes it did.
func IsUnconfirmed(err error) bool {
	return errors.Is(err, errUnconfirmed)
}

func validAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "转移金额必须大于 0")
	}
	return nil
}
