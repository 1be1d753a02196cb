package vault

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "PoF-Vault/internal/errors"
	"PoF-Vault/internal/ledger"
)

// Reason 是 Verify 的判定原因码。
type Reason string

const (
	ReasonOK                   Reason = "OK"
	ReasonTokenNotFound        Reason = "TOKEN_NOT_FOUND"
	ReasonRevoked              Reason = "REVOKED"
	ReasonAssetMismatch        Reason = "ASSET_MISMATCH"
	ReasonExpired              Reason = "EXPIRED"
	ReasonInsufficientEscrow   Reason = "INSUFFICIENT_ESCROW"
	ReasonAttesterNotAllowed   Reason = "ATTESTER_NOT_ALLOWED"
	ReasonInsufficientAttested Reason = "INSUFFICIENT_ATTESTED"
)

// Result 是一次校验的结论。
type Result struct {
	Valid  bool   `json:"valid"`
	Reason Reason `json:"reason"`
}

func invalid(reason Reason) Result {
	return Result{Reason: reason}
}

// Verify 按固定顺序检查记录，第一个失败的检查决定原因码。
// 校验失败通过原因码表达，只有账本读取失败时才返回错误。
func (v *Vault) Verify(ctx context.Context, id uint64, requiredAsset common.Address, minAmount *big.Int) (Result, error) {
	unlock := v.readLock(ctx)
	defer unlock()

	if minAmount == nil || minAmount.Sign() < 0 {
		minAmount = new(big.Int)
	}

	var (
		record *ledger.Record
		escrow *big.Int
	)
	err := v.store.View(ctx, func(r ledger.Reader) error {
		var err error
		record, err = r.Record(ctx, id)
		if err != nil {
			return err
		}
		if record.Mode == ledger.ModeEscrow {
			escrow, err = r.Escrow(ctx, id)
		}
		return err
	})
	if xerrors.CodeOf(err) == ledger.CodeRecordNotFound {
		return v.observe(invalid(ReasonTokenNotFound)), nil
	}
	if err != nil {
		return Result{}, storageError(err, "读取校验记录失败")
	}

	return v.observe(v.evaluate(record, escrow, requiredAsset, minAmount)), nil
}

func (v *Vault) evaluate(record *ledger.Record, escrow *big.Int, requiredAsset common.Address, minAmount *big.Int) Result {
	if record.Revoked {
		return invalid(ReasonRevoked)
	}
	if requiredAsset != (common.Address{}) && requiredAsset != record.Asset {
		return invalid(ReasonAssetMismatch)
	}
	if record.HasExpiry() && uint64(v.now().Unix()) > record.Expiry {
		return invalid(ReasonExpired)
	}
	switch record.Mode {
	case ledger.ModeEscrow:
		if escrow == nil || escrow.Cmp(minAmount) < 0 {
			return invalid(ReasonInsufficientEscrow)
		}
	case ledger.ModeAttested:
		if !v.signers.IsAuthorized(record.Signer) {
			return invalid(ReasonAttesterNotAllowed)
		}
		if record.Amount.Cmp(minAmount) < 0 {
			return invalid(ReasonInsufficientAttested)
		}
	}
	return Result{Valid: true, Reason: ReasonOK}
}

func (v *Vault) observe(result Result) Result {
	v.metrics.ObserveVerify(string(result.Reason))
	return result
}
