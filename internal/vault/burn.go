package vault

import (
	"context"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"PoF-Vault/internal/custody"
	xerrors "PoF-Vault/internal/errors"
	"PoF-Vault/internal/events"
	"PoF-Vault/internal/ledger"
	"PoF-Vault/pkg/logger"
)

// burnSnapshot 保存销毁前的状态，托管转出失败时据此恢复。
type burnSnapshot struct {
	record      *ledger.Record
	escrow      *big.Int
	key         common.Hash
	keyReleased bool
}

// Burn 销毁 caller 持有的记录。账本删除、托管清零与唯一性键释放先于托管转出提交，
// 转出期间的重入调用只能看到已完成的状态；转出失败时恢复销毁前的状态。
// 转出已发送但未确认时资金可能已经到账，此时保留销毁并发出告警，不做恢复。
func (v *Vault) Burn(ctx context.Context, caller common.Address, id uint64) (err error) {
	done, err := v.begin(ctx, "burn")
	if err != nil {
		return err
	}
	defer done(&err)

	var (
		snap      burnSnapshot
		pendingTx string
	)
	err = v.store.Update(ctx, func(tx ledger.Tx) error {
		record, err := tx.Record(ctx, id)
		if err != nil {
			return err
		}
		if record.Holder != caller {
			return xerrors.New(CodeNotHolder, "只有持有人可以销毁记录", xerrors.WithMetadata("record_id", formatID(id)))
		}
		escrow, err := tx.Escrow(ctx, id)
		if err != nil {
			return err
		}
		snap = burnSnapshot{record: record, escrow: escrow}

		if err := tx.DeleteRecord(ctx, id); err != nil {
			return err
		}
		if err := tx.SetEscrow(ctx, id, nil); err != nil {
			return err
		}
		// 已撤销的记录早已释放唯一性键，键可能已被新记录占用。
		if key, ok := record.UniquenessKey(); ok && !record.Revoked {
			if err := release(ctx, tx, key, true); err != nil {
				return err
			}
			snap.key, snap.keyReleased = key, true
		}
		return nil
	})
	if err != nil {
		return storageError(err, "删除记录失败")
	}

	if snap.record.Mode == ledger.ModeEscrow && snap.escrow.Sign() > 0 {
		err := v.custodian.TransferOut(withCustodyFrame(ctx, "burn"), caller, snap.record.Asset, snap.escrow)
		if custody.IsUnconfirmed(err) {
			pendingTx = v.unconfirmed(ctx, "burn", id, err)
		} else if err != nil {
			transferErr := xerrors.Wrap(CodeCustodyTransferFailed, err, "托管转出失败",
				xerrors.WithReason(string(xerrors.CodeOf(err))))
			if restoreErr := v.restore(ctx, snap); restoreErr != nil {
				return restoreErr
			}
			return transferErr
		}
	}

	logger.Audit().Info("资金证明已销毁",
		slog.Uint64("record_id", id),
		slog.String("holder", caller.Hex()),
		slog.String("mode", string(snap.record.Mode)),
		slog.String("released", snap.escrow.String()),
	)
	attrs := map[string]string{
		"holder":   caller.Hex(),
		"mode":     string(snap.record.Mode),
		"asset":    snap.record.Asset.Hex(),
		"released": snap.escrow.String(),
	}
	if pendingTx != "" {
		attrs["pending_tx"] = pendingTx
	}
	v.emit(ctx, events.New(events.TypeBurned, id, attrs))
	return nil
}

// restore 撤销一次已提交的销毁。持有金库写锁期间没有其他写入，
// 因此被释放的唯一性键仍然空闲。
func (v *Vault) restore(ctx context.Context, snap burnSnapshot) error {
	err := v.store.Update(ctx, func(tx ledger.Tx) error {
		if err := tx.PutRecord(ctx, snap.record); err != nil {
			return err
		}
		if err := tx.SetEscrow(ctx, snap.record.ID, snap.escrow); err != nil {
			return err
		}
		if snap.keyReleased {
			return tx.SetUniqueness(ctx, snap.key, true)
		}
		return nil
	})
	if err != nil {
		wrapped := xerrors.Wrap(xerrors.CodeStorageFailure, err, "托管转出失败后恢复记录失败",
			xerrors.WithSeverity(xerrors.SeverityCritical),
			xerrors.WithMetadata("record_id", formatID(snap.record.ID)),
			xerrors.WithMetadata("escrow", snap.escrow.String()))
		v.log.Error("销毁补偿失败", slog.Any("error", wrapped))
		return wrapped
	}
	logger.Audit().Warn("托管转出失败，已恢复记录", slog.Uint64("record_id", snap.record.ID))
	return nil
}

// unconfirmed 记录一笔已发送但未确认的托管转账。账本保持当前状态，
// 由运维根据交易哈希对账。返回交易哈希，错误未携带时为空。
func (v *Vault) unconfirmed(ctx context.Context, op string, id uint64, err error) string {
	attrs := []any{
		slog.String("operation", op),
		slog.Any("error", err),
	}
	if id != 0 {
		attrs = append(attrs, slog.Uint64("record_id", id))
	}
	var hash string
	if e, ok := xerrors.From(err); ok {
		hash = e.Metadata()["tx_hash"]
		attrs = append(attrs, slog.String("tx_hash", hash))
	}
	logger.Audit().Error("托管转账已发送但未确认，需要人工对账", attrs...)
	v.alert(context.WithoutCancel(ctx), op, err)
	return hash
}
