package vault

import (
	"context"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	xerrors "PoF-Vault/internal/errors"
	"PoF-Vault/internal/events"
	"PoF-Vault/internal/ledger"
	"PoF-Vault/pkg/logger"
)

// Transfer 将记录转给 to。全局不可转让标记开启时拒绝；铸造与销毁不受该标记影响。
func (v *Vault) Transfer(ctx context.Context, caller common.Address, id uint64, to common.Address) (err error) {
	done, err := v.begin(ctx, "transfer")
	if err != nil {
		return err
	}
	defer done(&err)

	if to == (common.Address{}) {
		return xerrors.New(xerrors.CodeInvalidArgument, "接收地址不能为空")
	}
	err = v.store.Update(ctx, func(tx ledger.Tx) error {
		record, err := tx.Record(ctx, id)
		if err != nil {
			return err
		}
		if record.Holder != caller {
			return xerrors.New(CodeNotHolder, "只有持有人可以转让记录", xerrors.WithMetadata("record_id", formatID(id)))
		}
		soulbound, err := tx.Soulbound(ctx)
		if err != nil {
			return err
		}
		if soulbound {
			return xerrors.New(CodeTransferRejected, "当前记录不可转让", xerrors.WithReason(ReasonSoulbound))
		}
		record.Holder = to
		return tx.PutRecord(ctx, record)
	})
	if err != nil {
		return storageError(err, "转让记录失败")
	}

	logger.Audit().Info("资金证明已转让",
		slog.Uint64("record_id", id),
		slog.String("from", caller.Hex()),
		slog.String("to", to.Hex()),
	)
	v.emit(ctx, events.New(events.TypeTransferred, id, map[string]string{
		"from": caller.Hex(),
		"to":   to.Hex(),
	}))
	return nil
}
