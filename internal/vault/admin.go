package vault

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	xerrors "PoF-Vault/internal/errors"
	"PoF-Vault/internal/events"
	"PoF-Vault/internal/ledger"
	"PoF-Vault/pkg/logger"
)

func formatID(id uint64) string {
	return strconv.FormatUint(id, 10)
}

// SetRevoked 设置记录的撤销标记，仅管理员可调用。撤销时立即释放唯一性键；
// 取消撤销时需要重新占用该键，键已被其他记录占用则失败。重复设置相同的值不产生变化。
func (v *Vault) SetRevoked(ctx context.Context, caller common.Address, id uint64, revoked bool) (err error) {
	done, err := v.begin(ctx, "set_revoked")
	if err != nil {
		return err
	}
	defer done(&err)

	changed := false
	err = v.store.Update(ctx, func(tx ledger.Tx) error {
		if err := requireOwner(ctx, tx, caller); err != nil {
			return err
		}
		record, err := tx.Record(ctx, id)
		if err != nil {
			return err
		}
		if record.Revoked == revoked {
			return nil
		}
		key, hasKey := record.UniquenessKey()
		if revoked {
			if err := release(ctx, tx, key, hasKey); err != nil {
				return err
			}
		} else if err := reserve(ctx, tx, key, hasKey); err != nil {
			return err
		}
		record.Revoked = revoked
		changed = true
		return tx.PutRecord(ctx, record)
	})
	if err != nil {
		return storageError(err, "更新撤销标记失败")
	}
	if !changed {
		return nil
	}

	logger.Audit().Info("资金证明撤销状态变更",
		slog.Uint64("record_id", id),
		slog.Bool("revoked", revoked),
		slog.String("caller", caller.Hex()),
	)
	v.emit(ctx, events.New(events.TypeRevoked, id, map[string]string{
		"revoked": strconv.FormatBool(revoked),
	}))
	return nil
}

// SetSoulbound 切换全局不可转让标记，仅管理员可调用。
func (v *Vault) SetSoulbound(ctx context.Context, caller common.Address, soulbound bool) (err error) {
	done, err := v.begin(ctx, "set_soulbound")
	if err != nil {
		return err
	}
	defer done(&err)

	err = v.store.Update(ctx, func(tx ledger.Tx) error {
		if err := requireOwner(ctx, tx, caller); err != nil {
			return err
		}
		return tx.SetSoulbound(ctx, soulbound)
	})
	if err != nil {
		return storageError(err, "更新不可转让标记失败")
	}

	logger.Audit().Info("不可转让标记变更", slog.Bool("soulbound", soulbound), slog.String("caller", caller.Hex()))
	v.emit(ctx, events.New(events.TypeSoulboundChanged, 0, map[string]string{
		"soulbound": strconv.FormatBool(soulbound),
	}))
	return nil
}

// TransferOwnership 移交金库管理员身份。
func (v *Vault) TransferOwnership(ctx context.Context, caller, newOwner common.Address) (err error) {
	done, err := v.begin(ctx, "transfer_ownership")
	if err != nil {
		return err
	}
	defer done(&err)

	if newOwner == (common.Address{}) {
		return xerrors.New(xerrors.CodeInvalidArgument, "新管理员地址不能为空")
	}
	err = v.store.Update(ctx, func(tx ledger.Tx) error {
		if err := requireOwner(ctx, tx, caller); err != nil {
			return err
		}
		return tx.SetOwner(ctx, newOwner)
	})
	if err != nil {
		return storageError(err, "更新金库管理员失败")
	}

	logger.Audit().Info("金库管理员变更", slog.String("previous", caller.Hex()), slog.String("owner", newOwner.Hex()))
	v.emit(ctx, events.New(events.TypeOwnershipTransferred, 0, map[string]string{
		"previous": caller.Hex(),
		"owner":    newOwner.Hex(),
	}))
	return nil
}

// Owner 返回当前金库管理员。
func (v *Vault) Owner(ctx context.Context) (common.Address, error) {
	unlock := v.readLock(ctx)
	defer unlock()

	var owner common.Address
	err := v.store.View(ctx, func(r ledger.Reader) error {
		var err error
		owner, err = r.Owner(ctx)
		return err
	})
	if err != nil {
		return common.Address{}, storageError(err, "读取金库管理员失败")
	}
	return owner, nil
}
