package vault

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	xerrors "PoF-Vault/internal/errors"
	"PoF-Vault/internal/ledger"
)

// uniquenessKey 解析附件中的唯一性键。缺省表示不要求唯一性；显式给出的全零键
// 无法与缺省区分，直接拒绝。
func uniquenessKey(attachment *ledger.Compliance) (common.Hash, bool, error) {
	if attachment == nil {
		return common.Hash{}, false, nil
	}
	key, ok := attachment.UniquenessKey.Get()
	if !ok {
		return common.Hash{}, false, nil
	}
	if key == (common.Hash{}) {
		return common.Hash{}, false, xerrors.New(CodeInvalidAttachment, "唯一性键不能为全零",
			xerrors.WithReason(ReasonZeroUniqueness))
	}
	return key, true, nil
}

// reserve 在事务内占用唯一性键，键已被占用时失败。
func reserve(ctx context.Context, tx ledger.Tx, key common.Hash, present bool) error {
	if !present {
		return nil
	}
	active, err := tx.UniquenessActive(ctx, key)
	if err != nil {
		return err
	}
	if active {
		return xerrors.New(CodeUniquenessConflict, "唯一性键已被占用", xerrors.WithMetadata("uniqueness_key", key.Hex()))
	}
	return tx.SetUniqueness(ctx, key, true)
}

// release 在事务内释放唯一性键。
func release(ctx context.Context, tx ledger.Tx, key common.Hash, present bool) error {
	if !present {
		return nil
	}
	return tx.SetUniqueness(ctx, key, false)
}
