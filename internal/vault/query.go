package vault

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"PoF-Vault/internal/ledger"
	"PoF-Vault/internal/signature"
)

// view 在读锁下执行只读回调。
func (v *Vault) view(ctx context.Context, message string, fn func(ledger.Reader) error) error {
	unlock := v.readLock(ctx)
	defer unlock()
	if err := v.store.View(ctx, fn); err != nil {
		return storageError(err, message)
	}
	return nil
}

// Get 返回记录的副本。
func (v *Vault) Get(ctx context.Context, id uint64) (*ledger.Record, error) {
	var record *ledger.Record
	err := v.view(ctx, "读取记录失败", func(r ledger.Reader) error {
		var err error
		record, err = r.Record(ctx, id)
		return err
	})
	return record, err
}

// List 按 id 顺序枚举记录，默认不包含已撤销的记录。
func (v *Vault) List(ctx context.Context, opts ...ledger.ListOption) ([]*ledger.Record, error) {
	options := ledger.BuildListOptions(opts...)
	var records []*ledger.Record
	err := v.view(ctx, "枚举记录失败", func(r ledger.Reader) error {
		var err error
		records, err = r.Records(ctx, options)
		return err
	})
	return records, err
}

// NonceOf 返回账户下一次 attested 铸造需要签名的 nonce。
func (v *Vault) NonceOf(ctx context.Context, account common.Address) (uint64, error) {
	var nonce uint64
	err := v.view(ctx, "读取 nonce 失败", func(r ledger.Reader) error {
		var err error
		nonce, err = r.Nonce(ctx, account)
		return err
	})
	return nonce, err
}

// Escrowed 返回记录当前的托管余额，不存在的记录余额为 0。
func (v *Vault) Escrowed(ctx context.Context, id uint64) (*big.Int, error) {
	amount := new(big.Int)
	err := v.view(ctx, "读取托管余额失败", func(r ledger.Reader) error {
		value, err := r.Escrow(ctx, id)
		if err != nil {
			return err
		}
		amount.Set(value)
		return nil
	})
	return amount, err
}

// IsUniquenessActive 判断唯一性键当前是否被占用。
func (v *Vault) IsUniquenessActive(ctx context.Context, key common.Hash) (bool, error) {
	var active bool
	err := v.view(ctx, "读取唯一性键失败", func(r ledger.Reader) error {
		var err error
		active, err = r.UniquenessActive(ctx, key)
		return err
	})
	return active, err
}

// Soulbound 返回全局不可转让标记。
func (v *Vault) Soulbound(ctx context.Context) (bool, error) {
	var soulbound bool
	err := v.view(ctx, "读取不可转让标记失败", func(r ledger.Reader) error {
		var err error
		soulbound, err = r.Soulbound(ctx)
		return err
	})
	return soulbound, err
}

// Domain 返回签名域，供链下签名方构造背书。
func (v *Vault) Domain() signature.Domain {
	return v.verifier.Domain()
}

// Digest 计算消息在当前签名域下的摘要。
func (v *Vault) Digest(msg signature.Message) (common.Hash, error) {
	return v.verifier.Digest(msg)
}
