package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Reader 暴露账本的只读视图。
type Reader interface {
	Record(ctx context.Context, id uint64) (*Record, error)
	Records(ctx context.Context, opts ListOptions) ([]*Record, error)
	Escrow(ctx context.Context, id uint64) (*big.Int, error)
	Nonce(ctx context.Context, account common.Address) (uint64, error)
	UniquenessActive(ctx context.Context, key common.Hash) (bool, error)
	Soulbound(ctx context.Context) (bool, error)
	NextID(ctx context.Context) (uint64, error)
	Owner(ctx context.Context) (common.Address, error)
}

// Tx 是一次账本事务内可用的读写视图。事务内的写入在提交前对外不可见。
type Tx interface {
	Reader
	PutRecord(ctx context.Context, record *Record) error
	DeleteRecord(ctx context.Context, id uint64) error
	SetEscrow(ctx context.Context, id uint64, amount *big.Int) error
	SetNonce(ctx context.Context, account common.Address, nonce uint64) error
	SetUniqueness(ctx context.Context, key common.Hash, active bool) error
	SetSoulbound(ctx context.Context, value bool) error
	SetNextID(ctx context.Context, next uint64) error
	SetOwner(ctx context.Context, owner common.Address) error
}

// Store 抽象了账本的持久化。Update 的回调返回错误时事务整体丢弃。
type Store interface {
	View(ctx context.Context, fn func(Reader) error) error
	Update(ctx context.Context, fn func(Tx) error) error
	Close() error
}

// FirstID 是账本分配的第一个记录 ID。
const FirstID uint64 = 1

func normalizeNextID(next uint64) uint64 {
	if next < FirstID {
		return FirstID
	}
	return next
}

func amountOrZero(amount *big.Int) *big.Int {
	if amount == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(amount)
}
