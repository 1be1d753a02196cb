package ledger

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "PoF-Vault/internal/errors"
)

// MemoryStore 以内存方式保存账本，主要用于测试和单机部署。
// Update 在状态副本上执行回调，成功后整体替换，失败则丢弃副本。
// 副本与已提交状态共享各个映射，某个映射第一次被写入时才复制它，
// 因此写入记录的操作仍需 O(记录数) 的浅拷贝。记录较多的部署应使用 pebble 或 mysql。
type MemoryStore struct {
	updateMu sync.Mutex
	mu       sync.RWMutex
	state    *memoryState
	closed   bool
}

// memoryState 一经提交即不再修改；映射中的值同样不会被原地修改。
type memoryState struct {
	records    map[uint64]*Record
	escrow     map[uint64]*big.Int
	nonces     map[common.Address]uint64
	uniqueness map[common.Hash]struct{}
	soulbound  bool
	nextID     uint64
	owner      common.Address
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemoryState()}
}

func newMemoryState() *memoryState {
	return &memoryState{
		records:    make(map[uint64]*Record),
		escrow:     make(map[uint64]*big.Int),
		nonces:     make(map[common.Address]uint64),
		uniqueness: make(map[common.Hash]struct{}),
		nextID:     FirstID,
	}
}

func copyMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

// View 实现 Store 接口。
func (m *MemoryStore) View(ctx context.Context, fn func(Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return errStoreClosed
	}
	state := m.state
	m.mu.RUnlock()
	// 已提交的状态不会被原地修改，因此无需持锁执行回调。
	return fn(&memoryTx{state: state})
}

// Update 实现 Store 接口。
func (m *MemoryStore) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.updateMu.Lock()
	defer m.updateMu.Unlock()

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return errStoreClosed
	}
	working := *m.state
	m.mu.RUnlock()

	if err := fn(&memoryTx{state: &working, writable: true}); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errStoreClosed
	}
	m.state = &working
	return nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var errStoreClosed = xerrors.New(xerrors.CodeInitializationFailure, "账本存储已关闭")

type memoryTx struct {
	state    *memoryState
	writable bool

	// 记录本事务已复制过的映射，未复制的映射仍与已提交状态共享。
	ownRecords, ownEscrow, ownNonces, ownUniqueness bool
}

func (t *memoryTx) records() map[uint64]*Record {
	if !t.ownRecords {
		t.state.records = copyMap(t.state.records)
		t.ownRecords = true
	}
	return t.state.records
}

func (t *memoryTx) escrow() map[uint64]*big.Int {
	if !t.ownEscrow {
		t.state.escrow = copyMap(t.state.escrow)
		t.ownEscrow = true
	}
	return t.state.escrow
}

func (t *memoryTx) nonces() map[common.Address]uint64 {
	if !t.ownNonces {
		t.state.nonces = copyMap(t.state.nonces)
		t.ownNonces = true
	}
	return t.state.nonces
}

func (t *memoryTx) uniqueness() map[common.Hash]struct{} {
	if !t.ownUniqueness {
		t.state.uniqueness = copyMap(t.state.uniqueness)
		t.ownUniqueness = true
	}
	return t.state.uniqueness
}

func (t *memoryTx) Record(_ context.Context, id uint64) (*Record, error) {
	record, ok := t.state.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return record.Clone(), nil
}

func (t *memoryTx) Records(_ context.Context, opts ListOptions) ([]*Record, error) {
	opts.applyDefaults()
	ids := make([]uint64, 0, len(t.state.records))
	for id, record := range t.state.records {
		if opts.matches(record) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	records := make([]*Record, 0, len(ids))
	for _, id := range ids {
		records = append(records, t.state.records[id].Clone())
	}
	return paginate(records, opts), nil
}

func (t *memoryTx) Escrow(_ context.Context, id uint64) (*big.Int, error) {
	return amountOrZero(t.state.escrow[id]), nil
}

func (t *memoryTx) Nonce(_ context.Context, account common.Address) (uint64, error) {
	return t.state.nonces[account], nil
}

func (t *memoryTx) UniquenessActive(_ context.Context, key common.Hash) (bool, error) {
	_, ok := t.state.uniqueness[key]
	return ok, nil
}

func (t *memoryTx) Soulbound(context.Context) (bool, error) {
	return t.state.soulbound, nil
}

func (t *memoryTx) NextID(context.Context) (uint64, error) {
	return normalizeNextID(t.state.nextID), nil
}

func (t *memoryTx) Owner(context.Context) (common.Address, error) {
	return t.state.owner, nil
}

func (t *memoryTx) PutRecord(_ context.Context, record *Record) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	if record == nil || record.ID == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "记录或记录 ID 不能为空")
	}
	t.records()[record.ID] = record.Clone()
	return nil
}

func (t *memoryTx) DeleteRecord(_ context.Context, id uint64) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	if _, ok := t.state.records[id]; !ok {
		return ErrRecordNotFound
	}
	delete(t.records(), id)
	return nil
}

func (t *memoryTx) SetEscrow(_ context.Context, id uint64, amount *big.Int) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() == 0 {
		if _, ok := t.state.escrow[id]; ok {
			delete(t.escrow(), id)
		}
		return nil
	}
	t.escrow()[id] = new(big.Int).Set(amount)
	return nil
}

func (t *memoryTx) SetNonce(_ context.Context, account common.Address, nonce uint64) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	t.nonces()[account] = nonce
	return nil
}

func (t *memoryTx) SetUniqueness(_ context.Context, key common.Hash, active bool) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	if active {
		t.uniqueness()[key] = struct{}{}
	} else if _, ok := t.state.uniqueness[key]; ok {
		delete(t.uniqueness(), key)
	}
	return nil
}

func (t *memoryTx) SetSoulbound(_ context.Context, value bool) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	t.state.soulbound = value
	return nil
}

func (t *memoryTx) SetNextID(_ context.Context, next uint64) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	t.state.nextID = normalizeNextID(next)
	return nil
}

func (t *memoryTx) SetOwner(_ context.Context, owner common.Address) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	t.state.owner = owner
	return nil
}

func (t *memoryTx) checkWritable() error {
	if !t.writable {
		return errReadOnly
	}
	return nil
}

var errReadOnly = xerrors.New(xerrors.CodeInvalidArgument, "只读视图不支持写入")
