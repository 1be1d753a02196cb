package ledger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	stdErrors "errors"
	"math/big"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	xerrors "PoF-Vault/internal/errors"
)

// Key layout. Record and escrow keys embed the id big-endian so prefix
// scans come back in id order.
var (
	prefixRecord     = []byte("r/")
	prefixEscrow     = []byte("e/")
	prefixNonce      = []byte("n/")
	prefixUniqueness = []byte("u/")
	keySoulbound     = []byte("m/soulbound")
	keyNextID        = []byte("m/next_id")
	keyOwner         = []byte("m/owner")
)

// PebbleStore persists the ledger in an embedded Pebble database. Every
// Update runs on an indexed batch so reads observe the staged writes, and
// the batch is committed with a synced WAL write or discarded as a whole.
type PebbleStore struct {
	db       *pebble.DB
	updateMu sync.Mutex
}

// PebbleConfig configures the embedded database.
type PebbleConfig struct {
	Path        string `json:"path"`
	CacheSizeMB int    `json:"cache_size_mb"`
	MemTableMB  int    `json:"memtable_mb"`
}

// NewPebbleStore opens (or creates) the database at cfg.Path.
func NewPebbleStore(cfg PebbleConfig) (*PebbleStore, error) {
	if cfg.Path == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "pebble 路径不能为空")
	}
	cacheMB := cfg.CacheSizeMB
	if cacheMB <= 0 {
		cacheMB = 32
	}
	memMB := cfg.MemTableMB
	if memMB <= 0 {
		memMB = 16
	}
	cache := pebble.NewCache(int64(cacheMB) << 20)
	defer cache.Unref()

	db, err := pebble.Open(cfg.Path, &pebble.Options{
		Cache:                       cache,
		MemTableSize:                uint64(memMB) << 20,
		MemTableStopWritesThreshold: 2,
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开 pebble 数据库失败")
	}
	return &PebbleStore{db: db}, nil
}

// View runs fn against a point-in-time snapshot.
func (s *PebbleStore) View(ctx context.Context, fn func(Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	snap := s.db.NewSnapshot()
	defer snap.Close()
	return fn(&pebbleTx{reader: snap})
}

// Update runs fn inside an indexed batch.
func (s *PebbleStore) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	batch := s.db.NewIndexedBatch()
	defer batch.Close()

	if err := fn(&pebbleTx{reader: batch, batch: batch}); err != nil {
		return err
	}
	if batch.Empty() {
		return nil
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交 pebble 批次失败")
	}
	return nil
}

// Close flushes and closes the database.
func (s *PebbleStore) Close() error {
	return s.db.Close()
}

type pebbleTx struct {
	reader pebble.Reader
	batch  *pebble.Batch
}

func idKey(prefix []byte, id uint64) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], id)
	return key
}

func bytesKey(prefix, suffix []byte) []byte {
	key := make([]byte, 0, len(prefix)+len(suffix))
	key = append(key, prefix...)
	return append(key, suffix...)
}

func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper
		}
	}
	return nil
}

func (t *pebbleTx) get(key []byte) ([]byte, error) {
	value, closer, err := t.reader.Get(key)
	if stdErrors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 pebble 键失败")
	}
	defer closer.Close()
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (t *pebbleTx) Record(_ context.Context, id uint64) (*Record, error) {
	raw, err := t.get(idKey(prefixRecord, id))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, ErrRecordNotFound
	}
	return decodeRecord(raw)
}

func decodeRecord(raw []byte) (*Record, error) {
	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, xerrors.Wrap(CodeCorruptRecord, err, "")
	}
	return &record, nil
}

func (t *pebbleTx) Records(_ context.Context, opts ListOptions) ([]*Record, error) {
	opts.applyDefaults()
	iter, err := t.reader.NewIter(&pebble.IterOptions{
		LowerBound: prefixRecord,
		UpperBound: prefixUpperBound(prefixRecord),
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建 pebble 迭代器失败")
	}
	defer iter.Close()

	var records []*Record
	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 pebble 记录失败")
		}
		record, err := decodeRecord(value)
		if err != nil {
			return nil, err
		}
		if opts.matches(record) {
			records = append(records, record)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历 pebble 记录失败")
	}
	return paginate(records, opts), nil
}

func (t *pebbleTx) Escrow(_ context.Context, id uint64) (*big.Int, error) {
	raw, err := t.get(idKey(prefixEscrow, id))
	if err != nil || raw == nil {
		return new(big.Int), err
	}
	amount, ok := new(big.Int).SetString(string(raw), 10)
	if !ok {
		return nil, xerrors.New(CodeCorruptRecord, "escrow 金额无法解析")
	}
	return amount, nil
}

func (t *pebbleTx) Nonce(_ context.Context, account common.Address) (uint64, error) {
	raw, err := t.get(bytesKey(prefixNonce, account.Bytes()))
	if err != nil || len(raw) != 8 {
		return 0, err
	}
	return binary.BigEndian.Uint64(raw), nil
}

func (t *pebbleTx) UniquenessActive(_ context.Context, key common.Hash) (bool, error) {
	raw, err := t.get(bytesKey(prefixUniqueness, key.Bytes()))
	if err != nil {
		return false, err
	}
	return raw != nil, nil
}

func (t *pebbleTx) Soulbound(context.Context) (bool, error) {
	raw, err := t.get(keySoulbound)
	if err != nil {
		return false, err
	}
	return len(raw) == 1 && raw[0] == 1, nil
}

func (t *pebbleTx) NextID(context.Context) (uint64, error) {
	raw, err := t.get(keyNextID)
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return FirstID, nil
	}
	return normalizeNextID(binary.BigEndian.Uint64(raw)), nil
}

func (t *pebbleTx) Owner(context.Context) (common.Address, error) {
	raw, err := t.get(keyOwner)
	if err != nil {
		return common.Address{}, err
	}
	return common.BytesToAddress(raw), nil
}

func (t *pebbleTx) writer() (*pebble.Batch, error) {
	if t.batch == nil {
		return nil, errReadOnly
	}
	return t.batch, nil
}

func (t *pebbleTx) set(key, value []byte) error {
	batch, err := t.writer()
	if err != nil {
		return err
	}
	if err := batch.Set(key, value, nil); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 pebble 批次失败")
	}
	return nil
}

func (t *pebbleTx) del(key []byte) error {
	batch, err := t.writer()
	if err != nil {
		return err
	}
	if err := batch.Delete(key, nil); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除 pebble 键失败")
	}
	return nil
}

func (t *pebbleTx) PutRecord(_ context.Context, record *Record) error {
	if record == nil || record.ID == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "记录或记录 ID 不能为空")
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码记录失败")
	}
	return t.set(idKey(prefixRecord, record.ID), raw)
}

func (t *pebbleTx) DeleteRecord(ctx context.Context, id uint64) error {
	if _, err := t.Record(ctx, id); err != nil {
		return err
	}
	return t.del(idKey(prefixRecord, id))
}

func (t *pebbleTx) SetEscrow(_ context.Context, id uint64, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return t.del(idKey(prefixEscrow, id))
	}
	return t.set(idKey(prefixEscrow, id), []byte(amount.String()))
}

func (t *pebbleTx) SetNonce(_ context.Context, account common.Address, nonce uint64) error {
	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, nonce)
	return t.set(bytesKey(prefixNonce, account.Bytes()), value)
}

func (t *pebbleTx) SetUniqueness(_ context.Context, key common.Hash, active bool) error {
	k := bytesKey(prefixUniqueness, key.Bytes())
	if !active {
		return t.del(k)
	}
	return t.set(k, []byte{1})
}

func (t *pebbleTx) SetSoulbound(_ context.Context, value bool) error {
	flag := byte(0)
	if value {
		flag = 1
	}
	return t.set(keySoulbound, []byte{flag})
}

func (t *pebbleTx) SetNextID(_ context.Context, next uint64) error {
	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, normalizeNextID(next))
	return t.set(keyNextID, value)
}

func (t *pebbleTx) SetOwner(_ context.Context, owner common.Address) error {
	return t.set(keyOwner, owner.Bytes())
}
