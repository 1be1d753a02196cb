package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-sql-driver/mysql"

	xerrors "PoF-Vault/internal/errors"
)

// MySQLConfig 描述 MySQL 账本的连接参数。
type MySQLConfig struct {
	DSN                string `json:"dsn"`
	MaxOpenConns       int    `json:"max_open_conns"`
	MaxIdleConns       int    `json:"max_idle_conns"`
	ConnMaxLifetimeSec int    `json:"conn_max_lifetime_sec"`
}

// MySQLStore 使用 MySQL 保存账本。每次 Update 对应一个数据库事务，
// 事务内的读取使用 FOR UPDATE 锁定相关行。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建 MySQLStore 并执行内嵌的 schema 迁移。
func NewMySQLStore(ctx context.Context, cfg MySQLConfig) (*MySQLStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetimeSec > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeSec) * time.Second)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化账本表失败")
	}
	return store, nil
}

// View 在只读事务中执行 fn。
func (s *MySQLStore) View(ctx context.Context, fn func(Reader) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启只读事务失败")
	}
	defer tx.Rollback()
	return fn(&mysqlTx{q: tx})
}

// Update 在读写事务中执行 fn，回调返回错误时回滚。
func (s *MySQLStore) Update(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	if err := fn(&mysqlTx{q: tx, writable: true}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return nil
}

// Close 关闭连接池。
func (s *MySQLStore) Close() error {
	return s.db.Close()
}

type mysqlTx struct {
	q        *sql.Tx
	writable bool
}

func (t *mysqlTx) lockClause() string {
	if t.writable {
		return " FOR UPDATE"
	}
	return ""
}

const recordColumns = `id, mode, holder, asset, amount, issued_at, expiry, signer, revoked, compliance`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		record     Record
		mode       string
		holder     string
		asset      string
		amount     string
		signer     string
		compliance sql.NullString
	)
	if err := row.Scan(&record.ID, &mode, &holder, &asset, &amount, &record.IssuedAt, &record.Expiry, &signer, &record.Revoked, &compliance); err != nil {
		return nil, err
	}
	record.Mode = Mode(mode)
	record.Holder = common.HexToAddress(holder)
	record.Asset = common.HexToAddress(asset)
	record.Signer = common.HexToAddress(signer)
	value, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return nil, xerrors.New(CodeCorruptRecord, fmt.Sprintf("记录 %d 金额无法解析", record.ID))
	}
	record.Amount = value
	if compliance.Valid && compliance.String != "" {
		var c Compliance
		if err := json.Unmarshal([]byte(compliance.String), &c); err != nil {
			return nil, xerrors.Wrap(CodeCorruptRecord, err, fmt.Sprintf("记录 %d 合规信息无法解析", record.ID))
		}
		record.Compliance = &c
	}
	return &record, nil
}

func (t *mysqlTx) Record(ctx context.Context, id uint64) (*Record, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM pof_records WHERE id = ?`+t.lockClause(), id)
	record, err := scanRecord(row)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		if _, ok := xerrors.From(err); ok {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询记录失败")
	}
	return record, nil
}

func (t *mysqlTx) Records(ctx context.Context, opts ListOptions) ([]*Record, error) {
	opts.applyDefaults()

	var (
		conditions []string
		args       []any
	)
	if opts.Holder != (common.Address{}) {
		conditions = append(conditions, "holder = ?")
		args = append(args, opts.Holder.Hex())
	}
	if opts.Mode != "" {
		conditions = append(conditions, "mode = ?")
		args = append(args, string(opts.Mode))
	}
	if !opts.IncludeRevoked {
		conditions = append(conditions, "revoked = 0")
	}

	query := `SELECT ` + recordColumns + ` FROM pof_records`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY id ASC LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询记录列表失败")
	}
	defer rows.Close()

	records := make([]*Record, 0)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			if _, ok := xerrors.From(err); ok {
				return nil, err
			}
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析记录失败")
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历记录失败")
	}
	return records, nil
}

func (t *mysqlTx) Escrow(ctx context.Context, id uint64) (*big.Int, error) {
	var amount string
	err := t.q.QueryRowContext(ctx, `SELECT amount FROM pof_escrow WHERE record_id = ?`+t.lockClause(), id).Scan(&amount)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询托管余额失败")
	}
	value, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return nil, xerrors.New(CodeCorruptRecord, "托管金额无法解析")
	}
	return value, nil
}

func (t *mysqlTx) Nonce(ctx context.Context, account common.Address) (uint64, error) {
	var nonce uint64
	err := t.q.QueryRowContext(ctx, `SELECT nonce FROM pof_nonces WHERE account = ?`+t.lockClause(), account.Hex()).Scan(&nonce)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 nonce 失败")
	}
	return nonce, nil
}

func (t *mysqlTx) UniquenessActive(ctx context.Context, key common.Hash) (bool, error) {
	var one int
	err := t.q.QueryRowContext(ctx, `SELECT 1 FROM pof_uniqueness WHERE uniq_key = ?`+t.lockClause(), key.Hex()).Scan(&one)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询唯一性键失败")
	}
	return true, nil
}

func (t *mysqlTx) setting(ctx context.Context, name string) (string, bool, error) {
	var value string
	err := t.q.QueryRowContext(ctx, `SELECT value FROM pof_settings WHERE name = ?`+t.lockClause(), name).Scan(&value)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("查询配置项 %s 失败", name))
	}
	return value, true, nil
}

func (t *mysqlTx) Soulbound(ctx context.Context) (bool, error) {
	value, _, err := t.setting(ctx, "soulbound")
	if err != nil {
		return false, err
	}
	return value == "1", nil
}

func (t *mysqlTx) NextID(ctx context.Context) (uint64, error) {
	value, ok, err := t.setting(ctx, "next_id")
	if err != nil {
		return 0, err
	}
	if !ok {
		return FirstID, nil
	}
	next, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, xerrors.Wrap(CodeCorruptRecord, err, "next_id 无法解析")
	}
	return normalizeNextID(next), nil
}

func (t *mysqlTx) Owner(ctx context.Context) (common.Address, error) {
	value, _, err := t.setting(ctx, "owner")
	if err != nil {
		return common.Address{}, err
	}
	return common.HexToAddress(value), nil
}

func (t *mysqlTx) exec(ctx context.Context, message, query string, args ...any) (sql.Result, error) {
	if !t.writable {
		return nil, errReadOnly
	}
	result, err := t.q.ExecContext(ctx, query, args...)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil, xerrors.Wrap(xerrors.CodeConflict, err, message)
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, message)
	}
	return result, nil
}

func (t *mysqlTx) PutRecord(ctx context.Context, record *Record) error {
	if record == nil || record.ID == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "记录或记录 ID 不能为空")
	}
	var compliance sql.NullString
	if record.Compliance != nil {
		raw, err := json.Marshal(record.Compliance)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码合规信息失败")
		}
		compliance = sql.NullString{String: string(raw), Valid: true}
	}
	const stmt = `INSERT INTO pof_records (` + recordColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE mode = VALUES(mode), holder = VALUES(holder), asset = VALUES(asset),
        amount = VALUES(amount), issued_at = VALUES(issued_at), expiry = VALUES(expiry),
        signer = VALUES(signer), revoked = VALUES(revoked), compliance = VALUES(compliance)`
	_, err := t.exec(ctx, "写入记录失败", stmt,
		record.ID,
		string(record.Mode),
		record.Holder.Hex(),
		record.Asset.Hex(),
		amountOrZero(record.Amount).String(),
		record.IssuedAt,
		record.Expiry,
		record.Signer.Hex(),
		record.Revoked,
		compliance,
	)
	return err
}

func (t *mysqlTx) DeleteRecord(ctx context.Context, id uint64) error {
	result, err := t.exec(ctx, "删除记录失败", `DELETE FROM pof_records WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (t *mysqlTx) SetEscrow(ctx context.Context, id uint64, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		_, err := t.exec(ctx, "清除托管余额失败", `DELETE FROM pof_escrow WHERE record_id = ?`, id)
		return err
	}
	_, err := t.exec(ctx, "写入托管余额失败",
		`INSERT INTO pof_escrow (record_id, amount) VALUES (?, ?) ON DUPLICATE KEY UPDATE amount = VALUES(amount)`,
		id, amount.String())
	return err
}

func (t *mysqlTx) SetNonce(ctx context.Context, account common.Address, nonce uint64) error {
	_, err := t.exec(ctx, "写入 nonce 失败",
		`INSERT INTO pof_nonces (account, nonce) VALUES (?, ?) ON DUPLICATE KEY UPDATE nonce = VALUES(nonce)`,
		account.Hex(), nonce)
	return err
}

func (t *mysqlTx) SetUniqueness(ctx context.Context, key common.Hash, active bool) error {
	if !active {
		_, err := t.exec(ctx, "释放唯一性键失败", `DELETE FROM pof_uniqueness WHERE uniq_key = ?`, key.Hex())
		return err
	}
	_, err := t.exec(ctx, "占用唯一性键失败", `INSERT INTO pof_uniqueness (uniq_key) VALUES (?)`, key.Hex())
	return err
}

func (t *mysqlTx) putSetting(ctx context.Context, name, value string) error {
	_, err := t.exec(ctx, fmt.Sprintf("写入配置项 %s 失败", name),
		`INSERT INTO pof_settings (name, value) VALUES (?, ?) ON DUPLICATE KEY UPDATE value = VALUES(value)`,
		name, value)
	return err
}

func (t *mysqlTx) SetSoulbound(ctx context.Context, value bool) error {
	flag := "0"
	if value {
		flag = "1"
	}
	return t.putSetting(ctx, "soulbound", flag)
}

func (t *mysqlTx) SetNextID(ctx context.Context, next uint64) error {
	return t.putSetting(ctx, "next_id", strconv.FormatUint(normalizeNextID(next), 10))
}

func (t *mysqlTx) SetOwner(ctx context.Context, owner common.Address) error {
	return t.putSetting(ctx, "owner", owner.Hex())
}
