package ledger

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "PoF-Vault/internal/errors"
)

// Mode 表示资金证明记录的背书方式。
type Mode string

const (
	ModeEscrow   Mode = "ESCROW"
	ModeAttested Mode = "ATTESTED"
)

// NoExpiry 表示记录永不过期。
const NoExpiry uint64 = 0

// Compliance 是铸造时随附的合规信息，整体可选，每个字段同样可选。
type Compliance struct {
	KYCProvider      Option[common.Address] `json:"kyc_provider"`
	KYCReference     Option[common.Hash]    `json:"kyc_reference"`
	SanctionsVersion Option[common.Hash]    `json:"sanctions_version"`
	PackReference    Option[string]         `json:"pack_reference"`
	LicenseHash      Option[common.Hash]    `json:"license_hash"`
	UniquenessKey    Option[common.Hash]    `json:"uniqueness_key"`
}

// Record 是资金证明 (PoF) 的账本条目。
type Record struct {
	ID         uint64         `json:"id"`
	Mode       Mode           `json:"mode"`
	Holder     common.Address `json:"holder"`
	Asset      common.Address `json:"asset"`
	Amount     *big.Int       `json:"amount"`
	IssuedAt   int64          `json:"issued_at"`
	Expiry     uint64         `json:"expiry"`
	Signer     common.Address `json:"signer"`
	Revoked    bool           `json:"revoked"`
	Compliance *Compliance    `json:"compliance,omitempty"`
}

// Clone 返回深拷贝，调用方可以自由修改返回值。
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Amount != nil {
		clone.Amount = new(big.Int).Set(r.Amount)
	}
	if r.Compliance != nil {
		c := *r.Compliance
		clone.Compliance = &c
	}
	return &clone
}

// UniquenessKey 返回记录占用的唯一性键。
func (r *Record) UniquenessKey() (common.Hash, bool) {
	if r == nil || r.Compliance == nil {
		return common.Hash{}, false
	}
	return r.Compliance.UniquenessKey.Get()
}

// HasExpiry 判断记录是否设置了过期时间。
func (r *Record) HasExpiry() bool {
	return r != nil && r.Expiry != NoExpiry
}

const (
	CodeRecordNotFound xerrors.Code = "RECORD_NOT_FOUND"
	CodeCorruptRecord  xerrors.Code = "LEDGER_CORRUPT_RECORD"
)

var (
	// ErrRecordNotFound 表示账本中不存在指定记录。
	ErrRecordNotFound = xerrors.New(CodeRecordNotFound, "record not found")
)

func init() {
	xerrors.Register(CodeRecordNotFound, xerrors.Attributes{
		Message:  "record not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeCorruptRecord, xerrors.Attributes{
		Message:  "ledger entry cannot be decoded",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}
