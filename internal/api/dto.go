package api

import (
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	xerrors "PoF-Vault/internal/errors"
	"PoF-Vault/internal/ledger"
	"PoF-Vault/internal/signature"
)

// 金额在 JSON 中统一使用十进制字符串，避免精度丢失。

// EscrowMintRequest 是托管铸造的请求体。
type EscrowMintRequest struct {
	Asset      string             `json:"asset"`
	Amount     string             `json:"amount"`
	Expiry     uint64             `json:"expiry"`
	Compliance *ledger.Compliance `json:"compliance,omitempty"`
}

// AttestedMintRequest 是签名背书铸造的请求体。
type AttestedMintRequest struct {
	Account    string             `json:"account"`
	Asset      string             `json:"asset"`
	Amount     string             `json:"amount"`
	Expiry     uint64             `json:"expiry"`
	Signature  string             `json:"signature"`
	Compliance *ledger.Compliance `json:"compliance,omitempty"`
}

// MintResponse 返回新记录的 ID。
type MintResponse struct {
	ID uint64 `json:"id"`
}

// TransferRequest 是转让请求体。
type TransferRequest struct {
	To string `json:"to"`
}

// FlagRequest 承载布尔开关，例如撤销或不可转让标记。
type FlagRequest struct {
	Value bool `json:"value"`
}

// OwnerRequest 是移交管理员的请求体。
type OwnerRequest struct {
	Owner string `json:"owner"`
}

// MessageRequest 是计算签名摘要的请求体。
type MessageRequest struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Amount  string `json:"amount"`
	Expiry  uint64 `json:"expiry"`
	Nonce   uint64 `json:"nonce"`
}

// RecordView 是记录的对外表示。
type RecordView struct {
	ID         uint64             `json:"id"`
	Mode       ledger.Mode        `json:"mode"`
	Holder     common.Address     `json:"holder"`
	Asset      common.Address     `json:"asset"`
	Amount     string             `json:"amount"`
	Escrow     string             `json:"escrow,omitempty"`
	IssuedAt   int64              `json:"issued_at"`
	Expiry     uint64             `json:"expiry"`
	Signer     *common.Address    `json:"signer,omitempty"`
	Revoked    bool               `json:"revoked"`
	Compliance *ledger.Compliance `json:"compliance,omitempty"`
}

// DomainView 是签名域的对外表示。
type DomainView struct {
	Name              string         `json:"name"`
	Version           string         `json:"version"`
	ChainID           string         `json:"chain_id"`
	VerifyingContract common.Address `json:"verifying_contract"`
	Separator         common.Hash    `json:"separator"`
	PrimaryType       string         `json:"primary_type"`
}

// DigestView 返回摘要以及可直接交给钱包 eth_signTypedData 的结构。
type DigestView struct {
	Digest    common.Hash `json:"digest"`
	TypedData any         `json:"typed_data"`
}

// VaultView 汇总金库的全局状态。
type VaultView struct {
	Owner     common.Address `json:"owner"`
	Soulbound bool           `json:"soulbound"`
}

func newRecordView(record *ledger.Record, escrow *big.Int) RecordView {
	view := RecordView{
		ID:         record.ID,
		Mode:       record.Mode,
		Holder:     record.Holder,
		Asset:      record.Asset,
		Amount:     record.Amount.String(),
		IssuedAt:   record.IssuedAt,
		Expiry:     record.Expiry,
		Revoked:    record.Revoked,
		Compliance: record.Compliance,
	}
	if record.Mode == ledger.ModeEscrow && escrow != nil {
		view.Escrow = escrow.String()
	}
	if record.Mode == ledger.ModeAttested {
		signer := record.Signer
		view.Signer = &signer
	}
	return view
}

func parseAddress(field, raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, field+" 不是合法的地址")
	}
	return common.HexToAddress(raw), nil
}

// parseOptionalAddress 空字符串表示零地址。
func parseOptionalAddress(field, raw string) (common.Address, error) {
	if raw == "" {
		return common.Address{}, nil
	}
	return parseAddress(field, raw)
}

func parseHash(field, raw string) (common.Hash, error) {
	b, err := hexutil.Decode(raw)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, xerrors.New(xerrors.CodeInvalidArgument, field+" 必须是 32 字节的十六进制")
	}
	return common.BytesToHash(b), nil
}

// parseAmount 解析十进制或 0x 前缀的十六进制金额；非正数交由金库判定。
func parseAmount(field, raw string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(raw, 0)
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, field+" 不是合法的整数")
	}
	if amount.BitLen() > 256 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, field+" 超出 uint256 范围")
	}
	return amount, nil
}

func parseID(raw string) (uint64, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "记录 ID 必须是正整数")
	}
	return id, nil
}

func (m MessageRequest) message() (signature.Message, error) {
	account, err := parseAddress("account", m.Account)
	if err != nil {
		return signature.Message{}, err
	}
	asset, err := parseAddress("asset", m.Asset)
	if err != nil {
		return signature.Message{}, err
	}
	amount, err := parseAmount("amount", m.Amount)
	if err != nil {
		return signature.Message{}, err
	}
	if amount.Sign() < 0 {
		return signature.Message{}, xerrors.New(xerrors.CodeInvalidArgument, "amount 不能为负数")
	}
	return signature.Message{Account: account, Asset: asset, Amount: amount, Expiry: m.Expiry, Nonce: m.Nonce}, nil
}
