// Package signature implements the domain-separated typed-data scheme used by
// attested mints: a two-level keccak256 hash over an EIP-712 domain and a
// ProofOfFunds message, plus ECDSA public key recovery over the digest.
package signature

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	xerrors "PoF-Vault/internal/errors"
)

// PrimaryType is the typed-data struct name signed by attesters.
const PrimaryType = "ProofOfFunds"

// SignatureLength is the size of an r||s||v signature.
const SignatureLength = 65

const (
	// CodeInvalidSignature marks signatures that cannot yield a signer.
	CodeInvalidSignature xerrors.Code = "INVALID_SIGNATURE"
	// CodeInvalidDomain marks an incomplete domain descriptor.
	CodeInvalidDomain xerrors.Code = "INVALID_DOMAIN"
)

// Reasons attached to CodeInvalidSignature errors.
const (
	ReasonLength      = "BAD_LENGTH"
	ReasonRecoveryID  = "BAD_RECOVERY_ID"
	ReasonRSValues    = "BAD_RS_VALUES"
	ReasonZeroAddress = "ZERO_ADDRESS"
	ReasonRecover     = "RECOVER_FAILED"
)

func init() {
	xerrors.Register(CodeInvalidSignature, xerrors.Attributes{
		Message:  "signature is malformed or unrecoverable",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInvalidDomain, xerrors.Attributes{
		Message:  "typed-data domain is incomplete",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

var typedDataTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	PrimaryType: {
		{Name: "account", Type: "address"},
		{Name: "asset", Type: "address"},
		{Name: "amount", Type: "uint256"},
		{Name: "expiry", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
	},
}

// Domain identifies the deployment a signature is bound to.
type Domain struct {
	Name              string         `json:"name"`
	Version           string         `json:"version"`
	ChainID           *big.Int       `json:"chain_id"`
	VerifyingContract common.Address `json:"verifying_contract"`
}

// Validate reports whether every domain field is populated.
func (d Domain) Validate() error {
	switch {
	case strings.TrimSpace(d.Name) == "":
		return xerrors.New(CodeInvalidDomain, "domain name 不能为空")
	case strings.TrimSpace(d.Version) == "":
		return xerrors.New(CodeInvalidDomain, "domain version 不能为空")
	case d.ChainID == nil || d.ChainID.Sign() < 0:
		return xerrors.New(CodeInvalidDomain, "domain chain id 无效")
	}
	return nil
}

func (d Domain) typed() apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              d.Name,
		Version:           d.Version,
		ChainId:           (*math.HexOrDecimal256)(new(big.Int).Set(d.ChainID)),
		VerifyingContract: d.VerifyingContract.Hex(),
	}
}

// Message is the attested claim: account controls amount of asset until
// expiry, bound to the account's current nonce.
type Message struct {
	Account common.Address `json:"account"`
	Asset   common.Address `json:"asset"`
	Amount  *big.Int       `json:"amount"`
	Expiry  uint64         `json:"expiry"`
	Nonce   uint64         `json:"nonce"`
}

func (m Message) typed() apitypes.TypedDataMessage {
	amount := "0"
	if m.Amount != nil {
		amount = m.Amount.String()
	}
	return apitypes.TypedDataMessage{
		"account": m.Account.Hex(),
		"asset":   m.Asset.Hex(),
		"amount":  amount,
		"expiry":  strconv.FormatUint(m.Expiry, 10),
		"nonce":   strconv.FormatUint(m.Nonce, 10),
	}
}

// TypedData returns the full typed-data document for msg, suitable for
// eth_signTypedData_v4 style wallets.
func TypedData(domain Domain, msg Message) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       typedDataTypes,
		PrimaryType: PrimaryType,
		Domain:      domain.typed(),
		Message:     msg.typed(),
	}
}

// Digest computes keccak256(0x19 0x01 || domainSeparator || structHash(msg)).
func Digest(domain Domain, msg Message) (common.Hash, error) {
	if err := domain.Validate(); err != nil {
		return common.Hash{}, err
	}
	if msg.Amount != nil && msg.Amount.Sign() < 0 {
		return common.Hash{}, xerrors.New(xerrors.CodeInvalidArgument, "amount 不能为负数")
	}
	sighash, _, err := apitypes.TypedDataAndHash(TypedData(domain, msg))
	if err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "计算 typed data 哈希失败")
	}
	return common.BytesToHash(sighash), nil
}

// Verifier recovers attesters for a fixed domain. It holds no mutable state.
type Verifier struct {
	domain    Domain
	separator common.Hash
}

// NewVerifier validates domain and precomputes its separator.
func NewVerifier(domain Domain) (*Verifier, error) {
	if err := domain.Validate(); err != nil {
		return nil, err
	}
	typed := TypedData(domain, Message{})
	separator, err := typed.HashStruct("EIP712Domain", typed.Domain.Map())
	if err != nil {
		return nil, xerrors.Wrap(CodeInvalidDomain, err, "计算 domain separator 失败")
	}
	return &Verifier{domain: domain, separator: common.BytesToHash(separator)}, nil
}

// Domain returns a copy of the verifier's domain.
func (v *Verifier) Domain() Domain {
	d := v.domain
	d.ChainID = new(big.Int).Set(v.domain.ChainID)
	return d
}

// Separator returns the domain separator hash.
func (v *Verifier) Separator() common.Hash {
	return v.separator
}

// Digest hashes msg under the verifier's domain.
func (v *Verifier) Digest(msg Message) (common.Hash, error) {
	return Digest(v.domain, msg)
}

// Recover returns the address that produced sig over msg.
func (v *Verifier) Recover(msg Message, sig []byte) (common.Address, error) {
	digest, err := v.Digest(msg)
	if err != nil {
		return common.Address{}, err
	}
	return RecoverDigest(digest, sig)
}

// RecoverDigest recovers the signer of a 65-byte r||s||v signature. v may be
// 0/1 or 27/28. Signatures with s in the upper half of the curve order are
// rejected so each (message, signer) pair has exactly one valid encoding.
func RecoverDigest(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != SignatureLength {
		return common.Address{}, xerrors.New(CodeInvalidSignature,
			fmt.Sprintf("签名长度应为 %d 字节，实际 %d", SignatureLength, len(sig)),
			xerrors.WithReason(ReasonLength))
	}
	normalized := make([]byte, SignatureLength)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	if normalized[64] > 1 {
		return common.Address{}, xerrors.New(CodeInvalidSignature, "签名 v 值无效", xerrors.WithReason(ReasonRecoveryID))
	}

	r := new(big.Int).SetBytes(normalized[:32])
	s := new(big.Int).SetBytes(normalized[32:64])
	if !crypto.ValidateSignatureValues(normalized[64], r, s, true) {
		return common.Address{}, xerrors.New(CodeInvalidSignature, "签名 r/s 值无效", xerrors.WithReason(ReasonRSValues))
	}

	pub, err := crypto.SigToPub(digest.Bytes(), normalized)
	if err != nil {
		return common.Address{}, xerrors.Wrap(CodeInvalidSignature, err, "恢复签名公钥失败", xerrors.WithReason(ReasonRecover))
	}
	signer := crypto.PubkeyToAddress(*pub)
	if signer == (common.Address{}) {
		return common.Address{}, xerrors.New(CodeInvalidSignature, "签名恢复出零地址", xerrors.WithReason(ReasonZeroAddress))
	}
	return signer, nil
}

// Sign produces an r||s||v signature with v in {27, 28}. It exists for test
// fixtures and developer tooling; production attestations are produced by
// the off-system attestation service.
func Sign(domain Domain, msg Message, key *ecdsa.PrivateKey) ([]byte, error) {
	if key == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "私钥不能为空")
	}
	digest, err := Digest(domain, msg)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "签名失败")
	}
	sig[64] += 27
	return sig, nil
}
