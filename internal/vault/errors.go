package vault

import (
	"PoF-Vault/internal/allowlist"
	xerrors "PoF-Vault/internal/errors"
	"PoF-Vault/internal/ledger"
)

// 金库操作的错误码，原样返回给调用方。
const (
	CodeInvalidAmount         xerrors.Code = "INVALID_AMOUNT"
	CodeComplianceRejected    xerrors.Code = "COMPLIANCE_REJECTED"
	CodeUniquenessConflict    xerrors.Code = "UNIQUENESS_CONFLICT"
	CodeCustodyTransferFailed xerrors.Code = "CUSTODY_TRANSFER_FAILED"
	CodeInvalidSigner         xerrors.Code = "INVALID_SIGNER"
	CodeNotHolder             xerrors.Code = "NOT_HOLDER"
	CodeNotOwner                           = allowlist.CodeNotOwner
	CodeRecordNotFound                     = ledger.CodeRecordNotFound
	CodeTransferRejected      xerrors.Code = "TRANSFER_REJECTED"
	CodeReentrantCall         xerrors.Code = "REENTRANT_CALL"
	CodeInvalidAttachment     xerrors.Code = "INVALID_ATTACHMENT"
)

// 机器可读的失败原因。
const (
	ReasonKYCProvider      = "kyc_provider"
	ReasonSanctionsVersion = "sanctions_version"
	ReasonSelfMintOnly     = "SELF_MINT_ONLY"
	ReasonSignerNotAllowed = "SIGNER_NOT_ALLOWED"
	ReasonSoulbound        = "SOULBOUND"
	ReasonZeroUniqueness   = "ZERO_UNIQUENESS_KEY"
)

func init() {
	xerrors.Register(CodeInvalidAmount, xerrors.Attributes{
		Message:  "amount must be greater than zero",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeComplianceRejected, xerrors.Attributes{
		Message:  "compliance attachment references an unauthorized identifier",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeUniquenessConflict, xerrors.Attributes{
		Message:  "uniqueness key already active",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeCustodyTransferFailed, xerrors.Attributes{
		Message:  "custody transfer failed",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeInvalidSigner, xerrors.Attributes{
		Message:  "attestation signer is invalid or not allow-listed",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeNotHolder, xerrors.Attributes{
		Message:  "caller is not the holder",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeTransferRejected, xerrors.Attributes{
		Message:  "records are non-transferable",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeReentrantCall, xerrors.Attributes{
		Message:  "reentrant vault call rejected",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeInvalidAttachment, xerrors.Attributes{
		Message:  "compliance attachment is malformed",
		Severity: xerrors.SeverityInfo,
	})
}

// storageError 保留已分类的错误，其余错误归为存储失败。
func storageError(err error, message string) error {
	if err == nil {
		return nil
	}
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, message)
}
