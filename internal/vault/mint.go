package vault

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"PoF-Vault/internal/custody"
	xerrors "PoF-Vault/internal/errors"
	"PoF-Vault/internal/events"
	"PoF-Vault/internal/ledger"
	"PoF-Vault/internal/signature"
	"PoF-Vault/pkg/logger"
)

// EscrowMint 描述托管模式铸造的请求。
type EscrowMint struct {
	Asset      common.Address
	Amount     *big.Int
	Expiry     uint64
	Compliance *ledger.Compliance
}

// AttestedMint 描述签名背书模式铸造的请求。
type AttestedMint struct {
	Account    common.Address
	Asset      common.Address
	Amount     *big.Int
	Expiry     uint64
	Signature  []byte
	Compliance *ledger.Compliance
}

func validateAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return xerrors.New(CodeInvalidAmount, "金额必须大于 0")
	}
	return nil
}

// checkCompliance 校验附件中的 KYC 提供方与制裁名单版本，每次都实时查询名单。
func (v *Vault) checkCompliance(attachment *ledger.Compliance) error {
	if attachment == nil {
		return nil
	}
	if provider, ok := attachment.KYCProvider.Get(); ok && !v.compliance.IsAuthorizedProvider(provider) {
		return xerrors.New(CodeComplianceRejected, "KYC 提供方未获授权",
			xerrors.WithReason(ReasonKYCProvider),
			xerrors.WithMetadata("kyc_provider", provider.Hex()))
	}
	if version, ok := attachment.SanctionsVersion.Get(); ok && !v.compliance.IsAuthorizedSanctionsVersion(version) {
		return xerrors.New(CodeComplianceRejected, "制裁名单版本未获授权",
			xerrors.WithReason(ReasonSanctionsVersion),
			xerrors.WithMetadata("sanctions_version", version.Hex()))
	}
	return nil
}

func allocateID(ctx context.Context, tx ledger.Tx) (uint64, error) {
	next, err := tx.NextID(ctx)
	if err != nil {
		return 0, err
	}
	if err := tx.SetNextID(ctx, next+1); err != nil {
		return 0, err
	}
	return next, nil
}

func cloneCompliance(c *ledger.Compliance) *ledger.Compliance {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// MintEscrow 将 caller 的资产转入托管并发行托管模式的记录。
// 转入已发送但未确认时不发行记录，并发出带交易哈希的告警。
func (v *Vault) MintEscrow(ctx context.Context, caller common.Address, req EscrowMint) (id uint64, err error) {
	done, err := v.begin(ctx, "mint_escrow")
	if err != nil {
		return 0, err
	}
	defer done(&err)

	if err := validateAmount(req.Amount); err != nil {
		return 0, err
	}
	if err := v.checkCompliance(req.Compliance); err != nil {
		return 0, err
	}
	key, hasKey, err := uniquenessKey(req.Compliance)
	if err != nil {
		return 0, err
	}

	amount := new(big.Int).Set(req.Amount)
	var (
		record      *ledger.Record
		transferred bool
		pending     error
	)
	err = v.store.Update(ctx, func(tx ledger.Tx) error {
		if err := reserve(ctx, tx, key, hasKey); err != nil {
			return err
		}
		if err := v.custodian.TransferIn(withCustodyFrame(ctx, "mint_escrow"), caller, req.Asset, amount); err != nil {
			if custody.IsUnconfirmed(err) {
				pending = err
			}
			return xerrors.Wrap(CodeCustodyTransferFailed, err, "托管转入失败",
				xerrors.WithReason(string(xerrors.CodeOf(err))))
		}
		transferred = true

		next, err := allocateID(ctx, tx)
		if err != nil {
			return err
		}
		record = &ledger.Record{
			ID:         next,
			Mode:       ledger.ModeEscrow,
			Holder:     caller,
			Asset:      req.Asset,
			Amount:     new(big.Int).Set(amount),
			IssuedAt:   v.now().Unix(),
			Expiry:     req.Expiry,
			Compliance: cloneCompliance(req.Compliance),
		}
		if err := tx.PutRecord(ctx, record); err != nil {
			return err
		}
		return tx.SetEscrow(ctx, next, amount)
	})
	if err != nil {
		if transferred {
			v.refund(ctx, caller, req.Asset, amount)
		}
		// 转入可能稍后上链，资产会停留在托管账户而没有对应记录。
		if pending != nil {
			v.unconfirmed(ctx, "mint_escrow", 0, pending)
		}
		return 0, storageError(err, "写入托管记录失败")
	}

	v.afterMint(ctx, record)
	return record.ID, nil
}

// refund 在托管转入成功但账本未能提交时退回资产。
func (v *Vault) refund(ctx context.Context, to, asset common.Address, amount *big.Int) {
	if err := v.custodian.TransferOut(withCustodyFrame(ctx, "mint_refund"), to, asset, amount); err != nil {
		wrapped := xerrors.Wrap(CodeCustodyTransferFailed, err, "账本提交失败后退回托管资产失败",
			xerrors.WithSeverity(xerrors.SeverityCritical),
			xerrors.WithMetadata("holder", to.Hex()),
			xerrors.WithMetadata("asset", asset.Hex()),
			xerrors.WithMetadata("amount", amount.String()))
		v.log.Error("托管资产退回失败", slog.Any("error", wrapped))
		v.alert(ctx, "mint_refund", wrapped)
	}
}

// MintAttested 校验签名背书后发行 attested 模式的记录。签名校验前先消耗 nonce，
// 即使签名被拒绝该 nonce 也不会回滚。
func (v *Vault) MintAttested(ctx context.Context, caller common.Address, req AttestedMint) (id uint64, err error) {
	done, err := v.begin(ctx, "mint_attested")
	if err != nil {
		return 0, err
	}
	defer done(&err)

	if caller != req.Account {
		return 0, xerrors.New(CodeNotHolder, "只能为自己铸造 attested 记录", xerrors.WithReason(ReasonSelfMintOnly))
	}
	if err := validateAmount(req.Amount); err != nil {
		return 0, err
	}
	if err := v.checkCompliance(req.Compliance); err != nil {
		return 0, err
	}
	key, hasKey, err := uniquenessKey(req.Compliance)
	if err != nil {
		return 0, err
	}

	var (
		record *ledger.Record
		nonce  uint64
		sigErr error
	)
	err = v.store.Update(ctx, func(tx ledger.Tx) error {
		if err := reserve(ctx, tx, key, hasKey); err != nil {
			return err
		}
		current, err := tx.Nonce(ctx, req.Account)
		if err != nil {
			return err
		}
		nonce = current
		if err := tx.SetNonce(ctx, req.Account, current+1); err != nil {
			return err
		}

		signer, err := v.recoverAllowedSigner(req, current)
		if err != nil {
			sigErr = err
			return err
		}

		next, err := allocateID(ctx, tx)
		if err != nil {
			return err
		}
		record = &ledger.Record{
			ID:         next,
			Mode:       ledger.ModeAttested,
			Holder:     req.Account,
			Asset:      req.Asset,
			Amount:     new(big.Int).Set(req.Amount),
			IssuedAt:   v.now().Unix(),
			Expiry:     req.Expiry,
			Signer:     signer,
			Compliance: cloneCompliance(req.Compliance),
		}
		return tx.PutRecord(ctx, record)
	})
	if sigErr != nil && stdErrors.Is(err, sigErr) {
		// 签名被拒绝：丢弃整个事务（包括唯一性键），但单独提交 nonce 的消耗。
		burnErr := v.store.Update(ctx, func(tx ledger.Tx) error {
			return tx.SetNonce(ctx, req.Account, nonce+1)
		})
		if burnErr != nil {
			return 0, storageError(burnErr, "提交 nonce 消耗失败")
		}
		logger.Audit().Warn("attested 铸造被拒绝",
			slog.String("account", req.Account.Hex()),
			slog.Uint64("nonce_consumed", nonce),
			slog.String("reason", xerrors.ReasonOf(sigErr)),
		)
		return 0, sigErr
	}
	if err != nil {
		return 0, storageError(err, "写入 attested 记录失败")
	}

	v.afterMint(ctx, record)
	return record.ID, nil
}

func (v *Vault) recoverAllowedSigner(req AttestedMint, nonce uint64) (common.Address, error) {
	msg := signature.Message{
		Account: req.Account,
		Asset:   req.Asset,
		Amount:  req.Amount,
		Expiry:  req.Expiry,
		Nonce:   nonce,
	}
	signer, err := v.verifier.Recover(msg, req.Signature)
	if err != nil {
		return common.Address{}, xerrors.Wrap(CodeInvalidSigner, err, "签名无效", xerrors.WithReason(xerrors.ReasonOf(err)))
	}
	if !v.signers.IsAuthorized(signer) {
		return common.Address{}, xerrors.New(CodeInvalidSigner, "签名者不在名单中",
			xerrors.WithReason(ReasonSignerNotAllowed),
			xerrors.WithMetadata("signer", signer.Hex()))
	}
	return signer, nil
}

func (v *Vault) afterMint(ctx context.Context, record *ledger.Record) {
	attrs := recordAttributes(record)
	logger.Audit().Info("资金证明已铸造",
		slog.Uint64("record_id", record.ID),
		slog.String("mode", string(record.Mode)),
		slog.String("holder", record.Holder.Hex()),
		slog.String("asset", record.Asset.Hex()),
		slog.String("amount", record.Amount.String()),
		slog.String("signer", record.Signer.Hex()),
	)
	v.emit(ctx, events.New(events.TypeMinted, record.ID, attrs))
	if record.Compliance != nil {
		v.emit(ctx, events.New(events.TypeComplianceAttached, record.ID, complianceAttributes(record.Compliance)))
	}
}

func recordAttributes(record *ledger.Record) map[string]string {
	attrs := map[string]string{
		"mode":   string(record.Mode),
		"holder": record.Holder.Hex(),
		"asset":  record.Asset.Hex(),
		"amount": record.Amount.String(),
		"expiry": strconv.FormatUint(record.Expiry, 10),
	}
	if record.Mode == ledger.ModeAttested {
		attrs["signer"] = record.Signer.Hex()
	}
	return attrs
}

func complianceAttributes(c *ledger.Compliance) map[string]string {
	attrs := make(map[string]string)
	if v, ok := c.KYCProvider.Get(); ok {
		attrs["kyc_provider"] = v.Hex()
	}
	if v, ok := c.KYCReference.Get(); ok {
		attrs["kyc_reference"] = v.Hex()
	}
	if v, ok := c.SanctionsVersion.Get(); ok {
		attrs["sanctions_version"] = v.Hex()
	}
	if v, ok := c.PackReference.Get(); ok {
		attrs["pack_reference"] = v
	}
	if v, ok := c.LicenseHash.Get(); ok {
		attrs["license_hash"] = v.Hex()
	}
	if v, ok := c.UniquenessKey.Get(); ok {
		attrs["uniqueness_key"] = v.Hex()
	}
	return attrs
}
