package vault

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"PoF-Vault/internal/allowlist"
	"PoF-Vault/internal/custody"
	xerrors "PoF-Vault/internal/errors"
	"PoF-Vault/internal/events"
	"PoF-Vault/internal/ledger"
	"PoF-Vault/internal/observability/alerting"
	"PoF-Vault/internal/signature"
)

var (
	ownerAddr    = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	holderAddr   = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	strangerAddr = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	assetX       = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	assetY       = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	keyK         = common.HexToHash("0x4b")

	testDomain = signature.Domain{
		Name:              "PoF-Vault",
		Version:           "1",
		ChainID:           big.NewInt(31337),
		VerifyingContract: common.HexToAddress("0x0000000000000000000000000000000000c0ffee"),
	}
)

type fixture struct {
	vault      *Vault
	store      ledger.Store
	custodian  *custody.MemoryCustodian
	signers    *allowlist.SignerAllowlist
	compliance *allowlist.ComplianceAllowlist
	events     *events.MemoryPublisher
	metrics    *recordingMetrics
	alerts     *recordingDispatcher
	signerKey  *ecdsa.PrivateKey
	now        time.Time
}

func newFixture(t *testing.T, store ledger.Store) *fixture {
	t.Helper()
	return newFixtureWith(t, store, nil)
}

// newFixtureWith 允许测试在 MemoryCustodian 外再包一层托管实现。
func newFixtureWith(t *testing.T, store ledger.Store, wrap func(*custody.MemoryCustodian) custody.Custodian) *fixture {
	t.Helper()
	if store == nil {
		store = ledger.NewMemoryStore()
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	f := &fixture{
		store:      store,
		custodian:  custody.NewMemoryCustodian(),
		signers:    allowlist.NewSignerAllowlist(ownerAddr),
		compliance: allowlist.NewComplianceAllowlist(ownerAddr),
		events:     events.NewMemoryPublisher(),
		metrics:    &recordingMetrics{},
		alerts:     &recordingDispatcher{},
		signerKey:  key,
		now:        time.Unix(1_700_000_000, 0),
	}
	ctx := context.Background()
	if err := f.signers.SetSigner(ctx, ownerAddr, crypto.PubkeyToAddress(key.PublicKey), true); err != nil {
		t.Fatalf("allow signer: %v", err)
	}
	f.custodian.Credit(holderAddr, assetX, big.NewInt(5000))

	var custodian custody.Custodian = f.custodian
	if wrap != nil {
		custodian = wrap(f.custodian)
	}
	f.vault, err = New(ctx, Params{
		Store:      store,
		Custodian:  custodian,
		Signers:    f.signers,
		Compliance: f.compliance,
		Domain:     testDomain,
		Owner:      ownerAddr,
	},
		WithEmitter(f.events),
		WithMetrics(f.metrics),
		WithAlertDispatcher(f.alerts),
		WithClock(func() time.Time { return f.now }),
	)
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	return f
}

func (f *fixture) mintEscrow(t *testing.T, amount int64, attachment *ledger.Compliance) uint64 {
	t.Helper()
	id, err := f.vault.MintEscrow(context.Background(), holderAddr, EscrowMint{
		Asset:      assetX,
		Amount:     big.NewInt(amount),
		Compliance: attachment,
	})
	if err != nil {
		t.Fatalf("mint escrow: %v", err)
	}
	return id
}

func (f *fixture) attested(t *testing.T, key *ecdsa.PrivateKey, amount int64, nonce uint64, attachment *ledger.Compliance) AttestedMint {
	t.Helper()
	msg := signature.Message{Account: holderAddr, Asset: assetX, Amount: big.NewInt(amount), Nonce: nonce}
	sig, err := signature.Sign(testDomain, msg, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return AttestedMint{
		Account:    holderAddr,
		Asset:      assetX,
		Amount:     big.NewInt(amount),
		Signature:  sig,
		Compliance: attachment,
	}
}

func (f *fixture) verify(t *testing.T, id uint64, asset common.Address, min int64) Result {
	t.Helper()
	result, err := f.vault.Verify(context.Background(), id, asset, big.NewInt(min))
	if err != nil {
		t.Fatalf("verify %d: %v", id, err)
	}
	return result
}

func withKey(key common.Hash) *ledger.Compliance {
	return &ledger.Compliance{UniquenessKey: ledger.Some(key)}
}

func expectCode(t *testing.T, err error, code xerrors.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error %s, got nil", code)
	}
	if got := xerrors.CodeOf(err); got != code {
		t.Fatalf("expected code %s, got %s (%v)", code, got, err)
	}
}

func expectReason(t *testing.T, result Result, reason Reason) {
	t.Helper()
	if result.Reason != reason {
		t.Fatalf("expected reason %s, got %s", reason, result.Reason)
	}
	if result.Valid != (reason == ReasonOK) {
		t.Fatalf("valid flag %v does not match reason %s", result.Valid, reason)
	}
}

type recordingMetrics struct {
	mu         sync.Mutex
	operations map[string]int
	verifies   map[string]int
}

func (m *recordingMetrics) ObserveOperation(op, code string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.operations == nil {
		m.operations = make(map[string]int)
	}
	m.operations[op+":"+code]++
}

func (m *recordingMetrics) ObserveVerify(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.verifies == nil {
		m.verifies = make(map[string]int)
	}
	m.verifies[reason]++
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (d *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
	return nil
}

func TestScenarioEscrowMintAndVerify(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	id := f.mintEscrow(t, 1000, nil)
	if id != ledger.FirstID {
		t.Fatalf("expected first id %d, got %d", ledger.FirstID, id)
	}
	escrowed, err := f.vault.Escrowed(ctx, id)
	if err != nil || escrowed.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("expected escrow 1000, got %v (%v)", escrowed, err)
	}
	if bal := f.custodian.BalanceOf(holderAddr, assetX); bal.Cmp(big.NewInt(4000)) != 0 {
		t.Fatalf("expected holder balance 4000, got %s", bal)
	}
	if held := f.custodian.Custodied(assetX); held.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("expected custody 1000, got %s", held)
	}

	expectReason(t, f.verify(t, id, assetX, 1000), ReasonOK)
	expectReason(t, f.verify(t, id, assetX, 1001), ReasonInsufficientEscrow)
	expectReason(t, f.verify(t, id, common.Address{}, 0), ReasonOK)

	if got := len(f.events.OfType(events.TypeMinted)); got != 1 {
		t.Fatalf("expected one mint event, got %d", got)
	}
	if got := len(f.events.OfType(events.TypeComplianceAttached)); got != 0 {
		t.Fatalf("expected no compliance event, got %d", got)
	}

	record, err := f.vault.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if record.Mode != ledger.ModeEscrow || record.Holder != holderAddr || record.IssuedAt != f.now.Unix() {
		t.Fatalf("unexpected record %+v", record)
	}
	if record.Signer != (common.Address{}) {
		t.Fatalf("escrow record must not carry a signer")
	}
}

func TestScenarioUnknownRecord(t *testing.T) {
	f := newFixture(t, nil)
	expectReason(t, f.verify(t, 999, assetY, 0), ReasonTokenNotFound)

	first := f.verify(t, 999, assetY, 0)
	second := f.verify(t, 999, assetY, 0)
	if first != second {
		t.Fatalf("verify must be deterministic: %+v vs %+v", first, second)
	}
	if f.metrics.verifies[string(ReasonTokenNotFound)] != 3 {
		t.Fatalf("expected verify metrics to be recorded, got %v", f.metrics.verifies)
	}
}

func TestScenarioUniquenessAcrossBurn(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first := f.mintEscrow(t, 100, withKey(keyK))
	_, err := f.vault.MintEscrow(ctx, holderAddr, EscrowMint{Asset: assetX, Amount: big.NewInt(100), Compliance: withKey(keyK)})
	expectCode(t, err, CodeUniquenessConflict)
	if bal := f.custodian.BalanceOf(holderAddr, assetX); bal.Cmp(big.NewInt(4900)) != 0 {
		t.Fatalf("conflicting mint must not move funds, balance %s", bal)
	}

	if err := f.vault.Burn(ctx, holderAddr, first); err != nil {
		t.Fatalf("burn: %v", err)
	}
	active, err := f.vault.IsUniquenessActive(ctx, keyK)
	if err != nil || active {
		t.Fatalf("expected key released after burn, active=%v err=%v", active, err)
	}

	third := f.mintEscrow(t, 100, withKey(keyK))
	if third <= first {
		t.Fatalf("ids must increase and never be reused: %d after %d", third, first)
	}
	if active, _ := f.vault.IsUniquenessActive(ctx, keyK); !active {
		t.Fatalf("expected key reserved by the new record")
	}
}

func TestScenarioAttestedSigner(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	rogue, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	_, err = f.vault.MintAttested(ctx, holderAddr, f.attested(t, rogue, 500, 0, nil))
	expectCode(t, err, CodeInvalidSigner)
	if reason := xerrors.ReasonOf(err); reason != ReasonSignerNotAllowed {
		t.Fatalf("expected reason %s, got %s", ReasonSignerNotAllowed, reason)
	}
	if len(f.events.OfType(events.TypeMinted)) != 0 {
		t.Fatalf("rejected mint must not emit events")
	}

	// 被拒绝的签名同样消耗了 nonce 0。
	nonce, err := f.vault.NonceOf(ctx, holderAddr)
	if err != nil || nonce != 1 {
		t.Fatalf("expected nonce 1 after rejection, got %d (%v)", nonce, err)
	}

	id, err := f.vault.MintAttested(ctx, holderAddr, f.attested(t, f.signerKey, 500, 1, nil))
	if err != nil {
		t.Fatalf("mint attested: %v", err)
	}
	record, err := f.vault.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if record.Mode != ledger.ModeAttested || record.Signer != crypto.PubkeyToAddress(f.signerKey.PublicKey) {
		t.Fatalf("unexpected record %+v", record)
	}
	minted := f.events.OfType(events.TypeMinted)
	if len(minted) != 1 || minted[0].Attributes["signer"] != record.Signer.Hex() {
		t.Fatalf("expected mint event naming the signer, got %+v", minted)
	}
	if escrowed, _ := f.vault.Escrowed(ctx, id); escrowed.Sign() != 0 {
		t.Fatalf("attested record must not hold escrow, got %s", escrowed)
	}
	expectReason(t, f.verify(t, id, assetX, 500), ReasonOK)
}

func TestAttestedReplayRejected(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	req := f.attested(t, f.signerKey, 300, 0, nil)
	if _, err := f.vault.MintAttested(ctx, holderAddr, req); err != nil {
		t.Fatalf("first mint: %v", err)
	}
	_, err := f.vault.MintAttested(ctx, holderAddr, req)
	expectCode(t, err, CodeInvalidSigner)

	if nonce, _ := f.vault.NonceOf(ctx, holderAddr); nonce != 2 {
		t.Fatalf("expected nonce 2 after replay attempt, got %d", nonce)
	}
	// 旧 nonce 的签名永远无法再被接受。
	_, err = f.vault.MintAttested(ctx, holderAddr, f.attested(t, f.signerKey, 300, 1, nil))
	expectCode(t, err, CodeInvalidSigner)
	if _, err := f.vault.MintAttested(ctx, holderAddr, f.attested(t, f.signerKey, 300, 3, nil)); err != nil {
		t.Fatalf("mint with current nonce: %v", err)
	}
}

func TestAttestedRejectionKeepsKeyFree(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	req := f.attested(t, f.signerKey, 300, 0, withKey(keyK))
	req.Signature = []byte{1, 2, 3}
	_, err := f.vault.MintAttested(ctx, holderAddr, req)
	expectCode(t, err, CodeInvalidSigner)
	if reason := xerrors.ReasonOf(err); reason != signature.ReasonLength {
		t.Fatalf("expected malformed signature reason, got %q", reason)
	}
	if active, _ := f.vault.IsUniquenessActive(ctx, keyK); active {
		t.Fatalf("rejected mint must not hold the uniqueness key")
	}
	if nonce, _ := f.vault.NonceOf(ctx, holderAddr); nonce != 1 {
		t.Fatalf("expected nonce consumed, got %d", nonce)
	}
	if _, err := f.vault.MintAttested(ctx, holderAddr, f.attested(t, f.signerKey, 300, 1, withKey(keyK))); err != nil {
		t.Fatalf("mint with key after rejection: %v", err)
	}
}

func TestAttestedSelfMintOnly(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.vault.MintAttested(ctx, strangerAddr, f.attested(t, f.signerKey, 300, 0, nil))
	expectCode(t, err, CodeNotHolder)
	if reason := xerrors.ReasonOf(err); reason != ReasonSelfMintOnly {
		t.Fatalf("expected reason %s, got %s", ReasonSelfMintOnly, reason)
	}
	if nonce, _ := f.vault.NonceOf(ctx, holderAddr); nonce != 0 {
		t.Fatalf("precondition failure must not consume a nonce, got %d", nonce)
	}
}

func TestSignerRevocationIsRetroactive(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	id, err := f.vault.MintAttested(ctx, holderAddr, f.attested(t, f.signerKey, 700, 0, nil))
	if err != nil {
		t.Fatalf("mint attested: %v", err)
	}
	expectReason(t, f.verify(t, id, assetX, 700), ReasonOK)
	expectReason(t, f.verify(t, id, assetX, 701), ReasonInsufficientAttested)

	signer := crypto.PubkeyToAddress(f.signerKey.PublicKey)
	if err := f.signers.SetSigner(ctx, ownerAddr, signer, false); err != nil {
		t.Fatalf("revoke signer: %v", err)
	}
	expectReason(t, f.verify(t, id, assetX, 700), ReasonAttesterNotAllowed)
	expectReason(t, f.verify(t, id, assetX, 701), ReasonAttesterNotAllowed)

	if err := f.signers.SetSigner(ctx, ownerAddr, signer, true); err != nil {
		t.Fatalf("restore signer: %v", err)
	}
	expectReason(t, f.verify(t, id, assetX, 700), ReasonOK)
}

func TestMintPreconditions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	provider := common.HexToAddress("0x00000000000000000000000000000000000000d1")
	version := common.HexToHash("0x5a")

	cases := []struct {
		name   string
		req    EscrowMint
		code   xerrors.Code
		reason string
	}{
		{name: "zero amount", req: EscrowMint{Asset: assetX, Amount: big.NewInt(0)}, code: CodeInvalidAmount},
		{name: "nil amount", req: EscrowMint{Asset: assetX}, code: CodeInvalidAmount},
		{name: "negative amount", req: EscrowMint{Asset: assetX, Amount: big.NewInt(-5)}, code: CodeInvalidAmount},
		{
			name:   "unknown provider",
			req:    EscrowMint{Asset: assetX, Amount: big.NewInt(10), Compliance: &ledger.Compliance{KYCProvider: ledger.Some(provider)}},
			code:   CodeComplianceRejected,
			reason: ReasonKYCProvider,
		},
		{
			name:   "unknown sanctions version",
			req:    EscrowMint{Asset: assetX, Amount: big.NewInt(10), Compliance: &ledger.Compliance{SanctionsVersion: ledger.Some(version)}},
			code:   CodeComplianceRejected,
			reason: ReasonSanctionsVersion,
		},
		{
			name:   "zero uniqueness key",
			req:    EscrowMint{Asset: assetX, Amount: big.NewInt(10), Compliance: withKey(common.Hash{})},
			code:   CodeInvalidAttachment,
			reason: ReasonZeroUniqueness,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.vault.MintEscrow(ctx, holderAddr, tc.req)
			expectCode(t, err, tc.code)
			if tc.reason != "" && xerrors.ReasonOf(err) != tc.reason {
				t.Fatalf("expected reason %s, got %s", tc.reason, xerrors.ReasonOf(err))
			}
		})
	}
	if bal := f.custodian.BalanceOf(holderAddr, assetX); bal.Cmp(big.NewInt(5000)) != 0 {
		t.Fatalf("rejected mints must not move funds, balance %s", bal)
	}

	if err := f.compliance.SetProvider(ctx, ownerAddr, provider, true); err != nil {
		t.Fatalf("allow provider: %v", err)
	}
	if err := f.compliance.SetSanctionsVersion(ctx, ownerAddr, version, true); err != nil {
		t.Fatalf("allow version: %v", err)
	}
	attachment := &ledger.Compliance{
		KYCProvider:      ledger.Some(provider),
		KYCReference:     ledger.Some(common.HexToHash("0x01")),
		SanctionsVersion: ledger.Some(version),
		PackReference:    ledger.Some("bafy-pack"),
	}
	id := f.mintEscrow(t, 10, attachment)
	attached := f.events.OfType(events.TypeComplianceAttached)
	if len(attached) != 1 || attached[0].RecordID != id || attached[0].Attributes["pack_reference"] != "bafy-pack" {
		t.Fatalf("expected compliance event for record %d, got %+v", id, attached)
	}
	record, _ := f.vault.Get(ctx, id)
	if got, ok := record.Compliance.PackReference.Get(); !ok || got != "bafy-pack" {
		t.Fatalf("compliance attachment not stored: %+v", record.Compliance)
	}
	if record.Compliance.LicenseHash.IsSome() {
		t.Fatalf("absent fields must stay absent")
	}
}

func TestEscrowCustodyFailureLeavesNoState(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.vault.MintEscrow(ctx, holderAddr, EscrowMint{Asset: assetX, Amount: big.NewInt(6000), Compliance: withKey(keyK)})
	expectCode(t, err, CodeCustodyTransferFailed)
	if reason := xerrors.ReasonOf(err); reason != string(custody.CodeInsufficientFunds) {
		t.Fatalf("expected custody reason, got %q", reason)
	}
	if active, _ := f.vault.IsUniquenessActive(ctx, keyK); active {
		t.Fatalf("failed mint must release the reservation")
	}
	records, err := f.vault.List(ctx)
	if err != nil || len(records) != 0 {
		t.Fatalf("expected empty ledger, got %d records (%v)", len(records), err)
	}
	if id := f.mintEscrow(t, 100, withKey(keyK)); id != ledger.FirstID {
		t.Fatalf("failed mint must not consume an id, got %d", id)
	}
	if f.metrics.operations["mint_escrow:"+string(CodeCustodyTransferFailed)] != 1 {
		t.Fatalf("expected failure metric, got %v", f.metrics.operations)
	}
}

func TestBurn(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	id := f.mintEscrow(t, 1000, withKey(keyK))
	expectCode(t, f.vault.Burn(ctx, strangerAddr, id), CodeNotHolder)
	expectCode(t, f.vault.Burn(ctx, holderAddr, 42), CodeRecordNotFound)

	if err := f.vault.Burn(ctx, holderAddr, id); err != nil {
		t.Fatalf("burn: %v", err)
	}
	if bal := f.custodian.BalanceOf(holderAddr, assetX); bal.Cmp(big.NewInt(5000)) != 0 {
		t.Fatalf("expected funds returned, balance %s", bal)
	}
	if held := f.custodian.Custodied(assetX); held.Sign() != 0 {
		t.Fatalf("expected empty custody, got %s", held)
	}
	_, err := f.vault.Get(ctx, id)
	expectCode(t, err, CodeRecordNotFound)
	expectReason(t, f.verify(t, id, assetX, 0), ReasonTokenNotFound)
	if escrowed, _ := f.vault.Escrowed(ctx, id); escrowed.Sign() != 0 {
		t.Fatalf("expected zero escrow after burn, got %s", escrowed)
	}
	burned := f.events.OfType(events.TypeBurned)
	if len(burned) != 1 || burned[0].Attributes["released"] != "1000" {
		t.Fatalf("unexpected burn events %+v", burned)
	}
	expectCode(t, f.vault.Burn(ctx, holderAddr, id), CodeRecordNotFound)
}

func TestBurnAttestedReleasesKeyWithoutCustody(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	id, err := f.vault.MintAttested(ctx, holderAddr, f.attested(t, f.signerKey, 300, 0, withKey(keyK)))
	if err != nil {
		t.Fatalf("mint attested: %v", err)
	}
	f.custodian.AddHook(func(context.Context, custody.Transfer) error {
		t.Fatalf("attested burn must not touch custody")
		return nil
	})
	if err := f.vault.Burn(ctx, holderAddr, id); err != nil {
		t.Fatalf("burn: %v", err)
	}
	if active, _ := f.vault.IsUniquenessActive(ctx, keyK); active {
		t.Fatalf("expected key released")
	}
}

func TestBurnTransferOutFailureRestores(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	id := f.mintEscrow(t, 1000, withKey(keyK))
	f.custodian.AddHook(func(_ context.Context, transfer custody.Transfer) error {
		if transfer.Direction == custody.DirectionOut {
			return xerrors.New(custody.CodeRejected, "custodian offline")
		}
		return nil
	})

	err := f.vault.Burn(ctx, holderAddr, id)
	expectCode(t, err, CodeCustodyTransferFailed)

	record, err := f.vault.Get(ctx, id)
	if err != nil || record.Amount.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("expected record restored, got %+v (%v)", record, err)
	}
	if escrowed, _ := f.vault.Escrowed(ctx, id); escrowed.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("expected escrow restored, got %s", escrowed)
	}
	if active, _ := f.vault.IsUniquenessActive(ctx, keyK); !active {
		t.Fatalf("expected key reserved again")
	}
	if held := f.custodian.Custodied(assetX); held.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("custody must be untouched, got %s", held)
	}
	if len(f.events.OfType(events.TypeBurned)) != 0 {
		t.Fatalf("failed burn must not emit events")
	}
	expectReason(t, f.verify(t, id, assetX, 1000), ReasonOK)
}

const pendingTxHash = "0x5e1f00000000000000000000000000000000000000000000000000000000beef"

// lateReceipt 让转账照常生效，但在收据到达前放弃等待，与链上托管超时时的表现一致。
type lateReceipt struct {
	*custody.MemoryCustodian
	in, out bool
}

func (l *lateReceipt) TransferIn(ctx context.Context, from, asset common.Address, amount *big.Int) error {
	if err := l.MemoryCustodian.TransferIn(ctx, from, asset, amount); err != nil {
		return err
	}
	if l.in {
		return xerrors.New(custody.CodeUnconfirmed, "交易已发送但未确认", xerrors.WithMetadata("tx_hash", pendingTxHash))
	}
	return nil
}

func (l *lateReceipt) TransferOut(ctx context.Context, to, asset common.Address, amount *big.Int) error {
	if err := l.MemoryCustodian.TransferOut(ctx, to, asset, amount); err != nil {
		return err
	}
	if l.out {
		return xerrors.New(custody.CodeUnconfirmed, "交易已发送但未确认", xerrors.WithMetadata("tx_hash", pendingTxHash))
	}
	return nil
}

func newLateReceiptFixture(t *testing.T) (*fixture, *lateReceipt) {
	t.Helper()
	var late *lateReceipt
	f := newFixtureWith(t, nil, func(m *custody.MemoryCustodian) custody.Custodian {
		late = &lateReceipt{MemoryCustodian: m}
		return late
	})
	return f, late
}

func expectPendingAlert(t *testing.T, f *fixture, op string) {
	t.Helper()
	f.alerts.mu.Lock()
	defer f.alerts.mu.Unlock()
	if len(f.alerts.events) != 1 {
		t.Fatalf("expected one alert, got %+v", f.alerts.events)
	}
	event := f.alerts.events[0]
	if event.Code != custody.CodeUnconfirmed || event.Operation != op {
		t.Fatalf("unexpected alert %+v", event)
	}
	if event.Severity != xerrors.SeverityCritical || event.Metadata["tx_hash"] != pendingTxHash {
		t.Fatalf("alert must be critical and carry the tx hash, got %+v", event)
	}
}

func TestBurnUnconfirmedTransferOutKeepsBurn(t *testing.T) {
	f, late := newLateReceiptFixture(t)
	ctx := context.Background()

	id := f.mintEscrow(t, 1000, withKey(keyK))
	f.custodian.Credit(strangerAddr, assetX, big.NewInt(1000))
	otherID, err := f.vault.MintEscrow(ctx, strangerAddr, EscrowMint{Asset: assetX, Amount: big.NewInt(1000)})
	if err != nil {
		t.Fatalf("mint other: %v", err)
	}

	late.out = true
	if err := f.vault.Burn(ctx, holderAddr, id); err != nil {
		t.Fatalf("burn with pending transfer-out: %v", err)
	}
	expectCode(t, f.vault.Burn(ctx, holderAddr, id), CodeRecordNotFound)

	if bal := f.custodian.BalanceOf(holderAddr, assetX); bal.Cmp(big.NewInt(5000)) != 0 {
		t.Fatalf("escrow must be released exactly once, balance %s", bal)
	}
	if held := f.custodian.Custodied(assetX); held.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("other record must stay backed, custody %s", held)
	}
	if escrowed, _ := f.vault.Escrowed(ctx, otherID); escrowed.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("unexpected escrow for other record %s", escrowed)
	}
	if active, _ := f.vault.IsUniquenessActive(ctx, keyK); active {
		t.Fatalf("committed burn must keep the key released")
	}
	burned := f.events.OfType(events.TypeBurned)
	if len(burned) != 1 || burned[0].Attributes["pending_tx"] != pendingTxHash {
		t.Fatalf("unexpected burn events %+v", burned)
	}
	expectPendingAlert(t, f, "burn")
}

func TestMintUnconfirmedTransferInAlerts(t *testing.T) {
	f, late := newLateReceiptFixture(t)
	ctx := context.Background()

	late.in = true
	_, err := f.vault.MintEscrow(ctx, holderAddr, EscrowMint{Asset: assetX, Amount: big.NewInt(1000), Compliance: withKey(keyK)})
	expectCode(t, err, CodeCustodyTransferFailed)
	if reason := xerrors.ReasonOf(err); reason != string(custody.CodeUnconfirmed) {
		t.Fatalf("expected unconfirmed reason, got %q", reason)
	}

	records, err := f.vault.List(ctx)
	if err != nil || len(records) != 0 {
		t.Fatalf("expected empty ledger, got %d records (%v)", len(records), err)
	}
	if active, _ := f.vault.IsUniquenessActive(ctx, keyK); active {
		t.Fatalf("failed mint must release the reservation")
	}
	// 没有自动退回：交易是否生效未知，由告警交给人工对账。
	if held := f.custodian.Custodied(assetX); held.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("expected no refund attempt, custody %s", held)
	}
	expectPendingAlert(t, f, "mint_escrow")
}

func TestReentrantCallsRejected(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var (
		mintErr, burnErr, transferErr error
		inner                         Result
		innerErr                      error
		escrowDuringOut               *big.Int
		fired                         = map[custody.Direction]bool{}
	)
	f.custodian.AddHook(func(hookCtx context.Context, transfer custody.Transfer) error {
		if fired[transfer.Direction] {
			return nil
		}
		fired[transfer.Direction] = true
		switch transfer.Direction {
		case custody.DirectionIn:
			_, mintErr = f.vault.MintEscrow(hookCtx, holderAddr, EscrowMint{Asset: assetX, Amount: big.NewInt(1)})
		case custody.DirectionOut:
			burnErr = f.vault.Burn(hookCtx, holderAddr, ledger.FirstID)
			transferErr = f.vault.Transfer(hookCtx, holderAddr, ledger.FirstID, strangerAddr)
			inner, innerErr = f.vault.Verify(hookCtx, ledger.FirstID, assetX, big.NewInt(0))
			escrowDuringOut, _ = f.vault.Escrowed(hookCtx, ledger.FirstID)
		}
		return nil
	})

	id := f.mintEscrow(t, 1000, nil)
	expectCode(t, mintErr, CodeReentrantCall)
	records, _ := f.vault.List(ctx)
	if len(records) != 1 {
		t.Fatalf("reentrant mint must not create a record, got %d", len(records))
	}

	if err := f.vault.Burn(ctx, holderAddr, id); err != nil {
		t.Fatalf("burn: %v", err)
	}
	expectCode(t, burnErr, CodeReentrantCall)
	expectCode(t, transferErr, CodeReentrantCall)
	if innerErr != nil {
		t.Fatalf("verify during transfer-out: %v", innerErr)
	}
	// 转出期间看到的是已完成的销毁。
	expectReason(t, inner, ReasonTokenNotFound)
	if escrowDuringOut == nil || escrowDuringOut.Sign() != 0 {
		t.Fatalf("escrow must be zeroed before transfer-out, got %v", escrowDuringOut)
	}
	if bal := f.custodian.BalanceOf(holderAddr, assetX); bal.Cmp(big.NewInt(5000)) != 0 {
		t.Fatalf("funds must be released exactly once, balance %s", bal)
	}

	f.alerts.mu.Lock()
	defer f.alerts.mu.Unlock()
	if len(f.alerts.events) != 3 {
		t.Fatalf("expected an alert per reentrant call, got %d", len(f.alerts.events))
	}
	if f.alerts.events[0].Code != CodeReentrantCall || f.alerts.events[0].Operation != "mint_escrow" {
		t.Fatalf("unexpected alert %+v", f.alerts.events[0])
	}
}

func TestSetRevoked(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	id := f.mintEscrow(t, 1000, withKey(keyK))
	expectCode(t, f.vault.SetRevoked(ctx, strangerAddr, id, true), CodeNotOwner)
	expectCode(t, f.vault.SetRevoked(ctx, ownerAddr, 77, true), CodeRecordNotFound)
	expectCode(t, f.vault.SetRevoked(ctx, strangerAddr, 77, true), CodeNotOwner)

	for i := 0; i < 2; i++ {
		if err := f.vault.SetRevoked(ctx, ownerAddr, id, true); err != nil {
			t.Fatalf("revoke #%d: %v", i+1, err)
		}
		if active, _ := f.vault.IsUniquenessActive(ctx, keyK); active {
			t.Fatalf("revoke must release the key")
		}
		expectReason(t, f.verify(t, id, assetX, 0), ReasonRevoked)
	}
	if got := len(f.events.OfType(events.TypeRevoked)); got != 1 {
		t.Fatalf("idempotent revoke must emit once, got %d", got)
	}

	listed, _ := f.vault.List(ctx)
	if len(listed) != 0 {
		t.Fatalf("revoked records are hidden by default")
	}
	listed, _ = f.vault.List(ctx, ledger.WithRevoked(true))
	if len(listed) != 1 || !listed[0].Revoked {
		t.Fatalf("revoked record must remain enumerable, got %+v", listed)
	}

	replacement := f.mintEscrow(t, 500, withKey(keyK))
	expectCode(t, f.vault.SetRevoked(ctx, ownerAddr, id, false), CodeUniquenessConflict)

	// 销毁已撤销的记录不能释放新记录占用的键。
	if err := f.vault.Burn(ctx, holderAddr, id); err != nil {
		t.Fatalf("burn revoked: %v", err)
	}
	if active, _ := f.vault.IsUniquenessActive(ctx, keyK); !active {
		t.Fatalf("replacement record lost its key")
	}
	expectReason(t, f.verify(t, replacement, assetX, 500), ReasonOK)
}

func TestUnrevokeReservesKey(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	id := f.mintEscrow(t, 1000, withKey(keyK))
	if err := f.vault.SetRevoked(ctx, ownerAddr, id, true); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := f.vault.SetRevoked(ctx, ownerAddr, id, false); err != nil {
		t.Fatalf("unrevoke: %v", err)
	}
	if active, _ := f.vault.IsUniquenessActive(ctx, keyK); !active {
		t.Fatalf("unrevoke must reserve the key again")
	}
	expectReason(t, f.verify(t, id, assetX, 1000), ReasonOK)
	if got := len(f.events.OfType(events.TypeRevoked)); got != 2 {
		t.Fatalf("expected two revocation events, got %d", got)
	}
}

func TestTransferAndSoulbound(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	id := f.mintEscrow(t, 1000, nil)
	expectCode(t, f.vault.Transfer(ctx, strangerAddr, id, holderAddr), CodeNotHolder)
	expectCode(t, f.vault.Transfer(ctx, holderAddr, 99, strangerAddr), CodeRecordNotFound)
	expectCode(t, f.vault.Transfer(ctx, holderAddr, id, common.Address{}), xerrors.CodeInvalidArgument)

	if err := f.vault.Transfer(ctx, holderAddr, id, strangerAddr); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	record, _ := f.vault.Get(ctx, id)
	if record.Holder != strangerAddr {
		t.Fatalf("expected new holder, got %s", record.Holder.Hex())
	}
	if len(f.events.OfType(events.TypeTransferred)) != 1 {
		t.Fatalf("expected transfer event")
	}

	expectCode(t, f.vault.SetSoulbound(ctx, strangerAddr, true), CodeNotOwner)
	if err := f.vault.SetSoulbound(ctx, ownerAddr, true); err != nil {
		t.Fatalf("set soulbound: %v", err)
	}
	if soulbound, _ := f.vault.Soulbound(ctx); !soulbound {
		t.Fatalf("expected soulbound flag")
	}
	err := f.vault.Transfer(ctx, strangerAddr, id, holderAddr)
	expectCode(t, err, CodeTransferRejected)
	if xerrors.ReasonOf(err) != ReasonSoulbound {
		t.Fatalf("expected soulbound reason, got %q", xerrors.ReasonOf(err))
	}

	// 铸造与销毁不受不可转让标记影响。
	second := f.mintEscrow(t, 10, nil)
	if err := f.vault.Burn(ctx, strangerAddr, id); err != nil {
		t.Fatalf("burn while soulbound: %v", err)
	}
	if bal := f.custodian.BalanceOf(strangerAddr, assetX); bal.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("escrow released to the current holder, balance %s", bal)
	}
	if err := f.vault.Burn(ctx, holderAddr, second); err != nil {
		t.Fatalf("burn second: %v", err)
	}
}

func TestVerifyExpiryAndAsset(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	expiry := uint64(f.now.Unix()) + 60
	id, err := f.vault.MintEscrow(ctx, holderAddr, EscrowMint{Asset: assetX, Amount: big.NewInt(100), Expiry: expiry})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	expectReason(t, f.verify(t, id, assetY, 0), ReasonAssetMismatch)
	expectReason(t, f.verify(t, id, assetX, 100), ReasonOK)

	f.now = f.now.Add(60 * time.Second)
	expectReason(t, f.verify(t, id, assetX, 100), ReasonOK)
	f.now = f.now.Add(time.Second)
	expectReason(t, f.verify(t, id, assetX, 100), ReasonExpired)
	// 资产不匹配先于过期检查。
	expectReason(t, f.verify(t, id, assetY, 100), ReasonAssetMismatch)

	result, err := f.vault.Verify(ctx, id, common.Address{}, nil)
	if err != nil {
		t.Fatalf("verify with nil min: %v", err)
	}
	expectReason(t, result, ReasonExpired)
}

func TestOwnership(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	owner, err := f.vault.Owner(ctx)
	if err != nil || owner != ownerAddr {
		t.Fatalf("expected bootstrap owner, got %s (%v)", owner.Hex(), err)
	}
	expectCode(t, f.vault.TransferOwnership(ctx, strangerAddr, strangerAddr), CodeNotOwner)
	expectCode(t, f.vault.TransferOwnership(ctx, ownerAddr, common.Address{}), xerrors.CodeInvalidArgument)
	if err := f.vault.TransferOwnership(ctx, ownerAddr, strangerAddr); err != nil {
		t.Fatalf("transfer ownership: %v", err)
	}
	expectCode(t, f.vault.SetSoulbound(ctx, ownerAddr, true), CodeNotOwner)
	if err := f.vault.SetSoulbound(ctx, strangerAddr, true); err != nil {
		t.Fatalf("new owner set soulbound: %v", err)
	}

	// 账本中已有管理员时，构造参数中的 Owner 被忽略。
	again, err := New(ctx, Params{
		Store:      f.store,
		Custodian:  f.custodian,
		Signers:    f.signers,
		Compliance: f.compliance,
		Domain:     testDomain,
		Owner:      ownerAddr,
	})
	if err != nil {
		t.Fatalf("reopen vault: %v", err)
	}
	if owner, _ := again.Owner(ctx); owner != strangerAddr {
		t.Fatalf("persisted owner overwritten: %s", owner.Hex())
	}
}

func TestNewValidation(t *testing.T) {
	ctx := context.Background()
	_, err := New(ctx, Params{})
	expectCode(t, err, xerrors.CodeInitializationFailure)

	base := Params{
		Store:      ledger.NewMemoryStore(),
		Custodian:  custody.NewMemoryCustodian(),
		Signers:    allowlist.NewSignerAllowlist(ownerAddr),
		Compliance: allowlist.NewComplianceAllowlist(ownerAddr),
		Domain:     testDomain,
	}
	_, err = New(ctx, base)
	expectCode(t, err, xerrors.CodeInvalidArgument)

	bad := base
	bad.Owner = ownerAddr
	bad.Domain.ChainID = nil
	if _, err := New(ctx, bad); err == nil {
		t.Fatalf("expected invalid domain to be rejected")
	}
}

func TestDomainAndDigest(t *testing.T) {
	f := newFixture(t, nil)
	domain := f.vault.Domain()
	if domain.Name != testDomain.Name || domain.ChainID.Cmp(testDomain.ChainID) != 0 {
		t.Fatalf("unexpected domain %+v", domain)
	}
	msg := signature.Message{Account: holderAddr, Asset: assetX, Amount: big.NewInt(1), Nonce: 0}
	got, err := f.vault.Digest(msg)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	want, err := signature.Digest(testDomain, msg)
	if err != nil {
		t.Fatalf("reference digest: %v", err)
	}
	if got != want {
		t.Fatalf("digest mismatch: %s vs %s", got.Hex(), want.Hex())
	}
}

func TestPebbleBackedVault(t *testing.T) {
	dir := t.TempDir()
	store, err := ledger.NewPebbleStore(ledger.PebbleConfig{Path: dir})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	f := newFixture(t, store)
	ctx := context.Background()

	id := f.mintEscrow(t, 1000, withKey(keyK))
	_, err = f.vault.MintEscrow(ctx, holderAddr, EscrowMint{Asset: assetX, Amount: big.NewInt(1), Compliance: withKey(keyK)})
	expectCode(t, err, CodeUniquenessConflict)
	attested, err := f.vault.MintAttested(ctx, holderAddr, f.attested(t, f.signerKey, 50, 0, nil))
	if err != nil {
		t.Fatalf("mint attested: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := ledger.NewPebbleStore(ledger.PebbleConfig{Path: dir})
	if err != nil {
		t.Fatalf("reopen pebble: %v", err)
	}
	defer reopened.Close()
	g := newFixture(t, reopened)
	g.signerKey = f.signerKey
	if err := g.signers.SetSigner(ctx, ownerAddr, crypto.PubkeyToAddress(f.signerKey.PublicKey), true); err != nil {
		t.Fatalf("allow signer: %v", err)
	}

	expectReason(t, g.verify(t, id, assetX, 1000), ReasonOK)
	expectReason(t, g.verify(t, attested, assetX, 50), ReasonOK)
	if nonce, _ := g.vault.NonceOf(ctx, holderAddr); nonce != 1 {
		t.Fatalf("nonce not persisted, got %d", nonce)
	}
	if active, _ := g.vault.IsUniquenessActive(ctx, keyK); !active {
		t.Fatalf("uniqueness key not persisted")
	}
	if next := g.mintEscrow(t, 1, nil); next != attested+1 {
		t.Fatalf("id counter not persisted, got %d", next)
	}
}

func TestStorageErrorsSurface(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_, err := f.vault.Verify(context.Background(), 1, assetX, big.NewInt(0))
	if err == nil {
		t.Fatalf("expected storage error from a closed store")
	}
	if errors.Is(err, context.Canceled) {
		t.Fatalf("unexpected cancellation error")
	}
}
