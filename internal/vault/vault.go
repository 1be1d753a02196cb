package vault

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"PoF-Vault/internal/custody"
	xerrors "PoF-Vault/internal/errors"
	"PoF-Vault/internal/events"
	"PoF-Vault/internal/ledger"
	"PoF-Vault/internal/observability/alerting"
	"PoF-Vault/internal/signature"
	"PoF-Vault/pkg/logger"
)

// SignerDirectory 提供签名者名单的实时查询。
type SignerDirectory interface {
	IsAuthorized(signer common.Address) bool
}

// ComplianceDirectory 提供合规名单的实时查询。
type ComplianceDirectory interface {
	IsAuthorizedProvider(provider common.Address) bool
	IsAuthorizedSanctionsVersion(version common.Hash) bool
}

// Metrics 接收金库操作的结果与耗时。
type Metrics interface {
	ObserveOperation(op, code string, duration time.Duration)
	ObserveVerify(reason string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveOperation(string, string, time.Duration) {}
func (noopMetrics) ObserveVerify(string)                           {}

// Params 汇总构造金库所需的协作者。
type Params struct {
	Store      ledger.Store
	Custodian  custody.Custodian
	Signers    SignerDirectory
	Compliance ComplianceDirectory
	Domain     signature.Domain
	// Owner 仅在账本尚未记录管理员时写入。
	Owner common.Address
}

// Vault 是资金证明的发行与校验状态机。所有写操作在同一把互斥锁下串行执行，
// 并各自通过一次账本事务提交。
type Vault struct {
	store      ledger.Store
	custodian  custody.Custodian
	signers    SignerDirectory
	compliance ComplianceDirectory
	verifier   *signature.Verifier

	emitter events.Emitter
	metrics Metrics
	alerter alerting.Dispatcher
	now     func() time.Time
	log     *slog.Logger

	mu sync.RWMutex
}

// Option 定制金库实例。
type Option func(*Vault)

// WithEmitter 指定事件接收方。
func WithEmitter(emitter events.Emitter) Option {
	return func(v *Vault) {
		if emitter != nil {
			v.emitter = emitter
		}
	}
}

// WithMetrics 指定指标收集器。
func WithMetrics(metrics Metrics) Option {
	return func(v *Vault) {
		if metrics != nil {
			v.metrics = metrics
		}
	}
}

// WithAlertDispatcher 配置告警派发器，需要告警的错误码会被派发。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(v *Vault) {
		v.alerter = dispatcher
	}
}

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(v *Vault) {
		if now != nil {
			v.now = now
		}
	}
}

// New 构造金库。账本中没有管理员时写入 p.Owner。
func New(ctx context.Context, p Params, opts ...Option) (*Vault, error) {
	if p.Store == nil || p.Custodian == nil || p.Signers == nil || p.Compliance == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "金库缺少必要的协作者")
	}
	verifier, err := signature.NewVerifier(p.Domain)
	if err != nil {
		return nil, err
	}

	v := &Vault{
		store:      p.Store,
		custodian:  p.Custodian,
		signers:    p.Signers,
		compliance: p.Compliance,
		verifier:   verifier,
		emitter:    events.Discard{},
		metrics:    noopMetrics{},
		now:        time.Now,
		log:        logger.Named("vault"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}

	err = p.Store.Update(ctx, func(tx ledger.Tx) error {
		owner, err := tx.Owner(ctx)
		if err != nil {
			return err
		}
		if owner != (common.Address{}) {
			return nil
		}
		if p.Owner == (common.Address{}) {
			return xerrors.New(xerrors.CodeInvalidArgument, "未配置金库管理员")
		}
		return tx.SetOwner(ctx, p.Owner)
	})
	if err != nil {
		return nil, storageError(err, "初始化金库管理员失败")
	}
	return v, nil
}

// begin 在获取写锁之前拒绝重入调用，并返回释放锁与记录指标的函数。
func (v *Vault) begin(ctx context.Context, op string) (func(*error), error) {
	if inCustodyCall(ctx) {
		err := xerrors.New(CodeReentrantCall, "托管转账期间禁止再次调用金库", xerrors.WithMetadata("operation", op))
		v.finish(ctx, op, v.now(), err)
		return nil, err
	}
	started := v.now()
	v.mu.Lock()
	return func(errp *error) {
		v.mu.Unlock()
		var err error
		if errp != nil {
			err = *errp
		}
		v.finish(ctx, op, started, err)
	}, nil
}

func (v *Vault) finish(ctx context.Context, op string, started time.Time, err error) {
	code := "OK"
	if err != nil {
		code = string(xerrors.CodeOf(err))
		v.log.Warn("金库操作失败",
			slog.String("operation", op),
			slog.String("code", code),
			slog.String("reason", xerrors.ReasonOf(err)),
			slog.Any("error", err),
		)
		v.alert(ctx, op, err)
	}
	v.metrics.ObserveOperation(op, code, v.now().Sub(started))
}

func (v *Vault) alert(ctx context.Context, op string, err error) {
	if v.alerter == nil {
		return
	}
	e, ok := xerrors.From(err)
	code := xerrors.CodeOf(err)
	if !xerrors.AttributesOf(code).Alert {
		return
	}
	metadata := map[string]string{"operation": op}
	if ok {
		for k, val := range e.Metadata() {
			metadata[k] = val
		}
	}
	event := alerting.Event{
		Code:       code,
		Message:    err.Error(),
		Severity:   xerrors.SeverityOf(err),
		Operation:  op,
		Metadata:   metadata,
		OccurredAt: v.now(),
	}
	if notifyErr := v.alerter.Notify(ctx, event); notifyErr != nil {
		v.log.Error("告警派发失败", slog.Any("error", notifyErr))
	}
}

// requireOwner 在事务内校验管理员身份。
func requireOwner(ctx context.Context, tx ledger.Reader, caller common.Address) error {
	owner, err := tx.Owner(ctx)
	if err != nil {
		return err
	}
	if caller != owner {
		return xerrors.New(CodeNotOwner, "仅金库管理员可以执行该操作")
	}
	return nil
}

func (v *Vault) emit(ctx context.Context, event events.Event) {
	v.emitter.Emit(ctx, event)
}
