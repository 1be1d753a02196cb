package allowlist

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "PoF-Vault/internal/errors"
	"PoF-Vault/pkg/logger"
)

// CodeNotOwner 表示调用方不是管理员。
const CodeNotOwner xerrors.Code = "NOT_OWNER"

func init() {
	xerrors.Register(CodeNotOwner, xerrors.Attributes{
		Message:  "caller is not the owner",
		Severity: xerrors.SeverityWarning,
	})
}

// 变更所属的名单。
const (
	ListSigner           = "signer"
	ListKYCProvider      = "kyc_provider"
	ListSanctionsVersion = "sanctions_version"
	ListOwner            = "owner"
)

// Change 描述一次已生效的名单变更。
type Change struct {
	List    string         `json:"list"`
	Subject string         `json:"subject"`
	Allowed bool           `json:"allowed"`
	Caller  common.Address `json:"caller"`
	At      time.Time      `json:"at"`
}

// Observer 在名单变更提交后被调用，调用时不持有名单锁。
type Observer func(ctx context.Context, change Change)

// Option 用于定制名单实例。
type Option func(*ownerGuard)

// WithObserver 注册名单变更回调。
func WithObserver(observer Observer) Option {
	return func(g *ownerGuard) {
		if observer != nil {
			g.observers = append(g.observers, observer)
		}
	}
}

// WithClock 替换时间源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(g *ownerGuard) {
		if now != nil {
			g.now = now
		}
	}
}

// ownerGuard 封装单一管理员的权限校验与变更通知。
type ownerGuard struct {
	mu        sync.RWMutex
	name      string
	owner     common.Address
	observers []Observer
	now       func() time.Time
}

func newOwnerGuard(name string, owner common.Address, opts []Option) *ownerGuard {
	g := &ownerGuard{name: name, owner: owner, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// requireOwnerLocked 要求调用方已持有写锁。
func (g *ownerGuard) requireOwnerLocked(caller common.Address, action string) error {
	if caller != g.owner {
		logger.Audit().Warn("allowlist_denied",
			slog.String("allowlist", g.name),
			slog.String("action", action),
			slog.String("caller", caller.Hex()),
		)
		return xerrors.New(CodeNotOwner, "仅名单管理员可以执行该操作", xerrors.WithMetadata("allowlist", g.name))
	}
	return nil
}

func (g *ownerGuard) notify(ctx context.Context, change Change) {
	logger.Audit().Info("allowlist_changed",
		slog.String("allowlist", g.name),
		slog.String("list", change.List),
		slog.String("subject", change.Subject),
		slog.Bool("allowed", change.Allowed),
		slog.String("caller", change.Caller.Hex()),
	)
	for _, observer := range g.observers {
		observer(ctx, change)
	}
}

func (g *ownerGuard) Owner() common.Address {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.owner
}

func (g *ownerGuard) transferOwnership(ctx context.Context, caller, newOwner common.Address) error {
	if newOwner == (common.Address{}) {
		return xerrors.New(xerrors.CodeInvalidArgument, "新管理员地址不能为空")
	}
	g.mu.Lock()
	if err := g.requireOwnerLocked(caller, "transfer_ownership"); err != nil {
		g.mu.Unlock()
		return err
	}
	g.owner = newOwner
	at := g.now()
	g.mu.Unlock()

	g.notify(ctx, Change{List: ListOwner, Subject: newOwner.Hex(), Allowed: true, Caller: caller, At: at})
	return nil
}

func setMember[K comparable](members map[K]struct{}, key K, allowed bool) {
	if allowed {
		members[key] = struct{}{}
		return
	}
	delete(members, key)
}

func sortedAddresses(members map[common.Address]struct{}) []common.Address {
	out := make([]common.Address, 0, len(members))
	for addr := range members {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

func sortedHashes(members map[common.Hash]struct{}) []common.Hash {
	out := make([]common.Hash, 0, len(members))
	for h := range members {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}
