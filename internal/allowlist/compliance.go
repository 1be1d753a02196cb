package allowlist

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// ComplianceAllowlist 保存受认可的 KYC 提供方与制裁名单版本。
// 系统只校验标识是否在名单中，不解释 KYC 或制裁内容本身。
type ComplianceAllowlist struct {
	guard     *ownerGuard
	providers map[common.Address]struct{}
	versions  map[common.Hash]struct{}
}

// NewComplianceAllowlist 创建合规名单。
func NewComplianceAllowlist(owner common.Address, opts ...Option) *ComplianceAllowlist {
	return &ComplianceAllowlist{
		guard:     newOwnerGuard("compliance", owner, opts),
		providers: make(map[common.Address]struct{}),
		versions:  make(map[common.Hash]struct{}),
	}
}

// SetProvider 设置 KYC 提供方的授权状态。
func (a *ComplianceAllowlist) SetProvider(ctx context.Context, caller, provider common.Address, allowed bool) error {
	a.guard.mu.Lock()
	if err := a.guard.requireOwnerLocked(caller, "set_kyc_provider"); err != nil {
		a.guard.mu.Unlock()
		return err
	}
	setMember(a.providers, provider, allowed)
	at := a.guard.now()
	a.guard.mu.Unlock()

	a.guard.notify(ctx, Change{List: ListKYCProvider, Subject: provider.Hex(), Allowed: allowed, Caller: caller, At: at})
	return nil
}

// SetSanctionsVersion 设置制裁名单版本的授权状态。
func (a *ComplianceAllowlist) SetSanctionsVersion(ctx context.Context, caller common.Address, version common.Hash, allowed bool) error {
	a.guard.mu.Lock()
	if err := a.guard.requireOwnerLocked(caller, "set_sanctions_version"); err != nil {
		a.guard.mu.Unlock()
		return err
	}
	setMember(a.versions, version, allowed)
	at := a.guard.now()
	a.guard.mu.Unlock()

	a.guard.notify(ctx, Change{List: ListSanctionsVersion, Subject: version.Hex(), Allowed: allowed, Caller: caller, At: at})
	return nil
}

// IsAuthorizedProvider 判断 KYC 提供方是否受认可。
func (a *ComplianceAllowlist) IsAuthorizedProvider(provider common.Address) bool {
	a.guard.mu.RLock()
	defer a.guard.mu.RUnlock()
	_, ok := a.providers[provider]
	return ok
}

// IsAuthorizedSanctionsVersion 判断制裁名单版本是否受认可。
func (a *ComplianceAllowlist) IsAuthorizedSanctionsVersion(version common.Hash) bool {
	a.guard.mu.RLock()
	defer a.guard.mu.RUnlock()
	_, ok := a.versions[version]
	return ok
}

// Providers 返回受认可的 KYC 提供方。
func (a *ComplianceAllowlist) Providers() []common.Address {
	a.guard.mu.RLock()
	defer a.guard.mu.RUnlock()
	return sortedAddresses(a.providers)
}

// SanctionsVersions 返回受认可的制裁名单版本。
func (a *ComplianceAllowlist) SanctionsVersions() []common.Hash {
	a.guard.mu.RLock()
	defer a.guard.mu.RUnlock()
	return sortedHashes(a.versions)
}

// Owner 返回当前管理员。
func (a *ComplianceAllowlist) Owner() common.Address {
	return a.guard.Owner()
}

// TransferOwnership 将管理员身份移交给 newOwner。
func (a *ComplianceAllowlist) TransferOwnership(ctx context.Context, caller, newOwner common.Address) error {
	return a.guard.transferOwnership(ctx, caller, newOwner)
}
