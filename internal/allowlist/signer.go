package allowlist

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// SignerAllowlist 保存可以签发 attested 证明的签名者地址。
// 成员关系在每次查询时实时读取，撤销签名者会立即影响已签发的记录。
type SignerAllowlist struct {
	guard   *ownerGuard
	signers map[common.Address]struct{}
}

// NewSignerAllowlist 创建签名者名单。
func NewSignerAllowlist(owner common.Address, opts ...Option) *SignerAllowlist {
	return &SignerAllowlist{
		guard:   newOwnerGuard("signer", owner, opts),
		signers: make(map[common.Address]struct{}),
	}
}

// SetSigner 设置签名者的授权状态，仅管理员可调用。
func (a *SignerAllowlist) SetSigner(ctx context.Context, caller, signer common.Address, allowed bool) error {
	a.guard.mu.Lock()
	if err := a.guard.requireOwnerLocked(caller, "set_signer"); err != nil {
		a.guard.mu.Unlock()
		return err
	}
	setMember(a.signers, signer, allowed)
	at := a.guard.now()
	a.guard.mu.Unlock()

	a.guard.notify(ctx, Change{List: ListSigner, Subject: signer.Hex(), Allowed: allowed, Caller: caller, At: at})
	return nil
}

// IsAuthorized 判断地址当前是否在名单中。
func (a *SignerAllowlist) IsAuthorized(signer common.Address) bool {
	a.guard.mu.RLock()
	defer a.guard.mu.RUnlock()
	_, ok := a.signers[signer]
	return ok
}

// Signers 返回按地址排序的成员列表。
func (a *SignerAllowlist) Signers() []common.Address {
	a.guard.mu.RLock()
	defer a.guard.mu.RUnlock()
	return sortedAddresses(a.signers)
}

// Owner 返回当前管理员。
func (a *SignerAllowlist) Owner() common.Address {
	return a.guard.Owner()
}

// TransferOwnership 将管理员身份移交给 newOwner。
func (a *SignerAllowlist) TransferOwnership(ctx context.Context, caller, newOwner common.Address) error {
	return a.guard.transferOwnership(ctx, caller, newOwner)
}
