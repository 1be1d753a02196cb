package custody

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "PoF-Vault/internal/errors"
)

// Hook runs before a transfer is applied. Returning an error rejects the
// transfer. Hooks are invoked without the custodian lock held, so they may
// call back into the custodian or into its callers. A hook that calls back
// into the vault must use the ctx it was given; see Custodian.
type Hook func(ctx context.Context, transfer Transfer) error

// MemoryCustodian keeps balances in memory. It backs tests and single-node
// development deployments.
type MemoryCustodian struct {
	mu       sync.Mutex
	balances map[common.Address]map[common.Address]*big.Int
	custody  map[common.Address]*big.Int
	hooks    []Hook
}

// NewMemoryCustodian creates an empty custodian.
func NewMemoryCustodian(hooks ...Hook) *MemoryCustodian {
	return &MemoryCustodian{
		balances: make(map[common.Address]map[common.Address]*big.Int),
		custody:  make(map[common.Address]*big.Int),
		hooks:    hooks,
	}
}

// AddHook registers an additional pre-transfer hook.
func (m *MemoryCustodian) AddHook(hook Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook)
}

// Credit mints amount of asset to account outside of custody.
func (m *MemoryCustodian) Credit(account, asset common.Address, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	bal := m.balanceLocked(account, asset)
	bal.Add(bal, amount)
}

// BalanceOf returns account's free balance of asset.
func (m *MemoryCustodian) BalanceOf(account, asset common.Address) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.balanceLocked(account, asset))
}

// Custodied returns the total amount of asset held in custody.
func (m *MemoryCustodian) Custodied(asset common.Address) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if held, ok := m.custody[asset]; ok {
		return new(big.Int).Set(held)
	}
	return new(big.Int)
}

func (m *MemoryCustodian) balanceLocked(account, asset common.Address) *big.Int {
	perAsset, ok := m.balances[asset]
	if !ok {
		perAsset = make(map[common.Address]*big.Int)
		m.balances[asset] = perAsset
	}
	bal, ok := perAsset[account]
	if !ok {
		bal = new(big.Int)
		perAsset[account] = bal
	}
	return bal
}

func (m *MemoryCustodian) custodyLocked(asset common.Address) *big.Int {
	held, ok := m.custody[asset]
	if !ok {
		held = new(big.Int)
		m.custody[asset] = held
	}
	return held
}

func (m *MemoryCustodian) runHooks(ctx context.Context, transfer Transfer) error {
	m.mu.Lock()
	hooks := append([]Hook(nil), m.hooks...)
	m.mu.Unlock()
	for _, hook := range hooks {
		if err := hook(ctx, transfer); err != nil {
			return err
		}
	}
	return nil
}

// TransferIn implements Custodian.
func (m *MemoryCustodian) TransferIn(ctx context.Context, from, asset common.Address, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	if err := m.runHooks(ctx, Transfer{Direction: DirectionIn, Counterparty: from, Asset: asset, Amount: new(big.Int).Set(amount)}); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	bal := m.balanceLocked(from, asset)
	if bal.Cmp(amount) < 0 {
		return xerrors.New(CodeInsufficientFunds, fmt.Sprintf("余额不足: 需要 %s，可用 %s", amount, bal))
	}
	bal.Sub(bal, amount)
	held := m.custodyLocked(asset)
	held.Add(held, amount)
	return nil
}

// TransferOut implements Custodian.
func (m *MemoryCustodian) TransferOut(ctx context.Context, to, asset common.Address, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	if err := m.runHooks(ctx, Transfer{Direction: DirectionOut, Counterparty: to, Asset: asset, Amount: new(big.Int).Set(amount)}); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	held := m.custodyLocked(asset)
	if held.Cmp(amount) < 0 {
		return xerrors.New(CodeInsufficientFunds, fmt.Sprintf("托管余额不足: 需要 %s，可用 %s", amount, held))
	}
	held.Sub(held, amount)
	bal := m.balanceLocked(to, asset)
	bal.Add(bal, amount)
	return nil
}
