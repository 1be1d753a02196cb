package custody

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	xerrors "PoF-Vault/internal/errors"
)

var (
	holder = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	token  = common.HexToAddress("0x00000000000000000000000000000000000000c1")
)

func TestMemoryCustodianRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCustodian()
	c.Credit(holder, token, big.NewInt(1000))

	if err := c.TransferIn(ctx, holder, token, big.NewInt(600)); err != nil {
		t.Fatalf("transfer in: %v", err)
	}
	if got := c.BalanceOf(holder, token); got.Int64() != 400 {
		t.Fatalf("expected holder balance 400, got %s", got)
	}
	if got := c.Custodied(token); got.Int64() != 600 {
		t.Fatalf("expected custody 600, got %s", got)
	}

	if err := c.TransferOut(ctx, holder, token, big.NewInt(600)); err != nil {
		t.Fatalf("transfer out: %v", err)
	}
	if got := c.BalanceOf(holder, token); got.Int64() != 1000 {
		t.Fatalf("expected holder balance restored, got %s", got)
	}
	if got := c.Custodied(token); got.Sign() != 0 {
		t.Fatalf("expected empty custody, got %s", got)
	}
}

func TestMemoryCustodianInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCustodian()
	c.Credit(holder, token, big.NewInt(10))

	err := c.TransferIn(ctx, holder, token, big.NewInt(11))
	if xerrors.CodeOf(err) != CodeInsufficientFunds {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if got := c.BalanceOf(holder, token); got.Int64() != 10 {
		t.Fatalf("failed transfer must not move funds, got %s", got)
	}
	if err := c.TransferOut(ctx, holder, token, big.NewInt(1)); xerrors.CodeOf(err) != CodeInsufficientFunds {
		t.Fatalf("expected insufficient custody, got %v", err)
	}
	if err := c.TransferIn(ctx, holder, token, big.NewInt(0)); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid amount, got %v", err)
	}
}

func TestMemoryCustodianHookRejects(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("hook says no")
	var seen []Transfer
	c := NewMemoryCustodian(func(_ context.Context, tr Transfer) error {
		seen = append(seen, tr)
		if tr.Direction == DirectionOut {
			return boom
		}
		return nil
	})
	c.Credit(holder, token, big.NewInt(5))

	if err := c.TransferIn(ctx, holder, token, big.NewInt(5)); err != nil {
		t.Fatalf("transfer in: %v", err)
	}
	if err := c.TransferOut(ctx, holder, token, big.NewInt(5)); !errors.Is(err, boom) {
		t.Fatalf("expected hook error, got %v", err)
	}
	if got := c.Custodied(token); got.Int64() != 5 {
		t.Fatalf("rejected transfer must leave custody intact, got %s", got)
	}
	if len(seen) != 2 || seen[0].Counterparty != holder || seen[0].Amount.Int64() != 5 {
		t.Fatalf("unexpected hook observations: %+v", seen)
	}
}

func TestERC20CustodianValidation(t *testing.T) {
	if _, err := NewERC20Custodian(nil, nil, nil, ERC20Config{}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	ctx := context.Background()
	if _, _, err := DialERC20Custodian(ctx, ERC20Config{}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected missing rpc url error, got %v", err)
	}
	t.Setenv("POF_TEST_CUSTODY_KEY", "not-hex")
	_, _, err := DialERC20Custodian(ctx, ERC20Config{RPCURL: "http://127.0.0.1:1", PrivateKeyEnv: "POF_TEST_CUSTODY_KEY"})
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected bad key error, got %v", err)
	}
}

type frameKey struct{}

func TestMemoryCustodianPassesContextToHooks(t *testing.T) {
	ctx := context.WithValue(context.Background(), frameKey{}, "burn")
	var seen []string
	c := NewMemoryCustodian(func(hookCtx context.Context, transfer Transfer) error {
		op, _ := hookCtx.Value(frameKey{}).(string)
		seen = append(seen, string(transfer.Direction)+":"+op)
		return nil
	})
	c.Credit(holder, token, big.NewInt(10))

	if err := c.TransferIn(ctx, holder, token, big.NewInt(10)); err != nil {
		t.Fatalf("transfer in: %v", err)
	}
	if err := c.TransferOut(ctx, holder, token, big.NewInt(10)); err != nil {
		t.Fatalf("transfer out: %v", err)
	}
	if len(seen) != 2 || seen[0] != "in:burn" || seen[1] != "out:burn" {
		t.Fatalf("hooks must receive the caller's ctx, saw %v", seen)
	}
}

func TestIsUnconfirmedLooksThroughWrapping(t *testing.T) {
	pending := xerrors.New(CodeUnconfirmed, "交易已发送但未确认", xerrors.WithMetadata("tx_hash", "0xabc"))
	wrapped := xerrors.Wrap(xerrors.CodeStorageFailure, pending, "托管转出失败")
	if !IsUnconfirmed(pending) || !IsUnconfirmed(wrapped) {
		t.Fatalf("expected unconfirmed to be detected through wrapping")
	}
	if IsUnconfirmed(xerrors.New(CodeRejected, "rejected")) || IsUnconfirmed(nil) {
		t.Fatalf("only CodeUnconfirmed counts as unconfirmed")
	}
}
