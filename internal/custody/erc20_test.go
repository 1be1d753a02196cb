package custody

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"

	xerrors "PoF-Vault/internal/errors"
)

var (
	// fixedToken answers every call with 1000: balanceOf, allowance and the
	// transfer methods all succeed.
	fixedToken = common.HexToAddress("0x00000000000000000000000000000000000f1000")
	// revertingToken reverts every call.
	revertingToken = common.HexToAddress("0x00000000000000000000000000000000000fdead")

	fixedTokenCode     = common.FromHex("0x6103e860005260206000f3") // MSTORE(0, 1000) RETURN(0, 32)
	revertingTokenCode = common.FromHex("0x60006000fd")             // REVERT(0, 0)
)

// minedOnSend seals a block right after each transaction reaches the pool.
// With hold set the transaction stays pending.
type minedOnSend struct {
	simulated.Client
	sim  *simulated.Backend
	hold bool
}

func (m *minedOnSend) SendTransaction(ctx context.Context, tx *coretypes.Transaction) error {
	if err := m.Client.SendTransaction(ctx, tx); err != nil {
		return err
	}
	if !m.hold {
		m.sim.Commit()
	}
	return nil
}

func newChainCustodian(t *testing.T) (*ERC20Custodian, *minedOnSend) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sim := simulated.NewBackend(coretypes.GenesisAlloc{
		crypto.PubkeyToAddress(key.PublicKey): {Balance: big.NewInt(1_000_000_000_000_000_000)},
		fixedToken:                            {Code: fixedTokenCode, Balance: new(big.Int)},
		revertingToken:                        {Code: revertingTokenCode, Balance: new(big.Int)},
	})
	t.Cleanup(func() { _ = sim.Close() })

	backend := &minedOnSend{Client: sim.Client(), sim: sim}
	chainID, err := backend.ChainID(context.Background())
	if err != nil {
		t.Fatalf("chain id: %v", err)
	}
	// A fixed gas limit skips estimation, so reverting calls still reach a receipt.
	c, err := NewERC20Custodian(backend, key, chainID, ERC20Config{ConfirmTimeout: 1, GasLimit: 100_000})
	if err != nil {
		t.Fatalf("new custodian: %v", err)
	}
	return c, backend
}

func sentTransactions(t *testing.T, c *ERC20Custodian, backend *minedOnSend) uint64 {
	t.Helper()
	nonce, err := backend.PendingNonceAt(context.Background(), c.Operator())
	if err != nil {
		t.Fatalf("pending nonce: %v", err)
	}
	return nonce
}

func TestERC20TransferInRequiresAllowance(t *testing.T) {
	c, backend := newChainCustodian(t)

	err := c.TransferIn(context.Background(), holder, fixedToken, big.NewInt(1001))
	if xerrors.CodeOf(err) != CodeInsufficientFunds {
		t.Fatalf("expected %s, got %v", CodeInsufficientFunds, err)
	}
	if n := sentTransactions(t, c, backend); n != 0 {
		t.Fatalf("short allowance must not send a transaction, nonce %d", n)
	}
}

func TestERC20TransfersSettle(t *testing.T) {
	c, backend := newChainCustodian(t)
	ctx := context.Background()

	allowance, err := c.Allowance(ctx, fixedToken, holder)
	if err != nil || allowance.Int64() != 1000 {
		t.Fatalf("allowance: %v (%v)", allowance, err)
	}
	if err := c.TransferIn(ctx, holder, fixedToken, big.NewInt(1000)); err != nil {
		t.Fatalf("transfer in: %v", err)
	}
	if err := c.TransferOut(ctx, holder, fixedToken, big.NewInt(400)); err != nil {
		t.Fatalf("transfer out: %v", err)
	}
	if n := sentTransactions(t, c, backend); n != 2 {
		t.Fatalf("expected two mined transactions, nonce %d", n)
	}
	if err := c.TransferOut(ctx, holder, fixedToken, big.NewInt(0)); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected zero amount rejected, got %v", err)
	}
}

func TestERC20RevertedReceiptRejected(t *testing.T) {
	c, backend := newChainCustodian(t)
	ctx := context.Background()

	err := c.TransferOut(ctx, holder, revertingToken, big.NewInt(10))
	if xerrors.CodeOf(err) != CodeRejected {
		t.Fatalf("expected %s, got %v", CodeRejected, err)
	}
	e, _ := xerrors.From(err)
	if e.Metadata()["tx_hash"] == "" {
		t.Fatalf("rejected transfer must carry its tx hash: %v", err)
	}
	if n := sentTransactions(t, c, backend); n != 1 {
		t.Fatalf("expected the reverted transaction mined, nonce %d", n)
	}

	// 额度查询本身回滚时转入不会发出交易。
	err = c.TransferIn(ctx, holder, revertingToken, big.NewInt(10))
	if xerrors.CodeOf(err) != CodeChainFailure {
		t.Fatalf("expected %s, got %v", CodeChainFailure, err)
	}
}

func TestERC20UnconfirmedTransferSurvivesCancellation(t *testing.T) {
	c, backend := newChainCustodian(t)
	backend.hold = true

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.TransferOut(ctx, holder, fixedToken, big.NewInt(500))
	if !IsUnconfirmed(err) || xerrors.CodeOf(err) != CodeUnconfirmed {
		t.Fatalf("expected %s, got %v", CodeUnconfirmed, err)
	}
	e, _ := xerrors.From(err)
	hash := e.Metadata()["tx_hash"]
	if hash == "" {
		t.Fatalf("unconfirmed transfer must carry its tx hash: %v", err)
	}

	// 请求取消后交易仍已广播，出块后即生效。
	backend.sim.Commit()
	receipt, err := backend.TransactionReceipt(context.Background(), common.HexToHash(hash))
	if err != nil {
		t.Fatalf("receipt for %s: %v", hash, err)
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		t.Fatalf("expected pending transfer to settle, status %d", receipt.Status)
	}
}
