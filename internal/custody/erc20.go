package custody

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	xerrors "PoF-Vault/internal/errors"
)

const erc20ABI = `[
 {"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"transferFrom","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

// ERC20Config describes how to reach the chain and which key operates the
// custody account.
type ERC20Config struct {
	RPCURL         string `json:"rpc_url"`
	ChainID        int64  `json:"chain_id"`
	PrivateKeyEnv  string `json:"private_key_env"`
	ConfirmTimeout int    `json:"confirm_timeout_sec"`
	GasLimit       uint64 `json:"gas_limit"`
}

// Backend is the chain access the ERC-20 custodian needs.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// ERC20Custodian holds escrowed tokens in the account controlled by its
// operator key. TransferIn pulls tokens with transferFrom (the holder must
// have approved the operator) and TransferOut pushes them back with transfer.
// A transfer counts as done only after its receipt reports success. When no
// receipt arrives within the confirm timeout the error is CodeUnconfirmed.
type ERC20Custodian struct {
	backend        Backend
	parsed         abi.ABI
	key            *ecdsa.PrivateKey
	chainID        *big.Int
	operator       common.Address
	gasLimit       uint64
	confirmTimeout time.Duration

	// Transactions from one key must not race on the account nonce.
	mu sync.Mutex
}

// DialERC20Custodian connects to cfg.RPCURL and loads the operator key from
// the environment variable named by cfg.PrivateKeyEnv.
func DialERC20Custodian(ctx context.Context, cfg ERC20Config) (*ERC20Custodian, func(), error) {
	if strings.TrimSpace(cfg.RPCURL) == "" {
		return nil, nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置托管链 RPC 地址")
	}
	envName := strings.TrimSpace(cfg.PrivateKeyEnv)
	if envName == "" {
		return nil, nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置托管私钥环境变量")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(os.Getenv(envName)), "0x"))
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("解析环境变量 %s 中的私钥失败", envName))
	}

	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接托管链节点失败")
	}

	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID <= 0 {
		chainID, err = client.ChainID(ctx)
		if err != nil {
			client.Close()
			return nil, nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "获取链 ID 失败")
		}
	}

	custodian, err := NewERC20Custodian(client, key, chainID, cfg)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return custodian, client.Close, nil
}

// NewERC20Custodian builds a custodian over an existing backend.
func NewERC20Custodian(backend Backend, key *ecdsa.PrivateKey, chainID *big.Int, cfg ERC20Config) (*ERC20Custodian, error) {
	if backend == nil || key == nil || chainID == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "ERC-20 托管缺少后端、私钥或链 ID")
	}
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析 ERC-20 ABI 失败")
	}
	timeout := time.Duration(cfg.ConfirmTimeout) * time.Second
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &ERC20Custodian{
		backend:        backend,
		parsed:         parsed,
		key:            key,
		chainID:        new(big.Int).Set(chainID),
		operator:       crypto.PubkeyToAddress(key.PublicKey),
		gasLimit:       cfg.GasLimit,
		confirmTimeout: timeout,
	}, nil
}

// Operator returns the custody account address holders must approve.
func (c *ERC20Custodian) Operator() common.Address {
	return c.operator
}

func (c *ERC20Custodian) token(asset common.Address) *bind.BoundContract {
	return bind.NewBoundContract(asset, c.parsed, c.backend, c.backend, c.backend)
}

// BalanceOf reads account's token balance.
func (c *ERC20Custodian) BalanceOf(ctx context.Context, asset, account common.Address) (*big.Int, error) {
	return c.callUint(ctx, asset, "balanceOf", account)
}

// Allowance reads how much the operator may pull from owner.
func (c *ERC20Custodian) Allowance(ctx context.Context, asset, owner common.Address) (*big.Int, error) {
	return c.callUint(ctx, asset, "allowance", owner, c.operator)
}

func (c *ERC20Custodian) callUint(ctx context.Context, asset common.Address, method string, args ...any) (*big.Int, error) {
	var out []any
	if err := c.token(asset).Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, xerrors.Wrap(CodeChainFailure, err, fmt.Sprintf("调用 %s 失败", method))
	}
	if len(out) != 1 {
		return nil, xerrors.New(CodeChainFailure, fmt.Sprintf("%s 返回值数量异常", method))
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int), nil
}

// TransferIn implements Custodian.
func (c *ERC20Custodian) TransferIn(ctx context.Context, from, asset common.Address, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	allowance, err := c.Allowance(ctx, asset, from)
	if err != nil {
		return err
	}
	if allowance.Cmp(amount) < 0 {
		return xerrors.New(CodeInsufficientFunds, fmt.Sprintf("授权额度不足: 需要 %s，已授权 %s", amount, allowance))
	}
	return c.transact(ctx, asset, "transferFrom", from, c.operator, amount)
}

// TransferOut implements Custodian.
func (c *ERC20Custodian) TransferOut(ctx context.Context, to, asset common.Address, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	return c.transact(ctx, asset, "transfer", to, amount)
}

func (c *ERC20Custodian) transact(ctx context.Context, asset common.Address, method string, args ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	opts, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		return xerrors.Wrap(CodeChainFailure, err, "创建交易签名器失败")
	}
	// 交易一旦广播就与请求的生命周期无关，调用方断开不能中断发送或等待。
	chainCtx := context.WithoutCancel(ctx)
	opts.Context = chainCtx
	opts.GasLimit = c.gasLimit

	tx, err := c.token(asset).Transact(opts, method, args...)
	if err != nil {
		return xerrors.Wrap(CodeRejected, err, fmt.Sprintf("发送 %s 交易失败", method))
	}
	hash := tx.Hash().Hex()

	waitCtx, cancel := context.WithTimeout(chainCtx, c.confirmTimeout)
	defer cancel()
	receipt, err := bind.WaitMined(waitCtx, c.backend, tx)
	if err != nil {
		return xerrors.Wrap(CodeUnconfirmed, err, fmt.Sprintf("交易 %s 已发送但未确认", hash),
			xerrors.WithMetadata("tx_hash", hash),
			xerrors.WithMetadata("method", method),
			xerrors.WithMetadata("asset", asset.Hex()))
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return xerrors.New(CodeRejected, fmt.Sprintf("交易 %s 执行失败", hash),
			xerrors.WithMetadata("tx_hash", hash))
	}
	return nil
}
