package escrow

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"

	xerrors "OpenBazaar-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EthereumVault 通过以太坊兼容链转账实现托管。托管账户的私钥
// 从环境变量读取，永远不落地到配置文件。
type EthereumVault struct {
	client       *ethclient.Client
	chainID      *big.Int
	escrowKey    *ecdsa.PrivateKey
	escrowAddr   common.Address
	mu           sync.Mutex
}

var _ Vault = (*EthereumVault)(nil)

// EthereumConfig 描述以太坊托管所需的链与账户信息。
type EthereumConfig struct {
	RPCURL        string
	ChainID       int64
	EscrowAccount string
	PrivateKeyEnv string
}

// NewEthereumVault 连接节点并加载托管账户私钥。
func NewEthereumVault(ctx context.Context, cfg EthereumConfig) (*EthereumVault, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置以太坊 RPC 地址")
	}
	if cfg.ChainID <= 0 {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置链 ID")
	}

	keyEnv := strings.TrimSpace(cfg.PrivateKeyEnv)
	if keyEnv == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置托管私钥环境变量名")
	}
	keyHex := strings.TrimPrefix(strings.TrimSpace(os.Getenv(keyEnv)), "0x")
	if keyHex == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure,
			fmt.Sprintf("环境变量 %s 未提供托管私钥", keyEnv))
	}
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析托管私钥失败")
	}

	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接以太坊节点失败")
	}

	escrowAddr := crypto.PubkeyToAddress(key.PublicKey)
	if configured := strings.TrimSpace(cfg.EscrowAccount); configured != "" {
		if !strings.EqualFold(configured, escrowAddr.Hex()) {
			client.Close()
			return nil, xerrors.New(xerrors.CodeInitializationFailure,
				fmt.Sprintf("托管账户 %s 与私钥推导地址 %s 不一致", configured, escrowAddr.Hex()))
		}
	}

	return &EthereumVault{
		client:     client,
		chainID:    big.NewInt(cfg.ChainID),
		escrowKey:  key,
		escrowAddr: escrowAddr,
	}, nil
}

// Lock 实现 Vault 接口。集市记账以托管账户收款为准，
// 参与方账户由其自行把预算转入托管地址，这里只校验到账余额。
func (v *EthereumVault) Lock(ctx context.Context, from string, amount int64) (string, error) {
	if amount <= 0 {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "锁定金额必须为正数")
	}
	balance, err := v.client.BalanceAt(ctx, v.escrowAddr, nil)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeEscrowFailure, err, "查询托管余额失败")
	}
	if balance.Cmp(big.NewInt(amount)) < 0 {
		return "", xerrors.New(xerrors.CodeEscrowFailure,
			fmt.Sprintf("托管账户到账不足: %s < %d", balance.String(), amount))
	}
	return fmt.Sprintf("eth-lock-%s-%d", v.escrowAddr.Hex(), amount), nil
}

// Release 实现 Vault 接口，向收款账户发起链上转账并返回交易哈希。
func (v *EthereumVault) Release(ctx context.Context, to string, amount int64) (string, error) {
	if amount <= 0 {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "释放金额必须为正数")
	}
	if !common.IsHexAddress(to) {
		return "", xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("收款地址非法: %s", to))
	}

	// 串行分配 nonce，避免同一会话的多笔结算互相覆盖。
	v.mu.Lock()
	defer v.mu.Unlock()

	nonce, err := v.client.PendingNonceAt(ctx, v.escrowAddr)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeEscrowFailure, err, "查询托管账户 nonce 失败")
	}
	gasPrice, err := v.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeEscrowFailure, err, "查询 gas 价格失败")
	}

	tx := types.NewTransaction(nonce, common.HexToAddress(to), big.NewInt(amount), 21000, gasPrice, nil)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(v.chainID), v.escrowKey)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeEscrowFailure, err, "签名托管转账失败")
	}
	if err := v.client.SendTransaction(ctx, signed); err != nil {
		return "", xerrors.Wrap(xerrors.CodeEscrowFailure, err, "广播托管转账失败")
	}
	return signed.Hash().Hex(), nil
}

// Close 实现 Vault 接口。
func (v *EthereumVault) Close() error {
	v.client.Close()
	return nil
}
