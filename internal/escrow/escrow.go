package escrow

import (
	"context"
	"fmt"
	"sync"

	xerrors "OpenBazaar-Chain/internal/errors"

	"github.com/google/uuid"
)

// Vault 抽象托管资金操作。实现必须保证同一账户上的操作串行安全。
type Vault interface {
	// Lock 把 amount 从 from 账户划入托管账户，返回交易凭证。
	Lock(ctx context.Context, from string, amount int64) (string, error)
	// Release 把 amount 从托管账户释放到 to 账户，返回交易凭证。
	Release(ctx context.Context, to string, amount int64) (string, error)
	// Close 释放底层连接。
	Close() error
}

// MemoryVault 在进程内记账，适用于开发与测试。
type MemoryVault struct {
	mu       sync.Mutex
	balances map[string]int64
	held     int64
	closed   bool
}

var _ Vault = (*MemoryVault)(nil)

// NewMemoryVault 创建内存托管账户。initial 为各账户初始余额，可为 nil。
func NewMemoryVault(initial map[string]int64) *MemoryVault {
	balances := make(map[string]int64, len(initial))
	for account, amount := range initial {
		balances[account] = amount
	}
	return &MemoryVault{balances: balances}
}

// Lock 实现 Vault 接口。
func (v *MemoryVault) Lock(ctx context.Context, from string, amount int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if amount <= 0 {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "锁定金额必须为正数")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return "", xerrors.New(xerrors.CodeEscrowFailure, "托管账户已关闭")
	}
	if balance, ok := v.balances[from]; ok && balance < amount {
		return "", xerrors.New(xerrors.CodeEscrowFailure,
			fmt.Sprintf("账户 %s 余额不足: %d < %d", from, balance, amount))
	}
	if _, ok := v.balances[from]; ok {
		v.balances[from] -= amount
	}
	v.held += amount
	return txRef("lock"), nil
}

// Release 实现 Vault 接口。
func (v *MemoryVault) Release(ctx context.Context, to string, amount int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if amount <= 0 {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "释放金额必须为正数")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return "", xerrors.New(xerrors.CodeEscrowFailure, "托管账户已关闭")
	}
	if v.held < amount {
		return "", xerrors.New(xerrors.CodeEscrowFailure,
			fmt.Sprintf("托管余额不足: %d < %d", v.held, amount))
	}
	v.held -= amount
	v.balances[to] += amount
	return txRef("release"), nil
}

// Close 实现 Vault 接口。
func (v *MemoryVault) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed = true
	return nil
}

// Balance 返回账户当前余额，仅测试使用。
func (v *MemoryVault) Balance(account string) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.balances[account]
}

// Held 返回托管中的总金额，仅测试使用。
func (v *MemoryVault) Held() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.held
}

func txRef(kind string) string {
	return "mem-" + kind + "-" + uuid.NewString()
}
