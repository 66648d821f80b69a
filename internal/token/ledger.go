// Package token 定义同质化代币账本协作方接口及内存参考实现
package token

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrZeroAddress         = errors.New("zero address")
	ErrInvalidAmount       = errors.New("amount must be positive")
)

// Ledger 代币账本，分发合约只通过它移动资金
type Ledger interface {
	Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error
	BalanceOf(ctx context.Context, holder common.Address) (*big.Int, error)
}

// MemoryLedger 内存账本
type MemoryLedger struct {
	address  common.Address
	balances map[common.Address]*big.Int
	supply   *big.Int
	logger   *logrus.Logger
	mu       sync.Mutex
}

// NewMemoryLedger 创建内存账本
func NewMemoryLedger(address common.Address, logger *logrus.Logger) *MemoryLedger {
	return &MemoryLedger{
		address:  address,
		balances: make(map[common.Address]*big.Int),
		supply:   big.NewInt(0),
		logger:   logger,
	}
}

// Address 返回代币合约地址
func (l *MemoryLedger) Address() common.Address {
	return l.address
}

// Mint 向账户增发代币
func (l *MemoryLedger) Mint(to common.Address, amount *big.Int) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.credit(to, amount)
	l.supply.Add(l.supply, amount)
	l.logger.Debugf("增发 %s 到 %s", amount, to.Hex())
	return nil
}

// Transfer 转账，余额不足时不做任何修改
func (l *MemoryLedger) Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	balance := l.balanceOf(from)
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientBalance, from.Hex(), balance, amount)
	}

	l.balances[from] = new(big.Int).Sub(balance, amount)
	l.credit(to, amount)
	l.logger.Debugf("转账 %s: %s -> %s", amount, from.Hex(), to.Hex())
	return nil
}

// BalanceOf 查询余额
func (l *MemoryLedger) BalanceOf(ctx context.Context, holder common.Address) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.balanceOf(holder)), nil
}

// TotalSupply 返回总发行量
func (l *MemoryLedger) TotalSupply() *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.supply)
}

func (l *MemoryLedger) balanceOf(holder common.Address) *big.Int {
	if b, ok := l.balances[holder]; ok {
		return b
	}
	return big.NewInt(0)
}

func (l *MemoryLedger) credit(to common.Address, amount *big.Int) {
	l.balances[to] = new(big.Int).Add(l.balanceOf(to), amount)
}
