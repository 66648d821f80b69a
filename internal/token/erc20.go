package token

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// erc20ABI 只包含只读查询需要的方法
const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"totalSupply","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"}
]`

// ParsedERC20ABI 解析后的 ERC-20 只读接口
var ParsedERC20ABI = mustParseABI(erc20ABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("解析ERC20 ABI失败: %v", err))
	}
	return parsed
}

// ContractCaller 只读合约调用
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
}

// ERC20Reader 链上 ERC-20 代币只读查询，用于核对分发合约的资金是否到位
type ERC20Reader struct {
	token  common.Address
	caller ContractCaller
}

// NewERC20Reader 创建 ERC-20 查询器
func NewERC20Reader(token common.Address, caller ContractCaller) *ERC20Reader {
	return &ERC20Reader{token: token, caller: caller}
}

// Address 返回代币合约地址
func (r *ERC20Reader) Address() common.Address {
	return r.token
}

func (r *ERC20Reader) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := ParsedERC20ABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("编码 %s 调用失败: %w", method, err)
	}

	token := r.token
	out, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data})
	if err != nil {
		return nil, fmt.Errorf("调用 %s.%s 失败: %w", token.Hex(), method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s 在 %s 上没有返回数据，地址可能不是合约", method, token.Hex())
	}

	values, err := ParsedERC20ABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("解码 %s 返回值失败: %w", method, err)
	}
	return values, nil
}

// BalanceOf 查询链上余额
func (r *ERC20Reader) BalanceOf(ctx context.Context, holder common.Address) (*big.Int, error) {
	values, err := r.call(ctx, "balanceOf", holder)
	if err != nil {
		return nil, err
	}
	return asBig(values[0])
}

// TotalSupply 查询链上总发行量
func (r *ERC20Reader) TotalSupply(ctx context.Context) (*big.Int, error) {
	values, err := r.call(ctx, "totalSupply")
	if err != nil {
		return nil, err
	}
	return asBig(values[0])
}

// Decimals 查询代币精度
func (r *ERC20Reader) Decimals(ctx context.Context) (uint8, error) {
	values, err := r.call(ctx, "decimals")
	if err != nil {
		return 0, err
	}
	decimals, ok := values[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("decimals 返回值类型错误: %T", values[0])
	}
	return decimals, nil
}

func asBig(v interface{}) (*big.Int, error) {
	n, ok := v.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("返回值类型错误: %T", v)
	}
	return n, nil
}
