package token

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeContract 按 ABI 解码调用并返回内存状态
type fakeContract struct {
	balances map[common.Address]*big.Int
	supply   *big.Int
	empty    bool
	err      error
	lastTo   common.Address
}

func (f *fakeContract) CallContract(_ context.Context, msg ethereum.CallMsg) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.empty {
		return nil, nil
	}
	f.lastTo = *msg.To

	method, err := ParsedERC20ABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}

	switch method.Name {
	case "balanceOf":
		args, err := method.Inputs.Unpack(msg.Data[4:])
		if err != nil {
			return nil, err
		}
		balance, ok := f.balances[args[0].(common.Address)]
		if !ok {
			balance = big.NewInt(0)
		}
		return method.Outputs.Pack(balance)
	case "totalSupply":
		return method.Outputs.Pack(f.supply)
	case "decimals":
		return method.Outputs.Pack(uint8(18))
	}
	return nil, errors.New("unknown method")
}

func TestERC20Reader(t *testing.T) {
	ctx := context.Background()
	holder := alice

	supply, _ := new(big.Int).SetString("1000000000000000000000000", 10)
	contract := &fakeContract{
		balances: map[common.Address]*big.Int{holder: big.NewInt(750)},
		supply:   supply,
	}
	reader := NewERC20Reader(tokenAddr, contract)
	assert.Equal(t, tokenAddr, reader.Address())

	balance, err := reader.BalanceOf(ctx, holder)
	require.NoError(t, err)
	assert.Equal(t, int64(750), balance.Int64())
	assert.Equal(t, tokenAddr, contract.lastTo)

	balance, err = reader.BalanceOf(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, 0, balance.Sign())

	total, err := reader.TotalSupply(ctx)
	require.NoError(t, err)
	assert.Equal(t, supply.String(), total.String())

	decimals, err := reader.Decimals(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint8(18), decimals)
}

func TestERC20Reader_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := NewERC20Reader(tokenAddr, &fakeContract{empty: true}).BalanceOf(ctx, alice)
	assert.Error(t, err)

	boom := errors.New("execution reverted")
	_, err = NewERC20Reader(tokenAddr, &fakeContract{err: boom}).TotalSupply(ctx)
	assert.ErrorIs(t, err, boom)
}
