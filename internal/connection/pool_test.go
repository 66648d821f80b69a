package connection

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"distributor/internal/config"
	"distributor/internal/token"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEth 进程内 eth 命名空间
type fakeEth struct {
	fail    bool
	balance *big.Int
	calls   int32
}

func (f *fakeEth) ChainId() (*hexutil.Big, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.fail {
		return nil, errors.New("node unavailable")
	}
	return (*hexutil.Big)(big.NewInt(1337)), nil
}

func (f *fakeEth) Call(args map[string]interface{}, block string) (hexutil.Bytes, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.fail {
		return nil, errors.New("node unavailable")
	}
	return token.ParsedERC20ABI.Methods["balanceOf"].Outputs.Pack(f.balance)
}

func newFakeClient(t *testing.T, svc *fakeEth) *ethclient.Client {
	t.Helper()
	srv := rpc.NewServer()
	require.NoError(t, srv.RegisterName("eth", svc))
	t.Cleanup(srv.Stop)
	return ethclient.NewClient(rpc.DialInProc(srv))
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestNewConnectionPool(t *testing.T) {
	_, err := NewConnectionPool(nil, quietLogger())
	assert.Error(t, err)

	_, err = NewConnectionPool(&config.ChainConfig{}, quietLogger())
	assert.Error(t, err)

	pool, err := NewConnectionPool(&config.ChainConfig{Nodes: []*config.NodeConfig{
		{Name: "backup", URL: "http://backup:8545", Priority: 2},
		{Name: "primary", URL: "http://primary:8545", Priority: 1},
	}}, quietLogger())
	require.NoError(t, err)
	defer pool.Close()

	assert.Equal(t, "primary", pool.nodes[0].name)
	stats := pool.GetStats()
	assert.Len(t, stats, 2)
	assert.Equal(t, false, stats["primary"].(map[string]interface{})["connected"])
}

func TestConnectionPool_Failover(t *testing.T) {
	primary := &fakeEth{fail: true}
	backup := &fakeEth{balance: big.NewInt(42)}

	pool := NewConnectionPoolWithClients(
		[]string{"primary", "backup"},
		[]*ethclient.Client{newFakeClient(t, primary), newFakeClient(t, backup)},
		quietLogger(),
	)
	defer pool.Close()

	now := time.Unix(1535101200, 0)
	pool.now = func() time.Time { return now }

	id, err := pool.ChainID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1337), id.Int64())
	assert.Equal(t, int32(1), atomic.LoadInt32(&primary.calls))

	stats := pool.GetStats()["primary"].(map[string]interface{})
	assert.Equal(t, false, stats["healthy"])
	assert.Equal(t, 1, stats["error_count"])

	// 冷却期内跳过失败节点
	tokenAddr := common.HexToAddress("0x5fbdb2315678afecb367f032d93f642f64180aa3")
	out, err := pool.CallContract(context.Background(), ethereum.CallMsg{To: &tokenAddr, Data: []byte{0x70, 0xa0, 0x82, 0x31}})
	require.NoError(t, err)
	assert.Equal(t, int64(42), new(big.Int).SetBytes(out).Int64())
	assert.Equal(t, int32(1), atomic.LoadInt32(&primary.calls))

	// 冷却结束后重新尝试
	now = now.Add(unhealthyCooldown + time.Second)
	_, err = pool.ChainID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&primary.calls))
}

func TestConnectionPool_AllNodesFail(t *testing.T) {
	pool := NewConnectionPoolWithClients(
		[]string{"a", "b"},
		[]*ethclient.Client{newFakeClient(t, &fakeEth{fail: true}), newFakeClient(t, &fakeEth{fail: true})},
		quietLogger(),
	)
	defer pool.Close()

	_, err := pool.ChainID(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "node unavailable")
}

func TestERC20ReaderOverPool(t *testing.T) {
	pool := NewConnectionPoolWithClients(
		[]string{"local"},
		[]*ethclient.Client{newFakeClient(t, &fakeEth{balance: big.NewInt(1000)})},
		quietLogger(),
	)
	defer pool.Close()

	reader := token.NewERC20Reader(common.HexToAddress("0x5fbdb2315678afecb367f032d93f642f64180aa3"), pool)
	balance, err := reader.BalanceOf(context.Background(), common.HexToAddress("0x1111111111111111111111111111111111111111"))
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance.Int64())
}
