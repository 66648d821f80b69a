package service

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"distributor/internal/config"
	"distributor/internal/schedule"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	nowUnix = 1_700_000_000
	day     = 86400
)

var (
	admin       = common.HexToAddress("0x90f8bf6a479f320ead074411a4b0e7944ea8c9c1")
	tokenAddr   = common.HexToAddress("0x5fbdb2315678afecb367f032d93f642f64180aa3")
	holder      = common.HexToAddress("0x3333333333333333333333333333333333333333")
	beneficiary = common.HexToAddress("0x1111111111111111111111111111111111111111")
	receiver    = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.GetDefaultConfig()
	cfg.Factory.Administrator = admin.Hex()
	cfg.Factory.TokenAddress = tokenAddr.Hex()
	cfg.Store.Path = filepath.Join(t.TempDir(), "state.db")
	cfg.Output.Format = "none"
	cfg.Shutdown.Timeout = "2s"
	return cfg
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(context.Background(), nil, quietLogger(), schedule.SystemClock{})
	assert.Error(t, err)

	cfg := config.GetDefaultConfig()
	_, err = New(context.Background(), cfg, quietLogger(), schedule.SystemClock{})
	assert.Error(t, err, "管理员地址为空")
}

func TestNew_SeedsHolder(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Enabled = false
	cfg.Token.InitialSupply = "5000"
	cfg.Token.Holder = holder.Hex()

	svc, err := New(context.Background(), cfg, quietLogger(), schedule.NewFixedClockUnix(nowUnix))
	require.NoError(t, err)
	defer svc.Close()

	bal, err := svc.Ledger().BalanceOf(context.Background(), holder)
	require.NoError(t, err)
	assert.Equal(t, "5000", bal.String())
	assert.Nil(t, svc.Store())
	assert.Equal(t, crypto.CreateAddress(admin, 0), svc.Factory().Address())
}

func TestNew_SeedsAdministratorByDefault(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Enabled = false
	cfg.Token.InitialSupply = "42"

	svc, err := New(context.Background(), cfg, quietLogger(), schedule.NewFixedClockUnix(nowUnix))
	require.NoError(t, err)
	defer svc.Close()

	bal, err := svc.Ledger().BalanceOf(context.Background(), admin)
	require.NoError(t, err)
	assert.Equal(t, "42", bal.String())
}

func TestRestartRestoresState(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	clock := schedule.NewFixedClockUnix(nowUnix)

	svc, err := New(ctx, cfg, quietLogger(), clock)
	require.NoError(t, err)

	record, d, err := svc.Factory().Create(ctx, receiver, beneficiary, big.NewInt(1000), nowUnix+10, day)
	require.NoError(t, err)
	require.NoError(t, svc.Ledger().Mint(d.Address(), big.NewInt(1000)))

	clock.Advance(time.Minute)
	_, err = d.Transfer(ctx, beneficiary, receiver)
	require.NoError(t, err)
	require.NoError(t, svc.Close())

	restarted, err := New(ctx, cfg, quietLogger(), clock)
	require.NoError(t, err)
	defer restarted.Close()

	records := restarted.Factory().Records()
	require.Len(t, records, 1)
	assert.Equal(t, record.DistributorAddress, records[0].DistributorAddress)

	rd, err := restarted.Factory().Distributor(record.DistributorAddress)
	require.NoError(t, err)
	assert.Equal(t, "100", rd.ClaimedCumulative().String())

	// 下一个地址使用新的 nonce
	next, _, err := restarted.Factory().Create(ctx, receiver, beneficiary, big.NewInt(1), nowUnix+10, day)
	require.NoError(t, err)
	assert.Equal(t, crypto.CreateAddress(restarted.Factory().Address(), 2), next.DistributorAddress)
}

func TestNew_StoreBoundToOtherFactory(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	svc, err := New(ctx, cfg, quietLogger(), schedule.NewFixedClockUnix(nowUnix))
	require.NoError(t, err)
	require.NoError(t, svc.Close())

	cfg.Factory.Administrator = holder.Hex()
	_, err = New(ctx, cfg, quietLogger(), schedule.NewFixedClockUnix(nowUnix))
	assert.Error(t, err)
}

func TestFundingReport_Ledger(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Store.Enabled = false
	clock := schedule.NewFixedClockUnix(nowUnix)

	svc, err := New(ctx, cfg, quietLogger(), clock)
	require.NoError(t, err)
	defer svc.Close()

	funded, fd, err := svc.Factory().Create(ctx, receiver, beneficiary, big.NewInt(1000), nowUnix+10, day)
	require.NoError(t, err)
	unfunded, _, err := svc.Factory().Create(ctx, receiver, beneficiary, big.NewInt(500), nowUnix+10, day)
	require.NoError(t, err)

	require.NoError(t, svc.Ledger().Mint(fd.Address(), big.NewInt(1000)))
	clock.Advance(time.Minute)
	_, err = fd.Transfer(ctx, beneficiary, receiver)
	require.NoError(t, err)

	report, err := svc.FundingReport(ctx)
	require.NoError(t, err)
	require.Len(t, report, 2)

	byAddr := make(map[common.Address]FundingStatus)
	for _, st := range report {
		byAddr[st.Distributor] = st
	}

	st := byAddr[funded.DistributorAddress]
	assert.Equal(t, "900", st.Remaining.String())
	assert.Equal(t, "900", st.Balance.String())
	assert.Equal(t, "ledger", st.Source)
	assert.True(t, st.Funded)

	st = byAddr[unfunded.DistributorAddress]
	assert.Equal(t, "500", st.Remaining.String())
	assert.Equal(t, "0", st.Balance.String())
	assert.False(t, st.Funded)
}

func TestShutdownRunsRegisteredServer(t *testing.T) {
	cfg := testConfig(t)

	svc, err := New(context.Background(), cfg, quietLogger(), schedule.NewFixedClockUnix(nowUnix))
	require.NoError(t, err)

	stopped := false
	svc.RegisterServer("api", func(context.Context) error {
		stopped = true
		return nil
	})

	names := svc.Shutdown().GetRegisteredHandlers()
	assert.Contains(t, names, "api")
	assert.Contains(t, names, "close-store")

	svc.Shutdown().Start()
	require.NoError(t, svc.Close())
	assert.True(t, stopped)
	assert.True(t, svc.Shutdown().IsShuttingDown())

	stats := svc.Stats()
	assert.Contains(t, stats, "store")
	assert.NotContains(t, stats, "rpc_nodes")
}
