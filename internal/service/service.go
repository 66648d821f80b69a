// Package service 组装工厂、代币账本、状态存储、事件输出和停机流程
package service

import (
	"context"
	"fmt"
	"math/big"

	"distributor/internal/config"
	"distributor/internal/connection"
	"distributor/internal/factory"
	"distributor/internal/output"
	"distributor/internal/schedule"
	"distributor/internal/shutdown"
	"distributor/internal/store"
	"distributor/internal/token"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// Service 分发服务
type Service struct {
	cfg      *config.Config
	logger   *logrus.Logger
	ledger   *token.MemoryLedger
	factory  *factory.Factory
	store    *store.BoltStore
	output   output.Output
	pool     *connection.ConnectionPool
	erc20    *token.ERC20Reader
	shutdown *shutdown.GracefulShutdown
}

// flusher 支持刷新缓冲区的输出器
type flusher interface {
	Flush() error
}

// validateConfig 验证配置参数
func validateConfig(cfg *config.Config, logger *logrus.Logger) error {
	if cfg == nil {
		return fmt.Errorf("配置不能为空")
	}
	if logger == nil {
		return fmt.Errorf("日志器不能为空")
	}
	return cfg.Validate()
}

// New 按配置创建服务：部署工厂、恢复持久化状态并连接事件输出
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger, clock schedule.Clock) (*Service, error) {
	if err := validateConfig(cfg, logger); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	s := &Service{
		cfg:      cfg,
		logger:   logger,
		shutdown: shutdown.NewGracefulShutdown(cfg.Shutdown.TimeoutDuration(), logger),
	}

	tokenAddr := cfg.Factory.TokenContractAddress()
	s.ledger = token.NewMemoryLedger(tokenAddr, logger)
	if err := s.seedLedger(); err != nil {
		return nil, err
	}

	f, err := factory.New(factory.Config{
		Administrator: cfg.Factory.AdministratorAddress(),
		Address:       cfg.Factory.FactoryAddress(),
		TokenAddress:  tokenAddr,
	}, s.ledger, clock, logger)
	if err != nil {
		return nil, fmt.Errorf("部署工厂失败: %w", err)
	}
	s.factory = f

	if cfg.Store != nil && cfg.Store.Enabled {
		if err := s.openStore(ctx); err != nil {
			return nil, err
		}
	}

	out, err := output.NewOutput(cfg.Output, logger)
	if err != nil {
		s.closeResources()
		return nil, fmt.Errorf("创建输出器失败: %w", err)
	}
	s.output = out
	f.SetOutput(out)

	if cfg.Chain != nil && len(cfg.Chain.Nodes) > 0 {
		pool, err := connection.NewConnectionPool(cfg.Chain, logger)
		if err != nil {
			s.closeResources()
			return nil, fmt.Errorf("创建RPC连接池失败: %w", err)
		}
		s.pool = pool
		s.erc20 = token.NewERC20Reader(tokenAddr, pool)
	}

	s.registerShutdownHandlers()
	return s, nil
}

// seedLedger 向初始持有人发行代币
func (s *Service) seedLedger() error {
	supply := s.cfg.Token.InitialSupplyAmount()
	if supply.Sign() == 0 {
		return nil
	}

	holder := s.cfg.Factory.AdministratorAddress()
	if s.cfg.Token.Holder != "" {
		holder = common.HexToAddress(s.cfg.Token.Holder)
	}
	if err := s.ledger.Mint(holder, supply); err != nil {
		return fmt.Errorf("初始发行失败: %w", err)
	}
	s.logger.Infof("已向 %s 发行 %s 代币", holder.Hex(), supply.String())
	return nil
}

// openStore 打开状态数据库并恢复工厂状态
func (s *Service) openStore(ctx context.Context) error {
	st, err := store.NewBoltStore(s.cfg.Store.Path, s.logger)
	if err != nil {
		return fmt.Errorf("打开状态存储失败: %w", err)
	}
	s.store = st

	if err := st.BindFactory(s.factory.Address()); err != nil {
		s.closeResources()
		return fmt.Errorf("状态存储与工厂不匹配: %w", err)
	}

	s.factory.SetStore(st)
	if err := s.factory.Restore(ctx); err != nil {
		s.closeResources()
		return fmt.Errorf("恢复工厂状态失败: %w", err)
	}
	return nil
}

// registerShutdownHandlers 注册停机处理函数
func (s *Service) registerShutdownHandlers() {
	if f, ok := s.output.(flusher); ok {
		s.shutdown.Register("flush-outputs", func(context.Context) error {
			return f.Flush()
		}, shutdown.OrderFlushOutputs)
	}
	s.shutdown.Register("close-outputs", func(context.Context) error {
		return s.output.Close()
	}, shutdown.OrderCloseOutputs)

	if s.store != nil {
		s.shutdown.Register("close-store", func(context.Context) error {
			return s.store.Close()
		}, shutdown.OrderCloseStore)
	}
	if s.pool != nil {
		s.shutdown.Register("close-rpc-pool", func(context.Context) error {
			return s.pool.Close()
		}, shutdown.OrderCleanupResources)
	}
}

// closeResources 初始化失败时释放已打开的资源
func (s *Service) closeResources() {
	if s.output != nil {
		if err := s.output.Close(); err != nil {
			s.logger.Errorf("关闭输出器失败: %v", err)
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Errorf("关闭状态存储失败: %v", err)
		}
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Factory 返回工厂
func (s *Service) Factory() *factory.Factory {
	return s.factory
}

// Ledger 返回内存代币账本
func (s *Service) Ledger() *token.MemoryLedger {
	return s.ledger
}

// Store 返回状态存储，未启用时为 nil
func (s *Service) Store() *store.BoltStore {
	return s.store
}

// Shutdown 返回停机管理器
func (s *Service) Shutdown() *shutdown.GracefulShutdown {
	return s.shutdown
}

// RegisterServer 注册需要最先停止的服务
func (s *Service) RegisterServer(name string, stop func(ctx context.Context) error) {
	s.shutdown.Register(name, stop, shutdown.OrderStopHTTPServer)
}

// Close 执行停机流程
func (s *Service) Close() error {
	return s.shutdown.Close()
}

// FundingStatus 单个分发合约的资金核对结果
type FundingStatus struct {
	Distributor common.Address `json:"distributor"`
	Beneficiary common.Address `json:"beneficiary"`
	Remaining   *big.Int       `json:"remaining"` // 尚未释放的数量
	Balance     *big.Int       `json:"balance"`
	Source      string         `json:"source"` // chain 或 ledger
	Funded      bool           `json:"funded"`
}

// FundingReport 核对每个分发合约的代币余额是否覆盖尚未释放的数量。
// 配置了RPC节点时查询链上余额，否则查询内存账本。
func (s *Service) FundingReport(ctx context.Context) ([]FundingStatus, error) {
	records := s.factory.Records()
	report := make([]FundingStatus, 0, len(records))

	for _, r := range records {
		d, err := s.factory.Distributor(r.DistributorAddress)
		if err != nil {
			return nil, err
		}
		remaining := new(big.Int).Sub(r.TotalAmount, d.ClaimedCumulative())

		var (
			balance *big.Int
			source  string
		)
		if s.erc20 != nil {
			balance, err = s.erc20.BalanceOf(ctx, r.DistributorAddress)
			source = "chain"
		} else {
			balance, err = s.ledger.BalanceOf(ctx, r.DistributorAddress)
			source = "ledger"
		}
		if err != nil {
			return nil, fmt.Errorf("查询 %s 余额失败: %w", r.DistributorAddress.Hex(), err)
		}

		report = append(report, FundingStatus{
			Distributor: r.DistributorAddress,
			Beneficiary: r.Beneficiary,
			Remaining:   remaining,
			Balance:     balance,
			Source:      source,
			Funded:      balance.Cmp(remaining) >= 0,
		})
	}
	return report, nil
}

// Stats 汇总运行统计
func (s *Service) Stats() map[string]interface{} {
	stats := map[string]interface{}{
		"factory":      s.factory.Stats(),
		"total_supply": s.ledger.TotalSupply().String(),
	}
	if s.store != nil {
		stats["store"] = s.store.GetStats()
	}
	if s.pool != nil {
		stats["rpc_nodes"] = s.pool.GetStats()
	}
	return stats
}
