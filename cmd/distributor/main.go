package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"distributor/internal/api"
	"distributor/internal/config"
	"distributor/internal/logging"
	"distributor/internal/schedule"
	"distributor/internal/service"
)

var (
	// 基础参数
	configFile string
	port       int
	verbose    bool

	// 阶段预览参数
	total    string
	start    uint64
	interval uint64
	at       int64

	// 查询参数
	beneficiary string
	asJSON      bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "distributor",
		Short: "代币分阶段归属分发服务",
		Long:  `部署分发工厂，按8个阶段释放归属代币，并通过HTTP API提供创建、领取和查询`,
		RunE:  serve,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "configs/config.yaml", "配置文件路径")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "详细输出")
	rootCmd.Flags().IntVar(&port, "port", 0, "API 服务端口，0 表示使用配置文件中的端口")

	phasesCmd := &cobra.Command{
		Use:   "phases",
		Short: "预览归属计划的8个阶段",
		RunE:  showPhases,
	}
	phasesCmd.Flags().StringVar(&total, "total", "", "归属总量（十进制）")
	phasesCmd.Flags().Uint64Var(&start, "start", 0, "第1阶段激活时间（unix秒）")
	phasesCmd.Flags().Uint64Var(&interval, "interval", 0, "阶段间隔（秒）")
	phasesCmd.Flags().Int64Var(&at, "at", 0, "按指定时间计算当前阶段（unix秒），默认当前时间")
	phasesCmd.MarkFlagRequired("total")
	phasesCmd.MarkFlagRequired("interval")

	recordsCmd := &cobra.Command{
		Use:   "records",
		Short: "查看已创建的分发合约",
		RunE:  showRecords,
	}
	recordsCmd.Flags().StringVar(&beneficiary, "beneficiary", "", "只显示指定受益人的记录")
	recordsCmd.Flags().BoolVar(&asJSON, "json", false, "以JSON格式输出")

	fundingCmd := &cobra.Command{
		Use:   "funding",
		Short: "核对分发合约的代币余额",
		RunE:  showFunding,
	}
	fundingCmd.Flags().BoolVar(&asJSON, "json", false, "以JSON格式输出")

	rootCmd.AddCommand(phasesCmd, recordsCmd, fundingCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "执行失败: %v\n", err)
		os.Exit(1)
	}
}

// newLogger 按配置创建日志器，--verbose 覆盖日志级别
func newLogger(cfg *config.Config) (*logrus.Logger, error) {
	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger, nil
}

// openService 以只读查询方式打开服务，不写出事件
func openService(ctx context.Context) (*service.Service, *logrus.Logger, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("加载配置失败: %w", err)
	}
	cfg.Output.Format = "none"

	logger, err := newLogger(cfg)
	if err != nil {
		return nil, nil, err
	}
	if !verbose {
		logger.SetLevel(logrus.WarnLevel)
	}

	svc, err := service.New(ctx, cfg, logger, schedule.SystemClock{})
	if err != nil {
		return nil, nil, fmt.Errorf("初始化服务失败: %w", err)
	}
	return svc, logger, nil
}

func serve(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}
	if port == 0 {
		port = cfg.API.Port
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("创建日志器失败: %w", err)
	}

	svc, err := service.New(cmd.Context(), cfg, logger, schedule.SystemClock{})
	if err != nil {
		return fmt.Errorf("初始化服务失败: %w", err)
	}

	server := api.NewServer(cfg, svc.Factory(), logger, port)
	server.SetFundingReporter(svc)
	svc.RegisterServer("api-server", server.Stop)

	// 启动优雅停机监听
	svc.Shutdown().Start()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	var runErr error
	select {
	case runErr = <-errCh:
		if runErr != nil {
			logger.Errorf("API服务器异常退出: %v", runErr)
		}
		svc.Shutdown().Shutdown()
	case <-svc.Shutdown().Context().Done():
	}

	// 等待优雅停机完成
	logger.Info("等待优雅停机完成...")
	if err := svc.Close(); err != nil {
		logger.Errorf("停机过程出错: %v", err)
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}

// showPhases 打印归属计划，不需要配置文件
func showPhases(cmd *cobra.Command, args []string) error {
	amount, ok := new(big.Int).SetString(total, 10)
	if !ok || amount.Sign() <= 0 {
		return fmt.Errorf("无效的归属总量: %s", total)
	}
	if interval == 0 {
		return fmt.Errorf("阶段间隔必须大于0")
	}

	s := schedule.Schedule{Start: start, Interval: interval}
	now := uint64(time.Now().Unix())
	if at > 0 {
		now = uint64(at)
	}

	current, err := schedule.CurrentPhaseNumber(s, now)
	if err != nil {
		fmt.Printf("当前时间 %d 尚未进入第1阶段\n", now)
	} else {
		fmt.Printf("当前阶段: %d\n", current)
	}

	fmt.Println(strings.Repeat("=", 72))
	fmt.Printf("%-6s %-22s %-8s %-10s %s\n", "阶段", "激活时间", "本阶段%", "累计%", "累计可领取")
	for n := uint8(1); n <= schedule.PhasesNum; n++ {
		activation, err := schedule.ActivationTime(s, n)
		if err != nil {
			return err
		}
		pct, _ := schedule.PercentForPhase(n)
		cum, _ := schedule.CumulativePercentForPhase(n)
		available, err := schedule.TokensAvailableForPhase(amount, n)
		if err != nil {
			return err
		}
		fmt.Printf("%-6d %-22s %-8d %-10d %s\n", n,
			time.Unix(int64(activation), 0).UTC().Format(time.RFC3339), pct, cum, available.String())
	}
	return nil
}

// showRecords 打印存储中的分发合约
func showRecords(cmd *cobra.Command, args []string) error {
	svc, _, err := openService(cmd.Context())
	if err != nil {
		return err
	}
	defer svc.Close()

	records := svc.Factory().Records()
	if beneficiary != "" {
		filtered := records[:0]
		for _, r := range records {
			if strings.EqualFold(r.Beneficiary.Hex(), beneficiary) {
				filtered = append(filtered, r)
			}
		}
		records = filtered
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}

	fmt.Printf("📊 分发合约 (%d)\n", len(records))
	fmt.Println(strings.Repeat("=", 72))
	for _, r := range records {
		d, err := svc.Factory().Distributor(r.DistributorAddress)
		if err != nil {
			return err
		}
		fmt.Printf("#%-4d %s\n", r.Sequence, r.DistributorAddress.Hex())
		fmt.Printf("      受益人: %s\n", r.Beneficiary.Hex())
		fmt.Printf("      总量: %s  已领取: %s\n", r.TotalAmount.String(), d.ClaimedCumulative().String())
		fmt.Printf("      开始: %d  间隔: %ds\n", r.ScheduleStart, r.PhaseInterval)
	}
	return nil
}

// showFunding 打印资金核对结果
func showFunding(cmd *cobra.Command, args []string) error {
	svc, _, err := openService(cmd.Context())
	if err != nil {
		return err
	}
	defer svc.Close()

	report, err := svc.FundingReport(cmd.Context())
	if err != nil {
		return fmt.Errorf("资金核对失败: %w", err)
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	unfunded := 0
	fmt.Println(strings.Repeat("=", 72))
	for _, st := range report {
		mark := "✅"
		if !st.Funded {
			mark = "❌"
			unfunded++
		}
		fmt.Printf("%s %s 余额 %s / 待释放 %s (%s)\n", mark, st.Distributor.Hex(), st.Balance.String(), st.Remaining.String(), st.Source)
	}
	fmt.Printf("共 %d 个分发合约，%d 个资金不足\n", len(report), unfunded)
	return nil
}
