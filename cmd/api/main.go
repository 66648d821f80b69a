package main

import (
	"context"
	"flag"

	"distributor/internal/api"
	"distributor/internal/config"
	"distributor/internal/logging"
	"distributor/internal/schedule"
	"distributor/internal/service"

	"github.com/sirupsen/logrus"
)

var (
	configPath = flag.String("config", "configs/config.yaml", "配置文件路径")
	port       = flag.Int("port", 0, "API 服务端口，0 表示使用配置文件中的端口")
	verbose    = flag.Bool("verbose", false, "详细输出")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logrus.Fatalf("加载配置失败: %v", err)
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		logrus.Fatalf("创建日志器失败: %v", err)
	}
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	svc, err := service.New(context.Background(), cfg, logger, schedule.SystemClock{})
	if err != nil {
		logger.Fatalf("初始化服务失败: %v", err)
	}

	p := *port
	if p == 0 {
		p = cfg.API.Port
	}

	// 创建API服务器
	server := api.NewServer(cfg, svc.Factory(), logger, p)
	server.SetFundingReporter(svc)
	svc.RegisterServer("api-server", server.Stop)
	svc.Shutdown().Start()

	// 启动服务器
	go func() {
		if err := server.Start(); err != nil {
			logger.Errorf("启动服务器失败: %v", err)
			svc.Shutdown().Shutdown()
		}
	}()

	logger.Infof("API服务器已启动，监听端口: %d", p)

	// 等待中断信号
	<-svc.Shutdown().Done()

	if err := svc.Close(); err != nil {
		logger.Errorf("停机过程出错: %v", err)
	}
	logger.Info("服务器已关闭")
}
