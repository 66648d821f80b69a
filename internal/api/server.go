package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"distributor/internal/config"
	"distributor/internal/errors"
	"distributor/internal/factory"
	"distributor/internal/logging"
	"distributor/internal/service"
	"distributor/internal/validation"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// CallerHeader 外部认证层写入的调用者地址
const CallerHeader = "X-Caller"

const callerKey = "caller"

// FundingReporter 分发合约资金核对
type FundingReporter interface {
	FundingReport(ctx context.Context) ([]service.FundingStatus, error)
}

// Server API服务器
type Server struct {
	factory      *factory.Factory
	funding      FundingReporter
	config       *config.Config
	validator    *validation.Validator
	errorHandler *errors.ErrorHandler
	configs      *ConfigManager
	logger       *logrus.Logger
	logManager   *LogManager
	router       *gin.Engine
	server       *http.Server
	port         int
	startedAt    time.Time
	mu           sync.Mutex
}

// NewServer 创建新的API服务器
func NewServer(cfg *config.Config, f *factory.Factory, logger *logrus.Logger, port int) *Server {
	logManager := NewLogManager(DefaultMaxLogs)
	logger.AddHook(NewLogHook(logManager))

	s := &Server{
		factory:      f,
		config:       cfg,
		validator:    validation.NewValidator(logger, false),
		errorHandler: errors.NewErrorHandler(logger),
		configs:      NewConfigManager(cfg, logger),
		logger:       logger,
		logManager:   logManager,
		port:         port,
		startedAt:    time.Now(),
	}

	gin.SetMode(gin.ReleaseMode)
	s.router = gin.New()
	s.router.Use(s.cors(), s.requestLogger(), gin.Recovery())
	s.setupRoutes(s.router)
	return s
}

// SetFundingReporter 设置资金核对器
func (s *Server) SetFundingReporter(r FundingReporter) {
	s.funding = r
}

// Handler 返回路由，供测试和自定义服务器使用
func (s *Server) Handler() http.Handler {
	return s.router
}

// LogManager 返回日志缓冲区
func (s *Server) LogManager() *LogManager {
	return s.logManager
}

// Start 启动API服务器，阻塞直到服务器关闭
func (s *Server) Start() error {
	s.mu.Lock()
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	s.logger.Infof("API服务器启动在端口 %d", s.port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop 停止API服务器，等待活跃请求完成
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	s.logger.Info("正在关闭API服务器")
	return srv.Shutdown(ctx)
}

func (s *Server) cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, "+CallerHeader)

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// requestLogger 记录请求并解析调用者地址
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		var caller common.Address
		if raw := c.GetHeader(CallerHeader); raw != "" {
			if addr, err := validation.ParseAddress(raw); err == nil {
				caller = addr
				c.Set(callerKey, addr)
			}
		}

		c.Next()

		entry := logging.NewRequestLogger(s.logger, c.Request.Method, c.FullPath(), caller).WithFields(logrus.Fields{
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("请求处理失败")
		} else {
			entry.Debug("请求完成")
		}
	}
}

// setupRoutes 设置路由
func (s *Server) setupRoutes(router *gin.Engine) {
	router.GET("/health", s.healthCheck)

	api := router.Group("/api/v1")
	{
		api.GET("/factory", s.getFactory)
		api.GET("/stats", s.getStats)
		api.GET("/config", s.configs.GetConfig)
		api.GET("/funding", s.getFunding)

		// 分发合约
		api.POST("/distributors", s.requireCaller(), s.createDistributor)
		api.GET("/distributors", s.listDistributors)
		api.GET("/distributors/:address", s.getDistributor)
		api.GET("/distributors/:address/phases", s.getPhases)
		api.GET("/distributors/:address/phases/:number", s.getPhase)
		api.GET("/distributors/:address/current-phase", s.getCurrentPhase)
		api.GET("/distributors/:address/available", s.getAvailable)
		api.POST("/distributors/:address/transfer", s.requireCaller(), s.claim)

		// 转账登记
		api.POST("/transfers", s.requireCaller(), s.registerTransfer)
		api.GET("/transfers", s.listTransfers)

		// 代币账本
		api.POST("/token/mint", s.requireCaller(), s.mint)
		api.GET("/token/balance/:address", s.getBalance)

		// 日志管理
		api.GET("/logs", s.getLogs)
		api.DELETE("/logs", s.requireCaller(), s.clearLogs)
	}
}

// requireCaller 写操作必须携带合法的调用者地址
func (s *Server) requireCaller() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader(CallerHeader)
		if raw == "" {
			s.respondError(c, errors.ErrUnauthorized.WithContext("reason", "缺少 "+CallerHeader+" 请求头"))
			c.Abort()
			return
		}
		if _, ok := c.Get(callerKey); !ok {
			_, err := s.validator.ValidateAddress(CallerHeader, raw)
			s.respondError(c, err)
			c.Abort()
			return
		}
		c.Next()
	}
}

func caller(c *gin.Context) common.Address {
	if v, ok := c.Get(callerKey); ok {
		return v.(common.Address)
	}
	return common.Address{}
}

// respondError 统一错误响应
func (s *Server) respondError(c *gin.Context, err error) {
	de := s.errorHandler.HandleError(c.Request.Context(), err)
	body := gin.H{
		"error":   de.Message,
		"code":    de.Code,
		"details": err.Error(),
	}
	if len(de.Context) > 0 {
		body["context"] = de.Context
	}
	c.JSON(errors.HTTPStatus(err), body)
}

// healthCheck 健康检查
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"service":   "distributor-api",
	})
}

// getStats 获取运行统计
func (s *Server) getStats(c *gin.Context) {
	errStats := s.errorHandler.GetStats()
	c.JSON(http.StatusOK, gin.H{
		"factory":      s.factory.Stats(),
		"errors":       errStats.TotalErrors,
		"errors_by":    errStats.ErrorsByCode,
		"uptime":       time.Since(s.startedAt).String(),
		"log_buffered": len(s.logManager.GetLogs("", 0)),
	})
}

// getFunding 核对各分发合约的资金
func (s *Server) getFunding(c *gin.Context) {
	if s.funding == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "未启用资金核对"})
		return
	}

	report, err := s.funding.FundingReport(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "资金核对失败", "details": err.Error()})
		return
	}

	unfunded := 0
	for _, st := range report {
		if !st.Funded {
			unfunded++
		}
	}
	c.JSON(http.StatusOK, gin.H{"distributors": report, "unfunded": unfunded})
}

// getLogs 获取日志
func (s *Server) getLogs(c *gin.Context) {
	level := c.Query("level")

	page := 1
	if p, err := strconv.Atoi(c.Query("page")); err == nil && p > 0 {
		page = p
	}
	pageSize := 20
	if ps, err := strconv.Atoi(c.Query("pageSize")); err == nil && ps > 0 {
		pageSize = ps
	}

	logs, total := s.logManager.GetLogsWithPagination(level, page, pageSize)
	c.JSON(http.StatusOK, gin.H{
		"logs":     logs,
		"total":    total,
		"page":     page,
		"pageSize": pageSize,
		"level":    level,
	})
}

// clearLogs 清空日志，仅管理员可用
func (s *Server) clearLogs(c *gin.Context) {
	if caller(c) != s.factory.Owner() {
		s.respondError(c, errors.ErrUnauthorized.
			WithComponent("api").
			WithContext("caller", caller(c).Hex()).
			WithContext("required", s.factory.Owner().Hex()))
		return
	}
	s.logManager.ClearLogs()
	c.JSON(http.StatusOK, gin.H{"message": "日志已清空"})
}
