package api

import (
	"net/http"
	"net/url"

	"distributor/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ConfigView 对外展示的运行配置，敏感字段已脱敏
type ConfigView struct {
	Factory       *config.FactoryConfig `json:"factory"`
	Token         *config.TokenConfig   `json:"token"`
	Store         *config.StoreConfig   `json:"store"`
	OutputFormats []string              `json:"output_formats"`
	OutputDir     string                `json:"output_directory,omitempty"`
	KafkaBrokers  []string              `json:"kafka_brokers,omitempty"`
	KafkaTopics   map[string]string     `json:"kafka_topics,omitempty"`
	PostgresDSN   string                `json:"postgres_dsn,omitempty"`
	Port          int                   `json:"port"`
	LogLevel      string                `json:"log_level"`
	Shutdown      string                `json:"shutdown_timeout"`
}

// ConfigManager 只读配置接口
type ConfigManager struct {
	cfg    *config.Config
	logger *logrus.Logger
}

// NewConfigManager 创建配置管理器
func NewConfigManager(cfg *config.Config, logger *logrus.Logger) *ConfigManager {
	return &ConfigManager{cfg: cfg, logger: logger}
}

// View 生成脱敏后的配置视图
func (cm *ConfigManager) View() *ConfigView {
	cfg := cm.cfg
	if cfg == nil {
		cfg = config.GetDefaultConfig()
	}

	view := &ConfigView{
		Factory: cfg.Factory,
		Token:   cfg.Token,
		Store:   cfg.Store,
	}
	if cfg.Output != nil {
		view.OutputFormats = cfg.Output.Formats()
		view.OutputDir = cfg.Output.Directory
		if cfg.Output.Kafka != nil {
			view.KafkaBrokers = cfg.Output.Kafka.Brokers
			view.KafkaTopics = cfg.Output.Kafka.Topics
		}
		if cfg.Output.Postgres != nil && cfg.Output.Postgres.DSN != "" {
			view.PostgresDSN = redactDSN(cfg.Output.Postgres.DSN)
		}
	}
	if cfg.API != nil {
		view.Port = cfg.API.Port
	}
	if cfg.Logging != nil {
		view.LogLevel = cfg.Logging.Level
	}
	if cfg.Shutdown != nil {
		view.Shutdown = cfg.Shutdown.TimeoutDuration().String()
	}
	return view
}

// GetConfig 获取配置
func (cm *ConfigManager) GetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"config": cm.View()})
}

// redactDSN 隐藏连接串中的密码
func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" {
		// key=value 格式的连接串整体隐藏
		return "******"
	}
	if u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
		}
	}
	return u.String()
}
