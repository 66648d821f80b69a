package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"distributor/internal/logging"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀，例如 DISTRIBUTOR_API_PORT
const EnvPrefix = "DISTRIBUTOR"

// Config 主配置
type Config struct {
	Factory  *FactoryConfig     `mapstructure:"factory"`
	Token    *TokenConfig       `mapstructure:"token"`
	Chain    *ChainConfig       `mapstructure:"chain"`
	Store    *StoreConfig       `mapstructure:"store"`
	Output   *OutputConfig      `mapstructure:"output"`
	API      *APIConfig         `mapstructure:"api"`
	Logging  *logging.LogConfig `mapstructure:"logging"`
	Shutdown *ShutdownConfig    `mapstructure:"shutdown"`
}

// FactoryConfig 工厂部署配置
type FactoryConfig struct {
	Administrator string `mapstructure:"administrator"` // 管理员（部署者）地址
	Address       string `mapstructure:"address"`       // 工厂地址，为空时由管理员地址推导
	TokenAddress  string `mapstructure:"token_address"` // 代币合约地址
}

// TokenConfig 内存代币账本配置
type TokenConfig struct {
	InitialSupply string `mapstructure:"initial_supply"` // 十进制初始发行量
	Holder        string `mapstructure:"holder"`         // 初始持有人，为空时为管理员
}

// ChainConfig 链上只读查询配置，用于核对分发合约的代币余额
type ChainConfig struct {
	Nodes   []*NodeConfig `mapstructure:"nodes"`
	Timeout string        `mapstructure:"timeout"`
}

// NodeConfig RPC节点配置
type NodeConfig struct {
	Name     string `mapstructure:"name"`
	URL      string `mapstructure:"url"`
	Priority int    `mapstructure:"priority"` // 数字越小越优先
}

// StoreConfig 状态存储配置
type StoreConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// KafkaConfig Kafka配置
type KafkaConfig struct {
	Brokers []string          `mapstructure:"brokers"`
	Topics  map[string]string `mapstructure:"topics"`
}

// PostgresConfig PostgreSQL配置
type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

// OutputConfig 事件输出配置
type OutputConfig struct {
	Format    string          `mapstructure:"format"` // json, kafka, kafka_async, postgres, none，可用逗号组合
	Directory string          `mapstructure:"directory"`
	Kafka     *KafkaConfig    `mapstructure:"kafka"`
	Postgres  *PostgresConfig `mapstructure:"postgres"`
}

// APIConfig HTTP服务配置
type APIConfig struct {
	Port int `mapstructure:"port"`
}

// ShutdownConfig 停机配置
type ShutdownConfig struct {
	Timeout string `mapstructure:"timeout"`
}

// 支持的输出格式
var supportedFormats = map[string]bool{
	"json":        true,
	"kafka":       true,
	"kafka_async": true,
	"postgres":    true,
	"none":        true,
}

// DefaultKafkaTopics 默认Kafka主题
var DefaultKafkaTopics = map[string]string{
	"distributions": "vesting_distributions",
	"transfers":     "vesting_transfers",
	"claims":        "vesting_claims",
}

// LoadConfig 从YAML文件加载配置，环境变量 DISTRIBUTOR_* 覆盖文件中的值
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// setDefaults 注册默认值，AutomaticEnv 只对已知键生效
func setDefaults(v *viper.Viper) {
	d := GetDefaultConfig()

	v.SetDefault("factory.administrator", d.Factory.Administrator)
	v.SetDefault("factory.address", d.Factory.Address)
	v.SetDefault("factory.token_address", d.Factory.TokenAddress)
	v.SetDefault("token.initial_supply", d.Token.InitialSupply)
	v.SetDefault("token.holder", d.Token.Holder)
	v.SetDefault("chain.timeout", d.Chain.Timeout)
	v.SetDefault("store.enabled", d.Store.Enabled)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("output.format", d.Output.Format)
	v.SetDefault("output.directory", d.Output.Directory)
	v.SetDefault("output.kafka.brokers", d.Output.Kafka.Brokers)
	v.SetDefault("output.kafka.topics", d.Output.Kafka.Topics)
	v.SetDefault("output.postgres.dsn", d.Output.Postgres.DSN)
	v.SetDefault("api.port", d.API.Port)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)
	v.SetDefault("shutdown.timeout", d.Shutdown.Timeout)
}

// GetDefaultConfig 获取默认配置
func GetDefaultConfig() *Config {
	topics := make(map[string]string, len(DefaultKafkaTopics))
	for k, v := range DefaultKafkaTopics {
		topics[k] = v
	}

	return &Config{
		Factory: &FactoryConfig{
			Administrator: "", // 需要在YAML或环境变量中指定
			Address:       "",
			TokenAddress:  "",
		},
		Token: &TokenConfig{
			InitialSupply: "0",
			Holder:        "",
		},
		Chain: &ChainConfig{
			Timeout: "10s",
		},
		Store: &StoreConfig{
			Enabled: true,
			Path:    "./data/distributor.db",
		},
		Output: &OutputConfig{
			Format:    "json",
			Directory: "./outputs",
			Kafka: &KafkaConfig{
				Brokers: []string{"localhost:9092"},
				Topics:  topics,
			},
			Postgres: &PostgresConfig{DSN: ""},
		},
		API: &APIConfig{
			Port: 8080,
		},
		Logging: &logging.LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Shutdown: &ShutdownConfig{
			Timeout: "30s",
		},
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Factory == nil || c.Output == nil || c.API == nil {
		return fmt.Errorf("配置缺少 factory/output/api 段")
	}

	checks := []func() error{
		func() error { return validateFactoryConfig(c.Factory) },
		func() error { return validateTokenConfig(c.Token) },
		func() error { return validateChainConfig(c.Chain) },
		func() error { return validateStoreConfig(c.Store) },
		func() error { return validateOutputConfig(c.Output) },
		func() error { return validateAPIConfig(c.API) },
		func() error { return validateShutdownConfig(c.Shutdown) },
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

func validateAddress(field, value string, required bool) error {
	if value == "" {
		if required {
			return fmt.Errorf("%s 不能为空", field)
		}
		return nil
	}
	if !common.IsHexAddress(value) {
		return fmt.Errorf("%s 不是有效地址: %s", field, value)
	}
	return nil
}

func validateFactoryConfig(config *FactoryConfig) error {
	if err := validateAddress("factory.administrator", config.Administrator, true); err != nil {
		return err
	}
	if err := validateAddress("factory.address", config.Address, false); err != nil {
		return err
	}
	return validateAddress("factory.token_address", config.TokenAddress, true)
}

func validateTokenConfig(config *TokenConfig) error {
	if config == nil {
		return nil
	}
	if config.InitialSupply != "" {
		supply, ok := new(big.Int).SetString(config.InitialSupply, 10)
		if !ok || supply.Sign() < 0 {
			return fmt.Errorf("token.initial_supply 无效: %s", config.InitialSupply)
		}
	}
	return validateAddress("token.holder", config.Holder, false)
}

func validateChainConfig(config *ChainConfig) error {
	if config == nil {
		return nil
	}
	names := make(map[string]bool, len(config.Nodes))
	for i, node := range config.Nodes {
		if node == nil || node.Name == "" {
			return fmt.Errorf("chain.nodes[%d] 的名称不能为空", i)
		}
		if node.URL == "" {
			return fmt.Errorf("节点 %s 的URL不能为空", node.Name)
		}
		if names[node.Name] {
			return fmt.Errorf("节点名称重复: %s", node.Name)
		}
		names[node.Name] = true
	}
	if config.Timeout != "" {
		if _, err := time.ParseDuration(config.Timeout); err != nil {
			return fmt.Errorf("chain.timeout 无效: %w", err)
		}
	}
	return nil
}

func validateStoreConfig(config *StoreConfig) error {
	if config != nil && config.Enabled && config.Path == "" {
		return fmt.Errorf("启用存储时 store.path 不能为空")
	}
	return nil
}

func validateKafkaConfig(config *KafkaConfig) error {
	if config == nil || len(config.Brokers) == 0 {
		return fmt.Errorf("kafka 输出需要至少一个 broker")
	}
	for _, broker := range config.Brokers {
		if broker == "" {
			return fmt.Errorf("kafka broker 地址不能为空")
		}
	}
	return nil
}

func validateOutputConfig(config *OutputConfig) error {
	formats := config.Formats()
	if len(formats) == 0 {
		return fmt.Errorf("output.format 不能为空")
	}

	for _, format := range formats {
		if !supportedFormats[format] {
			return fmt.Errorf("不支持的输出格式: %s", format)
		}

		switch format {
		case "json":
			if config.Directory == "" {
				return fmt.Errorf("json 输出需要 output.directory")
			}
		case "kafka", "kafka_async":
			if err := validateKafkaConfig(config.Kafka); err != nil {
				return err
			}
		case "postgres":
			if config.Postgres == nil || config.Postgres.DSN == "" {
				return fmt.Errorf("postgres 输出需要 output.postgres.dsn")
			}
		}
	}
	return nil
}

func validateAPIConfig(config *APIConfig) error {
	if config.Port <= 0 || config.Port > 65535 {
		return fmt.Errorf("api.port 超出范围: %d", config.Port)
	}
	return nil
}

func validateShutdownConfig(config *ShutdownConfig) error {
	if config == nil || config.Timeout == "" {
		return nil
	}
	if _, err := time.ParseDuration(config.Timeout); err != nil {
		return fmt.Errorf("shutdown.timeout 无效: %w", err)
	}
	return nil
}

// Formats 返回去空格后的输出格式列表
func (o *OutputConfig) Formats() []string {
	var formats []string
	for _, f := range strings.Split(o.Format, ",") {
		if f = strings.TrimSpace(strings.ToLower(f)); f != "" {
			formats = append(formats, f)
		}
	}
	return formats
}

// TimeoutDuration 停机超时，未配置时为30秒
func (s *ShutdownConfig) TimeoutDuration() time.Duration {
	if s == nil || s.Timeout == "" {
		return 30 * time.Second
	}
	d, err := time.ParseDuration(s.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// TimeoutDuration 单次RPC调用超时，未配置时为10秒
func (c *ChainConfig) TimeoutDuration() time.Duration {
	if c == nil || c.Timeout == "" {
		return 10 * time.Second
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// InitialSupplyAmount 解析初始发行量
func (t *TokenConfig) InitialSupplyAmount() *big.Int {
	if t == nil || t.InitialSupply == "" {
		return big.NewInt(0)
	}
	supply, ok := new(big.Int).SetString(t.InitialSupply, 10)
	if !ok {
		return big.NewInt(0)
	}
	return supply
}

// AdministratorAddress 管理员地址
func (f *FactoryConfig) AdministratorAddress() common.Address {
	return common.HexToAddress(f.Administrator)
}

// FactoryAddress 工厂地址，未配置时返回零地址
func (f *FactoryConfig) FactoryAddress() common.Address {
	if f.Address == "" {
		return common.Address{}
	}
	return common.HexToAddress(f.Address)
}

// TokenContractAddress 代币合约地址
func (f *FactoryConfig) TokenContractAddress() common.Address {
	return common.HexToAddress(f.TokenAddress)
}
