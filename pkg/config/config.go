// Package config 提供 TOML 配置加载、环境变量覆盖与默认值
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config 服务配置
type Config struct {
	// 服务名称
	ServiceName string `mapstructure:"service_name"`
	// 服务版本
	Version string `mapstructure:"version"`
	// 环境：dev, staging, prod
	Environment string `mapstructure:"environment"`
	// HTTP 服务配置
	HTTP HTTPConfig `mapstructure:"http"`
	// 数据库配置
	Database DatabaseConfig `mapstructure:"database"`
	// Kafka 配置
	Kafka KafkaConfig `mapstructure:"kafka"`
	// 日志配置
	Logger LoggerConfig `mapstructure:"logger"`
	// 指标配置
	Metrics MetricsConfig `mapstructure:"metrics"`
	// 分仓配置
	Allocation AllocationConfig `mapstructure:"allocation"`
	// 再平衡配置
	Rebalance RebalanceConfig `mapstructure:"rebalance"`
	// 对账配置
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
}

// HTTPConfig HTTP 服务配置
type HTTPConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// 读超时（秒）
	ReadTimeout int `mapstructure:"read_timeout"`
	// 写超时（秒）
	WriteTimeout int `mapstructure:"write_timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动：目前仅 mysql
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
	// 最大连接数
	MaxOpenConns int `mapstructure:"max_open_conns"`
	// 最大空闲连接数
	MaxIdleConns int `mapstructure:"max_idle_conns"`
	// 连接最大生命周期（秒）
	ConnMaxLifetime int `mapstructure:"conn_max_lifetime"`
	// 是否启用 SQL 日志
	LogEnabled bool `mapstructure:"log_enabled"`
	// 慢查询阈值（毫秒）
	SlowQueryThreshold int `mapstructure:"slow_query_threshold"`
}

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	// 是否启用事件发布/消费
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	GroupID string   `mapstructure:"group_id"`
	// 结算事件主题
	SettlementTopic string `mapstructure:"settlement_topic"`
	// 消费者超时（秒）
	SessionTimeout int `mapstructure:"session_timeout"`
	// 发送重试次数
	MaxRetries int `mapstructure:"max_retries"`
	// 重试退避（毫秒）
	RetryBackoff int `mapstructure:"retry_backoff"`
}

// LoggerConfig 日志配置
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
	WithCaller bool   `mapstructure:"with_caller"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// AllocationConfig 分仓默认参数（首次启动写入设置表）
type AllocationConfig struct {
	// 卫星仓总预算占比，硬上限 0.30
	SatelliteBudgetPct float64 `mapstructure:"satellite_budget_pct"`
	// 单个卫星仓最小占比
	SatelliteMinPct float64 `mapstructure:"satellite_min_pct"`
	// 单个卫星仓最大占比
	SatelliteMaxPct float64 `mapstructure:"satellite_max_pct"`
}

// RebalanceConfig 再平衡调度配置（仅 cmd 层使用，核心服务不感知调度）
type RebalanceConfig struct {
	// cron 表达式，默认每季度首日
	CronSpec string `mapstructure:"cron_spec"`
	// 业绩评估窗口（天）
	PeriodDays int `mapstructure:"period_days"`
	// 阻尼系数 [0,1]
	Dampening float64 `mapstructure:"dampening"`
	// 是否自动应用（false 时仅输出预览）
	AutoApply bool `mapstructure:"auto_apply"`
}

// ReconcileConfig 对账配置
type ReconcileConfig struct {
	// 自动修正阈值（绝对金额）
	AutoCorrectThreshold float64 `mapstructure:"auto_correct_threshold"`
}

// Load 从 TOML 文件加载配置，支持 APP_ 前缀环境变量覆盖
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v.SetEnvPrefix("APP")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate 验证配置的有效性
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required")
	}
	if c.Environment == "" {
		c.Environment = "dev"
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTP.Port)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN is required")
	}
	if c.Allocation.SatelliteBudgetPct > 0.30 {
		return fmt.Errorf("satellite_budget_pct %.4f exceeds hard cap 0.30", c.Allocation.SatelliteBudgetPct)
	}
	if c.Rebalance.Dampening < 0 || c.Rebalance.Dampening > 1 {
		return fmt.Errorf("rebalance dampening must be in [0,1], got %.4f", c.Rebalance.Dampening)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 30)
	v.SetDefault("http.write_timeout", 30)

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 300)
	v.SetDefault("database.log_enabled", false)
	v.SetDefault("database.slow_query_threshold", 1000)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.session_timeout", 10)
	v.SetDefault("kafka.max_retries", 3)
	v.SetDefault("kafka.retry_backoff", 100)
	v.SetDefault("kafka.settlement_topic", "allocation.trade.settled")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.output", "stdout")
	v.SetDefault("logger.file_path", "logs/app.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 10)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.with_caller", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("allocation.satellite_budget_pct", 0.20)
	v.SetDefault("allocation.satellite_min_pct", 0.03)
	v.SetDefault("allocation.satellite_max_pct", 0.12)

	v.SetDefault("rebalance.cron_spec", "0 6 1 1,4,7,10 *")
	v.SetDefault("rebalance.period_days", 90)
	v.SetDefault("rebalance.dampening", 0.5)
	v.SetDefault("rebalance.auto_apply", false)

	v.SetDefault("reconcile.auto_correct_threshold", 1.0)
}
