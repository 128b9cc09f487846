package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// 聚合器价格冲击的硬上限（百分比），配置只能收紧不能放宽。
const MaxPriceImpactCeilingPct = 5.0

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	RPC        RPCConfig        `mapstructure:"rpc"`
	Wallet     WalletConfig     `mapstructure:"wallet"`
	Aggregator AggregatorConfig `mapstructure:"aggregator"`
	Execution  ExecutionConfig  `mapstructure:"execution"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Server     ServerConfig     `mapstructure:"server"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// EndpointConfig 描述单个 RPC 节点。
type EndpointConfig struct {
	URL               string `mapstructure:"url"`
	Tier              string `mapstructure:"tier"`
	RequestsPerWindow int    `mapstructure:"requests_per_window"`
}

// RPCConfig 描述 RPC 节点池。
type RPCConfig struct {
	Endpoints      []EndpointConfig `mapstructure:"endpoints"`
	Window         time.Duration    `mapstructure:"window"`
	RequestTimeout time.Duration    `mapstructure:"request_timeout"`
	ExhaustedWait  time.Duration    `mapstructure:"exhausted_wait"`
	Commitment     string           `mapstructure:"commitment"`
}

// WalletConfig 保存签名凭证，禁止输出到日志。
type WalletConfig struct {
	PrivateKey string `mapstructure:"private_key"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// AggregatorConfig 描述兑换聚合器接口。
type AggregatorConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	SlippageBps       int           `mapstructure:"slippage_bps"`
	MaxPriceImpactPct float64       `mapstructure:"max_price_impact_pct"`
	Retry             RetryConfig   `mapstructure:"retry"`
}

// ExecutionConfig 控制交易执行的安全边界。
type ExecutionConfig struct {
	MinReserveLamports     uint64        `mapstructure:"min_reserve_lamports"`
	MaxFeeLamports         uint64        `mapstructure:"max_fee_lamports"`
	DailyFeeBudgetLamports uint64        `mapstructure:"daily_fee_budget_lamports"`
	ConfirmTimeout         time.Duration `mapstructure:"confirm_timeout"`
	ConfirmPollInterval    time.Duration `mapstructure:"confirm_poll_interval"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// ServerConfig 控制 HTTP 接口。
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}

	if len(c.RPC.Endpoints) == 0 {
		err = multierr.Append(err, errors.New("rpc.endpoints 至少包含一个节点"))
	}
	for i, ep := range c.RPC.Endpoints {
		if ep.URL == "" {
			err = multierr.Append(err, fmt.Errorf("rpc.endpoints[%d].url 不能为空", i))
		} else if u, parseErr := url.Parse(ep.URL); parseErr != nil || u.Scheme == "" || u.Host == "" {
			err = multierr.Append(err, fmt.Errorf("rpc.endpoints[%d].url 无效: %q", i, ep.URL))
		}
		switch strings.ToLower(ep.Tier) {
		case "", "free", "premium":
		default:
			err = multierr.Append(err, fmt.Errorf("rpc.endpoints[%d].tier 仅支持 free/premium", i))
		}
		if ep.RequestsPerWindow < 0 {
			err = multierr.Append(err, fmt.Errorf("rpc.endpoints[%d].requests_per_window 不能为负", i))
		}
	}
	if c.RPC.Window <= 0 {
		err = multierr.Append(err, errors.New("rpc.window 必须大于0"))
	}
	if c.RPC.RequestTimeout <= 0 {
		err = multierr.Append(err, errors.New("rpc.request_timeout 必须大于0"))
	}
	if c.RPC.ExhaustedWait < 0 {
		err = multierr.Append(err, errors.New("rpc.exhausted_wait 不能为负"))
	}
	switch c.RPC.Commitment {
	case "processed", "confirmed", "finalized":
	default:
		err = multierr.Append(err, errors.New("rpc.commitment 仅支持 processed/confirmed/finalized"))
	}

	if strings.TrimSpace(c.Wallet.PrivateKey) == "" {
		err = multierr.Append(err, errors.New("wallet.private_key 不能为空"))
	}

	if c.Aggregator.BaseURL == "" {
		err = multierr.Append(err, errors.New("aggregator.base_url 不能为空"))
	}
	if c.Aggregator.Timeout <= 0 {
		err = multierr.Append(err, errors.New("aggregator.timeout 必须大于0"))
	}
	if c.Aggregator.SlippageBps <= 0 || c.Aggregator.SlippageBps > 10000 {
		err = multierr.Append(err, errors.New("aggregator.slippage_bps 必须位于(0,10000]"))
	}
	if c.Aggregator.MaxPriceImpactPct <= 0 || c.Aggregator.MaxPriceImpactPct > MaxPriceImpactCeilingPct {
		err = multierr.Append(err, fmt.Errorf("aggregator.max_price_impact_pct 必须位于(0,%.0f]", MaxPriceImpactCeilingPct))
	}
	if c.Aggregator.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("aggregator.retry.max_attempts 必须大于0"))
	}
	if c.Aggregator.Retry.MinDelay <= 0 || c.Aggregator.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("aggregator.retry.delay 必须为正"))
	}
	if c.Aggregator.Retry.MinDelay > c.Aggregator.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("aggregator.retry.min_delay 不能大于 max_delay"))
	}

	if c.Execution.MaxFeeLamports == 0 {
		err = multierr.Append(err, errors.New("execution.max_fee_lamports 必须大于0"))
	}
	if c.Execution.DailyFeeBudgetLamports > 0 && c.Execution.DailyFeeBudgetLamports < c.Execution.MaxFeeLamports {
		err = multierr.Append(err, errors.New("execution.daily_fee_budget_lamports 不应小于 max_fee_lamports"))
	}
	if c.Execution.ConfirmTimeout <= 0 {
		err = multierr.Append(err, errors.New("execution.confirm_timeout 必须大于0"))
	}
	if c.Execution.ConfirmPollInterval <= 0 {
		err = multierr.Append(err, errors.New("execution.confirm_poll_interval 必须大于0"))
	}
	if c.Execution.ConfirmPollInterval > c.Execution.ConfirmTimeout {
		err = multierr.Append(err, errors.New("execution.confirm_poll_interval 不应大于 confirm_timeout"))
	}

	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}

	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}

	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		err = multierr.Append(err, errors.New("server.port 必须位于[1,65535]"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
