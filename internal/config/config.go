package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "swapexec"
)

// LoadDotEnv 将 .env 文件中的变量注入进程环境，文件不存在时忽略。
// 已存在的环境变量不会被覆盖。
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("读取 env 文件 %q 失败: %w", path, err)
	}
	return nil
}

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("rpc.window", "60s")
	v.SetDefault("rpc.request_timeout", "5s")
	v.SetDefault("rpc.exhausted_wait", "60s")
	v.SetDefault("rpc.commitment", "confirmed")

	v.SetDefault("wallet.private_key", "")

	v.SetDefault("aggregator.base_url", "https://quote-api.jup.ag/v6")
	v.SetDefault("aggregator.timeout", "10s")
	v.SetDefault("aggregator.slippage_bps", 50)
	v.SetDefault("aggregator.max_price_impact_pct", MaxPriceImpactCeilingPct)
	v.SetDefault("aggregator.retry.max_attempts", 3)
	v.SetDefault("aggregator.retry.min_delay", "500ms")
	v.SetDefault("aggregator.retry.max_delay", "5s")

	v.SetDefault("execution.min_reserve_lamports", 10_000_000)
	v.SetDefault("execution.max_fee_lamports", 5_000_000)
	v.SetDefault("execution.daily_fee_budget_lamports", 0)
	v.SetDefault("execution.confirm_timeout", "60s")
	v.SetDefault("execution.confirm_poll_interval", "2s")

	v.SetDefault("database.path", "data/swap_executor.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8088)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
