package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// DefaultSymbolServers 按优先级排列的默认回源地址，顺序决定 failover 次序。
var DefaultSymbolServers = []string{
	"http://msdl.microsoft.com/download/symbols",
	"http://chromium-browser-symsrv.commondatastorage.googleapis.com",
	"http://symbols.mozilla.org",
	"http://symbols.mozilla.org/try",
}

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	if len(cfg.SymbolServers) == 0 {
		cfg.SymbolServers = append([]string(nil), DefaultSymbolServers...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	absLedger, err := filepath.Abs(cfg.Global.LedgerPath)
	if err != nil {
		return nil, fmt.Errorf("无法解析台账路径: %w", err)
	}
	cfg.Global.LedgerPath = absLedger

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 8000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./symbols")
	v.SetDefault("LedgerPath", "./ledger.json")
	v.SetDefault("ChunkSize", 2*1024*1024)
	v.SetDefault("MaxMemoryUsage", 100*1024*1024)
	v.SetDefault("MaxRetries", 3)
	v.SetDefault("RetryBackoff", "300ms")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("MaxConcurrentFetches", 4)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 8000
	}
	if g.ChunkSize == 0 {
		g.ChunkSize = 2 * 1024 * 1024
	}
	if g.MaxMemoryUsage == 0 {
		g.MaxMemoryUsage = 100 * 1024 * 1024
	}
	if g.RetryBackoff.DurationValue() == 0 {
		g.RetryBackoff = Duration(300 * time.Millisecond)
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.MaxConcurrent == 0 {
		g.MaxConcurrent = 4
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
