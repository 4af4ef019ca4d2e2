package config

import (
	"errors"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.LedgerPath == "" {
		return newFieldError("Global.LedgerPath", "不能为空")
	}
	if g.ChunkSize <= 0 {
		return newFieldError("Global.ChunkSize", "必须大于 0")
	}
	if g.MaxMemoryUsage <= 0 {
		return newFieldError("Global.MaxMemoryUsage", "必须大于 0")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.RetryBackoff.DurationValue() <= 0 {
		return newFieldError("Global.RetryBackoff", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.MaxConcurrent <= 0 {
		return newFieldError("Global.MaxConcurrentFetches", "必须大于 0")
	}

	if len(c.SymbolServers) == 0 {
		return errors.New("至少需要配置一个 SymbolServer")
	}

	seen := map[string]struct{}{}
	for i, raw := range c.SymbolServers {
		trimmed := strings.TrimRight(strings.TrimSpace(raw), "/")
		if trimmed == "" {
			return newFieldError(serverField(i), "不能为空")
		}
		parsed, err := url.Parse(trimmed)
		if err != nil || parsed.Host == "" {
			return newFieldError(serverField(i), "必须是合法的 URL")
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return newFieldError(serverField(i), "仅支持 http/https")
		}
		if _, exists := seen[trimmed]; exists {
			return newFieldError(serverField(i), "重复")
		}
		seen[trimmed] = struct{}{}
		c.SymbolServers[i] = trimmed
	}

	return nil
}
