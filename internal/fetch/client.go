package fetch

import (
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sym-hub/sym-hub/internal/config"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	// 上游的 Content-Encoding/Content-Length 必须原样透传给传输引擎，
	// 禁止 Go 自动解压。
	DisableCompression: true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// retryableStatuses 是允许重试的上游状态码，仅对幂等的 GET 生效。
var retryableStatuses = map[int]struct{}{
	http.StatusTooManyRequests:     {},
	http.StatusInternalServerError: {},
	http.StatusBadGateway:          {},
	http.StatusServiceUnavailable:  {},
	http.StatusGatewayTimeout:      {},
}

// Client 包装共享 http.Client，为每个上游候选提供连接级重试与指数退避。
type Client struct {
	http       *http.Client
	maxRetries int
	backoff    time.Duration
	logger     *logrus.Logger
}

// NewClient 根据全局配置构造上游客户端，单个候选的整体超时默认 30s。
func NewClient(cfg config.GlobalConfig, logger *logrus.Logger) *Client {
	timeout := 30 * time.Second
	if cfg.UpstreamTimeout.DurationValue() > 0 {
		timeout = cfg.UpstreamTimeout.DurationValue()
	}

	maxRetries := cfg.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}
	backoff := cfg.RetryBackoff.DurationValue()
	if backoff <= 0 {
		backoff = 300 * time.Millisecond
	}

	return &Client{
		http: &http.Client{
			Timeout:   timeout,
			Transport: defaultTransport.Clone(),
		},
		maxRetries: maxRetries,
		backoff:    backoff,
		logger:     logger,
	}
}

// Get 发起流式 GET。传输错误或可重试状态码最多重试 maxRetries 次，
// 退避为 backoff * 2^n。返回的响应由调用方负责关闭 Body。
func (c *Client) Get(url string) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(c.backoff << (attempt - 1))
		}

		resp, err := c.http.Get(url)
		if err != nil {
			lastErr = err
			c.logger.WithFields(logrus.Fields{
				"action":  "upstream_retry",
				"url":     url,
				"attempt": attempt + 1,
			}).Debug(err.Error())
			continue
		}

		if _, retryable := retryableStatuses[resp.StatusCode]; retryable && attempt+1 < c.maxRetries {
			resp.Body.Close()
			c.logger.WithFields(logrus.Fields{
				"action":  "upstream_retry",
				"url":     url,
				"status":  resp.StatusCode,
				"attempt": attempt + 1,
			}).Debug("retryable upstream status")
			continue
		}

		return resp, nil
	}

	return nil, lastErr
}
