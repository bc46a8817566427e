package server

import (
	"net"
	"net/http"
	"time"

	"github.com/any-hub/zimview/internal/config"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 nil,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	DialContext: (&net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewSurfaceClient 返回显示面导航使用的 http.Client。请求只会发往本机的
// worker 服务，因此不读取代理环境变量；超时覆盖握手与内容应答两段等待。
func NewSurfaceClient(cfg *config.Config) *http.Client {
	timeout := 30 * time.Second
	if cfg != nil {
		if content := cfg.Reader.ContentTimeout.DurationValue(); content > 0 {
			timeout = content + cfg.Reader.HandshakeTimeout.DurationValue()
		}
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: defaultTransport.Clone(),
	}
}
