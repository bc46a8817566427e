package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述进程级运行参数：监听端口、日志、磁盘缓存与偏好文件位置。
type GlobalConfig struct {
	ListenPort    int    `mapstructure:"ListenPort"`
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`
	StoragePath   string `mapstructure:"StoragePath"`
	PrefsPath     string `mapstructure:"PrefsPath"`
	ArchivePath   string `mapstructure:"ArchivePath"`
}

// ReaderConfig 决定渲染管线的默认行为，对应配置文件中的 [Reader] 表。
type ReaderConfig struct {
	ContentMode              string   `mapstructure:"ContentMode"`
	UseCache                 bool     `mapstructure:"UseCache"`
	KeepaliveInterval        Duration `mapstructure:"KeepaliveInterval"`
	HandshakeTimeout         Duration `mapstructure:"HandshakeTimeout"`
	ContentTimeout           Duration `mapstructure:"ContentTimeout"`
	MaxSearchResults         int      `mapstructure:"MaxSearchResults"`
	Theme                    string   `mapstructure:"Theme"`
	HideActiveContentWarning bool     `mapstructure:"HideActiveContentWarning"`
	AbortSuperseded          bool     `mapstructure:"AbortSuperseded"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Reader ReaderConfig `mapstructure:"Reader"`
}

// Content modes accepted in ContentMode. The legacy names used by older
// configuration files are normalized by NormalizeContentMode.
const (
	ContentModeDirect      = "direct"
	ContentModeIntercepted = "intercepted"
)

// NormalizeContentMode 将配置中的模式名称标准化，兼容 jquery/serviceworker 旧写法。
func NormalizeContentMode(raw string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", ContentModeDirect, "jquery":
		return ContentModeDirect, true
	case ContentModeIntercepted, "serviceworker":
		return ContentModeIntercepted, true
	default:
		return "", false
	}
}

// KeepaliveEnabled 表示是否需要周期性重建 worker 会话；为 0 时关闭该钩子。
func (r ReaderConfig) KeepaliveEnabled() bool {
	return r.KeepaliveInterval.DurationValue() > 0
}
