package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

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
	applyReaderDefaults(&cfg.Reader)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	if cfg.Global.ArchivePath != "" {
		absArchive, err := filepath.Abs(cfg.Global.ArchivePath)
		if err != nil {
			return nil, fmt.Errorf("无法解析归档目录: %w", err)
		}
		cfg.Global.ArchivePath = absArchive
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("PrefsPath", "./storage/prefs.json")
	v.SetDefault("ArchivePath", "")

	v.SetDefault("Reader.ContentMode", ContentModeDirect)
	v.SetDefault("Reader.UseCache", true)
	v.SetDefault("Reader.KeepaliveInterval", "30s")
	v.SetDefault("Reader.HandshakeTimeout", "5s")
	v.SetDefault("Reader.ContentTimeout", "10s")
	v.SetDefault("Reader.MaxSearchResults", 50)
	v.SetDefault("Reader.Theme", "light")
	v.SetDefault("Reader.HideActiveContentWarning", false)
	v.SetDefault("Reader.AbortSuperseded", true)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.LogLevel == "" {
		g.LogLevel = "info"
	}
	if g.PrefsPath == "" && g.StoragePath != "" {
		g.PrefsPath = filepath.Join(g.StoragePath, "prefs.json")
	}
}

func applyReaderDefaults(r *ReaderConfig) {
	if mode, ok := NormalizeContentMode(r.ContentMode); ok {
		r.ContentMode = mode
	}
	if r.KeepaliveInterval.DurationValue() < 0 {
		r.KeepaliveInterval = Duration(0)
	}
	if r.HandshakeTimeout.DurationValue() == 0 {
		r.HandshakeTimeout = Duration(5 * time.Second)
	}
	if r.ContentTimeout.DurationValue() == 0 {
		r.ContentTimeout = Duration(10 * time.Second)
	}
	if r.MaxSearchResults == 0 {
		r.MaxSearchResults = 50
	}
	if strings.TrimSpace(r.Theme) == "" {
		r.Theme = "light"
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
