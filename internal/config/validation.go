package config

import (
	"errors"
	"strings"

	"github.com/sirupsen/logrus"
)

var supportedThemes = map[string]struct{}{
	"light":         {},
	"dark":          {},
	"dark_invert":   {},
	"dark_mwinvert": {},
}

const supportedThemeList = "light|dark|dark_invert|dark_mwInvert"

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
	if g.LogLevel != "" {
		if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
			return newFieldError("Global.LogLevel", "无法识别的日志级别")
		}
	}
	if g.LogMaxSize < 0 || g.LogMaxBackups < 0 {
		return newFieldError("Global.LogMaxSize/LogMaxBackups", "不能为负数")
	}

	r := &c.Reader
	mode, ok := NormalizeContentMode(r.ContentMode)
	if !ok {
		return newFieldError(readerField("ContentMode"), "仅支持 direct/intercepted")
	}
	r.ContentMode = mode

	if r.KeepaliveInterval.DurationValue() < 0 {
		return newFieldError(readerField("KeepaliveInterval"), "不能为负数")
	}
	if r.HandshakeTimeout.DurationValue() <= 0 {
		return newFieldError(readerField("HandshakeTimeout"), "必须大于 0")
	}
	if r.ContentTimeout.DurationValue() <= 0 {
		return newFieldError(readerField("ContentTimeout"), "必须大于 0")
	}
	if r.MaxSearchResults <= 0 {
		return newFieldError(readerField("MaxSearchResults"), "必须大于 0")
	}

	theme := strings.ToLower(strings.TrimSpace(r.Theme))
	if _, ok := supportedThemes[theme]; !ok {
		return newFieldError(readerField("Theme"), "仅支持 "+supportedThemeList)
	}

	return nil
}
