package cache

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
	"time"
)

// ErrStoreUnavailable 表示 worker 未注入缓存存储实例。
var ErrStoreUnavailable = errors.New("cache store unavailable")

// cacheableExtensions 列出 worker 允许落盘的资源类型，仅样式与脚本。
var cacheableExtensions = map[string]struct{}{
	".css": {},
	".js":  {},
}

// AssetWriter 包装 Store，只接受可缓存的资源，并允许在运行时整体开关。
type AssetWriter struct {
	store Store
	now   func() time.Time
}

// NewAssetWriter 构造资源写入器，默认使用 time.Now 作为时钟。
func NewAssetWriter(store Store) AssetWriter {
	return AssetWriter{
		store: store,
		now:   time.Now,
	}
}

// Enabled 返回当前是否具备缓存写入能力。
func (w AssetWriter) Enabled() bool {
	return w.store != nil
}

// Cacheable 判断标题对应的资源是否应写入 worker 缓存。
func (w AssetWriter) Cacheable(title string) bool {
	ext := strings.ToLower(path.Ext(title))
	_, ok := cacheableExtensions[ext]
	return ok
}

// Put 写入缓存正文，并保持与 Store 相同的语义。
func (w AssetWriter) Put(ctx context.Context, locator Locator, body io.Reader) (*Entry, error) {
	if w.store == nil {
		return nil, ErrStoreUnavailable
	}
	return w.store.Put(ctx, locator, body, PutOptions{ModTime: w.now().UTC()})
}
