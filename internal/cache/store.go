package cache

import (
	"context"
	"errors"
	"io"
	"time"
)

// Store 负责管理 worker 资源缓存的读写。磁盘布局遵循：
//
//	<StoragePath>/<Archive>/<namespace>/<path>    # 资源正文
//
// 每个条目仅由正文文件组成，文件的 ModTime/Size 由文件系统提供。
type Store interface {
	// Get 返回一个可流式读取的缓存条目。若不存在则返回 ErrNotFound，条目损坏
	// （例如路径被目录占用）时返回 ErrInvalidEntry。
	Get(ctx context.Context, locator Locator) (*ReadResult, error)

	// Put 将页面返回的资源写入缓存，并产出新的 Entry 描述。实现需通过临时文件 + rename
	// 保证写入原子性，并在失败时清理临时文件。可选地根据 opts.ModTime 设置文件时间戳。
	Put(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error)

	// Remove 删除单个条目，worker 用它丢弃读取失败的损坏条目。
	Remove(ctx context.Context, locator Locator) error

	// Purge 清空全部归档的缓存条目，对应 clearCache 控制消息。
	Purge(ctx context.Context) error

	// Count 返回当前缓存的条目数量，用于 cacheStatus 回报。
	Count(ctx context.Context) (int, error)
}

// PutOptions 控制写入过程中的可选属性。
type PutOptions struct {
	ModTime time.Time
}

// Locator 唯一定位一个缓存条目（归档名 + 归档内标题），所有路径均为 URL 路径风格。
type Locator struct {
	Archive string
	Path    string
}

// Entry 表示一次缓存命中结果，包含绝对文件路径及文件信息。
type Entry struct {
	Locator   Locator `json:"locator"`
	FilePath  string  `json:"file_path"`
	SizeBytes int64   `json:"size_bytes"`
	ModTime   time.Time
}

// ReadResult 组合 Entry 与正文 Reader，便于拦截层直接将 Body 流式返回。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrInvalidEntry 表示条目路径存在但无法作为缓存正文读取。
	ErrInvalidEntry = errors.New("invalid cache entry")
)
