package cache

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	tempPrefix  = ".cache-"
	lockStripes = 32
)

// NewStore 在 basePath 下按归档分目录保存 worker 资源，进程内共享一份实例。
func NewStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}
	root, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}
	return &fileStore{root: root}, nil
}

// fileStore 按条目路径的哈希选取写锁，同一条目的 Put 与 Remove 串行执行；
// 读取依赖 rename 的原子性，无需加锁。
type fileStore struct {
	root    string
	stripes [lockStripes]sync.Mutex
}

func (s *fileStore) Get(ctx context.Context, locator Locator) (*ReadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	filePath, err := s.entryPath(locator)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	info, err := f.Stat()
	if err == nil && info.IsDir() {
		err = fmt.Errorf("%w: %s is a directory", ErrInvalidEntry, locator.Path)
	}
	if err != nil {
		f.Close()
		return nil, err
	}
	return &ReadResult{
		Entry:  Entry{Locator: locator, FilePath: filePath, SizeBytes: info.Size(), ModTime: info.ModTime()},
		Reader: f,
	}, nil
}

func (s *fileStore) Put(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error) {
	filePath, err := s.entryPath(locator)
	if err != nil {
		return nil, err
	}
	defer s.lock(filePath)()

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return nil, err
	}
	written, err := io.Copy(tmp, ctxReader{ctx: ctx, r: body})
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), filePath)
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return nil, err
	}

	modTime := opts.ModTime
	if modTime.IsZero() {
		modTime = time.Now().UTC()
	}
	if err := os.Chtimes(filePath, modTime, modTime); err != nil {
		return nil, err
	}
	return &Entry{Locator: locator, FilePath: filePath, SizeBytes: written, ModTime: modTime}, nil
}

// Remove 删除条目；不存在时视为成功。损坏条目留下的空目录一并删除。
func (s *fileStore) Remove(ctx context.Context, locator Locator) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	filePath, err := s.entryPath(locator)
	if err != nil {
		return err
	}
	defer s.lock(filePath)()

	if err := os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Purge 清空各归档目录，根目录本身保留。
func (s *fileStore) Purge(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	archives, err := os.ReadDir(s.root)
	if errors.Is(err, fs.ErrNotExist) {
		return os.MkdirAll(s.root, 0o755)
	}
	if err != nil {
		return err
	}
	for _, dir := range archives {
		if err := os.RemoveAll(filepath.Join(s.root, dir.Name())); err != nil {
			return err
		}
	}
	return nil
}

// Count 统计已落盘的正文文件，写入中的临时文件不计。
func (s *fileStore) Count(ctx context.Context) (int, error) {
	count := 0
	err := filepath.WalkDir(s.root, func(_ string, d fs.DirEntry, err error) error {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return nil
		case err != nil:
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.Type().IsRegular() && !strings.HasPrefix(d.Name(), tempPrefix) {
			count++
		}
		return nil
	})
	return count, err
}

func (s *fileStore) lock(filePath string) (unlock func()) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(filePath))
	mu := &s.stripes[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

// entryPath 把 locator 映射为 <root>/<archive>/<namespace>/<path>；路径先按
// URL 规则清理，结果不会离开归档目录。
func (s *fileStore) entryPath(locator Locator) (string, error) {
	archiveName := filepath.Base(locator.Archive)
	switch archiveName {
	case ".", "..", string(filepath.Separator):
		return "", errors.New("archive name required")
	}
	rel := strings.TrimPrefix(path.Clean("/"+locator.Path), "/")
	if rel == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidEntry)
	}
	return filepath.Join(s.root, archiveName, filepath.FromSlash(rel)), nil
}

// ctxReader 每次读取前检查 ctx，调用方放弃后尽早停止写入。
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
