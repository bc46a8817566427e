package prefs

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const tempPrefix = ".prefs-"

// File 将偏好以 JSON 形式保存在单个文件中，写入采用临时文件 + rename，
// 进程崩溃时不会留下半写的文件。
type File struct {
	path string
	now  func() time.Time

	mu    sync.Mutex
	items map[string]item
}

// OpenFile loads path when it exists; a missing file starts empty.
func OpenFile(path string) (*File, error) {
	if path == "" {
		return nil, errors.New("prefs path required")
	}
	f := &File{path: path, now: time.Now, items: make(map[string]item)}
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return f, nil
	case err != nil:
		return nil, fmt.Errorf("读取偏好文件失败: %w", err)
	}
	if len(raw) == 0 {
		return f, nil
	}
	if err := json.Unmarshal(raw, &f.items); err != nil {
		return nil, fmt.Errorf("解析偏好文件失败: %w", err)
	}
	return f, nil
}

// Path returns the backing file location.
func (f *File) Path() string { return f.path }

func (f *File) Get(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.items[key]
	if !ok {
		return "", false
	}
	if it.expired(f.now()) {
		delete(f.items, key)
		return "", false
	}
	return it.Value, true
}

func (f *File) Set(key, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[key] = newItem(value, ttl, f.now())
	return f.flushLocked()
}

func (f *File) flushLocked() error {
	now := f.now()
	live := make(map[string]item, len(f.items))
	for k, it := range f.items {
		if !it.expired(now) {
			live[k] = it
		}
	}
	raw, err := json.MarshalIndent(live, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("创建偏好目录失败: %w", err)
	}
	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	_, err = tmp.Write(raw)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
