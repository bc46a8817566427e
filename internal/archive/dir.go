package archive

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

const (
	redirectsFile = "redirects.tsv"
	mainPageFile  = "mainpage"
)

// Dir serves an unpacked archive directory laid out as <root>/<namespace>/<path>.
// Redirects are listed in redirects.tsv ("A/Old<TAB>A/New" per line) and the
// main page title is stored in a file named mainpage.
type Dir struct {
	*index
	root   string
	name   string
	logger *logrus.Logger

	ready   atomic.Bool
	scanned chan struct{}
	scanErr error
}

// OpenDir starts indexing root in a background goroutine and returns
// immediately. IsReady reports false until the scan has completed.
func OpenDir(root string, logger *logrus.Logger) (*Dir, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve archive path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("archive %s is not a directory", abs)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	d := &Dir{
		index:   newIndex(),
		root:    abs,
		name:    filepath.Base(abs),
		logger:  logger,
		scanned: make(chan struct{}),
	}
	go d.scan()
	return d, nil
}

// Wait blocks until the background scan finished.
func (d *Dir) Wait(ctx context.Context) error {
	select {
	case <-d.scanned:
		return d.scanErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dir) scan() {
	defer close(d.scanned)

	count := 0
	err := filepath.WalkDir(d.root, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(d.root, p)
		if err != nil {
			return err
		}
		title := filepath.ToSlash(rel)
		ns, entryPath, ok := SplitTitle(title)
		if !ok {
			// top-level metadata files such as redirects.tsv
			return nil
		}
		d.index.add(Entry{
			Namespace: ns,
			Path:      entryPath,
			Title:     titleFromPath(entryPath),
			MimeType:  mimeFromPath(ns, entryPath),
		})
		count++
		return nil
	})
	if err == nil {
		err = d.loadRedirects()
	}
	if err == nil {
		d.loadMainPage()
	}

	fields := logrus.Fields{"action": "archive_scan", "archive": d.name, "entries": count}
	if err != nil {
		d.scanErr = err
		d.logger.WithFields(fields).WithError(err).Error("archive scan failed")
		return
	}
	d.ready.Store(true)
	d.logger.WithFields(fields).Info("archive scan completed")
}

func (d *Dir) loadRedirects() error {
	f, err := os.Open(filepath.Join(d.root, redirectsFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		from, to, ok := strings.Cut(line, "\t")
		if !ok {
			d.logger.WithFields(logrus.Fields{"action": "archive_scan", "line": line}).Warn("malformed redirect line")
			continue
		}
		ns, p, ok := SplitTitle(strings.TrimSpace(from))
		if !ok {
			continue
		}
		d.index.add(Entry{Namespace: ns, Path: p, Title: titleFromPath(p), RedirectTo: strings.TrimSpace(to)})
	}
	return scanner.Err()
}

func (d *Dir) loadMainPage() {
	raw, err := os.ReadFile(filepath.Join(d.root, mainPageFile))
	if err != nil {
		return
	}
	d.index.setMainPage(strings.TrimSpace(string(raw)))
}

func (d *Dir) Name() string { return d.name }

func (d *Dir) IsReady() bool { return d.ready.Load() }

func (d *Dir) FindEntriesWithPrefix(ctx context.Context, prefix string, limit int) ([]Entry, error) {
	if !d.IsReady() {
		return nil, ErrNotReady
	}
	return d.index.find(ctx, prefix, limit)
}

func (d *Dir) GetEntryByTitle(ctx context.Context, title string) (Entry, error) {
	if !d.IsReady() {
		return Entry{}, ErrNotReady
	}
	return d.index.lookup(ctx, title)
}

func (d *Dir) ResolveRedirect(ctx context.Context, entry Entry) (Entry, error) {
	return d.index.resolve(ctx, entry)
}

func (d *Dir) ReadTextFile(ctx context.Context, entry Entry) (string, error) {
	data, err := d.ReadBinaryFile(ctx, entry)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (d *Dir) ReadBinaryFile(ctx context.Context, entry Entry) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	clean := path.Clean("/" + entry.FullPath())
	data, err := os.ReadFile(filepath.Join(d.root, filepath.FromSlash(strings.TrimPrefix(clean, "/"))))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", entry.FullPath(), ErrNotFound)
	}
	return data, err
}

func (d *Dir) RandomEntry(ctx context.Context) (Entry, error) {
	return d.index.random(ctx)
}

func (d *Dir) MainPageEntry(ctx context.Context) (Entry, error) {
	return d.index.main(ctx)
}

func titleFromPath(p string) string {
	base := path.Base(p)
	if ext := path.Ext(base); ext == ".html" || ext == ".htm" {
		base = strings.TrimSuffix(base, ext)
	}
	return strings.ReplaceAll(base, "_", " ")
}

func mimeFromPath(namespace, p string) string {
	ext := path.Ext(p)
	if ext == "" {
		if namespace == NamespaceArticle {
			return "text/html"
		}
		return "application/octet-stream"
	}
	if typ := mime.TypeByExtension(ext); typ != "" {
		return typ
	}
	return "application/octet-stream"
}
