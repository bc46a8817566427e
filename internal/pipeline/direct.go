package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/zimview/internal/archive"
	"github.com/any-hub/zimview/internal/assetcache"
	"github.com/any-hub/zimview/internal/guard"
	"github.com/any-hub/zimview/internal/rewrite"
	"github.com/any-hub/zimview/internal/surface"
)

// themeClasses maps themes to the body class applied in Direct mode.
var themeClasses = map[string]string{
	"dark":          "zimview-dark",
	"dark_invert":   "zimview-dark-invert",
	"dark_mwinvert": "zimview-dark-mwinvert",
}

type sheetResult struct {
	css string
	hit bool
	ok  bool
}

type blobResult struct {
	data     []byte
	mimetype string
	ok       bool
}

// binaryFetch collects images, scripts and media. They are read alongside
// the stylesheets but do not hold the barrier; the article is shown first and
// bound to its binary handles once they arrive.
type binaryFetch struct {
	results []blobResult
	done    chan struct{}
}

func (f *binaryFetch) wait(ctx context.Context) error {
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// renderDirect reads the article, rewrites it and waits on the barrier until
// every stylesheet resolved, then shows it. Binary assets are bound in a
// second commit once their reads finished. DOM mutations happen on this
// goroutine only.
func (p *Pipeline) renderDirect(ctx context.Context, tok guard.Token, arch archive.Archive, entry archive.Entry, res Result, log *logrus.Entry) (Result, []rewrite.Link, bool, bool, error) {
	markup, err := arch.ReadTextFile(ctx, entry)
	if !p.opts.Guard.IsCurrent(tok) {
		return res, nil, false, false, nil
	}
	if err != nil {
		log.WithError(err).Error("read article failed")
		p.emit(Event{Kind: EventError, Identifier: entry.FullPath(), Message: "Error reading article", Err: err})
		return res, nil, false, false, err
	}

	if p.opts.Transform != nil {
		var css string
		markup, css = p.opts.Transform(markup, "")
		markup = insertHead(markup, css)
	}

	doc, err := rewrite.Rewrite(markup, entry.FullPath())
	if err != nil {
		log.WithError(err).Error("rewrite failed")
		p.emit(Event{Kind: EventError, Identifier: entry.FullPath(), Message: "Error reading article", Err: err})
		return res, nil, false, false, err
	}
	for _, malformed := range doc.Malformed {
		log.WithError(malformed).Warn("reference skipped")
	}

	binaries := binaryAssets(doc)
	blobs := p.fetchBinaries(ctx, arch, binaries)
	sheets, err := p.resolveStylesheets(ctx, arch, doc)
	if err != nil || !p.opts.Guard.IsCurrent(tok) {
		return res, nil, false, false, nil
	}

	hits := 0
	for i, asset := range doc.Stylesheets {
		if sheets[i].hit {
			hits++
		}
		if sheets[i].ok {
			asset.Inline(sheets[i].css)
			continue
		}
		asset.Drop()
		res.Omitted++
	}
	log.WithFields(logrus.Fields{"stylesheets": len(sheets), "cache_hits": hits}).Debug("stylesheets resolved")
	doc.SetBodyClass(themeClasses[strings.ToLower(p.opts.Theme)])

	// binary elements carry no src yet, so the first commit requests nothing
	if ok, err := p.show(ctx, tok, doc, nil, log); !ok {
		return res, nil, false, false, err
	}
	if len(binaries) == 0 {
		return res, doc.Links, doc.ActiveContent, true, nil
	}

	if err := blobs.wait(ctx); err != nil || !p.opts.Guard.IsCurrent(tok) {
		return res, nil, false, false, nil
	}
	handles := make([]string, 0, len(binaries))
	for i, asset := range binaries {
		if blobs.results[i].ok {
			handle := p.opts.Surface.CreateHandle(blobs.results[i].data, blobs.results[i].mimetype)
			handles = append(handles, handle)
			asset.Bind(handle)
			continue
		}
		asset.Drop()
		res.Omitted++
	}
	if ok, err := p.show(ctx, tok, doc, handles, log); !ok {
		return res, nil, false, false, err
	}
	return res, doc.Links, doc.ActiveContent, true, nil
}

// show serializes doc and commits it to the surface under tok. It reports
// false when nothing was shown; the error is nil when tok was superseded.
func (p *Pipeline) show(ctx context.Context, tok guard.Token, doc *rewrite.Document, handles []string, log *logrus.Entry) (bool, error) {
	rendered, err := doc.HTML()
	if err != nil {
		log.WithError(err).Error("serialize failed")
		return false, err
	}
	err = p.opts.Surface.Display(ctx, surface.Page{HTML: rendered, Handles: handles}, p.committer(tok))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, surface.ErrSuperseded) || !p.opts.Guard.IsCurrent(tok) {
		return false, nil
	}
	return false, err
}

// resolveStylesheets fetches every stylesheet concurrently. Each resolution,
// failed or not, releases one barrier slot; the call returns when the
// barrier opens or ctx ends.
func (p *Pipeline) resolveStylesheets(ctx context.Context, arch archive.Archive, doc *rewrite.Document) ([]sheetResult, error) {
	sheets := make([]sheetResult, len(doc.Stylesheets))
	barrier := assetcache.NewBarrier(len(sheets))
	for i, asset := range doc.Stylesheets {
		go func(i int, title string) {
			defer barrier.Resolve()
			sheets[i] = p.fetchStylesheet(ctx, arch, title)
		}(i, asset.Title)
	}
	if err := barrier.Wait(ctx); err != nil {
		return nil, err
	}
	return sheets, nil
}

// fetchBinaries starts the reads of binaries and returns immediately.
func (p *Pipeline) fetchBinaries(ctx context.Context, arch archive.Archive, binaries []rewrite.Asset) *binaryFetch {
	f := &binaryFetch{results: make([]blobResult, len(binaries)), done: make(chan struct{})}
	var wg sync.WaitGroup
	for i, asset := range binaries {
		wg.Add(1)
		go func(i int, asset rewrite.Asset) {
			defer wg.Done()
			f.results[i] = p.fetchBinary(ctx, arch, asset)
		}(i, asset)
	}
	go func() {
		wg.Wait()
		close(f.done)
	}()
	return f
}

func (p *Pipeline) fetchStylesheet(ctx context.Context, arch archive.Archive, title string) sheetResult {
	if css, ok := p.cache.Get(title); ok {
		return sheetResult{css: css, hit: true, ok: true}
	}
	entry, err := p.lookup(ctx, arch, title)
	if err == nil {
		var css string
		css, err = arch.ReadTextFile(ctx, entry)
		if err == nil {
			// A result read from an archive that was switched away in the
			// meantime must not land in the flushed cache.
			if p.opts.Archives.Get() == arch {
				p.cache.Put(title, css)
			}
			return sheetResult{css: css, ok: true}
		}
	}
	p.logger.WithFields(logrus.Fields{
		"action": "asset_resolve",
		"kind":   rewrite.AssetStylesheet,
		"title":  title,
	}).WithError(err).Warn("asset omitted")
	return sheetResult{}
}

func (p *Pipeline) fetchBinary(ctx context.Context, arch archive.Archive, asset rewrite.Asset) blobResult {
	entry, err := p.lookup(ctx, arch, asset.Title)
	if err == nil {
		var data []byte
		data, err = arch.ReadBinaryFile(ctx, entry)
		if err == nil {
			mimetype := asset.TypeHint
			if mimetype == "" {
				mimetype = entry.Mimetype()
			}
			return blobResult{data: data, mimetype: mimetype, ok: true}
		}
	}
	p.logger.WithFields(logrus.Fields{
		"action": "asset_resolve",
		"kind":   asset.Kind,
		"title":  asset.Title,
	}).WithError(err).Warn("asset omitted")
	return blobResult{}
}

func (p *Pipeline) lookup(ctx context.Context, arch archive.Archive, title string) (archive.Entry, error) {
	entry, err := arch.GetEntryByTitle(ctx, title)
	if err != nil {
		return archive.Entry{}, err
	}
	return arch.ResolveRedirect(ctx, entry)
}

// binaryAssets lists images, scripts and media in document order.
func binaryAssets(doc *rewrite.Document) []rewrite.Asset {
	out := make([]rewrite.Asset, 0, len(doc.Images)+len(doc.Scripts)+len(doc.Media))
	out = append(out, doc.Images...)
	out = append(out, doc.Scripts...)
	return append(out, doc.Media...)
}

// insertHead places extra head markup right before </head>.
func insertHead(markup, extra string) string {
	if extra == "" {
		return markup
	}
	if idx := strings.Index(strings.ToLower(markup), "</head>"); idx >= 0 {
		return markup[:idx] + extra + markup[idx:]
	}
	return extra + markup
}
