// Package pipeline is the content injection and rendering pipeline. Each
// user request acquires an action token, resolves the identifier to an
// archive entry (following redirects), pins the delivery mode and either
// points the surface at the worker locator (Intercepted) or renders the
// rewritten markup itself once its stylesheets are resolved (Direct). Every
// change of the surface is committed together with the token check, so
// results of superseded requests never replace a newer document.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/zimview/internal/archive"
	"github.com/any-hub/zimview/internal/assetcache"
	"github.com/any-hub/zimview/internal/guard"
	"github.com/any-hub/zimview/internal/logging"
	"github.com/any-hub/zimview/internal/mode"
	"github.com/any-hub/zimview/internal/prefs"
	"github.com/any-hub/zimview/internal/rewrite"
	"github.com/any-hub/zimview/internal/surface"
)

const (
	defaultMaxSearchResults = 50
	maxRandomAttempts       = 16
)

// ErrNoArticle 表示随机/主页入口没有落在文章命名空间。
var ErrNoArticle = errors.New("no article entry available")

// Surface is the display target of the pipeline.
type Surface interface {
	// Display replaces the shown document (Direct mode). commit is checked
	// under the surface's own lock right before the change; a refused commit
	// returns surface.ErrSuperseded.
	Display(ctx context.Context, page surface.Page, commit surface.Commit) error
	// Navigate points the surface at a worker locator and returns the loaded
	// markup (Intercepted mode), committing it like Display.
	Navigate(ctx context.Context, locator string, commit surface.Commit) (string, error)
	ApplyTheme(theme string)
	BindLinks(links []rewrite.Link)
	CreateHandle(data []byte, mimetype string) string
	OfferDownload(ctx context.Context, d surface.Download) error
}

// Transform is the alternate presentation-style hook. It receives the
// article markup and extra stylesheet markup and returns both, possibly
// modified; the stylesheet markup is placed at the end of <head>.
type Transform func(markup, css string) (string, string)

// Options wires the pipeline to its collaborators.
type Options struct {
	Archives *archive.Holder
	Surface  Surface
	Modes    *mode.Controller
	Guard    *guard.Guard
	Prefs    prefs.Store
	Logger   *logrus.Logger
	Listener Listener
	// Transform is optional.
	Transform Transform
	Theme     string
	// BaseURL prefixes intercepted-mode locators, e.g. "http://127.0.0.1:5000".
	BaseURL                  string
	MaxSearchResults         int
	HideActiveContentWarning bool
}

// RequestOptions carries the optional hints of a content request.
type RequestOptions struct {
	Download bool
	// Filename is the declared download name.
	Filename string
	MimeHint string
	// LandingPage marks the archive main page, which enables the
	// active-content warning.
	LandingPage bool

	fromHistory bool
}

// Result describes the outcome of a request.
type Result struct {
	Entry archive.Entry
	Mode  mode.Mode
	// Stale is set when a newer request superseded this one; nothing was shown.
	Stale      bool
	Download   bool
	Omitted    int
	Fallback   bool
	Location   string
	Identifier string
}

// SearchResult describes the outcome of a search.
type SearchResult struct {
	Entries []archive.Entry
	Message string
	Stale   bool
}

// Pipeline 串联归档、模式控制器、重写器与显示面，所有异步结果都以令牌校验为准。
type Pipeline struct {
	opts    Options
	logger  *logrus.Logger
	cache   *assetcache.Cache
	history *History

	// commitMu makes the token check and the post-render effects (theme,
	// history, link binding) one step.
	commitMu sync.Mutex
}

// New validates opts and returns a pipeline.
func New(opts Options) (*Pipeline, error) {
	if opts.Archives == nil {
		return nil, errors.New("pipeline requires an archive holder")
	}
	if opts.Surface == nil {
		return nil, errors.New("pipeline requires a display surface")
	}
	if opts.Modes == nil {
		return nil, errors.New("pipeline requires a mode controller")
	}
	if opts.Guard == nil {
		opts.Guard = guard.New(false)
	}
	if opts.MaxSearchResults <= 0 {
		opts.MaxSearchResults = defaultMaxSearchResults
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Pipeline{
		opts:    opts,
		logger:  logging.OrDiscard(opts.Logger),
		cache:   opts.Modes.Cache(),
		history: NewHistory(),
	}, nil
}

// History exposes the navigation history.
func (p *Pipeline) History() *History { return p.history }

// SetArchive switches the current archive. The asset cache is flushed and the
// selection persisted.
func (p *Pipeline) SetArchive(a archive.Archive) {
	prev := p.opts.Archives.Set(a)
	p.cache.Clear()
	fields := logrus.Fields{"action": "archive_select"}
	if a != nil {
		fields["archive"] = a.Name()
		if p.opts.Prefs != nil {
			if err := p.opts.Prefs.Set(prefs.KeyLastArchive, a.Name(), 0); err != nil {
				p.logger.WithFields(fields).WithError(err).Warn("persist archive failed")
			}
		}
	}
	if prev != nil {
		fields["previous"] = prev.Name()
	}
	p.logger.WithFields(fields).Info("archive selected")
}

// Search lists entries starting with prefix.
func (p *Pipeline) Search(ctx context.Context, prefix string) (SearchResult, error) {
	return p.search(ctx, prefix, false)
}

func (p *Pipeline) search(ctx context.Context, prefix string, fromHistory bool) (SearchResult, error) {
	prefix = strings.TrimSpace(prefix)
	tok, actx := p.opts.Guard.Issue(ctx, guard.KindSearch, prefix)
	arch, err := p.opts.Archives.Ready()
	if err != nil {
		p.emit(Event{Kind: EventError, Identifier: prefix, Message: "Archive not set: please select an archive", Err: err})
		return SearchResult{}, err
	}

	fields := logging.ActionFields(string(tok.Kind), prefix, string(p.opts.Modes.Current()))
	fields["action"] = "search"
	p.emit(Event{Kind: EventSearching, Identifier: prefix})

	entries, err := arch.FindEntriesWithPrefix(actx, prefix, p.opts.MaxSearchResults)
	if !p.opts.Guard.IsCurrent(tok) {
		p.logger.WithFields(fields).Debug("stale search dropped")
		return SearchResult{Stale: true}, nil
	}
	if err != nil {
		p.logger.WithFields(fields).WithError(err).Warn("search failed")
		p.emit(Event{Kind: EventError, Identifier: prefix, Message: "Search failed", Err: err})
		return SearchResult{}, err
	}

	msg := SearchMessage(len(entries), p.opts.MaxSearchResults)
	p.commitMu.Lock()
	if !p.opts.Guard.IsCurrent(tok) {
		p.commitMu.Unlock()
		p.logger.WithFields(fields).Debug("stale search dropped")
		return SearchResult{Stale: true}, nil
	}
	if !fromHistory {
		p.history.Push(HistoryState{Kind: guard.KindSearch, Identifier: prefix})
	}
	p.commitMu.Unlock()
	p.emit(Event{Kind: EventResultsReady, Identifier: prefix, Count: len(entries), Results: entries, Message: msg})
	p.logger.WithFields(fields).WithField("count", len(entries)).Info("search completed")
	return SearchResult{Entries: entries, Message: msg}, nil
}

// Follow re-enters the pipeline for a link of the shown document.
func (p *Pipeline) Follow(ctx context.Context, link rewrite.Link) (Result, error) {
	return p.Request(ctx, link.Path, RequestOptions{
		Download: link.Download,
		Filename: link.Filename,
		MimeHint: link.ContentType,
	})
}

// Random reads a random article, drawing until an entry of the article
// namespace comes up.
func (p *Pipeline) Random(ctx context.Context) (Result, error) {
	arch, err := p.opts.Archives.Ready()
	if err != nil {
		p.opts.Guard.Issue(ctx, guard.KindRead, "")
		p.emit(Event{Kind: EventError, Message: "Archive not set: please select an archive", Err: err})
		return Result{}, err
	}
	for i := 0; i < maxRandomAttempts; i++ {
		entry, err := arch.RandomEntry(ctx)
		if err != nil {
			p.emit(Event{Kind: EventError, Message: "Error finding random article.", Err: err})
			return Result{}, err
		}
		if entry.Namespace == archive.NamespaceArticle {
			return p.Request(ctx, entry.FullPath(), RequestOptions{})
		}
	}
	err = fmt.Errorf("%w: %d random draws", ErrNoArticle, maxRandomAttempts)
	p.emit(Event{Kind: EventError, Message: "Error finding random article.", Err: err})
	return Result{}, err
}

// MainPage reads the archive main page as landing page.
func (p *Pipeline) MainPage(ctx context.Context) (Result, error) {
	arch, err := p.opts.Archives.Ready()
	if err != nil {
		p.opts.Guard.Issue(ctx, guard.KindRead, "")
		p.emit(Event{Kind: EventError, Message: "Archive not set: please select an archive", Err: err})
		return Result{}, err
	}
	entry, err := arch.MainPageEntry(ctx)
	if err != nil {
		p.emit(Event{Kind: EventError, Message: "Error finding main article.", Err: err})
		return Result{}, err
	}
	if entry.Namespace != archive.NamespaceArticle {
		err := fmt.Errorf("%w: main page %s", ErrNoArticle, entry.FullPath())
		p.emit(Event{Kind: EventError, Identifier: entry.FullPath(), Message: "The main page of this archive does not seem to be an article", Err: err})
		return Result{}, err
	}
	return p.Request(ctx, entry.FullPath(), RequestOptions{LandingPage: true})
}

// Back re-enters the previous history state.
func (p *Pipeline) Back(ctx context.Context) (bool, error) {
	state, ok := p.history.Back()
	if !ok {
		return false, nil
	}
	return true, p.replay(ctx, state)
}

// Forward re-enters the next history state.
func (p *Pipeline) Forward(ctx context.Context) (bool, error) {
	state, ok := p.history.Forward()
	if !ok {
		return false, nil
	}
	return true, p.replay(ctx, state)
}

func (p *Pipeline) replay(ctx context.Context, state HistoryState) error {
	if state.Kind == guard.KindSearch {
		_, err := p.search(ctx, state.Identifier, true)
		return err
	}
	_, err := p.Request(ctx, state.Identifier, RequestOptions{fromHistory: true})
	return err
}

// Request loads identifier ("A/Cat") and shows it. A NotFound leaves the
// surface unchanged. Superseded requests return a stale result and no error.
func (p *Pipeline) Request(ctx context.Context, identifier string, opts RequestOptions) (Result, error) {
	// The token is issued first: a failing request still supersedes the
	// ones in flight.
	tok, actx := p.opts.Guard.Issue(ctx, guard.KindRead, identifier)
	arch, err := p.opts.Archives.Ready()
	if err != nil {
		p.emit(Event{Kind: EventError, Identifier: identifier, Message: "Archive not set: please select an archive", Err: err})
		return Result{}, err
	}

	pinned := p.opts.Modes.Pin(actx)
	fields := logging.ActionFields(string(tok.Kind), identifier, string(pinned.Mode))
	fields["action"] = "request"
	fields["archive"] = arch.Name()
	log := p.logger.WithFields(fields)
	stale := func(stage string) (Result, error) {
		log.WithField("stage", stage).Debug("stale request dropped")
		return Result{Identifier: identifier, Mode: pinned.Mode, Stale: true}, nil
	}

	p.emit(Event{Kind: EventRendering, Identifier: identifier})

	entry, err := arch.GetEntryByTitle(actx, identifier)
	if err == nil {
		entry, err = arch.ResolveRedirect(actx, entry)
	}
	if !p.opts.Guard.IsCurrent(tok) {
		return stale("resolve")
	}
	if err != nil {
		if errors.Is(err, archive.ErrNotFound) {
			log.Warn("entry not found")
			p.emit(Event{Kind: EventError, Identifier: identifier, Message: fmt.Sprintf("Article with title %s not found in the archive", identifier), Err: err})
		} else {
			log.WithError(err).Error("entry resolution failed")
			p.emit(Event{Kind: EventError, Identifier: identifier, Message: "Error reading article", Err: err})
		}
		return Result{Identifier: identifier, Mode: pinned.Mode}, err
	}

	res := Result{Identifier: identifier, Entry: entry, Mode: pinned.Mode, Fallback: pinned.Fallback}
	if opts.Download {
		return p.download(actx, tok, arch, entry, opts, res, log)
	}

	var links []rewrite.Link
	var activeContent bool
	switch pinned.Mode {
	case mode.Intercepted:
		var ok bool
		res, links, activeContent, ok, err = p.renderIntercepted(actx, tok, arch, entry, res, log)
		if !ok {
			if err != nil {
				return res, err
			}
			return stale("navigate")
		}
	default:
		var ok bool
		res, links, activeContent, ok, err = p.renderDirect(actx, tok, arch, entry, res, log)
		if !ok {
			if err != nil {
				return res, err
			}
			return stale("render")
		}
	}

	p.commitMu.Lock()
	if !p.opts.Guard.IsCurrent(tok) {
		p.commitMu.Unlock()
		return stale("post_render")
	}
	p.opts.Surface.ApplyTheme(p.opts.Theme)
	if !opts.fromHistory {
		p.history.Push(HistoryState{Kind: guard.KindRead, Identifier: entry.FullPath()})
	}
	p.opts.Surface.BindLinks(links)
	p.commitMu.Unlock()
	if opts.LandingPage && activeContent && !p.opts.HideActiveContentWarning {
		p.emit(Event{Kind: EventActiveContent, Identifier: entry.FullPath(), Message: "This archive contains active content that may not display correctly"})
	}
	p.emit(Event{Kind: EventRendered, Identifier: entry.FullPath()})
	log.WithFields(logrus.Fields{"entry": entry.FullPath(), "omitted": res.Omitted}).Info("article rendered")
	return res, nil
}

func (p *Pipeline) download(ctx context.Context, tok guard.Token, arch archive.Archive, entry archive.Entry, opts RequestOptions, res Result, log *logrus.Entry) (Result, error) {
	data, err := arch.ReadBinaryFile(ctx, entry)
	if !p.opts.Guard.IsCurrent(tok) {
		res.Stale = true
		return res, nil
	}
	if err != nil {
		log.WithError(err).Error("download read failed")
		p.emit(Event{Kind: EventError, Identifier: entry.FullPath(), Message: "Error reading download", Err: err})
		return res, err
	}
	name := opts.Filename
	if name == "" {
		name = path.Base(entry.Path)
	}
	mimetype := opts.MimeHint
	if mimetype == "" {
		mimetype = entry.Mimetype()
	}
	if err := p.opts.Surface.OfferDownload(ctx, surface.Download{Name: name, MimeType: mimetype, Data: data}); err != nil {
		return res, err
	}
	res.Download = true
	p.emit(Event{Kind: EventDownload, Identifier: entry.FullPath(), Message: name})
	return res, nil
}

// renderIntercepted points the surface at the worker locator. A transport
// failure switches the controller to Direct and renders this request there.
func (p *Pipeline) renderIntercepted(ctx context.Context, tok guard.Token, arch archive.Archive, entry archive.Entry, res Result, log *logrus.Entry) (Result, []rewrite.Link, bool, bool, error) {
	locator := p.Locator(arch.Name(), entry.FullPath())
	res.Location = locator
	markup, err := p.opts.Surface.Navigate(ctx, locator, p.committer(tok))
	if !p.opts.Guard.IsCurrent(tok) || errors.Is(err, surface.ErrSuperseded) {
		return res, nil, false, false, nil
	}
	if err != nil && ctx.Err() != nil {
		// the caller gave up on this request; the worker is not at fault
		log.WithError(err).Info("intercepted load abandoned")
		return res, nil, false, false, ctx.Err()
	}
	var statusErr *surface.StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
		err = fmt.Errorf("%s: %w", entry.FullPath(), archive.ErrNotFound)
		log.Warn("worker reported entry not found")
		p.emit(Event{Kind: EventError, Identifier: entry.FullPath(), Message: fmt.Sprintf("Article with title %s not found in the archive", entry.FullPath()), Err: err})
		return res, nil, false, false, err
	}
	if err != nil {
		log.WithError(err).Warn("intercepted load failed, falling back to direct mode")
		if switchErr := p.opts.Modes.SetMode(ctx, mode.Direct); switchErr != nil {
			log.WithError(switchErr).Warn("fallback switch failed")
		}
		p.emit(Event{Kind: EventError, Identifier: entry.FullPath(), Message: "Worker unavailable, switched to direct mode", Err: fmt.Errorf("%w: %v", mode.ErrTransport, err)})
		res.Mode = mode.Direct
		res.Fallback = true
		res.Location = ""
		return p.renderDirect(ctx, tok, arch, entry, res, log)
	}

	doc, err := rewrite.Rewrite(markup, entry.FullPath())
	if err != nil {
		log.WithError(err).Warn("link classification skipped")
		return res, nil, false, true, nil
	}
	return res, doc.Links, doc.ActiveContent, true, nil
}

// committer returns the commit predicate of tok, evaluated by the surface
// under its own lock.
func (p *Pipeline) committer(tok guard.Token) surface.Commit {
	return func() bool { return p.opts.Guard.IsCurrent(tok) }
}

// Locator builds the worker URL of title: every segment percent-escaped,
// '/' kept.
func (p *Pipeline) Locator(archiveName, title string) string {
	return p.opts.BaseURL + "/" + url.PathEscape(archiveName) + "/" + rewrite.EscapeSegments(title)
}
