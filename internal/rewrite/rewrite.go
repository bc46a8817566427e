// Package rewrite turns fetched article markup into a document that can be
// shown on the display surface without the browser ever requesting a raw
// archive path. It works on the parsed tree (goquery over x/net/html):
// embedded metadata/image references are moved into data attributes,
// anchors are classified, and media sources are collected so the caller can
// bind them to transient binary handles.
package rewrite

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	// AttrArchiveURL keeps the archive title of an embedded resource whose
	// src/href was removed.
	AttrArchiveURL = "data-archive-url"
	// AttrArchiveHref keeps the resolved archive title of an in-archive anchor.
	AttrArchiveHref = "data-archive-href"
)

// AssetKind 描述被提取的嵌入资源类型。
type AssetKind string

const (
	AssetStylesheet AssetKind = "stylesheet"
	AssetImage      AssetKind = "image"
	AssetScript     AssetKind = "script"
	AssetMedia      AssetKind = "media"
)

// Asset is an embedded reference found during the rewrite pass. Its methods
// mutate the owning Document and must be called from one goroutine.
type Asset struct {
	Kind AssetKind
	// Title is the decoded archive title with URL parameters removed.
	Title string
	// TypeHint is the declared type attribute, if any.
	TypeHint string

	sel *goquery.Selection
}

// Inline replaces a stylesheet link by a <style> element holding css.
func (a Asset) Inline(css string) {
	style := &html.Node{Type: html.ElementNode, Data: "style", DataAtom: atom.Style}
	if media, ok := a.sel.Attr("media"); ok {
		style.Attr = append(style.Attr, html.Attribute{Key: "media", Val: media})
	}
	style.AppendChild(&html.Node{Type: html.TextNode, Data: css})
	a.sel.ReplaceWithNodes(style)
}

// Bind points the element at a transient handle, e.g. a blob URL.
func (a Asset) Bind(handle string) {
	a.sel.SetAttr("src", handle)
	a.sel.RemoveAttr(AttrArchiveURL)
}

// Drop removes the element, used for assets that could not be resolved.
func (a Asset) Drop() {
	a.sel.Remove()
}

// Link is an in-archive anchor. Following it re-enters the pipeline with
// Path as identifier.
type Link struct {
	Path     string
	Download bool
	// Filename is the declared download name; empty means the generic indicator.
	Filename    string
	ContentType string
}

// Document is the rewritten article.
type Document struct {
	doc *goquery.Document

	Stylesheets []Asset
	Images      []Asset
	Scripts     []Asset
	Media       []Asset
	Links       []Link
	// Malformed lists references skipped with ErrMalformedReference.
	Malformed []error
	// ActiveContent reports scripts that look like a packaged application.
	ActiveContent bool
}

// Rewrite parses markup of the article titled articlePath ("A/some/page")
// and returns the rewritten document.
func Rewrite(markup, articlePath string) (*Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("parse article %s: %w", articlePath, err)
	}

	d := &Document{doc: doc}
	base := Base(articlePath)

	d.ActiveContent = hasActiveContent(doc)
	unwrapNoscript(doc)
	openCollapsedBlocks(doc)
	d.stripEmbeddedPrefixes()
	d.classifyAnchors(articlePath, base)
	d.collectMedia(base)
	return d, nil
}

// HTML renders the current state of the document.
func (d *Document) HTML() (string, error) {
	return d.doc.Html()
}

// InjectStyle appends css as a <style> element at the end of <head>.
func (d *Document) InjectStyle(css string) {
	if strings.TrimSpace(css) == "" {
		return
	}
	style := &html.Node{Type: html.ElementNode, Data: "style", DataAtom: atom.Style}
	style.AppendChild(&html.Node{Type: html.TextNode, Data: css})
	d.doc.Find("head").First().AppendNodes(style)
}

// SetBodyClass adds a class to <body>, used for themes.
func (d *Document) SetBodyClass(class string) {
	if class == "" {
		return
	}
	d.doc.Find("body").First().AddClass(class)
}

// stripEmbeddedPrefixes moves prefixed -/I/J references of img, script, link
// and track elements into AttrArchiveURL so the surface never requests them.
func (d *Document) stripEmbeddedPrefixes() {
	d.doc.Find("img, script, link, track").Each(func(_ int, s *goquery.Selection) {
		for _, attr := range []string{"src", "href"} {
			value, ok := s.Attr(attr)
			if !ok {
				continue
			}
			m := embeddedArchiveURL.FindStringSubmatch(strings.TrimSpace(value))
			if m == nil {
				continue
			}
			s.RemoveAttr(attr)
			s.SetAttr(AttrArchiveURL, m[1])
			d.recordEmbedded(s, m[1])
			return
		}
	})
}

func (d *Document) recordEmbedded(s *goquery.Selection, raw string) {
	typeHint, _ := s.Attr("type")
	asset := Asset{Title: RemoveURLParameters(decodeTitle(raw)), TypeHint: typeHint, sel: s}
	switch goquery.NodeName(s) {
	case "link":
		rel, _ := s.Attr("rel")
		if !strings.Contains(strings.ToLower(rel), "stylesheet") {
			return
		}
		asset.Kind = AssetStylesheet
		d.Stylesheets = append(d.Stylesheets, asset)
	case "img":
		asset.Kind = AssetImage
		d.Images = append(d.Images, asset)
	case "script":
		asset.Kind = AssetScript
		d.Scripts = append(d.Scripts, asset)
	}
	// track elements are collected with the other media sources
}

func (d *Document) classifyAnchors(articlePath, base string) {
	_, articleURL, _ := strings.Cut(articlePath, "/")
	escapedURL := encodeURIComponent(articleURL)

	d.doc.Find("a, area").Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok || href == "" {
			return
		}
		if isLocalAnchor(href, escapedURL) {
			s.SetAttr("href", href[strings.Index(href, "#"):])
			return
		}
		external, err := isExternal(href)
		if err != nil {
			d.Malformed = append(d.Malformed, err)
			return
		}
		if external {
			s.SetAttr("target", "_blank")
			return
		}

		link := Link{}
		declared, hasDownload := s.Attr("download")
		if hasDownload || downloadLink.MatchString(href) {
			link.Download = true
			if !genericDownload.MatchString(declared) {
				link.Filename = declared
			}
			link.ContentType, _ = s.Attr("type")
		}
		resolved, err := Resolve(RemoveURLParameters(href), base)
		if err != nil {
			d.Malformed = append(d.Malformed, err)
			return
		}
		link.Path = resolved
		s.SetAttr(AttrArchiveHref, resolved)
		d.Links = append(d.Links, link)
	})
}

func (d *Document) collectMedia(base string) {
	d.doc.Find("video, audio, source, track").Each(func(_ int, s *goquery.Selection) {
		source := ""
		if src, ok := s.Attr("src"); ok && src != "" {
			if external, err := isExternal(src); err != nil || external {
				d.Malformed = append(d.Malformed, fmt.Errorf("media %q: %w", src, ErrMalformedReference))
				return
			}
			if resolved, err := Resolve(src, base); err == nil {
				source = resolved
			}
		}
		if source == "" {
			// tracks lose their src in stripEmbeddedPrefixes
			raw, _ := s.Attr(AttrArchiveURL)
			source = decodeTitle(raw)
		}
		if source == "" {
			return
		}
		title, err := ArchiveTitle(source)
		if err != nil {
			d.Malformed = append(d.Malformed, err)
			return
		}
		typeHint, _ := s.Attr("type")
		s.RemoveAttr("src")
		s.SetAttr(AttrArchiveURL, title)
		d.Media = append(d.Media, Asset{
			Kind:     AssetMedia,
			Title:    RemoveURLParameters(title),
			TypeHint: typeHint,
			sel:      s,
		})
	})
}

func isLocalAnchor(href, escapedURL string) bool {
	rest := ""
	switch {
	case strings.HasPrefix(href, "#"):
		rest = href[1:]
	case escapedURL != "" && strings.HasPrefix(href, escapedURL+"#"):
		rest = href[len(escapedURL)+1:]
	default:
		return false
	}
	return !strings.Contains(rest, "#")
}

func isExternal(href string) (bool, error) {
	u, err := parseReference(href)
	if err != nil {
		return false, err
	}
	return u.Scheme != "" || u.Host != "", nil
}

// unwrapNoscript replaces every <noscript> with its content. Scripts never
// run on the Direct surface, so fallback markup has to be shown.
func unwrapNoscript(doc *goquery.Document) {
	doc.Find("noscript").Each(func(_ int, s *goquery.Selection) {
		s.ReplaceWithHtml(s.Text())
	})
}

func openCollapsedBlocks(doc *goquery.Document) {
	doc.Find(".collapsible-block:not(.open-block), .collapsible-heading:not(.open-block)").AddClass("open-block")
}

// hasActiveContent reports a script that loads app.js or carries inline code,
// ignoring wiki section helpers and math markup.
func hasActiveContent(doc *goquery.Document) bool {
	found := false
	doc.Find("script").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if typ, ok := s.Attr("type"); ok && strings.Contains(strings.ToLower(typ), "math") {
			return true
		}
		if src, ok := s.Attr("src"); ok {
			if strings.HasSuffix(strings.ToLower(RemoveURLParameters(src)), "app.js") {
				found = true
				return false
			}
			return true
		}
		text := s.Text()
		if strings.Contains(text, "importScript()") || strings.Contains(text, "toggleOpenSection") {
			return true
		}
		found = true
		return false
	})
	return found
}
