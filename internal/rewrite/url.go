package rewrite

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// ErrMalformedReference 表示引用无法解析为归档内路径，调用方记录后跳过。
var ErrMalformedReference = errors.New("malformed archive reference")

var (
	// archiveURLWithNamespace matches a resolved archive title, tolerating a
	// leading run of "." and "/" characters.
	archiveURLWithNamespace = regexp.MustCompile(`^[./]*([-ABIJMUVWX]/.+)$`)
	// embeddedArchiveURL matches src/href values of embedded resources in the
	// metadata and image namespaces that carry a relative or absolute prefix.
	embeddedArchiveURL = regexp.MustCompile(`^(?:\.\./|/)+([-IJ]/.*)$`)
	downloadLink       = regexp.MustCompile(`(?i)\.(?:epub|pdf|zip)(?:$|\?)`)
	genericDownload    = regexp.MustCompile(`(?i)^(?:download|true|\s*)$`)
	urlParameters      = regexp.MustCompile(`^([^?#]+)[?#].*$`)
)

// placeholder host used to resolve relative references with net/url.
var resolveRoot = &url.URL{Scheme: "http", Host: "archive.invalid", Path: "/"}

// Base returns the directory of an article title, "A/foo/bar" -> "A/foo/".
func Base(title string) string {
	idx := strings.LastIndex(title, "/")
	if idx < 0 {
		return ""
	}
	return title[:idx+1]
}

// Resolve resolves a possibly relative, percent-encoded reference against the
// article directory base and returns the decoded archive title. Path
// separators are preserved.
func Resolve(ref, base string) (string, error) {
	u, err := parseReference(ref)
	if err != nil {
		return "", err
	}
	baseURL := *resolveRoot
	baseURL.Path = "/" + base
	resolved := baseURL.ResolveReference(u)
	return strings.TrimPrefix(resolved.Path, "/"), nil
}

func parseReference(ref string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return nil, fmt.Errorf("%q: %w", ref, ErrMalformedReference)
	}
	return u, nil
}

// RemoveURLParameters drops the query string and fragment of a reference.
func RemoveURLParameters(ref string) string {
	return urlParameters.ReplaceAllString(ref, "$1")
}

// EscapeSegments percent-escapes each path segment of title and keeps '/'.
func EscapeSegments(title string) string {
	segments := strings.Split(title, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.Join(segments, "/")
}

// ArchiveTitle validates a resolved reference and returns the archive title
// it names.
func ArchiveTitle(resolved string) (string, error) {
	m := archiveURLWithNamespace.FindStringSubmatch(resolved)
	if m == nil {
		return "", fmt.Errorf("%q: %w", resolved, ErrMalformedReference)
	}
	return m[1], nil
}

// decodeTitle 解码 data-archive-url 中保存的百分号编码路径。
func decodeTitle(raw string) string {
	if decoded, err := url.PathUnescape(raw); err == nil {
		return decoded
	}
	return raw
}

// encodeURIComponent mirrors the browser function of the same name, so local
// anchors prefixed with the escaped article path are recognized.
func encodeURIComponent(s string) string {
	escaped := url.QueryEscape(s)
	escaped = strings.ReplaceAll(escaped, "+", "%20")
	for _, keep := range []string{"!", "'", "(", ")", "*", "~"} {
		escaped = strings.ReplaceAll(escaped, url.QueryEscape(keep), keep)
	}
	return escaped
}
