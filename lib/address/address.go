// Package address implements the fetch cache's URI classifier (spec §4.1):
// parsing a URI into a { scheme-classified kind, normalized URL, cache key,
// filesystem path, history of prior URLs }, and re-deriving those fields
// when a remote strategy follows a redirect.
package address

import (
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/mirrorkit/mirrorkit/lib/pathutil"
)

// Kind classifies an Address into exactly one of three buckets.
type Kind int

const (
	// Remote is an http(s) URL.
	Remote Kind = iota
	// Local is a file:// URL or a relative/absolute filesystem path.
	Local
	// URN is a urn:a:b:c identifier: cacheable, but with no reachable URL.
	URN
)

// HistoryEntry records one step of a redirect chain: the URL and path that
// were current before the redirect, plus the headers of the redirect
// response as the remote strategy received them. No status, message or
// stamp is added to Data.
type HistoryEntry struct {
	URL  string
	Path string
	Data http.Header
}

// Address is the resolved classification of a single URI, mutated in place
// as redirects are followed (spec invariant 2: following a redirect pushes
// the prior {url, path, data} onto History and replaces the current
// url/path/Kind, while leaving WasLocal/WasRemote sticky).
type Address struct {
	Kind Kind
	URL  string
	Path string

	// CacheKey is the derived (or caller-supplied) cache key. Remote keys
	// are path-shaped; local addresses have no cache key.
	CacheKey string
	// explicitCacheKey is true when the caller supplied CacheKey directly,
	// in which case it overrides scheme-derived re-derivation across
	// redirects (spec invariant 3).
	explicitCacheKey bool

	WasLocal  bool
	WasRemote bool

	History []HistoryEntry
}

func (k Kind) IsLocal() bool  { return k == Local }
func (k Kind) IsRemote() bool { return k == Remote }
func (k Kind) IsURN() bool    { return k == URN }

func (a *Address) IsLocal() bool  { return a.Kind.IsLocal() }
func (a *Address) IsRemote() bool { return a.Kind.IsRemote() }
func (a *Address) IsURN() bool    { return a.Kind.IsURN() }

// defaultBaseURL returns the process working directory as a file:// URL,
// used when Parse is called without an explicit base.
func defaultBaseURL() string {
	wd, err := os.Getwd()
	if err != nil {
		return "file:///"
	}
	return "file://" + filepath.ToSlash(wd) + "/"
}

// Parse resolves uri (possibly relative) against baseURL (defaulting to the
// process working directory as a file:// URL per spec §4.1), classifies it
// into local/urn/remote, and computes its cache key and sanitized path.
//
// Parsing never fails: a malformed URI falls through to the remote-URL
// branch, which sanitizes to a possibly-empty path; downstream strategies
// detect the empty path and report failure (spec §4.1 "Failure").
func Parse(uri, baseURL, cacheKey string) *Address {
	if baseURL == "" {
		baseURL = defaultBaseURL()
	}

	if strings.HasPrefix(uri, "urn:") {
		a := &Address{Kind: URN, URL: uri}
		applyExplicitKey(a, cacheKey)
		if !a.explicitCacheKey {
			a.CacheKey = strings.TrimPrefix(uri, "urn:")
			a.CacheKey = strings.ReplaceAll(a.CacheKey, ":", "/")
		}
		return a
	}

	base, _ := url.Parse(baseURL)
	ref, err := url.Parse(uri)
	if err != nil {
		// Malformed: treat as an opaque remote reference so downstream
		// strategies can still classify and fail gracefully.
		a := &Address{Kind: Remote, URL: uri}
		applyExplicitKey(a, cacheKey)
		if !a.explicitCacheKey {
			a.CacheKey = pathutil.Sanitize(uri)
		}
		a.Path = pathutil.ToFilePath(a.CacheKey)
		return a
	}

	resolved := ref
	if base != nil {
		resolved = base.ResolveReference(ref)
	}

	if resolved.Scheme == "file" || resolved.Scheme == "" {
		a := &Address{Kind: Local, URL: resolved.String()}
		a.Path = localPath(resolved, uri)
		return a
	}

	a := &Address{Kind: Remote, URL: resolved.String()}
	applyExplicitKey(a, cacheKey)
	if !a.explicitCacheKey {
		a.CacheKey = remoteCacheKey(resolved)
	}
	a.Path = pathutil.ToFilePath(a.CacheKey)
	return a
}

func applyExplicitKey(a *Address, cacheKey string) {
	if cacheKey != "" {
		a.CacheKey = cacheKey
		a.explicitCacheKey = true
	}
}

// localPath extracts the concrete on-disk location for a local address: the
// path component of a file:// URL, or the original (possibly relative)
// string when no scheme was present.
func localPath(u *url.URL, original string) string {
	if u.Scheme == "file" {
		return filepath.FromSlash(u.Path)
	}
	return filepath.FromSlash(original)
}

// remoteCacheKey derives the cache key for a remote address per spec §3:
// scheme + host (no port) + path + query, split on /:?, percent-decoded per
// part, re-joined with /, then sanitized.
func remoteCacheKey(u *url.URL) string {
	host := u.Hostname()
	raw := u.Scheme + host + u.EscapedPath()
	if u.RawQuery != "" {
		raw += "?" + u.RawQuery
	}

	var parts []string
	for _, part := range splitAny(raw, "/:?") {
		decoded, err := url.PathUnescape(part)
		if err != nil {
			decoded = part
		}
		parts = append(parts, decoded)
	}
	joined := strings.Join(parts, "/")
	return pathutil.Sanitize(joined)
}

// splitAny splits s on any byte found in cutset, preserving empty tokens
// the same way strings.Split would for a single-byte cutset.
func splitAny(s, cutset string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(cutset, s[i]) >= 0 {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

// Redirect resolves newURL against a's current URL, pushes a's prior state
// onto History (unless isFake), reclassifies, and re-derives Path — unless
// an explicit CacheKey is active, in which case it is preserved across the
// redirect (spec invariant 3).
func (a *Address) Redirect(newURL string, isFake bool, data http.Header) error {
	base, err := url.Parse(a.URL)
	if err != nil {
		return err
	}
	ref, err := url.Parse(newURL)
	if err != nil {
		return err
	}
	resolved := base.ResolveReference(ref)

	if !isFake {
		a.History = append(a.History, HistoryEntry{URL: a.URL, Path: a.Path, Data: data})
	}

	if a.Kind == Local {
		a.WasLocal = true
	}
	if a.Kind == Remote {
		a.WasRemote = true
	}

	a.URL = resolved.String()
	if resolved.Scheme == "file" || resolved.Scheme == "" {
		a.Kind = Local
		a.Path = localPath(resolved, newURL)
		return nil
	}

	a.Kind = Remote
	if !a.explicitCacheKey {
		a.CacheKey = remoteCacheKey(resolved)
		a.Path = pathutil.ToFilePath(a.CacheKey)
	}
	return nil
}
