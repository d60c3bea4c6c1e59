package mirrorkit

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/creachadair/atomicfile"

	"github.com/mirrorkit/mirrorkit/lib/address"
	"github.com/mirrorkit/mirrorkit/lib/cgeterr"
	"github.com/mirrorkit/mirrorkit/lib/pathutil"
	"github.com/mirrorkit/mirrorkit/lib/sidecar"
)

// FileSystemCache stores and serves cached remote artifacts and their
// sidecar metadata, and interprets cached redirects (spec §4.3).
type FileSystemCache struct {
	BaseDir   string
	IndexName string
}

// bodyPath returns the on-disk location of addr's cached body, appending
// IndexName when the cache key ends in "/" (spec §6).
func (c *FileSystemCache) bodyPath(addr *address.Address) string {
	rel := addr.Path
	if rel == "" {
		return ""
	}
	full := filepath.Join(c.BaseDir, rel)
	if strings.HasSuffix(filepath.ToSlash(addr.CacheKey), "/") || addr.CacheKey == "" {
		index := c.IndexName
		if index == "" {
			index = "index.html"
		}
		full = filepath.Join(full, index)
	}
	return full
}

// Fetch implements Strategy. It returns false synchronously when the
// address isn't remote or cache reads are disabled (spec §4.3 step 1).
func (c *FileSystemCache) Fetch(state *FetchState) (bool, error) {
	if !state.Address.IsRemote() || !state.AllowCacheRead {
		return false, nil
	}

	cachePath, headers, status, message, err := c.getRedirect(state, state.Address)
	if err != nil {
		return false, err
	}
	if cachePath == "" {
		return false, nil
	}
	return openLocal(state, cachePath, headers, status, message)
}

// getRedirect resolves the sidecar chain for addr (spec §4.3 step 2): read
// the sidecar; if it records a 3xx redirect with a target, follow it (the
// recursive case); if it records a cached 4xx, raise a CachedError;
// otherwise return the resolved cache path and headers.
func (c *FileSystemCache) getRedirect(state *FetchState, addr *address.Address) (cachePath string, headers http.Header, status int, message string, err error) {
	path := c.bodyPath(addr)
	if path == "" {
		return "", nil, 0, "", nil
	}

	sc, readErr := sidecar.Read(sidecar.HeaderPath(path))
	if readErr != nil {
		if os.IsNotExist(readErr) {
			// No sidecar: if the body itself exists, treat it as a bare
			// 200 with no recorded headers (spec §3 lifecycle tolerance).
			if _, statErr := os.Stat(path); statErr == nil {
				return path, http.Header{}, sidecar.DefaultStatus, sidecar.DefaultMessage, nil
			}
			return "", nil, 0, "", nil
		}
		return "", nil, 0, "", cgetENOENT(readErr)
	}

	if sc.Status >= 300 && sc.Status <= 308 && sc.Target != "" {
		if state.RedirectsRemaining <= 0 {
			return "", nil, 0, "", cgeterr.TooManyRedirects(sc.Status, sc.Headers)
		}
		state.RedirectsRemaining--
		if err := addr.Redirect(sc.Target, false, sc.Headers); err != nil {
			return "", nil, 0, "", err
		}
		return c.getRedirect(state, addr)
	}

	if sc.Status >= 400 {
		return "", nil, 0, "", cgeterr.CachedErrorf(sc.Status, sc.Headers, "%s", sc.Message)
	}

	return path, sc.Headers, sc.Status, sc.Message, nil
}

// Store writes a cache body and optional sidecar for addr (spec §4.3
// "store"). Writing a local address into the cache is a programmer error.
// A nil data reader writes only the sidecar (a sidecar-only / redirect
// entry); a nil headers map writes only the body.
func (c *FileSystemCache) Store(addr *address.Address, data io.Reader, status int, message string, headers http.Header) error {
	if addr.IsLocal() {
		return cgeterr.New(cgeterr.EPERM, "cannot store a local address into the cache")
	}
	path := c.bodyPath(addr)
	if path == "" {
		return cgeterr.New(cgeterr.ENOENT, "address has no cacheable path")
	}
	if err := pathutil.Mkdirp(filepath.Dir(path), c.indexName()); err != nil {
		return err
	}

	if data != nil {
		f, err := atomicfile.New(path, 0o644)
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, data); err != nil {
			f.Cancel()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}

	if headers != nil {
		sc := sidecar.New(status, message, headers)
		if err := sidecar.Write(sidecar.HeaderPath(path), sc); err != nil {
			return err
		}
	}
	return nil
}

// StoreRedirect writes a sidecar-only entry recording that addr's resource
// ultimately resolves to targetURL (spec §4.5 "materialize redirect
// history as sidecar-only entries").
func (c *FileSystemCache) StoreRedirect(addr *address.Address, status int, message, targetURL string, headers http.Header) error {
	path := c.bodyPath(addr)
	if path == "" {
		return cgeterr.New(cgeterr.ENOENT, "address has no cacheable path")
	}
	if err := pathutil.Mkdirp(filepath.Dir(path), c.indexName()); err != nil {
		return err
	}
	sc := sidecar.NewRedirect(status, message, targetURL, headers)
	return sidecar.Write(sidecar.HeaderPath(path), sc)
}

func (c *FileSystemCache) indexName() string {
	if c.IndexName == "" {
		return "index.html"
	}
	return c.IndexName
}
