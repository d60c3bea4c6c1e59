package mirrorkit

import (
	"io"
	"net/http"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirrorkit/mirrorkit/lib/address"
	"github.com/mirrorkit/mirrorkit/lib/cgeterr"
)

func TestFileSystemCacheStoreThenFetchHit(t *testing.T) {
	dir := t.TempDir()
	fs := &FileSystemCache{BaseDir: dir, IndexName: "index.html"}

	addr := address.Parse("http://example.com/a/b", "", "")
	hdr := http.Header{"Content-Type": {"text/plain"}}
	require.NoError(t, fs.Store(addr, strings.NewReader("hi"), 200, "OK", hdr))

	opts := DefaultFetchOptions()
	state := newFetchState(address.Parse("http://example.com/a/b", "", ""), opts)

	var result *CacheResult
	state.onStream = func(r *CacheResult) { result = r }
	ok, err := fs.Fetch(state)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, result)

	data, err := io.ReadAll(result.Stream)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))
	assert.Equal(t, "text/plain", result.Headers.Get("Content-Type"))
}

func TestFileSystemCacheMissReturnsFalse(t *testing.T) {
	dir := t.TempDir()
	fs := &FileSystemCache{BaseDir: dir}
	opts := DefaultFetchOptions()
	state := newFetchState(address.Parse("http://example.com/nope", "", ""), opts)

	ok, err := fs.Fetch(state)
	assert.False(t, ok)
	assert.NoError(t, err)
}

func TestFileSystemCacheDeclinesWhenReadDisabled(t *testing.T) {
	dir := t.TempDir()
	fs := &FileSystemCache{BaseDir: dir}
	addr := address.Parse("http://example.com/a", "", "")
	require.NoError(t, fs.Store(addr, strings.NewReader("x"), 200, "OK", http.Header{}))

	opts := DefaultFetchOptions()
	opts.AllowCacheRead = false
	state := newFetchState(address.Parse("http://example.com/a", "", ""), opts)

	ok, err := fs.Fetch(state)
	assert.False(t, ok)
	assert.NoError(t, err)
}

func TestFileSystemCacheChasesCachedRedirect(t *testing.T) {
	dir := t.TempDir()
	fs := &FileSystemCache{BaseDir: dir, IndexName: "index.html"}

	from := address.Parse("http://example.com/old", "", "")
	require.NoError(t, fs.StoreRedirect(from, 302, "Found", "http://example.com/new", http.Header{}))

	to := address.Parse("http://example.com/new", "", "")
	require.NoError(t, fs.Store(to, strings.NewReader("final body"), 200, "OK", http.Header{}))

	opts := DefaultFetchOptions()
	opts.RedirectCount = 5
	state := newFetchState(address.Parse("http://example.com/old", "", ""), opts)

	var result *CacheResult
	state.onStream = func(r *CacheResult) { result = r }
	ok, err := fs.Fetch(state)
	require.NoError(t, err)
	require.True(t, ok)

	data, err := io.ReadAll(result.Stream)
	require.NoError(t, err)
	assert.Equal(t, "final body", string(data))
	assert.Equal(t, "http://example.com/new", state.Address.URL)
}

func TestFileSystemCacheCachedClientErrorIsAuthoritative(t *testing.T) {
	dir := t.TempDir()
	fs := &FileSystemCache{BaseDir: dir}

	addr := address.Parse("http://example.com/missing", "", "")
	require.NoError(t, fs.Store(addr, nil, 404, "Not Found", http.Header{}))

	opts := DefaultFetchOptions()
	state := newFetchState(address.Parse("http://example.com/missing", "", ""), opts)

	ok, err := fs.Fetch(state)
	assert.False(t, ok)
	require.Error(t, err)
	var cerr *cgeterr.Error
	require.ErrorAs(t, err, &cerr)
	assert.True(t, cerr.Cached)
	assert.Equal(t, 404, cerr.Status)
}

func TestFileSystemCacheExhaustedRedirectBudget(t *testing.T) {
	dir := t.TempDir()
	fs := &FileSystemCache{BaseDir: dir}

	a := address.Parse("http://example.com/a", "", "")
	require.NoError(t, fs.StoreRedirect(a, 302, "Found", "http://example.com/b", http.Header{}))
	b := address.Parse("http://example.com/b", "", "")
	require.NoError(t, fs.StoreRedirect(b, 302, "Found", "http://example.com/a", http.Header{}))

	opts := DefaultFetchOptions()
	opts.RedirectCount = 1
	state := newFetchState(address.Parse("http://example.com/a", "", ""), opts)

	ok, err := fs.Fetch(state)
	assert.False(t, ok)
	require.Error(t, err)
	var cerr *cgeterr.Error
	require.ErrorAs(t, err, &cerr)
	assert.True(t, cerr.Cached)
}

func TestFileSystemCacheMkdirpHealsFileDirConflict(t *testing.T) {
	dir := t.TempDir()
	fs := &FileSystemCache{BaseDir: dir, IndexName: "index.html"}

	a := address.Parse("http://h/a", "", "")
	require.NoError(t, fs.Store(a, strings.NewReader("file a"), 200, "OK", http.Header{}))

	ab := address.Parse("http://h/a/b", "", "")
	require.NoError(t, fs.Store(ab, strings.NewReader("file a/b"), 200, "OK", http.Header{}))

	info, err := os.Stat(fs.bodyPath(address.Parse("http://h/a/", "", "")))
	require.NoError(t, err)
	assert.False(t, info.IsDir())

	info, err = os.Stat(fs.bodyPath(ab))
	require.NoError(t, err)
	assert.False(t, info.IsDir())
}
