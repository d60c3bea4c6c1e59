package mirrorkit

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirrorkit/mirrorkit/lib/address"
	"github.com/mirrorkit/mirrorkit/lib/cgeterr"
	"github.com/mirrorkit/mirrorkit/lib/sidecar"
)

func newRemoteState(t *testing.T, url string, opts FetchOptions) *FetchState {
	t.Helper()
	return newFetchState(address.Parse(url, "", ""), opts)
}

func TestRemoteFetchStreamsBodyAndWritesCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(200)
		io.WriteString(w, "remote body")
	}))
	defer srv.Close()

	dir := t.TempDir()
	fs := &FileSystemCache{BaseDir: dir, IndexName: "index.html"}
	rf := &RemoteFetch{FS: fs}

	opts := DefaultFetchOptions()
	state := newRemoteState(t, srv.URL+"/a", opts)

	var result *CacheResult
	state.onStream = func(r *CacheResult) { result = r }

	ok, err := rf.Fetch(state)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, result)

	data, err := io.ReadAll(result.Stream)
	require.NoError(t, err)
	assert.Equal(t, "remote body", string(data))
	assert.Equal(t, 200, result.Status)

	path := fs.bodyPath(state.Address)
	require.Eventually(t, func() bool {
		b, err := readFileIfExists(path)
		return err == nil && string(b) == "remote body"
	}, time.Second, 5*time.Millisecond)

	sc, err := sidecar.Read(sidecar.HeaderPath(path))
	require.NoError(t, err)
	assert.Equal(t, "text/plain", sc.Headers.Get("Content-Type"))
}

func TestRemoteFetchOnStoredFiresAfterCommit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		io.WriteString(w, "data")
	}))
	defer srv.Close()

	dir := t.TempDir()
	fs := &FileSystemCache{BaseDir: dir, IndexName: "index.html"}

	storedCh := make(chan string, 1)
	rf := &RemoteFetch{FS: fs, OnStored: func(path string) { storedCh <- path }}

	opts := DefaultFetchOptions()
	state := newRemoteState(t, srv.URL+"/b", opts)
	state.onStream = func(*CacheResult) {}

	ok, err := rf.Fetch(state)
	require.NoError(t, err)
	require.True(t, ok)

	select {
	case path := <-storedCh:
		b, err := readFileIfExists(path)
		require.NoError(t, err)
		assert.Equal(t, "data", string(b))
		_, err = readFileIfExists(sidecar.HeaderPath(path))
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("OnStored never fired")
	}
}

func TestRemoteFetchFollowsRedirectChain(t *testing.T) {
	var mux http.ServeMux
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/new")
		w.WriteHeader(302)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		io.WriteString(w, "final")
	})
	srv := httptest.NewServer(&mux)
	defer srv.Close()

	dir := t.TempDir()
	fs := &FileSystemCache{BaseDir: dir, IndexName: "index.html"}
	rf := &RemoteFetch{FS: fs}

	opts := DefaultFetchOptions()
	opts.RedirectCount = 5
	state := newRemoteState(t, srv.URL+"/old", opts)

	ok, err := rf.Fetch(state)
	assert.False(t, ok)
	require.NoError(t, err)
	assert.True(t, state.consumeRestart())
	assert.Contains(t, state.Address.URL, "/new")
	require.Len(t, state.Address.History, 1)

	var result *CacheResult
	state.onStream = func(r *CacheResult) { result = r }
	ok, err = rf.Fetch(state)
	require.NoError(t, err)
	require.True(t, ok)
	data, err := io.ReadAll(result.Stream)
	require.NoError(t, err)
	assert.Equal(t, "final", string(data))
}

func TestRemoteFetchServerErrorRetriesThenExhausts(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(500)
	}))
	defer srv.Close()

	dir := t.TempDir()
	fs := &FileSystemCache{BaseDir: dir, IndexName: "index.html"}
	rf := &RemoteFetch{FS: fs}

	opts := DefaultFetchOptions()
	opts.RetryCount = 1
	opts.RetryDelay = time.Millisecond
	state := newRemoteState(t, srv.URL+"/err", opts)

	ok, err := rf.Fetch(state)
	assert.False(t, ok)
	require.NoError(t, err)
	assert.Greater(t, state.consumeDelay(), time.Duration(0))

	ok, err = rf.Fetch(state)
	assert.False(t, ok)
	require.Error(t, err)
	var cerr *cgeterr.Error
	require.ErrorAs(t, err, &cerr)
	assert.True(t, cerr.Cached)
	assert.Equal(t, 500, cerr.Status)
}

func TestRemoteFetchClientErrorPersistsSidecar(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(404)
	}))
	defer srv.Close()

	dir := t.TempDir()
	fs := &FileSystemCache{BaseDir: dir, IndexName: "index.html"}
	rf := &RemoteFetch{FS: fs}

	opts := DefaultFetchOptions()
	state := newRemoteState(t, srv.URL+"/missing", opts)

	ok, err := rf.Fetch(state)
	assert.False(t, ok)
	require.Error(t, err)
	var cerr *cgeterr.Error
	require.ErrorAs(t, err, &cerr)
	assert.True(t, cerr.Cached)
	assert.Equal(t, 404, cerr.Status)

	sc, err := sidecar.Read(sidecar.HeaderPath(fs.bodyPath(state.Address)))
	require.NoError(t, err)
	assert.Equal(t, 404, sc.Status)
}

func TestRemoteFetchTransientNetworkErrorRetries(t *testing.T) {
	// Bind then immediately close a listener so the port refuses connections.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	dir := t.TempDir()
	fs := &FileSystemCache{BaseDir: dir, IndexName: "index.html"}
	rf := &RemoteFetch{FS: fs}

	opts := DefaultFetchOptions()
	opts.RetryCount = 1
	opts.RetryDelay = time.Millisecond
	state := newRemoteState(t, "http://"+addr+"/x", opts)

	ok, err := rf.Fetch(state)
	assert.False(t, ok)
	require.NoError(t, err)
	assert.Greater(t, state.consumeDelay(), time.Duration(0))
}

func TestRemoteFetchSendsBasicAuth(t *testing.T) {
	var gotUser, gotPass string
	var gotOK bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, gotOK = r.BasicAuth()
		w.WriteHeader(200)
	}))
	defer srv.Close()

	dir := t.TempDir()
	fs := &FileSystemCache{BaseDir: dir, IndexName: "index.html"}
	rf := &RemoteFetch{FS: fs}

	opts := DefaultFetchOptions()
	opts.Username = "alice"
	opts.Password = "secret"
	state := newRemoteState(t, srv.URL+"/auth", opts)
	state.onStream = func(*CacheResult) {}

	ok, err := rf.Fetch(state)
	require.NoError(t, err)
	require.True(t, ok)

	require.True(t, gotOK)
	assert.Equal(t, "alice", gotUser)
	assert.Equal(t, "secret", gotPass)
}

func readFileIfExists(path string) ([]byte, error) {
	return os.ReadFile(path)
}
