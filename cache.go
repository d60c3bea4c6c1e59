package mirrorkit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/scheddle"
	"github.com/creachadair/taskgroup"
	"golang.org/x/sync/errgroup"

	"github.com/mirrorkit/mirrorkit/lib/address"
	"github.com/mirrorkit/mirrorkit/lib/cgeterr"
	"github.com/mirrorkit/mirrorkit/lib/mirror"
	"github.com/mirrorkit/mirrorkit/lib/sidecar"
)

// CacheOptions configures a Cache at construction time (spec §6, §11):
// everything here applies to every fetch the cache serves, as opposed to
// FetchOptions which is per-call.
type CacheOptions struct {
	// IndexName is appended to cache paths ending in "/" (default
	// "index.html"). FetchOptions.IndexName does not change the cache
	// layout; the cache strategies always use this value.
	IndexName string
	// Concurrency bounds the number of fetches running their strategy
	// pipeline at once (default 2, spec §5); a fetch gives up its slot when
	// its stream opens, so body transfers do not count against it. Zero
	// means the default; there is no "unlimited" sentinel distinct from a
	// very large number.
	Concurrency int

	// Mirror, if set, enables best-effort replication of newly written
	// cache entries to an S3-compatible bucket, and powers Seed
	// (SPEC_FULL.md §4.7).
	Mirror *mirror.Client

	// Logf, if non-nil, receives one line per log-worthy event. Mirrors
	// lib/revproxy.Server.Logf.
	Logf func(string, ...any)
	// LogRequests enables a verbose line per fetch attempt and resolution,
	// mirroring lib/revproxy.Server.LogRequests.
	LogRequests bool
}

// DefaultFetchOptions returns the spec-mandated defaults (spec §6):
// allowRemote/allowCacheRead/allowCacheWrite true, allowLocal false, a
// redirect budget of 10, and no retries. Callers build a FetchOptions value
// from this rather than a bare zero value, since Go's zero bool would
// otherwise silently disable the options the spec defaults to enabled.
func DefaultFetchOptions() FetchOptions {
	return FetchOptions{
		AllowRemote:     true,
		AllowCacheRead:  true,
		AllowCacheWrite: true,
		RedirectCount:   10,
	}
}

// FetchOptions configures a single Cache.Fetch call (spec §6).
type FetchOptions struct {
	AllowLocal      bool
	AllowRemote     bool
	AllowCacheRead  bool
	AllowCacheWrite bool

	Username string
	Password string
	Rewrite  func(string) string
	Timeout  time.Duration
	Cwd      string
	// CacheKey, if set, overrides derivation from the URL and survives
	// redirects (spec §4.1 invariant 3).
	CacheKey string
	// Transport is the spec's opaque "requestConfig": an *http.Client's
	// RoundTripper, for callers that need custom TLS, proxying, or
	// connection pooling.
	Transport http.RoundTripper

	RetryCount         int
	RetryDelay         time.Duration
	RetryBackoffFactor float64
	RedirectCount      int

	IndexName string

	// Context bounds the fetch; a cancellation or deadline propagates the
	// same as CacheResult.Abort. Defaults to context.Background.
	Context context.Context
}

// Cache is the fetch orchestrator (spec §4.6): it owns the strategy chain,
// the bounded concurrency queue, and the retry-backoff scheduler.
type Cache struct {
	BaseDir string

	fs     *FileSystemCache
	remote *RemoteFetch
	chain  []Strategy

	mirror *mirror.Client

	concurrency int
	indexName   string

	Logf        func(string, ...any)
	LogRequests bool

	initOnce    sync.Once
	tasks       *taskgroup.Group
	start       func(taskgroup.Task)
	retryQueue  *scheddle.Queue
	mirrorTasks *taskgroup.Group
	mirrorStart func(taskgroup.Task)

	// mirrorInFlight deduplicates concurrent pushMirror calls for the same
	// key, so two near-simultaneous fetches of the same hot URL don't each
	// fire their own redundant S3 PUT.
	mirrorMu       sync.Mutex
	mirrorInFlight mapset.Set[string]

	reqTotal      expvar.Int
	reqLocalHit   expvar.Int
	reqCacheHit   expvar.Int
	reqRemoteOK   expvar.Int
	reqRedirect   expvar.Int
	reqRetry      expvar.Int
	reqCachedErr  expvar.Int
	reqNoStrategy expvar.Int
	mirrorPush    expvar.Int
	mirrorPushErr expvar.Int
	mirrorSeed    expvar.Int
	mirrorSeedErr expvar.Int
}

// New builds a Cache rooted at basePath (spec §6 "new Cache(basePath?,
// options?)").
func New(basePath string, opts ...CacheOptions) *Cache {
	var o CacheOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 2
	}
	if o.IndexName == "" {
		o.IndexName = "index.html"
	}

	c := &Cache{
		BaseDir:     basePath,
		mirror:      o.Mirror,
		concurrency: o.Concurrency,
		indexName:   o.IndexName,
		Logf:        o.Logf,
		LogRequests: o.LogRequests,
	}
	c.mirrorInFlight = mapset.New[string]()
	c.fs = &FileSystemCache{BaseDir: basePath, IndexName: o.IndexName}
	c.remote = &RemoteFetch{FS: c.fs}
	c.chain = []Strategy{LocalFetch{}, c.fs, c.remote}
	c.init()
	c.remote.OnStored = c.pushMirror
	return c
}

func (c *Cache) init() {
	c.initOnce.Do(func() {
		c.tasks, c.start = taskgroup.New(nil).Limit(c.concurrency)
		c.mirrorTasks, c.mirrorStart = taskgroup.New(nil).Limit(4)
		c.retryQueue = scheddle.NewQueue(nil)
	})
}

// Metrics returns the cache's published counters (spec §12), mirroring
// lib/revproxy.Server.Metrics().
func (c *Cache) Metrics() *expvar.Map {
	m := new(expvar.Map)
	m.Set("req_total", &c.reqTotal)
	m.Set("req_local_hit", &c.reqLocalHit)
	m.Set("req_cache_hit", &c.reqCacheHit)
	m.Set("req_remote_ok", &c.reqRemoteOK)
	m.Set("req_redirect", &c.reqRedirect)
	m.Set("req_retry", &c.reqRetry)
	m.Set("req_cached_error", &c.reqCachedErr)
	m.Set("req_no_strategy", &c.reqNoStrategy)
	m.Set("mirror_push", &c.mirrorPush)
	m.Set("mirror_push_error", &c.mirrorPushErr)
	m.Set("mirror_seed", &c.mirrorSeed)
	m.Set("mirror_seed_error", &c.mirrorSeedErr)
	return m
}

// Fetch resolves uri through the strategy pipeline (spec §2, §4.6). It
// blocks until either the stream opens (returning a *CacheResult whose
// Stream begins delivering bytes immediately) or every strategy has failed
// or declined.
//
// Unlike the source system's fetch, which returns as soon as it has
// registered onStream/errored callbacks and lets the caller await them,
// Go's fetch blocks the calling goroutine for exactly that same interval:
// Cache.Fetch is itself the await point.
func (c *Cache) Fetch(uri string, opts ...FetchOptions) (*CacheResult, error) {
	c.init()

	opt := DefaultFetchOptions()
	if len(opts) > 0 {
		opt = opts[0]
	}
	if opt.IndexName == "" {
		opt.IndexName = c.indexName
	}
	if opt.RedirectCount == 0 {
		opt.RedirectCount = 10
	}

	base := ""
	if opt.Cwd != "" {
		base = "file://" + filepath.ToSlash(opt.Cwd) + "/"
	}
	addr := address.Parse(uri, base, opt.CacheKey)
	state := newFetchState(addr, opt)

	resultCh := make(chan *CacheResult, 1)
	errCh := make(chan error, 1)
	state.onStream = func(r *CacheResult) { resultCh <- r }
	state.onError = func(err error) { errCh <- err }
	state.restart = func(s *FetchState) {
		c.start(func() error {
			c.fetchDetect(s)
			return nil
		})
	}

	c.reqTotal.Add(1)
	c.vlogf("cg B U:%q local:%v remote:%v read:%v write:%v", uri, opt.AllowLocal, opt.AllowRemote, opt.AllowCacheRead, opt.AllowCacheWrite)
	start := time.Now()

	c.start(func() error {
		c.fetchDetect(state)
		return nil
	})

	select {
	case r := <-resultCh:
		c.vlogf("cg E U:%q status:%d (%v elapsed)", uri, r.Status, time.Since(start))
		return r, nil
	case err := <-errCh:
		c.logf("cg %q failed: %v", uri, err)
		return nil, err
	}
}

// fetchDetect is the main loop (spec §4.6): it runs the current strategy,
// advances, restarts, or schedules a delayed re-entry depending on what the
// strategy requested, until the pipeline is exhausted.
func (c *Cache) fetchDetect(state *FetchState) {
	for {
		idx := state.currentStrategy()
		if idx >= len(c.chain) {
			break
		}

		ok, err := c.safeFetch(c.chain[idx], state)
		if ok {
			switch c.chain[idx].(type) {
			case LocalFetch:
				c.reqLocalHit.Add(1)
			case *FileSystemCache:
				c.reqCacheHit.Add(1)
			case *RemoteFetch:
				c.reqRemoteOK.Add(1)
			}
			return
		}

		if err != nil {
			var cerr *cgeterr.Error
			if errors.As(err, &cerr) && cerr.Cached {
				c.reqCachedErr.Add(1)
				state.fail(err)
				return
			}
			state.recordError(err)
		}

		if state.consumeRestart() {
			c.reqRedirect.Add(1)
			continue
		}

		if d := state.consumeDelay(); d > 0 {
			c.reqRetry.Add(1)
			c.retryQueue.After(d, func() { c.fetchDetect(state) })
			return
		}

		state.advanceStrategy()
	}

	c.reqNoStrategy.Add(1)
	err := state.lastError()
	if err == nil {
		err = cgeterr.NoStrategyApplied()
	}
	state.fail(err)
}

// safeFetch runs one strategy, converting a panic into an error so a bug in
// one strategy (or in caller-supplied RoundTripper/Rewrite code) can't wedge
// the whole queue (spec §9: "invoke the current strategy's fetch(state)
// inside an exception-catch").
func (c *Cache) safeFetch(s Strategy, state *FetchState) (ok bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("cget: strategy panic: %v", p)
		}
	}()
	return s.Fetch(state)
}

// Store writes data and headers directly into the cache for uri, bypassing
// the fetch pipeline entirely (spec §6 "cache.store(uri|Address, data?,
// headers?)"). A nil data writes only the sidecar.
func (c *Cache) Store(uri string, data []byte, status int, message string, headers http.Header) (bool, error) {
	addr := address.Parse(uri, "", "")
	var body io.Reader
	if data != nil {
		body = bytes.NewReader(data)
	}
	if err := c.fs.Store(addr, body, status, message, headers); err != nil {
		return false, err
	}
	return true, nil
}

// Seed fetches a cache entry directly from the mirror tier into the local
// cache directory, without going through the HTTP pipeline (SPEC_FULL.md
// §4.7, §6 [ADDED]). It is the recovery path for warming a cold cache
// directory, not a per-request cache tier.
func (c *Cache) Seed(ctx context.Context, uri string) error {
	if c.mirror == nil {
		return cgeterr.New(cgeterr.EPERM, "seed: no mirror configured")
	}
	addr := address.Parse(uri, "", "")
	if !addr.IsRemote() {
		return cgeterr.New(cgeterr.EPERM, "seed: address is not remote")
	}

	// Objects are keyed by body path relative to BaseDir, as pushMirror
	// uploads them.
	key, err := filepath.Rel(c.BaseDir, c.fs.bodyPath(addr))
	if err != nil {
		return err
	}
	body, sidecarJSON, err := c.mirror.Get(ctx, filepath.ToSlash(key))
	if err != nil {
		c.mirrorSeedErr.Add(1)
		return err
	}

	status, message, headers := sidecar.DefaultStatus, sidecar.DefaultMessage, http.Header{}
	if sidecarJSON != nil {
		var sc sidecar.Sidecar
		if err := json.Unmarshal(sidecarJSON, &sc); err == nil {
			status, message, headers = sc.Status, sc.Message, sc.Headers
		}
	}

	if err := c.fs.Store(addr, bytes.NewReader(body), status, message, headers); err != nil {
		c.mirrorSeedErr.Add(1)
		return err
	}
	c.mirrorSeed.Add(1)
	return nil
}

// pushMirror fires a best-effort background upload of a freshly written
// cache entry to the mirror tier (SPEC_FULL.md §4.7, §5): it never blocks
// the caller's stream, and its failures are logged, not surfaced. It runs as
// RemoteFetch.OnStored, so it only sees bodies that have already landed on
// disk with a committed sidecar.
func (c *Cache) pushMirror(path string) {
	if c.mirror == nil || path == "" {
		return
	}
	key, err := filepath.Rel(c.BaseDir, path)
	if err != nil {
		return
	}
	key = filepath.ToSlash(key)

	c.mirrorMu.Lock()
	if c.mirrorInFlight.Has(key) {
		c.mirrorMu.Unlock()
		return
	}
	c.mirrorInFlight.Add(key)
	c.mirrorMu.Unlock()

	c.mirrorStart(func() error {
		defer func() {
			c.mirrorMu.Lock()
			c.mirrorInFlight.Remove(key)
			c.mirrorMu.Unlock()
		}()

		body, err := os.ReadFile(path)
		if err != nil {
			c.mirrorPushErr.Add(1)
			return nil
		}
		var sidecarJSON []byte
		if sc, err := sidecar.Read(sidecar.HeaderPath(path)); err == nil {
			sidecarJSON, _ = json.Marshal(sc)
		}
		if err := c.mirror.Put(context.Background(), key, body, sidecarJSON); err != nil {
			c.mirrorPushErr.Add(1)
			c.logf("mirror push %q: %v", key, err)
			return nil
		}
		c.mirrorPush.Add(1)
		if sc, err := sidecar.Read(sidecar.HeaderPath(path)); err == nil {
			sc.Mirrored = true
			_ = sidecar.Write(sidecar.HeaderPath(path), sc)
		}
		return nil
	})
}

// SeedAll seeds multiple cache entries from the mirror tier concurrently,
// bounded to 4 at a time. One uri's failure is logged but does not cancel
// or fail the others; SeedAll only reports an error if ctx itself expires.
func (c *Cache) SeedAll(ctx context.Context, uris []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, uri := range uris {
		g.Go(func() error {
			if err := c.Seed(gctx, uri); err != nil {
				c.logf("seed %q: %v", uri, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (c *Cache) logf(msg string, args ...any) {
	if c.Logf != nil {
		c.Logf(msg, args...)
	}
}

func (c *Cache) vlogf(msg string, args ...any) {
	if c.LogRequests {
		c.logf(msg, args...)
	}
}
