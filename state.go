package mirrorkit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/mirrorkit/mirrorkit/lib/address"
	"github.com/mirrorkit/mirrorkit/lib/bufstream"
)

// FetchState is the mutable per-request context a fetch pipeline runs
// against (spec §3): it is created per Cache.fetch call, owned by the
// pipeline until the final strategy resolves, and is mutated in place as
// redirects are followed and retries are attempted.
type FetchState struct {
	// Address is mutated in place on redirect (lib/address.Address.Redirect).
	Address *address.Address

	// Access policy.
	AllowLocal      bool
	AllowRemote     bool
	AllowCacheRead  bool
	AllowCacheWrite bool

	// Credentials and transport knobs.
	Username  string
	Password  string
	Rewrite   func(string) string
	Timeout   time.Duration
	Cwd       string
	Transport http.RoundTripper

	// Retry policy.
	RetryCount         int
	RetryDelay         time.Duration
	RetryBackoffFactor float64
	RetriesRemaining   int

	// RedirectCount bounds the length of a redirect chain the cache will
	// resolve before raising cgeterr.TooManyRedirects. RedirectsRemaining
	// is shared by the cached-redirect chase (FileSystemCache.getRedirect)
	// and the live-redirect follow (RemoteFetch.handleRedirect), since both consume
	// the same budget for one logical Address.
	RedirectCount     int
	RedirectsRemaining int

	// IndexName is copied from FetchOptions. The cache strategies do not
	// read it; cache paths ending in "/" get FileSystemCache.IndexName.
	IndexName string

	// Buffer is the running BufferStream, preserved across retries so a
	// partially drained consumer can resume (spec §3).
	Buffer *bufstream.Stream

	// Pipeline cursor. strategyNum is the index of the strategy to try
	// next; strategyDelay, when non-zero, tells the orchestrator to
	// re-enqueue the pipeline after a delay instead of looping
	// synchronously (spec §4.6 state machine).
	strategyNum   int
	strategyDelay time.Duration
	restartNow    bool
	lastErr       error

	// onStream fires at most once, handing the caller its CacheResult.
	// onKill is wired to CacheResult.Abort and CacheResult.Retry.
	onStream func(*CacheResult)
	onKill   func(error)
	onError  func(error)

	// restart re-enters the orchestrator's pipeline loop for this state, set
	// by Cache.Fetch. CacheResult.Retry calls it after resetRetry has spent
	// one unit of the retry budget, so a mid-stream retry actually runs another strategy attempt
	// instead of merely tearing down the current one (spec §5).
	restart func(*FetchState)

	// retrying is a one-shot guard armed by markRetrying: the next fail()
	// call, expected to come from onKill tearing down the in-flight
	// transfer, is swallowed instead of delivered to the caller as a
	// terminal error.
	retrying bool

	// isStreaming is set once onStream has returned; before this, fail()
	// delivers errors via onError, after this they are emitted on Buffer.
	isStreaming bool

	ctx    context.Context
	cancel context.CancelFunc

	mu sync.Mutex
}

// newFetchState builds a fresh FetchState from resolved options, for a
// freshly parsed Address.
func newFetchState(addr *address.Address, opts FetchOptions) *FetchState {
	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)

	s := &FetchState{
		Address:            addr,
		AllowLocal:         opts.AllowLocal,
		AllowRemote:        opts.AllowRemote,
		AllowCacheRead:     opts.AllowCacheRead,
		AllowCacheWrite:    opts.AllowCacheWrite,
		Username:           opts.Username,
		Password:           opts.Password,
		Rewrite:            opts.Rewrite,
		Timeout:            opts.Timeout,
		Cwd:                opts.Cwd,
		Transport:          opts.Transport,
		RetryCount:         opts.RetryCount,
		RetryDelay:         opts.RetryDelay,
		RetryBackoffFactor: opts.RetryBackoffFactor,
		RetriesRemaining:   opts.RetryCount,
		RedirectCount:      opts.RedirectCount,
		RedirectsRemaining: opts.RedirectCount,
		IndexName:          opts.IndexName,
		Buffer:             bufstream.New(),
		ctx:                ctx,
		cancel:             cancel,
	}
	return s
}

// resetRetry decrements the retry budget and resets the pipeline cursor to
// 0, per spec invariant: "after retry, strategyNum is reset to 0 and
// retriesRemaining is decremented".
func (s *FetchState) resetRetry() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.RetriesRemaining <= 0 {
		return false
	}
	s.RetriesRemaining--
	s.strategyNum = 0
	return true
}

// retryLater schedules a pipeline restart after a backoff delay, computed
// from RetryDelay and RetryBackoffFactor raised to the attempt number, per
// spec §4.5 (5xx responses) and §7 (transient network errors).
func (s *FetchState) retryLater(err error) bool {
	s.mu.Lock()
	attempt := s.RetryCount - s.RetriesRemaining
	s.mu.Unlock()
	if !s.resetRetry() {
		return false
	}
	delay := s.RetryDelay
	if s.RetryBackoffFactor > 0 && attempt > 0 {
		factor := 1.0
		for i := 0; i < attempt; i++ {
			factor *= s.RetryBackoffFactor
		}
		delay = time.Duration(float64(delay) * factor)
	}
	s.mu.Lock()
	s.strategyDelay = delay
	s.lastErr = err
	s.mu.Unlock()
	return true
}

// markRestartNow requests an immediate pipeline restart at index 0 without
// consuming retry budget or waiting — used by the redirect path (spec
// §4.5: "set strategyNum=0 ... resolve the attempt with false").
func (s *FetchState) markRestartNow() {
	s.mu.Lock()
	s.strategyNum = 0
	s.restartNow = true
	s.mu.Unlock()
}

// startStreaming invokes onStream exactly once, then marks the state as
// streaming so subsequent errors are delivered on Buffer instead of via
// onError (spec invariant: onStream fires at most once).
func (s *FetchState) startStreaming(result *CacheResult) {
	s.mu.Lock()
	if s.onStream == nil || s.isStreaming {
		s.mu.Unlock()
		return
	}
	fn := s.onStream
	s.mu.Unlock()

	fn(result)

	s.mu.Lock()
	s.isStreaming = true
	s.mu.Unlock()
}

// streaming reports whether onStream has already fired.
func (s *FetchState) streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isStreaming
}

// markRetrying arms the one-shot guard consumed by the next fail() call, so
// the teardown error onKill provokes during CacheResult.Retry doesn't reach
// the caller as a terminal failure.
func (s *FetchState) markRetrying() {
	s.mu.Lock()
	s.retrying = true
	s.mu.Unlock()
}

// fail delivers err to the caller: on the stream if already open,
// otherwise via onError (which becomes the pipeline's terminal error path).
// A fail() provoked by a pending Retry's teardown is swallowed instead.
func (s *FetchState) fail(err error) {
	s.mu.Lock()
	if s.retrying {
		s.retrying = false
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if s.streaming() {
		s.Buffer.Fail(err)
		return
	}
	s.mu.Lock()
	fn := s.onError
	s.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// Context returns the per-fetch context, canceled by CacheResult.Abort.
func (s *FetchState) Context() context.Context { return s.ctx }

// currentStrategy returns the index of the strategy fetchDetect should try
// next.
func (s *FetchState) currentStrategy() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.strategyNum
}

// advanceStrategy moves the pipeline cursor to the next strategy in the
// chain (spec §9: a strategy that declines is non-committal, the next one
// runs).
func (s *FetchState) advanceStrategy() {
	s.mu.Lock()
	s.strategyNum++
	s.mu.Unlock()
}

// consumeRestart reports and clears a pending immediate-restart request set
// by markRestartNow (spec §4.5 redirect handling).
func (s *FetchState) consumeRestart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.restartNow
	s.restartNow = false
	return r
}

// consumeDelay reports and clears a pending retry-after-backoff delay set
// by retryLater.
func (s *FetchState) consumeDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.strategyDelay
	s.strategyDelay = 0
	return d
}

// recordError remembers err as the most recent non-authoritative failure,
// surfaced only if the pipeline runs out of strategies (spec §9
// "propagation policy").
func (s *FetchState) recordError(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

func (s *FetchState) lastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}
