package mirrorkit

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"syscall"

	"github.com/creachadair/atomicfile"

	"github.com/mirrorkit/mirrorkit/lib/address"
	"github.com/mirrorkit/mirrorkit/lib/cgeterr"
	"github.com/mirrorkit/mirrorkit/lib/pathutil"
	"github.com/mirrorkit/mirrorkit/lib/sidecar"
)

// RemoteFetch issues the live HTTP request for a remote address (spec §4.5):
// it follows one redirect hop per pipeline pass (pushing the rest back
// through the retry loop rather than chasing the chain inline), classifies
// 5xx and transient network failures as retryable, and on 200 streams the
// response body to the caller while opportunistically writing it to FS.
//
// FS may be nil, in which case RemoteFetch never writes to the cache even
// when AllowCacheWrite is set.
type RemoteFetch struct {
	FS *FileSystemCache

	// OnStored, if set, fires after a 200 response has been fully written
	// to disk and its sidecar committed (not merely after the stream to
	// the caller opened). The cache orchestrator uses this to time mirror
	// pushes against the write actually landing, rather than racing it.
	OnStored func(path string)
}

// Fetch implements Strategy.
func (r *RemoteFetch) Fetch(state *FetchState) (bool, error) {
	if !state.Address.IsRemote() {
		return false, nil
	}
	if !state.AllowRemote {
		return false, cgeterr.AccessDenied("remote access is not permitted")
	}

	target := state.Address.URL
	if state.Rewrite != nil {
		target = state.Rewrite(target)
	}

	client := &http.Client{
		Transport: state.Transport,
		Timeout:   state.Timeout,
		// Redirects are resolved by the pipeline itself (spec §4.5), not by
		// net/http, so a cached or sidecar-recorded entry can be written for
		// every hop.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	req, err := http.NewRequestWithContext(state.Context(), http.MethodGet, target, nil)
	if err != nil {
		return false, cgeterr.Wrap(cgeterr.ENOTFOUND, err)
	}
	if state.Username != "" && state.Password != "" {
		req.SetBasicAuth(state.Username, state.Password)
	}

	resp, err := client.Do(req)
	if err != nil {
		return r.handleTransportError(state, err)
	}

	switch {
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		return r.handleRedirect(state, resp)
	case resp.StatusCode >= 500:
		return r.handleServerError(state, resp)
	case resp.StatusCode != http.StatusOK:
		return r.handleClientError(state, resp)
	default:
		return r.openRemoteStream(state, resp)
	}
}

// handleTransportError classifies a round-trip failure (spec §7): transient
// codes reschedule the pipeline with backoff via retryLater; anything else
// is terminal for this attempt.
func (r *RemoteFetch) handleTransportError(state *FetchState, err error) (bool, error) {
	code := classifyTransportError(err)
	if cgeterr.IsTransient(code) && state.retryLater(err) {
		return false, nil
	}
	return false, cgeterr.Wrap(code, err)
}

// handleRedirect resolves one hop of a 3xx response (spec §4.5): the
// response headers are snapshotted onto the outgoing history entry, the
// address is mutated in place, and the pipeline restarts from strategy 0
// without consuming retry budget.
func (r *RemoteFetch) handleRedirect(state *FetchState, resp *http.Response) (bool, error) {
	defer resp.Body.Close()

	location := resp.Header.Get("Location")
	if location == "" {
		return false, cgeterr.CachedErrorf(resp.StatusCode, resp.Header, "redirect with no Location")
	}
	if state.RedirectsRemaining <= 0 {
		return false, cgeterr.TooManyRedirects(resp.StatusCode, resp.Header)
	}
	state.RedirectsRemaining--

	snapshot := resp.Header.Clone()
	if err := state.Address.Redirect(location, false, snapshot); err != nil {
		return false, cgeterr.Wrap(cgeterr.ENOTFOUND, err)
	}
	state.markRestartNow()
	return false, nil
}

// handleServerError treats a 5xx response as transient (spec §4.5: "5xx
// responses are retried with backoff, the same as a transient network
// error").
func (r *RemoteFetch) handleServerError(state *FetchState, resp *http.Response) (bool, error) {
	defer resp.Body.Close()

	err := fmt.Errorf("remote server error: %s", resp.Status)
	if state.retryLater(err) {
		return false, nil
	}
	return false, cgeterr.CachedErrorf(resp.StatusCode, resp.Header, "%s", resp.Status)
}

// handleClientError records a non-200, non-5xx response as a terminal
// CachedError (spec §4.5), opportunistically persisting a sidecar-only
// record so future fetches of the same address short-circuit through
// FileSystemCache.getRedirect instead of re-issuing the request.
func (r *RemoteFetch) handleClientError(state *FetchState, resp *http.Response) (bool, error) {
	defer resp.Body.Close()

	cerr := cgeterr.CachedErrorf(resp.StatusCode, resp.Header, "%s", resp.Status)
	if state.AllowCacheWrite && r.FS != nil {
		_ = r.FS.Store(state.Address, nil, resp.StatusCode, resp.Status, resp.Header)
	}
	return false, cerr
}

// openRemoteStream handles the 200 case (spec §4.5, §9): it opens (or
// resumes) the caller-facing CacheResult immediately, then copies the
// response body into the BufferStream on a background goroutine, tee'ing
// the same bytes into an atomically-committed cache file when writes are
// allowed. On success it also materializes the address's accumulated
// redirect history as sidecar-only entries (spec §4.5) pointing at the
// final, resolved URL.
func (r *RemoteFetch) openRemoteStream(state *FetchState, resp *http.Response) (bool, error) {
	headers := resp.Header.Clone()
	status := resp.StatusCode
	message := resp.Status
	if message == "" {
		message = http.StatusText(status)
	}

	var cacheWriter *atomicfile.File
	var cachePath string
	if state.AllowCacheWrite && r.FS != nil {
		if cachePath = r.FS.bodyPath(state.Address); cachePath != "" {
			if err := pathutil.Mkdirp(filepath.Dir(cachePath), r.FS.indexName()); err == nil {
				if w, err := atomicfile.New(cachePath, 0o644); err == nil {
					cacheWriter = w
				}
			}
		}
	}

	var source io.Reader = resp.Body
	if cacheWriter != nil {
		source = io.TeeReader(resp.Body, cacheWriter)
	}

	// onKill is (re-)armed on every attempt, including a resumed one after
	// CacheResult.Retry, so Abort/Retry always tears down the transfer that
	// is actually in flight rather than a stale one from an earlier attempt.
	state.onKill = func(error) {
		resp.Body.Close()
		if cacheWriter != nil {
			cacheWriter.Cancel()
		}
	}

	if !state.streaming() {
		result := &CacheResult{
			Stream:  state.Buffer,
			Address: state.Address,
			Status:  status,
			Message: message,
			Headers: stripReserved(headers),
			state:   state,
		}
		state.startStreaming(result)
	}

	go func() {
		defer resp.Body.Close()
		_, err := io.Copy(state.Buffer, source)
		if err != nil {
			if cacheWriter != nil {
				cacheWriter.Cancel()
			}
			state.fail(err)
			return
		}
		state.Buffer.Close()

		if cacheWriter == nil {
			return
		}
		if err := cacheWriter.Close(); err != nil || cachePath == "" {
			return
		}
		sc := sidecar.New(status, message, headers)
		if err := sidecar.Write(sidecar.HeaderPath(cachePath), sc); err != nil {
			return
		}
		r.materializeHistory(state)
		if r.OnStored != nil {
			r.OnStored(cachePath)
		}
	}()

	return true, nil
}

// materializeHistory writes a sidecar-only redirect entry at every hop the
// address passed through, each one pointing at the final resolved URL, so a
// subsequent fetch of any intermediate URL resolves straight through without
// re-issuing the redirect chain (spec §4.5 "materialize redirect history").
func (r *RemoteFetch) materializeHistory(state *FetchState) {
	if r.FS == nil {
		return
	}
	final := state.Address.URL
	for _, entry := range state.Address.History {
		// An explicit cache key keeps the same path across every hop; a
		// redirect entry there would overwrite the final body's sidecar.
		if entry.Path == "" || entry.Path == state.Address.Path {
			continue
		}
		path := r.FS.bodyPath(address.Parse(entry.URL, "", ""))
		if path == "" {
			continue
		}
		if err := pathutil.Mkdirp(filepath.Dir(path), r.FS.indexName()); err != nil {
			continue
		}
		sc := sidecar.NewRedirect(http.StatusFound, "Found", final, entry.Data)
		_ = sidecar.Write(sidecar.HeaderPath(path), sc)
	}
}

// classifyTransportError maps a net/http round-trip error onto the
// errno-style codes lib/cgeterr classifies as transient or terminal (spec
// §7). There is no third-party error-classification library in the example
// corpus to ground this on; it is written directly against net.Error,
// net.OpError and net.DNSError, the standard library's own vocabulary for
// these failures.
func classifyTransportError(err error) cgeterr.Code {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return cgeterr.ENOTFOUND
		}
		return cgeterr.EAIAgain
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Timeout() {
			return cgeterr.ETIMEDOUT
		}
		switch {
		case errors.Is(opErr.Err, syscall.ECONNREFUSED):
			return cgeterr.ECONNREFUSED
		case errors.Is(opErr.Err, syscall.ECONNRESET):
			return cgeterr.ECONNRESET
		case errors.Is(opErr.Err, syscall.EHOSTUNREACH):
			return cgeterr.EHOSTUNREACH
		}
	}

	if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.ErrUnexpectedEOF) {
		return cgeterr.EPIPE
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return cgeterr.ESOCKETTIMEDOUT
	}

	return cgeterr.ECONNRESET
}
