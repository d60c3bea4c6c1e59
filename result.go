package mirrorkit

import (
	"net/http"
	"io"

	"github.com/mirrorkit/mirrorkit/lib/address"
)

// CacheResult is the facade delivered to the caller of Cache.Fetch (spec
// §4, §6): a readable byte stream, the final resolved Address, status,
// message, public headers, and the retry/abort controls.
//
// CacheResult observes FetchState but does not own it (spec §9 REDESIGN
// FLAGS): state outlives its result until the pipeline reaches a terminal
// state, and Retry/Abort only ever mutate state through its own methods.
type CacheResult struct {
	// Stream is the readable byte stream: bytes arrive in request order,
	// with any bytes buffered before the stream opened delivered first.
	Stream io.Reader

	// Address is the final resolved address (after any redirects).
	Address *address.Address

	Status  int
	Message string
	// Headers is the public header set, with internal cget-* fields
	// removed (spec §6).
	Headers http.Header

	state *FetchState
}

// Retry resets the pipeline's strategy index to 0, tears down the current
// attempt, and re-enters the orchestrator for another one (spec §5): a
// consumer that detects mid-stream corruption can transparently restart the
// fetch instead of seeing an error on the stream. A resumed local or cached
// file read seeks to the BufferStream's Len; a resumed RemoteFetch sends no
// Range request and writes the new response from its first byte. Retry without remaining
// budget, or on a result not produced by a Cache, is a no-op.
func (r *CacheResult) Retry(err error) {
	if r.state == nil || r.state.restart == nil {
		return
	}
	if !r.state.resetRetry() {
		return
	}
	r.state.markRetrying()
	if r.state.onKill != nil {
		// Unblock anything waiting on the previous attempt before the
		// orchestrator starts a new one.
		r.state.onKill(err)
	}
	r.state.restart(r.state)
}

// Abort forces the current pipeline to terminate and rejects the stream.
func (r *CacheResult) Abort(err error) {
	if r.state == nil {
		return
	}
	if err == nil {
		err = errAborted
	}
	r.state.cancel()
	if r.state.onKill != nil {
		r.state.onKill(err)
	}
	r.state.Buffer.Fail(err)
}

var errAborted = &abortError{}

type abortError struct{}

func (*abortError) Error() string { return "cget: aborted" }
