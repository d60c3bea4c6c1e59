package mirrorkit

// Strategy is one handler in the fetch pipeline (spec §2, §9): local file
// access, filesystem-cache lookup, or remote download. Each strategy either
//
//   - returns (false, nil): "not applicable", the next strategy runs;
//   - returns (true, nil): it has started streaming (or already resolved
//     the result) — the pipeline stops;
//   - returns (false, err): it failed; the error is recorded and the next
//     strategy still runs, unless err is a *cgeterr.Error with Cached set,
//     which is authoritative and stops the pipeline.
//
// A strategy that wants the pipeline to retry from the top (a 3xx redirect,
// or a transient failure with backoff) mutates state via
// FetchState.markRestartNow / FetchState.retryLater and returns (false,
// nil) or (false, err) as appropriate. The retry request is not part of the
// return value: it lives on FetchState, and fetchDetect reads and clears it
// after each call (consumeRestart, consumeDelay).
type Strategy interface {
	Fetch(state *FetchState) (bool, error)
}
