package mirrorkit

import (
	"io"
	"net/http"
	"os"

	"github.com/mirrorkit/mirrorkit/lib/sidecar"
)

// openLocal is the shared tail end of both LocalFetch and FileSystemCache
// (spec §4.3 "openLocal"): given a file already known to exist on disk, it
// either attaches the existing, partially-drained Buffer (resume after
// retry) or opens a fresh CacheResult and hands it to the caller via
// onStream, then streams file bytes into the Buffer on a background
// goroutine so the strategy itself can return as soon as the stream has
// opened (holding its concurrency slot no longer than that).
func openLocal(state *FetchState, path string, headers http.Header, status int, message string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, wrapOSError(err)
	}

	// onKill is (re-)armed on every attempt, including a resumed one after
	// CacheResult.Retry, so Abort/Retry always closes the file actually in
	// flight rather than a stale one from an earlier attempt.
	state.onKill = func(error) { f.Close() }

	already := state.streaming()
	if already {
		// Resume: seek to the offset the caller has already consumed and
		// keep writing into the same Buffer.
		if _, err := f.Seek(state.Buffer.Len(), io.SeekStart); err != nil {
			f.Close()
			return false, wrapOSError(err)
		}
	} else {
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
		defer f.Close()
		_, err := io.Copy(state.Buffer, f)
		if err != nil {
			state.fail(err)
			return
		}
		state.Buffer.Close()
	}()

	return true, nil
}

// stripReserved returns headers with every cget-* field removed, per the
// public CacheResult.Headers contract (spec §6).
func stripReserved(h http.Header) http.Header {
	out := h.Clone()
	for _, key := range []string{sidecar.FieldStamp, sidecar.FieldStatus, sidecar.FieldMessage, sidecar.FieldTarget, sidecar.FieldMirror} {
		out.Del(key)
	}
	return out
}

func wrapOSError(err error) error {
	if os.IsNotExist(err) {
		return cgetENOENT(err)
	}
	if os.IsPermission(err) {
		return cgetEACCES(err)
	}
	return err
}
