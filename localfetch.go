package mirrorkit

import (
	"net/http"
	"os"

	"github.com/mirrorkit/mirrorkit/lib/cgeterr"
)

// LocalFetch serves a file:// address (or a bare relative/absolute path)
// directly from disk, when local access is permitted (spec §4.4). It never
// writes to the cache.
type LocalFetch struct{}

// Fetch implements Strategy.
func (LocalFetch) Fetch(state *FetchState) (bool, error) {
	if !state.Address.IsLocal() {
		return false, nil
	}
	if !state.AllowLocal {
		return false, cgeterr.AccessDenied("local access is not permitted")
	}

	// Stat to confirm existence and to establish an mtime the filesystem
	// cache strategy would have used as cget-stamp; LocalFetch never
	// writes a sidecar, so the value itself is not persisted here.
	if _, err := os.Stat(state.Address.Path); err != nil {
		return false, wrapOSError(err)
	}

	headers := http.Header{}
	return openLocal(state, state.Address.Path, headers, http.StatusOK, "OK")
}
