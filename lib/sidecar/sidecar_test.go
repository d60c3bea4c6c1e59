package sidecar

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "body.header.json")

	hdr := http.Header{"Content-Type": {"text/plain"}}
	s := New(200, "OK", hdr)
	require.NoError(t, Write(path, s))

	got, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, 200, got.Status)
	assert.Equal(t, "OK", got.Message)
	assert.Equal(t, "text/plain", got.Headers.Get("Content-Type"))
}

func TestRedirectEntryCarriesTarget(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "redirect.header.json")

	s := NewRedirect(302, "Found", "http://example.com/final", http.Header{})
	require.NoError(t, Write(path, s))

	got, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, 302, got.Status)
	assert.Equal(t, "http://example.com/final", got.Target)
}

func TestMissingReservedFieldsFallBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bare.header.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"Content-Type":"text/html"}`), 0o644))

	got, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultStatus, got.Status)
	assert.Equal(t, DefaultMessage, got.Message)
	assert.Equal(t, "text/html", got.Headers.Get("Content-Type"))
}

func TestHeaderPath(t *testing.T) {
	assert.Equal(t, "/a/b.header.json", HeaderPath("/a/b"))
}
