// Package pathutil implements the two filesystem collaborators the fetch
// cache treats as external to its core engineering (spec §1, §4.2): a
// sanitizer that turns an arbitrary URL component into a safe path
// component, and a recursive directory creator that heals file-vs-directory
// conflicts left behind by earlier cache writes.
package pathutil

import (
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
)

// safeByte reports whether b may appear unescaped in a sanitized path
// component: [-_./0-9A-Za-z].
func safeByte(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		return true
	case b == '-' || b == '_' || b == '.' || b == '/':
		return true
	default:
		return false
	}
}

// Sanitize replaces every byte outside [-_./0-9A-Za-z] with '_', then strips
// leading/trailing runs of "-_./" from each '/'-separated component. The
// result uses '/' as its logical separator regardless of platform; callers
// convert to the platform separator (e.g. via ToFilePath) once sanitization
// is complete.
func Sanitize(s string) string {
	buf := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		if safeByte(s[i]) {
			buf[i] = s[i]
		} else {
			buf[i] = '_'
		}
	}
	parts := strings.Split(string(buf), "/")
	for i, p := range parts {
		parts[i] = strings.Trim(p, "-_./")
	}
	return strings.Join(parts, "/")
}

// ToFilePath converts a sanitized, '/'-separated logical path into a path
// using the platform separator, rejecting any ".." component defensively
// (Sanitize never produces one, but callers may hand it a raw value).
func ToFilePath(logical string) string {
	parts := strings.Split(logical, "/")
	clean := parts[:0]
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			continue
		}
		clean = append(clean, p)
	}
	return filepath.Join(clean...)
}

// randSuffix is a package var so tests can make directory-collision
// renames deterministic.
var randSuffix = func() string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 8)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}

// Mkdirp walks dirPath from the root down, creating any missing directory
// components. If an existing path component is a regular file where a
// directory is now needed, it is renamed aside to a sibling
// ".<component>.<random>" and re-homed inside the newly created directory
// as indexName, per
// spec §4.2: two concurrent fetches whose URLs share a prefix may race to
// create the same directory, and a later fetch may need a directory where
// an earlier one cached a file.
//
// EEXIST races from concurrent writers are tolerated; any other errno is
// returned.
func Mkdirp(dirPath, indexName string) error {
	if dirPath == "" || dirPath == string(filepath.Separator) || dirPath == "." {
		return nil
	}
	parent := filepath.Dir(dirPath)
	if parent != dirPath {
		if err := Mkdirp(parent, indexName); err != nil {
			return err
		}
	}

	info, err := os.Stat(dirPath)
	switch {
	case err == nil && info.IsDir():
		return nil
	case err == nil && !info.IsDir():
		return healFileConflict(dirPath, indexName)
	case errors.Is(err, os.ErrNotExist):
		if mkErr := os.Mkdir(dirPath, 0o755); mkErr != nil {
			if errors.Is(mkErr, os.ErrExist) {
				// Another fetch won the race; re-stat to confirm it is a
				// directory, and heal it if it is in fact a file.
				info, statErr := os.Stat(dirPath)
				if statErr != nil {
					return statErr
				}
				if !info.IsDir() {
					return healFileConflict(dirPath, indexName)
				}
				return nil
			}
			return mkErr
		}
		return nil
	default:
		return err
	}
}

// healFileConflict renames the file occupying dirPath aside, creates
// dirPath as a directory, and moves the renamed file inside it as
// indexName.
func healFileConflict(dirPath, indexName string) error {
	// dirPath is currently a file; its parent must already exist (we just
	// walked it into existence above), so rename within the parent.
	parentTmp := filepath.Join(filepath.Dir(dirPath), "."+filepath.Base(dirPath)+"."+randSuffix())
	if err := os.Rename(dirPath, parentTmp); err != nil {
		return err
	}
	if err := os.Mkdir(dirPath, 0o755); err != nil {
		if !errors.Is(err, os.ErrExist) {
			os.Rename(parentTmp, dirPath) // best-effort restore
			return err
		}
	}
	return os.Rename(parentTmp, filepath.Join(dirPath, indexName))
}
