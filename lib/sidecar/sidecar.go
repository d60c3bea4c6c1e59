// Package sidecar implements the JSON codec for the fetch cache's companion
// metadata file (spec §3): one small JSON object per cached resource,
// carrying arbitrary response headers plus a handful of reserved
// "cget-*" bookkeeping fields.
package sidecar

import (
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/creachadair/atomicfile"
)

// Reserved field names, stored lower-case inside the JSON object alongside
// arbitrary response headers.
const (
	FieldStamp   = "cget-stamp"
	FieldStatus  = "cget-status"
	FieldMessage = "cget-message"
	FieldTarget  = "cget-target"
	FieldMirror  = "cget-mirror"
)

// DefaultStatus and DefaultMessage are substituted when a sidecar (or a
// missing one) doesn't specify them, per spec §3.
const (
	DefaultStatus  = 200
	DefaultMessage = "OK"
)

// Sidecar is the decoded form of one *.header.json file.
type Sidecar struct {
	StampMS int64
	Status  int
	Message string
	Target  string
	Mirrored bool

	// Headers holds every field of the JSON object that isn't one of the
	// reserved cget-* keys, i.e. the response headers to hand back to the
	// caller.
	Headers http.Header
}

// New builds a Sidecar from response headers, stamped with the current
// time, ready to be written alongside a cache body.
func New(status int, message string, headers http.Header) *Sidecar {
	if message == "" {
		message = http.StatusText(status)
	}
	return &Sidecar{
		StampMS: time.Now().UnixMilli(),
		Status:  status,
		Message: message,
		Headers: headers.Clone(),
	}
}

// NewRedirect builds a sidecar-only redirect entry whose cget-target names
// the final URI of a resolved (or still-resolving) redirect chain.
func NewRedirect(status int, message, target string, headers http.Header) *Sidecar {
	s := New(status, message, headers)
	s.Target = target
	return s
}

// MarshalJSON flattens the reserved fields and the header map into a single
// JSON object, matching the on-disk format of the source system.
func (s *Sidecar) MarshalJSON() ([]byte, error) {
	out := map[string]any{}
	for k, v := range s.Headers {
		if len(v) == 1 {
			out[k] = v[0]
		} else {
			out[k] = v
		}
	}
	out[FieldStamp] = s.StampMS
	out[FieldStatus] = s.Status
	out[FieldMessage] = s.Message
	if s.Target != "" {
		out[FieldTarget] = s.Target
	}
	if s.Mirrored {
		out[FieldMirror] = true
	}
	return json.Marshal(out)
}

// UnmarshalJSON recovers reserved fields and leaves the rest as headers,
// tolerating absent reserved fields by falling back to the documented
// defaults (spec §3 lifecycle: a reader tolerates sidecar-present-body-
// absent and vice versa, both fall back to defaults).
func (s *Sidecar) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.Headers = http.Header{}
	s.Status = DefaultStatus
	s.Message = DefaultMessage

	for k, v := range raw {
		switch k {
		case FieldStamp:
			s.StampMS = toInt64(v)
		case FieldStatus:
			s.Status = int(toInt64(v))
		case FieldMessage:
			if str, ok := v.(string); ok {
				s.Message = str
			}
		case FieldTarget:
			if str, ok := v.(string); ok {
				s.Target = str
			}
		case FieldMirror:
			if b, ok := v.(bool); ok {
				s.Mirrored = b
			}
		default:
			switch vv := v.(type) {
			case string:
				s.Headers.Set(k, vv)
			case []any:
				for _, item := range vv {
					if str, ok := item.(string); ok {
						s.Headers.Add(k, str)
					}
				}
			default:
				s.Headers.Set(k, toString(vv))
			}
		}
	}
	if s.Message == "" {
		s.Message = http.StatusText(s.Status)
	}
	return nil
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}

func toString(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

// HeaderPath returns the conventional sidecar path for a cache body path.
func HeaderPath(bodyPath string) string {
	return bodyPath + ".header.json"
}

// Write atomically writes the sidecar as UTF-8 JSON to path, using
// write-to-temp-then-rename so readers never observe a partially written
// file (spec §3: "written atomically-enough").
func Write(path string, s *Sidecar) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return atomicfile.WriteData(path, data, 0o644)
}

// Read loads and decodes the sidecar at path. A missing file is reported
// via the returned error (os.IsNotExist); callers fall back to defaults
// per spec §3.
func Read(path string) (*Sidecar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Sidecar
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// PublicHeaders returns the headers a caller should see: the stored header
// map, with no cget-* keys (those are never stored as ordinary headers by
// MarshalJSON/UnmarshalJSON, so this is mostly a defensive copy).
func (s *Sidecar) PublicHeaders() http.Header {
	return s.Headers.Clone()
}
