// Package byterange negotiates HTTP Range requests against an object of
// known length. It performs no I/O.
package byterange

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	reelerr "github.com/reelstore/reelstore/internal/errors"
)

// Window is the inclusive byte window [Start, End] of an object of Total
// bytes that a response will carry.
type Window struct {
	Start int64
	End   int64
	Total int64
	// Partial is true when the response is a 206 for a satisfiable range.
	Partial bool
}

// Full returns the window covering a whole object of the given length.
// For a zero-length object End is -1 and Len is 0.
func Full(length int64) Window {
	return Window{Start: 0, End: length - 1, Total: length}
}

// Len returns the number of bytes in the window.
func (w Window) Len() int64 {
	return w.End - w.Start + 1
}

// Status returns 206 for a partial window and 200 otherwise.
func (w Window) Status() int {
	if w.Partial {
		return http.StatusPartialContent
	}
	return http.StatusOK
}

// ContentRange returns the Content-Range value for a partial window, or ""
// for a full one.
func (w Window) ContentRange() string {
	if !w.Partial {
		return ""
	}
	return fmt.Sprintf("bytes %d-%d/%d", w.Start, w.End, w.Total)
}

// Apply sets Content-Length, Accept-Ranges and, for partial windows,
// Content-Range on h.
func (w Window) Apply(h http.Header) {
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Length", strconv.FormatInt(w.Len(), 10))
	if cr := w.ContentRange(); cr != "" {
		h.Set("Content-Range", cr)
	}
}

// UnsatisfiableError reports a syntactically valid range that selects no
// bytes of an object of Length bytes. It matches ErrRangeNotSatisfiable
// under errors.Is.
type UnsatisfiableError struct {
	Length int64
}

func (e *UnsatisfiableError) Error() string {
	return fmt.Sprintf("range not satisfiable for object of %d bytes", e.Length)
}

func (e *UnsatisfiableError) Is(target error) bool {
	se, ok := target.(*reelerr.StoreError)
	return ok && se.Code == reelerr.ErrRangeNotSatisfiable.Code
}

// ContentRange returns the Content-Range value a 416 response carries.
func (e *UnsatisfiableError) ContentRange() string {
	return fmt.Sprintf("bytes */%d", e.Length)
}

// Apply sets the headers of a 416 response on h.
func (e *UnsatisfiableError) Apply(h http.Header) {
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Range", e.ContentRange())
}

// Parse resolves a Range header value against an object of length bytes.
//
// An empty header, a header that does not parse, a unit other than bytes,
// or a multi-range request yields the full window; such headers are
// ignored rather than rejected. A well-formed single range that selects no
// bytes returns *UnsatisfiableError. An end past the object is clamped.
func Parse(header string, length int64) (Window, error) {
	full := Full(length)
	header = strings.TrimSpace(header)
	if header == "" {
		return full, nil
	}

	unit, spec, ok := strings.Cut(header, "=")
	if !ok || !strings.EqualFold(strings.TrimSpace(unit), "bytes") {
		return full, nil
	}
	if strings.Contains(spec, ",") {
		return full, nil
	}

	first, last, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok {
		return full, nil
	}
	first = strings.TrimSpace(first)
	last = strings.TrimSpace(last)

	if first == "" {
		// Suffix range: bytes=-N selects the last N bytes.
		n, ok := parseNonNegative(last)
		if !ok {
			return full, nil
		}
		if n == 0 || length == 0 {
			return Window{}, &UnsatisfiableError{Length: length}
		}
		start := max(length-n, 0)
		return Window{Start: start, End: length - 1, Total: length, Partial: true}, nil
	}

	start, ok := parseNonNegative(first)
	if !ok {
		return full, nil
	}
	end := length - 1
	if last != "" {
		e, ok := parseNonNegative(last)
		if !ok || e < start {
			return full, nil
		}
		end = min(e, length-1)
	}
	if start >= length {
		return Window{}, &UnsatisfiableError{Length: length}
	}
	return Window{Start: start, End: end, Total: length, Partial: true}, nil
}

// parseNonNegative parses a run of ASCII digits.
func parseNonNegative(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
