package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/reelstore/reelstore/internal/byterange"
	reelerr "github.com/reelstore/reelstore/internal/errors"
	"github.com/reelstore/reelstore/internal/metadata"
)

// AttributeHeaderPrefix marks request and response headers that carry
// object attributes.
const AttributeHeaderPrefix = "X-Reel-Meta-"

// ErrorBody is the JSON body of every error response.
type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// WriteError maps err onto its HTTP status and writes a JSON error body.
// Errors that are not a *StoreError are reported as internal errors without
// exposing their text.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	se := reelerr.As(err)
	var unsat *byterange.UnsatisfiableError
	if errors.As(err, &unsat) {
		unsat.Apply(w.Header())
		se = reelerr.ErrRangeNotSatisfiable
	}
	if se == nil {
		se = reelerr.ErrInternal
	}
	if se.HTTPStatus >= http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}

	body := ErrorBody{
		Code:      se.Code,
		Message:   se.Message,
		RequestID: middleware.GetReqID(r.Context()),
	}
	if r.Method == http.MethodHead {
		w.WriteHeader(se.HTTPStatus)
		return
	}
	writeJSON(w, se.HTTPStatus, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("writing JSON response", "error", err)
	}
}

// extractAttributes collects X-Reel-Meta-* headers into an attribute map.
// The prefix is stripped and the key is lowercased.
func extractAttributes(h http.Header) map[string]string {
	attrs := make(map[string]string)
	for key, values := range h {
		if !strings.HasPrefix(key, AttributeHeaderPrefix) {
			continue
		}
		name := strings.ToLower(key[len(AttributeHeaderPrefix):])
		if name != "" && len(values) > 0 {
			attrs[name] = values[0]
		}
	}
	if len(attrs) == 0 {
		return nil
	}
	return attrs
}

// etag identifies one incarnation of an object. Objects are immutable, so
// the creation time tells apart uploads that reuse a purged id.
func etag(rec *metadata.ObjectRecord) string {
	return `"` + strconv.FormatInt(rec.CreatedAt.UnixMilli(), 36) + "-" + strconv.FormatInt(rec.Length, 36) + `"`
}

// setObjectHeaders sets the headers shared by GET and HEAD responses.
func setObjectHeaders(h http.Header, rec *metadata.ObjectRecord) {
	h.Set("Content-Type", rec.ContentType)
	h.Set("ETag", etag(rec))
	h.Set("Last-Modified", rec.UpdatedAt.UTC().Format(http.TimeFormat))
	for name, value := range rec.Attributes {
		h.Set(AttributeHeaderPrefix+name, value)
	}
}

// checkConditionalHeaders evaluates If-Match, If-Unmodified-Since,
// If-None-Match and If-Modified-Since in that order. It returns the status to
// answer with and true when the request should not get a body.
func checkConditionalHeaders(r *http.Request, rec *metadata.ObjectRecord) (int, bool) {
	tag := strings.Trim(etag(rec), `"`)
	modified := rec.UpdatedAt.Truncate(time.Second)

	ifMatch := r.Header.Get("If-Match")
	if ifMatch != "" && !matchETag(ifMatch, tag) {
		return http.StatusPreconditionFailed, true
	}
	if ifMatch == "" {
		if t, err := http.ParseTime(r.Header.Get("If-Unmodified-Since")); err == nil && modified.After(t) {
			return http.StatusPreconditionFailed, true
		}
	}

	ifNoneMatch := r.Header.Get("If-None-Match")
	if ifNoneMatch != "" && matchETag(ifNoneMatch, tag) {
		return http.StatusNotModified, true
	}
	if ifNoneMatch == "" {
		if t, err := http.ParseTime(r.Header.Get("If-Modified-Since")); err == nil && !modified.After(t) {
			return http.StatusNotModified, true
		}
	}
	return 0, false
}

// matchETag reports whether a comma-separated If-Match style list names tag.
func matchETag(list, tag string) bool {
	if strings.TrimSpace(list) == "*" {
		return true
	}
	for _, candidate := range strings.Split(list, ",") {
		candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
		if strings.Trim(candidate, `"`) == tag {
			return true
		}
	}
	return false
}
