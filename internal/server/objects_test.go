package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/reelstore/reelstore/internal/blob"
	"github.com/reelstore/reelstore/internal/uid"
)

func TestPutGetObject(t *testing.T) {
	srv := newTestServer(t)

	rec := testRequest(t, srv, http.MethodPut, "/objects/clip", strings.NewReader("ABCDEFGHIJ"), map[string]string{
		"Content-Type":         "video/mp4",
		"X-Reel-Meta-Filename": "intro.mp4",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("PUT status = %d, body %s", rec.Code, rec.Body.String())
	}
	if loc := rec.Header().Get("Location"); loc != "/objects/clip" {
		t.Errorf("Location = %q, want /objects/clip", loc)
	}
	var res blob.UploadResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("PUT body unmarshal error: %v", err)
	}
	if res != (blob.UploadResult{ID: "clip", Length: 10, Chunks: 3}) {
		t.Errorf("PUT result = %+v", res)
	}

	rec = testRequest(t, srv, http.MethodGet, "/objects/clip", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Body.String(); got != "ABCDEFGHIJ" {
		t.Errorf("GET body = %q", got)
	}
	want := map[string]string{
		"Content-Type":         "video/mp4",
		"Content-Length":       "10",
		"Accept-Ranges":        "bytes",
		"X-Reel-Meta-Filename": "intro.mp4",
	}
	for k, v := range want {
		if got := rec.Header().Get(k); got != v {
			t.Errorf("GET header %s = %q, want %q", k, got, v)
		}
	}
	if rec.Header().Get("ETag") == "" || rec.Header().Get("Last-Modified") == "" {
		t.Error("GET response is missing ETag or Last-Modified")
	}
}

func TestPostObjectGeneratesID(t *testing.T) {
	srv := newTestServer(t)

	for _, path := range []string{"/objects", "/objects/"} {
		rec := testRequest(t, srv, http.MethodPost, path, strings.NewReader("data"), nil)
		if rec.Code != http.StatusCreated {
			t.Fatalf("POST %s status = %d, body %s", path, rec.Code, rec.Body.String())
		}
		var res blob.UploadResult
		if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
			t.Fatalf("POST body unmarshal error: %v", err)
		}
		if !uid.Valid(res.ID) {
			t.Errorf("POST generated id %q is not valid", res.ID)
		}

		rec = testRequest(t, srv, http.MethodGet, "/objects/"+res.ID, nil, nil)
		if rec.Body.String() != "data" {
			t.Errorf("GET of generated object = %q", rec.Body.String())
		}
		if ct := rec.Header().Get("Content-Type"); ct != "application/octet-stream" {
			t.Errorf("default Content-Type = %q", ct)
		}
	}
}

func TestGetObjectRange(t *testing.T) {
	srv := newTestServer(t)
	put(t, srv, "clip", "ABCDEFGHIJ")

	tests := []struct {
		rangeHeader  string
		status       int
		body         string
		contentRange string
	}{
		{"bytes=0-3", http.StatusPartialContent, "ABCD", "bytes 0-3/10"},
		{"bytes=3-8", http.StatusPartialContent, "DEFGHI", "bytes 3-8/10"},
		{"bytes=-2", http.StatusPartialContent, "IJ", "bytes 8-9/10"},
		{"bytes=6-", http.StatusPartialContent, "GHIJ", "bytes 6-9/10"},
		{"bytes=5-99", http.StatusPartialContent, "FGHIJ", "bytes 5-9/10"},
		{"bytes=5-2", http.StatusOK, "ABCDEFGHIJ", ""},
		{"bytes=0-1,3-4", http.StatusOK, "ABCDEFGHIJ", ""},
		{"bytes=10-", http.StatusRequestedRangeNotSatisfiable, "", "bytes */10"},
		{"bytes=-0", http.StatusRequestedRangeNotSatisfiable, "", "bytes */10"},
	}
	for _, tt := range tests {
		t.Run(tt.rangeHeader, func(t *testing.T) {
			rec := testRequest(t, srv, http.MethodGet, "/objects/clip", nil, map[string]string{"Range": tt.rangeHeader})
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if got := rec.Header().Get("Content-Range"); got != tt.contentRange {
				t.Errorf("Content-Range = %q, want %q", got, tt.contentRange)
			}
			if tt.status == http.StatusRequestedRangeNotSatisfiable {
				if body := decodeError(t, rec); body.Code != "RangeNotSatisfiable" {
					t.Errorf("error code = %q", body.Code)
				}
				return
			}
			if got := rec.Body.String(); got != tt.body {
				t.Errorf("body = %q, want %q", got, tt.body)
			}
		})
	}
}

func TestHeadObject(t *testing.T) {
	srv := newTestServer(t)
	put(t, srv, "clip", "ABCDEFGHIJ")

	rec := testRequest(t, srv, http.MethodHead, "/objects/clip", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("HEAD status = %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("HEAD returned a body of %d bytes", rec.Body.Len())
	}
	if got := rec.Header().Get("Content-Length"); got != "10" {
		t.Errorf("HEAD Content-Length = %q", got)
	}

	rec = testRequest(t, srv, http.MethodHead, "/objects/clip", nil, map[string]string{"Range": "bytes=2-3"})
	if rec.Code != http.StatusPartialContent || rec.Header().Get("Content-Range") != "bytes 2-3/10" {
		t.Errorf("HEAD range = %d %q", rec.Code, rec.Header().Get("Content-Range"))
	}

	rec = testRequest(t, srv, http.MethodHead, "/objects/missing", nil, nil)
	if rec.Code != http.StatusNotFound || rec.Body.Len() != 0 {
		t.Errorf("HEAD missing = %d with %d body bytes", rec.Code, rec.Body.Len())
	}
}

func TestConditionalGet(t *testing.T) {
	srv := newTestServer(t)
	put(t, srv, "clip", "ABCDEFGHIJ")

	rec := testRequest(t, srv, http.MethodGet, "/objects/clip", nil, nil)
	tag := rec.Header().Get("ETag")
	modified := rec.Header().Get("Last-Modified")

	tests := []struct {
		name    string
		headers map[string]string
		status  int
	}{
		{"IfNoneMatchHit", map[string]string{"If-None-Match": tag}, http.StatusNotModified},
		{"IfNoneMatchMiss", map[string]string{"If-None-Match": `"other"`}, http.StatusOK},
		{"IfMatchMiss", map[string]string{"If-Match": `"other"`}, http.StatusPreconditionFailed},
		{"IfMatchHit", map[string]string{"If-Match": tag}, http.StatusOK},
		{"IfModifiedSince", map[string]string{"If-Modified-Since": modified}, http.StatusNotModified},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := testRequest(t, srv, http.MethodGet, "/objects/clip", nil, tt.headers)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
		})
	}
}

func TestDeleteObject(t *testing.T) {
	srv := newTestServer(t)
	put(t, srv, "clip", "ABCDEFGHIJ")

	rec := testRequest(t, srv, http.MethodDelete, "/objects/clip", nil, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("DELETE status = %d", rec.Code)
	}

	rec = testRequest(t, srv, http.MethodGet, "/objects/clip", nil, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("GET after delete status = %d, want %d", rec.Code, http.StatusConflict)
	}
	if body := decodeError(t, rec); body.Code != "ObjectNotReadable" {
		t.Errorf("error code = %q", body.Code)
	}

	rec = testRequest(t, srv, http.MethodDelete, "/objects/missing", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("DELETE missing status = %d", rec.Code)
	}
}

func TestUploadErrors(t *testing.T) {
	srv := newTestServer(t)
	put(t, srv, "clip", "ABCDEFGHIJ")

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{"Duplicate", http.MethodPut, "/objects/clip", "x", http.StatusConflict, "AlreadyExists"},
		{"BadID", http.MethodPut, "/objects/bad%20id", "x", http.StatusBadRequest, "InvalidArgument"},
		{"TooLarge", http.MethodPut, "/objects/big", strings.Repeat("x", 65), http.StatusRequestEntityTooLarge, "PayloadTooLarge"},
		{"Missing", http.MethodGet, "/objects/missing", "", http.StatusNotFound, "NotFound"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := testRequest(t, srv, tt.method, tt.path, strings.NewReader(tt.body), nil)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.status, rec.Body.String())
			}
			body := decodeError(t, rec)
			if body.Code != tt.code {
				t.Errorf("code = %q, want %q", body.Code, tt.code)
			}
			if body.RequestID == "" {
				t.Error("error body has no request_id")
			}
		})
	}

	// A rejected Content-Length never creates a record.
	rec := testRequest(t, srv, http.MethodGet, "/objects/big", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET big status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}
