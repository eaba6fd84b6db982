// Package handlers implements the HTTP handlers for ReelStore's object API.
package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/reelstore/reelstore/internal/blob"
	reelerr "github.com/reelstore/reelstore/internal/errors"
	"github.com/reelstore/reelstore/internal/logging"
)

// ObjectHandler serves upload, read, and delete requests for objects.
type ObjectHandler struct {
	store  *blob.Store
	logger *slog.Logger
}

// NewObjectHandler creates an ObjectHandler backed by store.
func NewObjectHandler(store *blob.Store) *ObjectHandler {
	return &ObjectHandler{
		store:  store,
		logger: logging.Component("http"),
	}
}

// PutObject handles PUT /objects/{id}: an upload under a caller-chosen id.
func (h *ObjectHandler) PutObject(w http.ResponseWriter, r *http.Request) {
	h.upload(w, r, chi.URLParam(r, "id"))
}

// PostObject handles POST /objects: an upload under a generated id.
func (h *ObjectHandler) PostObject(w http.ResponseWriter, r *http.Request) {
	h.upload(w, r, "")
}

// upload streams the request body into the store. The response is sent only
// after the object is committed.
func (h *ObjectHandler) upload(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method == http.MethodPut && id == "" {
		WriteError(w, r, reelerr.ErrInvalidArgument.WithMessage("object id is required"))
		return
	}
	if limit := h.store.MaxObjectSize(); limit > 0 && r.ContentLength > limit {
		WriteError(w, r, reelerr.ErrPayloadTooLarge.WithMessage("content length %d exceeds the %d byte limit", r.ContentLength, limit))
		return
	}

	res, err := h.store.Upload(r.Context(), blob.UploadRequest{
		ID:             id,
		ContentType:    r.Header.Get("Content-Type"),
		Attributes:     extractAttributes(r.Header),
		Body:           r.Body,
		DeclaredLength: r.ContentLength,
	})
	if err != nil {
		WriteError(w, r, err)
		return
	}

	w.Header().Set("Location", "/objects/"+res.ID)
	writeJSON(w, http.StatusCreated, res)
}

// GetObject handles GET /objects/{id}, honoring a single-range Range header
// and conditional request headers.
func (h *ObjectHandler) GetObject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	res, err := h.store.Read(r.Context(), id, r.Header.Get("Range"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	defer res.Body.Close()

	setObjectHeaders(w.Header(), res.Record)
	if status, skip := checkConditionalHeaders(r, res.Record); skip {
		w.WriteHeader(status)
		return
	}
	res.Window.Apply(w.Header())
	w.WriteHeader(res.Window.Status())

	n, err := io.Copy(w, res.Body)
	if err != nil && !errors.Is(err, r.Context().Err()) {
		// Headers are gone; the client sees a short body.
		h.logger.Warn("streaming object", "id", id, "written", n, "want", res.Window.Len(), "error", err)
	}
}

// HeadObject handles HEAD /objects/{id}. It sends the headers GetObject
// would send, without opening the object's chunks.
func (h *ObjectHandler) HeadObject(w http.ResponseWriter, r *http.Request) {
	rec, window, err := h.store.Head(r.Context(), chi.URLParam(r, "id"), r.Header.Get("Range"))
	if err != nil {
		WriteError(w, r, err)
		return
	}

	setObjectHeaders(w.Header(), rec)
	if status, skip := checkConditionalHeaders(r, rec); skip {
		w.WriteHeader(status)
		return
	}
	window.Apply(w.Header())
	w.WriteHeader(window.Status())
}

// DeleteObject handles DELETE /objects/{id}.
func (h *ObjectHandler) DeleteObject(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
