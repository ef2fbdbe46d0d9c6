package api

import (
	"errors"
	"fmt"
	"net/http"

	"videoflix/internal/catalog"
	"videoflix/internal/models"
	"videoflix/internal/storage"
)

const (
	uploadField     = "video_file"
	multipartMemory = 32 << 20
)

func (h *Handler) ListVideos(w http.ResponseWriter, r *http.Request) {
	assets, err := h.Catalog.List(r.Context())
	if err != nil {
		h.logger(r).Error("failed to list videos", "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Errorf("list videos failed"))
		return
	}
	if assets == nil {
		assets = []models.Asset{}
	}
	writeJSON(w, http.StatusOK, assets)
}

func (h *Handler) GetVideo(w http.ResponseWriter, r *http.Request) {
	id, err := assetIDParam(r)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	asset, err := h.Catalog.Get(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, r, id, err)
		return
	}
	writeJSON(w, http.StatusOK, asset)
}

// CreateVideo accepts a multipart form with title, description, category and
// an optional video_file part.
func (h *Handler) CreateVideo(w http.ResponseWriter, r *http.Request) {
	upload, cleanup, ok := h.parseUpload(w, r)
	if !ok {
		return
	}
	defer cleanup()

	params := catalog.CreateParams{
		Title:       r.FormValue("title"),
		Description: r.FormValue("description"),
		Category:    r.FormValue("category"),
		Upload:      upload,
	}
	asset, err := h.Catalog.Create(r.Context(), params)
	if err != nil {
		if errors.Is(err, catalog.ErrInvalidUpload) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		h.logger(r).Error("failed to create video", "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Errorf("create video failed"))
		return
	}
	h.logger(r).Info("video uploaded", "asset_id", asset.ID, "subject", subject(r))
	writeJSON(w, http.StatusCreated, asset)
}

// ReplaceVideoSource swaps the source file of an existing video.
func (h *Handler) ReplaceVideoSource(w http.ResponseWriter, r *http.Request) {
	id, err := assetIDParam(r)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	upload, cleanup, ok := h.parseUpload(w, r)
	if !ok {
		return
	}
	defer cleanup()
	if upload == nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%s is required", uploadField))
		return
	}

	asset, err := h.Catalog.ReplaceSource(r.Context(), id, *upload)
	if err != nil {
		if errors.Is(err, catalog.ErrInvalidUpload) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		h.writeStoreError(w, r, id, err)
		return
	}
	h.logger(r).Info("video source replaced", "asset_id", id, "subject", subject(r))
	writeJSON(w, http.StatusOK, asset)
}

func (h *Handler) DeleteVideo(w http.ResponseWriter, r *http.Request) {
	id, err := assetIDParam(r)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	report, err := h.Catalog.Delete(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, r, id, err)
		return
	}
	h.logger(r).Info("video deleted",
		"asset_id", id,
		"subject", subject(r),
		"files_failed", len(report.Failed),
	)
	w.WriteHeader(http.StatusNoContent)
}

// parseUpload reads the multipart body. The returned upload is nil when the
// form has no video_file part. ok is false once an error was written.
func (h *Handler) parseUpload(w http.ResponseWriter, r *http.Request) (*catalog.Upload, func(), bool) {
	limit := h.MaxUploadBytes
	if limit <= 0 {
		limit = DefaultMaxUploadBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("upload exceeds %d bytes", limit))
			return nil, nil, false
		}
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid multipart payload"))
		return nil, nil, false
	}
	cleanup := func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}

	file, header, err := r.FormFile(uploadField)
	switch {
	case errors.Is(err, http.ErrMissingFile):
		return nil, cleanup, true
	case err != nil:
		cleanup()
		writeError(w, http.StatusBadRequest, fmt.Errorf("read %s: %w", uploadField, err))
		return nil, nil, false
	}
	release := func() {
		file.Close()
		cleanup()
	}
	return &catalog.Upload{Filename: header.Filename, Content: file}, release, true
}

func (h *Handler) writeStoreError(w http.ResponseWriter, r *http.Request, id int64, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Errorf("video %d not found", id))
		return
	}
	h.logger(r).Error("video request failed", "asset_id", id, "error", err)
	writeError(w, http.StatusInternalServerError, fmt.Errorf("request failed"))
}
