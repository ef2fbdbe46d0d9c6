package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"videoflix/internal/models"
	"videoflix/internal/playback"
)

const (
	playlistContentType = "application/vnd.apple.mpegurl"
	segmentContentType  = "video/MP2T"
)

// Playlist streams hls/{id}/{resolution}/index.m3u8.
func (h *Handler) Playlist(w http.ResponseWriter, r *http.Request) {
	id, res, ok := playbackParams(w, r)
	if !ok {
		return
	}
	file, err := h.Playback.Playlist(r.Context(), id, res)
	h.serveFile(w, r, file, err, playlistContentType)
}

// Segment streams one .ts file of a tier.
func (h *Handler) Segment(w http.ResponseWriter, r *http.Request) {
	id, res, ok := playbackParams(w, r)
	if !ok {
		return
	}
	file, err := h.Playback.Segment(r.Context(), id, res, chi.URLParam(r, "segment"))
	h.serveFile(w, r, file, err, segmentContentType)
}

func playbackParams(w http.ResponseWriter, r *http.Request) (int64, models.Resolution, bool) {
	id, err := assetIDParam(r)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return 0, 0, false
	}
	res, err := models.ParseResolution(chi.URLParam(r, "resolution"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return 0, 0, false
	}
	return id, res, true
}

func (h *Handler) serveFile(w http.ResponseWriter, r *http.Request, file *playback.File, err error, contentType string) {
	if err != nil {
		if errors.Is(err, playback.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Errorf("media not found"))
			return
		}
		if r.Context().Err() != nil {
			return
		}
		h.logger(r).Error("failed to open media", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Errorf("media unavailable"))
		return
	}
	defer file.Close()
	w.Header().Set("Content-Type", contentType)
	http.ServeContent(w, r, file.Name, file.ModTime, file)
}
