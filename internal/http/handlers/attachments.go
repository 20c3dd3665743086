package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/Qwaper/BigD-Gram/internal/attachment"
	"github.com/Qwaper/BigD-Gram/internal/middleware"
)

// AttachmentHandler accepts image uploads and serves them back.
type AttachmentHandler struct {
	store    *attachment.DiskStore
	maxBytes int64
	baseURL  string
}

func NewAttachmentHandler(store *attachment.DiskStore, maxBytes int64, publicBaseURL string) *AttachmentHandler {
	return &AttachmentHandler{store: store, maxBytes: maxBytes, baseURL: publicBaseURL}
}

type uploadResponse struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
}

// HandleUpload handles POST /v1/attachments (protected, multipart field "file")
func (h *AttachmentHandler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	// Room for the multipart envelope around the file.
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+64<<10)

	mr, err := r.MultipartReader()
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "multipart body required")
		return
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			respondWithError(w, http.StatusBadRequest, "file field is required")
			return
		}
		if err != nil {
			h.readFailed(w, err)
			return
		}
		if part.FormName() != "file" {
			_ = part.Close()
			continue
		}

		owner := userID.String()
		name, contentType, err := h.store.Save(owner, part)
		_ = part.Close()
		switch {
		case errors.Is(err, attachment.ErrNotImage):
			respondWithError(w, http.StatusUnsupportedMediaType, "only images can be attached")
			return
		case errors.Is(err, attachment.ErrTooLarge):
			respondWithError(w, http.StatusRequestEntityTooLarge, "attachment too large")
			return
		case err != nil:
			h.readFailed(w, err)
			return
		}

		log.Info().Str("user_id", owner).Str("name", name).Str("content_type", contentType).Msg("attachment stored")
		respondJSON(w, http.StatusCreated, uploadResponse{
			URL:         h.publicBase(r) + "/v1/attachments/" + owner + "/" + name,
			ContentType: contentType,
		})
		return
	}
}

// publicBase falls back to the request host when no public base URL is configured.
func (h *AttachmentHandler) publicBase(r *http.Request) string {
	if h.baseURL != "" {
		return h.baseURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func (h *AttachmentHandler) readFailed(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		respondWithError(w, http.StatusRequestEntityTooLarge, "attachment too large")
		return
	}
	log.Error().Err(err).Msg("attachment upload failed")
	respondWithError(w, http.StatusInternalServerError, "failed to store attachment")
}

// HandleDownload handles GET /v1/attachments/{owner}/{name}
func (h *AttachmentHandler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	f, contentType, err := h.store.Open(chi.URLParam(r, "owner"), chi.URLParam(r, "name"))
	if err != nil {
		if errors.Is(err, attachment.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, "attachment not found")
			return
		}
		log.Error().Err(err).Msg("open attachment failed")
		respondWithError(w, http.StatusInternalServerError, "failed to read attachment")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "failed to read attachment")
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}
