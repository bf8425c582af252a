package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/localmesh/orgateway/apierr"
	"github.com/localmesh/orgateway/repo"
)

type documentDTO struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Mtime    string `json:"mtime"`
}

func toDocumentDTO(d repo.Document) documentDTO {
	return documentDTO{
		Filename: d.Filename,
		Size:     d.Size,
		Mtime:    d.Mtime.UTC().Format(time.RFC3339),
	}
}

// UploadDocument stores a multipart file under the uploads root.
func (h *Handler) UploadDocument(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(h.cfg.MaxBodyBytes); err != nil {
		h.fail(w, r, apierr.New(apierr.BadRequest, "invalid multipart body"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		h.fail(w, r, apierr.New(apierr.MissingFilename, "upload is missing a file part"))
		return
	}
	defer file.Close()

	doc, err := h.repo.SaveDocument(header.Filename, file)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusCreated, toDocumentDTO(doc))
}

// ListDocuments returns the stored upload metadata.
func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := h.repo.ListDocuments()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]documentDTO, len(docs))
	for i, d := range docs {
		out[i] = toDocumentDTO(d)
	}
	h.respond(w, http.StatusOK, map[string]any{"documents": out})
}

// GetDocument streams a stored blob back as plain text.
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	data, _, err := h.repo.ReadDocument(chi.URLParam(r, "filename"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// DeleteDocument removes a stored blob.
func (h *Handler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.DeleteDocument(chi.URLParam(r, "filename")); err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, map[string]bool{"deleted": true})
}
