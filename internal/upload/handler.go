package upload

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Handler serves the resumable upload wire protocol over a Manager. It is a
// plain http.Handler so it mounts under any router.
type Handler struct {
	manager *Manager
	logger  *zap.Logger
}

// NewHandler wraps a manager.
func NewHandler(m *Manager, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{manager: m, logger: logger}
}

// ServeHTTP routes POST (create), GET (list/status), HEAD (probe),
// PATCH (append) and DELETE (cancel).
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r.URL.Path)

	switch {
	case r.Method == http.MethodPost && id == "":
		h.create(w, r)
	case r.Method == http.MethodGet && id == "":
		h.list(w)
	case r.Method == http.MethodGet:
		h.status(w, id)
	case r.Method == http.MethodHead:
		h.probe(w, id)
	case r.Method == http.MethodPatch:
		h.append(w, r, id)
	case r.Method == http.MethodDelete:
		h.cancel(w, id)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// sessionID extracts the trailing path segment after the mount point.
func sessionID(path string) string {
	path = strings.TrimSuffix(path, "/")
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return ""
	}
	seg := path[i+1:]
	if seg == "tus" {
		return ""
	}
	return seg
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	length, err := strconv.ParseInt(r.Header.Get(HeaderUploadLength), 10, 64)
	if err != nil || length <= 0 {
		http.Error(w, "missing or invalid Upload-Length", http.StatusBadRequest)
		return
	}

	metadata := parseMetadata(r.Header.Get("Upload-Metadata"))
	s, err := h.manager.Create(length, metadata)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Location", s.URL)
	w.Header().Set(HeaderUploadOffset, "0")
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) list(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": h.manager.List()})
}

func (h *Handler) status(w http.ResponseWriter, id string) {
	s, err := h.manager.Get(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) probe(w http.ResponseWriter, id string) {
	s, err := h.manager.Get(id)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set(HeaderUploadOffset, strconv.FormatInt(s.Offset, 10))
	w.Header().Set(HeaderUploadLength, strconv.FormatInt(s.TotalSize, 10))
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) append(w http.ResponseWriter, r *http.Request, id string) {
	if ct := r.Header.Get("Content-Type"); ct != OffsetContentType {
		http.Error(w, "unsupported content type", http.StatusUnsupportedMediaType)
		return
	}
	offset, err := strconv.ParseInt(r.Header.Get(HeaderUploadOffset), 10, 64)
	if err != nil || offset < 0 {
		http.Error(w, "missing or invalid Upload-Offset", http.StatusBadRequest)
		return
	}
	if r.ContentLength < 0 {
		http.Error(w, "missing Content-Length", http.StatusBadRequest)
		return
	}

	s, err := h.manager.Append(id, offset, r.Body, r.ContentLength)
	if err != nil {
		var mismatch *ErrOffsetMismatch
		switch {
		case errors.As(err, &mismatch):
			w.Header().Set(HeaderUploadOffset, strconv.FormatInt(mismatch.Expected, 10))
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, ErrSessionNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		default:
			h.logger.Error("upload append failed", zap.String("session_id", id), zap.Error(err))
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set(HeaderUploadOffset, strconv.FormatInt(s.Offset, 10))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) cancel(w http.ResponseWriter, id string) {
	if err := h.manager.Cancel(id); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// parseMetadata decodes "key value,key value" pairs.
func parseMetadata(header string) map[string]string {
	if header == "" {
		return nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(header, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), " ", 2)
		if len(parts) == 2 {
			out[parts[0]] = parts[1]
		} else if parts[0] != "" {
			out[parts[0]] = ""
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
