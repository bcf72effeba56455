package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/hyperjump/douki/internal/backend"
	"github.com/hyperjump/douki/internal/chat"
	"github.com/hyperjump/douki/internal/gateway"
	"github.com/hyperjump/douki/internal/store"
	"go.uber.org/zap"
)

func (s *Server) handleListAssets(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":      "success",
		"data":        s.store.Assets(),
		"selected_id": s.store.SelectedID(),
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	f, hdr, err := r.FormFile("file")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "multipart field 'file' is required")
		return
	}
	defer f.Close()
	s.logger.Debug("upload request", zap.String("filename", hdr.Filename))
	id, err := s.gateway.Upload(r.Context(), hdr.Filename, f)
	if err != nil {
		s.respondIntentError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]string{"asset_id": id, "status": "registered"})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if err := s.gateway.SyncAll(r.Context()); err != nil {
		s.respondIntentError(w, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleSelectAsset(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.gateway.SelectAsset(r.Context(), id); err != nil {
		s.respondIntentError(w, err)
		return
	}
	a, ok := s.store.Asset(id)
	if !ok {
		s.respondError(w, http.StatusNotFound, "asset not found")
		return
	}
	s.respondJSON(w, http.StatusOK, a)
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"data":   s.store.Chats(),
	})
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, ok := s.store.Chat(id)
	if !ok {
		s.respondError(w, http.StatusNotFound, "chat not found")
		return
	}
	s.respondJSON(w, http.StatusOK, c)
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	id, err := s.gateway.CreateChat(r.Context())
	if err != nil {
		s.respondIntentError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]string{"chat_id": id})
}

type sendMessageRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		s.respondError(w, http.StatusBadRequest, "message is required")
		return
	}
	s.logger.Debug("send message request", zap.String("chat_id", id))
	if err := s.gateway.SendMessage(id, req.Message); err != nil {
		s.respondIntentError(w, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]string{"chat_id": id, "status": "streaming"})
}

func (s *Server) handleJump(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid evidence index")
		return
	}
	if err := s.gateway.JumpToEvidence(r.Context(), id, index); err != nil {
		s.respondIntentError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleEvents streams store changes as server-sent events until the client
// disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	id, ch := s.hub.subscribe()
	defer s.hub.unsubscribe(id)
	for {
		select {
		case <-r.Context().Done():
			return
		case data := <-ch:
			if _, err := w.Write([]byte("data: ")); err != nil {
				return
			}
			if _, err := w.Write(data); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWatchDirectoriesList(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"directories": s.watch.Directories()})
}

type watchAddRequest struct {
	Path           string `json:"path"`
	UploadExisting *bool  `json:"upload_existing,omitempty"`
}

func (s *Server) handleWatchDirectoriesAdd(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	var req watchAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required")
		return
	}
	abs, err := filepath.Abs(req.Path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			s.respondError(w, http.StatusNotFound, "directory not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !info.IsDir() {
		s.respondError(w, http.StatusBadRequest, "path is not a directory")
		return
	}
	uploadExisting := true
	if req.UploadExisting != nil {
		uploadExisting = *req.UploadExisting
	}
	s.logger.Debug("watch add directory request", zap.String("path", abs), zap.Bool("upload_existing", uploadExisting))
	if err := s.watch.AddDirectory(r.Context(), abs, uploadExisting); err != nil {
		s.logger.Error("watch add directory failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]string{"path": abs, "status": "added"})
}

func (s *Server) handleWatchDirectoriesRemove(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		var body struct {
			Path string `json:"path"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil && body.Path != "" {
			path = body.Path
		}
	}
	if path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required (query or body)")
		return
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	s.logger.Debug("watch remove directory request", zap.String("path", abs))
	if err := s.watch.RemoveDirectory(abs); err != nil {
		s.logger.Error("watch remove directory failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"path": abs, "status": "removed"})
}

// respondIntentError maps gateway and store errors onto HTTP statuses:
// guard rejections are 409, unknown entities 404, everything else 500.
func (s *Server) respondIntentError(w http.ResponseWriter, err error) {
	var rej *backend.RejectionError
	switch {
	case errors.As(err, &rej):
		s.respondError(w, http.StatusConflict, rej.Message)
	case errors.Is(err, gateway.ErrUploadInFlight),
		errors.Is(err, chat.ErrGenerationInFlight),
		errors.Is(err, store.ErrOpenMessage):
		s.respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrUnknownAsset),
		errors.Is(err, store.ErrUnknownChat),
		errors.Is(err, gateway.ErrEvidenceUnresolvable):
		s.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, gateway.ErrEvidenceOutOfRange):
		s.respondError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("intent failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
