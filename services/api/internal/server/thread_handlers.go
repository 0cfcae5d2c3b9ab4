package server

import (
	"net/http"
	"strings"

	"plexus/pkg/domain"
	"plexus/services/api/internal/app"
)

type createThreadRequest struct {
	ThreadID string `json:"threadId" validate:"required,max=128"`
	Title    string `json:"title" validate:"omitempty,max=500"`
}

type chatRequest struct {
	ThreadID string   `json:"threadId" validate:"required,max=128"`
	Message  string   `json:"message" validate:"required,max=10000"`
	FileIDs  []string `json:"fileIds" validate:"omitempty,max=5,dive,max=64"`
}

func (s *Server) handleThreads(w http.ResponseWriter, r *http.Request, c caller) {
	if !s.allowRate(w, r, s.apiLimiter, s.clientIP(r), "Too many requests, please try again later") {
		return
	}
	switch r.Method {
	case http.MethodGet:
		threads, err := s.app.ListThreads(r.Context(), c.ownerID())
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		if threads == nil {
			threads = []domain.Thread{}
		}
		writeJSON(w, http.StatusOK, threads)
	case http.MethodPost:
		var req createThreadRequest
		if !decodeJSON(w, r, &req, false) {
			return
		}
		thread, err := s.app.CreateThread(r.Context(), c.ownerID(), req.ThreadID, req.Title)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, thread)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleThreadByID(w http.ResponseWriter, r *http.Request, c caller) {
	threadID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/thread/"), "/")
	if threadID == "" || strings.Contains(threadID, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if !s.allowRate(w, r, s.apiLimiter, s.clientIP(r), "Too many requests, please try again later") {
		return
	}
	switch r.Method {
	case http.MethodGet:
		thread, err := s.app.GetThread(r.Context(), c.ownerID(), threadID)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		msgs := thread.Messages
		if msgs == nil {
			msgs = []domain.Message{}
		}
		writeJSON(w, http.StatusOK, msgs)
	case http.MethodDelete:
		if err := s.app.DeleteThread(r.Context(), c.ownerID(), threadID); err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "Thread deleted successfully"})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, c caller) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.apiLimiter, s.clientIP(r), "Too many requests, please try again later") {
		return
	}
	var req chatRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	reply, err := s.app.Chat(r.Context(), c.ownerID(), app.ChatInput{
		ThreadID: req.ThreadID,
		Message:  req.Message,
		FileIDs:  req.FileIDs,
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}
