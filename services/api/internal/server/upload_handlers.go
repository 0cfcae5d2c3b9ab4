package server

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"plexus/internal/security"
	"plexus/pkg/domain"
	"plexus/services/api/internal/app"
)

const multipartMemory = 32 << 20

type uploadSummary struct {
	ID           string    `json:"id"`
	Filename     string    `json:"filename"`
	OriginalName string    `json:"originalName"`
	MIMEType     string    `json:"mimeType"`
	Size         int64     `json:"size"`
	UploadedAt   time.Time `json:"uploadedAt"`
}

type uploadDetail struct {
	uploadSummary
	ThreadID      string              `json:"threadId"`
	Metadata      domain.FileMetadata `json:"metadata"`
	ExtractedText string              `json:"extractedText,omitempty"`
}

func summaryOf(u domain.Upload) uploadSummary {
	return uploadSummary{
		ID:           u.ID,
		Filename:     u.Filename,
		OriginalName: u.OriginalName,
		MIMEType:     u.MIMEType,
		Size:         u.Size,
		UploadedAt:   u.UploadedAt,
	}
}

func detailOf(u domain.Upload) uploadDetail {
	return uploadDetail{
		uploadSummary: summaryOf(u),
		ThreadID:      u.ThreadID,
		Metadata:      u.Metadata,
		ExtractedText: u.ExtractedText,
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, c caller) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.uploadLimiter, uploadRateKey(s.clientIP(r), c), "Too many uploads, please try again later") {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, app.MaxUploadBody)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeAppError(w, r, app.ErrFileTooLarge)
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	headers := r.MultipartForm.File["files"]
	if len(headers) > app.MaxFiles {
		s.writeAppError(w, r, app.ErrTooManyFiles)
		return
	}
	files := make([]app.FileInput, 0, len(headers))
	for _, fh := range headers {
		if fh.Size > app.MaxFileSize {
			s.writeAppError(w, r, app.ErrFileTooLarge)
			return
		}
		f, err := fh.Open()
		if err != nil {
			writeError(w, http.StatusBadRequest, "unable to read file")
			return
		}
		data, err := io.ReadAll(io.LimitReader(f, app.MaxFileSize+1))
		_ = f.Close()
		if err != nil {
			writeError(w, http.StatusBadRequest, "unable to read file")
			return
		}
		files = append(files, app.FileInput{
			Filename: fh.Filename,
			MIMEType: fh.Header.Get("Content-Type"),
			Data:     data,
		})
	}

	uploads, err := s.app.Upload(r.Context(), c.ownerID(), app.UploadInput{
		ThreadID: r.FormValue("threadId"),
		Message:  r.FormValue("message"),
		Files:    files,
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	out := make([]uploadSummary, 0, len(uploads))
	for _, u := range uploads {
		out = append(out, summaryOf(u))
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"message": "Successfully uploaded " + strconv.Itoa(len(out)) + " file(s)",
		"files":   out,
	})
}

// uploadRateKey counts authenticated uploads per user and anonymous ones per
// address.
func uploadRateKey(ip string, c caller) string {
	if c.authenticated {
		return "user:" + c.user.ID
	}
	return "ip:" + ip
}

// handleUploadByID serves /api/upload/{id}[/download|/base64|/test-extraction]
// and /api/upload/thread/{threadId}.
func (s *Server) handleUploadByID(w http.ResponseWriter, r *http.Request, c caller) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/upload/"), "/")
	parts := strings.Split(rest, "/")
	if rest == "" || len(parts) > 2 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if parts[0] == "thread" {
		if len(parts) != 2 {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		s.handleThreadUploads(w, r, c, parts[1])
		return
	}
	id := parts[0]
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}
	switch action {
	case "":
		switch r.Method {
		case http.MethodGet:
			s.handleGetUpload(w, r, c, id)
		case http.MethodDelete:
			s.handleDeleteUpload(w, r, c, id)
		default:
			methodNotAllowed(w)
		}
	case "download":
		s.onlyGet(w, r, func() { s.handleDownload(w, r, c, id) })
	case "base64":
		s.onlyGet(w, r, func() { s.handleBase64(w, r, c, id) })
	case "test-extraction":
		s.onlyGet(w, r, func() { s.handleTestExtraction(w, r, c, id) })
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) onlyGet(w http.ResponseWriter, r *http.Request, next func()) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	next()
}

func (s *Server) handleThreadUploads(w http.ResponseWriter, r *http.Request, c caller, threadID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	uploads, err := s.app.ListThreadUploads(r.Context(), c.ownerID(), threadID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	out := make([]uploadDetail, 0, len(uploads))
	for _, u := range uploads {
		d := detailOf(u)
		d.ExtractedText = ""
		out = append(out, d)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"threadId": threadID,
		"count":    len(out),
		"files":    out,
	})
}

func (s *Server) handleGetUpload(w http.ResponseWriter, r *http.Request, c caller, id string) {
	up, err := s.app.GetUpload(r.Context(), c.ownerID(), id)
	if err != nil {
		s.uploadError(w, r, id, err)
		return
	}
	writeJSON(w, http.StatusOK, detailOf(up))
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, c caller, id string) {
	up, rc, err := s.app.OpenUpload(r.Context(), c.ownerID(), id)
	if err != nil {
		s.uploadError(w, r, id, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", up.MIMEType)
	w.Header().Set("Content-Length", strconv.FormatInt(up.Size, 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": up.OriginalName}))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.logError(r, "stream upload", err)
	}
}

func (s *Server) handleBase64(w http.ResponseWriter, r *http.Request, c caller, id string) {
	up, encoded, err := s.app.UploadBase64(r.Context(), c.ownerID(), id)
	if err != nil {
		s.uploadError(w, r, id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"id":       up.ID,
		"base64":   encoded,
		"mimeType": up.MIMEType,
	})
}

func (s *Server) handleTestExtraction(w http.ResponseWriter, r *http.Request, c caller, id string) {
	preview, err := s.app.TestExtraction(r.Context(), c.ownerID(), id)
	if err != nil {
		s.uploadError(w, r, id, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func (s *Server) handleDeleteUpload(w http.ResponseWriter, r *http.Request, c caller, id string) {
	if err := s.app.DeleteUpload(r.Context(), c.ownerID(), id); err != nil {
		s.uploadError(w, r, id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "File deleted successfully",
	})
}

// uploadError audits ownership rejections before writing the error.
func (s *Server) uploadError(w http.ResponseWriter, r *http.Request, id string, err error) {
	if errors.Is(err, app.ErrUploadForbidden) {
		s.audit(r, "upload.access", security.OutcomeRejected, "upload_id", id)
	}
	s.writeAppError(w, r, err)
}
