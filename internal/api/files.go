package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"path"

	"github.com/fenneclabs/fennec-core/internal/device"
	"github.com/fenneclabs/fennec-core/internal/filebrowser"
)

// FileListResponse is a directory listing of the attached unit.
type FileListResponse struct {
	Path    string            `json:"path"`
	Entries []device.FileInfo `json:"entries"`
}

type makeDirectoryRequest struct {
	Path string `json:"path"`
}

type renameRequest struct {
	OldPath string `json:"old_path"`
	NewPath string `json:"new_path"`
}

type removeRequest struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive"`
}

// writeFileError translates storage errors into HTTP status codes.
func (s *Server) writeFileError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, filebrowser.ErrNoDevice):
		writeConflict(w, "no device attached")
	case errors.Is(err, filebrowser.ErrOutsideStorage):
		writeBadRequest(w, "path is outside device storage")
	case errors.Is(err, fs.ErrNotExist):
		writeNotFound(w, "path not found")
	case errors.Is(err, device.ErrRecovery):
		writeConflict(w, "device is in recovery mode")
	case errors.Is(err, device.ErrBusy):
		writeConflict(w, "an operation is already running")
	case errors.Is(err, device.ErrClosed):
		writeConflict(w, "device connection lost")
	default:
		s.logger.Error("file operation failed", "error", err)
		writeInternalError(w, err.Error())
	}
}

// handleListFiles lists a directory of the attached unit. With a path
// query parameter the browser navigates there first; without one it
// lists wherever the browser currently is.
func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	if s.browser == nil {
		writeUnavailable(w, "file browser is not configured")
		return
	}

	if p := r.URL.Query().Get("path"); p != "" {
		if err := s.browser.SetPath(p); err != nil {
			s.writeFileError(w, err)
			return
		}
	}

	entries, err := s.browser.List(r.Context())
	if err != nil {
		s.writeFileError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FileListResponse{
		Path:    s.browser.CurrentPath(),
		Entries: entries,
	})
}

func (s *Server) handleDownloadFile(w http.ResponseWriter, r *http.Request) {
	if s.browser == nil {
		writeUnavailable(w, "file browser is not configured")
		return
	}

	p := r.URL.Query().Get("path")
	if p == "" {
		writeBadRequest(w, "path is required")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(p)))
	if err := s.browser.Download(r.Context(), p, w); err != nil {
		// Headers may already be out; the body mid-stream cannot carry
		// a JSON error any more, so log and cut the connection.
		s.logger.Error("file download failed", "path", p, "error", err)
	}
}

func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	if s.browser == nil {
		writeUnavailable(w, "file browser is not configured")
		return
	}

	p := r.URL.Query().Get("path")
	if p == "" {
		writeBadRequest(w, "path is required")
		return
	}
	if r.ContentLength < 0 {
		writeBadRequest(w, "upload requires a known Content-Length")
		return
	}

	if err := s.browser.Upload(r.Context(), p, r.Body, r.ContentLength); err != nil {
		s.writeFileError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMakeDirectory(w http.ResponseWriter, r *http.Request) {
	if s.browser == nil {
		writeUnavailable(w, "file browser is not configured")
		return
	}

	var req makeDirectoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Path == "" {
		writeBadRequest(w, "path is required")
		return
	}

	if err := s.browser.MakeDirectory(r.Context(), req.Path); err != nil {
		s.writeFileError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRenameFile(w http.ResponseWriter, r *http.Request) {
	if s.browser == nil {
		writeUnavailable(w, "file browser is not configured")
		return
	}

	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.OldPath == "" || req.NewPath == "" {
		writeBadRequest(w, "old_path and new_path are required")
		return
	}

	if err := s.browser.Rename(r.Context(), req.OldPath, req.NewPath); err != nil {
		s.writeFileError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRemoveFile(w http.ResponseWriter, r *http.Request) {
	if s.browser == nil {
		writeUnavailable(w, "file browser is not configured")
		return
	}

	var req removeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Path == "" {
		writeBadRequest(w, "path is required")
		return
	}

	if err := s.browser.Remove(r.Context(), req.Path, req.Recursive); err != nil {
		s.writeFileError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
