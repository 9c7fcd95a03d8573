package server

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/michaelscutari/rclone-hub/internal/entry"
	"github.com/michaelscutari/rclone-hub/internal/job"
	"github.com/michaelscutari/rclone-hub/internal/scan"
	"github.com/michaelscutari/rclone-hub/internal/store"
)

type healthResponse struct {
	OK              bool   `json:"ok"`
	RcloneAvailable bool   `json:"rclone_available"`
	RcloneVersion   string `json:"rclone_version,omitempty"`
	RcloneConfig    string `json:"rclone_config_file,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	version, err := s.backend.Version(r.Context())
	if err != nil {
		respondJSON(w, http.StatusOK, healthResponse{})
		return
	}
	configFile, err := s.backend.ConfigFile(r.Context())
	if err != nil {
		respondJSON(w, http.StatusOK, healthResponse{})
		return
	}
	respondJSON(w, http.StatusOK, healthResponse{
		OK:              true,
		RcloneAvailable: true,
		RcloneVersion:   version,
		RcloneConfig:    configFile,
	})
}

func (s *Server) handleRemotes(w http.ResponseWriter, r *http.Request) {
	remotes, err := s.backend.ListRemotes(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if remotes == nil {
		remotes = []string{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"remotes": remotes})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	remotePath := r.URL.Query().Get("remote_path")
	if remotePath == "" {
		respondError(w, http.StatusBadRequest, "remote_path is required")
		return
	}
	recursive, _ := strconv.ParseBool(r.URL.Query().Get("recursive"))
	items, err := s.backend.List(r.Context(), remotePath, recursive)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if items == nil {
		items = []entry.Entry{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"items": items})
}

type transferRequest struct {
	Sources        []string         `json:"sources"`
	DestinationDir string           `json:"destination_dir"`
	Operation      job.Operation    `json:"operation"`
	FallbackMode   job.FallbackMode `json:"fallback_mode,omitempty"`
	VerifyMode     job.VerifyMode   `json:"verify_mode,omitempty"`
}

func (s *Server) submitTransfer(w http.ResponseWriter, r *http.Request, want job.Operation) {
	var req transferRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Operation != want {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("operation must be %s", want))
		return
	}
	if len(req.Sources) == 0 {
		respondError(w, http.StatusBadRequest, "sources must not be empty")
		return
	}
	if req.DestinationDir == "" {
		respondError(w, http.StatusBadRequest, "destination_dir is required")
		return
	}
	j, err := s.jobs.SubmitTransfer(req.Operation, req.Sources, req.DestinationDir)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, j)
}

func (s *Server) handleCreateCopy(w http.ResponseWriter, r *http.Request) {
	s.submitTransfer(w, r, job.OpCopy)
}

func (s *Server) handleCreateMove(w http.ResponseWriter, r *http.Request) {
	s.submitTransfer(w, r, job.OpMove)
}

type deleteRequest struct {
	Sources []string `json:"sources"`
}

func (s *Server) handleCreateDelete(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Sources) == 0 {
		respondError(w, http.StatusBadRequest, "sources must not be empty")
		return
	}
	j, err := s.jobs.SubmitDelete(req.Sources)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, j)
}

type cancelRequest struct {
	JobID string `json:"job_id"`
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !decodeBody(w, r, &req) {
		return
	}
	j, err := s.jobs.Cancel(req.JobID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if j == nil {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}
	respondJSON(w, http.StatusOK, j)
}

func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"jobs": s.jobs.ListJobs()})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j := s.jobs.GetJob(r.PathValue("id"))
	if j == nil {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}
	respondJSON(w, http.StatusOK, j)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	settings, err := s.settings.GetSettings()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if settings == nil {
		respondError(w, http.StatusNotFound, "settings not initialized")
		return
	}
	respondJSON(w, http.StatusOK, settings)
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var settings store.Settings
	if !decodeBody(w, r, &settings) {
		return
	}
	if settings.Concurrency < 1 {
		respondError(w, http.StatusBadRequest, "concurrency must be at least 1")
		return
	}
	if settings.StagingCapBytes < 0 {
		respondError(w, http.StatusBadRequest, "staging_cap_bytes must not be negative")
		return
	}
	if settings.VerifyMode != job.VerifyStrict {
		respondError(w, http.StatusBadRequest, "verify_mode must be strict")
		return
	}
	if err := s.settings.SetSettings(settings); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, settings)
}

type searchCreateRequest struct {
	RootPath      string   `json:"root_path"`
	FilenameQuery string   `json:"filename_query"`
	Literal       bool     `json:"literal"`
	MinSizeMB     *float64 `json:"min_size_mb"`
}

func (s *Server) handleCreateSearch(w http.ResponseWriter, r *http.Request) {
	var req searchCreateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.RootPath == "" {
		respondError(w, http.StatusBadRequest, "root_path is required")
		return
	}
	if req.MinSizeMB != nil && *req.MinSizeMB < 0 {
		respondError(w, http.StatusBadRequest, "min_size_mb must not be negative")
		return
	}
	id := s.searches.Create(req.RootPath, req.FilenameQuery, req.Literal, req.MinSizeMB)
	respondJSON(w, http.StatusOK, map[string]string{"search_id": id})
}

func pollScan(w http.ResponseWriter, r *http.Request, m *scan.Manager, label string) {
	afterSeq, err := parseAfterSeq(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := m.Poll(r.PathValue("id"), afterSeq)
	if errors.Is(err, scan.ErrNotFound) {
		respondError(w, http.StatusNotFound, label+" not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func cancelScan(w http.ResponseWriter, r *http.Request, m *scan.Manager, label string) {
	err := m.Cancel(r.PathValue("id"))
	if errors.Is(err, scan.ErrNotFound) {
		respondError(w, http.StatusNotFound, label+" not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func parseAfterSeq(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("after_seq")
	if raw == "" {
		return 0, nil
	}
	afterSeq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || afterSeq < 0 {
		return 0, fmt.Errorf("after_seq must be a non-negative integer")
	}
	return afterSeq, nil
}

func (s *Server) handleSearchEvents(w http.ResponseWriter, r *http.Request) {
	pollScan(w, r, s.searches.Manager, "search")
}

func (s *Server) handleCancelSearch(w http.ResponseWriter, r *http.Request) {
	cancelScan(w, r, s.searches.Manager, "search")
}

type sizeCreateRequest struct {
	RootPath string `json:"root_path"`
}

func (s *Server) handleCreateSize(w http.ResponseWriter, r *http.Request) {
	var req sizeCreateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.RootPath == "" {
		respondError(w, http.StatusBadRequest, "root_path is required")
		return
	}
	id := s.sizes.Create(req.RootPath)
	respondJSON(w, http.StatusOK, map[string]string{"size_id": id})
}

func (s *Server) handleSizeEvents(w http.ResponseWriter, r *http.Request) {
	pollScan(w, r, s.sizes.Manager, "size scan")
}

func (s *Server) handleCancelSize(w http.ResponseWriter, r *http.Request) {
	cancelScan(w, r, s.sizes.Manager, "size scan")
}

// inlineContentTypes are the types we let the browser render in place;
// anything else downloads as an opaque blob.
var inlineContentTypes = map[string]bool{
	"image/jpeg":      true,
	"image/png":       true,
	"image/gif":       true,
	"image/webp":      true,
	"image/svg+xml":   true,
	"text/plain":      true,
	"application/pdf": true,
	"video/mp4":       true,
	"audio/mpeg":      true,
}

func contentTypeFor(name string) string {
	ct := mime.TypeByExtension(path.Ext(name))
	if ct == "" {
		return "application/octet-stream"
	}
	// Strip charset parameters so the map lookup sees the bare type.
	if base, _, err := mime.ParseMediaType(ct); err == nil {
		ct = base
	}
	if !inlineContentTypes[ct] {
		return "application/octet-stream"
	}
	return ct
}

func (s *Server) handleFileContent(w http.ResponseWriter, r *http.Request) {
	remotePath := r.URL.Query().Get("remote_path")
	if remotePath == "" {
		respondError(w, http.StatusBadRequest, "remote_path is required")
		return
	}
	disposition := r.URL.Query().Get("disposition")
	if disposition == "" {
		disposition = "inline"
	}
	if disposition != "inline" && disposition != "attachment" {
		respondError(w, http.StatusBadRequest, "disposition must be inline or attachment")
		return
	}

	ent, err := s.backend.Stat(r.Context(), remotePath)
	if err != nil {
		respondError(w, http.StatusNotFound, "file not found")
		return
	}
	if ent.IsDir {
		respondError(w, http.StatusBadRequest, "cannot stream a directory")
		return
	}

	contentType := "application/octet-stream"
	if disposition == "inline" {
		contentType = contentTypeFor(ent.Name)
	}

	stream, err := s.backend.OpenCatStream(remotePath)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("%s; filename=%q", disposition, ent.Name))
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, stream)
}

type renameRequest struct {
	SourcePath string `json:"source_path"`
	NewName    string `json:"new_name"`
}

func (s *Server) handleRenamePath(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SourcePath == "" {
		respondError(w, http.StatusBadRequest, "source_path is required")
		return
	}
	name := strings.TrimSpace(req.NewName)
	if name == "" || strings.ContainsAny(name, "/:") {
		respondError(w, http.StatusBadRequest, "new_name must be a plain file name")
		return
	}
	updated, err := s.backend.RenameWithinParent(r.Context(), req.SourcePath, name)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true, "updated_path": updated})
}
