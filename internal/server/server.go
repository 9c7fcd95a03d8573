// Package server exposes the hub over HTTP: remote browsing, job
// submission, scan sessions, settings, and file streaming. Handlers stay
// thin; every decision of consequence lives in the packages they call.
package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/michaelscutari/rclone-hub/internal/entry"
	"github.com/michaelscutari/rclone-hub/internal/job"
	"github.com/michaelscutari/rclone-hub/internal/scan"
	"github.com/michaelscutari/rclone-hub/internal/store"
)

// Backend is the slice of the driver adapter the routes use directly.
type Backend interface {
	Version(ctx context.Context) (string, error)
	ConfigFile(ctx context.Context) (string, error)
	ListRemotes(ctx context.Context) ([]string, error)
	List(ctx context.Context, remotePath string, recursive bool) ([]entry.Entry, error)
	Stat(ctx context.Context, remotePath string) (entry.Entry, error)
	OpenCatStream(remotePath string) (io.ReadCloser, error)
	RenameWithinParent(ctx context.Context, sourcePath, newName string) (string, error)
}

// JobService is the transfer engine surface the job routes use.
type JobService interface {
	SubmitTransfer(op job.Operation, sources []string, destinationDir string) (*job.Job, error)
	SubmitDelete(sources []string) (*job.Job, error)
	Cancel(id string) (*job.Job, error)
	ListJobs() []*job.Job
	GetJob(id string) *job.Job
}

// SettingsStore reads and writes the single persisted settings record.
type SettingsStore interface {
	GetSettings() (*store.Settings, error)
	SetSettings(settings store.Settings) error
}

// Server wires the route handlers to their collaborators.
type Server struct {
	backend  Backend
	jobs     JobService
	searches *scan.SearchManager
	sizes    *scan.SizeManager
	settings SettingsStore
}

// New builds a Server over the given collaborators.
func New(backend Backend, jobs JobService, searches *scan.SearchManager, sizes *scan.SizeManager, settings SettingsStore) *Server {
	return &Server{
		backend:  backend,
		jobs:     jobs,
		searches: searches,
		sizes:    sizes,
		settings: settings,
	}
}

// Handler returns the full route table wrapped in the CORS and logging
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/remotes", s.handleRemotes)
	mux.HandleFunc("GET /api/list", s.handleList)

	mux.HandleFunc("POST /api/jobs/copy", s.handleCreateCopy)
	mux.HandleFunc("POST /api/jobs/move", s.handleCreateMove)
	mux.HandleFunc("POST /api/jobs/delete", s.handleCreateDelete)
	mux.HandleFunc("POST /api/jobs/cancel", s.handleCancelJob)
	mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)

	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /api/settings", s.handlePutSettings)

	mux.HandleFunc("POST /api/searches", s.handleCreateSearch)
	mux.HandleFunc("GET /api/searches/{id}/events", s.handleSearchEvents)
	mux.HandleFunc("POST /api/searches/{id}/cancel", s.handleCancelSearch)

	mux.HandleFunc("POST /api/sizes", s.handleCreateSize)
	mux.HandleFunc("GET /api/sizes/{id}/events", s.handleSizeEvents)
	mux.HandleFunc("POST /api/sizes/{id}/cancel", s.handleCancelSize)

	mux.HandleFunc("GET /api/files/content", s.handleFileContent)
	mux.HandleFunc("POST /api/paths/rename", s.handleRenamePath)

	return withLogging(withCORS(mux))
}

// errorBody is the JSON error envelope every non-2xx response carries.
type errorBody struct {
	Detail string `json:"detail"`
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, detail string) {
	respondJSON(w, status, errorBody{Detail: detail})
}

// decodeBody parses the request body into dst, reporting a 400 on
// malformed JSON. Returns false when the response has been written.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}
