// Package transfer implements the durable job engine: a FIFO queue of
// copy/move/delete jobs drained by workers that attempt direct
// server-to-server copies, fall back to local staging under a shared byte
// cap, verify strictly, and delete sources only after verification.
package transfer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/michaelscutari/rclone-hub/internal/driver"
	"github.com/michaelscutari/rclone-hub/internal/entry"
	"github.com/michaelscutari/rclone-hub/internal/job"
	"github.com/michaelscutari/rclone-hub/internal/store"
)

// queueCapacity bounds pending submissions. Submissions beyond it fail
// fast instead of blocking a request handler.
const queueCapacity = 1024

// stagingPollInterval is the delay between staging-cap admission checks.
const stagingPollInterval = 500 * time.Millisecond

// Driver is the slice of the backend adapter the engine uses.
type Driver interface {
	Stat(ctx context.Context, remotePath string) (entry.Entry, error)
	List(ctx context.Context, remotePath string, recursive bool) ([]entry.Entry, error)
	Copy(ctx context.Context, source, destinationDir string, onProgress func(string), shouldCancel func() bool) (driver.CommandResult, error)
	CopyTo(ctx context.Context, source, destination string, onProgress func(string), shouldCancel func() bool) (driver.CommandResult, error)
	ToLocalCopy(ctx context.Context, sourceRemote, destinationLocalDir string, onProgress func(string), shouldCancel func() bool) (driver.CommandResult, error)
	ToLocalCopyTo(ctx context.Context, sourceRemote, destinationLocal string, onProgress func(string), shouldCancel func() bool) (driver.CommandResult, error)
	FromLocalCopy(ctx context.Context, sourceLocalDir, destinationRemoteDir string, onProgress func(string), shouldCancel func() bool) (driver.CommandResult, error)
	FromLocalCopyTo(ctx context.Context, sourceLocal, destinationRemote string, onProgress func(string), shouldCancel func() bool) (driver.CommandResult, error)
	DeletePath(ctx context.Context, remotePath string) (driver.CommandResult, error)
}

// Manager owns the job queue and the in-memory mirror of the store.
type Manager struct {
	store *store.Store
	drv   Driver

	mu        sync.Mutex
	jobs      map[string]*job.Job
	cancelled map[string]struct{}

	queue         chan string
	stagingInUse  int64
	group         *errgroup.Group
	cancelWorkers context.CancelFunc
	started       bool
}

// NewManager builds an engine over the given store and driver. Call
// Start before submitting.
func NewManager(st *store.Store, drv Driver) *Manager {
	return &Manager{
		store:     st,
		drv:       drv,
		jobs:      make(map[string]*job.Job),
		cancelled: make(map[string]struct{}),
		queue:     make(chan string, queueCapacity),
	}
}

// Start runs the boot recovery sweep and launches the worker pool. The
// sweep completes before any worker dequeues, so an interrupted job can
// never race back to running.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}

	if err := m.store.MarkRunningJobsInterrupted(); err != nil {
		return fmt.Errorf("failed recovery sweep: %w", err)
	}
	jobs, err := m.store.ListJobs()
	if err != nil {
		return fmt.Errorf("failed to load jobs: %w", err)
	}
	for _, j := range jobs {
		m.jobs[j.ID] = j
	}

	workers := 1
	if settings, err := m.store.GetSettings(); err == nil && settings != nil && settings.Concurrency > 0 {
		workers = settings.Concurrency
	}

	workerCtx, cancel := context.WithCancel(ctx)
	m.cancelWorkers = cancel
	m.group, workerCtx = errgroup.WithContext(workerCtx)
	for i := 0; i < workers; i++ {
		m.group.Go(func() error {
			m.workerLoop(workerCtx)
			return nil
		})
	}
	m.started = true
	log.WithField("workers", workers).Info("transfer engine started")
	return nil
}

// Stop halts the worker pool and waits for in-flight jobs to settle.
func (m *Manager) Stop() {
	m.mu.Lock()
	started := m.started
	cancel := m.cancelWorkers
	m.mu.Unlock()
	if !started {
		return
	}
	cancel()
	_ = m.group.Wait()
}

func now() time.Time { return time.Now().UTC() }

func (m *Manager) newJob(op job.Operation, sources []string, destinationDir string) *job.Job {
	return &job.Job{
		ID:             uuid.NewString(),
		Operation:      op,
		Status:         job.StatusQueued,
		CreatedAt:      now(),
		Sources:        sources,
		DestinationDir: destinationDir,
		FallbackMode:   job.FallbackAuto,
		VerifyMode:     job.VerifyStrict,
	}
}

// SubmitTransfer persists a queued copy or move job and enqueues it.
func (m *Manager) SubmitTransfer(op job.Operation, sources []string, destinationDir string) (*job.Job, error) {
	if op != job.OpCopy && op != job.OpMove {
		return nil, fmt.Errorf("invalid transfer operation %q", op)
	}
	return m.submit(m.newJob(op, sources, destinationDir))
}

// SubmitDelete persists a queued delete job and enqueues it.
func (m *Manager) SubmitDelete(sources []string) (*job.Job, error) {
	return m.submit(m.newJob(job.OpDelete, sources, ""))
}

func (m *Manager) submit(j *job.Job) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.UpsertJob(j); err != nil {
		return nil, err
	}
	m.jobs[j.ID] = j
	select {
	case m.queue <- j.ID:
	default:
		return nil, fmt.Errorf("job queue full")
	}
	return cloneJob(j), nil
}

// Cancel records a cancel request for the job. A still-queued job
// transitions to cancelled immediately; a running one is cancelled at its
// next item boundary. Returns nil when the id is unknown.
func (m *Manager) Cancel(id string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, nil
	}
	m.cancelled[id] = struct{}{}
	if j.Status == job.StatusQueued {
		j.Status = job.StatusCancelled
		t := now()
		j.CompletedAt = &t
		if err := m.store.UpsertJob(j); err != nil {
			return nil, err
		}
	}
	return cloneJob(j), nil
}

// ListJobs returns snapshots of every known job, newest first.
func (m *Manager) ListJobs() []*job.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	jobs := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, cloneJob(j))
	}
	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
	})
	return jobs
}

// GetJob returns a snapshot of one job, or nil when unknown.
func (m *Manager) GetJob(id string) *job.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil
	}
	return cloneJob(j)
}

// StagingInUse reports the bytes currently admitted to staging.
func (m *Manager) StagingInUse() int64 {
	return atomic.LoadInt64(&m.stagingInUse)
}

func (m *Manager) isCancelRequested(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.cancelled[id]
	return ok
}

// cloneJob deep-copies the mutable slices so readers never observe a
// worker's in-place appends.
func cloneJob(j *job.Job) *job.Job {
	copied := *j
	copied.Sources = append([]string(nil), j.Sources...)
	copied.Results = append([]job.ItemResult(nil), j.Results...)
	copied.Logs = append([]job.Log(nil), j.Logs...)
	return &copied
}
