package transfer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/michaelscutari/rclone-hub/internal/config"
	"github.com/michaelscutari/rclone-hub/internal/driver"
	"github.com/michaelscutari/rclone-hub/internal/job"
	"github.com/michaelscutari/rclone-hub/internal/remotepath"
	"github.com/michaelscutari/rclone-hub/internal/store"
	"github.com/michaelscutari/rclone-hub/internal/verify"
)

func (m *Manager) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-m.queue:
			m.processJob(ctx, id)
		}
	}
}

func (m *Manager) processJob(ctx context.Context, id string) {
	m.mu.Lock()
	j, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return
	}

	if m.isCancelRequested(id) {
		m.updateJob(j, func(j *job.Job) {
			if j.Status == job.StatusQueued {
				j.Status = job.StatusCancelled
				t := now()
				j.CompletedAt = &t
			}
		})
		return
	}

	defer func() {
		if r := recover(); r != nil {
			m.updateJob(j, func(j *job.Job) {
				j.Status = job.StatusFailed
				t := now()
				j.CompletedAt = &t
			})
			m.logJob(j, "error", fmt.Sprintf("job crashed unexpectedly: %v", r))
			m.logJob(j, "error", string(debug.Stack()))
		}
	}()

	settings, err := m.store.GetSettings()
	if err != nil || settings == nil {
		defaults := store.DefaultSettings(config.DefaultStagingPath())
		settings = &defaults
	}

	m.updateJob(j, func(j *job.Job) {
		j.Status = job.StatusRunning
		t := now()
		j.StartedAt = &t
	})

	if j.Operation == job.OpDelete {
		m.runDelete(ctx, j)
	} else {
		m.runTransfer(ctx, j, settings)
	}
}

func (m *Manager) runDelete(ctx context.Context, j *job.Job) {
	var anyFailures, cancelled bool
	for _, source := range j.Sources {
		if m.isCancelRequested(j.ID) {
			cancelled = true
			break
		}
		result, err := m.drv.DeletePath(ctx, source)
		if err != nil {
			result = driver.CommandResult{Returncode: -1, Stderr: err.Error()}
		}
		m.logJob(j, "debug", formatResult("delete", source, result))
		if result.Failed() {
			anyFailures = true
			errText := strings.TrimSpace(result.Stderr)
			if errText == "" {
				errText = "delete failed"
			}
			m.appendResult(j, job.ItemResult{Source: source, Status: job.StatusFailed, Error: errText})
			m.logJob(j, "error", fmt.Sprintf("delete failed for %s: %s", source, errText))
		} else {
			m.appendResult(j, job.ItemResult{Source: source, Status: job.StatusSuccess})
			m.logJob(j, "info", fmt.Sprintf("deleted %s", source))
		}
	}
	m.finishJob(j, cancelled, anyFailures)
}

func (m *Manager) runTransfer(ctx context.Context, j *job.Job, settings *store.Settings) {
	var anyFailures, cancelled bool

	for _, source := range j.Sources {
		if m.isCancelRequested(j.ID) {
			cancelled = true
			break
		}

		item := job.ItemResult{Source: source, Status: job.StatusRunning, DirectAttempted: true}
		base, err := remotepath.Base(source)
		if err == nil {
			item.Destination, err = remotepath.Join(j.DestinationDir, base)
		}
		if err != nil {
			item.Status = job.StatusFailed
			item.Error = err.Error()
			m.appendResult(j, item)
			anyFailures = true
			m.logJob(j, "error", item.Error)
			continue
		}

		m.logJob(j, "info", fmt.Sprintf("starting %s: %s -> %s", j.Operation, source, item.Destination))

		direct := m.copyItem(ctx, j, source, item.Destination)
		m.logJob(j, "debug", formatResult("direct-copy", source, direct))
		if direct.Failed() {
			m.logJob(j, "warning", fmt.Sprintf("direct copy failed for %s, trying fallback", source))
			item.FallbackUsed = true
			ok, errText := m.fallbackCopy(ctx, j, source, item.Destination, settings)
			if !ok {
				item.Status = job.StatusFailed
				item.Error = errText
				m.appendResult(j, item)
				anyFailures = true
				continue
			}
		}

		result := verify.Strict(ctx, m.drv, source, item.Destination)
		if !result.Passed {
			item.Status = job.StatusFailed
			item.Error = fmt.Sprintf("verification failed: %s", result.Reason)
			m.appendResult(j, item)
			anyFailures = true
			m.logJob(j, "error", item.Error)
			continue
		}
		item.VerifyPassed = true

		if j.Operation == job.OpMove {
			deleteResult, err := m.drv.DeletePath(ctx, source)
			if err != nil {
				deleteResult = driver.CommandResult{Returncode: -1, Stderr: err.Error()}
			}
			m.logJob(j, "debug", formatResult("post-verify-delete", source, deleteResult))
			if deleteResult.Failed() {
				item.Status = job.StatusFailed
				item.Error = fmt.Sprintf("copy verified but source delete failed: %s", strings.TrimSpace(deleteResult.Stderr))
				m.appendResult(j, item)
				anyFailures = true
				m.logJob(j, "error", item.Error)
				continue
			}
		}

		item.Status = job.StatusSuccess
		m.appendResult(j, item)
		m.logJob(j, "info", fmt.Sprintf("completed %s: %s", j.Operation, source))
	}

	m.finishJob(j, cancelled, anyFailures)
}

// copyItem runs the direct stage: directory sources use the directory
// copy verb, files the exact-path form. Stat failures count as a failed
// direct attempt so the fallback gets its chance.
func (m *Manager) copyItem(ctx context.Context, j *job.Job, source, destination string) driver.CommandResult {
	ent, err := m.drv.Stat(ctx, source)
	if err != nil {
		return driver.CommandResult{Returncode: -1, Stderr: err.Error()}
	}
	progress := m.progressCallback(j, source, "direct")
	var result driver.CommandResult
	if ent.IsDir {
		result, err = m.drv.Copy(ctx, source, destination, progress, nil)
	} else {
		result, err = m.drv.CopyTo(ctx, source, destination, progress, nil)
	}
	if err != nil {
		return driver.CommandResult{Returncode: -1, Stderr: err.Error()}
	}
	return result
}

// fallbackCopy pulls the source into local staging and pushes it to the
// destination. Admission against the staging byte cap is a poll loop;
// the reservation is always released on return.
func (m *Manager) fallbackCopy(ctx context.Context, j *job.Job, source, destination string, settings *store.Settings) (bool, string) {
	stagingRoot := settings.StagingPath
	if err := os.MkdirAll(stagingRoot, 0o755); err != nil {
		return false, fmt.Sprintf("failed to create staging root: %v", err)
	}

	estimate := m.estimateSourceSize(ctx, source)
	for {
		inUse := atomic.LoadInt64(&m.stagingInUse)
		if inUse+estimate <= settings.StagingCapBytes {
			if atomic.CompareAndSwapInt64(&m.stagingInUse, inUse, inUse+estimate) {
				break
			}
			continue
		}
		m.logJob(j, "debug", fmt.Sprintf(
			"staging cap wait: estimate=%s in_use=%s cap=%s",
			humanize.IBytes(uint64(estimate)),
			humanize.IBytes(uint64(inUse)),
			humanize.IBytes(uint64(settings.StagingCapBytes)),
		))
		select {
		case <-ctx.Done():
			return false, "engine shutting down"
		case <-time.After(stagingPollInterval):
		}
	}
	defer atomic.AddInt64(&m.stagingInUse, -estimate)

	base, err := remotepath.Base(source)
	if err != nil {
		return false, err.Error()
	}
	stagingDir := filepath.Join(stagingRoot, uuid.NewString())
	localPath := filepath.Join(stagingDir, base)
	defer os.RemoveAll(stagingDir)

	ent, err := m.drv.Stat(ctx, source)
	if err != nil {
		return false, fmt.Sprintf("fallback stat failed: %v", err)
	}

	pullProgress := m.progressCallback(j, source, "fallback-pull")
	var pull driver.CommandResult
	if ent.IsDir {
		pull, err = m.drv.ToLocalCopy(ctx, source, localPath, pullProgress, nil)
	} else {
		pull, err = m.drv.ToLocalCopyTo(ctx, source, localPath, pullProgress, nil)
	}
	if err != nil {
		return false, fmt.Sprintf("fallback download failed: %v", err)
	}
	m.logJob(j, "debug", formatResult("fallback-pull", source, pull))
	if pull.Failed() {
		return false, fmt.Sprintf("fallback download failed: %s", strings.TrimSpace(pull.Stderr))
	}

	pushProgress := m.progressCallback(j, source, "fallback-push")
	var push driver.CommandResult
	if ent.IsDir {
		push, err = m.drv.FromLocalCopy(ctx, localPath, destination, pushProgress, nil)
	} else {
		push, err = m.drv.FromLocalCopyTo(ctx, localPath, destination, pushProgress, nil)
	}
	if err != nil {
		return false, fmt.Sprintf("fallback upload failed: %v", err)
	}
	m.logJob(j, "debug", formatResult("fallback-push", source, push))
	if push.Failed() {
		return false, fmt.Sprintf("fallback upload failed: %s", strings.TrimSpace(push.Stderr))
	}

	return true, ""
}

// estimateSourceSize sums file sizes from a recursive listing. A listing
// failure estimates zero, which admits the transfer immediately; starving
// the fallback on an unlistable source would deadlock it.
func (m *Manager) estimateSourceSize(ctx context.Context, source string) int64 {
	entries, err := m.drv.List(ctx, source, true)
	if err != nil {
		return 0
	}
	var total int64
	for _, e := range entries {
		if !e.IsDir {
			total += e.Size
		}
	}
	return total
}

// progressCallback filters a copy's stderr stream down to stats lines,
// deduplicated, and appends them to the job log.
func (m *Manager) progressCallback(j *job.Job, source, stage string) func(string) {
	var lastLine string
	return func(raw string) {
		line := strings.Join(strings.Fields(raw), " ")
		if line == "" || line == lastLine {
			return
		}
		if !strings.Contains(line, "%") && !strings.Contains(line, "Transferred:") {
			return
		}
		lastLine = line
		m.logJob(j, "info", fmt.Sprintf("progress [%s] %s %s", stage, source, line))
	}
}

func (m *Manager) finishJob(j *job.Job, cancelled, anyFailures bool) {
	m.updateJob(j, func(j *job.Job) {
		switch {
		case cancelled:
			j.Status = job.StatusCancelled
		case anyFailures:
			j.Status = job.StatusFailed
		default:
			j.Status = job.StatusSuccess
		}
		t := now()
		j.CompletedAt = &t
	})
}

// updateJob applies fn under the manager lock and persists the result.
// Store write failures are logged, not retried; the in-memory state
// remains authoritative for the life of the process.
func (m *Manager) updateJob(j *job.Job, fn func(*job.Job)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(j)
	if err := m.store.UpsertJob(j); err != nil {
		log.WithError(err).WithField("job", j.ID).Warn("failed to persist job")
	}
}

func (m *Manager) appendResult(j *job.Job, item job.ItemResult) {
	m.updateJob(j, func(j *job.Job) {
		j.Results = append(j.Results, item)
	})
}

func (m *Manager) logJob(j *job.Job, level, message string) {
	m.updateJob(j, func(j *job.Job) {
		j.Logs = append(j.Logs, job.Log{TS: now(), Level: level, Message: message})
	})
}

// formatResult renders one driver invocation for the job debug log,
// with stdout/stderr clipped to keep payloads bounded.
func formatResult(stage, source string, result driver.CommandResult) string {
	stderr := strings.TrimSpace(result.Stderr)
	stdout := strings.TrimSpace(result.Stdout)
	if len(stderr) > 500 {
		stderr = stderr[:500]
	}
	if len(stdout) > 300 {
		stdout = stdout[:300]
	}
	return fmt.Sprintf("%s source=%s rc=%d timed_out=%t duration_ms=%d stdout='%s' stderr='%s'",
		stage, source, result.Returncode, result.TimedOut, result.Duration.Milliseconds(), stdout, stderr)
}
