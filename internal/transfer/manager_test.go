package transfer

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/michaelscutari/rclone-hub/internal/driver"
	"github.com/michaelscutari/rclone-hub/internal/entry"
	"github.com/michaelscutari/rclone-hub/internal/job"
	"github.com/michaelscutari/rclone-hub/internal/store"
)

// fakeDriver serves canned listings and scripted copy outcomes.
type fakeDriver struct {
	mu             sync.Mutex
	stats          map[string]entry.Entry
	listings       map[string][]entry.Entry
	directFailures map[string]int // remaining direct-copy failures per source
	deleteRC       int
	panicOnStat    bool

	calls   []string
	deleted []string
}

func ok() driver.CommandResult  { return driver.CommandResult{Returncode: 0} }
func rc1() driver.CommandResult { return driver.CommandResult{Returncode: 1, Stderr: "direct failed"} }

func (f *fakeDriver) record(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeDriver) setPanicOnStat(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.panicOnStat = v
}

func (f *fakeDriver) addStat(remotePath string, ent entry.Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats[remotePath] = ent
}

func (f *fakeDriver) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeDriver) Stat(_ context.Context, remotePath string) (entry.Entry, error) {
	f.mu.Lock()
	if f.panicOnStat {
		f.mu.Unlock()
		panic("stat exploded")
	}
	f.mu.Unlock()
	f.record("stat %s", remotePath)
	f.mu.Lock()
	defer f.mu.Unlock()
	ent, okFound := f.stats[remotePath]
	if !okFound {
		return entry.Entry{}, fmt.Errorf("object not found: %s", remotePath)
	}
	return ent, nil
}

func (f *fakeDriver) List(_ context.Context, remotePath string, _ bool) ([]entry.Entry, error) {
	f.record("list %s", remotePath)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listings[remotePath], nil
}

func (f *fakeDriver) direct(source string) driver.CommandResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.directFailures[source] > 0 {
		f.directFailures[source]--
		return rc1()
	}
	return ok()
}

func (f *fakeDriver) Copy(_ context.Context, source, dst string, _ func(string), _ func() bool) (driver.CommandResult, error) {
	f.record("copy %s %s", source, dst)
	return f.direct(source), nil
}

func (f *fakeDriver) CopyTo(_ context.Context, source, dst string, _ func(string), _ func() bool) (driver.CommandResult, error) {
	f.record("copyto %s %s", source, dst)
	return f.direct(source), nil
}

func (f *fakeDriver) ToLocalCopy(_ context.Context, source, dst string, _ func(string), _ func() bool) (driver.CommandResult, error) {
	f.record("pull-dir %s %s", source, dst)
	return ok(), nil
}

func (f *fakeDriver) ToLocalCopyTo(_ context.Context, source, dst string, _ func(string), _ func() bool) (driver.CommandResult, error) {
	f.record("pull-file %s %s", source, dst)
	return ok(), nil
}

func (f *fakeDriver) FromLocalCopy(_ context.Context, source, dst string, _ func(string), _ func() bool) (driver.CommandResult, error) {
	f.record("push-dir %s %s", source, dst)
	return ok(), nil
}

func (f *fakeDriver) FromLocalCopyTo(_ context.Context, source, dst string, _ func(string), _ func() bool) (driver.CommandResult, error) {
	f.record("push-file %s %s", source, dst)
	return ok(), nil
}

func (f *fakeDriver) DeletePath(_ context.Context, remotePath string) (driver.CommandResult, error) {
	f.record("delete %s", remotePath)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, remotePath)
	if f.deleteRC != 0 {
		return driver.CommandResult{Returncode: f.deleteRC, Stderr: "delete failed"}, nil
	}
	delete(f.stats, remotePath)
	return driver.CommandResult{Returncode: 0}, nil
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		stats:          make(map[string]entry.Entry),
		listings:       make(map[string][]entry.Entry),
		directFailures: make(map[string]int),
	}
}

func newTestManager(t *testing.T, drv Driver) *Manager {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "hub.db"), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	m := NewManager(st, drv)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)
	return m
}

func waitTerminal(t *testing.T, m *Manager, id string) *job.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if j := m.GetJob(id); j != nil && j.Status.Terminal() {
			return j
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal status", id)
	return nil
}

// mountSourceFile registers a one-file directory tree rooted at srcRoot
// and its copied image under dstRoot.
func mountSourceFile(drv *fakeDriver, srcRoot, dstRoot string) {
	md5 := map[string]string{"md5": "a"}
	drv.stats[srcRoot] = entry.Entry{Name: "src", Path: srcRoot, IsDir: true}
	drv.listings[srcRoot] = []entry.Entry{
		{Name: "f.txt", Path: srcRoot + "/f.txt", Size: 1, Hashes: md5},
	}
	drv.listings[dstRoot] = []entry.Entry{
		{Name: "f.txt", Path: dstRoot + "/f.txt", Size: 1, Hashes: md5},
	}
}

func TestFallbackCopySucceeds(t *testing.T) {
	drv := newFakeDriver()
	mountSourceFile(drv, "a:src", "b:dst/src")
	drv.directFailures["a:src"] = 1

	m := newTestManager(t, drv)
	j, err := m.SubmitTransfer(job.OpCopy, []string{"a:src"}, "b:dst")
	require.NoError(t, err)

	final := waitTerminal(t, m, j.ID)
	require.Equal(t, job.StatusSuccess, final.Status)
	require.Len(t, final.Results, 1)

	item := final.Results[0]
	require.Equal(t, job.StatusSuccess, item.Status)
	require.True(t, item.DirectAttempted)
	require.True(t, item.FallbackUsed)
	require.True(t, item.VerifyPassed)
	require.Equal(t, "b:dst/src", item.Destination)

	require.Equal(t, int64(0), m.StagingInUse())
}

func TestDirectCopySucceedsWithoutFallback(t *testing.T) {
	drv := newFakeDriver()
	mountSourceFile(drv, "a:src", "b:dst/src")

	m := newTestManager(t, drv)
	j, err := m.SubmitTransfer(job.OpCopy, []string{"a:src"}, "b:dst")
	require.NoError(t, err)

	final := waitTerminal(t, m, j.ID)
	require.Equal(t, job.StatusSuccess, final.Status)
	require.False(t, final.Results[0].FallbackUsed)
}

func TestMoveDeletesSourceAfterVerification(t *testing.T) {
	drv := newFakeDriver()
	mountSourceFile(drv, "a:src", "b:dst/src")

	m := newTestManager(t, drv)
	j, err := m.SubmitTransfer(job.OpMove, []string{"a:src"}, "b:dst")
	require.NoError(t, err)

	final := waitTerminal(t, m, j.ID)
	require.Equal(t, job.StatusSuccess, final.Status)
	require.True(t, final.Results[0].VerifyPassed)
	require.Contains(t, drv.deleted, "a:src")
	_, err = drv.Stat(context.Background(), "a:src")
	require.Error(t, err)
}

func TestMoveFailsWhenSourceDeleteFails(t *testing.T) {
	drv := newFakeDriver()
	mountSourceFile(drv, "a:src", "b:dst/src")
	drv.deleteRC = 1

	m := newTestManager(t, drv)
	j, err := m.SubmitTransfer(job.OpMove, []string{"a:src"}, "b:dst")
	require.NoError(t, err)

	final := waitTerminal(t, m, j.ID)
	require.Equal(t, job.StatusFailed, final.Status)
	require.Contains(t, final.Results[0].Error, "copy verified but source delete failed")
}

func TestVerificationFailureFailsItem(t *testing.T) {
	drv := newFakeDriver()
	mountSourceFile(drv, "a:src", "b:dst/src")
	// Destination lists empty: file count mismatch.
	drv.listings["b:dst/src"] = nil

	m := newTestManager(t, drv)
	j, err := m.SubmitTransfer(job.OpCopy, []string{"a:src"}, "b:dst")
	require.NoError(t, err)

	final := waitTerminal(t, m, j.ID)
	require.Equal(t, job.StatusFailed, final.Status)
	require.Contains(t, final.Results[0].Error, "verification failed")
	require.False(t, final.Results[0].VerifyPassed)
}

func TestDeleteJob(t *testing.T) {
	drv := newFakeDriver()
	drv.stats["a:tmp"] = entry.Entry{Name: "tmp", Path: "a:tmp", IsDir: true}

	m := newTestManager(t, drv)
	j, err := m.SubmitDelete([]string{"a:tmp"})
	require.NoError(t, err)

	final := waitTerminal(t, m, j.ID)
	require.Equal(t, job.StatusSuccess, final.Status)
	require.Len(t, final.Results, 1)
	require.Equal(t, job.StatusSuccess, final.Results[0].Status)
	require.Contains(t, drv.deleted, "a:tmp")
}

func TestCancelQueuedJob(t *testing.T) {
	drv := newFakeDriver()
	st, err := store.Open(filepath.Join(t.TempDir(), "hub.db"), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	// Not started: the job stays queued so cancel hits the queued path.
	m := NewManager(st, drv)
	m.started = true // suppress worker startup; queue is never drained
	j, err := m.SubmitDelete([]string{"a:x"})
	require.NoError(t, err)

	got, err := m.Cancel(j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusCancelled, got.Status)
	require.NotNil(t, got.CompletedAt)

	persisted, err := st.GetJob(j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusCancelled, persisted.Status)
}

func TestCancelUnknownJob(t *testing.T) {
	m := newTestManager(t, newFakeDriver())
	got, err := m.Cancel("no-such-id")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestInterruptionRecovery(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "hub.db")
	st, err := store.Open(dbPath, t.TempDir())
	require.NoError(t, err)

	running := &job.Job{
		ID:        "stale",
		Operation: job.OpCopy,
		Status:    job.StatusRunning,
		CreatedAt: time.Now().UTC(),
		Sources:   []string{"a:x"},
	}
	require.NoError(t, st.UpsertJob(running))

	drv := newFakeDriver()
	m := NewManager(st, drv)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { m.Stop(); st.Close() })

	got := m.GetJob("stale")
	require.NotNil(t, got)
	require.Equal(t, job.StatusInterrupted, got.Status)

	// The recovered job is never re-run.
	time.Sleep(100 * time.Millisecond)
	require.Zero(t, drv.callCount())
}

func TestWorkerSurvivesPanickingJob(t *testing.T) {
	drv := newFakeDriver()
	drv.panicOnStat = true

	m := newTestManager(t, drv)
	j, err := m.SubmitTransfer(job.OpCopy, []string{"a:src"}, "b:dst")
	require.NoError(t, err)

	final := waitTerminal(t, m, j.ID)
	require.Equal(t, job.StatusFailed, final.Status)

	var crashLogged bool
	for _, l := range final.Logs {
		if strings.Contains(l.Message, "job crashed unexpectedly") {
			crashLogged = true
		}
	}
	require.True(t, crashLogged)

	// A later job still runs on the same worker pool.
	drv.setPanicOnStat(false)
	drv.addStat("a:tmp", entry.Entry{Name: "tmp", Path: "a:tmp", IsDir: false})
	next, err := m.SubmitDelete([]string{"a:tmp"})
	require.NoError(t, err)
	finalNext := waitTerminal(t, m, next.ID)
	require.Equal(t, job.StatusSuccess, finalNext.Status)
}

func TestTimestampsOrdered(t *testing.T) {
	drv := newFakeDriver()
	drv.stats["a:tmp"] = entry.Entry{Name: "tmp", Path: "a:tmp", IsDir: false}

	m := newTestManager(t, drv)
	j, err := m.SubmitDelete([]string{"a:tmp"})
	require.NoError(t, err)

	final := waitTerminal(t, m, j.ID)
	require.NotNil(t, final.StartedAt)
	require.NotNil(t, final.CompletedAt)
	require.False(t, final.StartedAt.Before(final.CreatedAt))
	require.False(t, final.CompletedAt.Before(*final.StartedAt))
}
