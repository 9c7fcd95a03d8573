package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/michaelscutari/rclone-hub/internal/entry"
	"github.com/michaelscutari/rclone-hub/internal/job"
	"github.com/michaelscutari/rclone-hub/internal/scan"
	"github.com/michaelscutari/rclone-hub/internal/store"
)

type fakeBackend struct {
	version    string
	configFile string
	healthErr  error
	remotes    []string
	listings   map[string][]entry.Entry
	stats      map[string]entry.Entry
	content    map[string]string
}

func (f *fakeBackend) Version(context.Context) (string, error) {
	return f.version, f.healthErr
}

func (f *fakeBackend) ConfigFile(context.Context) (string, error) {
	return f.configFile, f.healthErr
}

func (f *fakeBackend) ListRemotes(context.Context) ([]string, error) {
	return f.remotes, nil
}

func (f *fakeBackend) List(_ context.Context, remotePath string, _ bool) ([]entry.Entry, error) {
	entries, ok := f.listings[remotePath]
	if !ok {
		return nil, fmt.Errorf("directory not found: %s", remotePath)
	}
	return entries, nil
}

func (f *fakeBackend) ListCancellable(_ context.Context, remotePath string, _ bool, _ func() bool, _ time.Duration) ([]entry.Entry, error) {
	return f.listings[remotePath], nil
}

func (f *fakeBackend) Stat(_ context.Context, remotePath string) (entry.Entry, error) {
	ent, ok := f.stats[remotePath]
	if !ok {
		return entry.Entry{}, fmt.Errorf("object not found: %s", remotePath)
	}
	return ent, nil
}

func (f *fakeBackend) OpenCatStream(remotePath string) (io.ReadCloser, error) {
	body, ok := f.content[remotePath]
	if !ok {
		return nil, fmt.Errorf("object not found: %s", remotePath)
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

func (f *fakeBackend) RenameWithinParent(_ context.Context, sourcePath, newName string) (string, error) {
	if _, ok := f.stats[sourcePath]; !ok {
		return "", fmt.Errorf("object not found: %s", sourcePath)
	}
	idx := strings.LastIndex(sourcePath, "/")
	return sourcePath[:idx+1] + newName, nil
}

type fakeJobs struct {
	jobs      map[string]*job.Job
	submitErr error
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{jobs: make(map[string]*job.Job)}
}

func (f *fakeJobs) SubmitTransfer(op job.Operation, sources []string, destinationDir string) (*job.Job, error) {
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	j := &job.Job{
		ID:             fmt.Sprintf("job-%d", len(f.jobs)+1),
		Operation:      op,
		Status:         job.StatusQueued,
		CreatedAt:      time.Now().UTC(),
		Sources:        sources,
		DestinationDir: destinationDir,
	}
	f.jobs[j.ID] = j
	return j, nil
}

func (f *fakeJobs) SubmitDelete(sources []string) (*job.Job, error) {
	j := &job.Job{
		ID:        fmt.Sprintf("job-%d", len(f.jobs)+1),
		Operation: job.OpDelete,
		Status:    job.StatusQueued,
		CreatedAt: time.Now().UTC(),
		Sources:   sources,
	}
	f.jobs[j.ID] = j
	return j, nil
}

func (f *fakeJobs) Cancel(id string) (*job.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return nil, nil
	}
	j.Status = job.StatusCancelled
	return j, nil
}

func (f *fakeJobs) ListJobs() []*job.Job {
	out := make([]*job.Job, 0, len(f.jobs))
	for _, j := range f.jobs {
		out = append(out, j)
	}
	return out
}

func (f *fakeJobs) GetJob(id string) *job.Job {
	return f.jobs[id]
}

type fakeSettings struct {
	record *store.Settings
	getErr error
}

func (f *fakeSettings) GetSettings() (*store.Settings, error) {
	return f.record, f.getErr
}

func (f *fakeSettings) SetSettings(settings store.Settings) error {
	f.record = &settings
	return nil
}

type fixture struct {
	backend  *fakeBackend
	jobs     *fakeJobs
	settings *fakeSettings
	ts       *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	backend := &fakeBackend{
		version:    "rclone v1.66.0",
		configFile: "/home/u/.config/rclone/rclone.conf",
		remotes:    []string{"r:", "b:"},
		listings: map[string][]entry.Entry{
			"r:root": {
				{Name: "small.txt", Path: "r:root/small.txt", Size: 10},
				{Name: "sub", Path: "r:root/sub", IsDir: true},
			},
			"r:root/sub": {
				{Name: "nested.txt", Path: "r:root/sub/nested.txt", Size: 5},
			},
		},
		stats: map[string]entry.Entry{
			"r:photo.jpg": {Name: "photo.jpg", Path: "r:photo.jpg", Size: 4},
			"r:blob.dat":  {Name: "blob.dat", Path: "r:blob.dat", Size: 4},
			"r:root/sub":  {Name: "sub", Path: "r:root/sub", IsDir: true},
			"r:dir/old.txt": {
				Name: "old.txt", Path: "r:dir/old.txt", Size: 1,
			},
		},
		content: map[string]string{
			"r:photo.jpg": "test",
			"r:blob.dat":  "test",
		},
	}
	jobs := newFakeJobs()
	settings := &fakeSettings{}

	opts := scan.Options{
		Heartbeat:         5 * time.Millisecond,
		PerDirTimeout:     time.Second,
		UnpolledTimeout:   time.Hour,
		TerminalRetention: time.Hour,
		JanitorInterval:   time.Hour,
	}
	searches := scan.NewSearchManager(backend, opts)
	searches.Start(context.Background())
	t.Cleanup(searches.Stop)
	sizes := scan.NewSizeManager(backend, opts)
	sizes.Start(context.Background())
	t.Cleanup(sizes.Stop)

	srv := New(backend, jobs, searches, sizes, settings)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{backend: backend, jobs: jobs, settings: settings, ts: ts}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		reader = strings.NewReader(string(buf))
	}
	req, err := http.NewRequest(method, f.ts.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, payload
}

func decode[T any](t *testing.T, payload []byte) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(payload, &out))
	return out
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp, payload := f.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, payload)
	require.Equal(t, true, body["ok"])
	require.Equal(t, "rclone v1.66.0", body["rclone_version"])

	f.backend.healthErr = errors.New("binary missing")
	resp, payload = f.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decode[map[string]any](t, payload)
	require.Equal(t, false, body["ok"])
}

func TestRemotes(t *testing.T) {
	f := newFixture(t)
	resp, payload := f.do(t, http.MethodGet, "/api/remotes", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string][]string](t, payload)
	require.Equal(t, []string{"r:", "b:"}, body["remotes"])
}

func TestList(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodGet, "/api/list", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, payload := f.do(t, http.MethodGet, "/api/list?remote_path=r:root", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string][]entry.Entry](t, payload)
	require.Len(t, body["items"], 2)

	resp, _ = f.do(t, http.MethodGet, "/api/list?remote_path=r:missing", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateCopyJob(t *testing.T) {
	f := newFixture(t)
	req := map[string]any{
		"sources":         []string{"r:root/small.txt"},
		"destination_dir": "b:dst",
		"operation":       "copy",
	}
	resp, payload := f.do(t, http.MethodPost, "/api/jobs/copy", req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	created := decode[job.Job](t, payload)
	require.Equal(t, job.OpCopy, created.Operation)
	require.Equal(t, job.StatusQueued, created.Status)

	// The copy endpoint refuses other operations.
	req["operation"] = "move"
	resp, _ = f.do(t, http.MethodPost, "/api/jobs/copy", req)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req["operation"] = "copy"
	req["sources"] = []string{}
	resp, _ = f.do(t, http.MethodPost, "/api/jobs/copy", req)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeleteJobValidation(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodPost, "/api/jobs/delete", map[string]any{"sources": []string{}})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, payload := f.do(t, http.MethodPost, "/api/jobs/delete", map[string]any{"sources": []string{"r:tmp"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	created := decode[job.Job](t, payload)
	require.Equal(t, job.OpDelete, created.Operation)
}

func TestCancelAndGetJob(t *testing.T) {
	f := newFixture(t)
	j, err := f.jobs.SubmitDelete([]string{"r:tmp"})
	require.NoError(t, err)

	resp, _ := f.do(t, http.MethodPost, "/api/jobs/cancel", map[string]string{"job_id": "missing"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, payload := f.do(t, http.MethodPost, "/api/jobs/cancel", map[string]string{"job_id": j.ID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cancelled := decode[job.Job](t, payload)
	require.Equal(t, job.StatusCancelled, cancelled.Status)

	resp, _ = f.do(t, http.MethodGet, "/api/jobs/missing", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, payload = f.do(t, http.MethodGet, "/api/jobs/"+j.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[job.Job](t, payload)
	require.Equal(t, j.ID, got.ID)

	resp, payload = f.do(t, http.MethodGet, "/api/jobs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	listing := decode[map[string][]job.Job](t, payload)
	require.Len(t, listing["jobs"], 1)
}

func TestSettingsRoutes(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodGet, "/api/settings", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	record := store.Settings{
		StagingPath:     "/tmp/staging",
		StagingCapBytes: 1024,
		Concurrency:     2,
		VerifyMode:      job.VerifyStrict,
	}
	resp, _ = f.do(t, http.MethodPut, "/api/settings", record)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, payload := f.do(t, http.MethodGet, "/api/settings", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[store.Settings](t, payload)
	require.Equal(t, record, got)

	record.Concurrency = 0
	resp, _ = f.do(t, http.MethodPut, "/api/settings", record)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSearchRoutes(t *testing.T) {
	f := newFixture(t)
	resp, payload := f.do(t, http.MethodPost, "/api/searches", map[string]any{
		"root_path":      "r:root",
		"filename_query": "*.txt",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	created := decode[map[string]string](t, payload)
	id := created["search_id"]
	require.NotEmpty(t, id)

	var events []scan.Event
	var cursor int64
	deadline := time.Now().Add(5 * time.Second)
	for {
		require.True(t, time.Now().Before(deadline), "search never finished")
		resp, payload = f.do(t, http.MethodGet, fmt.Sprintf("/api/searches/%s/events?after_seq=%d", id, cursor), nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		res := decode[scan.PollResult](t, payload)
		events = append(events, res.Events...)
		cursor = res.NextSeq
		if res.Done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	final := events[len(events)-1]
	require.Equal(t, scan.EventDone, final.Type)
	require.Equal(t, scan.StatusSuccess, final.Status)
	require.Equal(t, 2, *final.MatchedCount)

	resp, _ = f.do(t, http.MethodGet, "/api/searches/missing/events", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/searches/"+id+"/events?after_seq=-1", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/searches/missing/cancel", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/searches/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSizeRoutes(t *testing.T) {
	f := newFixture(t)
	resp, payload := f.do(t, http.MethodPost, "/api/sizes", map[string]string{"root_path": "r:root"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	created := decode[map[string]string](t, payload)
	id := created["size_id"]
	require.NotEmpty(t, id)

	deadline := time.Now().Add(5 * time.Second)
	for {
		require.True(t, time.Now().Before(deadline), "size scan never finished")
		resp, payload = f.do(t, http.MethodGet, "/api/sizes/"+id+"/events", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		res := decode[scan.PollResult](t, payload)
		if res.Done {
			final := res.Events[len(res.Events)-1]
			require.Equal(t, scan.EventDone, final.Type)
			require.Equal(t, 2, *final.FilesCount)
			require.Equal(t, int64(15), *final.BytesTotal)
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFileContent(t *testing.T) {
	f := newFixture(t)
	resp, payload := f.do(t, http.MethodGet, "/api/files/content?remote_path=r:photo.jpg", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
	require.Equal(t, `inline; filename="photo.jpg"`, resp.Header.Get("Content-Disposition"))
	require.Equal(t, "test", string(payload))

	// Unknown extensions never render inline.
	resp, _ = f.do(t, http.MethodGet, "/api/files/content?remote_path=r:blob.dat", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))

	resp, payload = f.do(t, http.MethodGet, "/api/files/content?remote_path=r:photo.jpg&disposition=attachment", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
	require.Equal(t, `attachment; filename="photo.jpg"`, resp.Header.Get("Content-Disposition"))
	require.Equal(t, "test", string(payload))

	resp, _ = f.do(t, http.MethodGet, "/api/files/content?remote_path=r:root/sub", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/files/content?remote_path=r:missing.txt", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/files/content", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRenamePath(t *testing.T) {
	f := newFixture(t)
	resp, payload := f.do(t, http.MethodPost, "/api/paths/rename", map[string]string{
		"source_path": "r:dir/old.txt",
		"new_name":    "new.txt",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, payload)
	require.Equal(t, true, body["ok"])
	require.Equal(t, "r:dir/new.txt", body["updated_path"])

	resp, _ = f.do(t, http.MethodPost, "/api/paths/rename", map[string]string{
		"source_path": "r:dir/old.txt",
		"new_name":    "bad/name",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/paths/rename", map[string]string{
		"source_path": "r:missing",
		"new_name":    "new.txt",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCORSPreflightAndHeaders(t *testing.T) {
	f := newFixture(t)
	req, err := http.NewRequest(http.MethodOptions, f.ts.URL+"/api/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:5173")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))

	// Foreign origins get no CORS grant.
	req, err = http.NewRequest(http.MethodGet, f.ts.URL+"/api/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://evil.example.com")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}
