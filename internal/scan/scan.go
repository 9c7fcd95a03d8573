// Package scan runs cancellable background walks over a remote tree and
// exposes their progress as polled, sequence-numbered event streams. One
// generic session manager drives both the search walk and the disk-usage
// walk; the two differ only in how they fold listed entries into
// counters and which events they render.
package scan

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/michaelscutari/rclone-hub/internal/entry"
)

// ErrNotFound reports a poll or cancel against an unknown session id.
var ErrNotFound = errors.New("scan session not found")

// cancelledMarker is the stderr text the backend binary prints when a
// listing child is killed on request. A listing failure carrying it is a
// cancellation, not an error.
const cancelledMarker = "Cancelled by user"

var errWalkCancelled = errors.New("walk cancelled")

// Status is the terminal outcome carried by a done event.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// EventType discriminates the event union.
type EventType string

const (
	EventProgress EventType = "progress"
	EventResult   EventType = "result"
	EventDone     EventType = "done"
)

// Event is one entry in a session's append-only stream. Kind-specific
// counters are pointers so each walk variant serializes only its own.
type Event struct {
	Seq          int64        `json:"seq"`
	Type         EventType    `json:"type"`
	CurrentDir   string       `json:"current_dir,omitempty"`
	ScannedDirs  *int         `json:"scanned_dirs,omitempty"`
	MatchedCount *int         `json:"matched_count,omitempty"`
	FilesCount   *int         `json:"files_count,omitempty"`
	BytesTotal   *int64       `json:"bytes_total,omitempty"`
	Entry        *entry.Entry `json:"entry,omitempty"`
	Status       Status       `json:"status,omitempty"`
	Error        string       `json:"error,omitempty"`
}

func intp(v int) *int       { return &v }
func int64p(v int64) *int64 { return &v }

// PollResult is the answer to one poll: every event past the caller's
// cursor, the done flag, and the cursor to use next time.
type PollResult struct {
	Events  []Event `json:"events"`
	Done    bool    `json:"done"`
	NextSeq int64   `json:"next_seq"`
}

// Lister is the slice of the backend adapter a walk needs: one
// non-recursive listing whose child is killed when shouldCancel trips.
type Lister interface {
	ListCancellable(ctx context.Context, remotePath string, recursive bool, shouldCancel func() bool, timeout time.Duration) ([]entry.Entry, error)
}

// kind supplies the variant-specific pieces of a walk. All three methods
// run under the manager lock.
type kind interface {
	// observe folds one listed entry into the session counters and
	// returns a result event to append, when the variant emits one.
	observe(s *Session, ent entry.Entry) (Event, bool)
	progress(s *Session, currentDir string) Event
	done(s *Session, status Status, errMsg string) Event
}

// Session is one in-memory walk. Everything except cancelRequested is
// guarded by the owning manager's lock.
type Session struct {
	ID       string
	RootPath string

	kind kind

	cancelRequested atomic.Bool

	seq          int64
	scannedDirs  int
	matchedCount int
	filesCount   int
	bytesTotal   int64
	events       []Event
	done         bool
	doneAt       time.Time
	lastPolledAt time.Time
}

// Options tunes a manager's timing. Zero fields take the defaults.
type Options struct {
	Heartbeat         time.Duration // progress re-emission during a slow listing
	PerDirTimeout     time.Duration // deadline for one directory listing
	UnpolledTimeout   time.Duration // idle-client window before the janitor cancels
	TerminalRetention time.Duration // how long a done session stays pollable
	JanitorInterval   time.Duration
}

func (o Options) withDefaults() Options {
	if o.Heartbeat <= 0 {
		o.Heartbeat = time.Second
	}
	if o.PerDirTimeout <= 0 {
		o.PerDirTimeout = 30 * time.Second
	}
	if o.UnpolledTimeout <= 0 {
		o.UnpolledTimeout = 30 * time.Second
	}
	if o.TerminalRetention <= 0 {
		o.TerminalRetention = 300 * time.Second
	}
	if o.JanitorInterval <= 0 {
		o.JanitorInterval = 2 * time.Second
	}
	return o
}

// Manager owns a table of sessions of one walk variant plus the janitor
// that reaps them.
type Manager struct {
	lister   Lister
	kindName string
	opts     Options

	mu       sync.Mutex
	sessions map[string]*Session

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func newManager(lister Lister, kindName string, opts Options) *Manager {
	return &Manager{
		lister:   lister,
		kindName: kindName,
		opts:     opts.withDefaults(),
		sessions: make(map[string]*Session),
	}
}

// Start launches the janitor. Call it before creating sessions.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.started = true
	m.wg.Add(1)
	go m.janitor()
}

// Stop cancels the janitor and every session and waits for their
// walkers to settle.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	for _, s := range m.sessions {
		s.cancelRequested.Store(true)
	}
	cancel := m.cancel
	m.mu.Unlock()
	cancel()
	m.wg.Wait()
}

func (m *Manager) create(rootPath string, k kind) string {
	s := &Session{
		ID:           uuid.NewString(),
		RootPath:     rootPath,
		kind:         k,
		lastPolledAt: time.Now(),
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.wg.Add(1)
	m.mu.Unlock()

	log.WithFields(log.Fields{
		"kind": m.kindName,
		"id":   s.ID,
		"root": rootPath,
	}).Debug("scan session created")
	go m.walk(s)
	return s.ID
}

// Poll returns every event with seq > afterSeq and refreshes the
// session's liveness clock.
func (m *Manager) Poll(id string, afterSeq int64) (*PollResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	s.lastPolledAt = time.Now()
	events := make([]Event, 0)
	for _, ev := range s.events {
		if ev.Seq > afterSeq {
			events = append(events, ev)
		}
	}
	return &PollResult{Events: events, Done: s.done, NextSeq: s.seq}, nil
}

// Cancel flips the session's cancel flag. It does not wait for the
// walker; the done(cancelled) event lands when the walk notices.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.cancelRequested.Store(true)
	return nil
}

func (m *Manager) janitor() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sweep(time.Now())
		}
	}
}

// sweep cancels abandoned sessions and drops aged-out terminal ones.
func (m *Manager) sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		if !s.done && now.Sub(s.lastPolledAt) > m.opts.UnpolledTimeout {
			s.cancelRequested.Store(true)
		}
		if s.done && now.Sub(s.doneAt) > m.opts.TerminalRetention {
			delete(m.sessions, id)
		}
	}
}

// emit appends one event under the seq guard: a session that is done or
// already reaped drops the event silently.
func (m *Manager) emit(s *Session, build func() Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok || s.done {
		return
	}
	ev := build()
	s.seq++
	ev.Seq = s.seq
	s.events = append(s.events, ev)
}

func (m *Manager) emitProgress(s *Session, currentDir string, firstVisit bool) {
	m.emit(s, func() Event {
		if firstVisit {
			s.scannedDirs++
		}
		return s.kind.progress(s, currentDir)
	})
}

// emitObserved folds one entry into the counters; not every
// observation produces an event, and a dropped one must not burn a seq.
func (m *Manager) emitObserved(s *Session, ent entry.Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok || s.done {
		return
	}
	ev, ok := s.kind.observe(s, ent)
	if !ok {
		return
	}
	s.seq++
	ev.Seq = s.seq
	s.events = append(s.events, ev)
}

func (m *Manager) emitDone(s *Session, status Status, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok || s.done {
		return
	}
	s.done = true
	s.doneAt = time.Now()
	ev := s.kind.done(s, status, errMsg)
	s.seq++
	ev.Seq = s.seq
	s.events = append(s.events, ev)
	log.WithFields(log.Fields{
		"kind":   m.kindName,
		"id":     s.ID,
		"status": status,
	}).Debug("scan session finished")
}

// walk is the breadth-first traversal: pop a directory, emit progress,
// list it with heartbeats, fold its entries, push subdirectories.
func (m *Manager) walk(s *Session) {
	defer m.wg.Done()
	frontier := []string{s.RootPath}
	for len(frontier) > 0 {
		if s.cancelRequested.Load() {
			m.emitDone(s, StatusCancelled, "")
			return
		}
		currentDir := frontier[0]
		frontier = frontier[1:]
		m.emitProgress(s, currentDir, true)

		entries, err := m.listWithHeartbeat(s, currentDir)
		if err != nil {
			if errors.Is(err, errWalkCancelled) || s.cancelRequested.Load() || strings.Contains(err.Error(), cancelledMarker) {
				m.emitDone(s, StatusCancelled, "")
				return
			}
			m.emitDone(s, StatusFailed, err.Error())
			return
		}

		for _, ent := range entries {
			if s.cancelRequested.Load() {
				m.emitDone(s, StatusCancelled, "")
				return
			}
			if ent.IsDir {
				frontier = append(frontier, ent.Path)
			}
			m.emitObserved(s, ent)
		}
	}
	m.emitDone(s, StatusSuccess, "")
}

// listWithHeartbeat runs one directory listing while re-emitting
// progress every heartbeat so a polling client sees the session alive
// during a slow remote.
func (m *Manager) listWithHeartbeat(s *Session, currentDir string) ([]entry.Entry, error) {
	type listOutcome struct {
		entries []entry.Entry
		err     error
	}
	outcome := make(chan listOutcome, 1)
	go func() {
		entries, err := m.lister.ListCancellable(m.ctx, currentDir, false, s.cancelRequested.Load, m.opts.PerDirTimeout)
		outcome <- listOutcome{entries, err}
	}()

	ticker := time.NewTicker(m.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case res := <-outcome:
			return res.entries, res.err
		case <-m.ctx.Done():
			return nil, errWalkCancelled
		case <-ticker.C:
			if s.cancelRequested.Load() {
				return nil, errWalkCancelled
			}
			m.emitProgress(s, currentDir, false)
		}
	}
}
