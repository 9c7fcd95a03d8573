package scan

import (
	"path"
	"strings"

	"github.com/michaelscutari/rclone-hub/internal/entry"
	"github.com/michaelscutari/rclone-hub/internal/remotepath"
)

// SearchManager walks a tree emitting a result event for every entry
// whose name matches the query.
type SearchManager struct {
	*Manager
}

// NewSearchManager builds the search-walk variant over the given lister.
func NewSearchManager(lister Lister, opts Options) *SearchManager {
	return &SearchManager{newManager(lister, "search", opts)}
}

// Create starts a search session and returns its id. A blank query
// matches everything. minSizeMB, when non-nil, excludes files below the
// threshold; directories always pass so traversal and directory name
// matches survive the size gate.
func (m *SearchManager) Create(rootPath, query string, literal bool, minSizeMB *float64) string {
	q := strings.TrimSpace(query)
	if q == "" {
		q = "*"
	}
	k := &searchKind{query: q, literal: literal, minSizeBytes: -1}
	if minSizeMB != nil {
		k.minSizeBytes = int64(*minSizeMB * 1024 * 1024)
	}
	return m.create(rootPath, k)
}

type searchKind struct {
	query        string
	literal      bool
	minSizeBytes int64 // -1 when unset
}

func (k *searchKind) observe(s *Session, ent entry.Entry) (Event, bool) {
	if !k.matches(ent) {
		return Event{}, false
	}
	if parent, err := remotepath.Dir(ent.Path); err == nil {
		ent.ParentPath = parent
	}
	s.matchedCount++
	return Event{Type: EventResult, Entry: &ent}, true
}

func (k *searchKind) matches(ent entry.Entry) bool {
	var nameOK bool
	if k.literal {
		nameOK = ent.Name == k.query
	} else {
		ok, err := path.Match(k.query, ent.Name)
		nameOK = err == nil && ok
	}
	if !nameOK {
		return false
	}
	if k.minSizeBytes < 0 || ent.IsDir {
		return true
	}
	return ent.Size >= k.minSizeBytes
}

func (k *searchKind) progress(s *Session, currentDir string) Event {
	return Event{
		Type:         EventProgress,
		CurrentDir:   currentDir,
		ScannedDirs:  intp(s.scannedDirs),
		MatchedCount: intp(s.matchedCount),
	}
}

func (k *searchKind) done(s *Session, status Status, errMsg string) Event {
	return Event{
		Type:         EventDone,
		Status:       status,
		ScannedDirs:  intp(s.scannedDirs),
		MatchedCount: intp(s.matchedCount),
		Error:        errMsg,
	}
}
