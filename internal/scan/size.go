package scan

import "github.com/michaelscutari/rclone-hub/internal/entry"

// SizeManager walks a tree accumulating file counts and byte totals.
// Results arrive only through progress and done events; the size walk
// never emits per-entry results.
type SizeManager struct {
	*Manager
}

// NewSizeManager builds the disk-usage variant over the given lister.
func NewSizeManager(lister Lister, opts Options) *SizeManager {
	return &SizeManager{newManager(lister, "size", opts)}
}

// Create starts a size session over rootPath and returns its id.
func (m *SizeManager) Create(rootPath string) string {
	return m.create(rootPath, sizeKind{})
}

type sizeKind struct{}

func (sizeKind) observe(s *Session, ent entry.Entry) (Event, bool) {
	if ent.IsDir {
		return Event{}, false
	}
	s.filesCount++
	if ent.Size > 0 {
		s.bytesTotal += ent.Size
	}
	return Event{}, false
}

func (sizeKind) progress(s *Session, currentDir string) Event {
	return Event{
		Type:        EventProgress,
		CurrentDir:  currentDir,
		ScannedDirs: intp(s.scannedDirs),
		FilesCount:  intp(s.filesCount),
		BytesTotal:  int64p(s.bytesTotal),
	}
}

func (sizeKind) done(s *Session, status Status, errMsg string) Event {
	return Event{
		Type:        EventDone,
		Status:      status,
		ScannedDirs: intp(s.scannedDirs),
		FilesCount:  intp(s.filesCount),
		BytesTotal:  int64p(s.bytesTotal),
		Error:       errMsg,
	}
}
