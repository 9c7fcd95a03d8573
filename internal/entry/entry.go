// Package entry defines the listing entry model shared by the driver,
// the verifier and the scan sessions.
package entry

import (
	"encoding/json"
	"time"
)

// Entry represents one object or directory reported by a remote listing.
// Entries are immutable once produced, except for ParentPath which the
// search walker fills in on matched results.
type Entry struct {
	Name       string            `json:"name"`
	Path       string            `json:"path"`
	ParentPath string            `json:"parent_path,omitempty"`
	IsDir      bool              `json:"is_dir"`
	Size       int64             `json:"size"`
	ModTime    *time.Time        `json:"mod_time,omitempty"`
	Hashes     map[string]string `json:"hashes,omitempty"`
}

// ListItem is the raw shape of one element of rclone's lsjson output.
type ListItem struct {
	Name    string            `json:"Name"`
	Path    string            `json:"Path"`
	IsDir   bool              `json:"IsDir"`
	Size    int64             `json:"Size"`
	ModTime string            `json:"ModTime"`
	Hashes  map[string]string `json:"Hashes"`
}

// DecodeList parses a lsjson array payload. An empty payload decodes to an
// empty slice.
func DecodeList(payload []byte) ([]ListItem, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	var items []ListItem
	if err := json.Unmarshal(payload, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// DecodeStat parses a single lsjson --stat object payload.
func DecodeStat(payload []byte) (ListItem, error) {
	var item ListItem
	if len(payload) == 0 {
		return item, nil
	}
	err := json.Unmarshal(payload, &item)
	return item, err
}

// ParseModTime parses an RFC3339 modification time from a listing.
// Unparseable or absent values yield nil rather than an error; backends
// disagree on timestamp fidelity and a missing modtime is not fatal.
func ParseModTime(value string) *time.Time {
	if value == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return nil
	}
	return &t
}

// FromListItem converts a raw lsjson item to an Entry addressed at path.
func FromListItem(item ListItem, path string) Entry {
	size := item.Size
	if size < 0 {
		size = 0
	}
	return Entry{
		Name:    item.Name,
		Path:    path,
		IsDir:   item.IsDir,
		Size:    size,
		ModTime: ParseModTime(item.ModTime),
		Hashes:  item.Hashes,
	}
}
