package driver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/michaelscutari/rclone-hub/internal/entry"
	"github.com/michaelscutari/rclone-hub/internal/remotepath"
)

// Flags for listing invocations. Hashes and metadata ride along so the
// verifier can compare without extra round trips.
var listFlags = []string{"--hash", "--metadata", "--files-only=false"}

// Flags that make copy invocations emit one parseable stats line per second
// on stderr.
var progressFlags = []string{"--stats=1s", "--stats-one-line", "--stats-log-level", "NOTICE"}

// Version returns the first non-empty line of the driver's version output.
func (c *Client) Version(ctx context.Context) (string, error) {
	result, err := c.RunChecked(ctx, []string{"version", "--check=false"})
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(result.Stdout, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed, nil
		}
	}
	return "unknown", nil
}

// ConfigFile returns the last non-empty line of the driver's config-path
// output, which is the path itself.
func (c *Client) ConfigFile(ctx context.Context) (string, error) {
	result, err := c.RunChecked(ctx, []string{"config", "file"})
	if err != nil {
		return "", err
	}
	lines := strings.Split(result.Stdout, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if trimmed := strings.TrimSpace(lines[i]); trimmed != "" {
			return trimmed, nil
		}
	}
	return "", nil
}

// ListRemotes returns the configured remote names, each ending in ":".
func (c *Client) ListRemotes(ctx context.Context) ([]string, error) {
	result, err := c.RunChecked(ctx, []string{"listremotes"})
	if err != nil {
		return nil, err
	}
	var remotes []string
	for _, line := range strings.Split(result.Stdout, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			remotes = append(remotes, trimmed)
		}
	}
	return remotes, nil
}

func listArgs(remotePath string, recursive bool) []string {
	args := append([]string{"lsjson", remotePath}, listFlags...)
	if recursive {
		args = append(args, "--recursive")
	}
	return args
}

func decodeEntries(remotePath string, payload []byte) ([]entry.Entry, error) {
	items, err := entry.DecodeList(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to parse listing of %s: %w", remotePath, err)
	}
	entries := make([]entry.Entry, 0, len(items))
	for _, item := range items {
		rel := item.Path
		if rel == "" {
			rel = item.Name
		}
		path, err := remotepath.Join(remotePath, rel)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry.FromListItem(item, path))
	}
	return entries, nil
}

// List fetches a directory listing of remotePath, optionally recursive.
// Entry paths are resynthesized as absolute remote paths under remotePath.
func (c *Client) List(ctx context.Context, remotePath string, recursive bool) ([]entry.Entry, error) {
	result, err := c.RunChecked(ctx, listArgs(remotePath, recursive))
	if err != nil {
		return nil, err
	}
	return decodeEntries(remotePath, []byte(result.Stdout))
}

// ListCancellable is List through the streaming mode, so a caller-supplied
// cancel predicate can kill a slow listing mid-flight.
func (c *Client) ListCancellable(
	ctx context.Context,
	remotePath string,
	recursive bool,
	shouldCancel func() bool,
	timeout time.Duration,
) ([]entry.Entry, error) {
	result, err := c.RunStreaming(ctx, listArgs(remotePath, recursive), nil, shouldCancel, timeout)
	if err != nil {
		return nil, err
	}
	if result.Failed() {
		return nil, result.Err()
	}
	return decodeEntries(remotePath, []byte(result.Stdout))
}

// Stat fetches a single entry for remotePath.
func (c *Client) Stat(ctx context.Context, remotePath string) (entry.Entry, error) {
	args := []string{"lsjson", remotePath, "--stat", "--hash", "--metadata"}
	result, err := c.RunChecked(ctx, args)
	if err != nil {
		return entry.Entry{}, err
	}
	item, err := entry.DecodeStat([]byte(result.Stdout))
	if err != nil {
		return entry.Entry{}, fmt.Errorf("failed to parse stat of %s: %w", remotePath, err)
	}
	return entry.FromListItem(item, remotePath), nil
}

// copyCmd runs one of the copy verbs, streaming progress lines to
// onProgress when supplied.
func (c *Client) copyCmd(ctx context.Context, verb, src, dst string, onProgress func(string), shouldCancel func() bool) (CommandResult, error) {
	if onProgress != nil || shouldCancel != nil {
		args := append([]string{verb, src, dst}, progressFlags...)
		return c.RunStreaming(ctx, args, onProgress, shouldCancel, c.Timeout)
	}
	return c.Run(ctx, []string{verb, src, dst, "--progress=false"})
}

// Copy copies the contents of the source directory into destinationDir.
func (c *Client) Copy(ctx context.Context, source, destinationDir string, onProgress func(string), shouldCancel func() bool) (CommandResult, error) {
	return c.copyCmd(ctx, "copy", source, destinationDir, onProgress, shouldCancel)
}

// CopyTo copies a single source file to the exact destination path.
func (c *Client) CopyTo(ctx context.Context, source, destination string, onProgress func(string), shouldCancel func() bool) (CommandResult, error) {
	return c.copyCmd(ctx, "copyto", source, destination, onProgress, shouldCancel)
}

// ToLocalCopy pulls a remote directory into the local staging directory.
func (c *Client) ToLocalCopy(ctx context.Context, sourceRemote, destinationLocalDir string, onProgress func(string), shouldCancel func() bool) (CommandResult, error) {
	if err := os.MkdirAll(destinationLocalDir, 0o755); err != nil {
		return CommandResult{Returncode: -1}, fmt.Errorf("failed to create staging dir: %w", err)
	}
	return c.copyCmd(ctx, "copy", sourceRemote, destinationLocalDir, onProgress, shouldCancel)
}

// ToLocalCopyTo pulls a remote file to the exact local path.
func (c *Client) ToLocalCopyTo(ctx context.Context, sourceRemote, destinationLocal string, onProgress func(string), shouldCancel func() bool) (CommandResult, error) {
	if err := os.MkdirAll(filepath.Dir(destinationLocal), 0o755); err != nil {
		return CommandResult{Returncode: -1}, fmt.Errorf("failed to create staging dir: %w", err)
	}
	return c.copyCmd(ctx, "copyto", sourceRemote, destinationLocal, onProgress, shouldCancel)
}

// FromLocalCopy pushes a local staging directory into the remote
// destination directory.
func (c *Client) FromLocalCopy(ctx context.Context, sourceLocalDir, destinationRemoteDir string, onProgress func(string), shouldCancel func() bool) (CommandResult, error) {
	return c.copyCmd(ctx, "copy", sourceLocalDir, destinationRemoteDir, onProgress, shouldCancel)
}

// FromLocalCopyTo pushes a local staging file to the exact remote path.
func (c *Client) FromLocalCopyTo(ctx context.Context, sourceLocal, destinationRemote string, onProgress func(string), shouldCancel func() bool) (CommandResult, error) {
	return c.copyCmd(ctx, "copyto", sourceLocal, destinationRemote, onProgress, shouldCancel)
}

// DeletePath removes remotePath. Files use the single-file form;
// directories use the recursive form that also prunes emptied dirs. When
// stat cannot determine the type, the directory form is the safe
// over-approximation.
func (c *Client) DeletePath(ctx context.Context, remotePath string) (CommandResult, error) {
	ent, err := c.Stat(ctx, remotePath)
	if err != nil {
		return c.Run(ctx, []string{"delete", remotePath, "--rmdirs"})
	}
	if ent.IsDir {
		return c.Run(ctx, []string{"delete", remotePath, "--rmdirs"})
	}
	return c.Run(ctx, []string{"deletefile", remotePath})
}

// RenameWithinParent renames sourcePath to newName inside its parent
// directory and returns the updated path. Renaming to the current name is
// a no-op.
func (c *Client) RenameWithinParent(ctx context.Context, sourcePath, newName string) (string, error) {
	currentName, err := remotepath.Base(sourcePath)
	if err != nil {
		return "", err
	}
	if currentName == "" {
		return "", fmt.Errorf("cannot rename remote root %s", sourcePath)
	}
	if currentName == newName {
		return sourcePath, nil
	}
	parent, err := remotepath.Dir(sourcePath)
	if err != nil {
		return "", err
	}
	destination, err := remotepath.Join(parent, newName)
	if err != nil {
		return "", err
	}
	if _, err := c.RunChecked(ctx, []string{"moveto", sourcePath, destination}); err != nil {
		return "", err
	}
	return destination, nil
}

// OpenCatStream opens a live read of the remote file's bytes.
func (c *Client) OpenCatStream(remotePath string) (*StreamHandle, error) {
	return c.OpenStream([]string{"cat", remotePath})
}
