// Package remotepath implements the path algebra for rclone-style
// "remote:relative/path" strings shared by the driver, verifier and
// transfer engine.
package remotepath

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPath reports a remote path without a remote:path separator.
var ErrInvalidPath = errors.New("invalid remote path")

// Split separates a remote path into its remote name and relative path.
// Leading slashes on the relative path are stripped. The relative path may
// be empty, which addresses the remote root.
func Split(remotePath string) (remote, rel string, err error) {
	idx := strings.Index(remotePath, ":")
	if idx < 0 {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidPath, remotePath)
	}
	return remotePath[:idx], strings.TrimLeft(remotePath[idx+1:], "/"), nil
}

// IsRemote reports whether the string carries a remote:path separator.
func IsRemote(remotePath string) bool {
	return strings.Contains(remotePath, ":")
}

// Join appends child onto base. Slashes at either edge of both components
// are trimmed before joining, so Join("r:a/", "/b") yields "r:a/b".
func Join(base, child string) (string, error) {
	remote, rel, err := Split(base)
	if err != nil {
		return "", err
	}
	rel = strings.Trim(rel, "/")
	child = strings.Trim(child, "/")

	var joined string
	switch {
	case rel == "":
		joined = child
	case child == "":
		joined = rel
	default:
		joined = rel + "/" + child
	}
	return render(remote, joined), nil
}

// Base returns the last slash-delimited segment of the relative path, or
// the empty string for a remote root.
func Base(remotePath string) (string, error) {
	_, rel, err := Split(remotePath)
	if err != nil {
		return "", err
	}
	rel = strings.Trim(rel, "/")
	if rel == "" {
		return "", nil
	}
	parts := strings.Split(rel, "/")
	return parts[len(parts)-1], nil
}

// Dir returns the parent of remotePath. Paths with zero or one segment
/// resolve to the remote root "remote:".
func Dir(remotePath string) (string, error) {
	remote, rel, err := Split(remotePath)
	if err != nil {
		return "", err
	}
	rel = strings.Trim(rel, "/")
	if rel == "" {
		return render(remote, ""), nil
	}
	parts := strings.Split(rel, "/")
	if len(parts) == 1 {
		return render(remote, ""), nil
	}
	return render(remote, strings.Join(parts[:len(parts)-1], "/")), nil
}

// MapToDestination rebases itemPath from under sourceRoot to under
// destinationRoot. It is the bijection the verifier uses to pair source
// and destination listings.
func MapToDestination(sourceRoot, itemPath, destinationRoot string) (string, error) {
	_, srcPrefix, err := Split(sourceRoot)
	if err != nil {
		return "", err
	}
	dstRemote, dstPrefix, err := Split(destinationRoot)
	if err != nil {
		return "", err
	}
	_, itemRel, err := Split(itemPath)
	if err != nil {
		return "", err
	}

	rel := itemRel
	if srcPrefix != "" && strings.HasPrefix(itemRel, srcPrefix) {
		rel = itemRel[len(srcPrefix):]
	}
	rel = strings.TrimLeft(rel, "/")

	mapped := rel
	if dstPrefix != "" {
		if rel == "" {
			mapped = dstPrefix
		} else {
			mapped = strings.TrimRight(dstPrefix, "/") + "/" + rel
		}
	}
	return render(dstRemote, mapped), nil
}

func render(remote, rel string) string {
	if rel == "" {
		return remote + ":"
	}
	return remote + ":" + rel
}
