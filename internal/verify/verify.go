// Package verify implements strict post-copy verification: file counts,
// per-file sizes, then checksum agreement or modtime proximity.
package verify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/michaelscutari/rclone-hub/internal/entry"
	"github.com/michaelscutari/rclone-hub/internal/remotepath"
)

// modTimeTolerance bounds the allowed modtime skew when no common
// checksum algorithm exists. Remote backends round timestamps
// differently; two seconds absorbs the usual FAT-style truncation.
const modTimeTolerance = 2 * time.Second

// Lister is the recursive-listing capability the verifier needs from the
// driver.
type Lister interface {
	List(ctx context.Context, remotePath string, recursive bool) ([]entry.Entry, error)
}

// Result reports the verification outcome. Verification never errors;
// listing failures become a failed Result with an explanatory reason.
type Result struct {
	Passed bool
	Reason string
}

func fail(format string, args ...any) Result {
	return Result{Passed: false, Reason: fmt.Sprintf(format, args...)}
}

// Strict compares the recursive listings of source and destination.
// Directories themselves are not compared; empty-directory presence on
// the destination is backend-dependent.
func Strict(ctx context.Context, lister Lister, source, destination string) Result {
	srcEntries, err := lister.List(ctx, source, true)
	if err != nil {
		return fail("unable to list for verification: %v", err)
	}
	dstEntries, err := lister.List(ctx, destination, true)
	if err != nil {
		return fail("unable to list for verification: %v", err)
	}

	srcFiles := files(srcEntries)
	dstFiles := files(dstEntries)
	if len(srcFiles) != len(dstFiles) {
		return fail("file count mismatch")
	}

	dstByPath := make(map[string]entry.Entry, len(dstFiles))
	for _, e := range dstFiles {
		dstByPath[e.Path] = e
	}

	for _, src := range srcFiles {
		expected, err := remotepath.MapToDestination(source, src.Path, destination)
		if err != nil {
			return fail("unable to map path for verification: %v", err)
		}
		dst, ok := dstByPath[expected]
		if !ok {
			return fail("missing destination file: %s", expected)
		}
		if src.Size != dst.Size {
			return fail("size mismatch: %s", src.Path)
		}

		if mismatched := hashMismatches(src, dst); mismatched != nil {
			return fail("checksum mismatch (%s): %s", strings.Join(mismatched, ","), src.Path)
		}
		if !hashesOverlap(src, dst) && src.ModTime != nil && dst.ModTime != nil {
			delta := src.ModTime.Sub(*dst.ModTime)
			if delta < 0 {
				delta = -delta
			}
			if delta > modTimeTolerance {
				return fail("modtime mismatch without checksum: %s", src.Path)
			}
		}
	}

	return Result{Passed: true, Reason: "strict verification passed"}
}

func files(entries []entry.Entry) []entry.Entry {
	out := entries[:0:0]
	for _, e := range entries {
		if !e.IsDir {
			out = append(out, e)
		}
	}
	return out
}

func hashesOverlap(a, b entry.Entry) bool {
	for alg := range a.Hashes {
		if _, ok := b.Hashes[alg]; ok {
			return true
		}
	}
	return false
}

// hashMismatches returns the sorted algorithm names on which the two
// entries disagree, or nil when every common algorithm agrees.
func hashMismatches(src, dst entry.Entry) []string {
	var mismatched []string
	for alg, srcDigest := range src.Hashes {
		dstDigest, ok := dst.Hashes[alg]
		if !ok {
			continue
		}
		if srcDigest != dstDigest {
			mismatched = append(mismatched, alg)
		}
	}
	sort.Strings(mismatched)
	return mismatched
}
