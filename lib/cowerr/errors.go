// Package cowerr collects the sentinel errors that every layer of the
// engine wraps its own errors around, so that callers can use
// errors.Is/errors.As instead of string-matching.
package cowerr

import "errors"

var (
	// NoSpace is returned when the allocator cannot satisfy a
	// request from any block group, even after a commit.
	NoSpace = errors.New("cowtree: no space left")

	// NotFound is returned when a lookup by key, by extent, or by
	// tree root ID comes up empty.
	NotFound = errors.New("cowtree: not found")

	// BadBlock is returned when a node fails checksum validation
	// or fails its structural NodeExpectations check.
	BadBlock = errors.New("cowtree: bad block")

	// IoError wraps failures from the underlying diskio.File.
	IoError = errors.New("cowtree: I/O error")

	// Retry is returned by operations (snapshot drop, in
	// particular) that made partial progress and must be called
	// again, e.g. because a transaction commit interrupted a walk.
	Retry = errors.New("cowtree: operation did not complete, retry")

	// InvalidArgument is returned when a caller's request is
	// malformed independent of any on-disk state.
	InvalidArgument = errors.New("cowtree: invalid argument")
)

// IsRetry reports whether err (or anything it wraps) is Retry, the
// one sentinel callers are expected to branch on programmatically
// rather than just log and propagate.
func IsRetry(err error) bool {
	return errors.Is(err, Retry)
}
