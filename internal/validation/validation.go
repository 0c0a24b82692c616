// Package validation checks that container and job identifiers are safe to
// use as a single path segment, since both ultimately become components of
// blob store keys. It has no dependencies on other internal packages to
// avoid import cycles.
package validation

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidContainerSlug indicates the slug is malformed or attempts path traversal.
var ErrInvalidContainerSlug = errors.New("invalid container slug")

// ErrInvalidJobID indicates the job id is malformed or attempts path traversal.
var ErrInvalidJobID = errors.New("invalid job id")

// ContainerSlug checks that slug is safe for use as a single filesystem/blob
// key path segment. Returns the cleaned slug, or an error if it isn't.
func ContainerSlug(slug string) (string, error) {
	return singleSegment(slug, ErrInvalidContainerSlug)
}

// JobID checks that id is safe for use as a single filesystem/blob key path
// segment.
func JobID(id string) (string, error) {
	return singleSegment(id, ErrInvalidJobID)
}

func singleSegment(s string, invalid error) (string, error) {
	if s == "" {
		return "", nil
	}
	if s == "." || s == ".." {
		return "", invalid
	}
	if strings.ContainsAny(s, `/\`) {
		return "", invalid
	}

	clean := filepath.Clean(s)
	if clean != s ||
		strings.HasPrefix(clean, "..") ||
		strings.Contains(clean, string(os.PathSeparator)+"..") ||
		filepath.IsAbs(clean) {
		return "", invalid
	}

	return clean, nil
}
