package remote

import (
	"fmt"
	"strings"
)

// Split separates a record path into its collection and key.
func Split(path string) (parent, key string) {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

// ValidatePath rejects empty, absolute and dot segments.
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return nil
}

// IsDocumentPath reports whether path names a record (odd number of segments
// addresses a collection, even a record).
func IsDocumentPath(path string) bool {
	return strings.Count(path, "/")%2 == 1
}
