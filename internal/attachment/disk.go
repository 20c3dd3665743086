package attachment

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// DiskStore keeps uploaded images under dir/{owner}/{name}.
type DiskStore struct {
	dir      string
	maxBytes int64

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func NewDiskStore(dir string, maxBytes int64) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create attachment dir: %w", err)
	}
	return &DiskStore{dir: dir, maxBytes: maxBytes, entropy: ulid.Monotonic(rand.Reader, 0)}, nil
}

// Save sniffs r, rejects non-images and stores the content. It returns the stored
// name and the detected content type.
func (s *DiskStore) Save(ownerID string, r io.Reader) (name, contentType string, err error) {
	if !validSegment(ownerID) {
		return "", "", fmt.Errorf("invalid owner %q", ownerID)
	}
	contentType, body, err := Sniff(r)
	if err != nil {
		return "", "", fmt.Errorf("read attachment: %w", err)
	}
	if !IsImage(contentType) {
		return "", "", ErrNotImage
	}

	dir := filepath.Join(s.dir, ownerID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create owner dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return "", "", fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	n, err := io.Copy(tmp, io.LimitReader(body, s.maxBytes+1))
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", "", fmt.Errorf("write attachment: %w", err)
	}
	if n > s.maxBytes {
		err = ErrTooLarge
		return "", "", err
	}

	name = s.newName() + Extension(contentType)
	if err = os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		return "", "", fmt.Errorf("store attachment: %w", err)
	}
	return name, contentType, nil
}

func (s *DiskStore) newName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.ToLower(ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String())
}

// ErrNotFound is returned by Open for unknown attachments.
var ErrNotFound = errors.New("attachment not found")

// Open returns the stored file and its content type.
func (s *DiskStore) Open(ownerID, name string) (*os.File, string, error) {
	if !validSegment(ownerID) || !validSegment(name) {
		return nil, "", ErrNotFound
	}
	f, err := os.Open(filepath.Join(s.dir, ownerID, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, "", ErrNotFound
		}
		return nil, "", err
	}
	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return f, contentType, nil
}

func validSegment(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.HasPrefix(s, ".") &&
		!strings.ContainsAny(s, `/\`)
}
