package attachment

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Memory is an in-process Uploader.
type Memory struct {
	mu      sync.Mutex
	objects map[string][]byte
	next    int
	failure error
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

// FailWith makes every later upload return err. nil restores normal behaviour.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failure = err
}

func (m *Memory) Upload(ctx context.Context, ownerID string, f File) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f, err := Prepare(f)
	if err != nil {
		return "", err
	}
	body, err := io.ReadAll(f.Body)
	if err != nil {
		return "", fmt.Errorf("read attachment: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure != nil {
		return "", m.failure
	}
	m.next++
	url := fmt.Sprintf("mem://%s/%d%s", ownerID, m.next, Extension(f.ContentType))
	m.objects[url] = body
	return url, nil
}

// Get returns the stored content for url.
func (m *Memory) Get(url string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[url]
	return b, ok
}

// Len returns the number of stored objects.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}
