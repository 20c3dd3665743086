package attachment

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pngBytes is a 1x1 transparent PNG.
var pngBytes = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89, 0x00, 0x00, 0x00,
	0x0a, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49,
	0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}

func TestIsImage(t *testing.T) {
	assert.True(t, IsImage("image/png"))
	assert.True(t, IsImage("image/jpeg; charset=binary"))
	assert.False(t, IsImage("text/plain; charset=utf-8"))
	assert.False(t, IsImage(""))
}

func TestSniff_keepsFullContent(t *testing.T) {
	ct, body, err := Sniff(bytes.NewReader(pngBytes))
	require.NoError(t, err)
	assert.Equal(t, "image/png", ct)

	got, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, pngBytes, got)
}

func TestPrepare(t *testing.T) {
	f, err := Prepare(File{Body: bytes.NewReader(pngBytes)})
	require.NoError(t, err)
	assert.Equal(t, "image/png", f.ContentType)

	_, err = Prepare(File{Body: strings.NewReader("hello there")})
	assert.ErrorIs(t, err, ErrNotImage)

	_, err = Prepare(File{ContentType: "application/pdf", Body: strings.NewReader("%PDF")})
	assert.ErrorIs(t, err, ErrNotImage)

	_, err = Prepare(File{})
	assert.Error(t, err)
}

func TestExtension(t *testing.T) {
	assert.Equal(t, ".png", Extension("image/png"))
	assert.Equal(t, ".jpg", Extension("image/jpeg"))
	assert.Equal(t, "", Extension("application/x-unknown-thing"))
}

func TestMemory_Upload(t *testing.T) {
	m := NewMemory()
	url, err := m.Upload(context.Background(), "u1", File{Body: bytes.NewReader(pngBytes)})
	require.NoError(t, err)
	assert.Equal(t, "mem://u1/1.png", url)

	got, ok := m.Get(url)
	require.True(t, ok)
	assert.Equal(t, pngBytes, got)

	boom := errors.New("boom")
	m.FailWith(boom)
	_, err = m.Upload(context.Background(), "u1", File{Body: bytes.NewReader(pngBytes)})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, m.Len())
}

func TestDiskStore_SaveAndOpen(t *testing.T) {
	store, err := NewDiskStore(t.TempDir(), 1024)
	require.NoError(t, err)

	name, ct, err := store.Save("owner-1", bytes.NewReader(pngBytes))
	require.NoError(t, err)
	assert.Equal(t, "image/png", ct)
	assert.True(t, strings.HasSuffix(name, ".png"))

	f, gotCT, err := store.Open("owner-1", name)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, "image/png", gotCT)
	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, pngBytes, got)
}

func TestDiskStore_rejects(t *testing.T) {
	dir := t.TempDir()
	store, err := NewDiskStore(dir, 16)
	require.NoError(t, err)

	_, _, err = store.Save("owner-1", strings.NewReader("just some text"))
	assert.ErrorIs(t, err, ErrNotImage)

	_, _, err = store.Save("owner-1", bytes.NewReader(pngBytes))
	assert.ErrorIs(t, err, ErrTooLarge)

	entries, err := os.ReadDir(filepath.Join(dir, "owner-1"))
	require.NoError(t, err)
	assert.Empty(t, entries, "rejected uploads leave no files behind")

	_, _, err = store.Save("../escape", bytes.NewReader(pngBytes))
	assert.Error(t, err)
}

func TestDiskStore_OpenUnknown(t *testing.T) {
	store, err := NewDiskStore(t.TempDir(), 1024)
	require.NoError(t, err)

	for _, tc := range []struct{ owner, name string }{
		{"owner-1", "missing.png"},
		{"..", "passwd"},
		{"owner-1", ".upload-123"},
		{"", "x.png"},
	} {
		_, _, err := store.Open(tc.owner, tc.name)
		assert.ErrorIs(t, err, ErrNotFound, "%s/%s", tc.owner, tc.name)
	}
}

func TestHTTPUploader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/attachments", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		file, header, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer file.Close()
		body, _ := io.ReadAll(file)
		if len(body) > len(pngBytes) {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"url":"http://cdn/`+header.Filename+`"}`)
	}))
	defer srv.Close()

	u := NewHTTPUploader(resty.New().SetBaseURL(srv.URL), func() string { return "tok" })

	url, err := u.Upload(context.Background(), "u1", File{Name: "cat.png", Body: bytes.NewReader(pngBytes)})
	require.NoError(t, err)
	assert.Equal(t, "http://cdn/cat.png", url)

	big := append(append([]byte{}, pngBytes...), make([]byte, 100)...)
	_, err = u.Upload(context.Background(), "u1", File{Body: bytes.NewReader(big)})
	assert.ErrorIs(t, err, ErrTooLarge)

	_, err = u.Upload(context.Background(), "u1", File{Body: strings.NewReader("not an image")})
	assert.ErrorIs(t, err, ErrNotImage)
}
