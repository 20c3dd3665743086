// Package attachment uploads message images and stores them on the relay.
package attachment

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
)

var (
	// ErrNotImage is returned for content that is not an image.
	ErrNotImage = errors.New("attachment is not an image")
	// ErrTooLarge is returned when the content exceeds the upload limit.
	ErrTooLarge = errors.New("attachment too large")
)

// File is an image picked for sending.
type File struct {
	Name        string
	ContentType string
	Body        io.Reader
}

// Uploader stores a file and returns the URL it can be downloaded from.
type Uploader interface {
	Upload(ctx context.Context, ownerID string, f File) (url string, err error)
}

// IsImage reports whether contentType names an image media type.
func IsImage(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && strings.HasPrefix(mediaType, "image/")
}

// Sniff detects the content type from the first bytes of r. The returned reader
// yields the full content.
func Sniff(r io.Reader) (string, io.Reader, error) {
	head := make([]byte, 512)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", nil, err
	}
	head = head[:n]
	return http.DetectContentType(head), io.MultiReader(bytes.NewReader(head), r), nil
}

// Prepare fills in a missing content type and rejects non-images.
func Prepare(f File) (File, error) {
	if f.Body == nil {
		return f, errors.New("attachment has no content")
	}
	if f.ContentType == "" {
		ct, body, err := Sniff(f.Body)
		if err != nil {
			return f, err
		}
		f.ContentType, f.Body = ct, body
	}
	if !IsImage(f.ContentType) {
		return f, ErrNotImage
	}
	return f, nil
}

// Extension returns a file extension for an image content type.
func Extension(contentType string) string {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	switch mediaType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	}
	if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}
