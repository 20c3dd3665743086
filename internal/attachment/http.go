package attachment

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-resty/resty/v2"
)

// HTTPUploader posts attachments to the relay's /v1/attachments endpoint.
type HTTPUploader struct {
	client *resty.Client
	token  func() string
}

// NewHTTPUploader uses client, whose base URL points at the relay. token returns the
// current access token.
func NewHTTPUploader(client *resty.Client, token func() string) *HTTPUploader {
	return &HTTPUploader{client: client, token: token}
}

type uploadResponse struct {
	URL string `json:"url"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (u *HTTPUploader) Upload(ctx context.Context, ownerID string, f File) (string, error) {
	f, err := Prepare(f)
	if err != nil {
		return "", err
	}
	name := f.Name
	if name == "" {
		name = "image" + Extension(f.ContentType)
	}

	var out uploadResponse
	var apiErr errorResponse
	resp, err := u.client.R().
		SetContext(ctx).
		SetAuthToken(u.token()).
		SetMultipartField("file", name, f.ContentType, f.Body).
		SetResult(&out).
		SetError(&apiErr).
		Post("/v1/attachments")
	if err != nil {
		return "", fmt.Errorf("upload attachment: %w", err)
	}

	switch resp.StatusCode() {
	case http.StatusCreated, http.StatusOK:
	case http.StatusUnsupportedMediaType:
		return "", ErrNotImage
	case http.StatusRequestEntityTooLarge:
		return "", ErrTooLarge
	default:
		return "", fmt.Errorf("upload attachment: %s: %s", resp.Status(), apiErr.Error)
	}
	if out.URL == "" {
		return "", fmt.Errorf("upload attachment: empty url in response (owner %s)", ownerID)
	}
	return out.URL, nil
}
