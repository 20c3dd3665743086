package identity

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-resty/resty/v2"
)

// HTTPProvider talks to the relay's /auth endpoints.
type HTTPProvider struct {
	client    *resty.Client
	listeners listeners

	refreshMu sync.Mutex

	mu      sync.Mutex
	current *Session
}

var _ Provider = (*HTTPProvider)(nil)

// NewHTTPProvider uses client, whose base URL points at the relay.
func NewHTTPProvider(client *resty.Client) *HTTPProvider {
	return &HTTPProvider{client: client}
}

type credentialsRequest struct {
	ContactAddress string `json:"contact_address"`
	Secret         string `json:"secret"`
}

type sessionResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	User         struct {
		ID             string `json:"id"`
		ContactAddress string `json:"contact_address"`
		DisplayName    string `json:"display_name"`
	} `json:"user"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type apiError struct {
	Error string `json:"error"`
}

func (p *HTTPProvider) Register(ctx context.Context, contactAddress, secret string) (*Session, error) {
	return p.credentials(ctx, "/auth/register", contactAddress, secret)
}

func (p *HTTPProvider) Authenticate(ctx context.Context, contactAddress, secret string) (*Session, error) {
	return p.credentials(ctx, "/auth/login", contactAddress, secret)
}

func (p *HTTPProvider) credentials(ctx context.Context, endpoint, contactAddress, secret string) (*Session, error) {
	var out sessionResponse
	var apiErr apiError
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(credentialsRequest{ContactAddress: contactAddress, Secret: secret}).
		SetResult(&out).
		SetError(&apiErr).
		Post(endpoint)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", endpoint, err)
	}
	if err := classify(resp, apiErr); err != nil {
		return nil, err
	}

	s := &Session{
		UserID:         out.User.ID,
		ContactAddress: out.User.ContactAddress,
		DisplayName:    out.User.DisplayName,
		AccessToken:    out.AccessToken,
		RefreshToken:   out.RefreshToken,
	}
	p.setCurrent(s)
	p.listeners.emit(s)
	cp := *s
	return &cp, nil
}

// Refresh rotates the tokens of the current session and reports the new session to
// listeners.
func (p *HTTPProvider) Refresh(ctx context.Context) (*Session, error) {
	// Refresh tokens are single use; a second concurrent rotation would look like reuse.
	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()

	cur := p.Current()
	if cur == nil {
		return nil, ErrNotSignedIn
	}
	var out tokenResponse
	var apiErr apiError
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"refresh_token": cur.RefreshToken}).
		SetResult(&out).
		SetError(&apiErr).
		Post("/auth/refresh")
	if err != nil {
		return nil, fmt.Errorf("/auth/refresh: %w", err)
	}
	if err := classify(resp, apiErr); err != nil {
		return nil, err
	}
	cur.AccessToken, cur.RefreshToken = out.AccessToken, out.RefreshToken
	p.setCurrent(cur)
	p.listeners.emit(cur)
	cp := *cur
	return &cp, nil
}

// RefreshAccessToken is Refresh for transports that only need the new access token.
func (p *HTTPProvider) RefreshAccessToken(ctx context.Context) (string, error) {
	s, err := p.Refresh(ctx)
	if err != nil {
		return "", err
	}
	return s.AccessToken, nil
}

// SignOut revokes the refresh token. The local session ends even if the relay call fails.
func (p *HTTPProvider) SignOut(ctx context.Context, s *Session) error {
	cur := p.Current()
	if cur == nil || (s != nil && s.UserID != cur.UserID) {
		return ErrNotSignedIn
	}
	p.setCurrent(nil)
	p.listeners.emit(nil)

	var apiErr apiError
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"refresh_token": cur.RefreshToken}).
		SetError(&apiErr).
		Post("/auth/logout")
	if err != nil {
		return fmt.Errorf("/auth/logout: %w", err)
	}
	return classify(resp, apiErr)
}

func (p *HTTPProvider) OnSessionChange(fn func(*Session)) func() {
	return p.listeners.add(fn)
}

func (p *HTTPProvider) SetDisplayName(ctx context.Context, s *Session, name string) error {
	if s == nil {
		return ErrNotSignedIn
	}
	var apiErr apiError
	resp, err := p.client.R().
		SetContext(ctx).
		SetAuthToken(s.AccessToken).
		SetBody(map[string]string{"display_name": name}).
		SetError(&apiErr).
		Put("/me/display_name")
	if err != nil {
		return fmt.Errorf("/me/display_name: %w", err)
	}
	return classify(resp, apiErr)
}

// Current returns the signed-in session, or nil.
func (p *HTTPProvider) Current() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return nil
	}
	cp := *p.current
	return &cp
}

// AccessToken returns the current access token, or "".
func (p *HTTPProvider) AccessToken() string {
	if s := p.Current(); s != nil {
		return s.AccessToken
	}
	return ""
}

func (p *HTTPProvider) setCurrent(s *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = s
}

func classify(resp *resty.Response, apiErr apiError) error {
	if !resp.IsError() {
		return nil
	}
	switch resp.StatusCode() {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrInvalidCredentials, apiErr.Error)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrAccountExists, apiErr.Error)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrInvalidInput, apiErr.Error)
	}
	return fmt.Errorf("identity: %s: %s", resp.Status(), apiErr.Error)
}
