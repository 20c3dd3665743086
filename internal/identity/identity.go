// Package identity is the credential collaborator of the sync core: it creates accounts,
// verifies secrets and reports the signed-in session.
package identity

import (
	"context"
	"errors"
	"slices"
	"sync"
)

var (
	// ErrInvalidCredentials is returned when the contact address or secret is wrong.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountExists is returned by Register for a contact address already in use.
	ErrAccountExists = errors.New("account already exists")
	// ErrInvalidInput is returned for a malformed address or a weak secret.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotSignedIn is returned by calls that need a session when there is none.
	ErrNotSignedIn = errors.New("not signed in")
)

// Session is an authenticated account.
type Session struct {
	UserID         string
	ContactAddress string
	DisplayName    string
	AccessToken    string
	RefreshToken   string
}

// Provider is the identity collaborator.
//
// Listeners passed to OnSessionChange run synchronously on the goroutine of the call
// that changed the session, before that call returns. They receive nil on sign-out.
type Provider interface {
	Register(ctx context.Context, contactAddress, secret string) (*Session, error)
	Authenticate(ctx context.Context, contactAddress, secret string) (*Session, error)
	SignOut(ctx context.Context, s *Session) error
	OnSessionChange(fn func(*Session)) (cancel func())
	SetDisplayName(ctx context.Context, s *Session, name string) error
}

// listeners is the session-change fan-out shared by the providers.
type listeners struct {
	mu     sync.Mutex
	nextID int
	fns    map[int]func(*Session)
}

func (l *listeners) add(fn func(*Session)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]func(*Session))
	}
	l.nextID++
	id := l.nextID
	l.fns[id] = fn
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.fns, id)
	}
}

// emit calls listeners in registration order.
func (l *listeners) emit(s *Session) {
	l.mu.Lock()
	ids := make([]int, 0, len(l.fns))
	for id := range l.fns {
		ids = append(ids, id)
	}
	fns := make([]func(*Session), 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, l.fns[id])
	}
	l.mu.Unlock()

	for _, fn := range fns {
		var cp *Session
		if s != nil {
			c := *s
			cp = &c
		}
		fn(cp)
	}
}
