package identity

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const minSecretLength = 6

// Directory is an in-process account store shared by Memory providers, the way several
// clients share one identity service.
type Directory struct {
	mu       sync.Mutex
	byAddr   map[string]*memoryAccount
	failNext error
}

type memoryAccount struct {
	id          string
	address     string
	hash        []byte
	displayName string
}

func NewDirectory() *Directory {
	return &Directory{byAddr: make(map[string]*memoryAccount)}
}

// FailNext makes the next Register or Authenticate return err.
func (d *Directory) FailNext(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNext = err
}

func (d *Directory) takeFailure() error {
	err := d.failNext
	d.failNext = nil
	return err
}

// DisplayName returns the stored display name for userID.
func (d *Directory) DisplayName(userID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, a := range d.byAddr {
		if a.id == userID {
			return a.displayName, true
		}
	}
	return "", false
}

// Provider returns a new client-side provider bound to d.
func (d *Directory) Provider() *Memory {
	return &Memory{dir: d}
}

// Memory is a Provider backed by a Directory. Each Memory tracks its own session.
type Memory struct {
	dir       *Directory
	listeners listeners

	mu      sync.Mutex
	current *Session
}

var _ Provider = (*Memory)(nil)

func normalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

func (m *Memory) Register(ctx context.Context, contactAddress, secret string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	addr := normalizeAddress(contactAddress)
	if !strings.Contains(addr, "@") || len(secret) < minSecretLength {
		return nil, fmt.Errorf("%w: contact address must contain @ and secret must be at least %d characters", ErrInvalidInput, minSecretLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		return nil, fmt.Errorf("hash secret: %w", err)
	}

	m.dir.mu.Lock()
	if err := m.dir.takeFailure(); err != nil {
		m.dir.mu.Unlock()
		return nil, err
	}
	if _, ok := m.dir.byAddr[addr]; ok {
		m.dir.mu.Unlock()
		return nil, ErrAccountExists
	}
	acc := &memoryAccount{id: uuid.NewString(), address: addr, hash: hash}
	m.dir.byAddr[addr] = acc
	m.dir.mu.Unlock()

	return m.signIn(acc), nil
}

func (m *Memory) Authenticate(ctx context.Context, contactAddress, secret string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	addr := normalizeAddress(contactAddress)

	m.dir.mu.Lock()
	if err := m.dir.takeFailure(); err != nil {
		m.dir.mu.Unlock()
		return nil, err
	}
	acc, ok := m.dir.byAddr[addr]
	var snapshot memoryAccount
	if ok {
		snapshot = *acc
	}
	m.dir.mu.Unlock()

	if !ok || bcrypt.CompareHashAndPassword(snapshot.hash, []byte(secret)) != nil {
		return nil, ErrInvalidCredentials
	}
	return m.signIn(&snapshot), nil
}

func (m *Memory) signIn(acc *memoryAccount) *Session {
	s := &Session{
		UserID:         acc.id,
		ContactAddress: acc.address,
		DisplayName:    acc.displayName,
		AccessToken:    "mem-" + acc.id,
	}
	m.mu.Lock()
	m.current = s
	m.mu.Unlock()

	m.listeners.emit(s)
	out := *s
	return &out
}

func (m *Memory) SignOut(_ context.Context, s *Session) error {
	m.mu.Lock()
	if m.current == nil || (s != nil && m.current.UserID != s.UserID) {
		m.mu.Unlock()
		return ErrNotSignedIn
	}
	m.current = nil
	m.mu.Unlock()

	m.listeners.emit(nil)
	return nil
}

func (m *Memory) OnSessionChange(fn func(*Session)) func() {
	return m.listeners.add(fn)
}

func (m *Memory) SetDisplayName(_ context.Context, s *Session, name string) error {
	if s == nil {
		return ErrNotSignedIn
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: display name is required", ErrInvalidInput)
	}
	m.dir.mu.Lock()
	defer m.dir.mu.Unlock()
	acc, ok := m.dir.byAddr[normalizeAddress(s.ContactAddress)]
	if !ok || acc.id != s.UserID {
		return ErrNotSignedIn
	}
	acc.displayName = name
	return nil
}

// Current returns the signed-in session, or nil.
func (m *Memory) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	out := *m.current
	return &out
}
