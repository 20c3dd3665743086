// Package relationship links two users as mutual contacts and creates the conversation
// between them.
package relationship

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Qwaper/BigD-Gram/internal/convid"
	"github.com/Qwaper/BigD-Gram/internal/model"
	"github.com/Qwaper/BigD-Gram/internal/remote"
)

var (
	// ErrUnknownProfile is returned when the peer has no profile.
	ErrUnknownProfile = errors.New("unknown profile")
	// ErrInvalidUserID is returned for ids that cannot form a conversation id.
	ErrInvalidUserID = errors.New("invalid user id")
)

// PartialLinkError reports an AddFriend that wrote only the caller's half of the edge.
// Repair writes the missing half.
type PartialLinkError struct {
	ConversationID string
	Written        int
	Err            error
}

func (e *PartialLinkError) Error() string {
	return fmt.Sprintf("contact link incomplete (%d of 2 edges written): %v", e.Written, e.Err)
}

func (e *PartialLinkError) Unwrap() error { return e.Err }

// Manager writes contact edges and conversation records.
type Manager struct {
	store remote.Store
	log   zerolog.Logger
}

// New returns a Manager over store.
func New(store remote.Store) *Manager {
	return &Manager{
		store: store,
		log:   log.With().Str("component", "relationship").Logger(),
	}
}

func checkPair(a, b string) error {
	for _, id := range []string{a, b} {
		if !convid.Valid(id) {
			return fmt.Errorf("%w: %q", ErrInvalidUserID, id)
		}
	}
	return nil
}

// EnsureConversation creates the conversation between a and b when it does not exist yet
// and returns its id. Both argument orders address the same record.
func (m *Manager) EnsureConversation(ctx context.Context, a, b string) (string, error) {
	if err := checkPair(a, b); err != nil {
		return "", err
	}
	id := convid.For(a, b)
	path := model.ConversationPath(id)

	_, found, err := m.store.Get(ctx, path)
	if err != nil {
		return "", fmt.Errorf("read conversation %s: %w", id, err)
	}
	if found {
		return id, nil
	}

	first, second, _ := convid.Split(id)
	err = m.store.Set(ctx, path, map[string]any{
		"id":             id,
		"participantIds": []string{first, second},
		"createdAt":      remote.ServerTimestamp,
		"lastMessageAt":  remote.ServerTimestamp,
	}, remote.SetOptions{FailIfExists: true})
	// A concurrent creator wrote the same record.
	if errors.Is(err, remote.ErrAlreadyExists) {
		return id, nil
	}
	if err != nil {
		return "", fmt.Errorf("create conversation %s: %w", id, err)
	}
	m.log.Debug().Str("conversation_id", id).Msg("conversation created")
	return id, nil
}

func (m *Manager) profile(ctx context.Context, userID string) (model.UserProfile, bool, error) {
	rec, found, err := m.store.Get(ctx, model.UserPath(userID))
	if err != nil || !found {
		return model.UserProfile{}, found, err
	}
	var p model.UserProfile
	if err := rec.Decode(&p); err != nil {
		return model.UserProfile{}, false, err
	}
	if p.ID == "" {
		p.ID = userID
	}
	return p, true, nil
}

// profiles loads both profiles concurrently. A missing self profile is tolerated.
func (m *Manager) profiles(ctx context.Context, self, other string) (selfP, otherP model.UserProfile, err error) {
	var otherFound bool
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, found, err := m.profile(gctx, self)
		if err != nil {
			return fmt.Errorf("load profile %s: %w", self, err)
		}
		if !found {
			p = model.UserProfile{ID: self}
		}
		selfP = p
		return nil
	})
	g.Go(func() error {
		p, found, err := m.profile(gctx, other)
		if err != nil {
			return fmt.Errorf("load profile %s: %w", other, err)
		}
		otherP, otherFound = p, found
		return nil
	})
	if err := g.Wait(); err != nil {
		return model.UserProfile{}, model.UserProfile{}, err
	}
	if !otherFound {
		return model.UserProfile{}, model.UserProfile{}, fmt.Errorf("%w: %s", ErrUnknownProfile, other)
	}
	return selfP, otherP, nil
}

func edge(owner string, peer model.UserProfile, conversationID string) map[string]any {
	return map[string]any{
		"ownerId":         owner,
		"peerId":          peer.ID,
		"peerDisplayName": peer.Name(),
		"conversationId":  conversationID,
		"createdAt":       remote.ServerTimestamp,
	}
}

// AddFriend makes self and other mutual contacts and returns their conversation id.
// Adding oneself is a no-op. The two edges are written self first; they are not atomic.
func (m *Manager) AddFriend(ctx context.Context, self, other string) (string, error) {
	if self == other {
		return "", nil
	}
	if err := checkPair(self, other); err != nil {
		return "", err
	}

	selfP, otherP, err := m.profiles(ctx, self, other)
	if err != nil {
		return "", err
	}

	convID, err := m.EnsureConversation(ctx, self, other)
	if err != nil {
		return "", err
	}

	if err := m.store.Merge(ctx, model.ContactPath(self, other), edge(self, otherP, convID)); err != nil {
		return "", fmt.Errorf("link %s to %s: %w", self, other, err)
	}
	if err := m.store.Merge(ctx, model.ContactPath(other, self), edge(other, selfP, convID)); err != nil {
		m.log.Warn().Err(err).Str("conversation_id", convID).Msg("reverse contact edge not written")
		return convID, &PartialLinkError{ConversationID: convID, Written: 1, Err: err}
	}

	m.log.Info().Str("user_id", self).Str("peer_id", other).Msg("contacts linked")
	return convID, nil
}

// Repair writes the missing half of a one-sided contact edge between self and peer.
// It reports whether anything was written.
func (m *Manager) Repair(ctx context.Context, self, peer string) (bool, error) {
	if self == peer {
		return false, nil
	}
	if err := checkPair(self, peer); err != nil {
		return false, err
	}

	var forward, reverse bool
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, found, err := m.store.Get(gctx, model.ContactPath(self, peer))
		forward = found
		return err
	})
	g.Go(func() error {
		_, found, err := m.store.Get(gctx, model.ContactPath(peer, self))
		reverse = found
		return err
	})
	if err := g.Wait(); err != nil {
		return false, fmt.Errorf("read contact edges: %w", err)
	}
	if forward == reverse {
		return false, nil
	}

	selfP, peerP, err := m.profiles(ctx, self, peer)
	if err != nil {
		return false, err
	}
	convID := convid.For(self, peer)
	if forward {
		err = m.store.Merge(ctx, model.ContactPath(peer, self), edge(peer, selfP, convID))
	} else {
		err = m.store.Merge(ctx, model.ContactPath(self, peer), edge(self, peerP, convID))
	}
	if err != nil {
		return false, fmt.Errorf("repair contact edge: %w", err)
	}
	m.log.Info().Str("user_id", self).Str("peer_id", peer).Msg("contact edge repaired")
	return true, nil
}
