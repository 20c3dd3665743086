package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/Qwaper/BigD-Gram/internal/attachment"
	"github.com/Qwaper/BigD-Gram/internal/identity"
	"github.com/Qwaper/BigD-Gram/internal/model"
	"github.com/Qwaper/BigD-Gram/internal/registration"
	"github.com/Qwaper/BigD-Gram/internal/remote"
)

// SignUp registers handle for a new account. The session starts when the identity
// provider reports the new account, before SignUp returns.
func (c *Client) SignUp(ctx context.Context, handle, contactAddress, secret string) (*registration.Result, error) {
	if err := c.open(); err != nil {
		return nil, err
	}
	return c.reg.Register(ctx, handle, contactAddress, secret)
}

// SignIn authenticates with a handle or a contact address. A running session for another
// user is replaced.
func (c *Client) SignIn(ctx context.Context, identifier, secret string) (*identity.Session, error) {
	if err := c.open(); err != nil {
		return nil, err
	}
	return c.reg.SignIn(ctx, identifier, secret)
}

func (c *Client) open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

// SignOut ends the session: subscriptions stop, presence goes offline, then the identity
// provider signs out.
func (c *Client) SignOut(ctx context.Context) error {
	st, err := c.session()
	if err != nil {
		return err
	}
	me := st.me
	tdErr := c.teardown(ctx)
	if err := c.ident.SignOut(ctx, &me); err != nil {
		return fmt.Errorf("sign out: %w", err)
	}
	return tdErr
}

// SearchByHandle finds another user by handle.
func (c *Client) SearchByHandle(ctx context.Context, handle string) (SearchResult, error) {
	st, err := c.session()
	if err != nil {
		return SearchResult{}, err
	}
	profile, err := c.reg.SearchByHandle(ctx, st.me.UserID, handle)
	if err != nil {
		return SearchResult{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_, contact := st.contacts[profile.ID]
	return SearchResult{Profile: profile, IsContact: contact, Online: st.online(profile.ID)}, nil
}

// AddFriend links the signed-in user and peerID as mutual contacts and returns their
// conversation id. The contact list updates through the contacts subscription.
func (c *Client) AddFriend(ctx context.Context, peerID string) (string, error) {
	st, err := c.session()
	if err != nil {
		return "", err
	}
	return c.rel.AddFriend(ctx, st.me.UserID, peerID)
}

// OpenConversation makes the conversation with peerID the active one and subscribes to
// its latest messages. The previous message subscription stops first.
func (c *Client) OpenConversation(ctx context.Context, peerID string) (string, error) {
	st, err := c.session()
	if err != nil {
		return "", err
	}
	convID, err := c.rel.EnsureConversation(ctx, st.me.UserID, peerID)
	if err != nil {
		return "", err
	}
	// Finish a friendship that AddFriend left one-sided.
	if repaired, err := c.rel.Repair(ctx, st.me.UserID, peerID); err != nil {
		c.report(fmt.Errorf("repair contact %s: %w", peerID, err))
	} else if repaired {
		c.log.Info().Str("peer_id", peerID).Msg("one-sided contact repaired")
	}

	c.mu.Lock()
	if c.state != st {
		c.mu.Unlock()
		return "", ErrNotSignedIn
	}
	// Retire the old message subscription before the view switches, so none of its
	// snapshots can land under the new header.
	prev := st.subs[subMessages]
	delete(st.subs, subMessages)
	st.activeConversationID = convID
	st.activePeerID = peerID
	st.messages = nil
	st.derive(deriveMessages | deriveHeader)
	c.publishLocked()
	c.mu.Unlock()
	if prev != nil && prev.sub != nil {
		prev.sub.Stop()
	}

	q := remote.Query{OrderBy: "createdAt", LimitToLast: c.window}
	c.install(ctx, st, subMessages, model.MessagesPath(convID), q, func(snap remote.Snapshot) func(*state) derivation {
		msgs := decodeMessages(c.log, snap)
		return func(st *state) derivation {
			st.messages = msgs
			return deriveMessages
		}
	})
	return convID, nil
}

// SendMessage appends a message to the active conversation and returns its id. An
// attachment is uploaded first; a failed upload sends nothing.
func (c *Client) SendMessage(ctx context.Context, text string, file *attachment.File) (string, error) {
	st, err := c.session()
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	convID, me := st.activeConversationID, st.me.UserID
	c.mu.Unlock()
	if convID == "" {
		return "", ErrNoActiveConversation
	}
	text = strings.TrimSpace(text)
	if text == "" && file == nil {
		return "", ErrEmptyMessage
	}

	kind := model.MessageText
	msg := map[string]any{
		"conversationId": convID,
		"senderId":       me,
		"text":           text,
		"createdAt":      remote.ServerTimestamp,
	}
	if file != nil {
		if c.uploader == nil {
			return "", ErrNoUploader
		}
		url, err := c.uploader.Upload(ctx, me, *file)
		if err != nil {
			return "", fmt.Errorf("upload attachment: %w", err)
		}
		msg["attachmentUrl"] = url
		kind = model.MessageImage
	}
	msg["kind"] = kind

	id, err := c.store.Append(ctx, model.MessagesPath(convID), msg)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	messagesSent.WithLabelValues(string(kind)).Inc()

	if err := c.store.Merge(ctx, model.ConversationPath(convID), map[string]any{"lastMessageAt": remote.ServerTimestamp}); err != nil {
		return id, &StaleTimestampError{ConversationID: convID, MessageID: id, Err: err}
	}
	return id, nil
}
