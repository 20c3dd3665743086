package session

import (
	"cmp"
	"slices"
	"strings"

	"github.com/rs/zerolog"

	"github.com/Qwaper/BigD-Gram/internal/identity"
	"github.com/Qwaper/BigD-Gram/internal/model"
	"github.com/Qwaper/BigD-Gram/internal/remote"
)

// Subscription names. Each names at most one live subscription per session.
const (
	subUsers    = "users"
	subStatus   = "status"
	subContacts = "contacts"
	subMessages = "messages"
)

// ContactView is one row of the contact list.
type ContactView struct {
	PeerID         string
	DisplayName    string
	ConversationID string
	Online         bool
}

// OnlineUser is another user whose presence is online.
type OnlineUser struct {
	UserID      string
	DisplayName string
	IsContact   bool
}

// ChatHeader describes the active conversation. PeerID is empty when none is open.
type ChatHeader struct {
	PeerID         string
	ConversationID string
	Title          string
	State          model.PresenceState
}

// Me is the signed-in user.
type Me struct {
	UserID         string
	DisplayName    string
	ContactAddress string
}

// View is the derived presentation state. The zero View means signed out.
type View struct {
	Me       *Me
	Contacts []ContactView
	Online   []OnlineUser
	Messages []model.Message
	Header   ChatHeader
}

// SearchResult is a user found by handle, annotated from session state.
type SearchResult struct {
	Profile   model.UserProfile
	IsContact bool
	Online    bool
}

type handle struct {
	gen uint64
	sub remote.Subscription
}

// state is everything owned by one signed-in session. Guarded by Client.mu.
type state struct {
	me identity.Session

	users    map[string]model.UserProfile
	presence map[string]model.PresenceState
	contacts map[string]model.ContactEdge
	messages []model.Message

	activeConversationID string
	activePeerID         string

	subs    map[string]*handle
	tracker trackerStopper

	view View
}

func newState(s identity.Session) *state {
	st := &state{
		me:       s,
		users:    make(map[string]model.UserProfile),
		presence: make(map[string]model.PresenceState),
		contacts: make(map[string]model.ContactEdge),
		subs:     make(map[string]*handle),
	}
	st.derive(deriveAll)
	return st
}

type derivation uint8

const (
	deriveContacts derivation = 1 << iota
	deriveOnline
	deriveMessages
	deriveHeader

	deriveAll = deriveContacts | deriveOnline | deriveMessages | deriveHeader
)

func (st *state) name(userID string) string {
	if p, ok := st.users[userID]; ok && p.Name() != "" {
		return p.Name()
	}
	if e, ok := st.contacts[userID]; ok && e.PeerDisplayName != "" {
		return e.PeerDisplayName
	}
	return userID
}

func (st *state) online(userID string) bool {
	return st.presence[userID] == model.PresenceOnline
}

func (st *state) derive(what derivation) {
	me := &Me{UserID: st.me.UserID, DisplayName: st.me.DisplayName, ContactAddress: st.me.ContactAddress}
	if p, ok := st.users[st.me.UserID]; ok && me.DisplayName == "" {
		me.DisplayName = p.Name()
	}
	st.view.Me = me

	if what&deriveContacts != 0 {
		contacts := make([]ContactView, 0, len(st.contacts))
		for peer, e := range st.contacts {
			name := e.PeerDisplayName
			if name == "" {
				name = st.name(peer)
			}
			contacts = append(contacts, ContactView{
				PeerID:         peer,
				DisplayName:    name,
				ConversationID: e.ConversationID,
				Online:         st.online(peer),
			})
		}
		slices.SortFunc(contacts, func(a, b ContactView) int {
			return cmp.Or(
				strings.Compare(strings.ToLower(a.DisplayName), strings.ToLower(b.DisplayName)),
				strings.Compare(a.PeerID, b.PeerID),
			)
		})
		st.view.Contacts = contacts
	}

	if what&deriveOnline != 0 {
		online := make([]OnlineUser, 0)
		for uid, s := range st.presence {
			if s != model.PresenceOnline || uid == st.me.UserID {
				continue
			}
			// Presence without a profile is not listed.
			p, ok := st.users[uid]
			if !ok {
				continue
			}
			_, contact := st.contacts[uid]
			online = append(online, OnlineUser{UserID: uid, DisplayName: p.Name(), IsContact: contact})
		}
		slices.SortFunc(online, func(a, b OnlineUser) int {
			return cmp.Or(
				strings.Compare(strings.ToLower(a.DisplayName), strings.ToLower(b.DisplayName)),
				strings.Compare(a.UserID, b.UserID),
			)
		})
		st.view.Online = online
	}

	if what&deriveMessages != 0 {
		st.view.Messages = slices.Clone(st.messages)
	}

	if what&deriveHeader != 0 {
		h := ChatHeader{}
		if st.activePeerID != "" {
			h.PeerID = st.activePeerID
			h.ConversationID = st.activeConversationID
			h.Title = st.name(st.activePeerID)
			h.State = model.PresenceOffline
			if s, ok := st.presence[st.activePeerID]; ok {
				h.State = s
			}
		}
		st.view.Header = h
	}
}

// snapshot returns a copy of the view that callers may keep.
func (st *state) snapshot() View {
	v := st.view
	if v.Me != nil {
		me := *v.Me
		v.Me = &me
	}
	v.Contacts = slices.Clone(v.Contacts)
	v.Online = slices.Clone(v.Online)
	v.Messages = slices.Clone(v.Messages)
	return v
}

func decodeUsers(log zerolog.Logger, snap remote.Snapshot) map[string]model.UserProfile {
	out := make(map[string]model.UserProfile, len(snap.Records))
	for _, rec := range snap.Records {
		var p model.UserProfile
		if err := rec.Decode(&p); err != nil {
			log.Warn().Err(err).Msg("skipping malformed profile")
			continue
		}
		p.ID = rec.Key
		out[rec.Key] = p
	}
	return out
}

func decodePresence(log zerolog.Logger, snap remote.Snapshot) map[string]model.PresenceState {
	out := make(map[string]model.PresenceState, len(snap.Records))
	for _, rec := range snap.Records {
		var p model.PresenceRecord
		if err := rec.Decode(&p); err != nil {
			log.Warn().Err(err).Msg("skipping malformed presence")
			continue
		}
		out[rec.Key] = p.State
	}
	return out
}

func decodeContacts(log zerolog.Logger, snap remote.Snapshot) map[string]model.ContactEdge {
	out := make(map[string]model.ContactEdge, len(snap.Records))
	for _, rec := range snap.Records {
		var e model.ContactEdge
		if err := rec.Decode(&e); err != nil {
			log.Warn().Err(err).Msg("skipping malformed contact")
			continue
		}
		e.PeerID = rec.Key
		out[rec.Key] = e
	}
	return out
}

// decodeMessages orders by createdAt, then by the store-assigned id, whatever order the
// snapshot carried.
func decodeMessages(log zerolog.Logger, snap remote.Snapshot) []model.Message {
	out := make([]model.Message, 0, len(snap.Records))
	for _, rec := range snap.Records {
		var m model.Message
		if err := rec.Decode(&m); err != nil {
			log.Warn().Err(err).Msg("skipping malformed message")
			continue
		}
		m.ID = rec.Key
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b model.Message) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), strings.Compare(a.ID, b.ID))
	})
	return out
}
