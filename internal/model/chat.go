package model

import "time"

// UserProfile is the public profile written once at registration.
type UserProfile struct {
	ID               string    `json:"id"`
	DisplayName      string    `json:"displayName"`
	NormalizedHandle string    `json:"normalizedHandle"`
	ContactAddress   string    `json:"contactAddress"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Name returns the best label for the profile.
func (p UserProfile) Name() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.NormalizedHandle
}

// HandleReservation maps a normalized handle to its owner. At most one exists per handle.
type HandleReservation struct {
	OwnerID string `json:"ownerId"`
}

type PresenceState string

const (
	PresenceOnline  PresenceState = "online"
	PresenceOffline PresenceState = "offline"
)

// PresenceRecord is the durable online/offline marker of one user.
type PresenceRecord struct {
	State         PresenceState `json:"state"`
	LastChangedAt time.Time     `json:"lastChangedAt"`
}

// ContactEdge is one half of a friendship, stored under the owner's namespace.
type ContactEdge struct {
	OwnerID         string    `json:"ownerId"`
	PeerID          string    `json:"peerId"`
	PeerDisplayName string    `json:"peerDisplayName"`
	ConversationID  string    `json:"conversationId"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Conversation is keyed by the derived id of its two participants.
type Conversation struct {
	ID             string    `json:"id"`
	ParticipantIDs []string  `json:"participantIds"`
	CreatedAt      time.Time `json:"createdAt"`
	LastMessageAt  time.Time `json:"lastMessageAt"`
}

type MessageKind string

const (
	MessageText  MessageKind = "text"
	MessageImage MessageKind = "image"
)

// Message is append-only. ID is assigned by the store.
type Message struct {
	ID             string      `json:"-"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	Text           string      `json:"text"`
	AttachmentURL  string      `json:"attachmentUrl,omitempty"`
	Kind           MessageKind `json:"kind"`
	CreatedAt      time.Time   `json:"createdAt"`
}
