package relay

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Qwaper/BigD-Gram/internal/convid"
	"github.com/Qwaper/BigD-Gram/internal/model"
	"github.com/Qwaper/BigD-Gram/internal/remote"
)

// Access is the kind of operation being authorised.
type Access int

const (
	AccessRead Access = iota
	AccessSubscribe
	AccessCreate
	AccessWrite
	AccessAppend
)

// Authorize decides whether userID (empty when anonymous) may perform access on path.
// data is the written value for AccessCreate, used to check handle ownership.
func Authorize(userID string, access Access, path string, data json.RawMessage) error {
	seg := strings.Split(path, "/")
	deny := fmt.Errorf("%w: %s", remote.ErrPermissionDenied, path)

	// Handle resolution and profile lookup happen before sign-in.
	if userID == "" {
		if access == AccessRead && len(seg) == 2 &&
			(seg[0] == model.UsersCollection || seg[0] == model.HandlesCollection) {
			return nil
		}
		return deny
	}

	switch access {
	case AccessRead:
		switch {
		case len(seg) == 2 && (seg[0] == model.UsersCollection || seg[0] == model.HandlesCollection || seg[0] == model.StatusCollection):
			return nil
		case len(seg) == 4 && seg[0] == model.UsersCollection && seg[2] == "contacts" && (seg[1] == userID || seg[3] == userID):
			return nil
		case len(seg) >= 2 && seg[0] == model.ConversationsCollection && convid.Has(seg[1], userID):
			return nil
		}

	case AccessSubscribe:
		switch {
		case len(seg) == 1 && (seg[0] == model.UsersCollection || seg[0] == model.StatusCollection):
			return nil
		case len(seg) == 3 && seg[0] == model.UsersCollection && seg[1] == userID && seg[2] == "contacts":
			return nil
		case len(seg) == 3 && seg[0] == model.ConversationsCollection && seg[2] == "messages" && convid.Has(seg[1], userID):
			return nil
		}

	case AccessCreate, AccessWrite:
		switch {
		case len(seg) == 2 && seg[0] == model.HandlesCollection:
			// Reservations are create-only and can only name the caller.
			if access != AccessCreate {
				return deny
			}
			var res model.HandleReservation
			if err := json.Unmarshal(data, &res); err != nil || res.OwnerID != userID {
				return deny
			}
			return nil
		case len(seg) == 2 && (seg[0] == model.UsersCollection || seg[0] == model.StatusCollection) && seg[1] == userID:
			return nil
		case len(seg) == 4 && seg[0] == model.UsersCollection && seg[2] == "contacts" && (seg[1] == userID || seg[3] == userID):
			return nil
		case (len(seg) == 2 || len(seg) == 4) && seg[0] == model.ConversationsCollection && convid.Has(seg[1], userID):
			if len(seg) == 4 && seg[2] != "messages" {
				return deny
			}
			return nil
		}

	case AccessAppend:
		if len(seg) == 3 && seg[0] == model.ConversationsCollection && seg[2] == "messages" && convid.Has(seg[1], userID) {
			return nil
		}
	}
	return deny
}
