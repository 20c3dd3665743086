// Package convid derives conversation identifiers from participant pairs.
//
// The id is the two user ids sorted lexicographically and joined with Separator,
// so "does a conversation between a and b exist" is a read of one known key.
package convid

import "strings"

// Separator never appears inside a valid user id.
const Separator = "__"

// For returns the conversation id of the unordered pair {a, b}.
func For(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + Separator + b
}

// Valid reports whether id can take part in a pair without ambiguity.
func Valid(userID string) bool {
	return userID != "" && !strings.Contains(userID, Separator) && !strings.Contains(userID, "/")
}

// Split recovers the participants of a conversation id.
func Split(conversationID string) (a, b string, ok bool) {
	a, b, ok = strings.Cut(conversationID, Separator)
	if !ok || !Valid(a) || !Valid(b) {
		return "", "", false
	}
	return a, b, true
}

// Has reports whether userID participates in conversationID.
func Has(conversationID, userID string) bool {
	a, b, ok := Split(conversationID)
	return ok && (a == userID || b == userID)
}

// Peer returns the other participant of conversationID.
func Peer(conversationID, self string) (string, bool) {
	a, b, ok := Split(conversationID)
	switch {
	case !ok:
		return "", false
	case a == self:
		return b, true
	case b == self:
		return a, true
	}
	return "", false
}
