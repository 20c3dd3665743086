package model

// Store layout. Collections and documents alternate, like users/{id}/contacts/{peer}.
const (
	UsersCollection         = "users"
	HandlesCollection       = "usernames"
	StatusCollection        = "status"
	ConversationsCollection = "conversations"

	contactsSegment = "contacts"
	messagesSegment = "messages"
)

func UserPath(userID string) string { return UsersCollection + "/" + userID }

func HandlePath(handle string) string { return HandlesCollection + "/" + handle }

func StatusPath(userID string) string { return StatusCollection + "/" + userID }

func ContactsPath(ownerID string) string { return UserPath(ownerID) + "/" + contactsSegment }

func ContactPath(ownerID, peerID string) string { return ContactsPath(ownerID) + "/" + peerID }

func ConversationPath(conversationID string) string {
	return ConversationsCollection + "/" + conversationID
}

func MessagesPath(conversationID string) string {
	return ConversationPath(conversationID) + "/" + messagesSegment
}
