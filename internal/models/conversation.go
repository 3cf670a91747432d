package models

import "time"

// DateLayout is the wire format for conversation start and end dates.
const DateLayout = "2006-01-02"

// Conversation is a chat thread owned by a user. EndDate is set to StartDate
// on creation and is not advanced afterwards.
type Conversation struct {
	ID        int64
	UserID    int64
	Type      string
	StartDate time.Time
	EndDate   time.Time
}

// ConversationWithMessages is the joined view of a conversation and its
// messages in insertion order.
type ConversationWithMessages struct {
	Conversation
	Messages []Message
}
