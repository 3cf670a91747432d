package models

import "time"

// HourLayout renders the time-of-day stamp of a message.
const HourLayout = "15:04:05"

type Message struct {
	ID             int64
	ConversationID int64
	Content        string
	SentAt         time.Time
}

// Hour returns the time-of-day stamp clients display next to a message.
func (m Message) Hour() string {
	return m.SentAt.Format(HourLayout)
}
