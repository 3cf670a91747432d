package models

import "time"

// CompletionAudit describes one upstream completion call made by the relay.
type CompletionAudit struct {
	SessionID      string    `bson:"session_id"`
	ConversationID int64     `bson:"conversation_id,omitempty"`
	PromptChars    int       `bson:"prompt_chars"`
	MaxTokens      int       `bson:"max_tokens"`
	ReplyChars     int       `bson:"reply_chars"`
	LatencyMS      int64     `bson:"latency_ms"`
	Outcome        string    `bson:"outcome"`
	ErrorKind      string    `bson:"error_kind,omitempty"`
	CreatedAt      time.Time `bson:"created_at"`
}

const (
	AuditOutcomeOK    = "ok"
	AuditOutcomeError = "error"
)
