// Package store persists users, conversations and their messages.
//
// Conversations and messages are append-only from the point of view of the
// relay: a conversation is created on explicit request and only grows by
// appending messages. Every write is a single statement, so a failed append
// never leaves a partial record behind.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/wuwenbin0122/chatrelay/internal/models"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrEmailTaken    = errors.New("store: email already registered")
	ErrUnorderedRows = errors.New("store: rows are not ordered by conversation id")
)

// Conversations is the conversation/message store consumed by the relay and
// the conversation endpoints.
type Conversations interface {
	// CreateConversation fails with ErrNotFound when userID does not exist.
	CreateConversation(ctx context.Context, userID int64, conversationType string) (*models.Conversation, error)
	GetConversation(ctx context.Context, id int64) (*models.Conversation, error)
	// ListConversations returns an empty slice when the user has none.
	ListConversations(ctx context.Context, userID int64) ([]models.Conversation, error)
	// AppendMessage fails with ErrNotFound when conversationID does not exist.
	AppendMessage(ctx context.Context, conversationID int64, content string, sentAt time.Time) (*models.Message, error)
	// ListMessages returns messages ordered by send time, then id.
	ListMessages(ctx context.Context, conversationID int64) ([]models.Message, error)
	ListConversationsWithMessages(ctx context.Context, userID int64) ([]models.ConversationWithMessages, error)
}

// Users backs account CRUD and login.
type Users interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id int64) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	UpdateUser(ctx context.Context, user *models.User) error
	DeleteUser(ctx context.Context, id int64) error
}
