package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/wuwenbin0122/chatrelay/internal/models"
)

// Memory is an in-process store used by tests and STORE_DRIVER=memory.
type Memory struct {
	mu sync.RWMutex

	nextUserID         int64
	nextConversationID int64
	nextMessageID      int64

	users         map[int64]*models.User
	conversations map[int64]*models.Conversation
	messages      map[int64][]models.Message
}

var (
	_ Conversations = (*Memory)(nil)
	_ Users         = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{
		users:         make(map[int64]*models.User),
		conversations: make(map[int64]*models.Conversation),
		messages:      make(map[int64][]models.Message),
	}
}

func (m *Memory) CreateUser(ctx context.Context, user *models.User) error {
	_ = ctx

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.emailTakenLocked(user.Email, 0) {
		return ErrEmailTaken
	}

	m.nextUserID++
	now := time.Now().UTC()
	user.ID = m.nextUserID
	user.CreatedAt = now
	user.UpdatedAt = now

	stored := *user
	m.users[user.ID] = &stored
	return nil
}

func (m *Memory) GetUser(ctx context.Context, id int64) (*models.User, error) {
	_ = ctx

	m.mu.RLock()
	defer m.mu.RUnlock()

	user, ok := m.users[id]
	if !ok {
		return nil, fmt.Errorf("store: get user %d: %w", id, ErrNotFound)
	}
	copied := *user
	return &copied, nil
}

func (m *Memory) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	_ = ctx

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, user := range m.users {
		if user.Email == email {
			copied := *user
			return &copied, nil
		}
	}
	return nil, fmt.Errorf("store: get user by email: %w", ErrNotFound)
}

func (m *Memory) UpdateUser(ctx context.Context, user *models.User) error {
	_ = ctx

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.users[user.ID]
	if !ok {
		return fmt.Errorf("store: update user %d: %w", user.ID, ErrNotFound)
	}
	if m.emailTakenLocked(user.Email, user.ID) {
		return ErrEmailTaken
	}

	existing.Name = user.Name
	existing.Email = user.Email
	existing.Password = user.Password
	existing.UpdatedAt = time.Now().UTC()

	*user = *existing
	return nil
}

// DeleteUser removes the user together with its conversations and messages,
// mirroring ON DELETE CASCADE.
func (m *Memory) DeleteUser(ctx context.Context, id int64) error {
	_ = ctx

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[id]; !ok {
		return fmt.Errorf("store: delete user %d: %w", id, ErrNotFound)
	}
	delete(m.users, id)

	for convID, conv := range m.conversations {
		if conv.UserID == id {
			delete(m.conversations, convID)
			delete(m.messages, convID)
		}
	}
	return nil
}

func (m *Memory) CreateConversation(ctx context.Context, userID int64, conversationType string) (*models.Conversation, error) {
	_ = ctx

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[userID]; !ok {
		return nil, fmt.Errorf("store: create conversation for user %d: %w", userID, ErrNotFound)
	}

	m.nextConversationID++
	today := truncateToDate(time.Now().UTC())
	conv := &models.Conversation{
		ID:        m.nextConversationID,
		UserID:    userID,
		Type:      conversationType,
		StartDate: today,
		EndDate:   today,
	}
	m.conversations[conv.ID] = conv

	copied := *conv
	return &copied, nil
}

func (m *Memory) GetConversation(ctx context.Context, id int64) (*models.Conversation, error) {
	_ = ctx

	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[id]
	if !ok {
		return nil, fmt.Errorf("store: get conversation %d: %w", id, ErrNotFound)
	}
	copied := *conv
	return &copied, nil
}

func (m *Memory) ListConversations(ctx context.Context, userID int64) ([]models.Conversation, error) {
	_ = ctx

	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.conversationsForLocked(userID), nil
}

func (m *Memory) AppendMessage(ctx context.Context, conversationID int64, content string, sentAt time.Time) (*models.Message, error) {
	_ = ctx

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[conversationID]; !ok {
		return nil, fmt.Errorf("store: append message to conversation %d: %w", conversationID, ErrNotFound)
	}

	m.nextMessageID++
	msg := models.Message{
		ID:             m.nextMessageID,
		ConversationID: conversationID,
		Content:        content,
		SentAt:         sentAt,
	}
	m.messages[conversationID] = append(m.messages[conversationID], msg)

	return &msg, nil
}

func (m *Memory) ListMessages(ctx context.Context, conversationID int64) ([]models.Message, error) {
	_ = ctx

	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.messagesForLocked(conversationID), nil
}

func (m *Memory) ListConversationsWithMessages(ctx context.Context, userID int64) ([]models.ConversationWithMessages, error) {
	_ = ctx

	m.mu.RLock()
	defer m.mu.RUnlock()

	var g Grouper
	for _, conv := range m.conversationsForLocked(userID) {
		msgs := m.messagesForLocked(conv.ID)
		if len(msgs) == 0 {
			if err := g.Add(GroupedRow{Conversation: conv}); err != nil {
				return nil, err
			}
			continue
		}
		for i := range msgs {
			if err := g.Add(GroupedRow{Conversation: conv, Message: &msgs[i]}); err != nil {
				return nil, err
			}
		}
	}
	return g.Result(), nil
}

func (m *Memory) conversationsForLocked(userID int64) []models.Conversation {
	result := make([]models.Conversation, 0)
	for _, conv := range m.conversations {
		if conv.UserID == userID {
			result = append(result, *conv)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (m *Memory) messagesForLocked(conversationID int64) []models.Message {
	result := append([]models.Message{}, m.messages[conversationID]...)
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].SentAt.Equal(result[j].SentAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].SentAt.Before(result[j].SentAt)
	})
	return result
}

func (m *Memory) emailTakenLocked(email string, exceptID int64) bool {
	for id, user := range m.users {
		if id != exceptID && user.Email == email {
			return true
		}
	}
	return false
}

func truncateToDate(t time.Time) time.Time {
	y, mo, d := t.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
}
