package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wuwenbin0122/chatrelay/internal/models"
)

func newUser(t *testing.T, s *Memory, email string) *models.User {
	t.Helper()
	user := &models.User{Name: "alice", Email: email, Password: "hash"}
	require.NoError(t, s.CreateUser(context.Background(), user))
	return user
}

func TestMemoryCreateConversationRequiresUser(t *testing.T) {
	s := NewMemory()

	_, err := s.CreateConversation(context.Background(), 42, "general")
	require.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	user := newUser(t, s, "alice@example.com")
	conv, err := s.CreateConversation(context.Background(), user.ID, "general")
	require.NoError(t, err)
	require.Equal(t, user.ID, conv.UserID)
	require.Equal(t, "general", conv.Type)
	require.True(t, conv.StartDate.Equal(conv.EndDate))
}

func TestMemoryAppendMessageToMissingConversation(t *testing.T) {
	s := NewMemory()
	user := newUser(t, s, "alice@example.com")
	conv, err := s.CreateConversation(context.Background(), user.ID, "")
	require.NoError(t, err)

	_, err = s.AppendMessage(context.Background(), conv.ID+100, "lost", time.Now())
	require.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	// No record is created anywhere.
	msgs, err := s.ListMessages(context.Background(), conv.ID+100)
	require.NoError(t, err)
	require.Empty(t, msgs)
	msgs, err = s.ListMessages(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestMemoryListConversationsEmpty(t *testing.T) {
	s := NewMemory()
	user := newUser(t, s, "alice@example.com")

	convs, err := s.ListConversations(context.Background(), user.ID)
	require.NoError(t, err)
	require.NotNil(t, convs)
	require.Empty(t, convs)
}

func TestMemoryListMessagesOrdered(t *testing.T) {
	s := NewMemory()
	user := newUser(t, s, "alice@example.com")
	conv, err := s.CreateConversation(context.Background(), user.ID, "")
	require.NoError(t, err)

	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	_, err = s.AppendMessage(context.Background(), conv.ID, "second", base.Add(time.Minute))
	require.NoError(t, err)
	_, err = s.AppendMessage(context.Background(), conv.ID, "first", base)
	require.NoError(t, err)
	_, err = s.AppendMessage(context.Background(), conv.ID, "third", base.Add(time.Minute))
	require.NoError(t, err)

	msgs, err := s.ListMessages(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, "first", msgs[0].Content)
	require.Equal(t, "second", msgs[1].Content)
	require.Equal(t, "third", msgs[2].Content)
}

func TestMemoryListConversationsWithMessages(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	user := newUser(t, s, "alice@example.com")
	other := newUser(t, s, "bob@example.com")

	c1, err := s.CreateConversation(ctx, user.ID, "a")
	require.NoError(t, err)
	c2, err := s.CreateConversation(ctx, user.ID, "b")
	require.NoError(t, err)
	_, err = s.CreateConversation(ctx, other.ID, "c")
	require.NoError(t, err)

	now := time.Now().UTC()
	_, err = s.AppendMessage(ctx, c1.ID, "m1", now)
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, c1.ID, "m2", now.Add(time.Second))
	require.NoError(t, err)

	groups, err := s.ListConversationsWithMessages(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	require.Equal(t, c1.ID, groups[0].ID)
	require.Len(t, groups[0].Messages, 2)
	require.Equal(t, "m1", groups[0].Messages[0].Content)
	require.Equal(t, c2.ID, groups[1].ID)
	require.Empty(t, groups[1].Messages)
}

func TestMemoryUsers(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	user := newUser(t, s, "alice@example.com")

	err := s.CreateUser(ctx, &models.User{Name: "dup", Email: "alice@example.com"})
	require.True(t, errors.Is(err, ErrEmailTaken))

	found, err := s.GetUserByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	require.Equal(t, user.ID, found.ID)

	found.Name = "Alice"
	require.NoError(t, s.UpdateUser(ctx, found))
	reloaded, err := s.GetUser(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, "Alice", reloaded.Name)

	conv, err := s.CreateConversation(ctx, user.ID, "")
	require.NoError(t, err)

	require.NoError(t, s.DeleteUser(ctx, user.ID))
	_, err = s.GetUser(ctx, user.ID)
	require.True(t, errors.Is(err, ErrNotFound))
	_, err = s.GetConversation(ctx, conv.ID)
	require.True(t, errors.Is(err, ErrNotFound))
	require.True(t, errors.Is(s.DeleteUser(ctx, user.ID), ErrNotFound))
}

func TestMemoryConcurrentAppendsToDistinctConversations(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	user := newUser(t, s, "alice@example.com")

	convs := make([]*models.Conversation, 4)
	for i := range convs {
		conv, err := s.CreateConversation(ctx, user.ID, "")
		require.NoError(t, err)
		convs[i] = conv
	}

	var wg sync.WaitGroup
	for _, conv := range convs {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if _, err := s.AppendMessage(ctx, id, "x", time.Now()); err != nil {
					t.Errorf("append: %v", err)
					return
				}
			}
		}(conv.ID)
	}
	wg.Wait()

	for _, conv := range convs {
		msgs, err := s.ListMessages(ctx, conv.ID)
		require.NoError(t, err)
		require.Len(t, msgs, 50)
	}
}
