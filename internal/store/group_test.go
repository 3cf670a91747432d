package store

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wuwenbin0122/chatrelay/internal/models"
)

func TestGroupRowsKeepsConversationAndMessageOrder(t *testing.T) {
	c1 := models.Conversation{ID: 1, UserID: 9, Type: "general"}
	c2 := models.Conversation{ID: 2, UserID: 9, Type: "support"}
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	m1 := &models.Message{ID: 11, ConversationID: 1, Content: "m1", SentAt: at}
	m2 := &models.Message{ID: 12, ConversationID: 1, Content: "m2", SentAt: at.Add(time.Second)}
	m3 := &models.Message{ID: 13, ConversationID: 2, Content: "m3", SentAt: at.Add(2 * time.Second)}

	groups, err := GroupRows([]GroupedRow{
		{Conversation: c1, Message: m1},
		{Conversation: c1, Message: m2},
		{Conversation: c2, Message: m3},
	})
	require.NoError(t, err)
	require.Len(t, groups, 2)

	require.Equal(t, int64(1), groups[0].ID)
	require.Equal(t, []models.Message{*m1, *m2}, groups[0].Messages)
	require.Equal(t, int64(2), groups[1].ID)
	require.Equal(t, []models.Message{*m3}, groups[1].Messages)
}

func TestGroupRowsConversationWithoutMessages(t *testing.T) {
	groups, err := GroupRows([]GroupedRow{
		{Conversation: models.Conversation{ID: 3}},
		{Conversation: models.Conversation{ID: 4}, Message: &models.Message{ID: 1, ConversationID: 4}},
	})
	require.NoError(t, err)
	require.Len(t, groups, 2)
	require.NotNil(t, groups[0].Messages)
	require.Empty(t, groups[0].Messages)
	require.Len(t, groups[1].Messages, 1)
}

func TestGroupRowsRejectsUnorderedInput(t *testing.T) {
	_, err := GroupRows([]GroupedRow{
		{Conversation: models.Conversation{ID: 2}, Message: &models.Message{ID: 1, ConversationID: 2}},
		{Conversation: models.Conversation{ID: 1}, Message: &models.Message{ID: 2, ConversationID: 1}},
	})
	require.True(t, errors.Is(err, ErrUnorderedRows), "got %v", err)
}

func TestGroupRowsRejectsMismatchedMessage(t *testing.T) {
	_, err := GroupRows([]GroupedRow{
		{Conversation: models.Conversation{ID: 1}, Message: &models.Message{ID: 1, ConversationID: 5}},
	})
	require.Error(t, err)
}

func TestGroupRowsEmpty(t *testing.T) {
	groups, err := GroupRows(nil)
	require.NoError(t, err)
	require.NotNil(t, groups)
	require.Empty(t, groups)
}
