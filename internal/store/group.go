package store

import (
	"fmt"

	"github.com/wuwenbin0122/chatrelay/internal/models"
)

// GroupedRow is one row of the conversations LEFT JOIN messages result.
// Message is nil for a conversation without messages.
type GroupedRow struct {
	Conversation models.Conversation
	Message      *models.Message
}

// Grouper folds joined rows into conversations in a single pass. Rows must
// arrive ordered by conversation id; a row whose conversation id is lower
// than the one before it is rejected with ErrUnorderedRows.
type Grouper struct {
	groups []models.ConversationWithMessages
}

func (g *Grouper) Add(row GroupedRow) error {
	if row.Message != nil && row.Message.ConversationID != row.Conversation.ID {
		return fmt.Errorf("store: message %d belongs to conversation %d, not %d",
			row.Message.ID, row.Message.ConversationID, row.Conversation.ID)
	}

	n := len(g.groups)
	switch {
	case n > 0 && g.groups[n-1].ID == row.Conversation.ID:
	case n > 0 && g.groups[n-1].ID > row.Conversation.ID:
		return fmt.Errorf("%w: conversation %d after %d", ErrUnorderedRows, row.Conversation.ID, g.groups[n-1].ID)
	default:
		g.groups = append(g.groups, models.ConversationWithMessages{
			Conversation: row.Conversation,
			Messages:     []models.Message{},
		})
		n++
	}

	if row.Message != nil {
		g.groups[n-1].Messages = append(g.groups[n-1].Messages, *row.Message)
	}
	return nil
}

// Result returns the groups built so far; never nil.
func (g *Grouper) Result() []models.ConversationWithMessages {
	if g.groups == nil {
		return []models.ConversationWithMessages{}
	}
	return g.groups
}

// GroupRows groups an already ordered row set.
func GroupRows(rows []GroupedRow) ([]models.ConversationWithMessages, error) {
	var g Grouper
	for _, row := range rows {
		if err := g.Add(row); err != nil {
			return nil, err
		}
	}
	return g.Result(), nil
}
