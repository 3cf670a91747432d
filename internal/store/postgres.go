package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wuwenbin0122/chatrelay/internal/models"
)

// Postgres implements Conversations on a pgx pool. All statements are
// parameterised; ownership is enforced by foreign keys so a missing user or
// conversation surfaces as ErrNotFound without a separate existence check.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Conversations = (*Postgres)(nil)

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const (
	conversationColumns = "id, user_id, type, start_date, end_date"
	messageColumns      = "id, conversation_id, content, sent_at"
)

func (p *Postgres) CreateConversation(ctx context.Context, userID int64, conversationType string) (*models.Conversation, error) {
	const query = `INSERT INTO conversations (user_id, type, start_date, end_date)
VALUES ($1, $2, CURRENT_DATE, CURRENT_DATE)
RETURNING ` + conversationColumns

	conv, err := scanConversation(p.pool.QueryRow(ctx, query, userID, conversationType))
	if err != nil {
		return nil, fmt.Errorf("store: create conversation for user %d: %w", userID, translateError(err))
	}
	return conv, nil
}

func (p *Postgres) GetConversation(ctx context.Context, id int64) (*models.Conversation, error) {
	const query = `SELECT ` + conversationColumns + ` FROM conversations WHERE id = $1`

	conv, err := scanConversation(p.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("store: get conversation %d: %w", id, translateError(err))
	}
	return conv, nil
}

func (p *Postgres) ListConversations(ctx context.Context, userID int64) ([]models.Conversation, error) {
	const query = `SELECT ` + conversationColumns + ` FROM conversations WHERE user_id = $1 ORDER BY id`

	rows, err := p.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list conversations: %w", err)
	}
	defer rows.Close()

	result := make([]models.Conversation, 0)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("store: decode conversation: %w", err)
		}
		result = append(result, *conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list conversations: %w", err)
	}

	return result, nil
}

func (p *Postgres) AppendMessage(ctx context.Context, conversationID int64, content string, sentAt time.Time) (*models.Message, error) {
	const query = `INSERT INTO messages (conversation_id, content, sent_at)
VALUES ($1, $2, $3)
RETURNING ` + messageColumns

	msg, err := scanMessage(p.pool.QueryRow(ctx, query, conversationID, content, sentAt))
	if err != nil {
		return nil, fmt.Errorf("store: append message to conversation %d: %w", conversationID, translateError(err))
	}
	return msg, nil
}

func (p *Postgres) ListMessages(ctx context.Context, conversationID int64) ([]models.Message, error) {
	const query = `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = $1 ORDER BY sent_at, id`

	rows, err := p.pool.Query(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	defer rows.Close()

	result := make([]models.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("store: decode message: %w", err)
		}
		result = append(result, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}

	return result, nil
}

// ListConversationsWithMessages relies on ORDER BY c.id so the Grouper can
// fold the joined rows in one pass.
func (p *Postgres) ListConversationsWithMessages(ctx context.Context, userID int64) ([]models.ConversationWithMessages, error) {
	const query = `SELECT c.id, c.user_id, c.type, c.start_date, c.end_date, m.id, m.content, m.sent_at
FROM conversations c
LEFT JOIN messages m ON m.conversation_id = c.id
WHERE c.user_id = $1
ORDER BY c.id, m.sent_at, m.id`

	rows, err := p.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list conversations with messages: %w", err)
	}
	defer rows.Close()

	var g Grouper
	for rows.Next() {
		row, err := scanGroupedRow(rows)
		if err != nil {
			return nil, fmt.Errorf("store: decode conversation row: %w", err)
		}
		if err := g.Add(row); err != nil {
			return nil, err
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list conversations with messages: %w", err)
	}

	return g.Result(), nil
}

func scanConversation(row pgx.Row) (*models.Conversation, error) {
	var conv models.Conversation
	if err := row.Scan(&conv.ID, &conv.UserID, &conv.Type, &conv.StartDate, &conv.EndDate); err != nil {
		return nil, err
	}
	return &conv, nil
}

func scanMessage(row pgx.Row) (*models.Message, error) {
	var msg models.Message
	if err := row.Scan(&msg.ID, &msg.ConversationID, &msg.Content, &msg.SentAt); err != nil {
		return nil, err
	}
	return &msg, nil
}

func scanGroupedRow(row pgx.Row) (GroupedRow, error) {
	var (
		out       GroupedRow
		messageID *int64
		content   *string
		sentAt    *time.Time
	)
	conv := &out.Conversation
	if err := row.Scan(&conv.ID, &conv.UserID, &conv.Type, &conv.StartDate, &conv.EndDate, &messageID, &content, &sentAt); err != nil {
		return GroupedRow{}, err
	}

	if messageID != nil {
		msg := &models.Message{ID: *messageID, ConversationID: conv.ID}
		if content != nil {
			msg.Content = *content
		}
		if sentAt != nil {
			msg.SentAt = *sentAt
		}
		out.Message = msg
	}
	return out, nil
}

func translateError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.ForeignKeyViolation:
			return ErrNotFound
		case pgerrcode.UniqueViolation:
			return ErrEmailTaken
		}
	}
	return err
}
