// Package relay forwards questions from chat clients to the completion
// service and streams the answers back over a WebSocket.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wuwenbin0122/chatrelay/internal/completion"
	"github.com/wuwenbin0122/chatrelay/internal/models"
	"github.com/wuwenbin0122/chatrelay/internal/store"
	"github.com/wuwenbin0122/chatrelay/internal/utils"
)

var (
	ErrEmptyQuestion = errors.New("relay: question is empty")
	ErrDisconnected  = errors.New("relay: peer disconnected")
)

// Auditor records one entry per upstream completion call.
type Auditor interface {
	RecordCompletion(ctx context.Context, entry models.CompletionAudit) error
}

type NopAuditor struct{}

func (NopAuditor) RecordCompletion(context.Context, models.CompletionAudit) error { return nil }

type Options struct {
	MaxTokens      int
	Timeout        time.Duration
	WriteTimeout   time.Duration
	ReadLimit      int64
	AllowedOrigins []string
}

func OptionsFromConfig(cfg *utils.Config) Options {
	return Options{
		MaxTokens:      cfg.Completion.MaxTokens,
		Timeout:        cfg.Completion.Timeout,
		WriteTimeout:   cfg.Relay.WriteTimeout,
		ReadLimit:      cfg.Relay.ReadLimit,
		AllowedOrigins: cfg.Relay.AllowedOrigins,
	}
}

// Relay holds the collaborators shared by every chat session.
type Relay struct {
	completer     completion.Completer
	conversations store.Conversations
	auditor       Auditor
	registry      *Registry
	opts          Options
	logger        *zap.Logger
}

// New builds a relay. conversations may be nil, in which case sessions
// cannot be bound to a stored conversation.
func New(completer completion.Completer, conversations store.Conversations, auditor Auditor, opts Options, logger *zap.Logger) *Relay {
	if auditor == nil {
		auditor = NopAuditor{}
	}
	opts.MaxTokens = utils.ClampMaxTokens(opts.MaxTokens)

	return &Relay{
		completer:     completer,
		conversations: conversations,
		auditor:       auditor,
		registry:      NewRegistry(),
		opts:          opts,
		logger:        utils.OrNop(logger),
	}
}

func (r *Relay) Registry() *Registry {
	return r.registry
}

// Answer validates question, asks the completion service and, when
// conversationID is set, appends the exchange to that conversation.
//
// The upstream call runs on a context detached from ctx's cancellation so a
// call that outlives its client still completes; it is bounded by the
// configured timeout instead.
func (r *Relay) Answer(ctx context.Context, sessionID string, conversationID int64, question string) (string, error) {
	if strings.TrimSpace(question) == "" {
		return "", ErrEmptyQuestion
	}

	callCtx := context.WithoutCancel(ctx)
	if r.opts.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, r.opts.Timeout)
		defer cancel()
	}

	askedAt := time.Now().UTC()
	prompt := completion.BuildPrompt(question)
	answer, err := r.completer.Complete(callCtx, prompt, r.opts.MaxTokens)
	r.audit(callCtx, sessionID, conversationID, prompt, answer, time.Since(askedAt), err)
	if err != nil {
		return "", err
	}

	if conversationID > 0 && r.conversations != nil {
		r.persist(callCtx, conversationID, question, askedAt, answer)
	}

	return answer, nil
}

// Conversation loads the stored conversation a session wants to bind to.
func (r *Relay) Conversation(ctx context.Context, id int64) (*models.Conversation, error) {
	if r.conversations == nil {
		return nil, fmt.Errorf("relay: conversation %d: %w", id, store.ErrNotFound)
	}
	return r.conversations.GetConversation(ctx, id)
}

func (r *Relay) persist(ctx context.Context, conversationID int64, question string, askedAt time.Time, answer string) {
	if _, err := r.conversations.AppendMessage(ctx, conversationID, question, askedAt); err != nil {
		r.logger.Warn("persist question failed", zap.Int64("conversation_id", conversationID), zap.Error(err))
		return
	}
	if _, err := r.conversations.AppendMessage(ctx, conversationID, answer, time.Now().UTC()); err != nil {
		r.logger.Warn("persist answer failed", zap.Int64("conversation_id", conversationID), zap.Error(err))
	}
}

func (r *Relay) audit(ctx context.Context, sessionID string, conversationID int64, prompt, answer string, latency time.Duration, callErr error) {
	entry := models.CompletionAudit{
		SessionID:      sessionID,
		ConversationID: conversationID,
		PromptChars:    len(prompt),
		MaxTokens:      r.opts.MaxTokens,
		ReplyChars:     len(answer),
		LatencyMS:      latency.Milliseconds(),
		Outcome:        models.AuditOutcomeOK,
		CreatedAt:      time.Now().UTC(),
	}
	if callErr != nil {
		entry.Outcome = models.AuditOutcomeError
		entry.ErrorKind = string(completion.KindOf(callErr))
	}

	if err := r.auditor.RecordCompletion(ctx, entry); err != nil {
		r.logger.Debug("record completion audit failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}
