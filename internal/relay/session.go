package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wuwenbin0122/chatrelay/internal/completion"
)

const (
	WelcomeText         = "Welcome to the chatbot! Ask me anything."
	InvalidQuestionText = "Please enter a valid question."
	errorPrefix         = "Error: "
)

// Conn is the subset of *websocket.Conn a session needs.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type State int32

const (
	StateAccepted State = iota
	StateGreeted
	StateAwaitingInput
	StateProcessing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "ACCEPTED"
	case StateGreeted:
		return "GREETED"
	case StateAwaitingInput:
		return "AWAITING_INPUT"
	case StateProcessing:
		return "PROCESSING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Session is one client connection. Questions are answered strictly in the
// order they arrive; the next frame is not read until the current answer has
// been written.
type Session struct {
	id             string
	conversationID int64
	conn           Conn
	relay          *Relay
	logger         *zap.Logger

	state     atomic.Int32
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (r *Relay) newSession(conn Conn, conversationID int64) *Session {
	id := uuid.NewString()
	s := &Session{
		id:             id,
		conversationID: conversationID,
		conn:           conn,
		relay:          r,
		logger:         r.logger.With(zap.String("session_id", id)),
	}
	s.state.Store(int32(StateAccepted))
	return s
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// Close tears down the connection. It is safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		err = s.conn.Close()
	})
	return err
}

// Serve runs a session on conn until the peer goes away. The returned error
// is nil for an orderly disconnect.
func (r *Relay) Serve(ctx context.Context, conn Conn, conversationID int64) error {
	session := r.newSession(conn, conversationID)
	r.registry.add(session)
	defer func() {
		r.registry.remove(session)
		_ = session.Close()
	}()

	err := session.run(ctx)
	if errors.Is(err, ErrDisconnected) {
		return nil
	}
	return err
}

func (s *Session) run(ctx context.Context) error {
	s.logger.Debug("relay session opened", zap.Int64("conversation_id", s.conversationID))

	if err := s.send(WelcomeText); err != nil {
		return err
	}
	s.setState(StateGreeted)

	for {
		s.setState(StateAwaitingInput)
		messageType, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("relay session closed unexpectedly", zap.Error(err))
			} else {
				s.logger.Debug("relay session closed", zap.Error(err))
			}
			return fmt.Errorf("%w: %v", ErrDisconnected, err)
		}

		s.setState(StateProcessing)
		if err := s.handle(ctx, messageType, string(payload)); err != nil {
			return err
		}
	}
}

// handle answers a single frame. Only ErrDisconnected escapes; every other
// failure, including a panic, is reported to the client as an error frame.
func (s *Session) handle(ctx context.Context, messageType int, text string) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.Error("relay handler panicked", zap.Any("panic", recovered))
			err = s.send(errorPrefix + "internal error")
		}
	}()

	if messageType != websocket.TextMessage {
		return s.send(errorPrefix + "only text messages are supported")
	}

	answer, askErr := s.relay.Answer(ctx, s.id, s.conversationID, text)
	switch {
	case askErr == nil:
		return s.send(answer)
	case errors.Is(askErr, ErrEmptyQuestion):
		return s.send(InvalidQuestionText)
	default:
		s.logger.Warn("relay question failed", zap.Error(askErr))
		return s.send(errorPrefix + describe(askErr))
	}
}

func (s *Session) send(text string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if timeout := s.relay.opts.WriteTimeout; timeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		return fmt.Errorf("%w: write: %v", ErrDisconnected, err)
	}
	return nil
}

// setState never moves a session out of StateClosed.
func (s *Session) setState(state State) {
	for {
		current := s.state.Load()
		if State(current) == StateClosed {
			return
		}
		if s.state.CompareAndSwap(current, int32(state)) {
			return
		}
	}
}

func describe(err error) string {
	var upstreamErr *completion.UpstreamError
	if errors.As(err, &upstreamErr) {
		return upstreamErr.Message
	}
	return err.Error()
}
