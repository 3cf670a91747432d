package relay

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wuwenbin0122/chatrelay/internal/auth"
	"github.com/wuwenbin0122/chatrelay/internal/completion"
	"github.com/wuwenbin0122/chatrelay/internal/store"
)

// TokenVerifier checks the bearer token of a caller that binds a session to
// a stored conversation. Unbound sessions stay anonymous.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (*auth.Claims, error)
}

var (
	errTokenRequired = errors.New("relay: bearer token required to bind a conversation")
	errNotOwner      = errors.New("relay: conversation belongs to another user")
)

// Handler exposes the relay over HTTP: the /chatbot WebSocket and the
// single-shot /chatbot/ask endpoint.
type Handler struct {
	relay    *Relay
	verifier TokenVerifier
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func NewHandler(r *Relay, verifier TokenVerifier) *Handler {
	return &Handler{
		relay:    r,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 4 * 1024,
			CheckOrigin:     originChecker(r.opts.AllowedOrigins),
		},
		logger: r.logger,
	}
}

func (h *Handler) RegisterRoutes(router gin.IRouter) {
	router.GET("/chatbot", h.HandleWebsocket)
	router.POST("/chatbot/ask", h.HandleAsk)
}

// HandleWebsocket upgrades the request and runs a chat session on it.
func (h *Handler) HandleWebsocket(c *gin.Context) {
	conversationID, ok := h.bindConversation(c)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("relay websocket upgrade failed", zap.Error(err))
		return
	}
	if limit := h.relay.opts.ReadLimit; limit > 0 {
		conn.SetReadLimit(limit)
	}

	if err := h.relay.Serve(c.Request.Context(), conn, conversationID); err != nil {
		h.logger.Warn("relay session ended with error", zap.Error(err))
	}
}

type askRequest struct {
	Question       string `json:"question"`
	ConversationID int64  `json:"conversationId"`
}

type askResponse struct {
	Answer string `json:"answer"`
}

// HandleAsk answers one question without holding a WebSocket open.
func (h *Handler) HandleAsk(c *gin.Context) {
	var req askRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if req.ConversationID > 0 && !h.authorizeConversation(c, req.ConversationID) {
		return
	}

	answer, err := h.relay.Answer(c.Request.Context(), "http:"+requestID(c), req.ConversationID, req.Question)
	if err != nil {
		switch {
		case errors.Is(err, ErrEmptyQuestion):
			writeError(c, http.StatusBadRequest, InvalidQuestionText, nil)
		case completion.IsTimeout(err):
			writeError(c, http.StatusGatewayTimeout, "completion service timed out", err)
		case completion.KindOf(err) != "":
			writeError(c, http.StatusBadGateway, "completion service failed", err)
		default:
			h.logger.Error("answer question failed", zap.Error(err))
			writeError(c, http.StatusInternalServerError, "failed to answer question", err)
		}
		return
	}

	c.JSON(http.StatusCreated, askResponse{Answer: answer})
}

func (h *Handler) bindConversation(c *gin.Context) (int64, bool) {
	raw := strings.TrimSpace(c.Query("conversation_id"))
	if raw == "" {
		return 0, true
	}

	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(c, http.StatusBadRequest, "invalid conversation_id", err)
		return 0, false
	}
	if !h.authorizeConversation(c, id) {
		return 0, false
	}
	return id, true
}

// authorizeConversation lets only the owner of conversation id bind to it.
// The token is checked before the lookup so anonymous callers cannot tell
// which ids exist.
func (h *Handler) authorizeConversation(c *gin.Context, id int64) bool {
	ctx := c.Request.Context()

	token := callerToken(c)
	if token == "" || h.verifier == nil {
		writeError(c, http.StatusUnauthorized, "unauthorized", errTokenRequired)
		return false
	}

	claims, err := h.verifier.VerifyToken(ctx, token)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			writeError(c, http.StatusUnauthorized, "unauthorized", err)
			return false
		}
		writeError(c, http.StatusInternalServerError, "failed to verify token", err)
		return false
	}

	conv, err := h.relay.Conversation(ctx, id)
	if err != nil {
		writeLookupError(c, err)
		return false
	}
	if conv.UserID != claims.UserID {
		writeError(c, http.StatusForbidden, "forbidden", errNotOwner)
		return false
	}
	return true
}

// callerToken reads the Authorization bearer token, falling back to the
// token query parameter since browsers cannot set headers on a WebSocket.
func callerToken(c *gin.Context) string {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return strings.TrimSpace(c.Query("token"))
}

func writeLookupError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(c, http.StatusNotFound, "conversation not found", nil)
		return
	}
	writeError(c, http.StatusInternalServerError, "failed to load conversation", err)
}

func writeError(c *gin.Context, status int, message string, err error) {
	payload := gin.H{"error": message}
	if err != nil {
		payload["details"] = err.Error()
	}
	c.AbortWithStatusJSON(status, payload)
}

func requestID(c *gin.Context) string {
	if id := c.GetString("request_id"); id != "" {
		return id
	}
	return c.GetHeader("X-Request-ID")
}

// originChecker allows every origin when the list is empty or contains "*".
// Requests without an Origin header come from non-browser clients and pass.
func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		if origin != "" {
			set[strings.ToLower(origin)] = struct{}{}
		}
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil || u.Host == "" {
			return false
		}
		_, ok := set[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}
