package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/wuwenbin0122/chatrelay/internal/auth"
	"github.com/wuwenbin0122/chatrelay/internal/models"
	"github.com/wuwenbin0122/chatrelay/internal/store"
	"github.com/wuwenbin0122/chatrelay/internal/utils"
)

type Handler struct {
	authService   *auth.Service
	users         store.Users
	conversations store.Conversations
	logger        *zap.Logger

	hashPassword func(string) (string, error)
}

func NewHandler(authService *auth.Service, users store.Users, conversations store.Conversations, logger *zap.Logger) *Handler {
	return &Handler{
		authService:   authService,
		users:         users,
		conversations: conversations,
		logger:        utils.OrNop(logger),
		hashPassword:  auth.HashPassword,
	}
}

func (h *Handler) RegisterRoutes(router gin.IRouter) {
	apiGroup := router.Group("/api")

	apiGroup.POST("/users", h.handleCreateUser)
	apiGroup.POST("/login", h.handleLogin)

	authed := apiGroup.Group("")
	authed.Use(TokenAuthMiddleware(h.authService))
	authed.POST("/logout", h.handleLogout)

	authed.GET("/users/:id", h.handleGetUser)
	authed.PUT("/users/:id", h.handleUpdateUser)
	authed.DELETE("/users/:id", h.handleDeleteUser)
	authed.GET("/users/:id/conversations", h.handleListConversations)

	authed.POST("/conversations", h.handleCreateConversation)
	authed.POST("/conversations/:id/messages", h.handleSendMessage)
	authed.GET("/conversations/:id/messages", h.handleListMessages)
}

type userRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

var (
	errNameRequired     = errors.New("name is required")
	errEmailRequired    = errors.New("email is required")
	errPasswordRequired = errors.New("password is required")
	errInvalidID        = errors.New("id must be a positive integer")
	errForbidden        = errors.New("resource belongs to another user")
)

func (r userRequest) validate(requirePassword bool) error {
	switch {
	case strings.TrimSpace(r.Name) == "":
		return errNameRequired
	case strings.TrimSpace(r.Email) == "":
		return errEmailRequired
	case requirePassword && r.Password == "":
		return errPasswordRequired
	}
	return nil
}

func (h *Handler) handleCreateUser(c *gin.Context) {
	var req userRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid payload", err)
		return
	}
	if err := req.validate(true); err != nil {
		writeError(c, http.StatusBadRequest, err.Error(), err)
		return
	}

	hash, err := h.hashPassword(req.Password)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "failed to create user", err)
		return
	}

	user := &models.User{
		Name:     strings.TrimSpace(req.Name),
		Email:    strings.TrimSpace(req.Email),
		Password: hash,
	}
	if err := h.users.CreateUser(c.Request.Context(), user); err != nil {
		h.writeStoreError(c, "failed to create user", err)
		return
	}

	c.JSON(http.StatusCreated, newUserResponse(*user))
}

func (h *Handler) handleGetUser(c *gin.Context) {
	id, ok := h.ownedUserID(c)
	if !ok {
		return
	}

	user, err := h.users.GetUser(c.Request.Context(), id)
	if err != nil {
		h.writeStoreError(c, "failed to load user", err)
		return
	}

	c.JSON(http.StatusOK, newUserResponse(*user))
}

// handleUpdateUser replaces name and email. The password is only changed
// when the request carries a new one.
func (h *Handler) handleUpdateUser(c *gin.Context) {
	id, ok := h.ownedUserID(c)
	if !ok {
		return
	}

	var req userRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid payload", err)
		return
	}
	if err := req.validate(false); err != nil {
		writeError(c, http.StatusBadRequest, err.Error(), err)
		return
	}

	ctx := c.Request.Context()
	user, err := h.users.GetUser(ctx, id)
	if err != nil {
		h.writeStoreError(c, "failed to load user", err)
		return
	}

	user.Name = strings.TrimSpace(req.Name)
	user.Email = strings.TrimSpace(req.Email)
	if req.Password != "" {
		hash, err := h.hashPassword(req.Password)
		if err != nil {
			writeError(c, http.StatusInternalServerError, "failed to update user", err)
			return
		}
		user.Password = hash
	}

	if err := h.users.UpdateUser(ctx, user); err != nil {
		h.writeStoreError(c, "failed to update user", err)
		return
	}

	c.JSON(http.StatusOK, newUserResponse(*user))
}

func (h *Handler) handleDeleteUser(c *gin.Context) {
	id, ok := h.ownedUserID(c)
	if !ok {
		return
	}

	if err := h.users.DeleteUser(c.Request.Context(), id); err != nil {
		h.writeStoreError(c, "failed to delete user", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "user deleted"})
}

func (h *Handler) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid payload", err)
		return
	}

	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeError(c, http.StatusBadRequest, "email and password are required", auth.ErrInvalidCredentials)
		return
	}

	result, err := h.authService.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidCredentials):
			writeError(c, http.StatusUnauthorized, err.Error(), err)
		default:
			h.logger.Error("login failed", zap.Error(err))
			writeError(c, http.StatusInternalServerError, "failed to login", err)
		}
		return
	}

	c.JSON(http.StatusOK, newAuthResponse(result))
}

func (h *Handler) handleLogout(c *gin.Context) {
	if err := h.authService.Logout(c.Request.Context(), bearerToken(c)); err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidToken):
			writeError(c, http.StatusUnauthorized, "invalid token", err)
		default:
			h.logger.Error("logout failed", zap.Error(err))
			writeError(c, http.StatusInternalServerError, "failed to logout", err)
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

// ownedUserID parses :id and checks it against the authenticated caller.
func (h *Handler) ownedUserID(c *gin.Context) (int64, bool) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error(), err)
		return 0, false
	}
	if id != claimsFrom(c).UserID {
		writeError(c, http.StatusForbidden, "forbidden", errForbidden)
		return 0, false
	}
	return id, true
}

func (h *Handler) writeStoreError(c *gin.Context, message string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(c, http.StatusNotFound, "not found", err)
	case errors.Is(err, store.ErrEmailTaken):
		writeError(c, http.StatusConflict, "email already registered", err)
	default:
		h.logger.Error(message, zap.Error(err))
		writeError(c, http.StatusInternalServerError, message, err)
	}
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, errInvalidID
	}
	return id, nil
}

func newUserResponse(user models.User) gin.H {
	user = user.Sanitize()
	return gin.H{
		"id":        user.ID,
		"name":      user.Name,
		"email":     user.Email,
		"createdAt": user.CreatedAt.Format(time.RFC3339),
		"updatedAt": user.UpdatedAt.Format(time.RFC3339),
	}
}

func newAuthResponse(result *auth.AuthResult) gin.H {
	return gin.H{
		"token":     result.Token,
		"tokenType": "bearer",
		"expiresAt": result.ExpiresAt.Format(time.RFC3339),
		"user":      newUserResponse(result.User),
	}
}

func writeError(c *gin.Context, status int, message string, err error) {
	payload := gin.H{"error": message}
	if err != nil {
		payload["details"] = err.Error()
	}
	c.AbortWithStatusJSON(status, payload)
}
