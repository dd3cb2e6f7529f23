package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"metachat/chat-sync/internal/models"
	"metachat/chat-sync/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

const (
	userHeader = "X-User-ID"
	userKey    = "user_id"
)

// PresenceService is the part of the presence tracker the HTTP surface uses.
type PresenceService interface {
	SetPresence(ctx context.Context, userID string, presence models.Presence) error
	GetPresence(ctx context.Context, userID string) models.Presence
}

// Handler serves the REST and websocket API. Caller identity comes from the
// X-User-ID header set by the authenticating proxy in front of the service.
type Handler struct {
	chats     service.ChatService
	directory *service.DirectoryService
	presence  PresenceService
	logger    *logrus.Logger

	mu          sync.Mutex
	connections map[string]int
}

func NewHandler(chats service.ChatService, directory *service.DirectoryService, presence PresenceService, logger *logrus.Logger) *Handler {
	return &Handler{
		chats:       chats,
		directory:   directory,
		presence:    presence,
		logger:      logger,
		connections: make(map[string]int),
	}
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(h *Handler, mode string) *gin.Engine {
	if mode != "" {
		gin.SetMode(mode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), h.requestLogger())
	h.Register(r)
	return r
}

func (h *Handler) Register(r gin.IRouter) {
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	api := r.Group("/", h.requireUser)
	api.POST("/users", h.RegisterUser)
	api.GET("/users", h.ListUsers)
	api.GET("/users/search", h.SearchUsers)
	api.GET("/users/:id", h.GetUser)
	api.PUT("/presence", h.SetPresence)

	api.POST("/chats", h.StartChat)
	api.GET("/chats", h.ListChats)
	api.GET("/chats/:id/messages", h.GetMessages)
	api.POST("/chats/:id/messages", h.SendMessage)
	api.DELETE("/chats/:id/messages", h.ClearChat)
	api.POST("/chats/:id/view", h.MarkViewed)
	api.GET("/chats/:id/ws", h.ServeChatSocket)
	api.GET("/ws/chats", h.ServeChatListSocket)
}

func (h *Handler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		h.logger.WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.FullPath(),
			"status": c.Writer.Status(),
		}).Debug("HTTP request")
	}
}

// requireUser reads the caller id from the header, or from the user_id query
// parameter for websocket clients that cannot set headers.
func (h *Handler) requireUser(c *gin.Context) {
	userID := strings.TrimSpace(c.GetHeader(userHeader))
	if userID == "" {
		userID = strings.TrimSpace(c.Query("user_id"))
	}
	if userID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing " + userHeader + " header"})
		return
	}
	c.Set(userKey, userID)
	c.Next()
}

func callerID(c *gin.Context) string {
	return c.GetString(userKey)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrChatNotFound),
		errors.Is(err, models.ErrMessageNotFound),
		errors.Is(err, models.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrNotParticipant):
		return http.StatusForbidden
	case models.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrTransportFailure):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.logger.WithError(err).WithField("path", c.FullPath()).Error("Request failed")
	}
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
}

type registerRequest struct {
	Email       string `json:"email" binding:"required"`
	DisplayName string `json:"display_name"`
	PhotoURL    string `json:"photo_url"`
}

func (h *Handler) RegisterUser(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := h.directory.RegisterUser(c.Request.Context(), &models.User{
		ID:          callerID(c),
		Email:       req.Email,
		DisplayName: req.DisplayName,
		PhotoURL:    req.PhotoURL,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, toUserResponse(user))
}

func (h *Handler) ListUsers(c *gin.Context) {
	users, err := h.directory.ListUsers(c.Request.Context(), callerID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": lo.Map(users, func(u *models.User, _ int) userResponse { return toUserResponse(u) })})
}

func (h *Handler) SearchUsers(c *gin.Context) {
	users, err := h.directory.FindByEmail(c.Request.Context(), c.Query("email"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": lo.Map(users, func(u *models.User, _ int) userResponse { return toUserResponse(u) })})
}

func (h *Handler) GetUser(c *gin.Context) {
	ctx := c.Request.Context()
	user, err := h.directory.GetUser(ctx, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	user.Status = h.presence.GetPresence(ctx, user.ID)
	c.JSON(http.StatusOK, toUserResponse(user))
}

type presenceRequest struct {
	Status string `json:"status" binding:"required,oneof=online offline"`
}

func (h *Handler) SetPresence(c *gin.Context) {
	var req presenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.presence.SetPresence(c.Request.Context(), callerID(c), models.Presence(req.Status)); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type startChatRequest struct {
	UserID string `json:"user_id" binding:"required_without=Email"`
	Email  string `json:"email" binding:"required_without=UserID"`
}

// StartChat opens a chat with a user given by id or by email address.
func (h *Handler) StartChat(c *gin.Context) {
	var req startChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	var (
		chat *models.Chat
		err  error
	)
	if req.UserID != "" {
		if req.UserID == callerID(c) {
			h.fail(c, models.ErrSelfChat)
			return
		}
		chat, err = h.chats.GetOrCreateChat(ctx, callerID(c), req.UserID)
	} else {
		chat, err = h.directory.StartChatByEmail(ctx, callerID(c), req.Email)
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toChatResponse(chat))
}

func (h *Handler) ListChats(c *gin.Context) {
	chats, err := h.chats.GetUserChats(c.Request.Context(), callerID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chats": toChatResponses(chats)})
}

type historyQuery struct {
	Limit  int    `form:"limit" binding:"omitempty,min=1,max=100"`
	Before string `form:"before"`
}

func (h *Handler) GetMessages(c *gin.Context) {
	var q historyQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	chat, err := h.chats.GetChat(ctx, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if !chat.HasParticipant(callerID(c)) {
		h.fail(c, models.ErrNotParticipant)
		return
	}

	messages, err := h.chats.GetChatMessages(ctx, chat.ID, q.Limit, q.Before)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chat_id": chat.ID, "messages": toMessageResponses(messages)})
}

type sendRequest struct {
	Text string `json:"text"`
}

func (h *Handler) SendMessage(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := h.chats.SendMessage(c.Request.Context(), c.Param("id"), callerID(c), req.Text)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, toMessageResponse(msg))
}

func (h *Handler) ClearChat(c *gin.Context) {
	deleted, err := h.chats.ClearChat(c.Request.Context(), c.Param("id"), callerID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

func (h *Handler) MarkViewed(c *gin.Context) {
	seen, err := h.chats.MarkMessagesAsRead(c.Request.Context(), c.Param("id"), callerID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"seen": seen})
}
