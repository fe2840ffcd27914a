package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"aibuddy/internal/apperr"
	"aibuddy/internal/auth"
	"aibuddy/internal/models"
	"aibuddy/internal/service/assistant"
	"aibuddy/internal/service/chat"
	"aibuddy/internal/service/memory"
)

const (
	defaultMessageLimit = 80
	minMessageLimit     = 10
	maxMessageLimit     = 200

	defaultEventLimit = 50
	maxEventLimit     = 200
	profileLimit      = 200
)

// Finalizer runs a memory finalize pass synchronously.
type Finalizer interface {
	Finalize(ctx context.Context, userID, threadID int64) (*memory.Result, error)
}

// WorkerManager drops background finalize state for a user.
type WorkerManager interface {
	Forget(userID int64)
}

type Deps struct {
	Assistant *assistant.Service
	Auth      *auth.Service
	Relay     *chat.Relay
	Finalizer Finalizer
	Workers   WorkerManager
	Log       zerolog.Logger
}

// Handler wires HTTP routes to the companion services.
type Handler struct {
	assistant *assistant.Service
	auth      *auth.Service
	relay     *chat.Relay
	finalizer Finalizer
	workers   WorkerManager
	log       zerolog.Logger
}

func NewHandler(d Deps) *Handler {
	return &Handler{
		assistant: d.Assistant,
		auth:      d.Auth,
		relay:     d.Relay,
		finalizer: d.Finalizer,
		workers:   d.Workers,
		log:       d.Log,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.GET("/ping", h.ping)
	api.POST("/auth/register", h.register)
	api.POST("/auth/login", h.login)

	authed := api.Group("")
	authed.Use(h.auth.Middleware())
	authed.GET("/auth/me", h.me)
	authed.POST("/auth/logout", h.logout)
	authed.POST("/auth/logout_all", h.logoutAll)
	authed.GET("/thread/messages", h.threadMessages)
	authed.POST("/thread/clear", h.clearThread)
	authed.POST("/chat", h.chat)
	authed.POST("/finalize", h.finalize)
	authed.GET("/memory/profile", h.memoryProfile)
	authed.GET("/memory/events", h.memoryEvents)
	authed.POST("/memory/profile/delete", h.deleteFact)
	authed.POST("/memory/events/delete", h.deleteEvent)

	admin := authed.Group("/admin")
	admin.Use(auth.RequireRole(models.UserRoleAdmin))
	admin.POST("/users/:id/disable", h.disableUser)
}

func (h *Handler) ping(c *gin.Context) {
	ok(c, gin.H{"ts": time.Now().UnixMilli()})
}

type registerRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	InviteCode string `json:"invite_code"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, badBody())
		return
	}
	ctx := c.Request.Context()
	reg, err := h.assistant.RegisterUser(ctx, req.Username, req.Password, req.InviteCode)
	if err != nil {
		h.fail(c, err)
		return
	}
	token, expiresAt, err := h.auth.Create(ctx, reg.User.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.log.Info().Int64("user_id", reg.User.ID).Str("role", reg.User.Role).
		Bool("invite_bypassed", reg.InviteBypassed).Msg("user registered")
	ok(c, gin.H{
		"user":            reg.User.Identity(),
		"token":           token,
		"expires_at":      expiresAt,
		"invite_bypassed": reg.InviteBypassed,
	})
}

func (h *Handler) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, badBody())
		return
	}
	ctx := c.Request.Context()
	user, err := h.assistant.Authenticate(ctx, req.Username, req.Password)
	if err != nil {
		h.fail(c, err)
		return
	}
	token, expiresAt, err := h.auth.Create(ctx, user.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, gin.H{
		"user":       user.Identity(),
		"token":      token,
		"expires_at": expiresAt,
	})
}

func (h *Handler) me(c *gin.Context) {
	id, _ := auth.IdentityFromContext(c)
	ok(c, gin.H{"user": id})
}

func (h *Handler) logout(c *gin.Context) {
	hash, found := auth.TokenHashFromContext(c)
	if !found {
		h.fail(c, auth.ErrMissingToken)
		return
	}
	if err := h.auth.Revoke(c.Request.Context(), hash); err != nil {
		h.fail(c, err)
		return
	}
	ok(c, nil)
}

func (h *Handler) logoutAll(c *gin.Context) {
	id, _ := auth.IdentityFromContext(c)
	if err := h.auth.RevokeUser(c.Request.Context(), id.UserID); err != nil {
		h.fail(c, err)
		return
	}
	ok(c, nil)
}

func (h *Handler) threadMessages(c *gin.Context) {
	id, _ := auth.IdentityFromContext(c)
	limit := clampLimit(c.Query("limit"), defaultMessageLimit, minMessageLimit, maxMessageLimit)
	ctx := c.Request.Context()
	thread, err := h.assistant.GetOrCreateThread(ctx, id.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	msgs, err := h.assistant.RecentMessages(ctx, id.UserID, thread.ID, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	if msgs == nil {
		msgs = []*models.Message{}
	}
	ok(c, gin.H{"thread_id": thread.ID, "messages": msgs})
}

func (h *Handler) clearThread(c *gin.Context) {
	id, _ := auth.IdentityFromContext(c)
	ctx := c.Request.Context()
	thread, err := h.assistant.GetOrCreateThread(ctx, id.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	deleted, err := h.assistant.ClearThread(ctx, id.UserID, thread.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, gin.H{"deleted": deleted})
}

type chatRequest struct {
	Message string `json:"message" binding:"required"`
}

// chat answers JSON errors until the upstream stream is open, then switches
// to server-sent events.
func (h *Handler) chat(c *gin.Context) {
	id, _ := auth.IdentityFromContext(c)
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, apperr.Validation("message required"))
		return
	}
	ctx := c.Request.Context()
	turn, err := h.relay.Open(ctx, id.UserID, req.Message)
	if err != nil {
		h.fail(c, err)
		return
	}

	chat.SetHeaders(c.Writer.Header())
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	res, err := turn.Stream(ctx, chat.NewSSEWriter(c.Writer))
	if err != nil {
		h.log.Error().Err(err).Int64("user_id", id.UserID).Msg("chat turn")
		return
	}
	h.log.Debug().Int64("user_id", id.UserID).Bool("partial", res.Partial).
		Int("reply_len", len(res.Reply)).Msg("chat turn finished")
}

func (h *Handler) finalize(c *gin.Context) {
	id, _ := auth.IdentityFromContext(c)
	ctx := c.Request.Context()
	thread, err := h.assistant.GetOrCreateThread(ctx, id.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	res, err := h.finalizer.Finalize(ctx, id.UserID, thread.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, gin.H{
		"profile_updates": res.ProfileUpdates,
		"events_upserted": res.EventsUpserted,
		"relationship":    res.Relationship,
	})
}

func (h *Handler) memoryProfile(c *gin.Context) {
	id, _ := auth.IdentityFromContext(c)
	facts, err := h.assistant.RecentFacts(c.Request.Context(), id.UserID, profileLimit)
	if err != nil {
		h.fail(c, err)
		return
	}
	if facts == nil {
		facts = []models.MemoryFact{}
	}
	ok(c, gin.H{"facts": facts})
}

func (h *Handler) memoryEvents(c *gin.Context) {
	id, _ := auth.IdentityFromContext(c)
	limit := clampLimit(c.Query("limit"), defaultEventLimit, 1, maxEventLimit)
	events, err := h.assistant.ListEvents(c.Request.Context(), id.UserID, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	if events == nil {
		events = []models.MemoryEvent{}
	}
	ok(c, gin.H{"events": events})
}

func (h *Handler) deleteFact(c *gin.Context) {
	id, _ := auth.IdentityFromContext(c)
	var req struct {
		Key string `json:"key" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Key) == "" {
		h.fail(c, apperr.Validation("key required"))
		return
	}
	deleted, err := h.assistant.DeleteFact(c.Request.Context(), id.UserID, strings.TrimSpace(req.Key))
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, gin.H{"deleted": deleted})
}

func (h *Handler) deleteEvent(c *gin.Context) {
	id, _ := auth.IdentityFromContext(c)
	var req struct {
		ID int64 `json:"id" binding:"required,gt=0"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, apperr.Validation("id required"))
		return
	}
	deleted, err := h.assistant.DeleteEvent(c.Request.Context(), id.UserID, req.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, gin.H{"deleted": deleted})
}

func (h *Handler) disableUser(c *gin.Context) {
	admin, _ := auth.IdentityFromContext(c)
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || userID <= 0 {
		h.fail(c, apperr.Validation("invalid user id"))
		return
	}
	ctx := c.Request.Context()
	if err := h.assistant.SetUserStatus(ctx, userID, models.UserStatusDisabled); err != nil {
		h.fail(c, err)
		return
	}
	// sessions stay alive so the user sees 403 rather than a logout
	if err := h.auth.EvictUser(ctx, userID); err != nil {
		h.fail(c, err)
		return
	}
	if h.workers != nil {
		h.workers.Forget(userID)
	}
	h.log.Info().Int64("admin_id", admin.UserID).Int64("user_id", userID).Msg("user disabled")
	ok(c, nil)
}

func clampLimit(raw string, def, lo, hi int) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return def
	}
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
