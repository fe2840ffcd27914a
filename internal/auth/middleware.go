package auth

import (
	"context"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"aibuddy/internal/apperr"
	"aibuddy/internal/models"
)

const (
	identityContextKey  = "auth_identity"
	tokenHashContextKey = "auth_token_hash"

	touchTimeout = 5 * time.Second
)

// Middleware resolves the bearer token and stores the identity in the context.
// Requests without a usable session never reach the handler.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := s.extractToken(c)
		if token == "" {
			abort(c, ErrMissingToken)
			return
		}
		resolved, err := s.Resolve(c.Request.Context(), token)
		if err != nil {
			if apperr.KindOf(err) == apperr.KindInternal {
				s.log.Error().Err(err).Msg("resolve session")
			}
			abort(c, err)
			return
		}
		c.Set(identityContextKey, resolved.Identity)
		c.Set(tokenHashContextKey, resolved.TokenHash)
		go s.touchDetached(resolved.TokenHash)
		c.Next()
	}
}

// RequireRole rejects identities whose role differs from role.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := IdentityFromContext(c)
		if !ok {
			abort(c, ErrMissingToken)
			return
		}
		if id.Role != role {
			abort(c, apperr.Forbidden("role mismatch"))
			return
		}
		c.Next()
	}
}

// IdentityFromContext retrieves the authenticated identity from the gin context.
func IdentityFromContext(c *gin.Context) (models.Identity, bool) {
	val, ok := c.Get(identityContextKey)
	if !ok {
		return models.Identity{}, false
	}
	id, ok := val.(models.Identity)
	return id, ok
}

// TokenHashFromContext retrieves the session hash captured by the middleware.
func TokenHashFromContext(c *gin.Context) (string, bool) {
	val, ok := c.Get(tokenHashContextKey)
	if !ok {
		return "", false
	}
	hash, ok := val.(string)
	return hash, ok
}

func (s *Service) touchDetached(tokenHash string) {
	ctx, cancel := context.WithTimeout(context.Background(), touchTimeout)
	defer cancel()
	if err := s.Touch(ctx, tokenHash); err != nil {
		s.log.Debug().Err(err).Msg("session touch skipped")
	}
}

func (s *Service) extractToken(c *gin.Context) string {
	header := c.GetHeader(s.headerName)
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

func abort(c *gin.Context, err error) {
	status, body := apperr.ToResponse(err)
	c.AbortWithStatusJSON(status, body)
}
