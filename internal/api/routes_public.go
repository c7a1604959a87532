package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tether-project/tether/internal/network"
	"github.com/tether-project/tether/internal/store"
)

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "tether",
		"version": s.deps.Version,
	})
}

// handleWebSocket authenticates the bearer session token and upgrades.
// The token comes from the Authorization header or the token query.
func (s *Server) handleWebSocket(c *gin.Context) {
	token := extractBearerToken(c.GetHeader("Authorization"))
	if token == "" {
		token = c.Query("token")
	}
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing session token"})
		return
	}

	verified, err := s.deps.Verifier.VerifySessionToken(c.Request.Context(), token)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Error().Err(err).Str("client_ip", c.ClientIP()).Msg("session verification failed")
		}
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired session"})
		return
	}

	id := network.Identity{
		UserID:    verified.User.ID,
		UserName:  verified.User.Name,
		SessionID: verified.Session.ID,
	}

	conn, err := s.deps.WebSocket.Serve(s.lifetime(), c.Writer, c.Request, c.ClientIP(), id)
	if err != nil {
		s.logger.Warn().Err(err).Str("client_ip", c.ClientIP()).Msg("websocket upgrade failed")
		return
	}

	s.logger.Info().
		Str("conn_id", conn.ID()).
		Str("user_id", id.UserID).
		Str("client_ip", c.ClientIP()).
		Msg("websocket session opened")
}
