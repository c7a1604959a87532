package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// handleKick closes one connection. Its close runs the normal cleanup:
// negotiation records are dropped and presence is fanned out.
func (s *Server) handleKick(c *gin.Context) {
	connID := c.Param("connId")

	conn, ok := s.deps.Runtime.Registry.Get(connID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error":         "connection not found",
			"connection_id": connID,
		})
		return
	}

	view := viewOf(conn)
	if err := conn.Close(); err != nil {
		s.logger.Warn().Err(err).Str("conn_id", connID).Msg("error closing kicked connection")
	}

	s.logger.Info().
		Str("conn_id", connID).
		Str("user_id", view.UserID).
		Str("client_ip", c.ClientIP()).
		Msg("connection kicked via API")

	c.JSON(http.StatusOK, gin.H{
		"message": "connection closed",
		"session": view,
	})
}
