package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tether-project/tether/internal/util"
)

const redacted = "********"

// handleGetConfig returns the running configuration with secrets masked.
func (s *Server) handleGetConfig(c *gin.Context) {
	sec := s.cfg.GetSecurity()
	if sec.AdminToken != "" {
		sec.AdminToken = redacted
	}

	c.JSON(http.StatusOK, gin.H{
		"path":      s.cfg.Path(),
		"server":    s.cfg.GetServer(),
		"signaling": s.cfg.GetSignaling(),
		"mqtt":      s.cfg.GetMQTT(),
		"security":  sec,
		"logging":   s.cfg.GetLogging(),
	})
}

type logLevelRequest struct {
	Level string `json:"level" binding:"required"`
}

var validLogLevels = map[string]bool{
	"trace": true, "debug": true, "info": true, "warn": true, "error": true,
}

// handleSetLogLevel changes the global log level and persists it.
func (s *Server) handleSetLogLevel(c *gin.Context) {
	var req logLevelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	level := strings.ToLower(strings.TrimSpace(req.Level))
	if !validLogLevels[level] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid log level", "level": req.Level})
		return
	}

	s.cfg.SetLogLevel(level)
	util.SetLogLevel(level)

	if err := s.cfg.Save(); err != nil {
		s.logger.Error().Err(err).Msg("failed to save config after log level change")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save config"})
		return
	}

	s.logger.Info().Str("level", level).Str("client_ip", c.ClientIP()).Msg("log level changed via API")
	c.JSON(http.StatusOK, gin.H{"status": "updated", "level": level})
}
