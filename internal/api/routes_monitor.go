package api

import (
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tether-project/tether/internal/network"
	"github.com/tether-project/tether/internal/util"
)

// sessionView is the monitor representation of one connection.
type sessionView struct {
	ConnectionID  string    `json:"connectionId"`
	Transport     string    `json:"transport"`
	RemoteIP      string    `json:"remoteIp"`
	Authenticated bool      `json:"authenticated"`
	UserID        string    `json:"userId,omitempty"`
	UserName      string    `json:"userName,omitempty"`
	SessionID     string    `json:"sessionId,omitempty"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastActivity  time.Time `json:"lastActivity"`
}

func viewOf(c *network.Connection) sessionView {
	v := sessionView{
		ConnectionID: c.ID(),
		Transport:    string(c.Kind()),
		RemoteIP:     c.RemoteIP(),
		ConnectedAt:  c.ConnectedAt(),
		LastActivity: c.LastActivity(),
	}
	if id, ok := c.Identity(); ok {
		v.Authenticated = true
		v.UserID = id.UserID
		v.UserName = id.UserName
		v.SessionID = id.SessionID
	}
	return v
}

// handleStats returns connection, negotiation and transfer counters.
func (s *Server) handleStats(c *gin.Context) {
	registry := s.deps.Runtime.Registry

	byTransport := gin.H{}
	for kind, n := range registry.CountByTransport() {
		byTransport[string(kind)] = n
	}

	c.JSON(http.StatusOK, gin.H{
		"version":      s.deps.Version,
		"uptime_sec":   int64(time.Since(s.startedAt).Seconds()),
		"connections":  registry.Count(),
		"by_transport": byTransport,
		"online_users": registry.UserCount(),
		"peers":        s.deps.Peers.Stats(),
		"transfers":    s.deps.Transfers.Count(),
	})
}

// handleSessions lists every live connection, oldest first.
func (s *Server) handleSessions(c *gin.Context) {
	conns := s.deps.Runtime.Registry.All()
	views := make([]sessionView, 0, len(conns))
	for _, conn := range conns {
		views = append(views, viewOf(conn))
	}
	sort.Slice(views, func(i, j int) bool {
		return views[i].ConnectedAt.Before(views[j].ConnectedAt)
	})

	c.JSON(http.StatusOK, gin.H{
		"sessions": views,
		"total":    len(views),
	})
}

// handlePeers lists the active negotiation records involving a device.
func (s *Server) handlePeers(c *gin.Context) {
	deviceID := c.Param("deviceId")
	records := s.deps.Peers.ActiveFor(deviceID)

	c.JSON(http.StatusOK, gin.H{
		"device_id": deviceID,
		"peers":     records,
		"total":     len(records),
	})
}

// handleTransfers lists the tracked transfer sessions.
func (s *Server) handleTransfers(c *gin.Context) {
	sessions := s.deps.Transfers.All()
	c.JSON(http.StatusOK, gin.H{
		"transfers": sessions,
		"total":     len(sessions),
	})
}

// handleSystem returns host information and current resource usage.
func (s *Server) handleSystem(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"system": util.GetSystemInfo(),
		"usage":  util.GetResourceUsage(s.cfg.Database.Path),
	})
}
