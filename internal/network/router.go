package network

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tether-project/tether/internal/protocol"
	"github.com/tether-project/tether/internal/telemetry"
)

// HandlerFunc handles one inbound packet. Domain and validation failures are
// answered by the handler itself; a returned error is logged and surfaced to
// the client as ERROR_GENERIC.
type HandlerFunc func(ctx context.Context, c *Connection, r *protocol.PacketReader, requestID int32) error

// Router maps packet types to handlers. Each dispatch runs on its own
// goroutine, so a slow handler never blocks the connection's read loop.
type Router struct {
	mu       sync.RWMutex
	handlers map[protocol.PacketType]HandlerFunc
	wg       sync.WaitGroup
	metrics  *telemetry.Metrics
	logger   zerolog.Logger
}

// NewRouter creates an empty Router. metrics may be nil.
func NewRouter(metrics *telemetry.Metrics) *Router {
	return &Router{
		handlers: make(map[protocol.PacketType]HandlerFunc),
		metrics:  metrics,
		logger:   log.With().Str("component", "router").Logger(),
	}
}

// Register binds a handler to a packet type. Types outside the catalogue are
// refused.
func (r *Router) Register(t protocol.PacketType, h HandlerFunc) {
	if !t.Known() {
		r.logger.Error().Str("packet", t.String()).Msg("refusing to register handler for unknown packet type")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[t]; exists {
		r.logger.Warn().Str("packet", t.String()).Msg("replacing packet handler")
	}
	r.handlers[t] = h
}

// Handles reports whether a handler is registered for t.
func (r *Router) Handles(t protocol.PacketType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[t]
	return ok
}

// Dispatch routes a packet to its handler. A missing handler is logged and
// the connection stays open.
func (r *Router) Dispatch(ctx context.Context, t protocol.PacketType, c *Connection, reader *protocol.PacketReader, requestID int32) {
	r.mu.RLock()
	h, ok := r.handlers[t]
	r.mu.RUnlock()

	if !ok {
		r.logger.Error().
			Str("conn_id", c.ID()).
			Str("packet", t.String()).
			Int32("request_id", requestID).
			Msg("no handler registered for packet")
		r.metrics.ObservePacket(t.String(), telemetry.OutcomeUnhandled, 0)
		return
	}

	if t != protocol.SystemHeartbeat {
		r.logger.Debug().
			Str("conn_id", c.ID()).
			Str("packet", t.String()).
			Int32("request_id", requestID).
			Msg("dispatching packet")
	}

	r.wg.Add(1)
	go r.invoke(ctx, h, t, c, reader, requestID)
}

func (r *Router) invoke(ctx context.Context, h HandlerFunc, t protocol.PacketType, c *Connection, reader *protocol.PacketReader, requestID int32) {
	defer r.wg.Done()
	start := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().
				Str("conn_id", c.ID()).
				Str("packet", t.String()).
				Int32("request_id", requestID).
				Interface("panic", rec).
				Msg("packet handler panicked")
			r.metrics.ObservePacket(t.String(), telemetry.OutcomePanic, time.Since(start))
			c.SendError(protocol.ErrorGeneric, requestID, "Internal server error")
		}
	}()

	if err := h(ctx, c, reader, requestID); err != nil {
		r.logger.Error().
			Err(err).
			Str("conn_id", c.ID()).
			Str("packet", t.String()).
			Int32("request_id", requestID).
			Msg("packet handler failed")
		r.metrics.ObservePacket(t.String(), telemetry.OutcomeError, time.Since(start))
		c.SendError(protocol.ErrorGeneric, requestID, err.Error())
		return
	}

	r.metrics.ObservePacket(t.String(), telemetry.OutcomeOK, time.Since(start))
}

// Wait blocks until every in-flight handler has returned.
func (r *Router) Wait() {
	r.wg.Wait()
}
