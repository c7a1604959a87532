// Package transfer tracks the offer/accept handshake of file transfers.
// Sessions live in memory and are evicted after a period of inactivity.
package transfer

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultTTL is how long an untouched session stays resolvable.
const DefaultTTL = 30 * time.Minute

// State is the handshake state of a transfer session.
type State string

const (
	StateOffered  State = "offered"
	StateAccepted State = "accepted"
)

var (
	ErrTransferIDInUse = errors.New("transfer id is already used by another transfer session")
	ErrNotFound        = errors.New("no matching transfer session")
	ErrAmbiguous       = errors.New("ack does not identify a single accepted transfer session")
	ErrInvalidArgument = errors.New("missing transfer or device id")
)

// Session is a snapshot of one transfer.
type Session struct {
	TransferID       string    `json:"transferId"`
	SenderDeviceID   string    `json:"senderDeviceId"`
	ReceiverDeviceID string    `json:"receiverDeviceId"`
	State            State     `json:"state"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

func (s *Session) isPair(a, b string) bool {
	return (s.SenderDeviceID == a && s.ReceiverDeviceID == b) ||
		(s.SenderDeviceID == b && s.ReceiverDeviceID == a)
}

// ChangeFunc observes session changes. removed is true when the session
// left the tracker. It runs outside the tracker lock.
type ChangeFunc func(s Session, removed bool)

type change struct {
	session Session
	removed bool
}

// Tracker holds transfer sessions keyed by transfer id.
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration
	onChange ChangeFunc
	now      func() time.Time
	logger   zerolog.Logger
}

// NewTracker creates a Tracker with the given TTL.
func NewTracker(ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		now:      time.Now,
		logger:   log.With().Str("component", "transfer").Logger(),
	}
}

// OnChange installs a change observer.
func (t *Tracker) OnChange(fn ChangeFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = fn
}

// RegisterOffer records an offer. Re-offering the same id for the same
// sender and receiver resets it to offered.
func (t *Tracker) RegisterOffer(transferID, senderDeviceID, receiverDeviceID string) (Session, error) {
	if transferID == "" || senderDeviceID == "" || receiverDeviceID == "" {
		return Session{}, ErrInvalidArgument
	}

	var changes []change
	defer func() { t.notify(changes) }()

	t.mu.Lock()
	defer t.mu.Unlock()

	changes = t.cleanupLocked()
	now := t.now()

	if existing, ok := t.sessions[transferID]; ok {
		if existing.SenderDeviceID != senderDeviceID || existing.ReceiverDeviceID != receiverDeviceID {
			return Session{}, ErrTransferIDInUse
		}
		existing.State = StateOffered
		existing.UpdatedAt = now
		changes = append(changes, change{session: *existing})
		return *existing, nil
	}

	s := &Session{
		TransferID:       transferID,
		SenderDeviceID:   senderDeviceID,
		ReceiverDeviceID: receiverDeviceID,
		State:            StateOffered,
		UpdatedAt:        now,
	}
	t.sessions[transferID] = s
	changes = append(changes, change{session: *s})

	t.logger.Debug().Str("transfer_id", transferID).Str("sender", senderDeviceID).Str("receiver", receiverDeviceID).Msg("transfer offered")
	return *s, nil
}

// EnsureParticipants returns the session if sender and receiver match the
// stored roles exactly, refreshing its activity time.
func (t *Tracker) EnsureParticipants(transferID, senderDeviceID, receiverDeviceID string) (Session, error) {
	var changes []change
	defer func() { t.notify(changes) }()

	t.mu.Lock()
	defer t.mu.Unlock()

	changes = t.cleanupLocked()

	s, ok := t.sessions[transferID]
	if !ok || s.SenderDeviceID != senderDeviceID || s.ReceiverDeviceID != receiverDeviceID {
		return Session{}, ErrNotFound
	}
	s.UpdatedAt = t.now()
	return *s, nil
}

// MarkAccepted moves a session to accepted.
func (t *Tracker) MarkAccepted(transferID string) (Session, error) {
	var changes []change
	defer func() { t.notify(changes) }()

	t.mu.Lock()
	defer t.mu.Unlock()

	changes = t.cleanupLocked()

	s, ok := t.sessions[transferID]
	if !ok {
		return Session{}, ErrNotFound
	}
	s.State = StateAccepted
	s.UpdatedAt = t.now()
	changes = append(changes, change{session: *s})
	return *s, nil
}

// Remove drops a session. It reports whether one was present.
func (t *Tracker) Remove(transferID string) bool {
	var changes []change
	defer func() { t.notify(changes) }()

	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[transferID]
	if !ok {
		return false
	}
	delete(t.sessions, transferID)
	changes = append(changes, change{session: *s, removed: true})
	return true
}

// Lookup returns a live session without refreshing it.
func (t *Tracker) Lookup(transferID string) (Session, bool) {
	var changes []change
	defer func() { t.notify(changes) }()

	t.mu.Lock()
	defer t.mu.Unlock()

	changes = t.cleanupLocked()

	s, ok := t.sessions[transferID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// ResolveForAck finds the accepted session an ack refers to. An ack that
// names a transferId must match that session and the unordered device pair.
// Without one, exactly one accepted session for the pair must exist.
func (t *Tracker) ResolveForAck(senderDeviceID, targetDeviceID, ackJSON string) (Session, error) {
	var ack struct {
		TransferID string `json:"transferId"`
	}
	if err := json.Unmarshal([]byte(ackJSON), &ack); err != nil {
		ack.TransferID = ""
	}
	transferID := strings.TrimSpace(ack.TransferID)

	var changes []change
	defer func() { t.notify(changes) }()

	t.mu.Lock()
	defer t.mu.Unlock()

	changes = t.cleanupLocked()
	now := t.now()

	if transferID != "" {
		s, ok := t.sessions[transferID]
		if !ok || s.State != StateAccepted || !s.isPair(senderDeviceID, targetDeviceID) {
			return Session{}, ErrNotFound
		}
		s.UpdatedAt = now
		return *s, nil
	}

	var candidates []*Session
	for _, s := range t.sessions {
		if s.State == StateAccepted && s.isPair(senderDeviceID, targetDeviceID) {
			candidates = append(candidates, s)
		}
	}
	switch len(candidates) {
	case 0:
		return Session{}, ErrNotFound
	case 1:
		candidates[0].UpdatedAt = now
		return *candidates[0], nil
	default:
		return Session{}, ErrAmbiguous
	}
}

// All returns a snapshot of the live sessions, oldest activity first.
func (t *Tracker) All() []Session {
	var changes []change
	defer func() { t.notify(changes) }()

	t.mu.Lock()
	defer t.mu.Unlock()

	changes = t.cleanupLocked()

	result := make([]Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		result = append(result, *s)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.Before(result[j].UpdatedAt)
	})
	return result
}

// Count returns the number of live sessions.
func (t *Tracker) Count() int {
	return len(t.All())
}

// Sweep evicts expired sessions and returns how many were dropped.
func (t *Tracker) Sweep() int {
	var changes []change
	defer func() { t.notify(changes) }()

	t.mu.Lock()
	defer t.mu.Unlock()

	changes = t.cleanupLocked()
	return len(changes)
}

func (t *Tracker) cleanupLocked() []change {
	now := t.now()
	var evicted []change
	for id, s := range t.sessions {
		if now.Sub(s.UpdatedAt) > t.ttl {
			delete(t.sessions, id)
			evicted = append(evicted, change{session: *s, removed: true})
			t.logger.Debug().Str("transfer_id", id).Msg("transfer session expired")
		}
	}
	return evicted
}

func (t *Tracker) notify(changes []change) {
	if len(changes) == 0 {
		return
	}
	t.mu.Lock()
	fn := t.onChange
	t.mu.Unlock()
	if fn == nil {
		return
	}
	for _, c := range changes {
		fn(c.session, c.removed)
	}
}
