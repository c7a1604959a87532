// Package peer brokers direct-socket handshakes between two devices of the
// same user. Records live in process memory only and are keyed by the
// unordered device pair.
package peer

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// State is the negotiation state of a device pair.
type State string

const (
	StatePending        State = "pending"
	StateTargetAccepted State = "target_accepted"
	StateConnected      State = "connected"
	StateDisconnected   State = "disconnected"
)

// Reason records why a pair last changed state.
type Reason string

const (
	ReasonRequestInitiated   Reason = "REQUEST_INITIATED"
	ReasonTargetAccepted     Reason = "TARGET_ACCEPTED"
	ReasonConnectionStarted  Reason = "CONNECTION_STARTED"
	ReasonExplicitDisconnect Reason = "EXPLICIT_DISCONNECT"
	ReasonTimeout            Reason = "TIMEOUT"
	ReasonFailure            Reason = "FAILURE"
	ReasonReplaced           Reason = "REPLACED"
	ReasonDeviceOffline      Reason = "DEVICE_OFFLINE"
)

var (
	ErrDuplicate       = errors.New("connection already in progress")
	ErrNotFound        = errors.New("no negotiation found for this request")
	ErrInvalidState    = errors.New("negotiation is in a different state")
	ErrSourceGone      = errors.New("source device is no longer connected")
	ErrSelfConnect     = errors.New("cannot connect to yourself")
	ErrAmbiguous       = errors.New("request id matches several negotiations for this device")
	ErrInvalidArgument = errors.New("missing device or request id")
)

// DefaultPendingTimeout bounds how long an unfinished negotiation blocks its pair.
const DefaultPendingTimeout = 60 * time.Second

// Record is a snapshot of one pair's negotiation.
type Record struct {
	PairID          string    `json:"pairId"`
	DeviceA         string    `json:"deviceA"`
	DeviceB         string    `json:"deviceB"`
	Initiator       string    `json:"initiator"`
	RequestID       string    `json:"requestId"`
	SourceConnID    string    `json:"sourceConnectionId"`
	SourceTransport string    `json:"sourceTransport"`
	TargetConnID    string    `json:"targetConnectionId,omitempty"`
	TargetPort      int       `json:"targetPort,omitempty"`
	State           State     `json:"state"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
	LastReason      Reason    `json:"lastReason"`
}

// Active reports whether the record still blocks its pair.
func (r Record) Active() bool {
	return r.State != StateDisconnected
}

// Target returns the device that did not initiate.
func (r Record) Target() string {
	if r.Initiator == r.DeviceA {
		return r.DeviceB
	}
	return r.DeviceA
}

// Other returns the counterpart of deviceID in the pair.
func (r Record) Other(deviceID string) string {
	if deviceID == r.DeviceA {
		return r.DeviceB
	}
	return r.DeviceA
}

// Attempt describes a new connection request.
type Attempt struct {
	SourceDeviceID  string
	TargetDeviceID  string
	RequestID       string
	SourceConnID    string
	SourceTransport string
}

// Stats counts records by state.
type Stats struct {
	Total          int `json:"total"`
	Pending        int `json:"pending"`
	TargetAccepted int `json:"targetAccepted"`
	Connected      int `json:"connected"`
	Disconnected   int `json:"disconnected"`
}

// ByState returns the counts keyed by state name.
func (s Stats) ByState() map[string]int {
	return map[string]int{
		string(StatePending):        s.Pending,
		string(StateTargetAccepted): s.TargetAccepted,
		string(StateConnected):      s.Connected,
		string(StateDisconnected):   s.Disconnected,
	}
}

// LivenessFunc reports whether a connection id is still registered.
type LivenessFunc func(connID string) bool

// ChangeFunc observes state transitions. It runs outside the engine lock.
type ChangeFunc func(rec Record)

// Engine is the negotiation state machine.
type Engine struct {
	mu        sync.Mutex
	records   map[string]*Record             // pair id -> record
	byRequest map[string]map[string]struct{} // request id -> pair ids

	pendingTimeout time.Duration
	sourceAlive    LivenessFunc
	onChange       ChangeFunc
	now            func() time.Time
	logger         zerolog.Logger
}

// NewEngine creates an Engine. sourceAlive may be nil, in which case source
// connections are assumed live.
func NewEngine(pendingTimeout time.Duration, sourceAlive LivenessFunc) *Engine {
	if pendingTimeout <= 0 {
		pendingTimeout = DefaultPendingTimeout
	}
	return &Engine{
		records:        make(map[string]*Record),
		byRequest:      make(map[string]map[string]struct{}),
		pendingTimeout: pendingTimeout,
		sourceAlive:    sourceAlive,
		now:            time.Now,
		logger:         log.With().Str("component", "peer").Logger(),
	}
}

// OnChange installs a transition observer.
func (e *Engine) OnChange(fn ChangeFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onChange = fn
}

// PairID returns the canonical id of an unordered device pair.
func PairID(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

// AttemptConnection opens a pending negotiation. When an active record
// already exists for the pair it returns that record with ErrDuplicate.
func (e *Engine) AttemptConnection(a Attempt) (Record, error) {
	if a.SourceDeviceID == "" || a.TargetDeviceID == "" || a.RequestID == "" {
		return Record{}, ErrInvalidArgument
	}
	if a.SourceDeviceID == a.TargetDeviceID {
		return Record{}, ErrSelfConnect
	}

	var changed []Record
	defer func() { e.notify(changed) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	pairID := PairID(a.SourceDeviceID, a.TargetDeviceID)

	if existing, ok := e.records[pairID]; ok {
		if e.expireLocked(existing, now) {
			changed = append(changed, *existing)
		}
		if existing.Active() {
			return *existing, ErrDuplicate
		}
	}

	if old, ok := e.records[pairID]; ok {
		e.unindexLocked(old)
		e.logger.Debug().Str("pair", pairID).Str("old_request", old.RequestID).Str("reason", string(ReasonReplaced)).Msg("replacing finished negotiation")
	}

	devA, devB := a.SourceDeviceID, a.TargetDeviceID
	if devA > devB {
		devA, devB = devB, devA
	}
	rec := &Record{
		PairID:          pairID,
		DeviceA:         devA,
		DeviceB:         devB,
		Initiator:       a.SourceDeviceID,
		RequestID:       a.RequestID,
		SourceConnID:    a.SourceConnID,
		SourceTransport: a.SourceTransport,
		State:           StatePending,
		CreatedAt:       now,
		UpdatedAt:       now,
		LastReason:      ReasonRequestInitiated,
	}
	e.records[pairID] = rec
	pairs, ok := e.byRequest[a.RequestID]
	if !ok {
		pairs = make(map[string]struct{})
		e.byRequest[a.RequestID] = pairs
	}
	pairs[pairID] = struct{}{}
	changed = append(changed, *rec)

	e.logger.Debug().Str("pair", pairID).Str("request_id", a.RequestID).Msg("negotiation pending")
	return *rec, nil
}

// MarkTargetAccepted records the target's listening socket on the pending
// negotiation that deviceID takes part in under requestID. If the source
// connection has gone away the pair is disconnected and ErrSourceGone is
// returned with the final record.
func (e *Engine) MarkTargetAccepted(requestID, deviceID, targetConnID string, port int) (Record, error) {
	var changed []Record
	defer func() { e.notify(changed) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.lookupLocked(requestID, deviceID, StatePending, &changed)
	if err != nil {
		if rec != nil {
			return *rec, err
		}
		return Record{}, err
	}

	if e.sourceAlive != nil && !e.sourceAlive(rec.SourceConnID) {
		e.transitionLocked(rec, StateDisconnected, ReasonDeviceOffline)
		changed = append(changed, *rec)
		return *rec, ErrSourceGone
	}

	rec.TargetConnID = targetConnID
	rec.TargetPort = port
	e.transitionLocked(rec, StateTargetAccepted, ReasonTargetAccepted)
	changed = append(changed, *rec)
	return *rec, nil
}

// MarkConnected completes the negotiation that deviceID takes part in under
// requestID. Only valid from target_accepted.
func (e *Engine) MarkConnected(requestID, deviceID string) (Record, error) {
	var changed []Record
	defer func() { e.notify(changed) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.lookupLocked(requestID, deviceID, StateTargetAccepted, &changed)
	if err != nil {
		if rec != nil {
			return *rec, err
		}
		return Record{}, err
	}

	e.transitionLocked(rec, StateConnected, ReasonConnectionStarted)
	changed = append(changed, *rec)
	return *rec, nil
}

// MarkDisconnected ends the pair's active negotiation. It returns false when
// there is nothing active to end.
func (e *Engine) MarkDisconnected(a, b string, reason Reason) bool {
	var changed []Record
	defer func() { e.notify(changed) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.records[PairID(a, b)]
	if !ok {
		return false
	}
	if e.expireLocked(rec, e.now()) {
		changed = append(changed, *rec)
	}
	if !rec.Active() {
		return false
	}

	e.transitionLocked(rec, StateDisconnected, reason)
	changed = append(changed, *rec)
	return true
}

// HandleDeviceDisconnect ends every active negotiation involving deviceID and
// returns how many were ended.
func (e *Engine) HandleDeviceDisconnect(deviceID string) int {
	var changed []Record
	defer func() { e.notify(changed) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	count := 0
	for _, rec := range e.records {
		if rec.DeviceA != deviceID && rec.DeviceB != deviceID {
			continue
		}
		if !rec.Active() {
			continue
		}
		e.transitionLocked(rec, StateDisconnected, ReasonDeviceOffline)
		changed = append(changed, *rec)
		count++
	}

	if count > 0 {
		e.logger.Info().Str("device_id", deviceID).Int("count", count).Msg("cleaned up negotiations for disconnected device")
	}
	return count
}

// LookupByRequest returns the record that deviceID takes part in under
// requestID. Request ids are chosen by clients, so the device is needed to
// tell apart unrelated pairs that picked the same id. Active records win over
// finished ones.
func (e *Engine) LookupByRequest(requestID, deviceID string) (Record, bool) {
	var changed []Record
	defer func() { e.notify(changed) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	candidates := e.candidatesLocked(requestID, deviceID, &changed)
	var best *Record
	for _, rec := range candidates {
		switch {
		case best == nil:
			best = rec
		case rec.Active() != best.Active():
			if rec.Active() {
				best = rec
			}
		case rec.UpdatedAt.After(best.UpdatedAt):
			best = rec
		}
	}
	if best == nil {
		return Record{}, false
	}
	return *best, true
}

// ActiveFor returns the active records involving deviceID.
func (e *Engine) ActiveFor(deviceID string) []Record {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	var result []Record
	for _, rec := range e.records {
		if rec.DeviceA != deviceID && rec.DeviceB != deviceID {
			continue
		}
		if e.isExpired(rec, now) || !rec.Active() {
			continue
		}
		result = append(result, *rec)
	}
	sortRecords(result)
	return result
}

// HasActive reports whether a and b have an active negotiation, in either
// direction.
func (e *Engine) HasActive(a, b string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.records[PairID(a, b)]
	if !ok {
		return false
	}
	return rec.Active() && !e.isExpired(rec, e.now())
}

// All returns a snapshot of every record.
func (e *Engine) All() []Record {
	e.mu.Lock()
	defer e.mu.Unlock()

	result := make([]Record, 0, len(e.records))
	for _, rec := range e.records {
		result = append(result, *rec)
	}
	sortRecords(result)
	return result
}

// Stats counts records by state. Expired negotiations count as disconnected.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	var s Stats
	for _, rec := range e.records {
		s.Total++
		state := rec.State
		if e.isExpired(rec, now) {
			state = StateDisconnected
		}
		switch state {
		case StatePending:
			s.Pending++
		case StateTargetAccepted:
			s.TargetAccepted++
		case StateConnected:
			s.Connected++
		case StateDisconnected:
			s.Disconnected++
		}
	}
	return s
}

// Sweep times out stale negotiations and drops disconnected records. It
// returns the number of records timed out and removed.
func (e *Engine) Sweep() (expired, removed int) {
	var changed []Record
	defer func() { e.notify(changed) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	for pairID, rec := range e.records {
		if e.expireLocked(rec, now) {
			changed = append(changed, *rec)
			expired++
		}
		if rec.Active() {
			continue
		}
		e.unindexLocked(rec)
		delete(e.records, pairID)
		removed++
	}
	return expired, removed
}

// candidatesLocked returns the records registered under requestID whose pair
// contains deviceID, applying lazy expiry to each.
func (e *Engine) candidatesLocked(requestID, deviceID string, changed *[]Record) []*Record {
	if requestID == "" || deviceID == "" {
		return nil
	}
	now := e.now()
	var result []*Record
	for pairID := range e.byRequest[requestID] {
		rec, ok := e.records[pairID]
		if !ok || rec.RequestID != requestID {
			continue
		}
		if rec.DeviceA != deviceID && rec.DeviceB != deviceID {
			continue
		}
		if e.expireLocked(rec, now) {
			*changed = append(*changed, *rec)
		}
		result = append(result, rec)
	}
	return result
}

// lookupLocked picks the single record for (requestID, deviceID) in state
// want. When none is in that state but one exists, it is returned with
// ErrInvalidState.
func (e *Engine) lookupLocked(requestID, deviceID string, want State, changed *[]Record) (*Record, error) {
	candidates := e.candidatesLocked(requestID, deviceID, changed)
	if len(candidates) == 0 {
		return nil, ErrNotFound
	}

	var match []*Record
	for _, rec := range candidates {
		if rec.State == want {
			match = append(match, rec)
		}
	}
	switch len(match) {
	case 0:
		return candidates[0], ErrInvalidState
	case 1:
		return match[0], nil
	default:
		return nil, ErrAmbiguous
	}
}

func (e *Engine) unindexLocked(rec *Record) {
	pairs, ok := e.byRequest[rec.RequestID]
	if !ok {
		return
	}
	delete(pairs, rec.PairID)
	if len(pairs) == 0 {
		delete(e.byRequest, rec.RequestID)
	}
}

func (e *Engine) isExpired(rec *Record, now time.Time) bool {
	if rec.State != StatePending && rec.State != StateTargetAccepted {
		return false
	}
	return now.Sub(rec.UpdatedAt) > e.pendingTimeout
}

func (e *Engine) expireLocked(rec *Record, now time.Time) bool {
	if !e.isExpired(rec, now) {
		return false
	}
	e.transitionLocked(rec, StateDisconnected, ReasonTimeout)
	return true
}

func (e *Engine) transitionLocked(rec *Record, to State, reason Reason) {
	from := rec.State
	rec.State = to
	rec.LastReason = reason
	rec.UpdatedAt = e.now()

	e.logger.Debug().
		Str("pair", rec.PairID).
		Str("request_id", rec.RequestID).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("reason", string(reason)).
		Msg("negotiation state changed")
}

func (e *Engine) notify(changed []Record) {
	if len(changed) == 0 {
		return
	}
	e.mu.Lock()
	fn := e.onChange
	e.mu.Unlock()
	if fn == nil {
		return
	}
	for _, rec := range changed {
		fn(rec)
	}
}

func sortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
}
