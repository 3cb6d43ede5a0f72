package cwmp

import (
	"sync"
	"time"

	"ont-acs/internal/models"
)

// SessionState tracks where a dialog sits in the exchange.
type SessionState int

const (
	StateAwaitingInform SessionState = iota
	StateAwaitingParameterResponse
	StateAwaitingSetResponse
	StateTerminated
)

func (s SessionState) String() string {
	switch s {
	case StateAwaitingInform:
		return "awaiting_inform"
	case StateAwaitingParameterResponse:
		return "awaiting_parameter_response"
	case StateAwaitingSetResponse:
		return "awaiting_set_response"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Session is the per-device dialog state. One Inform opens a session; it
// lives until the dialog terminates. All fields are guarded by mu since
// consecutive POSTs of one dialog may land on different handler goroutines.
type Session struct {
	mu sync.Mutex

	Serial   string
	DeviceID int64
	Class    DeviceClass
	State    SessionState

	attempted  map[string]struct{}
	successful map[string]struct{}
	faulted    map[string]struct{}

	HostCount int
	HostIndex int

	CurrentTask *models.DeviceTask
	// TaskBatches holds the remaining GetParameterValues batches of an
	// in-flight info task, consumed one per round trip.
	TaskBatches [][]string
	// LastBatch remembers the most recent outbound parameter request so a
	// fault can be attributed to the names that triggered it.
	LastBatch []string

	StartedAt time.Time
	LastSeen  time.Time
}

func newSession(serial string, class DeviceClass) *Session {
	now := time.Now()
	return &Session{
		Serial:     serial,
		Class:      class,
		State:      StateAwaitingInform,
		attempted:  make(map[string]struct{}),
		successful: make(map[string]struct{}),
		faulted:    make(map[string]struct{}),
		HostIndex:  1,
		StartedAt:  now,
		LastSeen:   now,
	}
}

// Lock serializes dialog steps for this device. CWMP is sequential per
// device, so this never contends in the normal case.
func (s *Session) Lock()   { s.mu.Lock() }
func (s *Session) Unlock() { s.mu.Unlock() }

// MarkAttempted records a tier-entry key. Returns false when the key was
// already attempted this session; the key is never selected again either way.
func (s *Session) MarkAttempted(key string) bool {
	if _, ok := s.attempted[key]; ok {
		return false
	}
	s.attempted[key] = struct{}{}
	return true
}

func (s *Session) Attempted(key string) bool {
	_, ok := s.attempted[key]
	return ok
}

func (s *Session) MarkSuccessful(name string) {
	s.successful[name] = struct{}{}
}

func (s *Session) Successful(name string) bool {
	_, ok := s.successful[name]
	return ok
}

func (s *Session) RecordFault(param string) {
	if param != "" {
		s.faulted[param] = struct{}{}
	}
}

func (s *Session) FaultedParams() []string {
	out := make([]string, 0, len(s.faulted))
	for p := range s.faulted {
		out = append(out, p)
	}
	return out
}

// SessionStore holds live sessions keyed by device serial, with a secondary
// client-address index so empty polls on a kept-alive connection can be
// correlated back to the serial that informed on it.
type SessionStore struct {
	bySerial sync.Map // serial -> *Session
	byAddr   sync.Map // client IP -> serial
}

func NewSessionStore() *SessionStore {
	return &SessionStore{}
}

// Start creates a fresh session for the serial, replacing any previous one.
// A new Inform always resets the discovery window.
func (st *SessionStore) Start(serial string, class DeviceClass) *Session {
	sess := newSession(serial, class)
	st.bySerial.Store(serial, sess)
	return sess
}

func (st *SessionStore) Get(serial string) (*Session, bool) {
	v, ok := st.bySerial.Load(serial)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// BindAddr remembers which serial last informed from a client address.
func (st *SessionStore) BindAddr(addr, serial string) {
	if addr != "" {
		st.byAddr.Store(addr, serial)
	}
}

// GetByAddr resolves a session from the client address index.
func (st *SessionStore) GetByAddr(addr string) (*Session, bool) {
	v, ok := st.byAddr.Load(addr)
	if !ok {
		return nil, false
	}
	return st.Get(v.(string))
}

// SerialForAddr returns the serial last seen on an address even after its
// session was destroyed, letting a quiescent connection pick up new tasks.
func (st *SessionStore) SerialForAddr(addr string) (string, bool) {
	v, ok := st.byAddr.Load(addr)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// Destroy drops the session. The address index is kept so later empty
// polls on the same connection still resolve the serial.
func (st *SessionStore) Destroy(serial string) {
	if v, ok := st.bySerial.Load(serial); ok {
		v.(*Session).State = StateTerminated
	}
	st.bySerial.Delete(serial)
}

// Sweep removes sessions idle longer than maxIdle and returns how many were
// dropped. Dialogs normally terminate themselves; this catches CPEs that
// disappear mid-conversation.
func (st *SessionStore) Sweep(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	removed := 0
	st.bySerial.Range(func(key, value any) bool {
		sess := value.(*Session)
		sess.Lock()
		stale := sess.LastSeen.Before(cutoff)
		sess.Unlock()
		if stale {
			st.bySerial.Delete(key)
			removed++
		}
		return true
	})
	return removed
}
