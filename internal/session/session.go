package session

import (
	"context"
	"crypto/rand"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Mode distinguishes broker-bootstrapped sessions from ones started by the
// person sitting at the target machine.
type Mode string

const (
	ModeUnattended Mode = "unattended"
	ModeAttended   Mode = "attended"
)

// StreamerState tracks whether a viewer is currently draining video.
type StreamerState string

const (
	StreamerNotConnected StreamerState = "notConnected"
	StreamerConnected    StreamerState = "connected"
)

const accessKeyLength = 32

const accessKeyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Metadata is the device, organization and requester context that survives
// a Windows-session switch.
type Metadata struct {
	OrganizationID    string `json:"organizationId"`
	OrganizationName  string `json:"organizationName"`
	DeviceID          string `json:"deviceId"`
	MachineName       string `json:"machineName"`
	RequesterUserName string `json:"requesterUserName"`
}

// Session is a single remote-control pairing between an agent-launched
// desktop and its viewers. ID and AccessKey are immutable; everything else
// is guarded by mu.
type Session struct {
	id        string
	accessKey string
	createdAt time.Time

	mu                   sync.Mutex
	mode                 Mode
	requireConsent       bool
	notifyUserOnStart    bool
	streamerState        StreamerState
	agentConnID          string
	desktopConnID        string
	userConnID           string
	viewers              map[string]struct{}
	meta                 Metadata
	requesterDisplayName string
	streamID             string

	ready     chan struct{}
	readyOnce sync.Once

	// consentMu keeps at most one access prompt outstanding per session.
	consentMu sync.Mutex
}

// UnattendedParams describes a session created by the bootstrap path.
type UnattendedParams struct {
	AgentConnectionID string
	UserConnectionID  string
	RequireConsent    bool
	NotifyUserOnStart bool
	Metadata          Metadata
}

// NewUnattended creates an unattended session with a fresh id and access key.
func NewUnattended(p UnattendedParams) *Session {
	s := newSession(uuid.New().String(), GenerateAccessKey(), ModeUnattended)
	s.agentConnID = p.AgentConnectionID
	s.userConnID = p.UserConnectionID
	s.requireConsent = p.RequireConsent
	s.notifyUserOnStart = p.NotifyUserOnStart
	s.meta = p.Metadata
	return s
}

// NewAttended creates a session announced by a desktop that a person
// started by hand. There is no access key; the shared code is the pairing.
func NewAttended(id, desktopConnID, machineName string) *Session {
	s := newSession(id, "", ModeAttended)
	s.desktopConnID = desktopConnID
	s.meta.MachineName = machineName
	return s
}

func newSession(id, accessKey string, mode Mode) *Session {
	return &Session{
		id:            id,
		accessKey:     accessKey,
		createdAt:     time.Now().UTC(),
		mode:          mode,
		streamerState: StreamerNotConnected,
		viewers:       make(map[string]struct{}),
		ready:         make(chan struct{}),
	}
}

// CreateNew returns a replacement unattended session with a new id and access
// key. Agent, user connection, device, organization and requester metadata
// carry over; desktop pairing, viewers and stream state do not.
func (s *Session) CreateNew() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := newSession(uuid.New().String(), GenerateAccessKey(), ModeUnattended)
	n.agentConnID = s.agentConnID
	n.userConnID = s.userConnID
	n.requireConsent = s.requireConsent
	n.notifyUserOnStart = s.notifyUserOnStart
	n.meta = s.meta
	n.requesterDisplayName = s.requesterDisplayName
	return n
}

func (s *Session) ID() string           { return s.id }
func (s *Session) AccessKey() string    { return s.accessKey }
func (s *Session) CreatedAt() time.Time { return s.createdAt }

func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// MarkAttended flips a session to attended mode.
func (s *Session) MarkAttended() {
	s.mu.Lock()
	s.mode = ModeAttended
	s.mu.Unlock()
}

func (s *Session) RequireConsent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requireConsent
}

// ClearConsent records an accepted access request. There is no way back to
// requiring consent on the same session object.
func (s *Session) ClearConsent() {
	s.mu.Lock()
	s.requireConsent = false
	s.mu.Unlock()
}

// WithConsentLock runs fn while holding the session's consent lock.
func (s *Session) WithConsentLock(fn func() error) error {
	s.consentMu.Lock()
	defer s.consentMu.Unlock()
	return fn()
}

func (s *Session) NotifyUserOnStart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notifyUserOnStart
}

func (s *Session) StreamerState() StreamerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamerState
}

func (s *Session) SetStreamerState(st StreamerState) {
	s.mu.Lock()
	s.streamerState = st
	s.mu.Unlock()
}

func (s *Session) AgentConnectionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentConnID
}

func (s *Session) UserConnectionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userConnID
}

func (s *Session) DesktopConnectionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.desktopConnID
}

// ReplaceDesktop pairs connID as the session's desktop. When a different
// desktop was paired before, its viewer registrations are dropped and
// returned so the caller can tell them.
func (s *Session) ReplaceDesktop(connID string) (previous string, stale []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous = s.desktopConnID
	s.desktopConnID = connID
	if previous != "" && previous != connID {
		stale = s.drainViewersLocked()
		s.streamerState = StreamerNotConnected
	}
	return previous, stale
}

// ClearDesktop invalidates the pairing if connID is still the session's
// desktop and returns the viewers that were attached to it. It reports
// false when the session was already re-paired or cleared.
func (s *Session) ClearDesktop(connID string) ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if connID == "" || s.desktopConnID != connID {
		return nil, false
	}
	s.desktopConnID = ""
	s.streamerState = StreamerNotConnected
	return s.drainViewersLocked(), true
}

func (s *Session) drainViewersLocked() []string {
	ids := make([]string, 0, len(s.viewers))
	for id := range s.viewers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	s.viewers = make(map[string]struct{})
	return ids
}

// AddViewer registers a viewer connection. Returns false if it was already
// registered.
func (s *Session) AddViewer(connID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.viewers[connID]; ok {
		return false
	}
	s.viewers[connID] = struct{}{}
	return true
}

// RemoveViewer unregisters a viewer connection. Returns false if it was not
// registered.
func (s *Session) RemoveViewer(connID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.viewers[connID]; !ok {
		return false
	}
	delete(s.viewers, connID)
	return true
}

func (s *Session) HasViewer(connID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.viewers[connID]
	return ok
}

// Viewers returns the registered viewer connection ids in sorted order.
func (s *Session) Viewers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.viewers))
	for id := range s.viewers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// NewStreamID mints and stores a fresh stream id for a (re)started cast.
func (s *Session) NewStreamID() string {
	id := uuid.New().String()
	s.mu.Lock()
	s.streamID = id
	s.mu.Unlock()
	return id
}

func (s *Session) StreamID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamID
}

func (s *Session) Metadata() Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}

func (s *Session) SetMachineName(name string) {
	s.mu.Lock()
	s.meta.MachineName = name
	s.mu.Unlock()
}

// SetRequester records who is viewing. An empty userName leaves the
// authenticated requester untouched.
func (s *Session) SetRequester(userName, displayName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if userName != "" {
		s.meta.RequesterUserName = userName
	}
	s.requesterDisplayName = displayName
}

func (s *Session) RequesterDisplayName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requesterDisplayName
}

// SignalReady marks the desktop side as ready. Safe to call more than once.
func (s *Session) SignalReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

func (s *Session) IsReady() bool {
	select {
	case <-s.ready:
		return true
	default:
		return false
	}
}

// WaitReady blocks until SignalReady, the timeout, or ctx cancellation.
// It reports whether the session became ready.
func (s *Session) WaitReady(ctx context.Context, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.ready:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Info is a point-in-time snapshot of a session for listing and logging.
type Info struct {
	ID                  string        `json:"id"`
	Mode                Mode          `json:"mode"`
	RequireConsent      bool          `json:"requireConsent"`
	StreamerState       StreamerState `json:"streamerState"`
	AgentConnectionID   string        `json:"agentConnectionId"`
	DesktopConnectionID string        `json:"desktopConnectionId"`
	Viewers             []string      `json:"viewers"`
	StreamID            string        `json:"streamId"`
	Ready               bool          `json:"ready"`
	CreatedAt           time.Time     `json:"createdAt"`
	Metadata
}

func (s *Session) Info() Info {
	viewers := s.Viewers()
	ready := s.IsReady()

	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:                  s.id,
		Mode:                s.mode,
		RequireConsent:      s.requireConsent,
		StreamerState:       s.streamerState,
		AgentConnectionID:   s.agentConnID,
		DesktopConnectionID: s.desktopConnID,
		Viewers:             viewers,
		StreamID:            s.streamID,
		Ready:               ready,
		CreatedAt:           s.createdAt,
		Metadata:            s.meta,
	}
}

// GenerateAccessKey returns a random alphanumeric secret.
func GenerateAccessKey() string {
	return randomString(accessKeyLength, accessKeyAlphabet)
}

// GenerateAttendedCode returns a short numeric code a person can read out.
func GenerateAttendedCode() string {
	return randomString(6, "0123456789")
}

func randomString(n int, alphabet string) string {
	max := big.NewInt(int64(len(alphabet)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic("session: crypto/rand unavailable: " + err.Error())
		}
		b[i] = alphabet[idx.Int64()]
	}
	return string(b)
}
