package bootstrap

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"relaybroker/internal/access"
	"relaybroker/internal/directory"
	"relaybroker/internal/otp"
	"relaybroker/internal/protocol"
	"relaybroker/internal/relay"
	"relaybroker/internal/session"
	"relaybroker/internal/stream"
)

// switchboard routes messages to per-connection handlers.
type switchboard struct {
	mu       sync.Mutex
	handlers map[string]func(*protocol.Message)
	sent     []*protocol.Message
}

func newSwitchboard() *switchboard {
	return &switchboard{handlers: make(map[string]func(*protocol.Message))}
}

func (s *switchboard) on(connID string, fn func(*protocol.Message)) {
	s.mu.Lock()
	s.handlers[connID] = fn
	s.mu.Unlock()
}

func (s *switchboard) Send(connID string, msg *protocol.Message) error {
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	fn := s.handlers[connID]
	s.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
	return nil
}

func (s *switchboard) Request(ctx context.Context, connID string, msg *protocol.Message) (*protocol.Message, error) {
	if err := s.Send(connID, msg); err != nil {
		return nil, err
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func hash(t *testing.T, pw string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

type env struct {
	svc      *Service
	hub      *relay.Hub
	sessions *session.Registry
	agents   *session.AgentRegistry
	board    *switchboard
	dir      *directory.Directory
}

func newEnv(t *testing.T, settings directory.Settings, readyTimeout time.Duration) *env {
	t.Helper()
	dir, err := directory.New(directory.Snapshot{
		Settings:      settings,
		Organizations: []directory.Organization{{ID: "O1", Name: "Org One"}, {ID: "O2", Name: "Org Two"}},
		Devices: []directory.Device{
			{ID: "D1", OrganizationID: "O1", Name: "host-1"},
			{ID: "D2", OrganizationID: "O1", Name: "host-2", DeviceGroupID: "G1"},
		},
		Users: []directory.User{
			{UserName: "admin@o1", OrganizationID: "O1", IsAdministrator: true, PasswordHash: hash(t, "pw")},
			{UserName: "plain@o1", OrganizationID: "O1", PasswordHash: hash(t, "pw")},
			{UserName: "2fa@o1", OrganizationID: "O1", TwoFactorEnabled: true, PasswordHash: hash(t, "pw")},
		},
	}, directory.WithLockout(2, time.Minute))
	require.NoError(t, err)

	sessions := session.NewRegistry()
	agents := session.NewAgentRegistry()
	board := newSwitchboard()
	hub := relay.NewHub(context.Background(), relay.Deps{
		Sessions:  sessions,
		Agents:    agents,
		Broker:    stream.NewBroker(time.Minute),
		Gate:      access.NewGate(sessions, dir, nil),
		Directory: dir,
		Clients:   board,
		Options: relay.Options{
			StreamWaitTimeout: 2 * time.Second,
			ConsentTimeout:    time.Second,
			ChunkBuffer:       8,
		},
	})
	svc := NewService(sessions, agents, dir, otp.NewProvider(time.Minute), board, readyTimeout)

	require.NoError(t, hub.NewAgent("agent-1", "").Hello(protocol.AgentHelloPayload{DeviceID: "D1", MachineName: "host-1"}))
	return &env{svc: svc, hub: hub, sessions: sessions, agents: agents, board: board, dir: dir}
}

// launchDesktopAfter makes the agent spawn a desktop that connects back
// after delay, the way a real agent would.
func (e *env) launchDesktopAfter(delay time.Duration) *relay.Desktop {
	desk := e.hub.NewDesktop("desk-1")
	e.board.on("agent-1", func(msg *protocol.Message) {
		if msg.Type != protocol.TypeAgentRemoteControl {
			return
		}
		var p protocol.AgentRemoteControlPayload
		if err := msg.Decode(&p); err != nil {
			return
		}
		go func() {
			time.Sleep(delay)
			_ = desk.AnnounceUnattended(context.Background(), protocol.DesktopUnattendedPayload{
				SessionID: p.SessionID, AccessKey: p.AccessKey, MachineName: "host-1",
			})
		}()
	})
	return desk
}

func TestInitiate_EndToEnd(t *testing.T) {
	e := newEnv(t, directory.Settings{}, 5*time.Second)
	desk := e.launchDesktopAfter(100 * time.Millisecond)

	// The desktop starts casting as soon as it is asked to.
	e.board.on("desk-1", func(msg *protocol.Message) {
		if msg.Type != protocol.TypeDesktopGetScreenCast {
			return
		}
		var p protocol.ScreenCastPayload
		if err := msg.Decode(&p); err != nil {
			return
		}
		go func() {
			if err := desk.BeginStream(p.StreamID); err != nil {
				return
			}
			_ = desk.PushChunk(context.Background(), p.StreamID, []byte("frame-1"))
			_ = desk.PushChunk(context.Background(), p.StreamID, []byte("frame-2"))
			_ = desk.EndStream(p.StreamID)
		}()
	})

	res, err := e.svc.Initiate(context.Background(), Request{
		DeviceID:       "D1",
		OrganizationID: "O1",
		Caller:         Caller{ConnectionID: "http-1"},
	})
	require.NoError(t, err)

	u, err := url.Parse(res.JoinURL("https", "broker.example"))
	require.NoError(t, err)
	assert.Equal(t, "/Viewer", u.Path)
	q := u.Query()
	assert.Equal(t, "Unattended", q.Get("mode"))
	assert.NotEmpty(t, q.Get("sessionId"))
	assert.NotEmpty(t, q.Get("accessKey"))
	assert.NotEmpty(t, q.Get("otp"))

	viewer := e.hub.NewViewer("view-1", "", "")
	require.NoError(t, viewer.RequestScreenCast(context.Background(), q.Get("sessionId"), q.Get("accessKey"), "Ann"))

	video, err := viewer.StreamDesktopVideo(context.Background())
	require.NoError(t, err)

	var chunks [][]byte
	for c := range video.Chunks {
		chunks = append(chunks, c)
	}
	assert.NotEmpty(t, chunks)
	assert.Equal(t, []byte("frame-1"), chunks[0])
}

func TestInitiate_SetupTimeout(t *testing.T) {
	e := newEnv(t, directory.Settings{}, 100*time.Millisecond)

	start := time.Now()
	res, err := e.svc.Initiate(context.Background(), Request{DeviceID: "D1", OrganizationID: "O1"})
	assert.ErrorIs(t, err, ErrSetupTimeout)
	assert.Nil(t, res)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Zero(t, e.sessions.Len())
}

func TestInitiate_CallerGone(t *testing.T) {
	e := newEnv(t, directory.Settings{}, 5*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := e.svc.Initiate(ctx, Request{DeviceID: "D1", OrganizationID: "O1"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, e.sessions.Len())
}

func TestInitiate_Failures(t *testing.T) {
	e := newEnv(t, directory.Settings{}, time.Second)

	_, err := e.svc.Initiate(context.Background(), Request{DeviceID: "D9", OrganizationID: "O1"})
	assert.ErrorIs(t, err, ErrDeviceOffline)

	_, err = e.svc.Initiate(context.Background(), Request{DeviceID: "D1", OrganizationID: "O2"})
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = e.svc.Initiate(context.Background(), Request{
		DeviceID: "D1", OrganizationID: "O1",
		Caller: Caller{Authenticated: true, UserName: "ghost"},
	})
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Zero(t, e.sessions.Len())
}

func TestInitiate_CarriesSettings(t *testing.T) {
	e := newEnv(t, directory.Settings{RemoteControlNotifyUser: true}, 2*time.Second)
	e.launchDesktopAfter(10 * time.Millisecond)

	res, err := e.svc.Initiate(context.Background(), Request{
		DeviceID: "D1", OrganizationID: "O1",
		Caller:         Caller{ConnectionID: "http-1", Authenticated: true, UserName: "plain@o1"},
		RequireConsent: true,
	})
	require.NoError(t, err)

	s, ok := e.sessions.Get(res.SessionID)
	require.True(t, ok)
	assert.True(t, s.NotifyUserOnStart())
	assert.True(t, s.RequireConsent())
	assert.Equal(t, "http-1", s.UserConnectionID())
	assert.Equal(t, "agent-1", s.AgentConnectionID())
	assert.Equal(t, "Org One", s.Metadata().OrganizationName)
	assert.Equal(t, "plain@o1", s.Metadata().RequesterUserName)
}

func TestSignInAndInitiate(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		e := newEnv(t, directory.Settings{}, time.Second)
		_, err := e.svc.SignInAndInitiate(context.Background(), PasswordRequest{Email: "plain@o1", Password: "pw", DeviceID: "D1"})
		assert.ErrorIs(t, err, ErrAPILoginDisabled)
	})

	e := newEnv(t, directory.Settings{AllowAPILogin: true}, 2*time.Second)

	cases := []struct {
		name string
		req  PasswordRequest
		want error
	}{
		{"missing password", PasswordRequest{Email: "plain@o1", DeviceID: "D1"}, ErrBadRequest},
		{"unknown account", PasswordRequest{Email: "ghost", Password: "pw", DeviceID: "D1"}, ErrAccountNotFound},
		{"two factor", PasswordRequest{Email: "2fa@o1", Password: "pw", DeviceID: "D1"}, ErrRequiresTwoFactor},
		{"no device access", PasswordRequest{Email: "plain@o1", Password: "pw", DeviceID: "D2"}, ErrBadCredentials},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.svc.SignInAndInitiate(context.Background(), tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	t.Run("lockout", func(t *testing.T) {
		bad := PasswordRequest{Email: "admin@o1", Password: "wrong", DeviceID: "D1"}
		_, err := e.svc.SignInAndInitiate(context.Background(), bad)
		assert.ErrorIs(t, err, ErrBadCredentials)
		_, err = e.svc.SignInAndInitiate(context.Background(), bad)
		assert.ErrorIs(t, err, ErrLockedOut)
	})

	t.Run("success", func(t *testing.T) {
		e.launchDesktopAfter(10 * time.Millisecond)
		res, err := e.svc.SignInAndInitiate(context.Background(), PasswordRequest{
			Email: "plain@o1", Password: "pw", DeviceID: "D1", ConnectionID: "http-9",
		})
		require.NoError(t, err)
		assert.NotEmpty(t, res.OTP)
	})
}

func TestJoinURL(t *testing.T) {
	r := &Result{SessionID: "s-1", AccessKey: "k&y", OTP: "o"}
	assert.Equal(t,
		"https://host:5000/Viewer?mode=Unattended&sessionId=s-1&accessKey=k%26y&otp=o",
		r.JoinURL("https", "host:5000"))
}
