// Package bootstrap starts unattended remote-control sessions on request
// from an external caller.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"relaybroker/internal/directory"
	"relaybroker/internal/logging"
	"relaybroker/internal/protocol"
	"relaybroker/internal/session"
)

var log = logging.L("bootstrap")

var (
	ErrDeviceOffline     = errors.New("bootstrap: the target device couldn't be found")
	ErrUnauthorized      = errors.New("bootstrap: unauthorized")
	ErrOrgUnresolved     = errors.New("bootstrap: failed to resolve organization name")
	ErrSetupTimeout      = errors.New("bootstrap: the remote control process failed to start in time on the remote device")
	ErrAPILoginDisabled  = errors.New("bootstrap: api login is disabled")
	ErrBadRequest        = errors.New("bootstrap: request body is missing required values")
	ErrAccountNotFound   = errors.New("bootstrap: account not found")
	ErrBadCredentials    = errors.New("bootstrap: login failed")
	ErrLockedOut         = errors.New("bootstrap: account is locked")
	ErrRequiresTwoFactor = errors.New("bootstrap: account requires two-factor authentication")
)

// Directory is the identity collaborator used by the bootstrap path.
type Directory interface {
	Settings() directory.Settings
	User(userName string) (directory.User, bool)
	UserHasAccessToDevice(u directory.User, deviceID string) bool
	OrganizationName(id string) (string, bool)
	SignIn(userName, password string) directory.SignInResult
}

// OTPIssuer mints a one-time passcode for a device.
type OTPIssuer interface {
	GetOtp(deviceID string) string
}

// Sender delivers a message to a connection.
type Sender interface {
	Send(connID string, msg *protocol.Message) error
}

// Caller identifies who triggered the bootstrap.
type Caller struct {
	// ConnectionID stands in as the session's user connection until a
	// viewer attaches.
	ConnectionID  string
	Authenticated bool
	UserName      string
}

type Request struct {
	DeviceID       string
	OrganizationID string
	Caller         Caller
	RequireConsent bool
}

// PasswordRequest is the deprecated sign-in-and-initiate request.
type PasswordRequest struct {
	Email          string `json:"email"`
	Password       string `json:"password"`
	DeviceID       string `json:"deviceID"`
	ConnectionID   string `json:"-"`
	RequireConsent bool   `json:"-"`
}

// Result is a session ready for a viewer to join.
type Result struct {
	SessionID string
	AccessKey string
	OTP       string
}

// JoinURL builds the viewer URL for the session.
func (r *Result) JoinURL(scheme, host string) string {
	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://")
	b.WriteString(host)
	b.WriteString("/Viewer?mode=Unattended&sessionId=")
	b.WriteString(url.QueryEscape(r.SessionID))
	b.WriteString("&accessKey=")
	b.WriteString(url.QueryEscape(r.AccessKey))
	b.WriteString("&otp=")
	b.WriteString(url.QueryEscape(r.OTP))
	return b.String()
}

// Service runs the bootstrap flow.
type Service struct {
	sessions     *session.Registry
	agents       *session.AgentRegistry
	dir          Directory
	otp          OTPIssuer
	sender       Sender
	readyTimeout time.Duration
}

func NewService(sessions *session.Registry, agents *session.AgentRegistry, dir Directory, otp OTPIssuer, sender Sender, readyTimeout time.Duration) *Service {
	return &Service{
		sessions:     sessions,
		agents:       agents,
		dir:          dir,
		otp:          otp,
		sender:       sender,
		readyTimeout: readyTimeout,
	}
}

// Initiate creates an unattended session for req.DeviceID, asks the
// device's agent to launch a desktop for it and waits for the desktop to
// announce itself. The passcode is only minted once the session is ready.
func (s *Service) Initiate(ctx context.Context, req Request) (*Result, error) {
	agent, ok := s.agents.Lookup(req.DeviceID)
	if !ok {
		return nil, ErrDeviceOffline
	}
	if agent.OrganizationID != req.OrganizationID {
		return nil, ErrUnauthorized
	}

	if req.Caller.Authenticated {
		u, ok := s.dir.User(req.Caller.UserName)
		if !ok || !s.dir.UserHasAccessToDevice(u, req.DeviceID) {
			return nil, ErrUnauthorized
		}
	}

	orgName, ok := s.dir.OrganizationName(req.OrganizationID)
	if !ok {
		return nil, ErrOrgUnresolved
	}

	active := s.sessions.CountWhere(func(x *session.Session) bool {
		return x.Metadata().OrganizationID == req.OrganizationID
	})

	sess := session.NewUnattended(session.UnattendedParams{
		AgentConnectionID: agent.ConnectionID,
		UserConnectionID:  req.Caller.ConnectionID,
		RequireConsent:    req.RequireConsent,
		NotifyUserOnStart: s.dir.Settings().RemoteControlNotifyUser,
		Metadata: session.Metadata{
			OrganizationID:    req.OrganizationID,
			OrganizationName:  orgName,
			DeviceID:          req.DeviceID,
			MachineName:       agent.MachineName,
			RequesterUserName: req.Caller.UserName,
		},
	})
	s.sessions.Put(sess.ID(), sess)
	sessLog := logging.WithSession(log, sess.ID(), req.Caller.ConnectionID)

	sessLog.Info("starting unattended session",
		logging.KeyDeviceID, req.DeviceID,
		logging.KeyOrgID, req.OrganizationID,
		"activeOrgSessions", active,
	)

	msg, err := protocol.NewMessage(protocol.TypeAgentRemoteControl, protocol.AgentRemoteControlPayload{
		SessionID:        sess.ID(),
		AccessKey:        sess.AccessKey(),
		UserConnectionID: req.Caller.ConnectionID,
		OrganizationID:   req.OrganizationID,
		OrganizationName: orgName,
		NotifyUser:       sess.NotifyUserOnStart(),
	})
	if err == nil {
		err = s.sender.Send(agent.ConnectionID, msg)
	}
	if err != nil {
		s.sessions.RemoveIf(sess.ID(), sess)
		return nil, fmt.Errorf("bootstrap: notify agent: %w", err)
	}

	if !sess.WaitReady(ctx, s.readyTimeout) {
		s.sessions.RemoveIf(sess.ID(), sess)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sessLog.Warn("desktop did not become ready in time",
			logging.KeyDeviceID, req.DeviceID, "timeout", s.readyTimeout)
		return nil, ErrSetupTimeout
	}

	return &Result{
		SessionID: sess.ID(),
		AccessKey: sess.AccessKey(),
		OTP:       s.otp.GetOtp(req.DeviceID),
	}, nil
}

// SignInAndInitiate signs the caller in with a password and then runs
// Initiate on their behalf. It is only available when API login is
// allowed.
func (s *Service) SignInAndInitiate(ctx context.Context, req PasswordRequest) (*Result, error) {
	if !s.dir.Settings().AllowAPILogin {
		return nil, ErrAPILoginDisabled
	}
	if strings.TrimSpace(req.Email) == "" || strings.TrimSpace(req.Password) == "" || strings.TrimSpace(req.DeviceID) == "" {
		return nil, ErrBadRequest
	}

	u, ok := s.dir.User(req.Email)
	if !ok {
		return nil, ErrAccountNotFound
	}

	switch s.dir.SignIn(req.Email, req.Password) {
	case directory.SignInSucceeded:
		if !s.dir.UserHasAccessToDevice(u, req.DeviceID) {
			break
		}
		log.Info("api login successful", "userName", req.Email)
		return s.Initiate(ctx, Request{
			DeviceID:       req.DeviceID,
			OrganizationID: u.OrganizationID,
			Caller: Caller{
				ConnectionID:  req.ConnectionID,
				Authenticated: true,
				UserName:      req.Email,
			},
			RequireConsent: req.RequireConsent,
		})
	case directory.SignInLockedOut:
		log.Info("api login refused, account locked", "userName", req.Email)
		return nil, ErrLockedOut
	case directory.SignInRequiresTwoFactor:
		log.Info("api login refused, two-factor required", "userName", req.Email)
		return nil, ErrRequiresTwoFactor
	}

	log.Info("api login unsuccessful due to bad attempt", "userName", req.Email)
	return nil, ErrBadCredentials
}
