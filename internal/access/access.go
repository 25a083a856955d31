// Package access decides whether a viewer may join a session.
package access

import (
	"context"
	"errors"
	"fmt"

	"relaybroker/internal/directory"
	"relaybroker/internal/logging"
	"relaybroker/internal/session"
)

var log = logging.L("access")

// Reason names an authorization outcome on the wire.
type Reason string

const (
	ReasonSessionNotFound   Reason = "sessionNotFound"
	ReasonAccessKeyMismatch Reason = "accessKeyMismatch"
	ReasonForbidden         Reason = "forbidden"
	ReasonConsentDenied     Reason = "consentDenied"
	ReasonConsentTimeout    Reason = "consentTimeout"
	ReasonNotPaired         Reason = "notPaired"
)

// Failure is a typed authorization failure. Two failures match under
// errors.Is when their reasons are equal.
type Failure struct {
	Reason  Reason
	Message string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("access: %s: %s", f.Reason, f.Message)
}

func (f *Failure) Is(target error) bool {
	t, ok := target.(*Failure)
	return ok && t.Reason == f.Reason
}

var (
	ErrSessionNotFound   = &Failure{Reason: ReasonSessionNotFound, Message: "Session ID not found."}
	ErrAccessKeyMismatch = &Failure{Reason: ReasonAccessKeyMismatch, Message: "Access key does not match."}
	ErrForbidden         = &Failure{Reason: ReasonForbidden, Message: "You are not authorized to access this device."}
	ErrConsentDenied     = &Failure{Reason: ReasonConsentDenied, Message: "The user has denied the remote control request."}
	ErrConsentTimeout    = &Failure{Reason: ReasonConsentTimeout, Message: "The user did not respond to the remote control request."}
	ErrNotPaired         = &Failure{Reason: ReasonNotPaired, Message: "The remote desktop is not connected."}
)

// ReasonOf returns the failure reason carried by err, if any.
func ReasonOf(err error) (Reason, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f.Reason, true
	}
	return "", false
}

// Caller identifies who is asking to join.
type Caller struct {
	ConnectionID  string
	RemoteAddr    string
	Authenticated bool
	UserName      string
	// RequesterName is the self-declared display name.
	RequesterName string
}

// ConsentResult is the desktop user's answer to an access prompt.
type ConsentResult string

const (
	ConsentAccepted ConsentResult = "accepted"
	ConsentDenied   ConsentResult = "denied"
	ConsentTimedOut ConsentResult = "timedOut"
)

// ConsentPrompter asks the person at the desktop whether to let the caller
// in. A *Failure error is passed to the caller; any other error is treated
// as no answer.
type ConsentPrompter interface {
	PromptForAccess(ctx context.Context, s *session.Session, caller Caller) (ConsentResult, error)
}

// Directory resolves authenticated callers.
type Directory interface {
	User(userName string) (directory.User, bool)
	UserHasAccessToDevice(u directory.User, deviceID string) bool
}

// Request is one join attempt.
type Request struct {
	SessionID string
	AccessKey string
	Caller    Caller
}

// Gate applies the join rules against the registry.
type Gate struct {
	sessions *session.Registry
	dir      Directory
	prompter ConsentPrompter
}

func NewGate(sessions *session.Registry, dir Directory, prompter ConsentPrompter) *Gate {
	return &Gate{sessions: sessions, dir: dir, prompter: prompter}
}

// SetPrompter installs the consent prompter. The relay and the gate depend
// on each other, so the prompter is usually wired after construction.
func (g *Gate) SetPrompter(p ConsentPrompter) { g.prompter = p }

// Authorize checks, in order: the session exists, the access key matches
// for unattended sessions, an authenticated caller may see the device, and
// the desktop user consents when the session asks for it. On success it
// returns the session.
func (g *Gate) Authorize(ctx context.Context, req Request) (*session.Session, error) {
	s, ok := g.sessions.Get(req.SessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}

	if s.Mode() == session.ModeUnattended && req.AccessKey != s.AccessKey() {
		log.Error("access key does not match for unattended session",
			logging.KeySessionID, s.ID(),
			"requesterName", req.Caller.RequesterName,
			"userName", req.Caller.UserName,
			logging.KeyConnID, req.Caller.ConnectionID,
			logging.KeyRemoteAddr, req.Caller.RemoteAddr,
		)
		return nil, ErrAccessKeyMismatch
	}

	if req.Caller.Authenticated {
		if err := g.checkDevice(s, req.Caller); err != nil {
			return nil, err
		}
	}

	if err := g.consent(ctx, s, req.Caller); err != nil {
		return nil, err
	}
	return s, nil
}

// checkDevice only applies to sessions bound to a known device; attended
// sessions carry no device until the desktop reports one.
func (g *Gate) checkDevice(s *session.Session, caller Caller) error {
	meta := s.Metadata()
	if meta.DeviceID == "" {
		return nil
	}
	if g.dir == nil {
		return ErrForbidden
	}
	u, ok := g.dir.User(caller.UserName)
	if !ok {
		return ErrForbidden
	}
	if u.OrganizationID != meta.OrganizationID || !g.dir.UserHasAccessToDevice(u, meta.DeviceID) {
		log.Warn("authenticated caller denied device access",
			logging.KeySessionID, s.ID(),
			logging.KeyDeviceID, meta.DeviceID,
			"userName", caller.UserName,
		)
		return ErrForbidden
	}
	return nil
}

func (g *Gate) consent(ctx context.Context, s *session.Session, caller Caller) error {
	if !s.RequireConsent() {
		return nil
	}
	return s.WithConsentLock(func() error {
		// Another viewer may have been accepted while we waited.
		if !s.RequireConsent() {
			return nil
		}
		if g.prompter == nil {
			return ErrConsentDenied
		}

		result, err := g.prompter.PromptForAccess(ctx, s, caller)
		if _, ok := ReasonOf(err); ok {
			return err
		}
		if err != nil {
			log.Warn("access prompt failed",
				logging.KeySessionID, s.ID(), logging.KeyError, err)
			return ErrConsentTimeout
		}

		switch result {
		case ConsentAccepted:
			s.ClearConsent()
			return nil
		case ConsentTimedOut:
			return ErrConsentTimeout
		default:
			return ErrConsentDenied
		}
	})
}
