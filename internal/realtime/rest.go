package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"relaybroker/internal/bootstrap"
	"relaybroker/internal/directory"
	"relaybroker/internal/logging"
	"relaybroker/internal/session"
)

// handleRemoteControl starts an unattended session for an API key holder
// and returns the viewer join link.
func (s *Server) handleRemoteControl(w http.ResponseWriter, r *http.Request) {
	orgID, ok := s.apiKeyOrg(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	res, err := s.Bootstrap.Initiate(r.Context(), bootstrap.Request{
		DeviceID:       r.PathValue("deviceID"),
		OrganizationID: orgID,
		Caller:         bootstrap.Caller{ConnectionID: "api-" + uuid.New().String()},
	})
	if err != nil {
		s.writeBootstrapError(w, r, err)
		return
	}
	s.writeJoinURL(w, r, res)
}

// handleRemoteControlLogin is the deprecated password variant.
func (s *Server) handleRemoteControlLogin(w http.ResponseWriter, r *http.Request) {
	if !s.Directory.Settings().AllowAPILogin {
		http.NotFound(w, r)
		return
	}

	var req bootstrap.PasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Request body is missing required values.", http.StatusBadRequest)
		return
	}
	req.ConnectionID = "api-" + uuid.New().String()

	res, err := s.Bootstrap.SignInAndInitiate(r.Context(), req)
	if err != nil {
		s.writeBootstrapError(w, r, err)
		return
	}
	s.writeJoinURL(w, r, res)
}

func (s *Server) writeBootstrapError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, bootstrap.ErrDeviceOffline):
		http.Error(w, "The target device couldn't be found.", http.StatusNotFound)
	case errors.Is(err, bootstrap.ErrAPILoginDisabled), errors.Is(err, bootstrap.ErrAccountNotFound):
		http.NotFound(w, r)
	case errors.Is(err, bootstrap.ErrUnauthorized):
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	case errors.Is(err, bootstrap.ErrLockedOut):
		http.Error(w, "Account is locked.", http.StatusUnauthorized)
	case errors.Is(err, bootstrap.ErrRequiresTwoFactor):
		http.Error(w, "Account requires two-factor authentication.", http.StatusUnauthorized)
	case errors.Is(err, bootstrap.ErrBadRequest), errors.Is(err, bootstrap.ErrBadCredentials):
		http.Error(w, "Bad request.", http.StatusBadRequest)
	case errors.Is(err, bootstrap.ErrOrgUnresolved):
		http.Error(w, "Failed to resolve organization name.", http.StatusBadRequest)
	case errors.Is(err, bootstrap.ErrSetupTimeout):
		http.Error(w, "The remote control process failed to start in time on the remote device.", http.StatusRequestTimeout)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Caller went away.
	default:
		log.Error("remote control bootstrap failed", logging.KeyError, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (s *Server) writeJoinURL(w http.ResponseWriter, r *http.Request, res *bootstrap.Result) {
	scheme, host := s.origin(r)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(res.JoinURL(scheme, host)))
}

// origin is the scheme and host viewers should use to reach the server.
func (s *Server) origin(r *http.Request) (string, string) {
	if s.PublicURL != "" {
		if u, err := url.Parse(s.PublicURL); err == nil && u.Host != "" {
			return u.Scheme, u.Host
		}
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = p
	}
	return scheme, r.Host
}

// apiKeyOrg authenticates "Authorization: <keyID>:<secret>" and returns
// the organization the key acts for.
func (s *Server) apiKeyOrg(r *http.Request) (string, bool) {
	id, secret, ok := strings.Cut(r.Header.Get("Authorization"), ":")
	if !ok || id == "" || secret == "" {
		return "", false
	}
	return s.Directory.VerifyAPIKey(strings.TrimSpace(id), strings.TrimSpace(secret))
}

// serverAdmin authenticates a server administrator with HTTP basic
// credentials, writing the refusal itself.
func (s *Server) serverAdmin(w http.ResponseWriter, r *http.Request) bool {
	user, pass, ok := r.BasicAuth()
	if !ok || s.Directory.SignIn(user, pass) != directory.SignInSucceeded {
		w.Header().Set("WWW-Authenticate", `Basic realm="relaybroker"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return false
	}
	if u, ok := s.Directory.User(user); !ok || !u.IsServerAdmin {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return false
	}
	return true
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if !s.serverAdmin(w, r) {
		return
	}
	sessions := s.Sessions.List()
	infos := make([]session.Info, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sess.Info())
	}
	writeJSON(w, infos)
}

func (s *Server) handleEndedSessions(w http.ResponseWriter, r *http.Request) {
	if !s.serverAdmin(w, r) {
		return
	}
	writeJSON(w, s.Sessions.Ended())
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if !s.serverAdmin(w, r) {
		return
	}
	writeJSON(w, s.Agents.List())
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("response not written", logging.KeyError, err)
	}
}

// ipLimiter hands out a token bucket per client address. Idle buckets are
// forgotten.
type ipLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

const bucketIdle = 10 * time.Minute

func newIPLimiter(limit rate.Limit, burst int) *ipLimiter {
	return &ipLimiter{
		limit:   limit,
		burst:   burst,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

func (l *ipLimiter) allow(key string) bool {
	if l.limit <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for k, b := range l.buckets {
		if now.Sub(b.seen) > bucketIdle {
			delete(l.buckets, k)
		}
	}
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}

func (s *Server) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !s.limiter.allow(host) {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
