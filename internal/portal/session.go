package portal

import (
	"net/url"
	"sync"
	"time"

	"github.com/inspired27/aldidata/internal/metrics"
	"github.com/rs/zerolog"
)

// DefaultSessionOKTTL bounds how long a successful login is trusted without
// re-probing the portal.
const DefaultSessionOKTTL = 15 * time.Minute

// Reporter receives step-by-step progress messages from long-running portal
// operations. Implementations must tolerate concurrent calls.
type Reporter interface {
	Step(msg string)
}

func step(r Reporter, msg string) {
	if r != nil {
		r.Step(msg)
	}
}

// SessionConfig holds the endpoints and credentials for the login handshake.
type SessionConfig struct {
	OverviewURL  string
	LoginPageURL string
	LoginPostURL string
	BalanceURL   string // contains a {line} placeholder
	Username     string
	Password     string
	SessionOKTTL time.Duration
	PollInterval time.Duration
	PollTimeout  time.Duration
}

// Session owns the portal transport and the authenticated-state cache. The
// last-known-good login timestamp is advisory: callers seeing a login page on
// an authenticated session call Invalidate and retry.
type Session struct {
	client *Client
	cfg    SessionConfig
	clock  Clock
	logger zerolog.Logger

	mu          sync.Mutex
	lastLoginOK time.Time
}

// NewSession creates a session around an existing transport.
func NewSession(client *Client, cfg SessionConfig, clock Clock, logger zerolog.Logger) *Session {
	if cfg.SessionOKTTL == 0 {
		cfg.SessionOKTTL = DefaultSessionOKTTL
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = 45 * time.Second
	}
	if clock == nil {
		clock = RealClock{}
	}
	return &Session{
		client: client,
		cfg:    cfg,
		clock:  clock,
		logger: logger.With().Str("component", "portal-session").Logger(),
	}
}

// Client exposes the underlying transport for reachability probes.
func (s *Session) Client() *Client {
	return s.client
}

// Invalidate clears the cached authenticated timestamp, forcing the next
// EnsureLoggedIn to probe the portal. This is the only invalidation path.
func (s *Session) Invalidate() {
	s.mu.Lock()
	s.lastLoginOK = time.Time{}
	s.mu.Unlock()
}

// EnsureLoggedIn makes the session authenticated: a no-op while the last
// successful login is within the TTL, otherwise it probes the overview page
// and performs the token + credential handshake when a login page comes back.
func (s *Session) EnsureLoggedIn(rep Reporter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.lastLoginOK.IsZero() && s.clock.Now().Sub(s.lastLoginOK) < s.cfg.SessionOKTTL {
		return nil
	}

	step(rep, "Authenticating...")

	ov, err := s.client.Get(s.cfg.OverviewURL, nil)
	if err != nil {
		return err
	}
	if err := checkStatus(ov, "GET", s.cfg.OverviewURL); err != nil {
		return err
	}
	if !LooksLikeLoginPage(ov.Body) {
		s.lastLoginOK = s.clock.Now()
		step(rep, "Authenticated")
		return nil
	}

	step(rep, "Opening login page...")
	lp, err := s.client.Get(s.cfg.LoginPageURL, nil)
	if err != nil {
		return err
	}
	if err := checkStatus(lp, "GET", s.cfg.LoginPageURL); err != nil {
		return err
	}
	csrf := CSRFFromLoginPage(lp.Body)
	if csrf == "" {
		// One retry: the portal occasionally serves the login page without
		// its hidden token.
		lp2, err := s.client.Get(s.cfg.LoginPageURL, nil)
		if err != nil {
			return err
		}
		if err := checkStatus(lp2, "GET", s.cfg.LoginPageURL); err != nil {
			return err
		}
		csrf = CSRFFromLoginPage(lp2.Body)
	}
	if csrf == "" {
		metrics.LoginAttemptsTotal.WithLabelValues("csrf_missing").Inc()
		return &UpstreamError{Code: CodeLoginCSRFMissing, UserMessage: "Could not find CSRF token on login page.", Stage: "GET /login"}
	}

	if s.cfg.Username == "" || s.cfg.Password == "" {
		return &UpstreamError{Code: CodeMissingCreds, UserMessage: "Missing portal username or password.", Stage: "env"}
	}

	step(rep, "Authenticating...")

	form := url.Values{}
	form.Set("login_user[login]", s.cfg.Username)
	form.Set("login_user[password]", s.cfg.Password)
	form.Set("_csrf_token", csrf)

	resp, err := s.client.Post(s.cfg.LoginPostURL, form, map[string]string{"Referer": s.cfg.LoginPageURL})
	if err != nil {
		metrics.LoginAttemptsTotal.WithLabelValues("error").Inc()
		return err
	}
	if err := checkStatus(resp, "POST", s.cfg.LoginPostURL); err != nil {
		metrics.LoginAttemptsTotal.WithLabelValues("error").Inc()
		return err
	}

	ov2, err := s.client.Get(s.cfg.OverviewURL, nil)
	if err != nil {
		return err
	}
	if err := checkStatus(ov2, "GET", s.cfg.OverviewURL); err != nil {
		return err
	}
	if LooksLikeLoginPage(ov2.Body) {
		metrics.LoginAttemptsTotal.WithLabelValues("rejected").Inc()
		return &UpstreamError{Code: CodeLoginFailed, UserMessage: "Login failed.", Stage: "POST /login_check"}
	}

	s.lastLoginOK = s.clock.Now()
	metrics.LoginAttemptsTotal.WithLabelValues("ok").Inc()
	s.logger.Info().Msg("Portal login handshake succeeded")
	step(rep, "Authenticated")
	return nil
}

// fetchOverviewAuthed fetches the overview page, re-authenticating once if a
// stale session is answered with the login page.
func (s *Session) fetchOverviewAuthed(rep Reporter) (*Response, error) {
	ov, err := s.client.Get(s.cfg.OverviewURL, nil)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(ov, "GET", s.cfg.OverviewURL); err != nil {
		return nil, err
	}
	if LooksLikeLoginPage(ov.Body) {
		s.Invalidate()
		if err := s.EnsureLoggedIn(rep); err != nil {
			return nil, err
		}
		ov, err = s.client.Get(s.cfg.OverviewURL, nil)
		if err != nil {
			return nil, err
		}
		if err := checkStatus(ov, "GET", s.cfg.OverviewURL); err != nil {
			return nil, err
		}
	}
	return ov, nil
}
