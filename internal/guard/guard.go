// Package guard implements the server side of the license guard protocol:
// the validator that confirms a license is running on its authorized domain
// and mints signed unlock envelopes, and the heartbeat processor that
// continuously re-verifies that confirmation and escalates on tampering.
package guard

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"licenseguard/internal/notify"
	"licenseguard/internal/store"
)

// Rejection reasons surfaced to agents. Status-shaped reasons reuse the
// status string itself.
const (
	ReasonUnknownKey     = "UNKNOWN_KEY"
	ReasonExpired        = "EXPIRED"
	ReasonDomainMismatch = "DOMAIN_MISMATCH"
)

// Policy holds the protocol's tunable parameters. Values come from config;
// the protocol applies them process-wide rather than per license.
type Policy struct {
	// SigningSecret signs unlock envelopes. Server-only.
	SigningSecret []byte
	// UnlockContent is the fragment released inside the envelope.
	UnlockContent []byte
	// TamperThreshold is the tamper count at which a license is terminated.
	TamperThreshold int
	// StaleTokenWindow bounds how long one tolerated stale heartbeat shields
	// a second from being treated as replay.
	StaleTokenWindow time.Duration
	// DevDomains are exempt from domain binding, on top of the built-in
	// localhost forms.
	DevDomains []string
}

// ClientDiagnostic is the agent-reported state evaluated by the tamper
// heuristic. It is never persisted beyond the decision it feeds.
type ClientDiagnostic struct {
	ComputedDisplay    string `json:"display"`
	ComputedVisibility string `json:"visibility"`
	ComputedOpacity    string `json:"opacity"`
	ScriptDidMount     bool   `json:"script_did_mount"`
}

// ValidationResult is the outcome of a validation request.
type ValidationResult struct {
	Valid          bool
	Reason         string
	Status         store.Status
	Payload        string
	HeartbeatToken string
}

// HeartbeatResult is the outcome of a heartbeat round.
type HeartbeatResult struct {
	Status store.Status
	Token  string
	Reason string
}

// sessionState is the ephemeral per-key bookkeeping behind the tamper
// heuristic: whether a validation minted the current session and recent
// stale-token sightings. The validated flag is re-derived from a matching
// heartbeat token after a restart, so losing this map never penalizes an
// honest agent.
type sessionState struct {
	validated   bool
	lastStaleAt time.Time
}

// Service is the server-side guard protocol engine. All durable state lives
// in the store; Service itself only keeps ephemeral per-session bookkeeping,
// so concurrent requests for different keys are independent.
type Service struct {
	store      store.Store
	dispatcher notify.Dispatcher
	policy     Policy
	logger     *slog.Logger
	metrics    *Metrics

	mu       sync.Mutex
	sessions map[string]*sessionState

	// now is swappable for tests.
	now func() time.Time
}

// NewService creates the guard service.
func NewService(s store.Store, dispatcher notify.Dispatcher, policy Policy, logger *slog.Logger) *Service {
	if dispatcher == nil {
		dispatcher = notify.Noop{}
	}
	if policy.TamperThreshold <= 0 {
		policy.TamperThreshold = 3
	}
	if policy.StaleTokenWindow <= 0 {
		policy.StaleTokenWindow = 5 * time.Minute
	}

	return &Service{
		store:      s,
		dispatcher: dispatcher,
		policy:     policy,
		logger:     logger.With(slog.String("component", "guard")),
		metrics:    newMetrics(logger),
		sessions:   make(map[string]*sessionState),
		now:        time.Now,
	}
}

// session returns the ephemeral state for key, creating it if needed.
// Callers must hold s.mu.
func (s *Service) session(key string) *sessionState {
	sess, ok := s.sessions[key]
	if !ok {
		sess = &sessionState{}
		s.sessions[key] = sess
	}
	return sess
}

// dropSession clears ephemeral state for key.
func (s *Service) dropSession(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, key)
}

// isDevExempt reports whether the requesting domain is a recognized
// local-development exemption. The built-ins cover only loopback forms;
// anything else, including the empty hostname a file:// page reports, must
// be opted into through DevDomains.
func (s *Service) isDevExempt(domain string) bool {
	host := normalizeDomain(domain)

	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	if strings.HasSuffix(host, ".localhost") {
		return true
	}

	for _, dev := range s.policy.DevDomains {
		if host == normalizeDomain(dev) {
			return true
		}
	}
	return false
}

// normalizeDomain lowercases a hostname and strips any port and brackets so
// "Customer.Example.com:8080" and "[::1]:3000" compare cleanly.
func normalizeDomain(domain string) string {
	host := strings.ToLower(strings.TrimSpace(domain))
	host = strings.TrimPrefix(host, "[")

	if i := strings.LastIndex(host, "]"); i >= 0 {
		host = host[:i]
	} else if i := strings.LastIndex(host, ":"); i >= 0 && strings.Count(host, ":") == 1 {
		host = host[:i]
	}
	return host
}

// domainsMatch compares the requesting domain with the authorized one.
func domainsMatch(requested, authorized string) bool {
	return normalizeDomain(requested) == normalizeDomain(authorized)
}
