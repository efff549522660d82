// Package agent implements the client side of the license guard protocol:
// the validate -> mount -> heartbeat-loop -> (lock | continue) state machine,
// the offline fail-safe cache, and the re-validation path triggered when the
// unlock effect is stripped out from under a running client.
//
// The browser rendition of this agent ships as the embedded guard.js asset;
// this package is the platform-agnostic form used by tests and non-browser
// clients, with the DOM-specific observations abstracted behind UnlockProbe.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"licenseguard/internal/envelope"
	"licenseguard/internal/guard"
)

// State is the agent lifecycle state.
type State int

const (
	StateInit State = iota
	StateValidating
	StateMounted
	StateLocked
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateValidating:
		return "VALIDATING"
	case StateMounted:
		return "MOUNTED"
	case StateLocked:
		return "LOCKED"
	default:
		return "UNKNOWN"
	}
}

// UnlockProbe abstracts the platform-specific unlock mechanism. In a browser
// this is the injected <style> tag and getComputedStyle; a desktop agent
// substitutes whatever "did the unlock effect take hold" signal it has.
type UnlockProbe interface {
	// Apply makes the unlock content take effect.
	Apply(content []byte) error
	// Diagnostic reports the currently observable unlock state.
	Diagnostic() guard.ClientDiagnostic
	// Lock renders the lock screen with a short reason and an opaque
	// reference token. Deliberately uninformative beyond that.
	Lock(reason, reference string)
}

// Config configures an Agent.
type Config struct {
	// LicenseKey is read from the embedding context. Empty means
	// misconfiguration: the agent does nothing, silently.
	LicenseKey string
	// BaseURL of the guard server, derived from the embedding context.
	BaseURL string
	// Domain is the hostname the agent reports for domain binding.
	Domain string
	// CachePath is the offline fail-safe cache location.
	CachePath string
	// CacheTTL overrides the 24h fail-safe ceiling. Zero keeps the default.
	CacheTTL time.Duration
	// HTTPTimeout bounds each network call. Zero keeps the 15s default.
	HTTPTimeout time.Duration

	// FirstBeatMin/Max bound the randomized delay before the first
	// heartbeat; BeatMin/Max bound every later one. Randomization keeps an
	// observer from timing a tamper to land just after a check passes.
	FirstBeatMin, FirstBeatMax time.Duration
	BeatMin, BeatMax           time.Duration

	// TamperSignal, when non-nil, forces immediate re-validation: the
	// platform watcher fires it when the unlock effect disappears.
	TamperSignal <-chan struct{}

	Probe  UnlockProbe
	Logger *slog.Logger
}

// Agent drives the guard state machine. It is single-threaded: timers,
// network replies, and the tamper signal all funnel into one loop, and every
// in-flight request carries the session generation that spawned it so stale
// replies are discarded.
type Agent struct {
	cfg    Config
	client *Client
	cache  *Cache
	logger *slog.Logger
	rng    *rand.Rand

	mu         sync.Mutex
	state      State
	generation uint64
	token      string
}

// result carries a network reply back into the loop, tagged with the
// generation that issued the request.
type result struct {
	generation uint64
	validation *ValidateResponse
	heartbeat  *HeartbeatResponse
	err        error
}

// New creates an agent. Run starts it.
func New(cfg Config) *Agent {
	if cfg.FirstBeatMin <= 0 {
		cfg.FirstBeatMin = 30 * time.Second
	}
	if cfg.FirstBeatMax <= cfg.FirstBeatMin {
		cfg.FirstBeatMax = cfg.FirstBeatMin + 30*time.Second
	}
	if cfg.BeatMin <= 0 {
		cfg.BeatMin = 45 * time.Second
	}
	if cfg.BeatMax <= cfg.BeatMin {
		cfg.BeatMax = cfg.BeatMin + 45*time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Agent{
		cfg:    cfg,
		client: NewClient(cfg.BaseURL, cfg.HTTPTimeout),
		cache:  NewCache(cfg.CachePath, cfg.CacheTTL),
		logger: cfg.Logger.With(slog.String("component", "guard_agent")),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		state:  StateInit,
	}
}

// State returns the current lifecycle state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// setState records a transition.
func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// Run drives the agent until it locks (ErrLocked) or ctx is cancelled.
// A missing license key is a configuration error, not an attack: Run
// returns immediately without rendering anything.
func (a *Agent) Run(ctx context.Context) error {
	if a.cfg.LicenseKey == "" {
		a.logger.Debug("no license key configured, agent inactive")
		return nil
	}

	results := make(chan result, 1)
	// Single next-wake handle; entering LOCKED stops it and that is the
	// whole cancellation story.
	wake := time.NewTimer(time.Hour)
	if !wake.Stop() {
		<-wake.C
	}

	a.setState(StateValidating)
	a.spawnValidate(ctx, results)

	for {
		select {
		case <-ctx.Done():
			wake.Stop()
			return ctx.Err()

		case <-a.cfg.TamperSignal:
			if a.State() != StateMounted {
				continue
			}
			// The unlock effect vanished: close the tamper->detection
			// window now instead of waiting for the next beat.
			a.logger.Warn("unlock effect removed, re-validating")
			a.mu.Lock()
			a.generation++
			a.state = StateValidating
			a.mu.Unlock()
			wake.Stop()
			a.spawnValidate(ctx, results)

		case <-wake.C:
			if a.State() != StateMounted {
				continue
			}
			a.spawnHeartbeat(ctx, results)

		case res := <-results:
			a.mu.Lock()
			stale := res.generation != a.generation
			a.mu.Unlock()
			if stale {
				a.logger.Debug("discarding reply from a previous session")
				continue
			}

			var done bool
			if res.validation != nil || (res.err != nil && a.State() == StateValidating) {
				done = a.onValidation(res, wake)
			} else {
				done = a.onHeartbeat(res, wake)
			}
			if done {
				wake.Stop()
				return ErrLocked
			}
		}
	}
}

// spawnValidate issues a validation request for the current generation.
func (a *Agent) spawnValidate(ctx context.Context, results chan<- result) {
	a.mu.Lock()
	gen := a.generation
	a.mu.Unlock()

	go func() {
		resp, err := a.client.Validate(ctx, a.cfg.LicenseKey, a.cfg.Domain)
		select {
		case results <- result{generation: gen, validation: resp, err: err}:
		case <-ctx.Done():
		}
	}()
}

// spawnHeartbeat issues one heartbeat round for the current generation.
func (a *Agent) spawnHeartbeat(ctx context.Context, results chan<- result) {
	a.mu.Lock()
	gen := a.generation
	token := a.token
	a.mu.Unlock()

	diag := a.cfg.Probe.Diagnostic()

	go func() {
		resp, err := a.client.Heartbeat(ctx, a.cfg.LicenseKey, token, diag)
		select {
		case results <- result{generation: gen, heartbeat: resp, err: err}:
		case <-ctx.Done():
		}
	}()
}

// onValidation handles a validation reply. Returns true when the agent is
// done (locked).
func (a *Agent) onValidation(res result, wake *time.Timer) bool {
	switch {
	case res.err != nil:
		a.logger.Warn("validation unreachable, trying offline cache",
			slog.String("error", res.err.Error()))
		return a.tryCache(wake, "SERVER_UNREACHABLE")

	case !res.validation.Valid:
		a.logger.Info("validation rejected",
			slog.String("reason", res.validation.Reason))
		return a.tryCache(wake, res.validation.Reason)

	default:
		content, err := envelope.Open(res.validation.Payload)
		if err != nil {
			// A forged or corrupted payload must never be trusted, and
			// neither may a cached copy of anything: lock immediately.
			a.logger.Error("payload integrity failure")
			a.cache.Clear()
			a.lock("INTEGRITY_FAILURE")
			return true
		}

		if err := a.cfg.Probe.Apply(content); err != nil {
			a.logger.Error("unlock apply failed", slog.String("error", err.Error()))
			a.lock("UNLOCK_FAILED")
			return true
		}

		if err := a.cache.Store(res.validation.Payload); err != nil {
			a.logger.Warn("failed to persist offline cache", slog.String("error", err.Error()))
		}

		a.mu.Lock()
		a.token = res.validation.HeartbeatToken
		a.state = StateMounted
		a.mu.Unlock()

		a.scheduleBeat(wake, a.cfg.FirstBeatMin, a.cfg.FirstBeatMax)
		a.logger.Info("mounted, heartbeat loop started")
		return false
	}
}

// onHeartbeat handles a heartbeat reply. Returns true when the agent is
// done (locked).
func (a *Agent) onHeartbeat(res result, wake *time.Timer) bool {
	if res.err != nil {
		// Heartbeats detect tampering; they do not enforce connectivity.
		a.logger.Warn("heartbeat unreachable, retrying later",
			slog.String("error", res.err.Error()))
		a.scheduleBeat(wake, a.cfg.BeatMin, a.cfg.BeatMax)
		return false
	}

	if res.heartbeat.Token == "" {
		// Terminal status, or any verdict that withholds the next token:
		// the session cannot continue.
		reason := res.heartbeat.Reason
		if reason == "" {
			reason = res.heartbeat.Status
		}
		a.logger.Warn("heartbeat ended session", slog.String("reason", reason))
		a.cache.Clear()
		a.lock(reason)
		return true
	}

	a.mu.Lock()
	a.token = res.heartbeat.Token
	a.mu.Unlock()
	a.scheduleBeat(wake, a.cfg.BeatMin, a.cfg.BeatMax)
	return false
}

// tryCache applies the offline fail-safe. Returns true when the agent is
// done (locked).
func (a *Agent) tryCache(wake *time.Timer, reason string) bool {
	payload, ok := a.cache.Load()
	if ok {
		content, err := envelope.Open(payload)
		if err == nil {
			if err := a.cfg.Probe.Apply(content); err == nil {
				a.mu.Lock()
				a.token = ""
				a.state = StateMounted
				a.mu.Unlock()
				// Heartbeats still fire from a cache-restored session, so
				// termination propagates once connectivity returns.
				a.scheduleBeat(wake, a.cfg.FirstBeatMin, a.cfg.FirstBeatMax)
				a.logger.Info("mounted from offline cache")
				return false
			}
		}
		a.cache.Clear()
	}

	a.lock(reason)
	return true
}

// lock is terminal for the agent lifetime: render the lock screen, perform
// no further network calls.
func (a *Agent) lock(reason string) {
	a.setState(StateLocked)
	a.cfg.Probe.Lock(reason, ReferenceToken(a.cfg.Domain))
	a.logger.Info("locked", slog.String("reason", reason))
}

// scheduleBeat arms the next wake at a uniformly random point in [min, max).
func (a *Agent) scheduleBeat(wake *time.Timer, min, max time.Duration) {
	delay := min + time.Duration(a.rng.Int63n(int64(max-min)))
	wake.Reset(delay)
}

// ReferenceToken derives the opaque lock-screen reference from a hostname.
// Support can map it back to a customer; an adversary learns nothing about
// the detection mechanism from it.
func ReferenceToken(hostname string) string {
	sum := blake2b.Sum256([]byte(hostname))
	const alphabet = "ABCDEFGHJKMNPQRSTVWXYZ23456789"
	out := make([]byte, 10)
	for i := range out {
		out[i] = alphabet[int(sum[i])%len(alphabet)]
	}
	return string(out)
}

// ErrLocked reports that the agent has reached its terminal state.
var ErrLocked = errors.New("agent: locked")
