package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"licenseguard/internal/store"
)

// Tamper heuristic reasons carried on escalation events.
const (
	tamperReasonReplay          = "REPLAYED_HEARTBEAT_TOKEN"
	tamperReasonVisibleUnlocked = "VISIBLE_WITHOUT_VALIDATION"
	tamperReasonMountRegression = "UNLOCK_STYLE_REMOVED"
)

// Heartbeat processes one re-attestation round from an agent. It verifies
// the presented rotating token, applies the tamper heuristic to the reported
// diagnostic, transitions license status where the policy demands it, and on
// a clean round rotates the token.
func (s *Service) Heartbeat(ctx context.Context, licenseKey, token string, diag ClientDiagnostic) (*HeartbeatResult, error) {
	tracer := otel.Tracer(TracerName)
	ctx, span := tracer.Start(ctx, "guard.heartbeat")
	defer span.End()

	s.metrics.add(ctx, s.metrics.HeartbeatAttempts)

	rec, err := s.store.Get(ctx, licenseKey)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.InfoContext(ctx, "heartbeat rejected: unknown key")
		return &HeartbeatResult{Reason: ReasonUnknownKey}, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("heartbeat: store lookup failed: %w", err)
	}

	// Terminal records reply with their status and no token; the agent
	// must lock.
	if rec.Status.Terminal() {
		s.dropSession(licenseKey)
		s.logger.InfoContext(ctx, "heartbeat on terminal license",
			slog.String("license_key", licenseKey),
			slog.String("status", string(rec.Status)))
		return &HeartbeatResult{Status: rec.Status, Reason: string(rec.Status)}, nil
	}

	now := s.now()

	// Expiry propagates through heartbeats too, so a license that expires
	// mid-session stops within one beat.
	if rec.Expired(now) {
		updated, err := s.store.Update(ctx, licenseKey, func(r *store.LicenseRecord) error {
			if store.StatusExpired.MoreRestrictiveThan(r.Status) {
				r.Status = store.StatusExpired
			}
			r.LastHeartbeatToken = ""
			return nil
		})
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("heartbeat: expiry update failed: %w", err)
		}
		s.dropSession(licenseKey)
		return &HeartbeatResult{Status: updated.Status, Reason: ReasonExpired}, nil
	}

	// Token mismatch: tolerate one stale presentation (a benign race with a
	// rotation-in-flight), escalate on recurrence inside the window.
	if token != rec.LastHeartbeatToken {
		s.metrics.add(ctx, s.metrics.HeartbeatStale)

		s.mu.Lock()
		sess := s.session(licenseKey)
		repeat := !sess.lastStaleAt.IsZero() && now.Sub(sess.lastStaleAt) <= s.policy.StaleTokenWindow
		sess.lastStaleAt = now
		s.mu.Unlock()

		if repeat {
			return s.escalateTamper(ctx, licenseKey, tamperReasonReplay)
		}

		s.logger.WarnContext(ctx, "stale heartbeat token tolerated",
			slog.String("license_key", licenseKey))
		return s.rotateAndReply(ctx, licenseKey)
	}

	// Tamper heuristic. Reaching here means the presented token matched
	// the persisted one, and non-empty tokens are only ever minted by a
	// successful validation or a rotation descending from one, so a match
	// marks the session validated even when the process has restarted
	// since the validation. A validated session that reports the unlock
	// script never mounted, or a visibly mounted UI on a session no
	// validation ever minted, means the client was interfered with.
	s.mu.Lock()
	sess := s.session(licenseKey)
	if token != "" {
		sess.validated = true
	}
	visibleUnvalidated := diag.ComputedDisplay != "" && diag.ComputedDisplay != "none" && !sess.validated
	mountRegression := sess.validated && !diag.ScriptDidMount
	s.mu.Unlock()

	if visibleUnvalidated {
		return s.escalateTamper(ctx, licenseKey, tamperReasonVisibleUnlocked)
	}
	if mountRegression {
		return s.escalateTamper(ctx, licenseKey, tamperReasonMountRegression)
	}

	s.metrics.add(ctx, s.metrics.HeartbeatClean)
	span.SetAttributes(attribute.Bool("heartbeat.clean", true))
	return s.rotateAndReply(ctx, licenseKey)
}

// rotateAndReply mints a fresh token, persists it together with the
// last-seen timestamp, and replies with the record's current status.
func (s *Service) rotateAndReply(ctx context.Context, licenseKey string) (*HeartbeatResult, error) {
	token, err := mintToken()
	if err != nil {
		return nil, err
	}

	updated, err := s.store.Update(ctx, licenseKey, func(r *store.LicenseRecord) error {
		r.LastHeartbeatToken = token
		r.LastSeenAt = s.now()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("heartbeat: token rotation failed: %w", err)
	}

	return &HeartbeatResult{Status: updated.Status, Token: token}, nil
}

// escalateTamper increments the tamper counter, moves the license to
// TAMPERED (or TERMINATED once the threshold is crossed), notifies, and
// replies. Non-terminal outcomes still carry a rotated token so the session
// keeps attesting and repeat offenses keep counting.
func (s *Service) escalateTamper(ctx context.Context, licenseKey, reason string) (*HeartbeatResult, error) {
	span := trace.SpanFromContext(ctx)

	token, err := mintToken()
	if err != nil {
		return nil, err
	}

	updated, err := s.store.Update(ctx, licenseKey, func(r *store.LicenseRecord) error {
		r.TamperCount++
		if r.TamperCount >= s.policy.TamperThreshold {
			r.Status = store.StatusTerminated
			r.LastHeartbeatToken = ""
			return nil
		}
		if store.StatusTampered.MoreRestrictiveThan(r.Status) {
			r.Status = store.StatusTampered
		}
		r.LastHeartbeatToken = token
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("heartbeat: tamper escalation failed: %w", err)
	}

	s.metrics.add(ctx, s.metrics.TamperDetections, attribute.String("reason", reason))
	s.metrics.add(ctx, s.metrics.Escalations, attribute.String("status", string(updated.Status)))
	span.SetAttributes(
		attribute.String("tamper.reason", reason),
		attribute.Int("tamper.count", updated.TamperCount),
	)
	s.logger.WarnContext(ctx, "tamper detected",
		slog.String("license_key", licenseKey),
		slog.String("reason", reason),
		slog.Int("tamper_count", updated.TamperCount),
		slog.String("status", string(updated.Status)))

	s.notifyTransition(ctx, updated, reason)

	if updated.Status.Terminal() {
		s.dropSession(licenseKey)
		if s.metrics.ActiveSessions != nil {
			s.metrics.ActiveSessions.Add(ctx, -1)
		}
		return &HeartbeatResult{Status: updated.Status, Reason: reason}, nil
	}

	return &HeartbeatResult{Status: updated.Status, Token: token, Reason: reason}, nil
}
