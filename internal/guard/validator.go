package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"licenseguard/internal/envelope"
	"licenseguard/internal/notify"
	"licenseguard/internal/store"
)

// Validate decides whether the license identified by licenseKey may render
// on domain. On success it mints a fresh heartbeat token, persists it, and
// returns a signed unlock envelope. The decision is a pure function of the
// stored record plus wall-clock time; all memory between calls lives in the
// store, so concurrent validations are safe.
func (s *Service) Validate(ctx context.Context, licenseKey, domain string) (*ValidationResult, error) {
	tracer := otel.Tracer(TracerName)
	ctx, span := tracer.Start(ctx, "guard.validate",
		trace.WithAttributes(
			attribute.String("license.domain", domain),
		))
	defer span.End()

	s.metrics.add(ctx, s.metrics.ValidationAttempts)

	rec, err := s.store.Get(ctx, licenseKey)
	if errors.Is(err, store.ErrNotFound) {
		s.metrics.add(ctx, s.metrics.ValidationFailures,
			attribute.String("reason", ReasonUnknownKey))
		s.logger.InfoContext(ctx, "validation rejected: unknown key",
			slog.String("domain", domain))
		return &ValidationResult{Valid: false, Reason: ReasonUnknownKey}, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("validate: store lookup failed: %w", err)
	}

	now := s.now()

	// Expiry wins over stored status.
	if rec.Expired(now) {
		if _, err := s.store.Update(ctx, licenseKey, func(r *store.LicenseRecord) error {
			if store.StatusExpired.MoreRestrictiveThan(r.Status) {
				r.Status = store.StatusExpired
			}
			return nil
		}); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("validate: expiry update failed: %w", err)
		}

		s.metrics.add(ctx, s.metrics.ValidationFailures,
			attribute.String("reason", ReasonExpired))
		s.logger.InfoContext(ctx, "validation rejected: license expired",
			slog.String("license_key", licenseKey),
			slog.Time("expires_at", rec.ExpiresAt))
		return &ValidationResult{Valid: false, Reason: ReasonExpired, Status: store.StatusExpired}, nil
	}

	// Domain binding: exact match, with a local-development exemption.
	if !domainsMatch(domain, rec.Domain) && !s.isDevExempt(domain) {
		updated, err := s.store.Update(ctx, licenseKey, func(r *store.LicenseRecord) error {
			r.TamperCount++
			if store.StatusAttemptedCloning.MoreRestrictiveThan(r.Status) {
				r.Status = store.StatusAttemptedCloning
			}
			return nil
		})
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("validate: cloning escalation failed: %w", err)
		}

		s.metrics.add(ctx, s.metrics.ValidationFailures,
			attribute.String("reason", ReasonDomainMismatch))
		s.metrics.add(ctx, s.metrics.Escalations,
			attribute.String("status", string(store.StatusAttemptedCloning)))
		s.logger.WarnContext(ctx, "validation rejected: domain mismatch",
			slog.String("license_key", licenseKey),
			slog.String("authorized_domain", rec.Domain),
			slog.String("requested_domain", domain),
			slog.Int("tamper_count", updated.TamperCount))

		s.notifyTransition(ctx, updated, ReasonDomainMismatch)

		return &ValidationResult{Valid: false, Reason: ReasonDomainMismatch, Status: updated.Status}, nil
	}

	// Restrictive stored statuses reject with themselves as the reason.
	switch rec.Status {
	case store.StatusSuspended, store.StatusTampered, store.StatusTerminated, store.StatusAttemptedCloning:
		s.metrics.add(ctx, s.metrics.ValidationFailures,
			attribute.String("reason", string(rec.Status)))
		s.logger.InfoContext(ctx, "validation rejected: restrictive status",
			slog.String("license_key", licenseKey),
			slog.String("status", string(rec.Status)))
		return &ValidationResult{Valid: false, Reason: string(rec.Status), Status: rec.Status}, nil
	}

	token, err := mintToken()
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	hadSession := false
	if _, err := s.store.Update(ctx, licenseKey, func(r *store.LicenseRecord) error {
		hadSession = r.LastHeartbeatToken != ""
		r.LastHeartbeatToken = token
		return nil
	}); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("validate: token persist failed: %w", err)
	}

	payload, err := envelope.Encode(s.policy.UnlockContent, s.policy.SigningSecret)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("validate: envelope encode failed: %w", err)
	}

	// Fresh session: reset ephemeral bookkeeping so diagnostics from the
	// previous session cannot be held against the new one.
	s.mu.Lock()
	s.sessions[licenseKey] = &sessionState{validated: true}
	s.mu.Unlock()

	if !hadSession && s.metrics.ActiveSessions != nil {
		s.metrics.ActiveSessions.Add(ctx, 1)
	}
	s.metrics.add(ctx, s.metrics.ValidationSuccess)
	span.SetAttributes(attribute.Bool("license.valid", true))
	s.logger.InfoContext(ctx, "validation succeeded",
		slog.String("license_key", licenseKey),
		slog.String("domain", domain))

	return &ValidationResult{
		Valid:          true,
		Status:         store.StatusActive,
		Payload:        payload,
		HeartbeatToken: token,
	}, nil
}

// notifyTransition dispatches a breach event. Fire-and-forget: delivery
// failures never propagate to the protocol path.
func (s *Service) notifyTransition(ctx context.Context, rec *store.LicenseRecord, reason string) {
	s.metrics.add(ctx, s.metrics.Notifications,
		attribute.String("status", string(rec.Status)))
	s.dispatcher.Notify(ctx, notify.Event{
		LicenseKey: rec.Key,
		Domain:     rec.Domain,
		Status:     rec.Status,
		Reason:     reason,
		At:         s.now(),
	})
}
