package guard

import (
	"context"
	"log/slog"

	"licenseguard/internal/store"
)

// ReasonAdminRestore marks status transitions driven by support rather than
// the protocol itself.
const ReasonAdminRestore = "ADMIN_RESTORE"

// Restore is the administrative escape hatch: support resets a terminated
// or tampered license back to ACTIVE with a cleared tamper counter. The
// one-way restrictiveness rule applies to protocol transitions only, never
// to this path.
func (s *Service) Restore(ctx context.Context, licenseKey string) (*store.LicenseRecord, error) {
	rec, err := s.store.Restore(ctx, licenseKey)
	if err != nil {
		return nil, err
	}

	// Any lingering session belongs to the pre-restore lifecycle.
	s.dropSession(licenseKey)
	s.notifyTransition(ctx, rec, ReasonAdminRestore)

	s.logger.InfoContext(ctx, "license restored",
		slog.String("license_key", licenseKey),
		slog.String("domain", rec.Domain))
	return rec, nil
}
