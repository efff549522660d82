package http

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apierrors "licenseguard/internal/errors"
	"licenseguard/internal/guard"
	"licenseguard/internal/infrastructure"
	"licenseguard/internal/store"
)

// validate is the shared request validator. Struct tags carry the rules;
// Bind implementations invoke it.
var validate = validator.New()

// LicenseHandler serves the two protocol endpoints and the admin restore.
type LicenseHandler struct {
	service *guard.Service
	logger  *slog.Logger
}

// NewLicenseHandler creates a license handler.
func NewLicenseHandler(service *guard.Service, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "license")),
	}
}

// ValidateRequest is the POST /api/license/validate payload.
type ValidateRequest struct {
	LicenseKey string `json:"licenseKey" validate:"required,min=8,max=128"`
	Domain     string `json:"domain" validate:"max=255"`
}

// Bind implements render.Binder.
func (v *ValidateRequest) Bind(r *http.Request) error {
	return validate.Struct(v)
}

// ValidateResponse is the validation verdict. Rejections are verdicts too:
// they render as 200 with valid=false, never as HTTP errors.
type ValidateResponse struct {
	Valid          bool   `json:"valid"`
	Payload        string `json:"payload,omitempty"`
	HeartbeatToken string `json:"heartbeatToken,omitempty"`
	Reason         string `json:"reason,omitempty"`
	Status         string `json:"status,omitempty"`
}

// ComputedStyles carries the agent's style observations.
type ComputedStyles struct {
	Display    string `json:"display"`
	Visibility string `json:"visibility"`
	Opacity    string `json:"opacity"`
}

// HeartbeatRequest is the POST /api/license/heartbeat payload.
type HeartbeatRequest struct {
	LicenseKey     string          `json:"licenseKey" validate:"required,min=8,max=128"`
	Token          string          `json:"token" validate:"max=128"`
	ComputedStyles *ComputedStyles `json:"computedStyles,omitempty"`
	ScriptDidMount bool            `json:"scriptDidMount"`
}

// Bind implements render.Binder.
func (h *HeartbeatRequest) Bind(r *http.Request) error {
	return validate.Struct(h)
}

// HeartbeatResponse is the heartbeat verdict.
type HeartbeatResponse struct {
	Status string `json:"status"`
	Token  string `json:"token,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// RestoreRequest is the admin POST /api/license/restore payload.
type RestoreRequest struct {
	LicenseKey string `json:"licenseKey" validate:"required,min=8,max=128"`
}

// Bind implements render.Binder.
func (rr *RestoreRequest) Bind(r *http.Request) error {
	return validate.Struct(rr)
}

// RestoreResponse reports the post-restore record state.
type RestoreResponse struct {
	LicenseKey  string    `json:"licenseKey"`
	Domain      string    `json:"domain"`
	Status      string    `json:"status"`
	TamperCount int       `json:"tamperCount"`
	RestoredAt  time.Time `json:"restoredAt"`
}

// Validate handles POST /api/license/validate.
func (h *LicenseHandler) Validate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer(guard.TracerName)
	ctx, span := tracer.Start(ctx, "license_handler.validate",
		trace.WithAttributes(
			attribute.String("http.route", "/api/license/validate"),
		),
	)
	defer span.End()

	req := &ValidateRequest{}
	if err := render.Bind(r, req); err != nil {
		h.logger.WarnContext(ctx, "invalid validate request",
			slog.String("trace_id", infrastructure.TraceIDFromContext(ctx)),
			slog.String("error", err.Error()))
		render.Render(w, r, apierrors.InvalidRequestWithError(err))
		return
	}

	result, err := h.service.Validate(ctx, req.LicenseKey, req.Domain)
	if err != nil {
		span.RecordError(err)
		h.logger.ErrorContext(ctx, "validation failed",
			slog.String("trace_id", infrastructure.TraceIDFromContext(ctx)),
			slog.String("error", err.Error()))
		render.Render(w, r, apierrors.ErrServiceUnavailable)
		return
	}

	span.SetAttributes(
		attribute.Bool("license.valid", result.Valid),
		attribute.String("license.status", string(result.Status)),
	)

	render.JSON(w, r, ValidateResponse{
		Valid:          result.Valid,
		Payload:        result.Payload,
		HeartbeatToken: result.HeartbeatToken,
		Reason:         result.Reason,
		Status:         string(result.Status),
	})
}

// Heartbeat handles POST /api/license/heartbeat.
func (h *LicenseHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer(guard.TracerName)
	ctx, span := tracer.Start(ctx, "license_handler.heartbeat",
		trace.WithAttributes(
			attribute.String("http.route", "/api/license/heartbeat"),
		),
	)
	defer span.End()

	req := &HeartbeatRequest{}
	if err := render.Bind(r, req); err != nil {
		h.logger.WarnContext(ctx, "invalid heartbeat request",
			slog.String("trace_id", infrastructure.TraceIDFromContext(ctx)),
			slog.String("error", err.Error()))
		render.Render(w, r, apierrors.InvalidRequestWithError(err))
		return
	}

	diag := guard.ClientDiagnostic{ScriptDidMount: req.ScriptDidMount}
	if req.ComputedStyles != nil {
		diag.ComputedDisplay = req.ComputedStyles.Display
		diag.ComputedVisibility = req.ComputedStyles.Visibility
		diag.ComputedOpacity = req.ComputedStyles.Opacity
	}

	result, err := h.service.Heartbeat(ctx, req.LicenseKey, req.Token, diag)
	if err != nil {
		span.RecordError(err)
		h.logger.ErrorContext(ctx, "heartbeat failed",
			slog.String("trace_id", infrastructure.TraceIDFromContext(ctx)),
			slog.String("error", err.Error()))
		render.Render(w, r, apierrors.ErrServiceUnavailable)
		return
	}

	span.SetAttributes(attribute.String("license.status", string(result.Status)))

	render.JSON(w, r, HeartbeatResponse{
		Status: string(result.Status),
		Token:  result.Token,
		Reason: result.Reason,
	})
}

// Restore handles POST /api/license/restore. Auth happens in middleware;
// this handler only performs the reset.
func (h *LicenseHandler) Restore(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req := &RestoreRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, apierrors.InvalidRequestWithError(err))
		return
	}

	rec, err := h.service.Restore(ctx, req.LicenseKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			render.Render(w, r, apierrors.ErrLicenseNotFound)
			return
		}
		h.logger.ErrorContext(ctx, "restore failed",
			slog.String("trace_id", infrastructure.TraceIDFromContext(ctx)),
			slog.String("error", err.Error()))
		render.Render(w, r, apierrors.ErrInternalServer)
		return
	}

	render.JSON(w, r, RestoreResponse{
		LicenseKey:  rec.Key,
		Domain:      rec.Domain,
		Status:      string(rec.Status),
		TamperCount: rec.TamperCount,
		RestoredAt:  time.Now().UTC(),
	})
}
