// Package subscription manages per-job notification groups. A connection is
// only added to a job's group after the ownership check for that job passed.
package subscription

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"render-realtime/internal/events"
	"render-realtime/internal/hub"
	"render-realtime/internal/metrics"
	"render-realtime/internal/ownership"
)

// Request failures. Clients match on "Invalid payload" and "access denied".
var (
	ErrInvalidPayload = errors.New("Invalid payload: jobId must be a valid UUID")
	ErrAccessDenied   = errors.New("Job not found or access denied")
)

type Registry struct {
	hub      *hub.Hub
	checker  ownership.Checker
	validate *validator.Validate
	log      zerolog.Logger
}

func NewRegistry(h *hub.Hub, checker ownership.Checker, log zerolog.Logger) *Registry {
	return &Registry{
		hub:      h,
		checker:  checker,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      log,
	}
}

// ParseJobRequest decodes a {jobId} payload and validates the id.
func (r *Registry) ParseJobRequest(raw []byte) (string, error) {
	var req events.JobRequest
	if len(raw) == 0 || json.Unmarshal(raw, &req) != nil {
		return "", ErrInvalidPayload
	}
	if err := r.validate.Struct(req); err != nil {
		return "", ErrInvalidPayload
	}
	return req.JobID, nil
}

// Subscribe adds c to the job's group if c's user owns the job. The
// ownership check completes before the group is touched.
func (r *Registry) Subscribe(ctx context.Context, c hub.Conn, jobID string) error {
	if err := r.validate.Var(jobID, "required,uuid"); err != nil {
		metrics.Subscriptions.WithLabelValues("invalid_payload").Inc()
		return ErrInvalidPayload
	}

	owns, err := r.checker.OwnsJob(ctx, jobID, c.UserID())
	if err != nil {
		r.log.Warn().Err(err).Str("job_id", jobID).Str("user_id", c.UserID()).Msg("ownership check failed")
		owns = false
	}
	if !owns {
		metrics.Subscriptions.WithLabelValues("access_denied").Inc()
		return ErrAccessDenied
	}

	r.hub.JoinJob(jobID, c)
	// A disconnect racing with the ownership check must not leave the
	// connection behind in the group.
	if !c.Alive() {
		r.hub.LeaveJob(jobID, c)
	}
	metrics.Subscriptions.WithLabelValues("ok").Inc()
	r.log.Debug().Str("job_id", jobID).Str("conn_id", c.ID()).Msg("subscribed")
	return nil
}

// Unsubscribe always succeeds, member or not.
func (r *Registry) Unsubscribe(c hub.Conn, jobID string) {
	if jobID == "" {
		return
	}
	r.hub.LeaveJob(jobID, c)
}

// Disconnect removes c from every group it joined.
func (r *Registry) Disconnect(c hub.Conn) {
	r.hub.Remove(c)
}

// HandleSubscribe runs a subscribe-to-job request end to end.
func (r *Registry) HandleSubscribe(ctx context.Context, c hub.Conn, raw []byte) events.Ack {
	jobID, err := r.ParseJobRequest(raw)
	if err == nil {
		err = r.Subscribe(ctx, c, jobID)
	} else {
		metrics.Subscriptions.WithLabelValues("invalid_payload").Inc()
	}
	return Ack(err)
}

// HandleUnsubscribe acknowledges ok even for malformed payloads.
func (r *Registry) HandleUnsubscribe(c hub.Conn, raw []byte) events.Ack {
	var req events.JobRequest
	if len(raw) > 0 && json.Unmarshal(raw, &req) == nil {
		r.Unsubscribe(c, req.JobID)
	}
	return events.AckOK()
}

// Ack converts a registry error into the acknowledgement sent to clients.
func Ack(err error) events.Ack {
	switch {
	case err == nil:
		return events.AckOK()
	case errors.Is(err, ErrInvalidPayload):
		return events.AckError(ErrInvalidPayload)
	default:
		return events.AckError(ErrAccessDenied)
	}
}
