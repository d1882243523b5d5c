// Package dispatch is the publishing API used by the render pipeline.
package dispatch

import (
	"time"

	"github.com/rs/zerolog"

	"render-realtime/internal/events"
	"render-realtime/internal/hub"
	"render-realtime/internal/metrics"
)

// Dispatcher delivers render events to a user's live connections. It never
// queues render events for offline users and never reports delivery failures
// to the caller.
type Dispatcher struct {
	hub      *hub.Hub
	throttle *Throttle
	log      zerolog.Logger
}

func NewDispatcher(h *hub.Hub, throttle *Throttle, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{hub: h, throttle: throttle, log: log}
}

func (d *Dispatcher) Throttle() *Throttle { return d.throttle }

// Publish sends ev to userID's connections and returns how many connections
// accepted it. Job events only reach the user's connections subscribed to
// that job.
func (d *Dispatcher) Publish(userID string, ev events.Event) int {
	if userID == "" || ev == nil {
		return 0
	}
	kind := ev.Kind()
	jobID := events.JobID(ev)

	if !d.throttle.Allow(userID, jobID, kind) {
		metrics.EventsThrottled.WithLabelValues(kind.String()).Inc()
		return 0
	}

	var targets []hub.Conn
	if kind.JobScoped() {
		targets = d.hub.UserJobConns(userID, jobID)
	} else {
		targets = d.hub.UserConns(userID)
	}
	if len(targets) == 0 {
		return 0
	}

	delivered := hub.Broadcast(targets, kind.EventName(), ev)
	metrics.EventsDelivered.WithLabelValues(kind.String()).Add(float64(delivered))
	if delivered < len(targets) {
		d.log.Debug().Str("kind", kind.String()).Str("user_id", userID).Int("targets", len(targets)).Int("delivered", delivered).Msg("partial delivery")
	}
	return delivered
}

func (d *Dispatcher) RenderStarted(userID, jobID string, startedAt time.Time) int {
	return d.Publish(userID, events.Started{JobID: jobID, StartedAt: startedAt})
}

func (d *Dispatcher) RenderProgress(userID string, p events.Progress) int {
	return d.Publish(userID, p)
}

func (d *Dispatcher) RenderCompleted(userID string, c events.Completed) int {
	return d.Publish(userID, c)
}

func (d *Dispatcher) RenderFailed(userID string, f events.Failed) int {
	return d.Publish(userID, f)
}

func (d *Dispatcher) RenderCancelled(userID, jobID string) int {
	return d.Publish(userID, events.Cancelled{JobID: jobID})
}

func (d *Dispatcher) CreditsUpdated(userID string, balance int64) int {
	return d.Publish(userID, events.CreditsUpdated{Balance: balance})
}
