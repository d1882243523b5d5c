package dispatch

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"render-realtime/internal/events"
	"render-realtime/internal/hub"
	"render-realtime/internal/mailbox"
)

// Notifier sends low-frequency user-facing notifications. Users without a
// live connection get them from the offline mailbox on their next connect.
type Notifier struct {
	hub     *hub.Hub
	mailbox *mailbox.Mailbox
	log     zerolog.Logger
}

func NewNotifier(h *hub.Hub, mb *mailbox.Mailbox, log zerolog.Logger) *Notifier {
	return &Notifier{hub: h, mailbox: mb, log: log}
}

type NotifyResult struct {
	Delivered int
	Queued    bool
}

func (n *Notifier) Notify(ctx context.Context, userID string, payload any) (NotifyResult, error) {
	if userID == "" {
		return NotifyResult{}, errors.New("missing user id")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return NotifyResult{}, errors.Wrap(err, "encode notification")
	}

	if conns := n.hub.UserConns(userID); len(conns) > 0 {
		if delivered := hub.Broadcast(conns, events.EventNotification, json.RawMessage(raw)); delivered > 0 {
			return NotifyResult{Delivered: delivered}, nil
		}
	}

	if !n.mailbox.Enabled() {
		n.log.Debug().Str("user_id", userID).Msg("user offline and mailbox disabled, notification dropped")
		return NotifyResult{}, nil
	}
	if err := n.mailbox.Queue(ctx, userID, json.RawMessage(raw)); err != nil {
		return NotifyResult{}, err
	}
	return NotifyResult{Queued: true}, nil
}
