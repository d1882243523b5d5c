// Package ingest receives render-pipeline traffic from NATS and hands it to
// the dispatcher and notifier.
package ingest

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"render-realtime/internal/dispatch"
	"render-realtime/internal/events"
	"render-realtime/internal/metrics"
)

const notifyTimeout = 5 * time.Second

type Publisher interface {
	Publish(userID string, ev events.Event) int
}

type Notifier interface {
	Notify(ctx context.Context, userID string, payload any) (dispatch.NotifyResult, error)
}

// Connect dials NATS and keeps reconnecting for the life of the process.
func Connect(url string, log zerolog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("render-realtime"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "connect to nats")
	}
	return nc, nil
}

func EventsSubject(prefix string) string        { return prefix + ".events" }
func NotificationsSubject(prefix string) string { return prefix + ".notifications" }

// Bridge subscribes to the pipeline subjects. Every instance subscribes on
// its own, since each one only reaches its local connections.
type Bridge struct {
	nc        *nats.Conn
	prefix    string
	publisher Publisher
	notifier  Notifier
	log       zerolog.Logger

	subs []*nats.Subscription
}

func NewBridge(nc *nats.Conn, prefix string, publisher Publisher, notifier Notifier, log zerolog.Logger) *Bridge {
	return &Bridge{nc: nc, prefix: prefix, publisher: publisher, notifier: notifier, log: log}
}

func (b *Bridge) Start() error {
	evSub, err := b.nc.Subscribe(EventsSubject(b.prefix), b.handleEvent)
	if err != nil {
		return errors.Wrapf(err, "subscribe %s", EventsSubject(b.prefix))
	}
	b.subs = append(b.subs, evSub)

	nSub, err := b.nc.Subscribe(NotificationsSubject(b.prefix), b.handleNotification)
	if err != nil {
		_ = evSub.Unsubscribe()
		b.subs = nil
		return errors.Wrapf(err, "subscribe %s", NotificationsSubject(b.prefix))
	}
	b.subs = append(b.subs, nSub)

	if err := b.nc.Flush(); err != nil {
		b.log.Warn().Err(err).Msg("nats flush after subscribe failed")
	}
	b.log.Info().Str("prefix", b.prefix).Msg("pipeline ingest started")
	return nil
}

// Stop drains the subscriptions so in-flight messages are handled.
func (b *Bridge) Stop() error {
	var errs error
	for _, sub := range b.subs {
		if err := sub.Drain(); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	b.subs = nil
	return errs
}

func (b *Bridge) handleEvent(msg *nats.Msg) {
	userID, ev, err := events.ParseEnvelope(msg.Data)
	if err != nil {
		metrics.IngestMessages.WithLabelValues("nats", "malformed").Inc()
		b.log.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping malformed event")
		return
	}
	b.publisher.Publish(userID, ev)
	metrics.IngestMessages.WithLabelValues("nats", "ok").Inc()
}

func (b *Bridge) handleNotification(msg *nats.Msg) {
	n, err := events.ParseNotification(msg.Data)
	if err != nil {
		metrics.IngestMessages.WithLabelValues("nats", "malformed").Inc()
		b.log.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping malformed notification")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if _, err := b.notifier.Notify(ctx, n.UserID, n.Payload); err != nil {
		metrics.IngestMessages.WithLabelValues("nats", "failed").Inc()
		b.log.Error().Err(err).Str("user_id", n.UserID).Msg("notify failed")
		return
	}
	metrics.IngestMessages.WithLabelValues("nats", "ok").Inc()
}
