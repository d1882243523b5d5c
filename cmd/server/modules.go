package main

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"render-realtime/internal/auth"
	"render-realtime/internal/config"
	"render-realtime/internal/dispatch"
	"render-realtime/internal/hub"
	"render-realtime/internal/ingest"
	"render-realtime/internal/logging"
	"render-realtime/internal/mailbox"
	"render-realtime/internal/middleware"
	"render-realtime/internal/ownership"
	"render-realtime/internal/server"
	"render-realtime/internal/socketio"
	"render-realtime/internal/subscription"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	connectTimeout = 10 * time.Second
	sweepInterval  = time.Minute
)

var Module = fx.Options(
	ConfigModule,
	StorageModule,
	RealtimeModule,
	IngestModule,
	HTTPModule,
)

var ConfigModule = fx.Module("config",
	fx.Provide(
		config.LoadConfig,
		NewLogger,
		NewGate,
	),
)

var StorageModule = fx.Module("storage",
	fx.Provide(
		NewMailbox,
		NewOwnershipChecker,
	),
)

var RealtimeModule = fx.Module("realtime",
	fx.Provide(
		hub.New,
		NewRegistry,
		NewThrottle,
		NewDispatcher,
		NewNotifier,
		NewSocketServer,
	),
)

var IngestModule = fx.Module("ingest",
	fx.Invoke(StartIngest),
)

var HTTPModule = fx.Module("http",
	fx.Provide(
		NewInternalLimiter,
		NewRouter,
	),
	fx.Invoke(StartHTTPServer),
)

func NewLogger(cfg config.Config) zerolog.Logger {
	return logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
}

func NewFxLogger(log zerolog.Logger) fxevent.Logger {
	return &fxLogger{log: logging.Component(log, "fx")}
}

func NewGate(cfg config.Config) *auth.Gate {
	tokenCfg := auth.DefaultTokenConfig(cfg.JWTSecret)
	tokenCfg.Expiry = cfg.TokenExpiry
	return auth.NewGate(tokenCfg)
}

func NewMailbox(lc fx.Lifecycle, cfg config.Config, log zerolog.Logger) (*mailbox.Mailbox, error) {
	log = logging.Component(log, "mailbox")
	if cfg.RedisURL == "" {
		log.Warn().Msg("REDIS_URL not set, offline notifications are dropped")
		return mailbox.New(nil, cfg.MailboxTTL, log), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	client, err := mailbox.DialRedis(ctx, cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return client.Close() },
	})
	return mailbox.New(mailbox.NewRedisStore(client), cfg.MailboxTTL, log), nil
}

func NewOwnershipChecker(lc fx.Lifecycle, cfg config.Config, log zerolog.Logger) (ownership.Checker, error) {
	log = logging.Component(log, "ownership")
	if cfg.DatabaseURL == "" {
		log.Warn().Msg("DATABASE_URL not set, every job subscription is denied")
		return ownership.DenyAll, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	pool, err := ownership.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})
	return ownership.NewPostgresChecker(pool, ownership.DefaultPostgresOptions(), log), nil
}

func NewRegistry(h *hub.Hub, checker ownership.Checker, log zerolog.Logger) *subscription.Registry {
	return subscription.NewRegistry(h, checker, logging.Component(log, "subscription"))
}

func NewThrottle(lc fx.Lifecycle, cfg config.Config) *dispatch.Throttle {
	t := dispatch.NewThrottle(cfg.ProgressThrottle)
	runUntilStop(lc, func(ctx context.Context) { t.Run(ctx, sweepInterval) })
	return t
}

func NewDispatcher(h *hub.Hub, t *dispatch.Throttle, log zerolog.Logger) *dispatch.Dispatcher {
	return dispatch.NewDispatcher(h, t, logging.Component(log, "dispatch"))
}

func NewNotifier(h *hub.Hub, mb *mailbox.Mailbox, log zerolog.Logger) *dispatch.Notifier {
	return dispatch.NewNotifier(h, mb, logging.Component(log, "notifier"))
}

func NewSocketServer(lc fx.Lifecycle, cfg config.Config, gate *auth.Gate, h *hub.Hub, registry *subscription.Registry, mb *mailbox.Mailbox, log zerolog.Logger) *socketio.Server {
	opts := socketio.DefaultOptions()
	opts.AllowedOrigins = cfg.CORSAllowOrigins
	s := socketio.NewServer(socketio.Deps{
		Gate:     gate,
		Hub:      h,
		Registry: registry,
		Mailbox:  mb,
		Log:      logging.Component(log, "socketio"),
		Options:  opts,
	})
	lc.Append(fx.Hook{OnStop: s.Shutdown})
	return s
}

func StartIngest(lc fx.Lifecycle, cfg config.Config, d *dispatch.Dispatcher, n *dispatch.Notifier, log zerolog.Logger) error {
	log = logging.Component(log, "ingest")
	if cfg.NATSURL == "" {
		log.Info().Msg("NATS_URL not set, pipeline ingest over NATS disabled")
		return nil
	}

	nc, err := ingest.Connect(cfg.NATSURL, log)
	if err != nil {
		return err
	}
	bridge := ingest.NewBridge(nc, cfg.NATSSubjectPrefix, d, n, log)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error { return bridge.Start() },
		OnStop: func(context.Context) error {
			err := bridge.Stop()
			nc.Close()
			return err
		},
	})
	return nil
}

func NewInternalLimiter(lc fx.Lifecycle) *middleware.RateLimiter {
	rl := middleware.NewRateLimiter(600, time.Minute)
	runUntilStop(lc, rl.Run)
	return rl
}

func NewRouter(cfg config.Config, gate *auth.Gate, h *hub.Hub, d *dispatch.Dispatcher, n *dispatch.Notifier, socket *socketio.Server, limiter *middleware.RateLimiter, log zerolog.Logger) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	return server.NewRouter(server.Deps{
		Config:          cfg,
		Gate:            gate,
		Hub:             h,
		Dispatcher:      d,
		Notifier:        n,
		Socket:          socket,
		InternalLimiter: limiter,
		Log:             logging.Component(log, "http"),
		Version:         version,
	})
}

func StartHTTPServer(lc fx.Lifecycle, shutdowner fx.Shutdowner, cfg config.Config, engine *gin.Engine, log zerolog.Logger) {
	srv := server.NewHTTPServer(cfg, engine)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := server.Listen(srv)
			if err != nil {
				return err
			}
			log.Info().Str("addr", srv.Addr).Str("mode", gin.Mode()).Msg("listening")
			go func() {
				if err := server.Serve(cfg, srv, ln); err != nil {
					log.Error().Err(err).Msg("http server stopped")
					_ = shutdowner.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info().Msg("shutting down http server")
			return srv.Shutdown(ctx)
		},
	})
}

// runUntilStop runs fn in a goroutine from start until stop.
func runUntilStop(lc fx.Lifecycle, fn func(context.Context)) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				fn(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}
