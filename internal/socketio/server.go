// Package socketio serves the real-time endpoint: Engine.IO v4 framing over a
// WebSocket, one Socket.IO namespace, token-gated CONNECT and the job
// subscription requests.
package socketio

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"render-realtime/internal/auth"
	"render-realtime/internal/events"
	"render-realtime/internal/hub"
	"render-realtime/internal/mailbox"
	"render-realtime/internal/metrics"
	"render-realtime/internal/subscription"
)

const maxPayload int64 = 1000000

type Options struct {
	PingInterval time.Duration
	PingTimeout  time.Duration
	WriteTimeout time.Duration
	// SendQueue bounds each connection's outbound queue.
	SendQueue int
	// AllowedOrigins restricts the upgrade Origin header; "*" or empty allows any.
	AllowedOrigins []string
}

func DefaultOptions() Options {
	return Options{
		PingInterval: 25 * time.Second,
		PingTimeout:  20 * time.Second,
		WriteTimeout: 10 * time.Second,
		SendQueue:    256,
	}
}

type Deps struct {
	Gate     *auth.Gate
	Hub      *hub.Hub
	Registry *subscription.Registry
	Mailbox  *mailbox.Mailbox
	Log      zerolog.Logger
	Options  Options
}

type Server struct {
	gate     *auth.Gate
	hub      *hub.Hub
	registry *subscription.Registry
	mailbox  *mailbox.Mailbox
	log      zerolog.Logger
	opts     Options

	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*conn]struct{}
	wg    sync.WaitGroup
}

func NewServer(deps Deps) *Server {
	opts := deps.Options
	def := DefaultOptions()
	if opts.PingInterval <= 0 {
		opts.PingInterval = def.PingInterval
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = def.PingTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = def.SendQueue
	}

	s := &Server{
		gate:     deps.Gate,
		hub:      deps.Hub,
		registry: deps.Registry,
		mailbox:  deps.Mailbox,
		log:      deps.Log,
		opts:     opts,
		conns:    make(map[*conn]struct{}),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: originChecker(opts.AllowedOrigins)}
	return s
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if q := r.URL.Query(); q.Get("EIO") != "" && q.Get("EIO") != "4" {
		http.Error(w, "unsupported protocol version", http.StatusBadRequest)
		return
	}
	if t := r.URL.Query().Get("transport"); t != "" && t != "websocket" {
		http.Error(w, "unsupported transport", http.StatusBadRequest)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ws.SetReadLimit(maxPayload)

	c := newConn(ws, r.Header.Get("Authorization"), s.opts, s.log)
	if !s.track(c) {
		_ = ws.Close()
		return
	}
	defer s.release(c)

	open, err := buildEngineOpenPacket(c.sid, s.opts.PingInterval.Milliseconds(), s.opts.PingTimeout.Milliseconds(), maxPayload)
	if err != nil {
		return
	}
	_ = c.enqueue(open)

	go c.writePump()
	go c.pingLoop(s.opts.PingInterval, s.opts.PingTimeout)
	c.readLoop(func(msg string) {
		s.handleMessage(c, msg)
	})
}

func (s *Server) track(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns == nil {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) release(c *conn) {
	c.close()
	if c.connected.Load() {
		s.registry.Disconnect(c)
		metrics.ConnectionsActive.Dec()
		c.log.Debug().Str("user_id", c.userID).Msg("disconnected")
	}

	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.wg.Done()
}

// Shutdown closes every transport and stops accepting new ones. It returns
// once all connection handlers have exited or ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = nil
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "socket.io shutdown")
	}
}

// Len returns the number of open transports, admitted or not.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) handleMessage(c *conn, msg string) {
	if msg == "" {
		return
	}

	switch enginePacketType(msg[0]) {
	case enginePong:
		c.markPong()
	case engineMessage:
		s.handleSocketPayload(c, msg[1:])
	case engineClose:
		c.close()
	}
}

func (s *Server) handleSocketPayload(c *conn, payload string) {
	if payload == "" {
		return
	}

	switch socketPacketType(payload[0]) {
	case socketConnect:
		s.handleConnect(c, payload)
	case socketEvent:
		s.handleEvent(c, payload)
	}
}

func (s *Server) handleConnect(c *conn, payload string) {
	if c.connected.Load() || c.rejected.Load() {
		return
	}

	pkt, err := parseSocketConnectPacket(payload)
	if err != nil {
		return
	}

	userID, err := s.gate.Authenticate(auth.Credential{Token: pkt.Auth.Token, Authorization: c.authorization})
	if err != nil {
		s.reject(c, pkt.Namespace, err)
		return
	}

	ack, err := buildSocketConnectPacket(pkt.Namespace, c.sid)
	if err != nil {
		c.close()
		return
	}
	c.userID = userID
	if c.enqueue(ack) != nil {
		return
	}
	c.connected.Store(true)
	s.hub.AddUser(c)
	metrics.ConnectionsActive.Inc()
	c.log.Debug().Str("user_id", userID).Msg("connected")

	if s.mailbox.Enabled() {
		go s.flushMailbox(c)
	}
}

func (s *Server) reject(c *conn, namespace string, err error) {
	c.rejected.Store(true)
	reason := rejectionReason(err)
	metrics.ConnectionsRejected.WithLabelValues(reason).Inc()
	c.log.Debug().Err(err).Str("reason", reason).Msg("connection rejected")

	packet, buildErr := buildSocketConnectErrorPacket(namespace, auth.RejectionMessage(err))
	if buildErr != nil {
		c.close()
		return
	}
	c.finish(packet)
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrAuthenticationRequired):
		return "authentication_required"
	case errors.Is(err, auth.ErrTokenExpired):
		return "token_expired"
	case errors.Is(err, auth.ErrInvalidTokenPayload):
		return "invalid_token_payload"
	default:
		return "invalid_token"
	}
}

func (s *Server) flushMailbox(c *conn) {
	n, err := s.mailbox.Deliver(c.ctx, c, c.userID)
	if err != nil {
		c.log.Warn().Err(err).Str("user_id", c.userID).Msg("mailbox flush failed")
		return
	}
	if n > 0 {
		c.log.Debug().Str("user_id", c.userID).Int("delivered", n).Msg("mailbox flushed")
	}
}

func (s *Server) handleEvent(c *conn, payload string) {
	if !c.connected.Load() {
		return
	}

	pkt, err := parseSocketEventPacket(payload)
	if err != nil {
		return
	}

	if pkt.Event == "ping" {
		s.ack(c, pkt)
		return
	}

	req, ok := events.ParseRequest(pkt.Event)
	if !ok {
		return
	}
	var result events.Ack
	switch req {
	case events.RequestSubscribe:
		result = s.registry.HandleSubscribe(c.ctx, c, pkt.Arg(0))
	case events.RequestUnsubscribe:
		result = s.registry.HandleUnsubscribe(c, pkt.Arg(0))
	}
	s.ack(c, pkt, result)
}

func (s *Server) ack(c *conn, pkt socketEventPacket, args ...any) {
	if pkt.ID == nil {
		return
	}
	packet, err := buildSocketAckPacket(pkt.Namespace, *pkt.ID, args...)
	if err != nil {
		return
	}
	_ = c.enqueue(packet)
}
