// Package gateway pushes queued security events to connected clients over
// WebSocket. Delivery is at least once: an event is marked processed only
// after it was written to the socket.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/example/sessioncore/internal/events"
	"github.com/example/sessioncore/internal/httpx"
	"github.com/example/sessioncore/internal/metrics"
	"github.com/example/sessioncore/internal/tokens"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// CloseForceLogout is the close code sent after a force_logout event that
// targets the connection's session.
const CloseForceLogout = 4001

// Authenticator validates access tokens; *tokens.Engine implements it.
type Authenticator interface {
	Authenticate(ctx context.Context, accessToken string) (*tokens.Principal, error)
}

// Queue is the event queue as seen by the gateway; *events.Queue
// implements it.
type Queue interface {
	DrainUnprocessed(ctx context.Context, userID string) ([]events.Event, error)
	MarkProcessed(ctx context.Context, userID string, ids ...string) (int64, error)
	Subscribe(userID string) (<-chan struct{}, func())
}

type Config struct {
	// PollInterval bounds how long an event published on another replica
	// waits before delivery. It is also the keepalive ping interval.
	// Default 15 seconds.
	PollInterval time.Duration
	// ReadTimeout closes connections that stay silent, pongs included.
	// Default four poll intervals.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// MessageRate and MessageBurst limit inbound frames per connection.
	MessageRate  rate.Limit
	MessageBurst int
	// CheckOrigin is passed to the upgrader. Nil accepts any origin.
	CheckOrigin func(r *http.Request) bool
}

type Gateway struct {
	auth     Authenticator
	queue    Queue
	cfg      Config
	upgrader websocket.Upgrader
	log      logrus.FieldLogger

	done      chan struct{}
	closeOnce sync.Once
}

func New(auth Authenticator, queue Queue, cfg Config, log logrus.FieldLogger) *Gateway {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 4 * cfg.PollInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.MessageRate <= 0 {
		cfg.MessageRate = 5
	}
	if cfg.MessageBurst <= 0 {
		cfg.MessageBurst = 10
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Gateway{
		auth:  auth,
		queue: queue,
		cfg:   cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		log:  log.WithField("component", "gateway"),
		done: make(chan struct{}),
	}
}

// Shutdown closes every open connection with a going-away frame. The HTTP
// server does not track hijacked connections, so callers invoke this
// alongside http.Server.Shutdown.
func (g *Gateway) Shutdown() {
	g.closeOnce.Do(func() { close(g.done) })
}

// frame is the JSON envelope exchanged with clients.
type frame struct {
	Type  string        `json:"type"`
	Event *events.Event `json:"data,omitempty"`
}

func accessToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p, err := g.auth.Authenticate(r.Context(), accessToken(r))
	if err != nil {
		httpx.JSON(http.StatusUnauthorized, map[string]string{
			"error_code":    "UNAUTHORIZED",
			"error_message": "Invalid or expired access token",
		}).Write(w)
		return
	}
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		g.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	c := &connection{
		gw:      g,
		conn:    conn,
		p:       p,
		limiter: rate.NewLimiter(g.cfg.MessageRate, g.cfg.MessageBurst),
		pings:   make(chan struct{}, 1),
		log:     g.log.WithFields(logrus.Fields{"user_id": p.UserID, "family_id": p.FamilyID}),
	}
	c.serve(r.Context())
}

type connection struct {
	gw      *Gateway
	conn    *websocket.Conn
	p       *tokens.Principal
	limiter *rate.Limiter
	pings   chan struct{}
	log     logrus.FieldLogger
}

var (
	errForcedLogout = errors.New("gateway: session logged out")
	errRateLimited  = errors.New("gateway: message rate exceeded")
	errShutdown     = errors.New("gateway: shutting down")
)

func (c *connection) serve(ctx context.Context) {
	defer c.conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wake, unsubscribe := c.gw.queue.Subscribe(c.p.UserID)
	defer unsubscribe()

	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop() }()

	ticker := time.NewTicker(c.gw.cfg.PollInterval)
	defer ticker.Stop()

	c.log.Debug("websocket connected")
	err := c.deliver(ctx)
	for err == nil {
		select {
		case <-wake:
			err = c.deliver(ctx)
		case <-ticker.C:
			if err = c.control(websocket.PingMessage, nil); err == nil {
				err = c.deliver(ctx)
			}
		case <-c.pings:
			err = c.write(frame{Type: "pong"})
		case err = <-readErr:
		case <-c.gw.done:
			err = errShutdown
		}
	}

	switch {
	case errors.Is(err, errForcedLogout):
		_ = c.control(websocket.CloseMessage, websocket.FormatCloseMessage(CloseForceLogout, events.EventForceLogout))
		c.log.Info("websocket closed after force logout")
	case errors.Is(err, errShutdown):
		_ = c.control(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
	case errors.Is(err, errRateLimited):
		_ = c.control(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "rate limit exceeded"))
		c.log.Warn("websocket closed for exceeding message rate")
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		c.log.Debug("websocket closed by client")
	default:
		c.log.WithError(err).Debug("websocket closed")
	}
}

// deliver pushes every pending event and marks each one processed after it
// was written. It stops at a force_logout aimed at this session.
func (c *connection) deliver(ctx context.Context) error {
	pending, err := c.gw.queue.DrainUnprocessed(ctx, c.p.UserID)
	if err != nil {
		c.log.WithError(err).Error("failed to drain events")
		return nil
	}
	for i := range pending {
		ev := &pending[i]
		if err := c.write(frame{Type: "event", Event: ev}); err != nil {
			return err
		}
		if _, err := c.gw.queue.MarkProcessed(ctx, c.p.UserID, ev.ID); err != nil {
			c.log.WithError(err).WithField("event_id", ev.ID).Error("failed to mark event processed")
		}
		metrics.EventsDelivered.WithLabelValues("websocket").Inc()
		if fl, ok := ev.Payload.(events.ForceLogout); ok && fl.Targets(c.p.FamilyID) {
			return errForcedLogout
		}
	}
	return nil
}

// readLoop owns all reads. Replies are handed to the serve loop, which is
// the only writer.
func (c *connection) readLoop() error {
	c.conn.SetReadLimit(4096)
	deadline := func() { _ = c.conn.SetReadDeadline(time.Now().Add(c.gw.cfg.ReadTimeout)) }
	deadline()
	c.conn.SetPongHandler(func(string) error { deadline(); return nil })
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		deadline()
		if !c.limiter.Allow() {
			return errRateLimited
		}
		var in frame
		if json.Unmarshal(data, &in) != nil {
			continue
		}
		if in.Type == "ping" {
			select {
			case c.pings <- struct{}{}:
			default:
			}
		}
	}
}

func (c *connection) write(f frame) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.gw.cfg.WriteTimeout))
	return c.conn.WriteJSON(f)
}

func (c *connection) control(messageType int, data []byte) error {
	return c.conn.WriteControl(messageType, data, time.Now().Add(c.gw.cfg.WriteTimeout))
}
