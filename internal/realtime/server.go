package realtime

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/carelink/portal/internal/logging"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type ServerOptions struct {
	PingInterval   time.Duration
	PongWait       time.Duration
	SendBuffer     int
	AllowedOrigins []string // empty allows any origin
}

func (o *ServerOptions) defaults() {
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.PongWait <= o.PingInterval {
		o.PongWait = o.PingInterval * 2
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
}

// Server upgrades authenticated HTTP requests and runs the socket protocol.
type Server struct {
	registry *Registry
	router   *Router
	opts     ServerOptions
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

func NewServer(registry *Registry, router *Router, opts ServerOptions) *Server {
	opts.defaults()
	s := &Server{
		registry: registry,
		router:   router,
		opts:     opts,
		log:      logging.With("ws"),
	}
	s.upgrader = websocket.Upgrader{
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	return false
}

// Serve upgrades the request for userID and blocks until the socket closes.
func (s *Server) Serve(w http.ResponseWriter, r *http.Request, userID uint64) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Uint64("user_id", userID).Msg("websocket upgrade failed")
		return
	}
	c := NewClient(conn, userID, s.opts.SendBuffer)
	s.serveClient(r.Context(), c)
}

func (s *Server) serveClient(ctx context.Context, c *Client) {
	log := s.log.With().Uint64("user_id", c.UserID()).Uint64("conn_id", c.ID()).Logger()
	log.Debug().Msg("connection opened")

	go c.writePump(s.opts.PingInterval)

	// the request context ends when the handler returns, so frames are
	// handled with a detached context
	ctx = context.WithoutCancel(ctx)
	err := c.readPump(s.opts.PongWait, func(data []byte) {
		s.dispatch(ctx, c, data, log)
	})
	if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
		log.Info().Err(err).Msg("connection dropped")
	}

	if c.registered.Load() {
		s.registry.Unregister(c.UserID(), c)
	}
	_ = c.Close()
	log.Debug().Msg("connection closed")
}

func (s *Server) dispatch(ctx context.Context, c *Client, data []byte, log zerolog.Logger) {
	var ev Inbound
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Debug().Err(err).Msg("malformed frame dropped")
		return
	}

	switch ev.Type {
	case TypeRegister:
		if ev.UserID != c.UserID() {
			log.Warn().Uint64("claimed", ev.UserID).Msg("register for another user dropped")
			_ = c.Send(errorEvent(CodeForbidden, "userId does not match the authenticated user"))
			return
		}
		c.registered.Store(true)
		s.registry.Register(c.UserID(), c)
	case TypeChatMessage:
		s.router.HandleChat(ctx, c, c.UserID(), ev)
	default:
		log.Debug().Str("type", ev.Type).Msg("unknown frame type dropped")
	}
}

// Shutdown closes every registered connection.
func (s *Server) Shutdown() {
	s.registry.CloseAll()
}
