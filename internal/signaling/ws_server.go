package signaling

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vcall/signaling-relay/internal/config"
	"github.com/vcall/signaling-relay/internal/httpserver"
	"github.com/vcall/signaling-relay/internal/metrics"
	"github.com/vcall/signaling-relay/internal/ratelimit"
	"github.com/vcall/signaling-relay/internal/relay"
)

// Server accepts WebSocket signaling connections and feeds their frames into
// the relay router. It also serves the read-only room occupancy endpoint.
type Server struct {
	cfg    config.Config
	log    *slog.Logger
	router *relay.Router

	upgrader websocket.Upgrader
}

func NewServer(cfg config.Config, logger *slog.Logger, router *relay.Router) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		log:    logger,
		router: router,
		upgrader: websocket.Upgrader{
			// Origin is enforced by the shared HTTP middleware before the
			// upgrade reaches this handler.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// RegisterRoutes mounts the transport endpoints on the shared mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /rooms", s.handleRooms)
}

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"rooms": s.router.Rooms()})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		return
	}

	connID := uuid.NewString()
	c := newClient(conn, s.cfg.SendQueueFrames)

	s.router.HandleConnect(connID, c)
	go c.writePump(s.cfg.WSPingInterval)

	s.readLoop(connID, c)

	c.close()
	s.router.HandleDisconnect(connID)
}

// readLoop consumes inbound frames until the connection errors out, times
// out, or violates a limit. Malformed envelopes are discarded without
// affecting the connection or any room state.
func (s *Server) readLoop(connID string, c *client) {
	conn := c.conn
	conn.SetReadLimit(s.cfg.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.WSIdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.WSIdleTimeout))
	})

	rate := int64(s.cfg.MaxMessagesPerSecond)
	limiter := ratelimit.NewTokenBucket(ratelimit.RealClock{}, rate, rate)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.WSIdleTimeout))

		if msgType != websocket.TextMessage {
			writeClose(conn, websocket.CloseUnsupportedData, "expected text message")
			return
		}
		if !limiter.Allow(1) {
			s.router.Metrics().Inc(metrics.DropReasonRateLimited)
			s.log.Warn("closing connection: message rate exceeded", "conn_id", connID)
			writeClose(conn, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		if err := s.router.HandleFrame(connID, data); err != nil {
			s.log.Debug("discarded malformed frame", "conn_id", connID, "err", err)
		}
	}
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}
