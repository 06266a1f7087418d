// Package server hosts the two HTTP surfaces: the websocket analysis
// endpoint on the main port and the health/stats endpoint on the
// metrics port.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	channerics "github.com/niceyeti/channerics/channels"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"kibitz/internal/auth"
	"kibitz/internal/session"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Maximum message size allowed from peer.
	maxMessageSize = 1 << 16
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Ceiling on draining the http listeners at shutdown.
	shutdownGrace = 5 * time.Second
)

// Config addresses the two listeners.
type Config struct {
	Addr        string
	MetricsAddr string
	Session     session.Config
}

// Server upgrades websocket clients into sessions and serves pool
// health over the metrics port.
type Server struct {
	cfg      Config
	logger   *zap.Logger
	verifier auth.Verifier
	suggest  session.SuggestionService
	classify session.ClassifyService
	stats    StatsSource
	upgrader websocket.Upgrader
}

func New(cfg Config, verifier auth.Verifier, suggest session.SuggestionService,
	classify session.ClassifyService, stats StatsSource, logger *zap.Logger) *Server {
	return &Server{
		cfg:      cfg,
		logger:   logger,
		verifier: verifier,
		suggest:  suggest,
		classify: classify,
		stats:    stats,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// auth happens in-protocol, not at the HTTP layer
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run serves both listeners until the context is canceled, then drains
// them. The returned error is nil on a clean shutdown.
func (s *Server) Run(ctx context.Context) error {
	router := mux.NewRouter()
	router.HandleFunc("/ws", s.serveWebsocket)

	main := &http.Server{Addr: s.cfg.Addr, Handler: router}
	metrics := &http.Server{Addr: s.cfg.MetricsAddr, Handler: s.metricsRouter()}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("serving websocket endpoint", zap.String("addr", s.cfg.Addr))
		return listenErr(main.ListenAndServe())
	})
	g.Go(func() error {
		s.logger.Info("serving metrics endpoint", zap.String("addr", s.cfg.MetricsAddr))
		return listenErr(metrics.ListenAndServe())
	})
	g.Go(func() error {
		<-ctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = main.Shutdown(drainCtx)
		_ = metrics.Shutdown(drainCtx)
		return nil
	})
	return g.Wait()
}

func listenErr(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// serveWebsocket upgrades the connection and pumps frames into a
// session until the peer goes away.
func (s *Server) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}
	logger := s.logger.With(zap.String("remote", ws.RemoteAddr().String()))
	logger.Info("client connected")

	conn := newWSConn(ws)
	sess := session.New(r.Context(), conn, s.verifier, s.suggest, s.classify, s.cfg.Session, logger)

	done := make(chan struct{})
	defer close(done)
	go s.pingPong(conn, done, logger)

	sess.Start()
	defer sess.Teardown()

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Info("client read ended", zap.Error(err))
			}
			return
		}
		sess.HandleMessage(data)
	}
}

// pingPong keeps the connection alive until the reader exits.
func (s *Server) pingPong(conn *wsConn, done <-chan struct{}, logger *zap.Logger) {
	for range channerics.NewTicker(done, pingPeriod) {
		if err := conn.Ping(); err != nil {
			logger.Debug("ping failed", zap.Error(err))
			return
		}
	}
}

// wsConn adapts a gorilla connection to the session.Conn interface,
// serializing writers: results arrive from job goroutines while
// errors and pings arrive from others.
type wsConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

func (c *wsConn) WriteFrame(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

func (c *wsConn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *wsConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	return c.ws.Close()
}
