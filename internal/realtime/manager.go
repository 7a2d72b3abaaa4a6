// Package realtime owns the WebSocket surface: it runs a dedicated HTTP
// server, upgrades relay connections, and drives the session lifecycle
// from each connection's read loop.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-relay-service/internal/protocol"
	"github.com/tinywideclouds/go-relay-service/internal/session"
	"github.com/tinywideclouds/go-relay-service/pkg/relay"
)

const (
	// idleTimeout disconnects a peer that sends nothing, not even a ping,
	// for this long.
	idleTimeout = 10 * time.Minute
	// maxFrameSize caps one relayed frame.
	maxFrameSize = 1 << 20
)

// Handler receives the lifecycle callbacks for every connection. Satisfied
// by *session.Lifecycle.
type Handler interface {
	HandleHandshake(ctx context.Context, req protocol.Request) (*session.Session, error)
	HandleOpen(ctx context.Context, sess *session.Session, ep relay.Endpoint)
	HandleMessage(ctx context.Context, sess *session.Session, frame []byte)
	HandleClose(ctx context.Context, sess *session.Session, code int, reason string)
	HandleError(sess *session.Session, err error)
}

// ConnectionManager accepts relay WebSocket connections. It runs its own
// dedicated HTTP server.
type ConnectionManager struct {
	server   *http.Server
	upgrader websocket.Upgrader
	handler  Handler
	logger   zerolog.Logger
}

// NewConnectionManager creates and wires up a new WebSocket connection
// manager. An empty allowedOrigins list admits every origin; otherwise the
// Origin header must match one entry exactly.
func NewConnectionManager(
	port string,
	allowedOrigins []string,
	handler Handler,
	logger zerolog.Logger,
) (*ConnectionManager, error) {
	if handler == nil {
		return nil, errors.New("realtime: nil lifecycle handler")
	}

	instanceID := uuid.NewString()
	cmLogger := logger.With().Str("component", "ConnectionManager").Str("instance", instanceID).Logger()

	cm := &ConnectionManager{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		handler: handler,
		logger:  cmLogger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", cm.connectHandler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	cm.server = &http.Server{
		Addr:    ":" + port,
		Handler: mux,
	}

	return cm, nil
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		set[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		_, ok := set[r.Header.Get("Origin")]
		return ok
	}
}

// Start runs the HTTP server for WebSocket connections.
func (cm *ConnectionManager) Start(ctx context.Context) error {
	cm.logger.Info().Str("addr", cm.server.Addr).Msg("WebSocket server starting...")
	if err := cm.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("websocket server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server. In-flight connections get
// their close callbacks as their read loops unwind.
func (cm *ConnectionManager) Shutdown(ctx context.Context) error {
	cm.logger.Info().Msg("Shutting down WebSocket service...")
	if err := cm.server.Shutdown(ctx); err != nil {
		cm.logger.Error().Err(err).Msg("WebSocket server shutdown failed.")
		return err
	}
	cm.logger.Info().Msg("WebSocket service shut down.")
	return nil
}

// connectHandler validates the relay handshake, upgrades the request, and
// runs the connection's read loop until the peer goes away.
func (cm *ConnectionManager) connectHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sess, err := cm.handler.HandleHandshake(ctx, protocol.Request{
		RemoteAddr: r.RemoteAddr,
		Query:      r.URL.Query(),
	})
	if err != nil {
		// Refused outright, before the peer could read a close code.
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		cm.logger.Error().Err(err).Msg("Failed to upgrade connection.")
		return
	}

	ep := newEndpoint(conn)
	defer ep.Close(relay.CloseNormal, "")

	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(idleTimeout))
	})
	// Peers keep idle connections alive by pinging. WriteControl is safe
	// concurrently with the endpoint's data writes.
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
	})

	cm.handler.HandleOpen(ctx, sess, ep)

	code, reason := cm.readLoop(ctx, conn, sess)
	cm.handler.HandleClose(context.WithoutCancel(ctx), sess, code, reason)
}

// readLoop pumps frames into the lifecycle until the connection dies,
// returning the close code the peer went away with.
func (cm *ConnectionManager) readLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session) (int, string) {
	for {
		msgType, frame, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return closeErr.Code, closeErr.Text
			}
			cm.handler.HandleError(sess, err)
			return websocket.CloseAbnormalClosure, ""
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
		cm.handler.HandleMessage(ctx, sess, frame)
	}
}
