package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aliscie/ic-websocket-gateway/principal"
	"github.com/aliscie/ic-websocket-gateway/telemetry"
)

// WebSocket limits following Gorilla best practices.
const (
	// Maximum frame size accepted from a client. Signed envelopes are small;
	// 2MB leaves ample headroom for large call arguments.
	maxMessageSize = 2 * 1024 * 1024
)

// ServerOptions configure the listener.
type ServerOptions struct {
	// ListenAddr is the host:port the HTTP listener binds.
	ListenAddr string
	// ChannelBound sizes the per-session update channel.
	ChannelBound int
}

// Server accepts WebSocket connections and runs one session task per
// connection, reporting session transitions to the connection manager.
type Server struct {
	opts             ServerOptions
	gatewayPrincipal principal.Principal
	manager          *Manager
	submit           CallSubmitter
	analyzer         *telemetry.Analyzer
	upgrader         websocket.Upgrader
	log              *zap.SugaredLogger
}

// NewServer creates the gateway WebSocket server.
func NewServer(opts ServerOptions, gatewayPrincipal principal.Principal, manager *Manager, submit CallSubmitter, analyzer *telemetry.Analyzer, log *zap.SugaredLogger) *Server {
	return &Server{
		opts:             opts,
		gatewayPrincipal: gatewayPrincipal,
		manager:          manager,
		submit:           submit,
		analyzer:         analyzer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The gateway authenticates clients by their signed envelopes,
			// not by origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: log,
	}
}

// Run serves WebSocket upgrades on ListenAddr until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		s.handleUpgrade(ctx, w, r)
	})

	httpServer := &http.Server{
		Addr:    s.opts.ListenAddr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	s.log.Infow("gateway listening",
		"addr", s.opts.ListenAddr,
		"gateway_principal", s.gatewayPrincipal.String(),
	)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleUpgrade(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)
	go s.runSession(ctx, conn)
}

// runSession drives one session from accept to Closed, registering it with
// the connection manager on Setup and deregistering it on Closed.
func (s *Server) runSession(ctx context.Context, conn Conn) {
	id := uuid.NewString()
	log := s.log.Named("session")

	sink, closeSink := NewSink(s.opts.ChannelBound)
	defer closeSink()

	sess, err := NewSession(id, s.gatewayPrincipal, conn, sink.Updates, s.submit, log)
	if err != nil {
		log.Warnw("session handshake failed", "session_id", id, "error", err)
		conn.Close()
		return
	}
	defer conn.Close()

	go sess.ReadPump(ctx)

	openSpan := telemetry.NewEvent(telemetry.TagSessionOpen, id)

	registered := false
	var canisterID principal.Principal
	var key ClientKey
	deregister := func() {
		if registered {
			registered = false
			// closeSink first: a poller mid-relay must not block on a sink
			// whose session is gone.
			closeSink()
			s.manager.ClientDisconnected(ctx, canisterID, key.Principal)
		}
	}
	defer deregister()

	for {
		transition, err := sess.UpdateState(ctx)
		if err != nil {
			log.Warnw("session error",
				"session_id", id,
				"state", sess.State().String(),
				"error", err,
			)
		}

		if transition != nil {
			switch transition.State {
			case StateSetup:
				canisterID = transition.CanisterID
				key = transition.ClientKey
				s.manager.ClientConnected(ctx, canisterID, key.Principal, sink)
				registered = true
				if err := sess.RelayOpenRequest(ctx); err != nil {
					log.Errorw("relaying ws open call failed",
						"session_id", id,
						"canister_id", canisterID.String(),
						"error", err,
					)
					sess.Close()
				}
			case StateOpen:
				s.analyzer.Record(openSpan.Finish())
				log.Infow("session open",
					"session_id", id,
					"canister_id", canisterID.String(),
					"client_key", key.String(),
				)
			}
		}

		if sess.State() == StateClosed {
			log.Debugw("session closed", "session_id", id)
			return
		}
	}
}
