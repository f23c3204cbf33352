package gateway

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aliscie/ic-websocket-gateway/codec"
	"github.com/aliscie/ic-websocket-gateway/errors"
	"github.com/aliscie/ic-websocket-gateway/principal"
)

// Write timeout per Gorilla best practices.
const writeWait = 10 * time.Second

// SessionState is the lifecycle state of an IC WebSocket session.
type SessionState int

const (
	// StateInit: handshake sent, waiting for the client's opening envelope.
	StateInit SessionState = iota
	// StateSetup: opening envelope validated, waiting for the canister's
	// first message to confirm the connection.
	StateSetup
	// StateOpen: fully established, relaying in both directions.
	StateOpen
	// StateClosed: terminal.
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateSetup:
		return "setup"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrProtocol marks client behaviour that violates the session state
// machine: a wrong frame in Init, a non-Call envelope in Open, a double
// open. The session closes.
var ErrProtocol = errors.New("protocol violation")

// ErrTransport marks WebSocket read/write failures. The session closes.
var ErrTransport = errors.New("websocket transport error")

// Conn is the subset of *websocket.Conn the session drives; split out so
// tests can supply an in-memory duplex.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// CallSubmitter forwards signed envelopes to the backend. Implemented by
// *canister.Client.
type CallSubmitter interface {
	SubmitCall(ctx context.Context, canisterID principal.Principal, envelope []byte) error
}

// StateTransition reports a state change out of UpdateState. The connection
// manager acts on Setup (create or reuse the canister's poller and hand it
// this session's sink) and on Closed (deregister).
type StateTransition struct {
	State SessionState

	// Set on the Init→Setup transition only.
	CanisterID principal.Principal
	ClientKey  ClientKey
}

// readResult is one frame (or failure) off the WebSocket.
type readResult struct {
	messageType int
	data        []byte
	err         error
}

// Session is the per-connection state machine. It owns the receiving half of
// the channel its poller sends on; all WebSocket writes happen on the
// session task.
type Session struct {
	id      string
	conn    Conn
	updates <-chan ConnectionUpdate
	reads   chan readResult
	submit  CallSubmitter
	log     *zap.SugaredLogger
	state   SessionState

	// Both set exactly once, on the Init→Setup transition.
	clientKey  *ClientKey
	canisterID *principal.Principal

	// The validated opening envelope, relayed to the canister once the
	// session reaches Setup.
	openEnvelope *codec.Envelope
}

// NewSession sends the gateway handshake on conn and returns the session in
// Init. A handshake failure tears the connection down before the state
// machine starts.
func NewSession(id string, gatewayPrincipal principal.Principal, conn Conn, updates <-chan ConnectionUpdate, submit CallSubmitter, log *zap.SugaredLogger) (*Session, error) {
	s := &Session{
		id:      id,
		conn:    conn,
		updates: updates,
		reads:   make(chan readResult),
		submit:  submit,
		log:     log.With("session_id", id),
		state:   StateInit,
	}

	handshake, err := codec.Encode(codec.GatewayHandshakeMessage{GatewayPrincipal: gatewayPrincipal})
	if err != nil {
		return nil, err
	}
	if err := s.writeBinary(handshake); err != nil {
		return nil, errors.Wrap(err, "sending gateway handshake")
	}
	return s, nil
}

// State returns the current session state.
func (s *Session) State() SessionState { return s.state }

// ClientKey returns the session identity, valid from Setup onward.
func (s *Session) ClientKey() *ClientKey { return s.clientKey }

// CanisterID returns the target canister, valid from Setup onward.
func (s *Session) CanisterID() *principal.Principal { return s.canisterID }

// ReadPump forwards frames from the WebSocket into the session's read
// channel so UpdateState can select across client frames and poller
// updates. Run it on its own goroutine; it exits after the first read
// failure (which includes peer close).
func (s *Session) ReadPump(ctx context.Context) {
	for {
		messageType, data, err := s.conn.ReadMessage()
		select {
		case s.reads <- readResult{messageType: messageType, data: data, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// UpdateState blocks on the next event from either direction and advances
// the state machine. It returns a non-nil transition when the state
// changed; the caller loops until StateClosed. Errors also drive the
// session to Closed.
func (s *Session) UpdateState(ctx context.Context) (*StateTransition, error) {
	previous := s.state

	var err error
	select {
	case <-ctx.Done():
		s.state = StateClosed
		err = ctx.Err()
	case r := <-s.reads:
		err = s.handleClientFrame(ctx, r)
	case u, ok := <-s.updates:
		err = s.handleCanisterUpdate(u, ok)
	}

	if s.state != previous {
		tr := &StateTransition{State: s.state}
		if s.state == StateSetup {
			tr.CanisterID = *s.canisterID
			tr.ClientKey = *s.clientKey
		}
		return tr, err
	}
	return nil, err
}

// handleClientFrame processes one frame read off the WebSocket.
func (s *Session) handleClientFrame(ctx context.Context, r readResult) error {
	if r.err != nil {
		s.state = StateClosed
		if websocket.IsCloseError(r.err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
			s.log.Debugw("client closed connection", "state", s.state.String())
			return nil
		}
		return errors.Wrapf(ErrTransport, "reading from client: %v", r.err)
	}
	if r.messageType != websocket.BinaryMessage {
		state := s.state
		s.state = StateClosed
		return errors.Wrapf(ErrProtocol, "client sent a non-binary frame in %s state", state.String())
	}

	switch s.state {
	case StateInit:
		return s.checkSetupTransition(r.data)
	case StateSetup:
		// The client must stay silent until the canister confirms the open;
		// a frame here is a client SDK bug.
		s.state = StateClosed
		return errors.Wrap(ErrProtocol, "client sent a message while in setup state")
	case StateOpen:
		return s.relayCallRequest(ctx, r.data)
	default:
		s.state = StateClosed
		return errors.Wrap(ErrProtocol, "client sent a message while in closed state")
	}
}

// handleCanisterUpdate processes one update from the poller.
func (s *Session) handleCanisterUpdate(u ConnectionUpdate, ok bool) error {
	if !ok {
		s.state = StateClosed
		return errors.New("poller channel closed")
	}
	if u.Err != nil {
		s.state = StateClosed
		return errors.Wrap(u.Err, "poller reported error")
	}

	switch s.state {
	case StateSetup:
		// Relaying the first canister message is what opens the session.
		if err := s.relayCanisterMessage(u.Message); err != nil {
			return err
		}
		s.state = StateOpen
		return nil
	case StateOpen:
		return s.relayCanisterMessage(u.Message)
	default:
		state := s.state
		s.state = StateClosed
		return errors.Wrapf(ErrProtocol, "canister message received in %s state", state.String())
	}
}

// checkSetupTransition validates the client's opening envelope: a Call whose
// argument decodes as CanisterWsOpenArguments. On success the session's
// (canister_id, client_key) pair is fixed and the state becomes Setup.
func (s *Session) checkSetupTransition(data []byte) error {
	var req codec.ClientRequest
	if err := codec.Decode(data, &req); err != nil {
		s.state = StateClosed
		return errors.Wrapf(ErrProtocol, "first frame is not a client request: %v", err)
	}
	if !req.Envelope.Content.IsCall() {
		s.state = StateClosed
		return errors.Wrap(ErrProtocol, "first envelope must be of the call variant")
	}

	var openArgs codec.CanisterWsOpenArguments
	if err := codec.Decode(req.Envelope.Content.Arg, &openArgs); err != nil {
		s.state = StateClosed
		return errors.Wrapf(ErrProtocol, "call argument is not ws_open arguments: %v", err)
	}

	if s.canisterID != nil || s.clientKey != nil {
		// The open message was sent twice; the identity pair is set exactly
		// once per session.
		s.state = StateClosed
		return errors.Wrap(ErrProtocol, "canister_id or client_key was set twice")
	}

	canisterID := req.Envelope.Content.CanisterID
	key := ClientKey{Principal: req.Envelope.Content.Sender, Nonce: openArgs.ClientNonce}
	s.canisterID = &canisterID
	s.clientKey = &key
	s.openEnvelope = &req.Envelope
	s.state = StateSetup

	s.log.Debugw("validated ws open message",
		"canister_id", canisterID.String(),
		"client_key", key.String(),
	)
	return nil
}

// RelayOpenRequest submits the stored opening envelope to the canister. The
// server calls this after registering the session with the connection
// manager, so the canister's OpenMessage response has a sink to land on.
func (s *Session) RelayOpenRequest(ctx context.Context) error {
	if s.openEnvelope == nil || s.canisterID == nil {
		return errors.New("no open envelope stored")
	}
	serialized, err := codec.Encode(s.openEnvelope)
	if err != nil {
		return err
	}
	return s.submit.SubmitCall(ctx, *s.canisterID, serialized)
}

// relayCallRequest forwards a client envelope to the canister. Only the Call
// variant is relayed; the response is never forwarded back because the
// /call endpoint's response is not certified by the canister and could be
// manufactured by the gateway.
func (s *Session) relayCallRequest(ctx context.Context, data []byte) error {
	var req codec.ClientRequest
	if err := codec.Decode(data, &req); err != nil {
		s.state = StateClosed
		return errors.Wrapf(ErrProtocol, "frame is not a client request: %v", err)
	}
	if !req.Envelope.Content.IsCall() {
		s.state = StateClosed
		return errors.Wrap(ErrProtocol, "gateway only relays envelopes of the call variant")
	}

	serialized, err := codec.Encode(req.Envelope)
	if err != nil {
		return err
	}
	if err := s.submit.SubmitCall(ctx, *s.canisterID, serialized); err != nil {
		return errors.Wrap(err, "relaying call to canister")
	}
	s.log.Debugw("relayed client call to canister", "canister_id", s.canisterID.String())
	return nil
}

// relayCanisterMessage ships a certified canister message to the client as a
// binary frame.
func (s *Session) relayCanisterMessage(m *codec.CanisterToClientMessage) error {
	encoded, err := codec.Encode(m)
	if err != nil {
		return err
	}
	if err := s.writeBinary(encoded); err != nil {
		s.state = StateClosed
		return errors.Wrapf(ErrTransport, "writing to client: %v", err)
	}
	s.log.Debugw("relayed canister message to client", "key", m.Key)
	return nil
}

// Close sends a close frame and closes the underlying connection.
func (s *Session) Close() {
	s.state = StateClosed
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.conn.Close()
}

func (s *Session) writeBinary(data []byte) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}
