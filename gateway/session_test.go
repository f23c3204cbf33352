package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aliscie/ic-websocket-gateway/codec"
	"github.com/aliscie/ic-websocket-gateway/errors"
	"github.com/aliscie/ic-websocket-gateway/principal"
)

// fakeConn is an in-memory duplex standing in for a WebSocket connection.
type fakeConn struct {
	incoming chan readResult
	writes   chan writtenFrame
	closed   sync.Once
}

type writtenFrame struct {
	messageType int
	data        []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan readResult, 16),
		writes:   make(chan writtenFrame, 16),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	r, ok := <-c.incoming
	if !ok {
		return 0, nil, errors.New("connection closed")
	}
	return r.messageType, r.data, r.err
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.writes <- writtenFrame{messageType: messageType, data: data}
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.closed.Do(func() { close(c.incoming) })
	return nil
}

func (c *fakeConn) nextWrite(t *testing.T) writtenFrame {
	t.Helper()
	select {
	case f := <-c.writes:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame written to client")
		return writtenFrame{}
	}
}

// recordingSubmitter captures every envelope relayed to the backend.
type recordingSubmitter struct {
	mu        sync.Mutex
	canisters []principal.Principal
	envelopes [][]byte
}

func (r *recordingSubmitter) SubmitCall(_ context.Context, canisterID principal.Principal, envelope []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.canisters = append(r.canisters, canisterID)
	r.envelopes = append(r.envelopes, envelope)
	return nil
}

func (r *recordingSubmitter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.envelopes)
}

func openRequestFrame(t *testing.T, sender, canisterID principal.Principal, clientNonce uint64) []byte {
	t.Helper()
	args := mustEncode(t, codec.CanisterWsOpenArguments{
		ClientNonce:      clientNonce,
		GatewayPrincipal: reconnectingClient,
	})
	return mustEncode(t, codec.ClientRequest{
		Envelope: codec.Envelope{
			Content: codec.EnvelopeContent{
				RequestType:   codec.RequestTypeCall,
				Sender:        sender,
				CanisterID:    canisterID,
				MethodName:    "ws_open",
				Arg:           args,
				IngressExpiry: 1,
			},
		},
	})
}

func callRequestFrame(t *testing.T, sender, canisterID principal.Principal, requestType string) []byte {
	t.Helper()
	return mustEncode(t, codec.ClientRequest{
		Envelope: codec.Envelope{
			Content: codec.EnvelopeContent{
				RequestType:   requestType,
				Sender:        sender,
				CanisterID:    canisterID,
				MethodName:    "ws_message",
				Arg:           []byte{1},
				IngressExpiry: 2,
			},
		},
	})
}

// newTestSession builds a session over a fake connection with its read pump
// running, and consumes the handshake frame.
func newTestSession(t *testing.T) (*Session, *fakeConn, chan ConnectionUpdate, *recordingSubmitter) {
	t.Helper()
	conn := newFakeConn()
	updates := make(chan ConnectionUpdate, 16)
	submitter := &recordingSubmitter{}

	sess, err := NewSession("test-session", reconnectingClient, conn, updates, submitter, nopLogger())
	require.NoError(t, err)

	handshake := conn.nextWrite(t)
	assert.Equal(t, websocket.BinaryMessage, handshake.messageType)
	var hs codec.GatewayHandshakeMessage
	require.NoError(t, codec.Decode(handshake.data, &hs))
	assert.Equal(t, reconnectingClient, hs.GatewayPrincipal)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	t.Cleanup(func() { conn.Close() })
	go sess.ReadPump(ctx)

	return sess, conn, updates, submitter
}

// advanceToSetup feeds a valid open frame and asserts the Setup transition.
func advanceToSetup(t *testing.T, sess *Session, conn *fakeConn) StateTransition {
	t.Helper()
	conn.incoming <- readResult{
		messageType: websocket.BinaryMessage,
		data:        openRequestFrame(t, freshClient, testCanisterID, 42),
	}
	tr, err := sess.UpdateState(context.Background())
	require.NoError(t, err)
	require.NotNil(t, tr)
	require.Equal(t, StateSetup, tr.State)
	return *tr
}

// advanceToOpen pushes the first canister message through Setup.
func advanceToOpen(t *testing.T, sess *Session, conn *fakeConn, updates chan ConnectionUpdate) {
	t.Helper()
	updates <- ConnectionUpdate{Message: &codec.CanisterToClientMessage{
		Key:     messageKey(0),
		Content: []byte("open-ack"),
	}}
	tr, err := sess.UpdateState(context.Background())
	require.NoError(t, err)
	require.NotNil(t, tr)
	require.Equal(t, StateOpen, tr.State)
	conn.nextWrite(t)
}

func TestSessionSetupTransitionFixesIdentity(t *testing.T) {
	sess, conn, _, submitter := newTestSession(t)

	tr := advanceToSetup(t, sess, conn)
	assert.Equal(t, testCanisterID, tr.CanisterID)
	assert.Equal(t, ClientKey{Principal: freshClient, Nonce: 42}, tr.ClientKey)
	assert.Equal(t, StateSetup, sess.State())

	// The stored open envelope is relayed to the canister on request.
	require.NoError(t, sess.RelayOpenRequest(context.Background()))
	require.Equal(t, 1, submitter.count())
	assert.Equal(t, testCanisterID, submitter.canisters[0])

	var env codec.Envelope
	require.NoError(t, codec.Decode(submitter.envelopes[0], &env))
	assert.True(t, env.Content.IsCall())
	assert.Equal(t, freshClient, env.Content.Sender)
}

func TestSessionRejectsNonCallOpenFrame(t *testing.T) {
	sess, conn, _, _ := newTestSession(t)

	conn.incoming <- readResult{
		messageType: websocket.BinaryMessage,
		data:        callRequestFrame(t, freshClient, testCanisterID, "query"),
	}
	tr, err := sess.UpdateState(context.Background())
	assert.ErrorIs(t, err, ErrProtocol)
	require.NotNil(t, tr)
	assert.Equal(t, StateClosed, tr.State)
}

func TestSessionRejectsGarbageOpenFrame(t *testing.T) {
	sess, conn, _, _ := newTestSession(t)

	conn.incoming <- readResult{
		messageType: websocket.BinaryMessage,
		data:        []byte("junk"),
	}
	_, err := sess.UpdateState(context.Background())
	assert.ErrorIs(t, err, ErrProtocol)
	assert.Equal(t, StateClosed, sess.State())
}

func TestSessionRejectsClientFrameDuringSetup(t *testing.T) {
	sess, conn, _, _ := newTestSession(t)
	advanceToSetup(t, sess, conn)

	conn.incoming <- readResult{
		messageType: websocket.BinaryMessage,
		data:        callRequestFrame(t, freshClient, testCanisterID, codec.RequestTypeCall),
	}
	tr, err := sess.UpdateState(context.Background())
	assert.ErrorIs(t, err, ErrProtocol)
	require.NotNil(t, tr)
	assert.Equal(t, StateClosed, tr.State)
}

func TestSessionOpensOnFirstCanisterMessage(t *testing.T) {
	sess, conn, updates, _ := newTestSession(t)
	advanceToSetup(t, sess, conn)
	advanceToOpen(t, sess, conn, updates)
	assert.Equal(t, StateOpen, sess.State())
}

func TestSessionRelaysCanisterMessagesWhileOpen(t *testing.T) {
	sess, conn, updates, _ := newTestSession(t)
	advanceToSetup(t, sess, conn)
	advanceToOpen(t, sess, conn, updates)

	want := codec.CanisterToClientMessage{
		Key:     messageKey(1),
		Content: []byte("payload"),
		Cert:    []byte("cert"),
		Tree:    []byte("tree"),
	}
	updates <- ConnectionUpdate{Message: &want}

	tr, err := sess.UpdateState(context.Background())
	require.NoError(t, err)
	assert.Nil(t, tr, "no transition while open")

	frame := conn.nextWrite(t)
	assert.Equal(t, websocket.BinaryMessage, frame.messageType)
	var got codec.CanisterToClientMessage
	require.NoError(t, codec.Decode(frame.data, &got))
	assert.Equal(t, want, got)
}

func TestSessionRelaysClientCallsWhileOpen(t *testing.T) {
	sess, conn, updates, submitter := newTestSession(t)
	advanceToSetup(t, sess, conn)
	advanceToOpen(t, sess, conn, updates)

	conn.incoming <- readResult{
		messageType: websocket.BinaryMessage,
		data:        callRequestFrame(t, freshClient, testCanisterID, codec.RequestTypeCall),
	}
	tr, err := sess.UpdateState(context.Background())
	require.NoError(t, err)
	assert.Nil(t, tr)
	assert.Equal(t, 1, submitter.count())
	assert.Equal(t, StateOpen, sess.State())
}

func TestSessionRejectsNonCallVariantWhileOpen(t *testing.T) {
	sess, conn, updates, submitter := newTestSession(t)
	advanceToSetup(t, sess, conn)
	advanceToOpen(t, sess, conn, updates)

	conn.incoming <- readResult{
		messageType: websocket.BinaryMessage,
		data:        callRequestFrame(t, freshClient, testCanisterID, "read_state"),
	}
	tr, err := sess.UpdateState(context.Background())
	assert.ErrorIs(t, err, ErrProtocol)
	require.NotNil(t, tr)
	assert.Equal(t, StateClosed, tr.State)
	assert.Equal(t, 0, submitter.count())
}

func TestSessionClosesOnClientClose(t *testing.T) {
	sess, conn, _, _ := newTestSession(t)

	conn.incoming <- readResult{err: &websocket.CloseError{Code: websocket.CloseNormalClosure}}
	tr, err := sess.UpdateState(context.Background())
	require.NoError(t, err, "clean close is not an error")
	require.NotNil(t, tr)
	assert.Equal(t, StateClosed, tr.State)
}

func TestSessionClosesOnTransportError(t *testing.T) {
	sess, conn, _, _ := newTestSession(t)

	conn.incoming <- readResult{err: errors.New("broken pipe")}
	tr, err := sess.UpdateState(context.Background())
	assert.ErrorIs(t, err, ErrTransport)
	require.NotNil(t, tr)
	assert.Equal(t, StateClosed, tr.State)
}

func TestSessionClosesOnPollerError(t *testing.T) {
	sess, conn, updates, _ := newTestSession(t)
	advanceToSetup(t, sess, conn)
	advanceToOpen(t, sess, conn, updates)

	updates <- ConnectionUpdate{Err: errors.New("poller terminated")}
	tr, err := sess.UpdateState(context.Background())
	assert.Error(t, err)
	require.NotNil(t, tr)
	assert.Equal(t, StateClosed, tr.State)
}

func TestSessionRejectsCanisterMessageBeforeSetup(t *testing.T) {
	sess, _, updates, _ := newTestSession(t)

	updates <- ConnectionUpdate{Message: &codec.CanisterToClientMessage{Key: messageKey(0)}}
	tr, err := sess.UpdateState(context.Background())
	assert.ErrorIs(t, err, ErrProtocol)
	require.NotNil(t, tr)
	assert.Equal(t, StateClosed, tr.State)
}
