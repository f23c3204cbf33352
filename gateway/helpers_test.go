package gateway

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aliscie/ic-websocket-gateway/canister"
	"github.com/aliscie/ic-websocket-gateway/codec"
	"github.com/aliscie/ic-websocket-gateway/principal"
)

// Fixed identities shared across the gateway tests: a client left over from
// before a gateway restart, a client that reconnects first after the
// restart, and a brand new client.
var (
	oldClient          = principal.MustFromText("aaaaa-aa")
	reconnectingClient = principal.MustFromText("2chl6-4hpzw-vqaaa-aaaaa-c")
	freshClient        = principal.MustFromText("ygoe7-xpj6n-24gsd-zksfw-2mywm-xfyop-yvlsp-ctlwa-753xv-wz6rk-uae")

	testCanisterID = mustPrincipalFromBytes([]byte{0x01, 0x02, 0x03})
)

func mustPrincipalFromBytes(b []byte) principal.Principal {
	p, err := principal.FromBytes(b)
	if err != nil {
		panic(err)
	}
	return p
}

func nopLogger() *zap.SugaredLogger { return zap.NewNop().Sugar() }

func mustEncode(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := codec.Encode(v)
	require.NoError(t, err)
	return data
}

func messageKey(keyNonce uint64) string {
	return fmt.Sprintf("gateway_%d", keyNonce)
}

func wrapOutputMessage(t *testing.T, wm codec.WebsocketMessage, keyNonce uint64) canister.OutputMessage {
	t.Helper()
	return canister.OutputMessage{
		ClientPrincipal: wm.ClientPrincipal,
		Key:             messageKey(keyNonce),
		Content:         mustEncode(t, wm),
	}
}

// openMessage builds a service-flagged output carrying an OpenMessage.
func openMessage(t *testing.T, client principal.Principal, seq, keyNonce uint64) canister.OutputMessage {
	t.Helper()
	content := mustEncode(t, codec.CanisterServiceMessage{
		Open: &codec.OpenMessageContent{ClientPrincipal: client},
	})
	return wrapOutputMessage(t, codec.WebsocketMessage{
		ClientPrincipal:  client,
		SequenceNum:      seq,
		IsServiceMessage: true,
		Content:          content,
	}, keyNonce)
}

// ackMessage builds a service-flagged output carrying an AckMessage.
func ackMessage(t *testing.T, client principal.Principal, seq, keyNonce uint64) canister.OutputMessage {
	t.Helper()
	content := mustEncode(t, codec.CanisterServiceMessage{
		Ack: &codec.AckMessageContent{LastIncomingSequenceNum: 0},
	})
	return wrapOutputMessage(t, codec.WebsocketMessage{
		ClientPrincipal:  client,
		SequenceNum:      seq,
		IsServiceMessage: true,
		Content:          content,
	}, keyNonce)
}

// dataMessage builds an application output message.
func dataMessage(t *testing.T, client principal.Principal, seq, keyNonce uint64) canister.OutputMessage {
	t.Helper()
	return wrapOutputMessage(t, codec.WebsocketMessage{
		ClientPrincipal: client,
		SequenceNum:     seq,
		Content:         []byte("app"),
	}, keyNonce)
}

// mockFilterBatch is the canonical restart batch, oldest to newest: eight
// messages from before the gateway rebooted, then the reconnecting client's
// fresh OpenMessage and everything after it.
func mockFilterBatch(t *testing.T) []canister.OutputMessage {
	t.Helper()
	return []canister.OutputMessage{
		dataMessage(t, oldClient, 10, 0),
		openMessage(t, reconnectingClient, 0, 1),
		ackMessage(t, oldClient, 11, 2),
		dataMessage(t, reconnectingClient, 1, 3),
		dataMessage(t, reconnectingClient, 2, 4),
		dataMessage(t, reconnectingClient, 3, 5),
		ackMessage(t, reconnectingClient, 4, 6),
		dataMessage(t, oldClient, 12, 7),
		// The gateway reboots here; everything below is this generation.
		openMessage(t, reconnectingClient, 0, 8),
		dataMessage(t, reconnectingClient, 1, 9),
		dataMessage(t, reconnectingClient, 2, 10),
		openMessage(t, freshClient, 0, 11),
		dataMessage(t, freshClient, 1, 12),
	}
}

// mockAllOldBatch is a restart batch in which the reconnecting client's
// fresh OpenMessage has not arrived yet; every message predates the reboot.
func mockAllOldBatch(t *testing.T) []canister.OutputMessage {
	t.Helper()
	return []canister.OutputMessage{
		dataMessage(t, oldClient, 10, 0),
		ackMessage(t, oldClient, 11, 1),
		dataMessage(t, reconnectingClient, 1, 2),
		dataMessage(t, reconnectingClient, 2, 3),
		dataMessage(t, reconnectingClient, 3, 4),
		ackMessage(t, reconnectingClient, 4, 5),
		dataMessage(t, oldClient, 12, 6),
	}
}

// orderedMessages builds data messages for client with sequence numbers
// from..to inclusive, key nonce equal to the sequence number.
func orderedMessages(t *testing.T, client principal.Principal, from, to uint64) []canister.OutputMessage {
	t.Helper()
	var msgs []canister.OutputMessage
	for seq := from; seq <= to; seq++ {
		msgs = append(msgs, dataMessage(t, client, seq, seq))
	}
	return msgs
}

func decodeWsMessage(t *testing.T, content []byte) codec.WebsocketMessage {
	t.Helper()
	var wm codec.WebsocketMessage
	require.NoError(t, codec.Decode(content, &wm))
	return wm
}

// recvUpdate reads one update off a sink or fails the test.
func recvUpdate(t *testing.T, sink Sink) ConnectionUpdate {
	t.Helper()
	select {
	case u := <-sink.Updates:
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection update")
		return ConnectionUpdate{}
	}
}

// expectNoUpdate asserts the sink stays quiet for a little while.
func expectNoUpdate(t *testing.T, sink Sink) {
	t.Helper()
	select {
	case u := <-sink.Updates:
		t.Fatalf("unexpected update on sink: %+v", u)
	case <-time.After(50 * time.Millisecond):
	}
}

// batchOrErr scripts one WsGetMessages response.
type batchOrErr struct {
	batch *canister.CertifiedBatch
	err   error
}

// scriptedTransport serves WsGetMessages from a response channel so tests
// control exactly when each poll completes and with what.
type scriptedTransport struct {
	responses chan batchOrErr
	// nonces observes the cursor of every poll, buffered generously.
	nonces chan uint64

	mu        sync.Mutex
	submitted [][]byte
}

func newScriptedTransport() *scriptedTransport {
	return &scriptedTransport{
		responses: make(chan batchOrErr),
		nonces:    make(chan uint64, 64),
	}
}

func (s *scriptedTransport) WsGetMessages(ctx context.Context, _ principal.Principal, nonce uint64) (*canister.CertifiedBatch, error) {
	s.nonces <- nonce
	select {
	case r := <-s.responses:
		return r.batch, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *scriptedTransport) UpdateSigned(_ context.Context, _ principal.Principal, envelope []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted = append(s.submitted, envelope)
	return nil
}

func (s *scriptedTransport) submittedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.submitted)
}

// respond releases the in-flight poll with the given messages.
func (s *scriptedTransport) respond(msgs []canister.OutputMessage) {
	s.responses <- batchOrErr{batch: &canister.CertifiedBatch{
		Messages: msgs,
		Cert:     []byte("cert"),
		Tree:     []byte("tree"),
	}}
}

func newTestPoller(t *testing.T, transport canister.Transport) *Poller {
	t.Helper()
	client := canister.NewClient(transport, canister.ClientOptions{MaxAttempts: 1}, nopLogger())
	return NewPoller(testCanisterID, client, time.Millisecond, nil, nopLogger())
}
