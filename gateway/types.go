// Package gateway contains the core of the WebSocket gateway: the
// per-canister poller that pulls certified batches from the backend, the
// demultiplexer that fans them out to per-client sinks, the per-connection
// session state machine, and the connection manager that wires the two
// together.
package gateway

import (
	"fmt"
	"sync"

	"github.com/aliscie/ic-websocket-gateway/codec"
	"github.com/aliscie/ic-websocket-gateway/errors"
	"github.com/aliscie/ic-websocket-gateway/principal"
)

// ClientKey identifies one session: the client principal plus the
// client-chosen nonce. The same principal with a different nonce is a
// distinct session, which is what makes reconnects work.
type ClientKey struct {
	Principal principal.Principal
	Nonce     uint64
}

func (k ClientKey) String() string {
	return fmt.Sprintf("%s_%d", k.Principal.String(), k.Nonce)
}

// ConnectionUpdate is sent from a poller to a client session: either a
// certified canister message to relay, or an error telling the session to
// close. Exactly one field is set.
type ConnectionUpdate struct {
	Message *codec.CanisterToClientMessage
	Err     error
}

// IntakeKind discriminates intake events.
type IntakeKind int

const (
	// IntakeNewClient registers a client's sink with the poller.
	IntakeNewClient IntakeKind = iota
	// IntakeClientDisconnected removes a client from the poller.
	IntakeClientDisconnected
)

// IntakeEvent is what the connection manager sends to a running poller.
type IntakeEvent struct {
	Kind      IntakeKind
	Principal principal.Principal
	Sink      Sink
}

// TerminationReason discriminates why a poller stopped.
type TerminationReason int

const (
	// TerminationLastClientDisconnected: the registered-client set emptied.
	TerminationLastClientDisconnected TerminationReason = iota
	// TerminationBackendError: a fatal error while relaying a polled batch.
	TerminationBackendError
)

func (r TerminationReason) String() string {
	switch r {
	case TerminationLastClientDisconnected:
		return "last client disconnected"
	case TerminationBackendError:
		return "backend error"
	default:
		return "unknown"
	}
}

// TerminationInfo is the poller's final signal to the connection manager.
type TerminationInfo struct {
	CanisterID principal.Principal
	Reason     TerminationReason
}

// errSessionTerminated reports a send on the sink of a session that already
// ended. A per-client condition: the batch being relayed continues.
var errSessionTerminated = errors.New("client session terminated")

// Sink is the poller-held sending half of a session's update channel. Done
// is closed by the session when it exits so a send never blocks forever on a
// dead client.
type Sink struct {
	Updates chan ConnectionUpdate
	Done    <-chan struct{}
}

// NewSink builds a sink with the given buffer bound together with the done
// closer the owning session must call on exit.
func NewSink(bound int) (Sink, func()) {
	done := make(chan struct{})
	var once sync.Once
	return Sink{
		Updates: make(chan ConnectionUpdate, bound),
		Done:    done,
	}, func() { once.Do(func() { close(done) }) }
}

// Send delivers an update, blocking while the channel is full. It fails only
// when the receiving session has terminated.
func (s Sink) Send(u ConnectionUpdate) error {
	select {
	case s.Updates <- u:
		return nil
	case <-s.Done:
		return errSessionTerminated
	}
}
