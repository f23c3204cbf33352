package codec

import (
	"github.com/aliscie/ic-websocket-gateway/errors"
	"github.com/aliscie/ic-websocket-gateway/principal"
)

// RequestTypeCall is the only envelope content variant the gateway relays.
const RequestTypeCall = "call"

// GatewayHandshakeMessage is the first frame on a new WebSocket connection,
// sent gateway → client. The client does not know the principal of the
// gateway it connected to (only its address), yet it must tell the canister
// which gateway principal is authorized to poll its queue.
type GatewayHandshakeMessage struct {
	GatewayPrincipal principal.Principal `cbor:"gateway_principal"`
}

// ClientRequest is a frame sent client → gateway: a signed envelope destined
// for the IC.
type ClientRequest struct {
	Envelope Envelope `cbor:"envelope"`
}

// Envelope is a signed IC request: a content variant plus signature material.
// The gateway never verifies the signature; the IC does.
type Envelope struct {
	Content      EnvelopeContent `cbor:"content"`
	SenderPubkey []byte          `cbor:"sender_pubkey,omitempty"`
	SenderSig    []byte          `cbor:"sender_sig,omitempty"`
}

// EnvelopeContent carries the request payload, tagged by RequestType.
// Only the Call variant ("call") populates CanisterID, MethodName and Arg.
type EnvelopeContent struct {
	RequestType   string              `cbor:"request_type"`
	Sender        principal.Principal `cbor:"sender"`
	CanisterID    principal.Principal `cbor:"canister_id"`
	MethodName    string              `cbor:"method_name,omitempty"`
	Arg           []byte              `cbor:"arg,omitempty"`
	IngressExpiry uint64              `cbor:"ingress_expiry"`
	Nonce         []byte              `cbor:"nonce,omitempty"`
}

// IsCall reports whether the content is of the Call variant.
func (c EnvelopeContent) IsCall() bool {
	return c.RequestType == RequestTypeCall
}

// CanisterWsOpenArguments is the argument of the client's opening Call:
// the client-chosen session nonce and the gateway principal it learned from
// the handshake.
type CanisterWsOpenArguments struct {
	ClientNonce      uint64              `cbor:"client_nonce"`
	GatewayPrincipal principal.Principal `cbor:"gateway_principal"`
}

// WebsocketMessage is the canister-side message envelope. SequenceNum is
// per-client and strictly increasing on delivery.
type WebsocketMessage struct {
	ClientPrincipal  principal.Principal `cbor:"client_principal"`
	SequenceNum      uint64              `cbor:"sequence_num"`
	Timestamp        uint64              `cbor:"timestamp"`
	IsServiceMessage bool                `cbor:"is_service_message"`
	Content          []byte              `cbor:"content"`
}

// CanisterServiceMessage is the control-plane union carried inside a
// service-flagged WebsocketMessage. Exactly one variant is set; on the wire
// it is a single-entry map keyed by the variant name.
type CanisterServiceMessage struct {
	Open *OpenMessageContent `cbor:"OpenMessage,omitempty"`
	Ack  *AckMessageContent  `cbor:"AckMessage,omitempty"`
}

// OpenMessageContent acknowledges that the canister accepted a client's
// ws_open call.
type OpenMessageContent struct {
	ClientPrincipal principal.Principal `cbor:"client_principal"`
}

// AckMessageContent acknowledges the last client→canister sequence number
// the canister has processed.
type AckMessageContent struct {
	LastIncomingSequenceNum uint64 `cbor:"last_incoming_sequence_num"`
}

// DecodeServiceMessage decodes a service message payload and enforces that
// exactly one union variant is present.
func DecodeServiceMessage(data []byte) (CanisterServiceMessage, error) {
	var m CanisterServiceMessage
	if err := Decode(data, &m); err != nil {
		return CanisterServiceMessage{}, err
	}
	set := 0
	if m.Open != nil {
		set++
	}
	if m.Ack != nil {
		set++
	}
	if set != 1 {
		return CanisterServiceMessage{}, errors.Newf("service message must carry exactly one variant, got %d", set)
	}
	return m, nil
}

// CanisterToClientMessage is the certified payload shipped to the client
// over the WebSocket: the canister output content plus the certificate and
// hash tree proving it.
type CanisterToClientMessage struct {
	Key     string `cbor:"key"`
	Content []byte `cbor:"content"`
	Cert    []byte `cbor:"cert"`
	Tree    []byte `cbor:"tree"`
}
