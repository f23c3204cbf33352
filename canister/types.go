// Package canister is the gateway's view of the backend: the certified
// output types returned by ws_get_messages and the client used to poll and
// to submit signed calls.
package canister

import (
	"github.com/aliscie/ic-websocket-gateway/principal"
)

// OutputMessage is a single canister output addressed to one client. Key is
// an opaque gateway-scoped identifier of the form "<gateway>_<nonce>";
// Content is a CBOR-encoded WebsocketMessage.
type OutputMessage struct {
	ClientPrincipal principal.Principal `cbor:"client_principal"`
	Key             string              `cbor:"key"`
	Content         []byte              `cbor:"content"`
}

// CertifiedBatch is the result of one ws_get_messages poll: the outputs
// accumulated since the requested nonce plus the certificate and hash tree
// that clients use to verify them.
type CertifiedBatch struct {
	Messages []OutputMessage `cbor:"messages"`
	Cert     []byte          `cbor:"cert"`
	Tree     []byte          `cbor:"tree"`
}

// GetMessagesArgs is the argument of ws_get_messages: the resume cursor into
// the canister's outbound stream.
type GetMessagesArgs struct {
	Nonce uint64 `cbor:"nonce"`
}
