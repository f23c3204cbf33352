// Package codec implements the self-describing CBOR wire format spoken on
// the client WebSocket and toward the canister: every frame is a CBOR data
// item prefixed with the self-describe tag (55799).
package codec

import (
	"bytes"

	"github.com/fxamacker/cbor/v2"

	"github.com/aliscie/ic-websocket-gateway/errors"
)

// selfDescribePrefix is the encoded form of CBOR tag 55799. A decoder that
// sees these three bytes at the start of a payload knows it is CBOR
// regardless of context.
var selfDescribePrefix = []byte{0xd9, 0xd9, 0xf7}

// ErrNotSelfDescribed is returned when a payload does not start with the
// self-describe tag.
var ErrNotSelfDescribed = errors.New("payload does not start with the CBOR self-describe tag")

var decMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

// Encode marshals v as CBOR prefixed with the self-describe tag.
func Encode(v interface{}) ([]byte, error) {
	payload, err := cbor.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "cbor encode failed")
	}
	out := make([]byte, 0, len(selfDescribePrefix)+len(payload))
	out = append(out, selfDescribePrefix...)
	return append(out, payload...), nil
}

// Decode unmarshals a self-describing CBOR payload into v. Payloads that do
// not start with the self-describe tag or whose shape does not match v are
// rejected with a decode error; adversarial input never panics.
func Decode(data []byte, v interface{}) error {
	if !bytes.HasPrefix(data, selfDescribePrefix) {
		return ErrNotSelfDescribed
	}
	if err := decMode.Unmarshal(data[len(selfDescribePrefix):], v); err != nil {
		return errors.Wrap(err, "cbor decode failed")
	}
	return nil
}
