// Package principal implements the Internet Computer principal identity:
// an opaque byte string of at most 29 bytes with a checksummed base32
// textual representation.
package principal

import (
	"encoding/base32"
	"encoding/binary"
	"hash/crc32"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/aliscie/ic-websocket-gateway/errors"
)

// MaxLength is the maximum raw length of a principal in bytes.
const MaxLength = 29

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Principal is an opaque identity used by both clients and canisters.
// The zero value is the anonymous management principal ("aaaaa-aa").
// Principals are comparable and usable as map keys.
type Principal struct {
	raw string
}

// FromBytes constructs a Principal from its raw byte representation.
func FromBytes(b []byte) (Principal, error) {
	if len(b) > MaxLength {
		return Principal{}, errors.Newf("principal too long: %d bytes (max %d)", len(b), MaxLength)
	}
	return Principal{raw: string(b)}, nil
}

// FromText parses the dash-grouped base32 textual representation and
// verifies its CRC32 checksum.
func FromText(s string) (Principal, error) {
	compact := strings.ToUpper(strings.ReplaceAll(s, "-", ""))
	decoded, err := encoding.DecodeString(compact)
	if err != nil {
		return Principal{}, errors.Wrapf(err, "invalid principal text %q", s)
	}
	if len(decoded) < 4 {
		return Principal{}, errors.Newf("principal text %q too short", s)
	}
	checksum := binary.BigEndian.Uint32(decoded[:4])
	raw := decoded[4:]
	if checksum != crc32.ChecksumIEEE(raw) {
		return Principal{}, errors.Newf("principal text %q has invalid checksum", s)
	}
	return FromBytes(raw)
}

// MustFromText parses a principal text and panics on failure. For use with
// known-good constants.
func MustFromText(s string) Principal {
	p, err := FromText(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Bytes returns the raw byte representation.
func (p Principal) Bytes() []byte {
	return []byte(p.raw)
}

// String renders the textual representation: base32(crc32(raw) || raw),
// lowercased and grouped in runs of five characters joined by dashes.
func (p Principal) String() string {
	data := make([]byte, 4+len(p.raw))
	binary.BigEndian.PutUint32(data[:4], crc32.ChecksumIEEE([]byte(p.raw)))
	copy(data[4:], p.raw)

	s := strings.ToLower(encoding.EncodeToString(data))
	var b strings.Builder
	for i, r := range s {
		if i > 0 && i%5 == 0 {
			b.WriteByte('-')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// MarshalCBOR encodes the principal as a CBOR byte string, the form used in
// every wire envelope.
func (p Principal) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal([]byte(p.raw))
}

// UnmarshalCBOR decodes a CBOR byte string into the principal.
func (p *Principal) UnmarshalCBOR(data []byte) error {
	var b []byte
	if err := cbor.Unmarshal(data, &b); err != nil {
		return errors.Wrap(err, "principal is not a CBOR byte string")
	}
	if len(b) > MaxLength {
		return errors.Newf("principal too long: %d bytes (max %d)", len(b), MaxLength)
	}
	p.raw = string(b)
	return nil
}
