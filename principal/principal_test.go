package principal_test

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aliscie/ic-websocket-gateway/principal"
)

func TestTextRoundTrip(t *testing.T) {
	texts := []string{
		"aaaaa-aa",
		"2chl6-4hpzw-vqaaa-aaaaa-c",
		"ygoe7-xpj6n-24gsd-zksfw-2mywm-xfyop-yvlsp-ctlwa-753xv-wz6rk-uae",
	}
	for _, text := range texts {
		p, err := principal.FromText(text)
		require.NoError(t, err, "FromText(%q)", text)
		assert.Equal(t, text, p.String())
	}
}

func TestZeroValueIsManagementPrincipal(t *testing.T) {
	var p principal.Principal
	assert.Equal(t, "aaaaa-aa", p.String())
	assert.Empty(t, p.Bytes())
}

func TestFromTextRejectsBadChecksum(t *testing.T) {
	// Valid base32 whose payload no longer matches the checksum prefix.
	_, err := principal.FromText("2chl6-4hpzw-vqaaa-aaaab-c")
	assert.Error(t, err)
}

func TestFromTextRejectsGarbage(t *testing.T) {
	for _, text := range []string{"", "!!!", "a"} {
		_, err := principal.FromText(text)
		assert.Error(t, err, "text %q", text)
	}
}

func TestFromBytesRejectsOversized(t *testing.T) {
	_, err := principal.FromBytes(make([]byte, principal.MaxLength+1))
	assert.Error(t, err)
}

func TestCBORRoundTrip(t *testing.T) {
	p := principal.MustFromText("2chl6-4hpzw-vqaaa-aaaaa-c")

	data, err := cbor.Marshal(p)
	require.NoError(t, err)

	var decoded principal.Principal
	require.NoError(t, cbor.Unmarshal(data, &decoded))
	assert.Equal(t, p, decoded)
}

func TestCBORRejectsNonByteString(t *testing.T) {
	data, err := cbor.Marshal(42)
	require.NoError(t, err)

	var p principal.Principal
	assert.Error(t, cbor.Unmarshal(data, &p))
}
