package kaspaaddr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustEncode(t *testing.T, network Network, version byte, payload []byte) string {
	t.Helper()
	addr, err := Encode(network, version, payload)
	require.NoError(t, err)
	return addr
}

func TestParse_RoundTripsVersionAndPayload(t *testing.T) {
	payload := make([]byte, 20)
	for i := range payload {
		payload[i] = byte(i)
	}
	addr := mustEncode(t, Mainnet, 0, payload)

	a, err := Parse(addr)
	require.NoError(t, err)
	assert.Equal(t, Mainnet, a.Network)
	assert.Equal(t, byte(0), a.Version)
	assert.Equal(t, payload, a.Payload)
}

func TestParse_RejectsMissingPrefix(t *testing.T) {
	_, err := Parse("qpauqsvknozdmxtzt")
	assert.Error(t, err)
}

func TestParse_RejectsUnknownPrefix(t *testing.T) {
	_, err := Parse("bitcoin:qpauqsvknozdmxtzt")
	assert.Error(t, err)
}

func TestParse_RejectsNonBech32Character(t *testing.T) {
	_, err := Parse("kaspa:qpauqsvkB1oz") // 'B' and '1' are outside the charset
	assert.Error(t, err)
}

func TestValidatePrefix_MatchesNetworkId(t *testing.T) {
	payload := make([]byte, 20)
	addr := mustEncode(t, Testnet10, 0, payload)

	assert.NoError(t, ValidatePrefix(addr, "testnet-10"))
	assert.Error(t, ValidatePrefix(addr, "mainnet"))
}

func TestPayToPubKeyHashScriptHash_Deterministic(t *testing.T) {
	redeem := []byte{1, 2, 3, 4}
	h1, err := PayToPubKeyHashScriptHash(redeem)
	require.NoError(t, err)
	h2, err := PayToPubKeyHashScriptHash(redeem)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 20)
}
