package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_KnownType(t *testing.T) {
	e, err := Parse([]byte(`{"type":"FORGEOS_OPEN_FOR_CONNECT","requestId":"r1"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeOpenForConnect, e.Type)

	var payload struct {
		RequestID string `json:"requestId"`
	}
	require.NoError(t, e.Decode(&payload))
	assert.Equal(t, "r1", payload.RequestID)
}

func TestParse_UnknownTypeDropped(t *testing.T) {
	_, err := Parse([]byte(`{"type":"NOT_A_REAL_TYPE"}`))
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestParse_MissingTypeDropped(t *testing.T) {
	_, err := Parse([]byte(`{"requestId":"r1"}`))
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestParse_MalformedJSONDropped(t *testing.T) {
	_, err := Parse([]byte(`not json`))
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestNormalizeOrigin(t *testing.T) {
	assert.Equal(t, "https://a.test", NormalizeOrigin("https://a.test/some/path"))
	assert.Equal(t, UnknownOrigin, NormalizeOrigin("not a url"))
	assert.Equal(t, UnknownOrigin, NormalizeOrigin(""))
}

func TestAllowList(t *testing.T) {
	al := NewAllowList([]string{"https://a.test"})
	assert.True(t, al.Contains("https://a.test"))
	assert.False(t, al.Contains("https://b.test"))
	assert.False(t, al.Contains(UnknownOrigin))

	al.Add("https://b.test")
	assert.True(t, al.Contains("https://b.test"))
	al.Remove("https://b.test")
	assert.False(t, al.Contains("https://b.test"))
}
