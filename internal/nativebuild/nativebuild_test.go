package nativebuild

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeos-wallet/execpipeline/internal/policy"
)

func TestLocalNative_ComputesChangeOutput(t *testing.T) {
	b := NewLocalNative()
	req := Request{
		Entries: []policy.UtxoEntry{
			{Outpoint: policy.Outpoint{Txid: "a"}, AmountSompi: 10000},
		},
		ChangeAddress:    "kaspa:change",
		Outputs:          []Output{{Address: "kaspa:dest", AmountSompi: 5000}},
		PriorityFeeSompi: 1000,
	}

	res, err := b.Build(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ModeLocalNative, res.Mode)

	outputs := res.Raw["outputs"].([]map[string]interface{})
	require.Len(t, outputs, 2, "destination output plus change")
	assert.Equal(t, int64(4000), outputs[1]["amount"])
}

func TestLocalNative_RejectsEmptyEntries(t *testing.T) {
	b := NewLocalNative()
	_, err := b.Build(context.Background(), Request{})
	assert.Error(t, err)
}

func TestChain_FallsThroughOnFailure(t *testing.T) {
	chain := Chain{Builders: []Builder{
		NewManual(false), // not configured, falls through
		NewLocalNative(),
	}}

	req := Request{Entries: []policy.UtxoEntry{{Outpoint: policy.Outpoint{Txid: "a"}, AmountSompi: 1000}}}
	res, err := chain.Build(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ModeLocalNative, res.Mode)
}

func TestChain_NoBuildersConfigured(t *testing.T) {
	chain := Chain{}
	_, err := chain.Build(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestManual_PassthroughWhenEnabled(t *testing.T) {
	b := NewManual(true)
	req := Request{ChangeAddress: "kaspa:change"}
	res, err := b.Build(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ModeManual, res.Mode)
	assert.Equal(t, "kaspa:change", res.Raw["changeAddress"])
}
