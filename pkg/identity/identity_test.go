package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	ident, err := Generate()
	require.NoError(t, err)

	payload := []byte("agreement digest")
	sig := ident.Sign(payload)

	require.NoError(t, Verify(ident.NodeID(), payload, sig))
}

func TestVerifyRejectsTampering(t *testing.T) {
	ident, err := Generate()
	require.NoError(t, err)
	other, err := Generate()
	require.NoError(t, err)

	payload := []byte("agreement digest")
	sig := ident.Sign(payload)

	// Altered payload.
	assert.Error(t, Verify(ident.NodeID(), []byte("other digest"), sig))

	// Signature from a different key presented under our id.
	assert.Error(t, Verify(ident.NodeID(), payload, other.Sign(payload)))

	// Valid signature claimed for the wrong node.
	assert.Error(t, Verify(other.NodeID(), payload, sig))

	// Truncated public key.
	bad := sig
	bad.PublicKey = bad.PublicKey[:16]
	assert.Error(t, Verify(ident.NodeID(), payload, bad))
}

func TestNodeIDIsStable(t *testing.T) {
	ident, err := Generate()
	require.NoError(t, err)

	assert.Equal(t, ident.NodeID(), NodeIDFromPub(ident.PublicKey()))
}

func TestLoadPersistsKeypair(t *testing.T) {
	dir := t.TempDir()

	first, err := Load(dir)
	require.NoError(t, err)

	second, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, first.NodeID(), second.NodeID())

	fresh, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.NotEqual(t, first.NodeID(), fresh.NodeID())
}
