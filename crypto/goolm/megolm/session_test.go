package megolm_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"go.mau.fi/olmcore/crypto/goolm/megolm"
)

func TestOutboundInboundRoundTrip(t *testing.T) {
	outbound, err := megolm.NewOutboundSession()
	require.NoError(t, err)

	sessionKey := outbound.Export()
	inbound, err := megolm.ImportSessionKey(sessionKey)
	require.NoError(t, err)
	require.Equal(t, outbound.SessionID, inbound.SessionID)

	msg1, err := outbound.Encrypt([]byte("first"))
	require.NoError(t, err)
	pt1, err := inbound.Decrypt(msg1)
	require.NoError(t, err)
	require.Equal(t, []byte("first"), pt1)

	msg2, err := outbound.Encrypt([]byte("second"))
	require.NoError(t, err)
	pt2, err := inbound.Decrypt(msg2)
	require.NoError(t, err)
	require.Equal(t, []byte("second"), pt2)
}

func TestReplayDetection(t *testing.T) {
	outbound, err := megolm.NewOutboundSession()
	require.NoError(t, err)
	inbound, err := megolm.ImportSessionKey(outbound.Export())
	require.NoError(t, err)

	msg, err := outbound.Encrypt([]byte("only once"))
	require.NoError(t, err)

	pt, err := inbound.Decrypt(msg)
	require.NoError(t, err)
	require.Equal(t, []byte("only once"), pt)

	// Idempotent re-decryption of the exact same ciphertext succeeds.
	pt2, err := inbound.Decrypt(msg)
	require.NoError(t, err)
	require.Equal(t, pt, pt2)

	// A different ciphertext sharing the same index is a MAC failure
	// (caller-level replay tracking in crypto.InboundGroupStore handles
	// the "different ciphertext same index" case explicitly; at the
	// ratchet layer the tampered copy simply fails its MAC check).
	tampered := msg
	tampered.Ciphertext = append([]byte{}, msg.Ciphertext...)
	tampered.Ciphertext[0] ^= 0xFF
	_, err = inbound.Decrypt(tampered)
	require.ErrorIs(t, err, megolm.ErrMACMismatch)
}

func TestFirstKnownIndexBoundary(t *testing.T) {
	outbound, err := megolm.NewOutboundSession()
	require.NoError(t, err)
	_, err = outbound.Encrypt([]byte("msg0"))
	require.NoError(t, err)

	// Export after the second encrypt: the recipient only learns from
	// message index 2 onward, matching the key-sharing scheduler's rule
	// that rotations after membership changes ship a later index.
	msg1, err := outbound.Encrypt([]byte("msg1"))
	require.NoError(t, err)
	sessionKeyAt2 := outbound.Export()
	inbound, err := megolm.ImportSessionKey(sessionKeyAt2)
	require.NoError(t, err)
	require.EqualValues(t, 2, inbound.FirstKnownIndex)

	msg2, err := outbound.Encrypt([]byte("msg2"))
	require.NoError(t, err)
	pt, err := inbound.Decrypt(msg2)
	require.NoError(t, err)
	require.Equal(t, []byte("msg2"), pt)

	_, err = inbound.Decrypt(msg1)
	require.ErrorIs(t, err, megolm.ErrMessageTooOld)
}

func TestForwardedExportIsUnsigned(t *testing.T) {
	outbound, err := megolm.NewOutboundSession()
	require.NoError(t, err)
	inbound, err := megolm.ImportSessionKey(outbound.Export())
	require.NoError(t, err)

	exported, err := inbound.ExportAt(inbound.FirstKnownIndex)
	require.NoError(t, err)

	reimported, err := megolm.ImportExportedSessionKey(exported)
	require.NoError(t, err)
	require.Equal(t, inbound.SessionID, reimported.SessionID)
	require.Equal(t, inbound.FirstKnownIndex, reimported.FirstKnownIndex)
}
