package olm_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"go.mau.fi/olmcore/crypto/goolm/olm"
)

func TestSessionEstablishmentAndFirstMessage(t *testing.T) {
	alice, err := olm.NewAccount()
	require.NoError(t, err)
	bob, err := olm.NewAccount()
	require.NoError(t, err)

	otks, err := bob.GenerateOneTimeKeys(1)
	require.NoError(t, err)
	bobOTK := otks[0]

	aliceSession, err := alice.CreateOutboundSession(bob.IdentityKeys.PublicKey, bobOTK.KeyPair.PublicKey)
	require.NoError(t, err)

	plaintext := []byte("hello bob")
	preKey, err := aliceSession.EncryptPreKey(bobOTK.KeyPair.PublicKey, plaintext)
	require.NoError(t, err)
	require.Equal(t, alice.IdentityKeys.PublicKey, preKey.IdentityKey)

	bobSession, decrypted, err := bob.CreateInboundSession(preKey)
	require.NoError(t, err)
	require.Equal(t, plaintext, decrypted)
	require.Equal(t, aliceSession.SessionID, bobSession.SessionID)
}

func TestRoundTripBothDirections(t *testing.T) {
	alice, err := olm.NewAccount()
	require.NoError(t, err)
	bob, err := olm.NewAccount()
	require.NoError(t, err)

	otks, err := bob.GenerateOneTimeKeys(1)
	require.NoError(t, err)

	aliceSession, err := alice.CreateOutboundSession(bob.IdentityKeys.PublicKey, otks[0].KeyPair.PublicKey)
	require.NoError(t, err)

	preKey, err := aliceSession.EncryptPreKey(otks[0].KeyPair.PublicKey, []byte("first message"))
	require.NoError(t, err)

	bobSession, _, err := bob.CreateInboundSession(preKey)
	require.NoError(t, err)

	// Bob replies.
	reply, err := bobSession.Encrypt([]byte("hi alice"))
	require.NoError(t, err)
	plaintext, err := aliceSession.Decrypt(reply)
	require.NoError(t, err)
	require.Equal(t, []byte("hi alice"), plaintext)

	// Alice replies again, now on a normal (non-pre-key) message.
	msg2, err := aliceSession.Encrypt([]byte("nice to hear from you"))
	require.NoError(t, err)
	plaintext2, err := bobSession.Decrypt(msg2)
	require.NoError(t, err)
	require.Equal(t, []byte("nice to hear from you"), plaintext2)

	// And several more messages in a row on the same chain.
	for i := 0; i < 3; i++ {
		msg, err := bobSession.Encrypt([]byte("chatter"))
		require.NoError(t, err)
		pt, err := aliceSession.Decrypt(msg)
		require.NoError(t, err)
		require.Equal(t, []byte("chatter"), pt)
	}
}

func TestSamePreKeyReusesSession(t *testing.T) {
	alice, err := olm.NewAccount()
	require.NoError(t, err)
	bob, err := olm.NewAccount()
	require.NoError(t, err)
	otks, err := bob.GenerateOneTimeKeys(1)
	require.NoError(t, err)

	aliceSession, err := alice.CreateOutboundSession(bob.IdentityKeys.PublicKey, otks[0].KeyPair.PublicKey)
	require.NoError(t, err)
	preKey, err := aliceSession.EncryptPreKey(otks[0].KeyPair.PublicKey, []byte("msg1"))
	require.NoError(t, err)

	// Simulate a duplicate delivery of the same pre-key message against
	// an existing inbound session rather than creating a brand new one.
	bobSession, _, err := bob.CreateInboundSession(preKey)
	require.NoError(t, err)
	require.True(t, bobSession.MatchesInboundSessionFrom(alice.IdentityKeys.PublicKey, preKey))
}

func TestMACMismatchRejected(t *testing.T) {
	alice, err := olm.NewAccount()
	require.NoError(t, err)
	bob, err := olm.NewAccount()
	require.NoError(t, err)
	otks, err := bob.GenerateOneTimeKeys(1)
	require.NoError(t, err)

	aliceSession, err := alice.CreateOutboundSession(bob.IdentityKeys.PublicKey, otks[0].KeyPair.PublicKey)
	require.NoError(t, err)
	preKey, err := aliceSession.EncryptPreKey(otks[0].KeyPair.PublicKey, []byte("msg1"))
	require.NoError(t, err)
	preKey.Message.Ciphertext[0] ^= 0xFF

	_, _, err = bob.CreateInboundSession(preKey)
	require.ErrorIs(t, err, olm.ErrMACMismatch)
}

func TestPickleRoundTrip(t *testing.T) {
	alice, err := olm.NewAccount()
	require.NoError(t, err)
	bob, err := olm.NewAccount()
	require.NoError(t, err)
	otks, err := bob.GenerateOneTimeKeys(1)
	require.NoError(t, err)

	aliceSession, err := alice.CreateOutboundSession(bob.IdentityKeys.PublicKey, otks[0].KeyPair.PublicKey)
	require.NoError(t, err)

	pickleKey := bytes.Repeat([]byte{0x42}, 32)
	sealed, err := aliceSession.Pickle(pickleKey)
	require.NoError(t, err)

	restored, err := olm.Unpickle(pickleKey, sealed)
	require.NoError(t, err)
	require.Equal(t, aliceSession.SessionID, restored.SessionID)

	preKey, err := restored.EncryptPreKey(otks[0].KeyPair.PublicKey, []byte("after restore"))
	require.NoError(t, err)
	_, plaintext, err := bob.CreateInboundSession(preKey)
	require.NoError(t, err)
	require.Equal(t, []byte("after restore"), plaintext)
}
