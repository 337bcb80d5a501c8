package crypto_test

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"go.mau.fi/olmcore/crypto"
	"go.mau.fi/olmcore/id"
)

// establishOlmSession creates an Olm session from `from` to `to` using
// one of `to`'s one-time keys, and registers it on from's machine, the
// same way a real client would after a successful /keys/claim.
func establishOlmSession(t *testing.T, from, to *crypto.OlmMachine) *crypto.Session {
	t.Helper()
	_, err := to.Account.GenerateOneTimeKeys(1)
	require.NoError(t, err)
	otks, _ := to.Account.UnpublishedKeysForUpload()
	require.NotEmpty(t, otks)
	otk := otks[len(otks)-1]
	toCurve, _ := to.Account.IdentityKeys()
	otkPublic := id.Curve25519(id.EncodeUnpadded(otk.KeyPair.PublicKey[:]))

	session, err := from.Account.CreateOutboundSession(toCurve, otkPublic)
	require.NoError(t, err)
	from.Sessions.AddSession(session)
	return session
}

// sendRoomKeyOverOlm builds and encrypts an m.room_key to-device payload
// from `from` to `to` over an already-established Olm session, then
// delivers it through `to`'s ReceiveSyncChanges, exactly as a real sync
// loop would.
func sendRoomKeyOverOlm(t *testing.T, from, to *crypto.OlmMachine, session *crypto.Session, room id.RoomID, sessionKey string) []crypto.DecryptedToDeviceResult {
	t.Helper()
	_, toEd25519 := to.Account.IdentityKeys()
	return deliverOlmPayload(t, from, to, session, map[string]any{
		"type":      "m.room_key",
		"sender":    string(from.UserID),
		"recipient": string(to.UserID),
		"recipient_keys": map[string]any{
			"ed25519": string(toEd25519),
		},
		"room_id":     string(room),
		"session_key": sessionKey,
		"algorithm":   string(id.AlgorithmMegolmV1),
	})
}

// deliverOlmPayload encrypts an arbitrary to-device payload from `from`
// to `to` over an already-established Olm session and delivers it
// through `to`'s ReceiveSyncChanges, exactly as a real sync loop would.
// Exposed directly (rather than only through sendRoomKeyOverOlm) so
// tests can exercise the identity checks with a deliberately malformed
// payload.
func deliverOlmPayload(t *testing.T, from, to *crypto.OlmMachine, session *crypto.Session, payload map[string]any) []crypto.DecryptedToDeviceResult {
	t.Helper()
	fromCurve, _ := from.Account.IdentityKeys()
	toCurve, _ := to.Account.IdentityKeys()

	plaintext, err := crypto.CanonicalJSON(payload)
	require.NoError(t, err)

	result, err := session.Encrypt(plaintext)
	require.NoError(t, err)
	body, err := crypto.EncodeOlmMessage(result)
	require.NoError(t, err)

	ev := crypto.ToDeviceEvent{
		Sender: from.UserID,
		Type:   "m.room.encrypted",
		Content: map[string]any{
			"algorithm":  string(id.AlgorithmOlmV1),
			"sender_key": string(fromCurve),
			"ciphertext": map[string]any{
				string(toCurve): map[string]any{
					"type": float64(result.Type),
					"body": body,
				},
			},
		},
	}
	return to.ReceiveSyncChanges(crypto.SyncChanges{ToDeviceEvents: []crypto.ToDeviceEvent{ev}})
}

func TestRoomKeySharedOverOlmThenRoomEventRoundTrip(t *testing.T) {
	const room id.RoomID = "!room:example.org"

	alice := crypto.NewOlmMachine(mustAccount(t, "@alice:example.org", "AAAA"), zerolog.Nop())
	bob := crypto.NewOlmMachine(mustAccount(t, "@bob:example.org", "BBBB"), zerolog.Nop())

	session := establishOlmSession(t, alice, bob)

	outbound, err := alice.GetOrCreateOutboundSession(room, crypto.DefaultEncryptionSettings())
	require.NoError(t, err)
	outbound.Shared = true
	sessionKey, err := crypto.EncodeSessionKey(outbound.ExportAtCurrentIndex())
	require.NoError(t, err)

	results := sendRoomKeyOverOlm(t, alice, bob, session, room, sessionKey)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)

	content, err := alice.EncryptRoomEvent(room, map[string]any{"msgtype": "m.text", "body": "hello room"})
	require.NoError(t, err)
	require.Equal(t, string(id.AlgorithmMegolmV1), content["algorithm"])

	aliceCurve, _ := alice.Account.IdentityKeys()
	event, err := bob.DecryptRoomEvent(room, aliceCurve, id.SessionID(content["session_id"].(string)), content["ciphertext"].(string))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(event.Plaintext, &decoded))
	require.Equal(t, "hello room", decoded["body"])
}

func TestEncryptRoomEventFailsIfNeverShared(t *testing.T) {
	const room id.RoomID = "!room:example.org"
	alice := crypto.NewOlmMachine(mustAccount(t, "@alice:example.org", "AAAA"), zerolog.Nop())

	_, err := alice.GetOrCreateOutboundSession(room, crypto.DefaultEncryptionSettings())
	require.NoError(t, err)

	_, err = alice.EncryptRoomEvent(room, map[string]any{"body": "hi"})
	require.ErrorIs(t, err, crypto.ErrSessionNotShared)
}

func TestDecryptRoomEventRejectsRoomMismatch(t *testing.T) {
	const realRoom id.RoomID = "!real:example.org"
	const claimedRoom id.RoomID = "!claimed:example.org"

	alice := crypto.NewOlmMachine(mustAccount(t, "@alice:example.org", "AAAA"), zerolog.Nop())
	bob := crypto.NewOlmMachine(mustAccount(t, "@bob:example.org", "BBBB"), zerolog.Nop())
	session := establishOlmSession(t, alice, bob)

	outbound, err := alice.GetOrCreateOutboundSession(realRoom, crypto.DefaultEncryptionSettings())
	require.NoError(t, err)
	outbound.Shared = true
	sessionKey, err := crypto.EncodeSessionKey(outbound.ExportAtCurrentIndex())
	require.NoError(t, err)

	results := sendRoomKeyOverOlm(t, alice, bob, session, realRoom, sessionKey)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)

	content, err := alice.EncryptRoomEvent(realRoom, map[string]any{"body": "hi"})
	require.NoError(t, err)

	aliceCurve, _ := alice.Account.IdentityKeys()
	_, err = bob.DecryptRoomEvent(claimedRoom, aliceCurve, id.SessionID(content["session_id"].(string)), content["ciphertext"].(string))
	require.ErrorIs(t, err, crypto.ErrRoomMismatch)
}

func TestReceiveSyncChangesRejectsMismatchedRecipientKey(t *testing.T) {
	const room id.RoomID = "!room:example.org"

	alice := crypto.NewOlmMachine(mustAccount(t, "@alice:example.org", "AAAA"), zerolog.Nop())
	bob := crypto.NewOlmMachine(mustAccount(t, "@bob:example.org", "BBBB"), zerolog.Nop())
	session := establishOlmSession(t, alice, bob)

	outbound, err := alice.GetOrCreateOutboundSession(room, crypto.DefaultEncryptionSettings())
	require.NoError(t, err)
	outbound.Shared = true
	sessionKey, err := crypto.EncodeSessionKey(outbound.ExportAtCurrentIndex())
	require.NoError(t, err)

	// The envelope is correctly addressed to bob's user id, but the
	// payload's recipient_keys.ed25519 names some other device of his —
	// not the one running this OlmMachine. That must be rejected even
	// though sender/recipient match.
	results := deliverOlmPayload(t, alice, bob, session, map[string]any{
		"type":      "m.room_key",
		"sender":    string(alice.UserID),
		"recipient": string(bob.UserID),
		"recipient_keys": map[string]any{
			"ed25519": "some-other-device-of-bobs",
		},
		"room_id":     string(room),
		"session_key": sessionKey,
		"algorithm":   string(id.AlgorithmMegolmV1),
	})
	require.Len(t, results, 1)
	require.ErrorIs(t, results[0].Err, crypto.ErrMismatchedIdentity)
}

func TestOutgoingRequestsEmitsKeysUploadThenMarkRequestAsSentClearsIt(t *testing.T) {
	alice := crypto.NewOlmMachine(mustAccount(t, "@alice:example.org", "AAAA"), zerolog.Nop())
	require.True(t, alice.Account.HasUnpublishedKeys())

	reqs := alice.OutgoingRequests()
	var uploadID string
	for _, r := range reqs {
		if r.Type == crypto.RequestTypeKeysUpload {
			uploadID = r.ID
		}
	}
	require.NotEmpty(t, uploadID)

	alice.MarkRequestAsSent(uploadID)
	require.False(t, alice.Account.HasUnpublishedKeys())

	// A second call with no new unpublished keys shouldn't re-offer one.
	reqs2 := alice.OutgoingRequests()
	for _, r := range reqs2 {
		require.NotEqual(t, crypto.RequestTypeKeysUpload, r.Type)
	}
}

func TestOutgoingRequestsEmitsKeysQueryForDirtyTrackedUsersOnce(t *testing.T) {
	alice := crypto.NewOlmMachine(mustAccount(t, "@alice:example.org", "AAAA"), zerolog.Nop())
	alice.MarkRequestAsSent(firstRequestIDOfType(alice, crypto.RequestTypeKeysUpload))

	alice.TrackUser("@bob:example.org")
	reqs := alice.OutgoingRequests()

	var queryID string
	for _, r := range reqs {
		if r.Type == crypto.RequestTypeKeysQuery {
			queryID = r.ID
			require.Equal(t, []id.UserID{"@bob:example.org"}, r.KeysQuery.Users)
		}
	}
	require.NotEmpty(t, queryID)

	alice.MarkRequestAsSent(queryID)
	for _, r := range alice.OutgoingRequests() {
		require.NotEqual(t, crypto.RequestTypeKeysQuery, r.Type)
	}
}

func firstRequestIDOfType(m *crypto.OlmMachine, t crypto.RequestType) string {
	for _, r := range m.OutgoingRequests() {
		if r.Type == t {
			return r.ID
		}
	}
	return ""
}
