package backup_test

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"go.mau.fi/olmcore/crypto"
	"go.mau.fi/olmcore/crypto/backup"
	gcrypto "go.mau.fi/olmcore/crypto/goolm/crypto"
	"go.mau.fi/olmcore/id"
)

func newTestAccount(t *testing.T) *crypto.Account {
	t.Helper()
	account, err := crypto.NewAccount("@alice:example.org", "AAAA", zerolog.Nop())
	require.NoError(t, err)
	return account
}

func TestRecoveryKeyRoundTrip(t *testing.T) {
	pair, err := gcrypto.GenerateCurve25519KeyPair()
	require.NoError(t, err)

	encoded := backup.EncodeRecoveryKey(pair.PrivateKey)
	require.NotEmpty(t, encoded)

	decoded, err := backup.DecodeRecoveryKey(encoded)
	require.NoError(t, err)
	require.Equal(t, pair.PrivateKey, decoded)

	derivedPublic, err := backup.PublicKeyFor(decoded)
	require.NoError(t, err)
	require.Equal(t, id.Curve25519(id.EncodeUnpadded(pair.PublicKey[:])), derivedPublic)
}

func TestDecodeRecoveryKeyRejectsTamperedParity(t *testing.T) {
	pair, err := gcrypto.GenerateCurve25519KeyPair()
	require.NoError(t, err)
	encoded := backup.EncodeRecoveryKey(pair.PrivateKey)

	_, err = backup.DecodeRecoveryKey(encoded[:len(encoded)-1] + "x")
	require.ErrorIs(t, err, backup.ErrInvalidRecoveryKey)
}

func TestBackupBatchAndRestoreRoundTrip(t *testing.T) {
	account := newTestAccount(t)
	inbound := crypto.NewInboundGroupStore()
	m := backup.NewMachine(account, inbound, zerolog.Nop())

	backupPair, err := gcrypto.GenerateCurve25519KeyPair()
	require.NoError(t, err)
	publicKey := id.Curve25519(id.EncodeUnpadded(backupPair.PublicKey[:]))
	require.NoError(t, m.EnableBackup(publicKey, "v1"))

	outbound, err := crypto.NewOutboundGroupSession("!room:example.org", crypto.DefaultEncryptionSettings())
	require.NoError(t, err)
	sk := outbound.ExportAtCurrentIndex()
	msg, err := outbound.Encrypt([]byte("hello room"))
	require.NoError(t, err)

	session, err := crypto.NewInboundGroupSessionFromRoomKey("!room:example.org", "sendercurve", "senderEd25519", sk)
	require.NoError(t, err)
	inbound.Save(session)

	req, err := m.Backup()
	require.NoError(t, err)
	require.NotNil(t, req)
	require.Equal(t, crypto.RequestTypeBackupUpload, req.Type)
	require.Len(t, req.BackupUpload.Rooms, 1)

	// Calling Backup again before the request is acked must be
	// idempotent: same request id, not a second batch.
	again, err := m.Backup()
	require.NoError(t, err)
	require.Equal(t, req.ID, again.ID)

	entry := req.BackupUpload.Rooms["!room:example.org"].Sessions[session.SessionID()]

	m.MarkRequestAsSent(req.ID)
	gotSession, ok := inbound.Get("!room:example.org", "sendercurve", session.SessionID())
	require.True(t, ok)
	require.True(t, gotSession.BackedUp)

	m.SetPrivateKey(backupPair.PrivateKey)
	restoredInbound := crypto.NewInboundGroupStore()
	restoreMachine := backup.NewMachine(account, restoredInbound, zerolog.Nop())
	restoreMachine.SetPrivateKey(backupPair.PrivateKey)

	restored, err := restoreMachine.DownloadAndImport("!room:example.org", session.SessionID(), entry)
	require.NoError(t, err)
	require.True(t, restored.BackedUp)

	event, err := restoredInbound.DecryptAndCheckReplay("!room:example.org", "sendercurve", session.SessionID(), msg)
	require.NoError(t, err)
	require.Equal(t, []byte("hello room"), event.Plaintext)
}

func TestVerifyBackupAcceptsOwnDeviceSignature(t *testing.T) {
	account := newTestAccount(t)

	authData := backup.MegolmAuthData{PublicKey: "somepublickey", Signatures: id.Signatures{}}
	sig, err := account.SignJSON(map[string]any{"public_key": string(authData.PublicKey)})
	require.NoError(t, err)
	authData.Signatures = id.Signatures{
		"@alice:example.org": {id.NewKeyID(id.KeyAlgorithmEd25519, "AAAA"): sig},
	}

	m := backup.NewMachine(account, crypto.NewInboundGroupStore(), zerolog.Nop())
	ok := m.VerifyBackup(authData, "AAAA", func(id.UserID, id.DeviceID) (id.Ed25519, bool) {
		return "", false
	})
	require.True(t, ok)
}

func TestVerifyBackupRejectsUnsignedAuthData(t *testing.T) {
	account := newTestAccount(t)

	authData := backup.MegolmAuthData{PublicKey: "somepublickey", Signatures: id.Signatures{}}
	m := backup.NewMachine(account, crypto.NewInboundGroupStore(), zerolog.Nop())
	ok := m.VerifyBackup(authData, "AAAA", func(id.UserID, id.DeviceID) (id.Ed25519, bool) {
		return "", false
	})
	require.False(t, ok)
}
