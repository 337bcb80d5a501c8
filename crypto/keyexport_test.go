package crypto_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"go.mau.fi/olmcore/crypto"
)

func newTestInboundSession(t *testing.T, roomID string) *crypto.InboundGroupSession {
	t.Helper()
	outbound, err := crypto.NewOutboundGroupSession(roomID, crypto.DefaultEncryptionSettings())
	require.NoError(t, err)
	sk := outbound.ExportAtCurrentIndex()
	inbound, err := crypto.NewInboundGroupSessionFromRoomKey(roomID, "senderkey", "senderedkey", sk)
	require.NoError(t, err)
	return inbound
}

func TestEncryptKeyExportRoundTrip(t *testing.T) {
	a := newTestInboundSession(t, "!room-a:example.org")
	b := newTestInboundSession(t, "!room-b:example.org")

	entries, err := crypto.ExportRoomKeysEntries([]*crypto.InboundGroupSession{a, b})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	armoured, err := crypto.EncryptKeyExport(entries, "correct horse battery staple")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(armoured, "-----BEGIN MEGOLM SESSION DATA-----"))
	require.True(t, strings.HasSuffix(armoured, "-----END MEGOLM SESSION DATA-----"))

	decoded, err := crypto.DecryptKeyExport(armoured, "correct horse battery staple")
	require.NoError(t, err)
	require.Len(t, decoded, 2)

	sessions, err := crypto.ImportRoomKeysEntries(decoded)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	for _, s := range sessions {
		require.True(t, s.Imported)
	}
}

func TestDecryptKeyExportWrongPassphraseFails(t *testing.T) {
	a := newTestInboundSession(t, "!room:example.org")
	entries, err := crypto.ExportRoomKeysEntries([]*crypto.InboundGroupSession{a})
	require.NoError(t, err)

	armoured, err := crypto.EncryptKeyExport(entries, "right passphrase")
	require.NoError(t, err)

	_, err = crypto.DecryptKeyExport(armoured, "wrong passphrase")
	require.ErrorIs(t, err, crypto.ErrKeyExportBadMAC)
}

func TestDecryptKeyExportRejectsMalformedArmour(t *testing.T) {
	_, err := crypto.DecryptKeyExport("not an export at all", "whatever")
	require.ErrorIs(t, err, crypto.ErrKeyExportBadHeader)
}

func TestImportRoomKeysEntriesRoundTripsSessionID(t *testing.T) {
	original := newTestInboundSession(t, "!room:example.org")
	entries, err := crypto.ExportRoomKeysEntries([]*crypto.InboundGroupSession{original})
	require.NoError(t, err)

	imported, err := crypto.ImportRoomKeysEntries(entries)
	require.NoError(t, err)
	require.Len(t, imported, 1)
	require.Equal(t, original.SessionID(), imported[0].SessionID())
}
