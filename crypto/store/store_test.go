package store_test

import (
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"go.mau.fi/olmcore/crypto/store"
	"go.mau.fi/olmcore/id"
)

func openTestStore(t *testing.T) *store.SQLCryptoStore {
	t.Helper()
	s, err := store.Open("sqlite3", "file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAccountRoundTrip(t *testing.T) {
	s := openTestStore(t)

	account, err := s.LoadAccount()
	require.NoError(t, err)
	require.Nil(t, account)

	row := store.AccountRow{UserID: "@alice:example.org", DeviceID: "AAAA", Pickle: []byte("pickled"), Shared: false}
	require.NoError(t, s.SaveAccount(row))

	loaded, err := s.LoadAccount()
	require.NoError(t, err)
	require.Equal(t, row, *loaded)

	row.Shared = true
	require.NoError(t, s.SaveAccount(row))
	loaded, err = s.LoadAccount()
	require.NoError(t, err)
	require.True(t, loaded.Shared)
}

func TestSessionsOrderedByLastUsedDescending(t *testing.T) {
	s := openTestStore(t)
	senderKey := id.Curve25519("sender1")

	older := store.SessionRow{ID: "session-old", SenderKey: senderKey, CreatedAt: time.Now(), LastUsed: time.Now().Add(-time.Hour), Pickle: []byte("old")}
	newer := store.SessionRow{ID: "session-new", SenderKey: senderKey, CreatedAt: time.Now(), LastUsed: time.Now(), Pickle: []byte("new")}
	require.NoError(t, s.SaveSessions([]store.SessionRow{older, newer}))

	sessions, err := s.GetSessions(senderKey)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	require.Equal(t, id.SessionID("session-new"), sessions[0].ID)
	require.Equal(t, id.SessionID("session-old"), sessions[1].ID)
}

func TestInboundGroupSessionMergeKeepsLowerIndexAndAndsFlags(t *testing.T) {
	s := openTestStore(t)
	room, senderKey, sessionID := id.RoomID("!room:example.org"), id.Curve25519("sender1"), id.SessionID("session1")

	first := store.InboundGroupSessionRow{
		RoomID: room, SenderKey: senderKey, SessionID: sessionID,
		FirstKnownIndex: 10, Imported: true, BackedUp: true, Pickle: []byte("at-10"),
	}
	require.NoError(t, s.SaveInboundGroupSession(first))

	second := store.InboundGroupSessionRow{
		RoomID: room, SenderKey: senderKey, SessionID: sessionID,
		FirstKnownIndex: 3, Imported: true, BackedUp: false, Pickle: []byte("at-3"),
	}
	require.NoError(t, s.SaveInboundGroupSession(second))

	merged, err := s.GetInboundGroupSession(room, senderKey, sessionID)
	require.NoError(t, err)
	require.EqualValues(t, 3, merged.FirstKnownIndex)
	require.Equal(t, []byte("at-3"), merged.Pickle)
	require.False(t, merged.BackedUp, "backed_up must be ANDed, and the new row un-marks it")

	total, backedUp, err := s.InboundGroupSessionCounts()
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, 0, backedUp)
}

func TestInboundGroupSessionsForBackupAndMarking(t *testing.T) {
	s := openTestStore(t)
	row := store.InboundGroupSessionRow{
		RoomID: "!room:example.org", SenderKey: "sender1", SessionID: "session1",
		FirstKnownIndex: 0, Pickle: []byte("data"),
	}
	require.NoError(t, s.SaveInboundGroupSession(row))

	pending, err := s.InboundGroupSessionsForBackup(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, s.MarkInboundGroupSessionsBackedUp([]id.SessionID{"session1"}, "backup-version-1"))

	pending, err = s.InboundGroupSessionsForBackup(10)
	require.NoError(t, err)
	require.Empty(t, pending)

	require.NoError(t, s.ResetBackupState())
	pending, err = s.InboundGroupSessionsForBackup(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestSaveChangesAppliesEveryField(t *testing.T) {
	s := openTestStore(t)
	changes := store.Changes{
		Account: &store.AccountRow{UserID: "@alice:example.org", DeviceID: "AAAA", Pickle: []byte("p")},
		Sessions: []store.SessionRow{
			{ID: "session1", SenderKey: "sender1", Pickle: []byte("p")},
		},
		Devices: []store.DeviceRow{
			{UserID: "@bob:example.org", DeviceID: "BBBB", Curve25519: "curve", Ed25519: "ed"},
		},
		TrackedUsers: []store.TrackedUserRow{{UserID: "@bob:example.org", Dirty: true}},
	}
	require.NoError(t, s.SaveChanges(changes))

	account, err := s.LoadAccount()
	require.NoError(t, err)
	require.NotNil(t, account)

	sessions, err := s.GetSessions("sender1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	device, err := s.GetDevice("@bob:example.org", "BBBB")
	require.NoError(t, err)
	require.NotNil(t, device)

	users, err := s.TrackedUsers()
	require.NoError(t, err)
	require.Contains(t, users, id.UserID("@bob:example.org"))
}

func TestDeviceUpsertAndUserDevices(t *testing.T) {
	s := openTestStore(t)
	device := store.DeviceRow{
		UserID: "@bob:example.org", DeviceID: "BBBB", Curve25519: "curve", Ed25519: "ed",
		Algorithms: []id.Algorithm{"m.olm.v1.curve25519-aes-sha2"}, DisplayName: "Bob's phone",
	}
	require.NoError(t, s.SaveDevices([]store.DeviceRow{device}))

	loaded, err := s.GetDevice("@bob:example.org", "BBBB")
	require.NoError(t, err)
	require.Equal(t, device.DisplayName, loaded.DisplayName)

	device.DisplayName = "Bob's laptop"
	require.NoError(t, s.SaveDevices([]store.DeviceRow{device}))

	devices, err := s.GetUserDevices("@bob:example.org")
	require.NoError(t, err)
	require.Len(t, devices, 1)
	require.Equal(t, "Bob's laptop", devices[0].DisplayName)
}

func TestBackupKeysRoundTrip(t *testing.T) {
	s := openTestStore(t)
	keys, err := s.LoadBackupKeys()
	require.NoError(t, err)
	require.Nil(t, keys)

	require.NoError(t, s.SaveBackupKeys(store.BackupKeys{RecoveryKeyPickle: []byte("recovery"), BackupVersion: "v1"}))
	loaded, err := s.LoadBackupKeys()
	require.NoError(t, err)
	require.Equal(t, "v1", loaded.BackupVersion)
}

func TestLeasedLockExclusionAndExpiry(t *testing.T) {
	s := openTestStore(t)

	acquired, err := s.TryTakeLeasedLock("sync", "process-a", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, acquired)

	acquired, err = s.TryTakeLeasedLock("sync", "process-b", 50*time.Millisecond)
	require.NoError(t, err)
	require.False(t, acquired, "a live lease must block a different holder")

	acquired, err = s.TryTakeLeasedLock("sync", "process-a", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, acquired, "the same holder may renew its own lease")

	time.Sleep(60 * time.Millisecond)
	acquired, err = s.TryTakeLeasedLock("sync", "process-b", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, acquired, "an expired lease must be takeable by anyone")
}

func TestCustomValueRoundTrip(t *testing.T) {
	s := openTestStore(t)

	_, ok, err := s.GetCustomValue([]byte("missing"))
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.SetCustomValue([]byte("key1"), []byte("value1")))
	value, ok, err := s.GetCustomValue([]byte("key1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("value1"), value)
}
