// Package store implements the crypto store contract (spec §4.2): atomic,
// crash-safe storage for everything the orchestrator layer in crypto
// needs persisted between process runs, plus the secondary indexes the
// backup and key-sharing flows depend on. Every pickled blob here is
// opaque bytes produced by the crypto package's own Pickle methods —
// this package never interprets ratchet state, matching the "ratchet
// primitive is a black box" rule from §4.1.
package store

import (
	"errors"
	"time"

	"go.mau.fi/olmcore/id"
)

// ErrNotFound is a backend-neutral "no such row" sentinel. SQLCryptoStore
// does not return it: its single-row lookups (LoadAccount,
// GetInboundGroupSession, GetDevice, LoadBackupKeys) report a missing
// row as a nil result with a nil error.
var ErrNotFound = errors.New("store: not found")

// ErrUnsupportedSchemaDowngrade is returned when a database's recorded
// schema version is newer than this build knows how to read; per §6,
// downgrade is never supported.
var ErrUnsupportedSchemaDowngrade = errors.New("store: database schema is newer than this build supports")

// AccountRow is the single persisted Olm account for this device.
type AccountRow struct {
	UserID   id.UserID
	DeviceID id.DeviceID
	Pickle   []byte
	Shared   bool
}

// SessionRow is one persisted Olm session.
type SessionRow struct {
	ID                      id.SessionID
	SenderKey               id.Curve25519
	CreatedAt               time.Time
	LastUsed                time.Time
	CreatedUsingFallbackKey bool
	Pickle                  []byte
}

// InboundGroupSessionRow is one persisted Megolm inbound session.
type InboundGroupSessionRow struct {
	RoomID          id.RoomID
	SenderKey       id.Curve25519
	SessionID       id.SessionID
	ClaimedEd25519  id.Ed25519
	ForwardingChain []id.Curve25519
	FirstKnownIndex uint32
	Imported        bool
	BackedUp        bool
	Pickle          []byte
}

// DeviceRow is one persisted device record.
type DeviceRow struct {
	UserID            id.UserID
	DeviceID          id.DeviceID
	Curve25519        id.Curve25519
	Ed25519           id.Ed25519
	Algorithms        []id.Algorithm
	Signatures        id.Signatures
	DisplayName       string
	Trust             int
	CrossSigningTrust int
}

// TrackedUserRow records whether a user's device list is known-stale.
type TrackedUserRow struct {
	UserID id.UserID
	Dirty  bool
}

// BackupKeys is the locally-held backup secret material: the decrypted
// recovery key (itself pickled under the account's own scheme by the
// caller before it ever reaches this package) and the server-assigned
// backup version it was fetched for.
type BackupKeys struct {
	RecoveryKeyPickle []byte
	BackupVersion     string
}

// Changes is a single batched, all-or-nothing update spanning several
// tables, matching save_changes from spec.md §4.2: every non-nil/non-empty
// field is applied inside the same transaction, or none are.
type Changes struct {
	Account              *AccountRow
	Sessions             []SessionRow
	InboundGroupSessions []InboundGroupSessionRow
	Devices              []DeviceRow
	TrackedUsers         []TrackedUserRow
	BackupKeys           *BackupKeys
}

// Store is the crypto store contract (§4.2). Every operation that can
// fail wraps the backend error; per §4.2's failure semantics, callers
// never continue past a mutation that returned an error.
type Store interface {
	LoadAccount() (*AccountRow, error)
	SaveAccount(AccountRow) error

	// GetSessions returns the sessions for senderKey in
	// last-use-descending order, per §4.2.
	SaveSessions(sessions []SessionRow) error
	GetSessions(senderKey id.Curve25519) ([]SessionRow, error)

	// SaveInboundGroupSession applies the merge-on-conflict rule from
	// §4.2: the existing row is kept only if its first_known_index is
	// lower; backed_up/imported are ANDed between whichever row is kept
	// and the incoming one, same as crypto.InboundGroupStore.Save.
	SaveInboundGroupSession(InboundGroupSessionRow) error
	GetInboundGroupSession(room id.RoomID, senderKey id.Curve25519, sessionID id.SessionID) (*InboundGroupSessionRow, error)
	InboundGroupSessionsForBackup(limit int) ([]InboundGroupSessionRow, error)
	MarkInboundGroupSessionsBackedUp(sessionIDs []id.SessionID, backupVersion string) error
	ResetBackupState() error
	InboundGroupSessionCounts() (total, backedUp int, err error)

	SaveChanges(Changes) error

	TrackedUsers() ([]id.UserID, error)
	UpdateTrackedUsers(add []id.UserID, dirty bool) error

	GetDevice(user id.UserID, device id.DeviceID) (*DeviceRow, error)
	GetUserDevices(user id.UserID) ([]DeviceRow, error)
	SaveDevices([]DeviceRow) error

	LoadBackupKeys() (*BackupKeys, error)
	SaveBackupKeys(BackupKeys) error

	// TryTakeLeasedLock implements the multi-process coordination
	// primitive from §4.2: it succeeds if no other holder currently owns
	// key, or the previous lease has expired, or holder already owns it
	// (lease renewal).
	TryTakeLeasedLock(key, holder string, lease time.Duration) (bool, error)

	SetCustomValue(key, value []byte) error
	GetCustomValue(key []byte) ([]byte, bool, error)
}
