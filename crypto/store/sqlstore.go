package store

import (
	"database/sql"
	"time"

	"go.mau.fi/olmcore/id"
)

// SQLCryptoStore is the database/sql-backed Store, usable against either
// Postgres (github.com/lib/pq) or SQLite (github.com/mattn/go-sqlite3) —
// both drivers accept the same "$1"-style positional placeholders used
// throughout schema.go, so no dialect branching is needed in the query
// layer itself.
type SQLCryptoStore struct {
	db *sql.DB
}

// Open opens (or creates) a crypto store at databaseURL using the named
// driver ("postgres" or "sqlite3"), running schema migrations before
// returning. driverName must already be registered via the matching
// driver package's blank import in the caller.
func Open(driverName, databaseURL string) (*SQLCryptoStore, error) {
	db, err := sql.Open(driverName, databaseURL)
	if err != nil {
		return nil, err
	}
	if driverName == "sqlite3" {
		// The same "database is locked" footgun go-neb works around:
		// SQLite only tolerates one writer connection at a time.
		db.SetMaxOpenConns(1)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLCryptoStore{db: db}, nil
}

func (s *SQLCryptoStore) Close() error {
	return s.db.Close()
}

func runTransaction(db *sql.DB, fn func(txn *sql.Tx) error) (err error) {
	txn, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			txn.Rollback()
			panic(r)
		} else if err != nil {
			txn.Rollback()
		} else {
			err = txn.Commit()
		}
	}()
	err = fn(txn)
	return
}

func (s *SQLCryptoStore) LoadAccount() (account *AccountRow, err error) {
	err = runTransaction(s.db, func(txn *sql.Tx) error {
		account, err = selectAccountTxn(txn)
		return err
	})
	return
}

func (s *SQLCryptoStore) SaveAccount(row AccountRow) error {
	return runTransaction(s.db, func(txn *sql.Tx) error {
		return saveAccountTxn(txn, row)
	})
}

func (s *SQLCryptoStore) SaveSessions(sessions []SessionRow) error {
	return runTransaction(s.db, func(txn *sql.Tx) error {
		for _, row := range sessions {
			if err := saveSessionTxn(txn, row); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLCryptoStore) GetSessions(senderKey id.Curve25519) (sessions []SessionRow, err error) {
	err = runTransaction(s.db, func(txn *sql.Tx) error {
		sessions, err = selectSessionsTxn(txn, senderKey)
		return err
	})
	return
}

func (s *SQLCryptoStore) SaveInboundGroupSession(row InboundGroupSessionRow) error {
	return runTransaction(s.db, func(txn *sql.Tx) error {
		return saveInboundGroupSessionTxn(txn, row)
	})
}

func (s *SQLCryptoStore) GetInboundGroupSession(room id.RoomID, senderKey id.Curve25519, sessionID id.SessionID) (row *InboundGroupSessionRow, err error) {
	err = runTransaction(s.db, func(txn *sql.Tx) error {
		row, err = selectInboundGroupSessionTxn(txn, room, senderKey, sessionID)
		return err
	})
	return
}

func (s *SQLCryptoStore) InboundGroupSessionsForBackup(limit int) (rows []InboundGroupSessionRow, err error) {
	err = runTransaction(s.db, func(txn *sql.Tx) error {
		rows, err = selectInboundGroupSessionsForBackupTxn(txn, limit)
		return err
	})
	return
}

func (s *SQLCryptoStore) MarkInboundGroupSessionsBackedUp(sessionIDs []id.SessionID, backupVersion string) error {
	return runTransaction(s.db, func(txn *sql.Tx) error {
		return markInboundGroupSessionsBackedUpTxn(txn, sessionIDs, backupVersion)
	})
}

func (s *SQLCryptoStore) ResetBackupState() error {
	return runTransaction(s.db, func(txn *sql.Tx) error {
		return resetBackupStateTxn(txn)
	})
}

func (s *SQLCryptoStore) InboundGroupSessionCounts() (total, backedUp int, err error) {
	err = runTransaction(s.db, func(txn *sql.Tx) error {
		total, backedUp, err = inboundGroupSessionCountsTxn(txn)
		return err
	})
	return
}

// SaveChanges applies every non-empty field of c inside a single
// transaction, matching save_changes's all-or-nothing contract (§4.2).
func (s *SQLCryptoStore) SaveChanges(c Changes) error {
	return runTransaction(s.db, func(txn *sql.Tx) error {
		if c.Account != nil {
			if err := saveAccountTxn(txn, *c.Account); err != nil {
				return err
			}
		}
		for _, row := range c.Sessions {
			if err := saveSessionTxn(txn, row); err != nil {
				return err
			}
		}
		for _, row := range c.InboundGroupSessions {
			if err := saveInboundGroupSessionTxn(txn, row); err != nil {
				return err
			}
		}
		for _, row := range c.Devices {
			if err := saveDeviceTxn(txn, row); err != nil {
				return err
			}
		}
		for _, row := range c.TrackedUsers {
			if err := updateTrackedUsersTxn(txn, []id.UserID{row.UserID}, row.Dirty); err != nil {
				return err
			}
		}
		if c.BackupKeys != nil {
			if err := saveBackupKeysTxn(txn, *c.BackupKeys); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLCryptoStore) TrackedUsers() (users []id.UserID, err error) {
	err = runTransaction(s.db, func(txn *sql.Tx) error {
		users, err = selectTrackedUsersTxn(txn)
		return err
	})
	return
}

func (s *SQLCryptoStore) UpdateTrackedUsers(add []id.UserID, dirty bool) error {
	return runTransaction(s.db, func(txn *sql.Tx) error {
		return updateTrackedUsersTxn(txn, add, dirty)
	})
}

func (s *SQLCryptoStore) GetDevice(user id.UserID, device id.DeviceID) (row *DeviceRow, err error) {
	err = runTransaction(s.db, func(txn *sql.Tx) error {
		row, err = selectDeviceTxn(txn, user, device)
		return err
	})
	return
}

func (s *SQLCryptoStore) GetUserDevices(user id.UserID) (rows []DeviceRow, err error) {
	err = runTransaction(s.db, func(txn *sql.Tx) error {
		rows, err = selectUserDevicesTxn(txn, user)
		return err
	})
	return
}

func (s *SQLCryptoStore) SaveDevices(devices []DeviceRow) error {
	return runTransaction(s.db, func(txn *sql.Tx) error {
		for _, row := range devices {
			if err := saveDeviceTxn(txn, row); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLCryptoStore) LoadBackupKeys() (keys *BackupKeys, err error) {
	err = runTransaction(s.db, func(txn *sql.Tx) error {
		keys, err = selectBackupKeysTxn(txn)
		return err
	})
	return
}

func (s *SQLCryptoStore) SaveBackupKeys(keys BackupKeys) error {
	return runTransaction(s.db, func(txn *sql.Tx) error {
		return saveBackupKeysTxn(txn, keys)
	})
}

func (s *SQLCryptoStore) TryTakeLeasedLock(key, holder string, lease time.Duration) (acquired bool, err error) {
	err = runTransaction(s.db, func(txn *sql.Tx) error {
		acquired, err = tryTakeLeasedLockTxn(txn, key, holder, time.Now(), lease)
		return err
	})
	return
}

func (s *SQLCryptoStore) SetCustomValue(key, value []byte) error {
	return runTransaction(s.db, func(txn *sql.Tx) error {
		return setCustomValueTxn(txn, key, value)
	})
}

func (s *SQLCryptoStore) GetCustomValue(key []byte) (value []byte, ok bool, err error) {
	err = runTransaction(s.db, func(txn *sql.Tx) error {
		value, ok, err = selectCustomValueTxn(txn, key)
		return err
	})
	return
}

var _ Store = (*SQLCryptoStore)(nil)
