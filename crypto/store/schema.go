package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"go.mau.fi/olmcore/id"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS crypto_account (
	user_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	pickle BLOB NOT NULL,
	shared BOOLEAN NOT NULL,
	UNIQUE (user_id, device_id)
);

CREATE TABLE IF NOT EXISTS olm_sessions (
	session_id TEXT NOT NULL PRIMARY KEY,
	sender_key TEXT NOT NULL,
	created_at BIGINT NOT NULL,
	last_used BIGINT NOT NULL,
	created_using_fallback_key BOOLEAN NOT NULL,
	pickle BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS olm_sessions_sender_key_idx ON olm_sessions(sender_key);

CREATE TABLE IF NOT EXISTS inbound_group_sessions (
	room_id TEXT NOT NULL,
	sender_key TEXT NOT NULL,
	session_id TEXT NOT NULL,
	claimed_ed25519 TEXT NOT NULL,
	forwarding_chain TEXT NOT NULL,
	first_known_index BIGINT NOT NULL,
	imported BOOLEAN NOT NULL,
	backed_up BOOLEAN NOT NULL,
	pickle BLOB NOT NULL,
	PRIMARY KEY (room_id, sender_key, session_id)
);
CREATE INDEX IF NOT EXISTS inbound_group_sessions_backed_up_idx ON inbound_group_sessions(backed_up);

CREATE TABLE IF NOT EXISTS devices (
	user_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	curve25519 TEXT NOT NULL,
	ed25519 TEXT NOT NULL,
	algorithms TEXT NOT NULL,
	signatures TEXT NOT NULL,
	display_name TEXT NOT NULL,
	trust INTEGER NOT NULL,
	cross_signing_trust INTEGER NOT NULL,
	PRIMARY KEY (user_id, device_id)
);

CREATE TABLE IF NOT EXISTS tracked_users (
	user_id TEXT NOT NULL PRIMARY KEY,
	dirty BOOLEAN NOT NULL
);

CREATE TABLE IF NOT EXISTS backup_keys (
	id INTEGER NOT NULL PRIMARY KEY CHECK (id = 1),
	recovery_key_pickle BLOB NOT NULL,
	backup_version TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS leased_locks (
	key TEXT NOT NULL PRIMARY KEY,
	holder TEXT NOT NULL,
	expires_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS custom_values (
	key BLOB NOT NULL PRIMARY KEY,
	value BLOB NOT NULL
);
`

func unixMilli(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}

func fromUnixMilli(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

const selectAccountSQL = `
SELECT user_id, device_id, pickle, shared FROM crypto_account LIMIT 1
`

func selectAccountTxn(txn *sql.Tx) (*AccountRow, error) {
	var row AccountRow
	err := txn.QueryRow(selectAccountSQL).Scan(&row.UserID, &row.DeviceID, &row.Pickle, &row.Shared)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &row, nil
}

const deleteAccountSQL = `DELETE FROM crypto_account`
const insertAccountSQL = `
INSERT INTO crypto_account (user_id, device_id, pickle, shared) VALUES ($1, $2, $3, $4)
`

func saveAccountTxn(txn *sql.Tx, row AccountRow) error {
	if _, err := txn.Exec(deleteAccountSQL); err != nil {
		return err
	}
	_, err := txn.Exec(insertAccountSQL, row.UserID, row.DeviceID, row.Pickle, row.Shared)
	return err
}

const upsertSessionSQL = `
INSERT INTO olm_sessions (session_id, sender_key, created_at, last_used, created_using_fallback_key, pickle)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (session_id) DO UPDATE SET
		last_used = excluded.last_used, pickle = excluded.pickle
`

func saveSessionTxn(txn *sql.Tx, row SessionRow) error {
	_, err := txn.Exec(upsertSessionSQL, row.ID, row.SenderKey,
		unixMilli(row.CreatedAt), unixMilli(row.LastUsed), row.CreatedUsingFallbackKey, row.Pickle)
	return err
}

const selectSessionsSQL = `
SELECT session_id, sender_key, created_at, last_used, created_using_fallback_key, pickle
	FROM olm_sessions WHERE sender_key = $1 ORDER BY last_used DESC
`

func selectSessionsTxn(txn *sql.Tx, senderKey id.Curve25519) ([]SessionRow, error) {
	rows, err := txn.Query(selectSessionsSQL, senderKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SessionRow
	for rows.Next() {
		var row SessionRow
		var createdAt, lastUsed int64
		if err := rows.Scan(&row.ID, &row.SenderKey, &createdAt, &lastUsed, &row.CreatedUsingFallbackKey, &row.Pickle); err != nil {
			return nil, err
		}
		row.CreatedAt = fromUnixMilli(createdAt)
		row.LastUsed = fromUnixMilli(lastUsed)
		out = append(out, row)
	}
	return out, rows.Err()
}

const selectInboundGroupSessionSQL = `
SELECT claimed_ed25519, forwarding_chain, first_known_index, imported, backed_up, pickle
	FROM inbound_group_sessions WHERE room_id = $1 AND sender_key = $2 AND session_id = $3
`

func selectInboundGroupSessionTxn(txn *sql.Tx, room id.RoomID, senderKey id.Curve25519, sessionID id.SessionID) (*InboundGroupSessionRow, error) {
	row := InboundGroupSessionRow{RoomID: room, SenderKey: senderKey, SessionID: sessionID}
	var chainJSON string
	var firstKnownIndex int64
	err := txn.QueryRow(selectInboundGroupSessionSQL, room, senderKey, sessionID).Scan(
		&row.ClaimedEd25519, &chainJSON, &firstKnownIndex, &row.Imported, &row.BackedUp, &row.Pickle)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(chainJSON), &row.ForwardingChain); err != nil {
		return nil, err
	}
	row.FirstKnownIndex = uint32(firstKnownIndex)
	return &row, nil
}

const deleteInboundGroupSessionSQL = `
DELETE FROM inbound_group_sessions WHERE room_id = $1 AND sender_key = $2 AND session_id = $3
`
const insertInboundGroupSessionSQL = `
INSERT INTO inbound_group_sessions
	(room_id, sender_key, session_id, claimed_ed25519, forwarding_chain, first_known_index, imported, backed_up, pickle)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`

// saveInboundGroupSessionTxn applies the §4.2 merge rule: the row that
// ends up stored is whichever has the lower first_known_index, with
// backed_up/imported ANDed between old and new regardless of which wins.
func saveInboundGroupSessionTxn(txn *sql.Tx, row InboundGroupSessionRow) error {
	existing, err := selectInboundGroupSessionTxn(txn, row.RoomID, row.SenderKey, row.SessionID)
	if err != nil {
		return err
	}
	if existing != nil {
		row.BackedUp = row.BackedUp && existing.BackedUp
		row.Imported = row.Imported && existing.Imported
		if existing.FirstKnownIndex < row.FirstKnownIndex {
			row.FirstKnownIndex = existing.FirstKnownIndex
			row.Pickle = existing.Pickle
			row.ClaimedEd25519 = existing.ClaimedEd25519
			row.ForwardingChain = existing.ForwardingChain
		}
	}
	chainJSON, err := json.Marshal(row.ForwardingChain)
	if err != nil {
		return err
	}
	if _, err := txn.Exec(deleteInboundGroupSessionSQL, row.RoomID, row.SenderKey, row.SessionID); err != nil {
		return err
	}
	_, err = txn.Exec(insertInboundGroupSessionSQL, row.RoomID, row.SenderKey, row.SessionID,
		row.ClaimedEd25519, string(chainJSON), int64(row.FirstKnownIndex), row.Imported, row.BackedUp, row.Pickle)
	return err
}

const selectInboundGroupSessionsForBackupSQL = `
SELECT room_id, sender_key, session_id, claimed_ed25519, forwarding_chain, first_known_index, imported, backed_up, pickle
	FROM inbound_group_sessions WHERE backed_up = FALSE LIMIT $1
`

func selectInboundGroupSessionsForBackupTxn(txn *sql.Tx, limit int) ([]InboundGroupSessionRow, error) {
	rows, err := txn.Query(selectInboundGroupSessionsForBackupSQL, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []InboundGroupSessionRow
	for rows.Next() {
		var row InboundGroupSessionRow
		var chainJSON string
		var firstKnownIndex int64
		if err := rows.Scan(&row.RoomID, &row.SenderKey, &row.SessionID, &row.ClaimedEd25519,
			&chainJSON, &firstKnownIndex, &row.Imported, &row.BackedUp, &row.Pickle); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(chainJSON), &row.ForwardingChain); err != nil {
			return nil, err
		}
		row.FirstKnownIndex = uint32(firstKnownIndex)
		out = append(out, row)
	}
	return out, rows.Err()
}

const markInboundGroupSessionBackedUpSQL = `
UPDATE inbound_group_sessions SET backed_up = TRUE WHERE session_id = $1
`

func markInboundGroupSessionsBackedUpTxn(txn *sql.Tx, sessionIDs []id.SessionID, backupVersion string) error {
	for _, sid := range sessionIDs {
		if _, err := txn.Exec(markInboundGroupSessionBackedUpSQL, sid); err != nil {
			return err
		}
	}
	if backupVersion != "" {
		_, err := txn.Exec(`UPDATE backup_keys SET backup_version = $1 WHERE id = 1`, backupVersion)
		return err
	}
	return nil
}

const resetBackupStateSQL = `UPDATE inbound_group_sessions SET backed_up = FALSE`

func resetBackupStateTxn(txn *sql.Tx) error {
	_, err := txn.Exec(resetBackupStateSQL)
	return err
}

const inboundGroupSessionCountsSQL = `
SELECT COUNT(*), COALESCE(SUM(CASE WHEN backed_up THEN 1 ELSE 0 END), 0) FROM inbound_group_sessions
`

func inboundGroupSessionCountsTxn(txn *sql.Tx) (total, backedUp int, err error) {
	err = txn.QueryRow(inboundGroupSessionCountsSQL).Scan(&total, &backedUp)
	return
}

const selectTrackedUsersSQL = `SELECT user_id FROM tracked_users`

func selectTrackedUsersTxn(txn *sql.Tx) ([]id.UserID, error) {
	rows, err := txn.Query(selectTrackedUsersSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []id.UserID
	for rows.Next() {
		var u id.UserID
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

const upsertTrackedUserSQL = `
INSERT INTO tracked_users (user_id, dirty) VALUES ($1, $2)
	ON CONFLICT (user_id) DO UPDATE SET dirty = excluded.dirty
`

func updateTrackedUsersTxn(txn *sql.Tx, add []id.UserID, dirty bool) error {
	for _, u := range add {
		if _, err := txn.Exec(upsertTrackedUserSQL, u, dirty); err != nil {
			return err
		}
	}
	return nil
}

const selectDeviceSQL = `
SELECT curve25519, ed25519, algorithms, signatures, display_name, trust, cross_signing_trust
	FROM devices WHERE user_id = $1 AND device_id = $2
`

func selectDeviceTxn(txn *sql.Tx, user id.UserID, device id.DeviceID) (*DeviceRow, error) {
	row := DeviceRow{UserID: user, DeviceID: device}
	var algorithmsJSON, signaturesJSON string
	err := txn.QueryRow(selectDeviceSQL, user, device).Scan(
		&row.Curve25519, &row.Ed25519, &algorithmsJSON, &signaturesJSON, &row.DisplayName, &row.Trust, &row.CrossSigningTrust)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(algorithmsJSON), &row.Algorithms); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(signaturesJSON), &row.Signatures); err != nil {
		return nil, err
	}
	return &row, nil
}

const selectUserDevicesSQL = `
SELECT device_id, curve25519, ed25519, algorithms, signatures, display_name, trust, cross_signing_trust
	FROM devices WHERE user_id = $1
`

func selectUserDevicesTxn(txn *sql.Tx, user id.UserID) ([]DeviceRow, error) {
	rows, err := txn.Query(selectUserDevicesSQL, user)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DeviceRow
	for rows.Next() {
		row := DeviceRow{UserID: user}
		var algorithmsJSON, signaturesJSON string
		if err := rows.Scan(&row.DeviceID, &row.Curve25519, &row.Ed25519, &algorithmsJSON,
			&signaturesJSON, &row.DisplayName, &row.Trust, &row.CrossSigningTrust); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(algorithmsJSON), &row.Algorithms); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(signaturesJSON), &row.Signatures); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

const upsertDeviceSQL = `
INSERT INTO devices (user_id, device_id, curve25519, ed25519, algorithms, signatures, display_name, trust, cross_signing_trust)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (user_id, device_id) DO UPDATE SET
		curve25519 = excluded.curve25519, ed25519 = excluded.ed25519,
		algorithms = excluded.algorithms, signatures = excluded.signatures,
		display_name = excluded.display_name, trust = excluded.trust,
		cross_signing_trust = excluded.cross_signing_trust
`

func saveDeviceTxn(txn *sql.Tx, row DeviceRow) error {
	algorithmsJSON, err := json.Marshal(row.Algorithms)
	if err != nil {
		return err
	}
	signaturesJSON, err := json.Marshal(row.Signatures)
	if err != nil {
		return err
	}
	_, err = txn.Exec(upsertDeviceSQL, row.UserID, row.DeviceID, row.Curve25519, row.Ed25519,
		string(algorithmsJSON), string(signaturesJSON), row.DisplayName, row.Trust, row.CrossSigningTrust)
	return err
}

const selectBackupKeysSQL = `SELECT recovery_key_pickle, backup_version FROM backup_keys WHERE id = 1`

func selectBackupKeysTxn(txn *sql.Tx) (*BackupKeys, error) {
	var keys BackupKeys
	err := txn.QueryRow(selectBackupKeysSQL).Scan(&keys.RecoveryKeyPickle, &keys.BackupVersion)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &keys, nil
}

const upsertBackupKeysSQL = `
INSERT INTO backup_keys (id, recovery_key_pickle, backup_version) VALUES (1, $1, $2)
	ON CONFLICT (id) DO UPDATE SET recovery_key_pickle = excluded.recovery_key_pickle, backup_version = excluded.backup_version
`

func saveBackupKeysTxn(txn *sql.Tx, keys BackupKeys) error {
	_, err := txn.Exec(upsertBackupKeysSQL, keys.RecoveryKeyPickle, keys.BackupVersion)
	return err
}

const selectLockSQL = `SELECT holder, expires_at FROM leased_locks WHERE key = $1`

func tryTakeLeasedLockTxn(txn *sql.Tx, key, holder string, now time.Time, lease time.Duration) (bool, error) {
	var existingHolder string
	var expiresAt int64
	err := txn.QueryRow(selectLockSQL, key).Scan(&existingHolder, &expiresAt)
	expiry := unixMilli(now.Add(lease))
	if err == sql.ErrNoRows {
		_, err = txn.Exec(`INSERT INTO leased_locks (key, holder, expires_at) VALUES ($1, $2, $3)`, key, holder, expiry)
		return err == nil, err
	} else if err != nil {
		return false, err
	}
	if existingHolder != holder && unixMilli(now) < expiresAt {
		return false, nil
	}
	_, err = txn.Exec(`UPDATE leased_locks SET holder = $1, expires_at = $2 WHERE key = $3`, holder, expiry, key)
	return err == nil, err
}

const selectCustomValueSQL = `SELECT value FROM custom_values WHERE key = $1`

func selectCustomValueTxn(txn *sql.Tx, key []byte) ([]byte, bool, error) {
	var value []byte
	err := txn.QueryRow(selectCustomValueSQL, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

const upsertCustomValueSQL = `
INSERT INTO custom_values (key, value) VALUES ($1, $2)
	ON CONFLICT (key) DO UPDATE SET value = excluded.value
`

func setCustomValueTxn(txn *sql.Tx, key, value []byte) error {
	_, err := txn.Exec(upsertCustomValueSQL, key, value)
	return err
}
