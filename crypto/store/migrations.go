package store

import "database/sql"

// currentSchemaVersion is bumped every time schemaSQL's shape changes in
// a way existing data needs migrating for. Downgrade is never supported,
// matching §6's "Persisted state layout" contract.
const currentSchemaVersion = 1

// migration is one forward step, run only when the database's recorded
// version is below it; mirrors the old_version-gated steps in
// matrix-sdk-indexeddb's crypto_store migrations (schema_add, then
// data_migrate, never both unconditionally).
type migration struct {
	version int
	apply   func(*sql.Tx) error
}

var migrations = []migration{
	{version: 1, apply: func(txn *sql.Tx) error {
		_, err := txn.Exec(schemaSQL)
		return err
	}},
}

func ensureVersionTable(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS crypto_store_version (version INTEGER NOT NULL)`)
	return err
}

func readVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow(`SELECT version FROM crypto_store_version LIMIT 1`).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return version, err
}

func writeVersion(db *sql.DB, version int) error {
	if _, err := db.Exec(`DELETE FROM crypto_store_version`); err != nil {
		return err
	}
	_, err := db.Exec(`INSERT INTO crypto_store_version (version) VALUES ($1)`, version)
	return err
}

// migrate brings db forward to currentSchemaVersion, one migration at a
// time, each in its own transaction. A database already past
// currentSchemaVersion (a downgrade attempt) is rejected rather than
// silently ignored.
func migrate(db *sql.DB) error {
	if err := ensureVersionTable(db); err != nil {
		return err
	}
	oldVersion, err := readVersion(db)
	if err != nil {
		return err
	}
	if oldVersion > currentSchemaVersion {
		return ErrUnsupportedSchemaDowngrade
	}
	for _, m := range migrations {
		if m.version <= oldVersion {
			continue
		}
		txn, err := db.Begin()
		if err != nil {
			return err
		}
		if err := m.apply(txn); err != nil {
			txn.Rollback()
			return err
		}
		if err := txn.Commit(); err != nil {
			return err
		}
	}
	return writeVersion(db, currentSchemaVersion)
}
