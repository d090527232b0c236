package store

import (
	"github.com/jmoiron/sqlx"

	"github.com/dubplane/dubplane/pkg/models"
)

// ReplaceStorageAccounting atomically replaces the whole storage ledger
// with the given per-object rows. Used by the reconciliation walk.
func (s *JobStore) ReplaceStorageAccounting(jobEntries, uploadEntries []*models.StorageEntry) error {
	return s.db.inTx(func(tx *sqlx.Tx) error {
		if _, err := tx.Exec(`DELETE FROM storage_entries`); err != nil {
			return err
		}
		insert := func(kind string, entries []*models.StorageEntry) error {
			for _, e := range entries {
				if _, err := tx.Exec(`
					INSERT INTO storage_entries (object_id, kind, user_id, bytes)
					VALUES (?, ?, ?, ?)`, e.ObjectID, kind, e.UserID, e.Bytes); err != nil {
					return err
				}
			}
			return nil
		}
		if err := insert("job", jobEntries); err != nil {
			return err
		}
		return insert("upload", uploadEntries)
	})
}

// StorageBytesForUser sums the ledger for one user.
func (s *JobStore) StorageBytesForUser(userID string) (int64, error) {
	var total int64
	err := s.db.conn.Get(&total,
		`SELECT COALESCE(SUM(bytes), 0) FROM storage_entries WHERE user_id = ?`, userID)
	return total, err
}

// StorageLedger returns the per-user totals.
func (s *JobStore) StorageLedger() (map[string]int64, error) {
	var rows []struct {
		UserID string `db:"user_id"`
		Bytes  int64  `db:"bytes"`
	}
	if err := s.db.conn.Select(&rows, `
		SELECT user_id, COALESCE(SUM(bytes), 0) AS bytes
		FROM storage_entries GROUP BY user_id`); err != nil {
		return nil, err
	}
	ledger := make(map[string]int64, len(rows))
	for _, r := range rows {
		ledger[r.UserID] = r.Bytes
	}
	return ledger, nil
}

// SetStorageEntry upserts a single per-object row. Used for incremental
// accounting between reconciliation walks.
func (s *JobStore) SetStorageEntry(e *models.StorageEntry) error {
	return s.db.withWriter(func(conn *sqlx.DB) error {
		_, err := conn.Exec(`
			INSERT INTO storage_entries (object_id, kind, user_id, bytes)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(object_id, kind) DO UPDATE SET
				user_id = excluded.user_id,
				bytes = excluded.bytes`,
			e.ObjectID, e.Kind, e.UserID, e.Bytes)
		return err
	})
}

// DeleteStorageEntry removes one per-object row.
func (s *JobStore) DeleteStorageEntry(objectID, kind string) error {
	return s.db.withWriter(func(conn *sqlx.DB) error {
		_, err := conn.Exec(`DELETE FROM storage_entries WHERE object_id = ? AND kind = ?`, objectID, kind)
		return err
	})
}
