package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/dubplane/dubplane/pkg/models"
)

// PutUpload inserts a new upload row.
func (s *JobStore) PutUpload(u *models.Upload) error {
	return s.db.withWriter(func(conn *sqlx.DB) error {
		_, err := conn.NamedExec(`
			INSERT INTO uploads (id, owner_id, filename, total_bytes, chunk_bytes,
				received, received_bytes, completed, part_path, final_path,
				created_at, updated_at)
			VALUES (:id, :owner_id, :filename, :total_bytes, :chunk_bytes,
				:received, :received_bytes, :completed, :part_path, :final_path,
				:created_at, :updated_at)`, u)
		return err
	})
}

// GetUpload fetches an upload by id.
func (s *JobStore) GetUpload(id string) (*models.Upload, error) {
	var u models.Upload
	err := s.db.conn.Get(&u, `SELECT * FROM uploads WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &u, err
}

// UpdateUpload rewrites the mutable upload columns and bumps updated_at.
func (s *JobStore) UpdateUpload(u *models.Upload) error {
	u.UpdatedAt = time.Now().UTC()
	return s.db.withWriter(func(conn *sqlx.DB) error {
		res, err := conn.NamedExec(`
			UPDATE uploads SET received = :received, received_bytes = :received_bytes,
				completed = :completed, part_path = :part_path, final_path = :final_path,
				updated_at = :updated_at
			WHERE id = :id`, u)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ListUploads returns every upload, oldest first.
func (s *JobStore) ListUploads() ([]*models.Upload, error) {
	var uploads []*models.Upload
	err := s.db.conn.Select(&uploads, `SELECT * FROM uploads ORDER BY created_at ASC`)
	return uploads, err
}

// ListStaleUploads returns uncompleted uploads older than cutoff.
func (s *JobStore) ListStaleUploads(cutoff time.Time) ([]*models.Upload, error) {
	var uploads []*models.Upload
	err := s.db.conn.Select(&uploads,
		`SELECT * FROM uploads WHERE completed = 0 AND created_at < ? ORDER BY created_at ASC`, cutoff)
	return uploads, err
}

// DeleteUpload removes the upload row.
func (s *JobStore) DeleteUpload(id string) error {
	return s.db.withWriter(func(conn *sqlx.DB) error {
		res, err := conn.Exec(`DELETE FROM uploads WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}
