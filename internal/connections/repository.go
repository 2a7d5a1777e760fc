package connections

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/portalmark/backend/internal/models"
)

const connColumns = `id, name, provider, credentials_enc, base_path, is_default, is_active,
	last_tested_at, test_status, test_error, created_at, updated_at`

// Repository persists storage connections. Credentials are sealed before
// they touch the database and opened on the way out.
type Repository struct {
	pool   *pgxpool.Pool
	cipher *Cipher
}

// NewRepository creates a connections repository.
func NewRepository(pool *pgxpool.Pool, cipher *Cipher) *Repository {
	return &Repository{pool: pool, cipher: cipher}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *Repository) scan(row rowScanner) (*models.StorageConnection, error) {
	var (
		conn models.StorageConnection
		enc  []byte
	)
	err := row.Scan(&conn.ID, &conn.Name, &conn.Provider, &enc, &conn.BasePath,
		&conn.IsDefault, &conn.IsActive, &conn.LastTestedAt,
		&conn.TestStatus, &conn.TestError, &conn.CreatedAt, &conn.UpdatedAt)
	if err != nil {
		return nil, err
	}
	creds, err := r.cipher.Open(enc)
	if err != nil {
		return nil, err
	}
	conn.Credentials = creds
	return &conn, nil
}

// Create inserts a connection. When IsDefault is set, the previous default
// for the same provider is cleared in the same transaction.
func (r *Repository) Create(ctx context.Context, conn *models.StorageConnection) error {
	enc, err := r.cipher.Seal(conn.Credentials)
	if err != nil {
		return err
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if conn.IsDefault {
		if _, err := tx.Exec(ctx,
			`UPDATE storage_connections SET is_default = FALSE, updated_at = now() WHERE provider = $1 AND is_default`,
			conn.Provider); err != nil {
			return err
		}
	}
	const q = `INSERT INTO storage_connections (name, provider, credentials_enc, base_path, is_default, is_active, test_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`
	if conn.TestStatus == "" {
		conn.TestStatus = models.TestStatusUntested
	}
	if err := tx.QueryRow(ctx, q, conn.Name, conn.Provider, enc, conn.BasePath,
		conn.IsDefault, conn.IsActive, conn.TestStatus).
		Scan(&conn.ID, &conn.CreatedAt, &conn.UpdatedAt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// GetByID returns one connection with opened credentials.
func (r *Repository) GetByID(ctx context.Context, id int64) (*models.StorageConnection, error) {
	const q = `SELECT ` + connColumns + ` FROM storage_connections WHERE id = $1`
	return r.scan(r.pool.QueryRow(ctx, q, id))
}

// GetDefault returns the default connection for a provider.
func (r *Repository) GetDefault(ctx context.Context, provider string) (*models.StorageConnection, error) {
	const q = `SELECT ` + connColumns + ` FROM storage_connections WHERE provider = $1 AND is_default`
	return r.scan(r.pool.QueryRow(ctx, q, provider))
}

// List returns all connections, default-first then newest-first.
func (r *Repository) List(ctx context.Context) ([]models.StorageConnection, error) {
	const q = `SELECT ` + connColumns + ` FROM storage_connections
		ORDER BY is_default DESC, created_at DESC`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []models.StorageConnection
	for rows.Next() {
		conn, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *conn)
	}
	return list, rows.Err()
}

// ListActiveByProvider returns active connections of one provider kind.
func (r *Repository) ListActiveByProvider(ctx context.Context, provider string) ([]models.StorageConnection, error) {
	const q = `SELECT ` + connColumns + ` FROM storage_connections
		WHERE provider = $1 AND is_active
		ORDER BY id`
	rows, err := r.pool.Query(ctx, q, provider)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []models.StorageConnection
	for rows.Next() {
		conn, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *conn)
	}
	return list, rows.Err()
}

// UpdateParams are the mutable connection fields. Nil keeps current;
// credentials are replaced only when the map is non-nil.
type UpdateParams struct {
	Name        *string
	BasePath    *string
	IsActive    *bool
	Credentials map[string]string
}

// Update mutates a connection. A credential replacement resets the test
// status to untested.
func (r *Repository) Update(ctx context.Context, id int64, p UpdateParams) (*models.StorageConnection, error) {
	var (
		enc []byte
		err error
	)
	if p.Credentials != nil {
		enc, err = r.cipher.Seal(p.Credentials)
		if err != nil {
			return nil, err
		}
	}
	const q = `UPDATE storage_connections SET
			name = COALESCE($2, name),
			base_path = COALESCE($3, base_path),
			is_active = COALESCE($4, is_active),
			credentials_enc = COALESCE($5, credentials_enc),
			test_status = CASE WHEN $5 IS NULL THEN test_status ELSE 'untested' END,
			test_error = CASE WHEN $5 IS NULL THEN test_error ELSE '' END,
			updated_at = now()
		WHERE id = $1
		RETURNING ` + connColumns
	return r.scan(r.pool.QueryRow(ctx, q, id, p.Name, p.BasePath, p.IsActive, enc))
}

// SetDefault makes the connection the default for its provider.
func (r *Repository) SetDefault(ctx context.Context, id int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var provider string
	if err := tx.QueryRow(ctx, `SELECT provider FROM storage_connections WHERE id = $1`, id).Scan(&provider); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE storage_connections SET is_default = FALSE, updated_at = now() WHERE provider = $1 AND is_default`,
		provider); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE storage_connections SET is_default = TRUE, updated_at = now() WHERE id = $1`, id); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Delete removes a connection. Companies referencing it make the delete fail
// with a foreign-key violation the handler surfaces as a conflict.
func (r *Repository) Delete(ctx context.Context, id int64) error {
	ct, err := r.pool.Exec(ctx, `DELETE FROM storage_connections WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// MarkTested records a connection test outcome.
func (r *Repository) MarkTested(ctx context.Context, id int64, status, testErr string) error {
	const q = `UPDATE storage_connections SET
			test_status = $2, test_error = $3, last_tested_at = $4, updated_at = now()
		WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, id, status, testErr, time.Now().UTC())
	return err
}

// CompanyIDs returns the ids of companies stored on this connection, for
// notification fan-out when the connection degrades.
func (r *Repository) CompanyIDs(ctx context.Context, connID int64) ([]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id FROM companies WHERE storage_connection_id = $1 AND is_active`, connID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SwapCredentials atomically replaces the sealed credential blob. Used by
// the token refresher; a fresh token also clears a broken test status.
func (r *Repository) SwapCredentials(ctx context.Context, id int64, creds map[string]string) error {
	enc, err := r.cipher.Seal(creds)
	if err != nil {
		return err
	}
	const q = `UPDATE storage_connections SET
			credentials_enc = $2,
			test_status = CASE WHEN test_status = 'broken' THEN 'ok' ELSE test_status END,
			test_error = CASE WHEN test_status = 'broken' THEN '' ELSE test_error END,
			updated_at = now()
		WHERE id = $1`
	_, err = r.pool.Exec(ctx, q, id, enc)
	return err
}
