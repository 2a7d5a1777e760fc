// Package seed provisions the rows the platform expects at boot: the default
// local storage connection, the default company, and the admin account. Every
// step is idempotent; existing rows are left untouched.
package seed

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/portalmark/backend/config"
	"github.com/portalmark/backend/internal/models"
	"github.com/portalmark/backend/pkg/utils"
)

// Run seeds defaults. A failure is returned for logging but is not fatal to
// the caller; the platform can serve with partial defaults.
func Run(ctx context.Context, pool *pgxpool.Pool, cfg *config.Config, logger *zap.Logger) error {
	connID, err := defaultConnection(ctx, pool, logger)
	if err != nil {
		return fmt.Errorf("seed default connection: %w", err)
	}
	if err := defaultCompany(ctx, pool, connID, logger); err != nil {
		return fmt.Errorf("seed default company: %w", err)
	}
	if err := adminUser(ctx, pool, cfg.Admin, logger); err != nil {
		return fmt.Errorf("seed admin user: %w", err)
	}
	return nil
}

func defaultConnection(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) (int64, error) {
	const get = `SELECT id FROM storage_connections WHERE provider = $1 AND is_default`
	var id int64
	err := pool.QueryRow(ctx, get, models.ProviderLocal).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, err
	}

	const ins = `INSERT INTO storage_connections (name, provider, base_path, is_default, is_active, test_status)
		VALUES ($1, $2, '', TRUE, TRUE, $3)
		RETURNING id`
	if err := pool.QueryRow(ctx, ins, "Local Storage", models.ProviderLocal, models.TestStatusOK).Scan(&id); err != nil {
		return 0, err
	}
	logger.Info("seeded default local storage connection", zap.Int64("connection_id", id))
	return id, nil
}

func defaultCompany(ctx context.Context, pool *pgxpool.Pool, connID int64, logger *zap.Logger) error {
	const get = `SELECT id FROM companies WHERE slug = $1`
	var id int64
	err := pool.QueryRow(ctx, get, "default").Scan(&id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return err
	}

	const ins = `INSERT INTO companies (name, slug, storage_connection_id, storage_path)
		VALUES ($1, $2, $3, $4)
		RETURNING id`
	if err := pool.QueryRow(ctx, ins, "Default Company", "default", connID, "default").Scan(&id); err != nil {
		return err
	}
	logger.Info("seeded default company", zap.Int64("company_id", id))
	return nil
}

func adminUser(ctx context.Context, pool *pgxpool.Pool, admin config.AdminConfig, logger *zap.Logger) error {
	const get = `SELECT id FROM users WHERE email = $1`
	var id int64
	err := pool.QueryRow(ctx, get, admin.Email).Scan(&id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return err
	}

	hash, err := utils.HashPassword(admin.Password)
	if err != nil {
		return err
	}
	const ins = `INSERT INTO users (email, password_hash, full_name, role)
		VALUES ($1, $2, $3, $4)
		RETURNING id`
	if err := pool.QueryRow(ctx, ins, admin.Email, hash, "Administrator", string(models.RoleAdmin)).Scan(&id); err != nil {
		return err
	}
	logger.Info("seeded admin user", zap.Int64("user_id", id), zap.String("email", admin.Email))
	return nil
}
