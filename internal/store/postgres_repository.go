/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface. It is
 * selected with METADATA_BACKEND=postgres and is the option for multi-instance
 * deployments: the download counter is incremented in a single UPDATE statement, so
 * concurrent downloads across processes are never lost.
 *
 * @dependencies
 * - context, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/instadrop/drop-service/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const dropColumns = `id, title, price, is_free, seller_wallet, filename, original_name, size, mimetype, description, category, downloads, created_at`

const dropsSchema = `
CREATE TABLE IF NOT EXISTS drops (
	id            TEXT PRIMARY KEY,
	title         TEXT NOT NULL,
	price         DOUBLE PRECISION NOT NULL DEFAULT 0 CHECK (price >= 0),
	is_free       BOOLEAN NOT NULL DEFAULT FALSE,
	seller_wallet TEXT NOT NULL,
	filename      TEXT NOT NULL,
	original_name TEXT NOT NULL,
	size          BIGINT NOT NULL DEFAULT 0,
	mimetype      TEXT NOT NULL DEFAULT '',
	description   TEXT NOT NULL DEFAULT '',
	category      TEXT NOT NULL DEFAULT '',
	downloads     BIGINT NOT NULL DEFAULT 0 CHECK (downloads >= 0),
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_drops_created_at ON drops (created_at DESC);
CREATE INDEX IF NOT EXISTS idx_drops_seller_wallet ON drops (seller_wallet, created_at DESC);
`

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// EnsureSchema creates the drops table and its indexes when they do not exist yet.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, dropsSchema); err != nil {
		return fmt.Errorf("failed to ensure drops schema: %w", err)
	}
	return nil
}

// ListDrops returns every drop, newest first.
func (r *PostgresRepository) ListDrops(ctx context.Context) ([]domain.Drop, error) {
	query := `SELECT ` + dropColumns + ` FROM drops ORDER BY created_at DESC`
	return r.queryDrops(ctx, query)
}

// FindDropByID retrieves a single drop.
func (r *PostgresRepository) FindDropByID(ctx context.Context, id string) (*domain.Drop, error) {
	query := `SELECT ` + dropColumns + ` FROM drops WHERE id = $1`
	drop, err := scanDrop(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDropNotFound
		}
		return nil, err
	}
	return drop, nil
}

// ListDropsBySeller returns the seller's drops, newest first.
func (r *PostgresRepository) ListDropsBySeller(ctx context.Context, sellerWallet string) ([]domain.Drop, error) {
	query := `SELECT ` + dropColumns + ` FROM drops WHERE seller_wallet = $1 ORDER BY created_at DESC`
	return r.queryDrops(ctx, query, sellerWallet)
}

// CreateDrop inserts a new drop record.
func (r *PostgresRepository) CreateDrop(ctx context.Context, drop *domain.Drop) error {
	query := `
		INSERT INTO drops (` + dropColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := r.db.Exec(ctx, query,
		drop.ID,
		drop.Title,
		drop.Price,
		drop.IsFree,
		drop.SellerWallet,
		drop.Filename,
		drop.OriginalName,
		drop.Size,
		drop.MimeType,
		drop.Description,
		drop.Category,
		drop.Downloads,
		drop.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateDrop
		}
		return fmt.Errorf("failed to insert drop: %w", err)
	}
	return nil
}

// IncrementDownloads bumps the counter atomically and returns the updated record.
func (r *PostgresRepository) IncrementDownloads(ctx context.Context, id string) (*domain.Drop, error) {
	query := `UPDATE drops SET downloads = downloads + 1 WHERE id = $1 RETURNING ` + dropColumns
	drop, err := scanDrop(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDropNotFound
		}
		return nil, fmt.Errorf("failed to increment downloads: %w", err)
	}
	return drop, nil
}

// Stats aggregates counters in one query.
func (r *PostgresRepository) Stats(ctx context.Context) (*domain.Stats, error) {
	var stats domain.Stats
	query := `SELECT COUNT(*), COALESCE(SUM(downloads), 0), COUNT(DISTINCT seller_wallet) FROM drops`
	if err := r.db.QueryRow(ctx, query).Scan(&stats.TotalFiles, &stats.TotalDownloads, &stats.TotalSellers); err != nil {
		return nil, fmt.Errorf("failed to load stats: %w", err)
	}
	return &stats, nil
}

func (r *PostgresRepository) queryDrops(ctx context.Context, query string, args ...any) ([]domain.Drop, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	drops := make([]domain.Drop, 0)
	for rows.Next() {
		drop, err := scanDrop(rows)
		if err != nil {
			return nil, err
		}
		drops = append(drops, *drop)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return drops, nil
}

func scanDrop(row pgx.Row) (*domain.Drop, error) {
	var d domain.Drop
	err := row.Scan(
		&d.ID,
		&d.Title,
		&d.Price,
		&d.IsFree,
		&d.SellerWallet,
		&d.Filename,
		&d.OriginalName,
		&d.Size,
		&d.MimeType,
		&d.Description,
		&d.Category,
		&d.Downloads,
		&d.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
