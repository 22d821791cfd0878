package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// Upload is one successful catalogue submission of a processed image.
type Upload struct {
	ID                uuid.UUID
	ProductID         string
	SourceFilename    string
	ProcessedFilename string
	ClientID          int
	LocationIDs       []int
	CustomLocation    *string
	Message           string
	CreatedAt         time.Time
}

// Storage is the upload ledger. Approval and catalogue submission are
// separate steps, so the ledger is the only record of which approved items
// actually reached the catalogue.
type Storage struct {
	pool *pgxpool.Pool
	db   *sql.DB // migrations and lib/pq array writes
}

func NewStorage(ctx context.Context, dsn string, log *zap.Logger) (*Storage, error) {
	const op = "storage.NewStorage"

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	db := stdlib.OpenDBFromPool(pool)
	if err := runMigrations(db, log); err != nil {
		db.Close()
		pool.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Storage{pool: pool, db: db}, nil
}

func (s *Storage) Close() {
	s.db.Close()
	s.pool.Close()
}

func (s *Storage) RecordUpload(ctx context.Context, u *Upload) error {
	const op = "storage.RecordUpload"

	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	ids := make([]int64, len(u.LocationIDs))
	for i, id := range u.LocationIDs {
		ids[i] = int64(id)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO catalogue_uploads (id, product_id, source_filename, processed_filename, client_id, location_ids, custom_location, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		u.ID, u.ProductID, u.SourceFilename, u.ProcessedFilename, u.ClientID, pq.Array(ids), u.CustomLocation, u.Message, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// ListUploads returns a product's submissions, newest first.
func (s *Storage) ListUploads(ctx context.Context, productID string) ([]Upload, error) {
	const op = "storage.ListUploads"

	rows, err := s.pool.Query(ctx,
		`SELECT id, product_id, source_filename, processed_filename, client_id, location_ids, custom_location, message, created_at
		 FROM catalogue_uploads WHERE product_id = $1 ORDER BY created_at DESC`, productID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []Upload
	for rows.Next() {
		var (
			u   Upload
			ids []int32
		)
		if err := rows.Scan(&u.ID, &u.ProductID, &u.SourceFilename, &u.ProcessedFilename, &u.ClientID,
			&ids, &u.CustomLocation, &u.Message, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		u.LocationIDs = make([]int, len(ids))
		for i, id := range ids {
			u.LocationIDs[i] = int(id)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}
