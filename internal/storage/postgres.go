package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/lehigh-university-libraries/slidezoom/internal/apperr"
	"github.com/lehigh-university-libraries/slidezoom/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS slides (
	id SERIAL PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT,
	file_path TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	metadata JSONB NOT NULL DEFAULT '{}'::jsonb
)`

const slideColumns = `id, title, description, file_path, created_at, metadata`

// PostgresStore keeps the catalog in a "slides" table, created on connect.
type PostgresStore struct {
	db  *pgxpool.Pool
	now func() time.Time
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	db, err := pgxpool.Connect(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if _, err := db.Exec(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create slides table: %w", err)
	}
	slog.Info("Connected to slide catalog database")
	return &PostgresStore{db: db, now: time.Now}, nil
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (*models.SlideRecord, error) {
	row := s.db.QueryRow(ctx, `SELECT `+slideColumns+` FROM slides WHERE id = $1`, id)
	record, err := scanSlide(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("slide %d: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query slide %d: %w", id, err)
	}
	return record, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]*models.SlideRecord, error) {
	rows, err := s.db.Query(ctx, `SELECT `+slideColumns+` FROM slides ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list slides: %w", err)
	}
	defer rows.Close()

	result := []*models.SlideRecord{}
	for rows.Next() {
		record, err := scanSlide(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan slide: %w", err)
		}
		result = append(result, record)
	}
	return result, rows.Err()
}

func (s *PostgresStore) Create(ctx context.Context, slide models.NewSlide) (*models.SlideRecord, error) {
	record, err := slide.Record(s.now())
	if err != nil {
		return nil, err
	}
	metadata, err := json.Marshal(record.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}

	row := s.db.QueryRow(ctx, `
INSERT INTO slides (title, description, file_path, created_at, metadata)
VALUES ($1, $2, $3, $4, $5::jsonb)
RETURNING `+slideColumns, record.Title, record.Description, record.FilePath, record.CreatedAt, string(metadata))
	created, err := scanSlide(row)
	if err != nil {
		return nil, fmt.Errorf("failed to insert slide: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) Import(ctx context.Context, records []*models.SlideRecord) error {
	return s.db.BeginFunc(ctx, func(tx pgx.Tx) error {
		for _, r := range records {
			metadata, err := json.Marshal(r.Metadata)
			if err != nil {
				return fmt.Errorf("failed to encode metadata for %q: %w", r.FilePath, err)
			}
			createdAt := r.CreatedAt
			if createdAt.IsZero() {
				createdAt = s.now().UTC()
			}
			if r.ID == 0 {
				_, err = tx.Exec(ctx, `
INSERT INTO slides (title, description, file_path, created_at, metadata)
VALUES ($1, $2, $3, $4, $5::jsonb)`, r.Title, r.Description, r.FilePath, createdAt, string(metadata))
			} else {
				_, err = tx.Exec(ctx, `
INSERT INTO slides (id, title, description, file_path, created_at, metadata)
VALUES ($1, $2, $3, $4, $5, $6::jsonb)
ON CONFLICT (id) DO UPDATE SET
	title = EXCLUDED.title,
	description = EXCLUDED.description,
	file_path = EXCLUDED.file_path,
	metadata = EXCLUDED.metadata`, r.ID, r.Title, r.Description, r.FilePath, createdAt, string(metadata))
			}
			if err != nil {
				return fmt.Errorf("failed to import slide %q: %w", r.FilePath, err)
			}
		}
		_, err := tx.Exec(ctx, `SELECT setval(pg_get_serial_sequence('slides', 'id'), GREATEST((SELECT MAX(id) FROM slides), 1))`)
		return err
	})
}

func (s *PostgresStore) Close() {
	s.db.Close()
}

func scanSlide(row pgx.Row) (*models.SlideRecord, error) {
	var (
		r        models.SlideRecord
		metadata []byte
	)
	if err := row.Scan(&r.ID, &r.Title, &r.Description, &r.FilePath, &r.CreatedAt, &metadata); err != nil {
		return nil, err
	}
	r.Metadata = map[string]any{}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &r.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	r.CreatedAt = r.CreatedAt.UTC()
	return &r, nil
}

// Open picks the catalog backend: Postgres when databaseURL is set, memory
// otherwise.
func Open(ctx context.Context, databaseURL string) (SlideStore, error) {
	if databaseURL == "" {
		slog.Info("No database configured, using in-memory slide catalog")
		return NewMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
