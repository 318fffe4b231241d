package reference

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	_ "github.com/jackc/pgx/v4/stdlib" // "pgx" database/sql driver for goose
	"github.com/pressly/goose/v3"

	"github.com/dj-oyu/parkwatch/internal/logger"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	upsertRecordSQL = `
INSERT INTO parking_references (camera_id, document, updated_at)
VALUES ($1, $2::jsonb, now())
ON CONFLICT (camera_id) DO UPDATE
SET document = EXCLUDED.document, updated_at = EXCLUDED.updated_at`

	selectRecordSQL = `SELECT document::text FROM parking_references WHERE camera_id = $1`
)

// PostgresStore keeps one parking_references row per camera. The document
// column holds the same JSON the file store writes. A single-row upsert is
// atomic, so no extra locking is needed.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  *logger.ModuleLogger
}

// Migrate applies the embedded schema migrations to the database at dsn.
func Migrate(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// OpenPostgres runs migrations and connects a pool.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	if err := Migrate(ctx, dsn); err != nil {
		return nil, err
	}
	pool, err := pgxpool.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	l := logger.For("Reference")
	l.Info("postgres reference store ready")
	return &PostgresStore{pool: pool, log: l}, nil
}

func (s *PostgresStore) Save(ctx context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageWriteFailed, err)
	}
	data, err := json.Marshal(rec.document())
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrStorageWriteFailed, err)
	}
	if _, err := s.pool.Exec(ctx, upsertRecordSQL, rec.CameraID, string(data)); err != nil {
		return fmt.Errorf("%w: camera %s: %v", ErrStorageWriteFailed, rec.CameraID, err)
	}
	s.log.Debug("saved %d spaces for camera %s", len(rec.ParkingBoxes), rec.CameraID)
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, cameraID string) (Record, error) {
	var doc string
	err := s.pool.QueryRow(ctx, selectRecordSQL, cameraID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: camera %s", ErrNotCalibrated, cameraID)
	}
	if err != nil {
		return Record{}, fmt.Errorf("%w: camera %s: %v", ErrStorageReadFailed, cameraID, err)
	}

	var rec Record
	if err := json.Unmarshal([]byte(doc), &rec); err != nil {
		return Record{}, fmt.Errorf("%w: camera %s: decode: %v", ErrStorageReadFailed, cameraID, err)
	}
	rec.CameraID = cameraID
	return rec, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}
