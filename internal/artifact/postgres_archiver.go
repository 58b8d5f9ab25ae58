package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dripline/dripline/engine/pkg/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// PostgresArchiver persists expired artifacts into a Postgres table so
// cold data outlives the process. Selected with
// DRIPLINE_ARCHIVE_BACKEND=postgres and DRIPLINE_DATABASE_URL.
type PostgresArchiver struct {
	pool *pgxpool.Pool
}

const archiveSchema = `
CREATE TABLE IF NOT EXISTS artifact_archive (
	batch_id    TEXT        NOT NULL,
	artifact_id TEXT        NOT NULL,
	session_id  TEXT        NOT NULL,
	type        TEXT        NOT NULL,
	payload     JSONB       NOT NULL,
	archived_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (batch_id, artifact_id)
)`

// NewPostgresArchiver connects to the database and ensures the archive
// table exists.
func NewPostgresArchiver(ctx context.Context, databaseURL string) (*PostgresArchiver, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect archive database: %w", err)
	}
	if _, err := pool.Exec(ctx, archiveSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure archive table: %w", err)
	}
	return &PostgresArchiver{pool: pool}, nil
}

func (a *PostgresArchiver) Kind() string { return "postgres" }

func (a *PostgresArchiver) ArchiveArtifacts(ctx context.Context, batch []models.Artifact) (string, error) {
	batchID := uuid.New().String()

	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin archive tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, art := range batch {
		payload, err := json.Marshal(art)
		if err != nil {
			return "", fmt.Errorf("encode artifact %s: %w", art.ID, err)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO artifact_archive (batch_id, artifact_id, session_id, type, payload)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (batch_id, artifact_id) DO NOTHING`,
			batchID, art.ID, art.SessionID, string(art.Type), payload)
		if err != nil {
			return "", fmt.Errorf("insert artifact %s: %w", art.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit archive tx: %w", err)
	}

	log.Debug().
		Str("batch", batchID).
		Int("count", len(batch)).
		Msg("Archived artifacts to Postgres")

	return "postgres://artifact_archive/" + batchID, nil
}

func (a *PostgresArchiver) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return a.pool.Ping(ctx)
}

// Close releases the connection pool.
func (a *PostgresArchiver) Close() {
	a.pool.Close()
}
