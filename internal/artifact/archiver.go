package artifact

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dripline/dripline/engine/pkg/models"
	"github.com/rs/zerolog/log"
)

// LocalFileArchiver writes expired artifacts as JSONL files to a local
// directory. This is the default archive driver.
//
// Directory structure:
//
//	{basePath}/artifacts/2026-08-26T15-04-05Z.jsonl[.gz]
type LocalFileArchiver struct {
	basePath string
	compress bool
}

// NewLocalFileArchiver creates a file-based archiver. If basePath is empty,
// it defaults to "~/.dripline/archive".
func NewLocalFileArchiver(basePath string, compress bool) *LocalFileArchiver {
	if basePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			basePath = "/tmp/dripline/archive"
		} else {
			basePath = filepath.Join(home, ".dripline", "archive")
		}
	}
	return &LocalFileArchiver{basePath: basePath, compress: compress}
}

func (a *LocalFileArchiver) Kind() string { return "local" }

func (a *LocalFileArchiver) ArchiveArtifacts(_ context.Context, batch []models.Artifact) (string, error) {
	dir := filepath.Join(a.basePath, "artifacts")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	filename := time.Now().UTC().Format("2006-01-02T15-04-05Z") + ".jsonl"
	if a.compress {
		filename += ".gz"
	}
	fpath := filepath.Join(dir, filename)

	f, err := os.Create(fpath)
	if err != nil {
		return "", fmt.Errorf("create archive file: %w", err)
	}

	var gw *gzip.Writer
	enc := json.NewEncoder(f)
	if a.compress {
		gw = gzip.NewWriter(f)
		enc = json.NewEncoder(gw)
	}

	for _, art := range batch {
		if err := enc.Encode(art); err != nil {
			f.Close()
			return "", fmt.Errorf("encode artifact %s: %w", art.ID, err)
		}
	}

	// Closes are checked, not deferred: gzip buffers its output and a
	// short write surfacing at close must fail the batch, or the janitor
	// purges artifacts whose only archive is truncated.
	if gw != nil {
		if err := gw.Close(); err != nil {
			f.Close()
			return "", fmt.Errorf("flush archive file: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close archive file: %w", err)
	}

	log.Debug().
		Str("path", fpath).
		Int("count", len(batch)).
		Msg("Archived artifacts to local file")

	return fpath, nil
}

func (a *LocalFileArchiver) HealthCheck(_ context.Context) error {
	if err := os.MkdirAll(a.basePath, 0o755); err != nil {
		return fmt.Errorf("archive path not writable: %w", err)
	}
	testFile := filepath.Join(a.basePath, ".healthcheck")
	if err := os.WriteFile(testFile, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("archive path not writable: %w", err)
	}
	os.Remove(testFile)
	return nil
}
