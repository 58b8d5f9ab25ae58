package artifact

import (
	"context"
	"sync"
	"time"

	"github.com/dripline/dripline/engine/pkg/contracts"
	"github.com/dripline/dripline/engine/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// archiveBatchSize is the max artifacts per archive write.
const archiveBatchSize = 1000

// Janitor periodically archives and purges expired artifacts. Archive
// failures are fail-safe: artifacts the driver could not archive stay in
// the store for the next cycle.
type Janitor struct {
	store    *Store
	interval time.Duration

	mu      sync.RWMutex
	driver  contracts.ArchiveDriver // nil = purge without archiving
	records []models.ArchiveRecord
}

// NewJanitor creates a retention janitor sweeping on the given interval.
func NewJanitor(s *Store, interval time.Duration) *Janitor {
	if interval < time.Second {
		interval = 10 * time.Minute
	}
	return &Janitor{store: s, interval: interval}
}

// SetArchiver installs the archive driver. Without one, expired artifacts
// are purged directly.
func (j *Janitor) SetArchiver(driver contracts.ArchiveDriver) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.driver = driver
	if driver != nil {
		log.Info().Str("kind", driver.Kind()).Msg("Artifact archive driver registered")
	}
}

// Records returns the archive records written so far.
func (j *Janitor) Records() []models.ArchiveRecord {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]models.ArchiveRecord, len(j.records))
	copy(out, j.records)
	return out
}

// Start runs the janitor until ctx is cancelled.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().Dur("interval", j.interval).Msg("Artifact janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Artifact janitor stopped")
			return
		case <-ticker.C:
			j.RunCycle(ctx)
		}
	}
}

// RunCycle performs one archive+purge sweep. Exported so tests and the
// admin surface can force a cycle.
func (j *Janitor) RunCycle(ctx context.Context) {
	now := time.Now().UTC()
	expired := j.store.Expired(now)
	if len(expired) == 0 {
		return
	}

	j.mu.RLock()
	driver := j.driver
	j.mu.RUnlock()

	if driver == nil {
		purged := 0
		for _, a := range expired {
			if j.store.Delete(a.ID) {
				purged++
			}
		}
		log.Info().Int("purged", purged).Msg("Retention cycle complete (no archiver)")
		return
	}

	archived, purged := 0, 0
	for i := 0; i < len(expired); i += archiveBatchSize {
		end := i + archiveBatchSize
		if end > len(expired) {
			end = len(expired)
		}
		batch := expired[i:end]

		uri, err := driver.ArchiveArtifacts(ctx, batch)
		if err != nil {
			log.Warn().Err(err).
				Str("backend", driver.Kind()).
				Int("batch_size", len(batch)).
				Msg("Archive failed — skipping purge (fail-safe)")
			continue
		}

		oldest, newest := batch[0].CreatedAt, batch[0].CreatedAt
		for _, a := range batch {
			if a.CreatedAt.Before(oldest) {
				oldest = a.CreatedAt
			}
			if a.CreatedAt.After(newest) {
				newest = a.CreatedAt
			}
		}
		j.mu.Lock()
		j.records = append(j.records, models.ArchiveRecord{
			ID:          uuid.New().String(),
			Backend:     driver.Kind(),
			URI:         uri,
			RecordCount: len(batch),
			OldestItem:  oldest,
			NewestItem:  newest,
			CreatedAt:   time.Now().UTC(),
		})
		j.mu.Unlock()
		archived += len(batch)

		for _, a := range batch {
			if j.store.Delete(a.ID) {
				purged++
			}
		}
	}

	log.Info().
		Int("archived", archived).
		Int("purged", purged).
		Str("backend", driver.Kind()).
		Msg("Retention cycle complete")
}
