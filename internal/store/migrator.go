package store

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/types"
)

// MigrationStats summarizes one migration run.
type MigrationStats struct {
	Total     int      `json:"total"`
	Migrated  int      `json:"migrated"`
	Failed    int      `json:"failed"`
	Skipped   int      `json:"skipped"`
	Conflicts int      `json:"conflicts"`
	Errors    []string `json:"errors,omitempty"`
	StartedAt time.Time `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
}

// MigrationHook runs before or after the copy phase. A pre-hook error
// aborts the migration; a post-hook error is recorded but the migration
// still counts as complete.
type MigrationHook func(ctx context.Context, source, target Store) error

// MigratorConfig tunes a migration run.
type MigratorConfig struct {
	BatchSize     int
	SkipExpired   bool
	OverwriteMode ConflictPolicy
	PreHook       MigrationHook
	PostHook      MigrationHook
}

// Migrator copies sessions between backends in batches. The source stays
// authoritative for the duration of the run; cutover is the caller's
// decision after Migrate returns. Only one migration runs at a time.
type Migrator struct {
	mu      sync.Mutex
	running bool
}

// NewMigrator creates a migrator.
func NewMigrator() *Migrator {
	return &Migrator{}
}

// Running reports whether a migration is in flight.
func (m *Migrator) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Migrate copies every live session from source to target.
// Existing target records are resolved per OverwriteMode; errors on
// individual records are collected rather than aborting the run.
func (m *Migrator) Migrate(ctx context.Context, source, target Store, cfg MigratorConfig) (*MigrationStats, error) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil, types.WrapError(types.KindConflict, "migration_active", types.ErrMigrationActive)
	}
	m.running = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if source.Type() == target.Type() && source == target {
		return nil, types.NewError(types.KindInvalid, "migration_same_store", "source and target are the same store")
	}

	stats := &MigrationStats{StartedAt: time.Now()}
	log.Info().
		Str("source", source.Type()).
		Str("target", target.Type()).
		Int("batch_size", cfg.BatchSize).
		Msg("Session migration started")

	if cfg.PreHook != nil {
		if err := cfg.PreHook(ctx, source, target); err != nil {
			return nil, types.WrapError(types.KindInternal, "migration_prehook_failed", err)
		}
	}

	sessions, err := listAll(ctx, source)
	if err != nil {
		return nil, types.WrapError(types.KindBackend, "migration_list_failed", err)
	}
	stats.Total = len(sessions)

	batch := make([]*Session, 0, cfg.BatchSize)
	flush := func() {
		for _, s := range batch {
			m.copyOne(ctx, target, s, cfg, stats)
		}
		batch = batch[:0]
	}

	now := time.Now()
	progressEvery := cfg.BatchSize * 10
	processed := 0
	for _, s := range sessions {
		if err := ctx.Err(); err != nil {
			stats.Errors = append(stats.Errors, "migration canceled")
			flush()
			stats.Duration = time.Since(stats.StartedAt)
			return stats, types.WrapError(types.KindTimeout, "migration_canceled", err)
		}
		if cfg.SkipExpired && s.Expired(now) {
			stats.Skipped++
			continue
		}
		batch = append(batch, s)
		if len(batch) >= cfg.BatchSize {
			flush()
		}
		processed++
		if progressEvery > 0 && processed%progressEvery == 0 {
			log.Info().
				Int("processed", processed).
				Int("total", stats.Total).
				Int("migrated", stats.Migrated).
				Int("failed", stats.Failed).
				Msg("Session migration progress")
		}
	}
	flush()

	if cfg.PostHook != nil {
		if err := cfg.PostHook(ctx, source, target); err != nil {
			stats.Errors = append(stats.Errors, "post-hook: "+err.Error())
			log.Warn().Err(err).Msg("Migration post-hook failed")
		}
	}

	stats.Duration = time.Since(stats.StartedAt)
	log.Info().
		Int("total", stats.Total).
		Int("migrated", stats.Migrated).
		Int("failed", stats.Failed).
		Int("skipped", stats.Skipped).
		Int("conflicts", stats.Conflicts).
		Dur("duration", stats.Duration).
		Msg("Session migration complete")
	return stats, nil
}

// copyOne writes a single record into the target, resolving collisions.
func (m *Migrator) copyOne(ctx context.Context, target Store, s *Session, cfg MigratorConfig, stats *MigrationStats) {
	existing, err := target.Get(ctx, s.ID)
	if err != nil {
		stats.Failed++
		stats.Errors = append(stats.Errors, s.ID+": "+err.Error())
		return
	}
	if existing != nil {
		stats.Conflicts++
		switch cfg.OverwriteMode {
		case ConflictOldest:
			if existing.CreatedAt.Before(s.CreatedAt) {
				stats.Skipped++
				return
			}
		case ConflictManual:
			stats.Skipped++
			log.Warn().Str("session_id", s.ID).Msg("Migration conflict left for manual resolution")
			return
		default:
			if existing.LastAccessedAt.After(s.LastAccessedAt) {
				stats.Skipped++
				return
			}
		}
	}
	if err := upsert(ctx, target, s); err != nil {
		stats.Failed++
		stats.Errors = append(stats.Errors, s.ID+": "+err.Error())
		return
	}
	stats.Migrated++
}
