// Package cycle maintains an incremental, deduplicated, time-bounded cache of
// detected heating cycles so predictions never re-scan full history
package cycle

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/thermopilot/thermopilot/pkg"
	"github.com/thermopilot/thermopilot/pkg/detector"
	"github.com/thermopilot/thermopilot/pkg/logx"
	"github.com/thermopilot/thermopilot/pkg/retry"
)

// Config controls cache behavior
type Config struct {
	RetentionDays   int           `json:"retention_days"`
	RefreshInterval time.Duration `json:"refresh_interval"`
	// MinCycleMinutes filters oscillation-induced short cycles before they
	// reach the estimator. 0 keeps everything.
	MinCycleMinutes float64 `json:"min_cycle_minutes"`
}

// Cache is the per-room incremental cycle store. Refresh is idempotent within
// a refresh window and never re-adds known cycle IDs.
type Cache struct {
	mu sync.Mutex

	roomID  string
	config  Config
	history pkg.HistoryReader
	storage pkg.ModelStorage
	det     *detector.Detector
	runner  *retry.Runner
	logger  *logx.Logger

	cycles      []pkg.HeatingCycle
	seen        map[string]bool
	watermark   time.Time
	lastRefresh time.Time
	loaded      bool

	now func() time.Time
}

// NewCache creates a cycle cache for one room
func NewCache(roomID string, config Config, history pkg.HistoryReader, storage pkg.ModelStorage, det *detector.Detector, runner *retry.Runner, logger *logx.Logger) *Cache {
	if config.RetentionDays <= 0 {
		config.RetentionDays = 30
	}
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = 24 * time.Hour
	}
	return &Cache{
		roomID:  roomID,
		config:  config,
		history: history,
		storage: storage,
		det:     det,
		runner:  runner,
		logger:  logger,
		seen:    make(map[string]bool),
		now:     time.Now,
	}
}

// ExtractNewCycles reads the measurement window [since, now) and runs the
// detector over it, returning newly detected cycles. History reads are retried
// with bounded backoff before giving up.
func (c *Cache) ExtractNewCycles(ctx context.Context, since time.Time) ([]pkg.HeatingCycle, error) {
	end := c.now()
	if !since.Before(end) {
		return nil, nil
	}

	var measurements []pkg.Measurement
	err := c.runner.Do(ctx, func(ctx context.Context) error {
		var readErr error
		measurements, readErr = c.history.GetMeasurements(ctx, c.roomID, since, end)
		return readErr
	})
	if err != nil {
		return nil, fmt.Errorf("history read for %s: %w", c.roomID, err)
	}

	_, cycles := c.det.Process(c.roomID, detector.CycleState{}, measurements)
	return cycles, nil
}

// Refresh extracts cycles for the window since the watermark, appends them
// deduplicated by cycle ID, advances the watermark, and prunes expired cycles.
// Calling it again within the refresh interval is a no-op. A failed history
// read skips the refresh for this period; the stale cache stays valid.
func (c *Cache) Refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureLoadedLocked(ctx); err != nil {
		return err
	}

	now := c.now()
	if !c.lastRefresh.IsZero() && now.Sub(c.lastRefresh) < c.config.RefreshInterval {
		c.logger.Debug("cache refresh skipped, within refresh window",
			"room", c.roomID,
			"last_refresh", c.lastRefresh,
		)
		return nil
	}

	since := c.watermark
	if since.IsZero() {
		// First run seeds the cache with a full historical scan bounded by
		// the retention window.
		since = now.Add(-time.Duration(c.config.RetentionDays) * 24 * time.Hour)
	}

	c.mu.Unlock()
	newCycles, err := c.ExtractNewCycles(ctx, since)
	c.mu.Lock()
	if err != nil {
		c.logger.Warn("cache refresh skipped, history unavailable",
			"room", c.roomID,
			"error", err,
		)
		return err
	}

	added := 0
	for _, cy := range newCycles {
		if c.seen[cy.CycleID] {
			continue
		}
		if c.config.MinCycleMinutes > 0 && cy.DurationMinutes() < c.config.MinCycleMinutes {
			c.logger.Debug("filtered short cycle",
				"room", c.roomID,
				"cycle_id", cy.CycleID,
				"duration_min", cy.DurationMinutes(),
			)
			continue
		}
		c.seen[cy.CycleID] = true
		c.cycles = append(c.cycles, cy)
		added++
	}

	sort.Slice(c.cycles, func(i, j int) bool {
		return c.cycles[i].StartTime.Before(c.cycles[j].StartTime)
	})

	c.watermark = now
	c.lastRefresh = now
	c.pruneLocked(now)

	if err := c.persistLocked(ctx); err != nil {
		return fmt.Errorf("persisting cycle cache: %w", err)
	}

	c.logger.Info("cycle cache refreshed",
		"room", c.roomID,
		"new_cycles", added,
		"total_cycles", len(c.cycles),
	)
	return nil
}

// Snapshot returns a copy of the cached cycles, oldest first.
func (c *Cache) Snapshot() []pkg.HeatingCycle {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]pkg.HeatingCycle, len(c.cycles))
	copy(out, c.cycles)
	return out
}

// Len returns the number of cached cycles.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cycles)
}

// Clear drops all cached cycles and resets the watermark.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cycles = nil
	c.seen = make(map[string]bool)
	c.watermark = time.Time{}
	c.lastRefresh = time.Time{}
	c.loaded = true
	return c.persistLocked(ctx)
}

// ensureLoadedLocked restores persisted cache state on first use.
func (c *Cache) ensureLoadedLocked(ctx context.Context) error {
	if c.loaded {
		return nil
	}

	state, err := c.storage.GetCycleCache(ctx, c.roomID)
	if err != nil {
		return fmt.Errorf("loading cycle cache: %w", err)
	}
	if state != nil {
		c.cycles = state.Cycles
		c.watermark = state.Watermark
		c.lastRefresh = state.LastRefresh
		for _, cy := range c.cycles {
			c.seen[cy.CycleID] = true
		}
	}
	c.loaded = true
	return nil
}

// pruneLocked drops cycles older than the retention window.
func (c *Cache) pruneLocked(now time.Time) {
	cutoff := now.Add(-time.Duration(c.config.RetentionDays) * 24 * time.Hour)
	kept := c.cycles[:0]
	for _, cy := range c.cycles {
		if cy.StartTime.Before(cutoff) {
			delete(c.seen, cy.CycleID)
			continue
		}
		kept = append(kept, cy)
	}
	c.cycles = kept
}

func (c *Cache) persistLocked(ctx context.Context) error {
	return c.storage.SaveCycleCache(ctx, pkg.CycleCacheState{
		RoomID:      c.roomID,
		Cycles:      c.cycles,
		Watermark:   c.watermark,
		LastRefresh: c.lastRefresh,
	})
}
