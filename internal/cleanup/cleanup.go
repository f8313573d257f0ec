// Package cleanup runs periodic housekeeping for the server: ledger pruning,
// rate limiter eviction, log rotation and disk checks.
package cleanup

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/HyphaGroup/colloquy/internal/logger"
)

// Pruner deletes ledger history closed before cutoff.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// Evicter forgets per-client state unused for maxAge.
type Evicter interface {
	Cleanup(maxAge time.Duration) int
}

// Cleaner performs periodic housekeeping.
type Cleaner struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config holds cleanup configuration. Nil Ledger or Limiter skips that task.
type Config struct {
	DataDir  string
	LogDir   string
	Interval time.Duration

	Ledger          Pruner
	LedgerRetention time.Duration

	Limiter     Evicter
	LimiterIdle time.Duration

	LogRetention     time.Duration
	DiskWarnPercent  float64
	DiskErrorPercent float64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir:          dataDir,
		LogDir:           filepath.Join(dataDir, "logs"),
		Interval:         5 * time.Minute,
		LedgerRetention:  30 * 24 * time.Hour,
		LimiterIdle:      10 * time.Minute,
		LogRetention:     14 * 24 * time.Hour,
		DiskWarnPercent:  80.0,
		DiskErrorPercent: 90.0,
	}
}

// New creates a new Cleaner with the given configuration.
func New(cfg Config) *Cleaner {
	defaults := DefaultConfig(cfg.DataDir)
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.LimiterIdle <= 0 {
		cfg.LimiterIdle = defaults.LimiterIdle
	}
	return &Cleaner{
		cfg:    cfg,
		logger: logger.Component("cleanup"),
		now:    time.Now,
	}
}

// Start begins the periodic cleanup loop.
func (c *Cleaner) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)

	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.Interval)
		defer ticker.Stop()

		// Run immediately on start
		c.RunOnce(ctx)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.RunOnce(ctx)
			}
		}
	}()

	c.logger.Info("cleanup started", "interval", c.cfg.Interval, "ledger_retention", c.cfg.LedgerRetention)
}

// Stop halts the cleanup loop.
func (c *Cleaner) Stop() {
	if c.cancel != nil {
		c.cancel()
		c.wg.Wait()
		c.logger.Info("cleanup stopped")
	}
}

// RunOnce performs every cleanup task.
func (c *Cleaner) RunOnce(ctx context.Context) {
	c.pruneLedger(ctx)
	c.evictLimiters()
	c.cleanupLogs()
	c.checkDiskUsage()
}

func (c *Cleaner) pruneLedger(ctx context.Context) {
	if c.cfg.Ledger == nil || c.cfg.LedgerRetention <= 0 {
		return
	}
	removed, err := c.cfg.Ledger.Prune(ctx, c.now().Add(-c.cfg.LedgerRetention))
	if err != nil {
		c.logger.Warn("ledger prune failed", "error", err)
		return
	}
	if removed > 0 {
		c.logger.Info("pruned ledger", "conversations", removed)
	}
}

func (c *Cleaner) evictLimiters() {
	if c.cfg.Limiter == nil {
		return
	}
	if n := c.cfg.Limiter.Cleanup(c.cfg.LimiterIdle); n > 0 {
		c.logger.Debug("evicted idle rate limiters", "count", n)
	}
}

// cleanupLogs removes daily log files older than the log retention.
func (c *Cleaner) cleanupLogs() {
	if c.cfg.LogDir == "" || c.cfg.LogRetention <= 0 {
		return
	}
	cutoff := c.now().Add(-c.cfg.LogRetention)

	entries, err := os.ReadDir(c.cfg.LogDir)
	if err != nil {
		return
	}
	var removed int
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "colloquy-") || !strings.HasSuffix(name, ".log") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(c.cfg.LogDir, name)); err == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		c.logger.Info("removed old log files", "count", removed)
	}
}

// checkDiskUsage monitors disk usage and logs warnings.
func (c *Cleaner) checkDiskUsage() {
	if c.cfg.DataDir == "" {
		return
	}
	_, _, usedPercent, err := c.DiskUsage()
	if err != nil {
		return
	}
	switch {
	case c.cfg.DiskErrorPercent > 0 && usedPercent >= c.cfg.DiskErrorPercent:
		c.logger.Error("disk usage critical", "used_percent", usedPercent, "dir", c.cfg.DataDir)
	case c.cfg.DiskWarnPercent > 0 && usedPercent >= c.cfg.DiskWarnPercent:
		c.logger.Warn("disk usage high", "used_percent", usedPercent, "dir", c.cfg.DataDir)
	}
}

// DiskUsage returns current disk usage stats for the data directory.
func (c *Cleaner) DiskUsage() (usedBytes, totalBytes uint64, usedPercent float64, err error) {
	var stat syscall.Statfs_t
	if err = syscall.Statfs(c.cfg.DataDir, &stat); err != nil {
		return
	}

	totalBytes = stat.Blocks * uint64(stat.Bsize)
	freeBytes := stat.Bfree * uint64(stat.Bsize)
	usedBytes = totalBytes - freeBytes
	if totalBytes > 0 {
		usedPercent = float64(usedBytes) / float64(totalBytes) * 100
	}
	return
}
