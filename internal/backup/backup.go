// Package backup takes periodic gzip-compressed snapshots of the ledger.
package backup

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/HyphaGroup/colloquy/internal/logger"
)

const (
	filePrefix = "ledger_"
	fileSuffix = ".db.gz"
	timeLayout = "20060102_150405"
)

// Source produces a consistent database copy at dst.
type Source interface {
	Snapshot(ctx context.Context, dst string) error
}

// Manager handles snapshot creation and retention.
type Manager struct {
	source    Source
	backupDir string
	keep      int
	interval  time.Duration
	logger    *slog.Logger
	now       func() time.Time

	// mu serializes snapshots.
	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config holds backup configuration.
type Config struct {
	BackupDir string
	Keep      int           // Number of snapshots to keep
	Interval  time.Duration // How often to snapshot (0 = disabled)
}

// Snapshot describes one stored backup.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Filename  string    `json:"filename"`
	SizeBytes int64     `json:"size_bytes"`
}

// New creates a new backup Manager.
func New(source Source, cfg Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.BackupDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	if cfg.Keep <= 0 {
		cfg.Keep = 1
	}
	return &Manager{
		source:    source,
		backupDir: cfg.BackupDir,
		keep:      cfg.Keep,
		interval:  cfg.Interval,
		logger:    logger.Component("backup"),
		now:       time.Now,
	}, nil
}

// Start begins periodic snapshots if interval > 0.
func (m *Manager) Start() {
	if m.interval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)

	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := m.Create(ctx); err != nil {
					m.logger.Warn("ledger backup failed", "error", err)
				}
			}
		}
	}()

	m.logger.Info("backup automation started", "interval", m.interval, "keep", m.keep)
}

// Stop halts periodic snapshots.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
		m.wg.Wait()
		m.logger.Info("backup automation stopped")
	}
}

// Create takes a snapshot now and prunes old ones beyond the keep count.
func (m *Manager) Create(ctx context.Context) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	timestamp := m.now().UTC()
	filename := filePrefix + timestamp.Format(timeLayout) + fileSuffix
	backupPath := filepath.Join(m.backupDir, filename)

	raw, err := os.CreateTemp(m.backupDir, ".snapshot-*.db")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	rawPath := raw.Name()
	_ = raw.Close()
	// VACUUM INTO refuses to overwrite.
	_ = os.Remove(rawPath)
	defer func() { _ = os.Remove(rawPath) }()

	if err := m.source.Snapshot(ctx, rawPath); err != nil {
		return nil, err
	}
	if err := compress(rawPath, backupPath); err != nil {
		_ = os.Remove(backupPath)
		return nil, fmt.Errorf("failed to compress snapshot: %w", err)
	}

	stat, err := os.Stat(backupPath)
	if err != nil {
		return nil, err
	}
	m.logger.Info("ledger backup created", "file", filename, "size_bytes", stat.Size())
	m.enforceRetention()

	return &Snapshot{Timestamp: timestamp, Filename: filename, SizeBytes: stat.Size()}, nil
}

func compress(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	gw := gzip.NewWriter(out)
	if _, err := io.Copy(gw, in); err != nil {
		_ = gw.Close()
		_ = out.Close()
		return err
	}
	if err := gw.Close(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// List returns stored snapshots, newest first.
func (m *Manager) List() ([]Snapshot, error) {
	entries, err := os.ReadDir(m.backupDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	var snapshots []Snapshot
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
		timestamp, err := time.Parse(timeLayout, stamp)
		if err != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		snapshots = append(snapshots, Snapshot{Timestamp: timestamp, Filename: name, SizeBytes: info.Size()})
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Timestamp.After(snapshots[j].Timestamp)
	})
	return snapshots, nil
}

// enforceRetention removes snapshots beyond the keep count.
func (m *Manager) enforceRetention() {
	snapshots, err := m.List()
	if err != nil || len(snapshots) <= m.keep {
		return
	}
	for _, s := range snapshots[m.keep:] {
		if err := os.Remove(filepath.Join(m.backupDir, s.Filename)); err == nil {
			m.logger.Info("removed old backup", "file", s.Filename)
		}
	}
}

// Restore decompresses the named snapshot to dst. The server must not have
// the ledger open at dst.
func (m *Manager) Restore(filename, dst string) error {
	if filepath.Base(filename) != filename || !strings.HasSuffix(filename, fileSuffix) {
		return fmt.Errorf("invalid snapshot name: %s", filename)
	}
	in, err := os.Open(filepath.Join(m.backupDir, filename))
	if err != nil {
		return fmt.Errorf("snapshot not found: %w", err)
	}
	defer func() { _ = in.Close() }()

	gr, err := gzip.NewReader(in)
	if err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}
	defer func() { _ = gr.Close() }()

	tmp := dst + ".restore"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, gr); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to restore snapshot: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
