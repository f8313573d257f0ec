package backup

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HyphaGroup/colloquy/internal/ledger"
)

func newLedger(t *testing.T) *ledger.Store {
	t.Helper()
	store, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCreateAndRestore(t *testing.T) {
	ctx := context.Background()
	store := newLedger(t)
	opened := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, store.RecordOpen(ctx, "c1", "grok", opened))
	require.NoError(t, store.RecordTurn(ctx, ledger.Turn{
		ConversationID: "c1", Seq: 1, Message: "hi", Response: "hello", Outcome: ledger.OutcomeSettled, StartedAt: opened,
	}))

	m, err := New(store, Config{BackupDir: filepath.Join(t.TempDir(), "backups"), Keep: 3})
	require.NoError(t, err)

	snap, err := m.Create(ctx)
	require.NoError(t, err)
	assert.Positive(t, snap.SizeBytes)

	restoredPath := filepath.Join(t.TempDir(), "restored.db")
	require.NoError(t, m.Restore(snap.Filename, restoredPath))

	restored, err := ledger.Open(restoredPath)
	require.NoError(t, err)
	defer func() { _ = restored.Close() }()

	conv, err := restored.Conversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "grok", conv.Kind)
	turns, err := restored.Turns(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "hello", turns[0].Response)
}

func TestRetention(t *testing.T) {
	ctx := context.Background()
	m, err := New(newLedger(t), Config{BackupDir: t.TempDir(), Keep: 2})
	require.NoError(t, err)

	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	for i := 0; i < 4; i++ {
		_, err := m.Create(ctx)
		require.NoError(t, err)
		now = now.Add(time.Hour)
	}

	snaps, err := m.List()
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, "ledger_20260201_030000.db.gz", snaps[0].Filename)
	assert.Equal(t, "ledger_20260201_020000.db.gz", snaps[1].Filename)
}

func TestRestoreRejectsPaths(t *testing.T) {
	m, err := New(newLedger(t), Config{BackupDir: t.TempDir()})
	require.NoError(t, err)

	assert.Error(t, m.Restore("../ledger_20260201_000000.db.gz", filepath.Join(t.TempDir(), "x.db")))
	assert.Error(t, m.Restore("notes.txt", filepath.Join(t.TempDir(), "x.db")))
	assert.Error(t, m.Restore("ledger_20260201_000000.db.gz", filepath.Join(t.TempDir(), "x.db")))
}

func TestStartDisabled(t *testing.T) {
	m, err := New(newLedger(t), Config{BackupDir: t.TempDir()})
	require.NoError(t, err)
	m.Start()
	m.Stop()
}
