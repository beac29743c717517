package persistence_test

import (
	"context"
	"testing"
	"time"

	"PoolLedger/internal/core"
	"PoolLedger/internal/persistence"
	"PoolLedger/internal/testutil"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestIntegration_PersistAndRecover writes a live vault's outputs through the
// persistence worker into a real Postgres, then rebuilds a replica from the
// snapshot plus the log tail.
func TestIntegration_PersistAndRecover(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(t, persistence.NewMigrator(db, "../../migrations", zerolog.Nop()).Up(ctx))
	for _, table := range testutil.Tables {
		_, err := db.ExecContext(ctx, "TRUNCATE "+table+" CASCADE")
		require.NoError(t, err)
	}

	live, outputs := runVault(t)

	in := make(chan core.CoreOutput, len(outputs))
	for _, out := range outputs {
		in <- out
	}
	close(in)

	var flushed int
	worker := persistence.NewPersistenceWorker(db, in, 2, 50*time.Millisecond, nil, zerolog.Nop())
	worker.OnFlushed(func(_ context.Context, batch []core.CoreOutput) { flushed += len(batch) })
	require.NoError(t, worker.Run(ctx))
	assert.Equal(t, len(outputs), flushed)

	sm := persistence.NewSnapshotManager(db)
	latest, err := sm.GetLatestSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), latest)

	dup, err := persistence.NewPostgresDedupStore(db, time.Second).IsDuplicate(ctx, "InvestmentMade", "req-1")
	require.NoError(t, err)
	assert.True(t, dup)

	// snapshot at the current tip, then verify it against the log
	s := persistence.NewSnapshotter(sm, &staleSource{Vault: live}, 100, nil, zerolog.Nop())
	require.NoError(t, s.TakeSnapshot(ctx))
	verified, err := sm.VerifyPersisted(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), verified)

	replica := newVault(t, testutil.NewFakeClock(testutil.Epoch), nil)
	n, err := persistence.Recover(ctx, sm, replica, nil, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "snapshot covers the whole log")
	assert.Equal(t, live.GetStateHash(), replica.GetStateHash())
	assert.Equal(t, live.GetPoolStats(ctx), replica.GetPoolStats(ctx))
	assert.NoError(t, replica.CheckInvariants(ctx))
}

func TestIntegration_EmptyLog(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	require.NoError(t, persistence.NewMigrator(db, "../../migrations", zerolog.Nop()).Up(ctx))
	_, err := db.ExecContext(ctx, "TRUNCATE event_log.events CASCADE")
	require.NoError(t, err)

	latest, err := persistence.NewSnapshotManager(db).GetLatestSequence(ctx)
	require.NoError(t, err)
	assert.Zero(t, latest)
}
