package store

import (
	"context"
	"path/filepath"
	"testing"

	"filippo.io/age"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcrange/dcrange/internal/models"
	testutil "github.com/dcrange/dcrange/internal/testing"
)

func openTestSQLite(t *testing.T, sealer Sealer) *SQLiteRepository {
	t.Helper()
	repo, err := OpenSQLite(filepath.Join(t.TempDir(), "dcrange.db"), sealer)
	require.NoError(t, err)
	t.Cleanup(func() {
		repo.Close()
	})
	return repo
}

func TestMigrate(t *testing.T) {
	t.Run("fresh database applies all migrations", func(t *testing.T) {
		db := testutil.OpenTestDB(t)
		require.NoError(t, Migrate(db))
		testutil.RequireRowCount(t, db, len(migrations), "SELECT COUNT(*) FROM schema_migrations")
	})

	t.Run("idempotent", func(t *testing.T) {
		db := testutil.OpenTestDB(t)
		require.NoError(t, Migrate(db))
		require.NoError(t, Migrate(db))
		testutil.RequireRowCount(t, db, len(migrations), "SELECT COUNT(*) FROM schema_migrations")
	})

	t.Run("unknown version is rejected", func(t *testing.T) {
		db := testutil.OpenTestDB(t)
		require.NoError(t, Migrate(db))
		_, err := db.Exec(`INSERT INTO schema_migrations (version, name, applied_at) VALUES (99, 'future', 'now')`)
		require.NoError(t, err)
		assert.ErrorContains(t, Migrate(db), "unknown schema migration version 99")
	})
}

func TestSQLiteRepositoryRoundTrip(t *testing.T) {
	repo := openTestSQLite(t, nil)
	ctx := context.Background()

	job, err := repo.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)

	want := sampleJob()
	require.NoError(t, repo.Save(ctx, want))
	got, err := repo.Load(ctx)
	require.NoError(t, err)
	testutil.AssertJSONEqual(t, want, *got)

	require.NoError(t, repo.Clear(ctx))
	got, err = repo.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLiteRepositoryHistory(t *testing.T) {
	repo := openTestSQLite(t, nil)
	ctx := context.Background()

	job := testutil.NewTestJob(testutil.JobOpts{Status: models.JobQueued, Progress: "queued"})
	require.NoError(t, repo.Save(ctx, job))
	require.NoError(t, repo.Save(ctx, job)) // unchanged, no new event
	job.Status = models.JobBuilding
	job.Progress = "planning"
	require.NoError(t, repo.Save(ctx, job))
	job.Progress = "provisioning"
	require.NoError(t, repo.Save(ctx, job))
	job.Status = models.JobFailed
	job.Error = &models.JobError{Code: "timeout", Message: "minions never showed up"}
	require.NoError(t, repo.Save(ctx, job))

	history, err := repo.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, models.JobFailed, history[0].Status)
	assert.Equal(t, "timeout", history[0].ErrorCode)
	assert.Equal(t, "provisioning", history[1].Progress)
	assert.Equal(t, models.JobQueued, history[3].Status)
	assert.Equal(t, testutil.TestJobID, history[3].JobID)

	limited, err := repo.History(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	_, err = repo.History(ctx, 0)
	assert.Error(t, err)
}

func TestSQLiteRepositorySealed(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	repo := openTestSQLite(t, NewAgeSealer(identity))
	ctx := context.Background()

	want := sampleJob()
	require.NoError(t, repo.Save(ctx, want))

	var doc []byte
	require.NoError(t, repo.DB.QueryRow(`SELECT doc FROM current_job`).Scan(&doc))
	assert.True(t, IsSealed(doc))

	got, err := repo.Load(ctx)
	require.NoError(t, err)
	testutil.AssertJSONEqual(t, want, *got)
}
