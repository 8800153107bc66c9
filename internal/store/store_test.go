package store_test

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/xXRoxXeRXx/web-transaction-monitor/internal/model"
	"github.com/xXRoxXeRXx/web-transaction-monitor/internal/store"

	"github.com/stretchr/testify/require"
)

func open(t *testing.T) *sql.DB {
	t.Helper()
	db, err := store.Open(t.Context(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})
	return db
}

func TestStore(t *testing.T) {
	t.Parallel()
	db := open(t)
	ctx := t.Context()
	started := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

	_, err := store.Get(ctx, db, "nextcloud_login")
	require.ErrorIs(t, err, store.ErrNotFound)

	run := model.NewRun("nextcloud_login", started)
	run.Finished = started.Add(3 * time.Second)
	run.Steps = []model.StepResult{
		{Name: "open", Duration: time.Second},
		{Name: "submit", Duration: 2 * time.Second, Err: errors.New("button missing")},
	}
	run.Artifacts = []string{"a.png", "a.html"}
	run.Err = errors.New("submit: button missing")
	require.NoError(t, store.Save(ctx, db, store.FromRun(run)))

	got, err := store.Get(ctx, db, "nextcloud_login")
	require.NoError(t, err)
	require.Equal(t, run.ID.String(), got.RunID)
	require.True(t, started.Equal(got.Started))
	require.Equal(t, 3*time.Second, got.Duration)
	require.Equal(t, model.OutcomeFailure, got.Outcome)
	require.NotNil(t, got.FailedStep)
	require.Equal(t, "submit", *got.FailedStep)
	require.NotNil(t, got.FailureReason)
	require.Equal(t, []string{"a.png", "a.html"}, got.Artifacts)
	require.Contains(t, got.String(), `failed_step: "submit"`)

	// the next run replaces the snapshot
	next := model.NewRun("nextcloud_login", started.Add(5*time.Minute))
	next.Finished = next.Started.Add(time.Second)
	next.Outcome = model.OutcomeSuccess
	require.NoError(t, store.Save(ctx, db, store.FromRun(next)))
	require.NoError(t, store.Save(ctx, db, store.FromRun(model.NewRun("a_first", started))))

	list, err := store.List(ctx, db)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "a_first", list[0].JobID)
	require.Equal(t, model.OutcomeSuccess, list[1].Outcome)
	require.Nil(t, list[1].FailedStep)
	require.Nil(t, list[1].FailureReason)
	require.Empty(t, list[1].Artifacts)

	require.NoError(t, store.Delete(ctx, db, "a_first"))
	require.ErrorIs(t, store.Delete(ctx, db, "a_first"), store.ErrNotFound)
}
