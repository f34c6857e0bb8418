package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/seo-crawler/internal/crawler"
)

func TestRunStoreLifecycle(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRunStore(mock, "")
	require.NoError(t, err)

	started := time.Unix(1700000000, 0).UTC()
	finished := started.Add(time.Minute)
	stats := crawler.CrawlStats{PagesFetched: 4, URLsDiscovered: 6}
	statsJSON, err := json.Marshal(stats)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO crawl_runs").
		WithArgs("run-1", "example.com", "https://example.com/", started, crawler.StateRunning).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE crawl_runs SET finished_at").
		WithArgs(finished, crawler.StateCompleted, statsJSON, (*string)(nil), "run-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ctx := context.Background()
	require.NoError(t, store.StartRun(ctx, "run-1", "example.com", "https://example.com/", started))
	require.NoError(t, store.FinishRun(ctx, "run-1", finished, crawler.StateCompleted, stats, nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStoreFinishUnknownRun(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRunStore(mock, "")
	require.NoError(t, err)

	mock.ExpectExec("UPDATE crawl_runs").WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	msg := "boom"
	err = store.FinishRun(context.Background(), "ghost", time.Now(), crawler.StateFailed, crawler.CrawlStats{}, &msg)
	require.Error(t, err)
}

func TestRunStoreListRuns(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRunStore(mock, "")
	require.NoError(t, err)

	started := time.Unix(1700000000, 0).UTC()
	finished := started.Add(time.Minute)
	statsJSON, err := json.Marshal(crawler.CrawlStats{PagesFetched: 3})
	require.NoError(t, err)

	rows := pgxmock.NewRows([]string{
		"run_id", "site_id", "seed", "started_at", "finished_at", "state", "stats", "error_message",
	}).AddRow("run-1", "example.com", "https://example.com/", started, &finished, crawler.StateCompleted, statsJSON, nil)
	mock.ExpectQuery("SELECT run_id, site_id, seed").WithArgs("example.com", 20).WillReturnRows(rows)

	runs, err := store.ListRuns(context.Background(), "example.com", 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].RunID)
	assert.Equal(t, crawler.StateCompleted, runs[0].State)
	assert.Equal(t, int64(3), runs[0].Stats.PagesFetched)
	require.NotNil(t, runs[0].FinishedAt)
	assert.Equal(t, finished, *runs[0].FinishedAt)
	assert.Nil(t, runs[0].ErrorMessage)
	require.NoError(t, mock.ExpectationsWereMet())
}
