package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/JakeFAU/seo-crawler/internal/crawler"
)

// RunRecord is one row of crawl run history.
type RunRecord struct {
	RunID        string             `json:"run_id"`
	SiteID       string             `json:"site_id"`
	Seed         string             `json:"seed"`
	StartedAt    time.Time          `json:"started_at"`
	FinishedAt   *time.Time         `json:"finished_at,omitempty"`
	State        crawler.State      `json:"state"`
	Stats        crawler.CrawlStats `json:"stats"`
	ErrorMessage *string            `json:"error_message,omitempty"`
}

// RunStore records crawl runs.
//
// Expected schema:
//
//	CREATE TABLE crawl_runs (
//		run_id        text PRIMARY KEY,
//		site_id       text NOT NULL,
//		seed          text NOT NULL,
//		started_at    timestamptz NOT NULL,
//		finished_at   timestamptz,
//		state         text NOT NULL,
//		stats         jsonb,
//		error_message text
//	);
type RunStore struct {
	pool  Pool
	table string
}

// NewRunStore constructs a run store over an existing pool.
func NewRunStore(pool Pool, table string) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table, "crawl_runs")
	if err != nil {
		return nil, err
	}
	return &RunStore{pool: pool, table: name}, nil
}

// StartRun inserts a running row; repeated starts are ignored.
func (s *RunStore) StartRun(ctx context.Context, runID, siteID, seed string, startedAt time.Time) error {
	query := fmt.Sprintf("INSERT INTO %s (run_id, site_id, seed, started_at, state) VALUES ($1, $2, $3, $4, $5) "+
		"ON CONFLICT (run_id) DO NOTHING", s.table)
	if _, err := s.pool.Exec(ctx, query, runID, siteID, seed, startedAt, crawler.StateRunning); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun marks a run as finished with its final state and stats.
func (s *RunStore) FinishRun(
	ctx context.Context,
	runID string,
	finishedAt time.Time,
	state crawler.State,
	stats crawler.CrawlStats,
	errMsg *string,
) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("encode stats: %w", err)
	}
	query := fmt.Sprintf("UPDATE %s SET finished_at = $1, state = $2, stats = $3, error_message = $4 "+
		"WHERE run_id = $5", s.table)
	res, err := s.pool.Exec(ctx, query, finishedAt, state, statsJSON, errMsg, runID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if res.RowsAffected() == 0 {
		return fmt.Errorf("run %s not recorded", runID)
	}
	return nil
}

// ListRuns returns the most recent runs, optionally filtered by site.
func (s *RunStore) ListRuns(ctx context.Context, siteID string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	query := fmt.Sprintf("SELECT run_id, site_id, seed, started_at, finished_at, state, stats, error_message "+
		"FROM %s WHERE ($1 = '' OR site_id = $1) ORDER BY started_at DESC LIMIT $2", s.table)
	rows, err := s.pool.Query(ctx, query, siteID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var (
			run       RunRecord
			statsJSON []byte
		)
		if err := rows.Scan(
			&run.RunID,
			&run.SiteID,
			&run.Seed,
			&run.StartedAt,
			&run.FinishedAt,
			&run.State,
			&statsJSON,
			&run.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		if len(statsJSON) > 0 {
			if err := json.Unmarshal(statsJSON, &run.Stats); err != nil {
				return nil, fmt.Errorf("decode run stats: %w", err)
			}
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}
