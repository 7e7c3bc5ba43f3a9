// Package sink mirrors batch rows into a SQL database alongside the JSONL log.
package sink

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/stores/sqlx"
	_ "modernc.org/sqlite"

	"promptlab/internal/model"
	"promptlab/pkg/journal"
	"promptlab/pkg/repo"
)

// Config selects the database. Driver is one of sqlite, postgres (lib/pq)
// or pgx.
type Config struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// Enabled reports whether a DSN is configured.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.DSN) != ""
}

// Service persists rows through the batch row repository.
type Service struct {
	conn sqlx.SqlConn
	repo repo.BatchRowRepository
}

// Open connects, creates the batch_rows table if needed and returns a ready
// Service.
func Open(ctx context.Context, cfg Config) (*Service, error) {
	if !cfg.Enabled() {
		return nil, errors.New("sink: dsn is required")
	}
	driver := cfg.Driver
	if driver == "" {
		driver = "sqlite"
	}
	dialect, err := model.DialectFor(driver)
	if err != nil {
		return nil, fmt.Errorf("sink: %w", err)
	}
	conn := sqlx.NewSqlConn(driver, cfg.DSN)
	rows := model.NewBatchRowsModel(conn, dialect)
	if err := rows.CreateTable(ctx); err != nil {
		return nil, fmt.Errorf("sink: create table: %w", err)
	}
	logx.WithContext(ctx).Infof("sink: connected driver=%s", driver)
	return &Service{conn: conn, repo: repo.NewBatchRowRepository(rows, conn)}, nil
}

// Put upserts one row.
func (s *Service) Put(ctx context.Context, rec *journal.RowRecord) error {
	if s == nil {
		return nil
	}
	return s.repo.SaveRow(ctx, rec)
}

// Prune drops rows of runID at or after fromRow so a resumed run does not
// leave stale rows behind.
func (s *Service) Prune(ctx context.Context, runID string, fromRow int) error {
	if s == nil {
		return nil
	}
	n, err := s.repo.Prune(ctx, runID, fromRow)
	if err != nil {
		return fmt.Errorf("sink: prune run=%s from=%d: %w", runID, fromRow, err)
	}
	if n > 0 {
		logx.WithContext(ctx).Infof("sink: pruned rows run_id=%s from=%d count=%d", runID, fromRow, n)
	}
	return nil
}

// Sync mirrors every row of an output directory's log in one transaction.
func (s *Service) Sync(ctx context.Context, outputDir string) (int, error) {
	recs, err := journal.ReadLog(filepath.Join(outputDir, journal.LogFile))
	if err != nil {
		return 0, err
	}
	if err := s.repo.SaveRows(ctx, recs); err != nil {
		return 0, err
	}
	return len(recs), nil
}

// Rows returns the stored rows of runID ordered by row index.
func (s *Service) Rows(ctx context.Context, runID string) ([]*journal.RowRecord, error) {
	return s.repo.ListRun(ctx, runID)
}

// Row returns one stored row, or model.ErrNotFound.
func (s *Service) Row(ctx context.Context, runID string, row int) (*journal.RowRecord, error) {
	return s.repo.FindRow(ctx, runID, row)
}

// Close releases the underlying pool.
func (s *Service) Close() error {
	if s == nil {
		return nil
	}
	db, err := s.conn.RawDB()
	if err != nil {
		return err
	}
	return db.Close()
}
