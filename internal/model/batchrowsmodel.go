package model

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/zeromicro/go-zero/core/stores/sqlx"
)

var (
	ErrNotFound = sqlx.ErrNotFound

	_ BatchRowsModel = (*defaultBatchRowsModel)(nil)
)

// Dialect names the SQL flavour behind a connection. It decides placeholder
// syntax; the DDL and upsert statements are shared.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// DialectFor maps a database/sql driver name to its dialect.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "sqlite":
		return DialectSQLite, nil
	case "postgres", "pgx":
		return DialectPostgres, nil
	default:
		return "", fmt.Errorf("model: unsupported driver %q", driver)
	}
}

// rebind rewrites ? placeholders to $n for postgres.
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const batchRowsTable = "batch_rows"

const batchRowsSchema = `CREATE TABLE IF NOT EXISTS batch_rows (
    run_id                 TEXT NOT NULL,
    row_index              INTEGER NOT NULL,
    life_stage             TEXT NOT NULL,
    risk_level             TEXT NOT NULL,
    need                   TEXT NOT NULL,
    status                 TEXT NOT NULL,
    passed                 BOOLEAN NOT NULL,
    constraints_consistent BOOLEAN NOT NULL,
    prompt_version         TEXT NOT NULL,
    total_abs_diff         INTEGER NULL,
    computed_vol           DOUBLE PRECISION NULL,
    latency_ms             DOUBLE PRECISION NULL,
    total_tokens           BIGINT NOT NULL,
    recorded_at            TEXT NOT NULL,
    record                 TEXT NOT NULL,
    PRIMARY KEY (run_id, row_index)
)`

var batchRowsColumns = []string{
	"run_id", "row_index", "life_stage", "risk_level", "need", "status", "passed",
	"constraints_consistent", "prompt_version", "total_abs_diff", "computed_vol",
	"latency_ms", "total_tokens", "recorded_at", "record",
}

type (
	// BatchRowsModel is the batch_rows table.
	BatchRowsModel interface {
		CreateTable(ctx context.Context) error
		Upsert(ctx context.Context, data *BatchRows) error
		UpsertSession(ctx context.Context, session sqlx.Session, data *BatchRows) error
		FindOne(ctx context.Context, runID string, row int64) (*BatchRows, error)
		ListByRun(ctx context.Context, runID string) ([]*BatchRows, error)
		DeleteFrom(ctx context.Context, runID string, fromRow int64) (int64, error)
	}

	defaultBatchRowsModel struct {
		conn    sqlx.SqlConn
		dialect Dialect
	}

	// BatchRows is one persisted batch row. Record holds the full JSON row.
	BatchRows struct {
		RunId                 string          `db:"run_id"`
		RowIndex              int64           `db:"row_index"`
		LifeStage             string          `db:"life_stage"`
		RiskLevel             string          `db:"risk_level"`
		Need                  string          `db:"need"`
		Status                string          `db:"status"`
		Passed                bool            `db:"passed"`
		ConstraintsConsistent bool            `db:"constraints_consistent"`
		PromptVersion         string          `db:"prompt_version"`
		TotalAbsDiff          sql.NullInt64   `db:"total_abs_diff"`
		ComputedVol           sql.NullFloat64 `db:"computed_vol"`
		LatencyMs             sql.NullFloat64 `db:"latency_ms"`
		TotalTokens           int64           `db:"total_tokens"`
		RecordedAt            string          `db:"recorded_at"`
		Record                string          `db:"record"`
	}
)

// NewBatchRowsModel returns a model for the batch_rows table.
func NewBatchRowsModel(conn sqlx.SqlConn, dialect Dialect) BatchRowsModel {
	return &defaultBatchRowsModel{conn: conn, dialect: dialect}
}

func (m *defaultBatchRowsModel) CreateTable(ctx context.Context) error {
	_, err := m.conn.ExecCtx(ctx, batchRowsSchema)
	return err
}

func (m *defaultBatchRowsModel) Upsert(ctx context.Context, data *BatchRows) error {
	return m.UpsertSession(ctx, m.conn, data)
}

// UpsertSession writes data through session, replacing any row with the same
// (run_id, row_index).
func (m *defaultBatchRowsModel) UpsertSession(ctx context.Context, session sqlx.Session, data *BatchRows) error {
	if data == nil {
		return errors.New("batch_rows: nil data")
	}
	updates := make([]string, 0, len(batchRowsColumns)-2)
	for _, col := range batchRowsColumns[2:] {
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", col, col))
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)
ON CONFLICT (run_id, row_index) DO UPDATE SET %s`,
		batchRowsTable,
		strings.Join(batchRowsColumns, ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(batchRowsColumns)), ", "),
		strings.Join(updates, ", "))
	_, err := session.ExecCtx(ctx, m.dialect.rebind(query),
		data.RunId, data.RowIndex, data.LifeStage, data.RiskLevel, data.Need, data.Status, data.Passed,
		data.ConstraintsConsistent, data.PromptVersion, data.TotalAbsDiff, data.ComputedVol,
		data.LatencyMs, data.TotalTokens, data.RecordedAt, data.Record)
	return err
}

func (m *defaultBatchRowsModel) FindOne(ctx context.Context, runID string, row int64) (*BatchRows, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE run_id = ? AND row_index = ? LIMIT 1",
		strings.Join(batchRowsColumns, ", "), batchRowsTable)
	var resp BatchRows
	err := m.conn.QueryRowCtx(ctx, &resp, m.dialect.rebind(query), runID, row)
	switch {
	case err == nil:
		return &resp, nil
	case errors.Is(err, sqlx.ErrNotFound):
		return nil, ErrNotFound
	default:
		return nil, err
	}
}

func (m *defaultBatchRowsModel) ListByRun(ctx context.Context, runID string) ([]*BatchRows, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE run_id = ? ORDER BY row_index",
		strings.Join(batchRowsColumns, ", "), batchRowsTable)
	var rows []*BatchRows
	if err := m.conn.QueryRowsCtx(ctx, &rows, m.dialect.rebind(query), runID); err != nil {
		return nil, err
	}
	return rows, nil
}

// DeleteFrom removes rows of runID with row_index >= fromRow.
func (m *defaultBatchRowsModel) DeleteFrom(ctx context.Context, runID string, fromRow int64) (int64, error) {
	query := fmt.Sprintf("DELETE FROM %s WHERE run_id = ? AND row_index >= ?", batchRowsTable)
	res, err := m.conn.ExecCtx(ctx, m.dialect.rebind(query), runID, fromRow)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
