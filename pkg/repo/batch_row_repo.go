package repo

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zeromicro/go-zero/core/stores/sqlx"

	"promptlab/internal/model"
	"promptlab/pkg/journal"
)

// BatchRowRepository mirrors batch row records into a SQL table.
type BatchRowRepository interface {
	SaveRow(ctx context.Context, rec *journal.RowRecord) error
	// SaveRows writes recs in one transaction.
	SaveRows(ctx context.Context, recs []*journal.RowRecord) error
	FindRow(ctx context.Context, runID string, row int) (*journal.RowRecord, error)
	ListRun(ctx context.Context, runID string) ([]*journal.RowRecord, error)
	// Prune drops rows of runID at or after fromRow.
	Prune(ctx context.Context, runID string, fromRow int) (int64, error)
}

type batchRowRepo struct {
	rows model.BatchRowsModel
	conn sqlx.SqlConn
}

// NewBatchRowRepository wires the repo with the table model and the
// connection used for transactions.
func NewBatchRowRepository(rows model.BatchRowsModel, conn sqlx.SqlConn) BatchRowRepository {
	return &batchRowRepo{rows: rows, conn: conn}
}

func (r *batchRowRepo) SaveRow(ctx context.Context, rec *journal.RowRecord) error {
	row, err := toBatchRow(rec)
	if err != nil {
		return err
	}
	if err := r.rows.Upsert(ctx, row); err != nil {
		return fmt.Errorf("batch row repo: upsert run=%s row=%d: %w", rec.RunID, rec.Row, err)
	}
	return nil
}

func (r *batchRowRepo) SaveRows(ctx context.Context, recs []*journal.RowRecord) error {
	rows := make([]*model.BatchRows, 0, len(recs))
	for _, rec := range recs {
		row, err := toBatchRow(rec)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	return withTx(ctx, r.conn, func(ctx context.Context, session sqlx.Session) error {
		for _, row := range rows {
			if err := r.rows.UpsertSession(ctx, session, row); err != nil {
				return fmt.Errorf("batch row repo: upsert run=%s row=%d: %w", row.RunId, row.RowIndex, err)
			}
		}
		return nil
	})
}

func (r *batchRowRepo) FindRow(ctx context.Context, runID string, row int) (*journal.RowRecord, error) {
	found, err := r.rows.FindOne(ctx, runID, int64(row))
	if err != nil {
		return nil, err
	}
	return fromBatchRow(found)
}

func (r *batchRowRepo) ListRun(ctx context.Context, runID string) ([]*journal.RowRecord, error) {
	rows, err := r.rows.ListByRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("batch row repo: list run=%s: %w", runID, err)
	}
	out := make([]*journal.RowRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := fromBatchRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *batchRowRepo) Prune(ctx context.Context, runID string, fromRow int) (int64, error) {
	return r.rows.DeleteFrom(ctx, runID, int64(fromRow))
}

func toBatchRow(rec *journal.RowRecord) (*model.BatchRows, error) {
	if rec == nil {
		return nil, errors.New("batch row repo: nil record")
	}
	if rec.RunID == "" {
		return nil, fmt.Errorf("batch row repo: run id required (row %d)", rec.Row)
	}
	payload, err := encodeJSON(rec)
	if err != nil {
		return nil, fmt.Errorf("batch row repo: marshal row %d: %w", rec.Row, err)
	}
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	row := &model.BatchRows{
		RunId:                 rec.RunID,
		RowIndex:              int64(rec.Row),
		LifeStage:             rec.LifeStage,
		RiskLevel:             rec.RiskLevel,
		Need:                  rec.Need,
		Status:                string(rec.Status),
		Passed:                rec.Passed,
		ConstraintsConsistent: rec.ConstraintsConsistent,
		PromptVersion:         rec.PromptVersion,
		TotalTokens:           rec.TotalTokens,
		RecordedAt:            ts.UTC().Format(time.RFC3339Nano),
		Record:                payload,
	}
	if rec.Deviation != nil {
		row.TotalAbsDiff = sql.NullInt64{Int64: int64(rec.Deviation.TotalAbsDiff), Valid: true}
	}
	if rec.ComputedVol != nil {
		row.ComputedVol = sql.NullFloat64{Float64: *rec.ComputedVol, Valid: true}
	}
	if rec.APILatencyMS != nil {
		row.LatencyMs = sql.NullFloat64{Float64: *rec.APILatencyMS, Valid: true}
	}
	return row, nil
}

func fromBatchRow(row *model.BatchRows) (*journal.RowRecord, error) {
	var rec journal.RowRecord
	if err := json.Unmarshal([]byte(row.Record), &rec); err != nil {
		return nil, fmt.Errorf("batch row repo: decode run=%s row=%d: %w", row.RunId, row.RowIndex, err)
	}
	return &rec, nil
}

// encodeJSON keeps non-ASCII profile values readable in the stored payload.
func encodeJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}
