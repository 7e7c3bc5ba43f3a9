package journal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/zeromicro/go-zero/core/logx"
)

const maxRecordBytes = 16 << 20

// Log is the append-only batch.jsonl row log. Each Append is flushed to
// stable storage before it returns.
type Log struct {
	f *os.File
}

// OpenLog opens path for appending, creating it if needed.
func OpenLog(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("journal: create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open log %s: %w", path, err)
	}
	if err := terminateTail(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("journal: repair log %s: %w", path, err)
	}
	return &Log{f: f}, nil
}

// terminateTail ends a torn last line so the next record starts on its own
// line instead of being glued to the fragment.
func terminateTail(f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return err
	}
	if last[0] == '\n' {
		return nil
	}
	logx.Infof("journal: terminating torn line in %s", f.Name())
	if _, err := f.Write([]byte{'\n'}); err != nil {
		return err
	}
	return f.Sync()
}

// Append writes rec as one JSON line and syncs it.
func (l *Log) Append(rec *RowRecord) error {
	line, err := encodeLine(rec)
	if err != nil {
		return err
	}
	if _, err := l.f.Write(line); err != nil {
		return fmt.Errorf("journal: append row %d: %w", rec.Row, err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("journal: sync row %d: %w", rec.Row, err)
	}
	return nil
}

func (l *Log) Close() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// ReadLog returns the rows in path ordered by row index. When a row appears
// more than once the last occurrence wins. Lines that do not decode, such as
// a write torn by a crash, are skipped. A missing file yields no rows.
func ReadLog(path string) ([]*RowRecord, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("journal: open log %s: %w", path, err)
	}
	defer f.Close()
	return decodeRows(f, path)
}

func decodeRows(r io.Reader, name string) ([]*RowRecord, error) {
	byRow := map[int]*RowRecord{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordBytes)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec RowRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			logx.Errorf("journal: skip undecodable line file=%s line=%d err=%v", name, lineNo, err)
			continue
		}
		byRow[rec.Row] = &rec
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("journal: scan %s: %w", name, err)
	}
	out := make([]*RowRecord, 0, len(byRow))
	for _, rec := range byRow {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Row < out[j].Row })
	return out, nil
}

// ContiguousPrefix returns N such that rows 0..N-1 are all present in recs.
// recs must be sorted by row, as ReadLog returns them.
func ContiguousPrefix(recs []*RowRecord) int {
	next := 0
	for _, rec := range recs {
		if rec.Row != next {
			break
		}
		next++
	}
	return next
}

// CompactLog rewrites path so it holds only rows below keepBelow, one line
// per row. The rewrite goes through a temp file and a rename, so a crash
// leaves either the old or the new log.
func CompactLog(path string, keepBelow int) (int, error) {
	recs, err := ReadLog(path)
	if err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".batch-*.jsonl")
	if err != nil {
		return 0, fmt.Errorf("journal: compact %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	kept := 0
	w := bufio.NewWriter(tmp)
	for _, rec := range recs {
		if rec.Row >= keepBelow {
			continue
		}
		line, err := encodeLine(rec)
		if err != nil {
			tmp.Close()
			return 0, err
		}
		if _, err := w.Write(line); err != nil {
			tmp.Close()
			return 0, fmt.Errorf("journal: compact %s: %w", path, err)
		}
		kept++
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("journal: compact %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("journal: compact %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("journal: compact %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, fmt.Errorf("journal: compact %s: %w", path, err)
	}
	return kept, nil
}

func encodeLine(rec *RowRecord) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(rec); err != nil {
		return nil, fmt.Errorf("journal: encode row %d: %w", rec.Row, err)
	}
	return buf.Bytes(), nil
}
