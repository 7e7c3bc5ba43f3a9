package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// RunLogger writes single-run records and their artifacts under
// <dir>/YYYY-MM-DD/.
type RunLogger struct {
	dir string
	now func() time.Time
}

func NewRunLogger(dir string) *RunLogger {
	return &RunLogger{dir: NewReader(dir).dir, now: time.Now}
}

// Log assigns the next run number of the day, writes run_NNN.jsonl and the
// run_NNN_artifacts directory, and returns the record path.
func (l *RunLogger) Log(rec *RunRecord) (string, error) {
	now := l.now()
	dayDir := filepath.Join(l.dir, now.Format("2006-01-02"))
	if err := os.MkdirAll(dayDir, 0o755); err != nil {
		return "", fmt.Errorf("journal: create run dir: %w", err)
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = now
	}

	f, n, err := l.claimRunFile(dayDir)
	if err != nil {
		return "", err
	}
	rec.RunNumber = n
	line, err := json.Marshal(rec)
	if err != nil {
		f.Close()
		return "", fmt.Errorf("journal: encode run: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return "", fmt.Errorf("journal: write run: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("journal: write run: %w", err)
	}
	if err := writeArtifacts(filepath.Join(dayDir, fmt.Sprintf("run_%03d_artifacts", n)), rec); err != nil {
		return "", err
	}
	return f.Name(), nil
}

// claimRunFile creates the next free run_NNN.jsonl exclusively, so concurrent
// loggers never share a number.
func (l *RunLogger) claimRunFile(dayDir string) (*os.File, int, error) {
	existing, err := listRunFiles(dayDir)
	if err != nil {
		return nil, 0, err
	}
	next := 1
	if len(existing) > 0 {
		last, _ := runNumber(filepath.Base(existing[len(existing)-1]))
		next = last + 1
	}
	for attempt := 0; attempt < 100; attempt++ {
		path := filepath.Join(dayDir, fmt.Sprintf("run_%03d.jsonl", next))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			return f, next, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, 0, fmt.Errorf("journal: create run file: %w", err)
		}
		next++
	}
	return nil, 0, fmt.Errorf("journal: no free run number in %s", dayDir)
}

func writeArtifacts(dir string, rec *RunRecord) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("journal: create artifacts dir: %w", err)
	}
	write := func(name string, data []byte) error {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return fmt.Errorf("journal: write artifact %s: %w", name, err)
		}
		return nil
	}
	if rec.SystemPrompt != "" {
		if err := write("system_prompt.txt", []byte(rec.SystemPrompt)); err != nil {
			return err
		}
	}
	if rec.UserPayload != nil {
		data, err := json.MarshalIndent(rec.UserPayload, "", "  ")
		if err != nil {
			return fmt.Errorf("journal: encode user payload: %w", err)
		}
		if err := write("user_payload.json", data); err != nil {
			return err
		}
	}
	if rec.Response != "" {
		if err := write("raw_response.txt", []byte(rec.Response)); err != nil {
			return err
		}
	}
	if rec.Validation != nil {
		data, err := json.MarshalIndent(rec.Validation, "", "  ")
		if err != nil {
			return fmt.Errorf("journal: encode validation: %w", err)
		}
		if err := write("validation.json", data); err != nil {
			return err
		}
	}
	return nil
}
