package journal

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Batch output file names.
const (
	ManifestFile = "manifest.msgpack"
	LogFile      = "batch.jsonl"
	ResultsFile  = "results.csv"
	SummaryFile  = "summary.json"
)

// ErrManifestMismatch is returned when a resume targets a directory written
// for different input.
var ErrManifestMismatch = errors.New("journal: manifest does not match this run")

// Manifest identifies the run that owns a batch directory.
type Manifest struct {
	RunID            string    `msgpack:"run_id" json:"run_id"`
	CreatedAt        time.Time `msgpack:"created_at" json:"created_at"`
	Input            string    `msgpack:"input" json:"input"`
	InputDigest      string    `msgpack:"input_digest" json:"input_digest"`
	TotalRows        int       `msgpack:"total_rows" json:"total_rows"`
	ConstraintSource string    `msgpack:"constraint_source" json:"constraint_source"`
	PromptName       string    `msgpack:"prompt_name" json:"prompt_name"`
	PromptVersion    string    `msgpack:"prompt_version" json:"prompt_version"`
	Model            string    `msgpack:"model" json:"model"`
	DryRun           bool      `msgpack:"dry_run" json:"dry_run"`
}

// Compatible reports whether a run described by other may continue in the
// directory owned by m.
func (m *Manifest) Compatible(other *Manifest) error {
	if m.InputDigest != other.InputDigest {
		return fmt.Errorf("%w: input digest %s, directory holds %s", ErrManifestMismatch, short(other.InputDigest), short(m.InputDigest))
	}
	if m.ConstraintSource != other.ConstraintSource {
		return fmt.Errorf("%w: constraint source %s, directory holds %s", ErrManifestMismatch, other.ConstraintSource, m.ConstraintSource)
	}
	if m.DryRun != other.DryRun {
		return fmt.Errorf("%w: dry run %t, directory holds %t", ErrManifestMismatch, other.DryRun, m.DryRun)
	}
	return nil
}

// WriteManifest stores m in dir atomically.
func WriteManifest(dir string, m *Manifest) error {
	data, err := msgpack.Marshal(m)
	if err != nil {
		return fmt.Errorf("journal: encode manifest: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".manifest-*")
	if err != nil {
		return fmt.Errorf("journal: write manifest: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("journal: write manifest: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("journal: write manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("journal: write manifest: %w", err)
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, ManifestFile))
}

// ReadManifest loads the manifest in dir. It returns os.ErrNotExist (wrapped)
// when the directory has none.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("journal: read manifest: %w", err)
	}
	var m Manifest
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("journal: decode manifest: %w", err)
	}
	return &m, nil
}

// DigestFile returns the hex sha256 of the file at path.
func DigestFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("journal: digest %s: %w", path, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("journal: digest %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func short(digest string) string {
	if len(digest) > 12 {
		return digest[:12]
	}
	return digest
}
