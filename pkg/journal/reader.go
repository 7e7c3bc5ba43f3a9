package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	dayDirPattern  = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	runFilePattern = regexp.MustCompile(`^run_(\d+)\.jsonl$`)
)

// Reader loads single-run records from a runs directory laid out as
// <dir>/YYYY-MM-DD/run_NNN.jsonl.
type Reader struct {
	dir string
}

// NewReader returns a reader rooted at dir (defaults to ./runs).
func NewReader(dir string) *Reader {
	if strings.TrimSpace(dir) == "" {
		dir = "runs"
	}
	return &Reader{dir: dir}
}

// List returns run file paths ordered oldest first. If limit > 0, only the
// latest N files are returned.
func (r *Reader) List(limit int) ([]string, error) {
	days, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("journal: list dir %s: %w", r.dir, err)
	}
	var dayNames []string
	for _, ent := range days {
		if ent.IsDir() && dayDirPattern.MatchString(ent.Name()) {
			dayNames = append(dayNames, ent.Name())
		}
	}
	sort.Strings(dayNames)

	var files []string
	for _, day := range dayNames {
		runs, err := listRunFiles(filepath.Join(r.dir, day))
		if err != nil {
			return nil, err
		}
		files = append(files, runs...)
	}
	if limit > 0 && len(files) > limit {
		files = files[len(files)-limit:]
	}
	return files, nil
}

// Load reads a single run file.
func (r *Reader) Load(path string) (*RunRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("journal: read %s: %w", path, err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordBytes)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("journal: read %s: %w", path, err)
		}
		return nil, fmt.Errorf("journal: %s is empty", path)
	}
	var rec RunRecord
	if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
		return nil, fmt.Errorf("journal: decode %s: %w", path, err)
	}
	return &rec, nil
}

// Latest loads the most recent N run records (ascending order).
func (r *Reader) Latest(limit int) ([]*RunRecord, error) {
	files, err := r.List(limit)
	if err != nil {
		return nil, err
	}
	out := make([]*RunRecord, 0, len(files))
	for _, path := range files {
		rec, err := r.Load(path)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// listRunFiles returns the run files in one day directory ordered by number.
func listRunFiles(dayDir string) ([]string, error) {
	entries, err := os.ReadDir(dayDir)
	if err != nil {
		return nil, fmt.Errorf("journal: list dir %s: %w", dayDir, err)
	}
	type numbered struct {
		n    int
		path string
	}
	var runs []numbered
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		if n, ok := runNumber(ent.Name()); ok {
			runs = append(runs, numbered{n: n, path: filepath.Join(dayDir, ent.Name())})
		}
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].n < runs[j].n })
	out := make([]string, len(runs))
	for i, r := range runs {
		out[i] = r.path
	}
	return out, nil
}

func runNumber(name string) (int, bool) {
	m := runFilePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	return n, err == nil
}
