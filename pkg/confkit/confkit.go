package confkit

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/joho/godotenv"
)

var dotenvOnce sync.Once

// LoadDotenvOnce loads .env from the working directory and the project root.
// Variables already present in the environment are never overwritten.
func LoadDotenvOnce() {
	dotenvOnce.Do(func() {
		_ = godotenv.Load()
		if root, err := ProjectRoot(); err == nil {
			_ = godotenv.Load(filepath.Join(root, ".env"))
		}
	})
}

// ProjectRoot walks up from the working directory until it finds go.mod.
func ProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("confkit: getwd: %w", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("confkit: go.mod not found above working directory")
		}
		dir = parent
	}
}

// ProjectPath resolves rel against the project root. Absolute paths are returned as-is.
func ProjectPath(rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return rel, nil
	}
	root, err := ProjectRoot()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, rel), nil
}

// MustProjectPath is ProjectPath that panics on failure.
func MustProjectPath(rel string) string {
	p, err := ProjectPath(rel)
	if err != nil {
		panic(err)
	}
	return p
}

// ResolvePath returns rel unchanged when it exists relative to the working
// directory, otherwise it is resolved against the project root.
func ResolvePath(rel string) string {
	if rel == "" || filepath.IsAbs(rel) {
		return rel
	}
	if _, err := os.Stat(rel); err == nil {
		return rel
	}
	if p, err := ProjectPath(rel); err == nil {
		return p
	}
	return rel
}
