package prompt

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/zeromicro/go-zero/core/logx"
)

const defaultHeaderScanLimit = 8 * 1024

var versionHeader = regexp.MustCompile(`(?i)version:\s*([a-z0-9._-]+)`)

// VersionGuard checks that a template declares the version the registry
// expects, via a {{/* Version: v001 */}} header near the top of the file.
type VersionGuard struct {
	RequireHeader bool
	StrictMode    bool
	ScanLimit     int
	Logf          func(format string, args ...any)
}

// Check returns the declared version of content. A missing header is an error
// only when RequireHeader is set; a mismatch with expected only when StrictMode is.
func (g VersionGuard) Check(name string, content []byte, expected string) (string, error) {
	declared, ok := DeclaredVersion(content, g.scanLimit())
	if !ok {
		msg := fmt.Sprintf("prompt template %s missing Version header (expected {{/* Version: <id> */}})", name)
		if g.RequireHeader {
			return "", fmt.Errorf("%w: %s", ErrTemplate, msg)
		}
		g.logf("%s", msg)
		return "", nil
	}
	expected = strings.TrimSpace(expected)
	if expected != "" && !strings.EqualFold(declared, expected) {
		msg := fmt.Sprintf("prompt template %s declared version %s but expected %s", name, declared, expected)
		if g.StrictMode {
			return "", fmt.Errorf("%w: %s", ErrTemplate, msg)
		}
		g.logf("%s", msg)
	}
	return declared, nil
}

// DeclaredVersion scans the first limit bytes of content for a version header.
func DeclaredVersion(content []byte, limit int) (string, bool) {
	if limit <= 0 || limit > len(content) {
		limit = len(content)
	}
	m := versionHeader.FindSubmatch(content[:limit])
	if len(m) < 2 {
		return "", false
	}
	return strings.TrimSpace(string(m[1])), true
}

func (g VersionGuard) scanLimit() int {
	if g.ScanLimit > 0 {
		return g.ScanLimit
	}
	return defaultHeaderScanLimit
}

func (g VersionGuard) logf(format string, args ...any) {
	if g.Logf != nil {
		g.Logf(format, args...)
		return
	}
	logx.Infof(format, args...)
}
