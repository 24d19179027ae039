package transfer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// sanitizeFilename reduces an attacker-controlled filename to a bare
// basename with no path traversal potential, per spec.md §4.7's
// path-traversal defense.
func sanitizeFilename(name string) string {
	base := filepath.Base(filepath.Clean(name))
	base = strings.TrimLeft(base, ".")
	if base == "" {
		base = "transfer"
	}
	return base
}

// saveFile writes data under dir using a sanitized form of filename,
// appending a numeric suffix on collision. It returns the path
// actually written to.
func saveFile(dir, filename string, data []byte) (string, error) {
	base := sanitizeFilename(filename)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	for attempt := 0; ; attempt++ {
		candidate := base
		if attempt > 0 {
			candidate = fmt.Sprintf("%s-%d%s", stem, attempt, ext)
		}
		path := filepath.Join(dir, candidate)

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if os.IsExist(err) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("transfer: open %s: %w", path, err)
		}

		_, writeErr := f.Write(data)
		closeErr := f.Close()
		if writeErr != nil {
			os.Remove(path)
			return "", fmt.Errorf("transfer: write %s: %w", path, writeErr)
		}
		if closeErr != nil {
			return "", fmt.Errorf("transfer: close %s: %w", path, closeErr)
		}
		return path, nil
	}
}
