// Package health tracks loop liveness through the mtime of a file.
package health

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

var ErrStale = errors.New("tracking file is stale")

// Touch creates path if needed and sets its mtime to now.
func Touch(path string, now time.Time) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Chtimes(path, now, now)
}

// Check returns the age of path and ErrStale when it exceeds maxAge.
func Check(path string, maxAge time.Duration, now time.Time) (time.Duration, error) {
	st, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat tracking file: %w", err)
	}
	age := now.Sub(st.ModTime())
	if age > maxAge {
		return age, fmt.Errorf("%w: %s is %s old (max %s)", ErrStale, path, age.Round(time.Second), maxAge)
	}
	return age, nil
}
