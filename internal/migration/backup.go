package migration

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"
)

// BackupPath is where a copy of path taken at t goes.
func BackupPath(path string, t time.Time) string {
	return path + ".backup." + strconv.FormatInt(t.Unix(), 10)
}

const maxBackupAttempts = 100

// backupFile copies src next to itself. When the name for t is taken, by a
// run in the same second, a counter is appended: .backup.<unix>.2, .3 ...
func backupFile(src string, t time.Time) (string, error) {
	base := BackupPath(src, t)
	dst := base
	for n := 2; ; n++ {
		err := copyFile(src, dst)
		if err == nil {
			return dst, nil
		}
		if !errors.Is(err, os.ErrExist) || n > maxBackupAttempts {
			return "", err
		}
		dst = base + "." + strconv.Itoa(n)
	}
}

// backupSources lists the files that exist and would be copied.
func backupSources(candidates ...string) ([]string, error) {
	var out []string
	for _, p := range candidates {
		if p == "" {
			continue
		}
		info, err := os.Stat(p)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", p, err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("backup source %s is a directory", p)
		}
		out = append(out, p)
	}
	return out, nil
}

// copyFile copies src to dst, refusing to overwrite an existing backup.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
