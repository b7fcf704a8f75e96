package logs

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

const mb = 1024 * 1024

type CleanResult struct {
	DeletedFiles int     `json:"deleted_files"`
	FreedSpaceMB float64 `json:"freed_space_mb"`
}

type FileRef struct {
	Path     string     `json:"path,omitempty"`
	Modified *time.Time `json:"modified,omitempty"`
}

type Stats struct {
	TotalFiles  int     `json:"total_files"`
	TotalSizeMB float64 `json:"total_size_mb"`
	OldestFile  FileRef `json:"oldest_file"`
	NewestFile  FileRef `json:"newest_file"`
}

type logFile struct {
	path    string
	size    int64
	modTime time.Time
}

// listLogFiles returns live and rotated log files in dir, newest first.
// A missing directory yields no files.
func listLogFiles(dir string) ([]logFile, error) {
	var paths []string
	for _, pattern := range []string{"*.log", "*.log.*"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, err
		}
		paths = append(paths, matches...)
	}

	seen := make(map[string]bool, len(paths))
	files := make([]logFile, 0, len(paths))
	for _, p := range paths {
		if seen[p] {
			continue
		}
		seen[p] = true
		info, err := os.Stat(p)
		if err != nil || info.IsDir() {
			continue
		}
		files = append(files, logFile{path: p, size: info.Size(), modTime: info.ModTime()})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].modTime.After(files[j].modTime) })
	return files, nil
}

// isRotated reports whether name is a rotated backup rather than a live log.
// Both "engine.log.20240101" and "engine-2024-01-01T00-00-00.000.log" qualify.
func isRotated(name string) bool {
	return strings.Count(name, ".") > 1
}

// Clean removes rotated log files in dir older than keepDays. Live log files
// are never touched.
func Clean(dir string, keepDays int, logger *zap.Logger) (CleanResult, error) {
	var res CleanResult

	files, err := listLogFiles(dir)
	if err != nil {
		return res, err
	}

	cutoff := time.Now().Add(-time.Duration(keepDays) * 24 * time.Hour)
	var freed int64
	var errs []error
	for _, f := range files {
		if !isRotated(filepath.Base(f.path)) || !f.modTime.Before(cutoff) {
			continue
		}
		if err := os.Remove(f.path); err != nil {
			logger.Error("Failed to delete log file", zap.String("file", f.path), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		res.DeletedFiles++
		freed += f.size
		logger.Debug("Deleted log file",
			zap.String("file", f.path),
			zap.Duration("age", time.Since(f.modTime)))
	}

	res.FreedSpaceMB = float64(freed) / mb
	return res, errors.Join(errs...)
}

func CollectStats(dir string) (Stats, error) {
	var st Stats

	files, err := listLogFiles(dir)
	if err != nil {
		return st, err
	}

	var total int64
	for i := range files {
		f := files[i]
		total += f.size
		st.TotalFiles++
		if st.OldestFile.Modified == nil || f.modTime.Before(*st.OldestFile.Modified) {
			st.OldestFile = FileRef{Path: f.path, Modified: &files[i].modTime}
		}
		if st.NewestFile.Modified == nil || f.modTime.After(*st.NewestFile.Modified) {
			st.NewestFile = FileRef{Path: f.path, Modified: &files[i].modTime}
		}
	}
	st.TotalSizeMB = float64(total) / mb
	return st, nil
}
