package scanner

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// RecordExt is the extension of record files picked up by Scan
const RecordExt = ".json"

// ErrPathTraversal is returned when a relative path escapes the root
var ErrPathTraversal = errors.New("path traversal outside scan root")

// Scanner scans directories for record files
type Scanner struct {
	rootPath string
}

// NewScanner creates a new scanner for the given root path
func NewScanner(rootPath string) *Scanner {
	return &Scanner{
		rootPath: rootPath,
	}
}

// GetRootPath returns the root path for resolving relative paths
func (s *Scanner) GetRootPath() string {
	return s.rootPath
}

// Scan recursively scans for record files and returns paths relative to
// rootPath with forward slashes, in lexical order. Hidden directories are
// skipped.
func (s *Scanner) Scan() ([]string, error) {
	var files []string

	// Get absolute path of root for reliable relative path calculation
	absRoot, err := filepath.Abs(s.rootPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute root path: %w", err)
	}

	err = filepath.Walk(absRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return fmt.Errorf("error accessing path %s: %w", path, err)
		}

		if info.IsDir() {
			if path != absRoot && strings.HasPrefix(info.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}

		if isRecordFile(info) {
			relPath, err := filepath.Rel(absRoot, path)
			if err != nil {
				return fmt.Errorf("failed to get relative path for %s: %w", path, err)
			}
			files = append(files, filepath.ToSlash(relPath))
		}

		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to scan directory: %w", err)
	}

	return files, nil
}

// CountRecordFiles counts record files without collecting their paths
func (s *Scanner) CountRecordFiles() (int, error) {
	count := 0

	err := filepath.Walk(s.rootPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if info.IsDir() {
			if path != s.rootPath && strings.HasPrefix(info.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}

		if isRecordFile(info) {
			count++
		}

		return nil
	})

	if err != nil {
		return 0, fmt.Errorf("failed to count files: %w", err)
	}

	return count, nil
}

// ResolvePath joins a path returned by Scan onto the root. Absolute paths
// and paths that climb out of the root are rejected.
func (s *Scanner) ResolvePath(relPath string) (string, error) {
	native := filepath.FromSlash(relPath)
	if filepath.IsAbs(native) || !filepath.IsLocal(native) {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, relPath)
	}
	return filepath.Join(s.rootPath, native), nil
}

func isRecordFile(info os.FileInfo) bool {
	return info.Mode().IsRegular() && strings.ToLower(filepath.Ext(info.Name())) == RecordExt
}
