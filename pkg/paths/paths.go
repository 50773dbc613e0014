package paths

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot is returned by Confine for paths escaping the root directory.
var ErrOutsideRoot = errors.New("path is outside the root directory")

// RelPathCheck returns the relative path if the path is within the base path.
func RelPathCheck(base, path string) string {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return ""
	}

	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return ""
	}

	return rel
}

// Confine resolves path against root and returns the cleaned absolute path,
// failing when the result is not root itself or below it. Relative paths are
// taken relative to root. An empty root confines nothing.
func Confine(root, path string) (string, error) {
	if path == "" {
		return "", errors.New("path is required")
	}

	if root == "" {
		return filepath.Clean(path), nil
	}

	root, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve root %s: %w", root, err)
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	path = filepath.Clean(path)

	if RelPathCheck(root, path) == "" {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}

	return path, nil
}
