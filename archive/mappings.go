package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jobcacher/azstash/pkg/paths"
)

// Mapping ties a configured cache path to where its entries live in the
// archive and where they are restored to.
type Mapping struct {
	// Path as configured, e.g. "~/go/pkg/mod" or "node_modules".
	Path string
	// ResolvedPath is the absolute path on disk.
	ResolvedPath string
	// RelativePath is ResolvedPath relative to Chroot, the archive name prefix.
	RelativePath string
	// Chroot is the directory archive names are relative to.
	Chroot string
	// Relative is set when Path was relative to the working directory.
	Relative bool
}

// ResolveHomeDir expands a leading "~/" to the user's home directory.
func ResolveHomeDir(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}

	return filepath.Join(home, path[2:]), nil
}

// PathsToMappings resolves each path and picks its chroot: the working
// directory for relative paths below it, the home directory for paths below
// home, the filesystem root otherwise.
func PathsToMappings(cachePaths []string) ([]Mapping, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve home directory: %w", err)
	}

	mappings := make([]Mapping, 0, len(cachePaths))

	for _, path := range cachePaths {
		resolved, err := ResolveHomeDir(path)
		if err != nil {
			return nil, err
		}

		relative := !filepath.IsAbs(resolved) && !strings.HasPrefix(path, "~/")
		if !filepath.IsAbs(resolved) {
			resolved = filepath.Join(cwd, resolved)
		}
		resolved = filepath.Clean(resolved)

		m := Mapping{Path: path, ResolvedPath: resolved, Relative: relative}

		switch {
		case relative && under(cwd, resolved):
			m.Chroot = cwd
		case under(home, resolved):
			m.Chroot = home
		default:
			m.Chroot = filepath.VolumeName(resolved) + string(filepath.Separator)
		}

		m.RelativePath = paths.RelPathCheck(m.Chroot, resolved)
		if m.RelativePath == "" || m.RelativePath == "." {
			return nil, fmt.Errorf("cache path %s cannot be the directory it is relative to", path)
		}

		mappings = append(mappings, m)
	}

	return mappings, nil
}

// archiveName is the zip entry prefix of the mapping.
func (m Mapping) archiveName() string {
	return filepath.ToSlash(m.RelativePath)
}

// matches reports whether the zip entry name belongs to the mapping.
func (m Mapping) matches(name string) bool {
	prefix := m.archiveName()
	name = strings.TrimSuffix(name, "/")
	return name == prefix || strings.HasPrefix(name, prefix+"/")
}

func under(dir, path string) bool {
	rel := paths.RelPathCheck(dir, path)
	return rel != "" && rel != "."
}
