// Package key renders cache key templates.
//
// A key template is a text/template string with a small set of functions:
//
//	{{ id }}                  the cache id
//	{{ env "NAME" }}          an environment variable, trimmed
//	{{ agent.os }}            runtime.GOOS, also agent.arch
//	{{ checksum "go.sum" }}   sha256 over every file matching the globs
//
// Rendered keys are trimmed of surrounding whitespace.
package key

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"text/template"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog/log"
)

// files never worth hashing, matched on the base name
var ignoreFiles = []string{
	".DS_Store",
	"Thumbs.db",
	".git",
	".hg",
	".svn",
	".bzr",
	".vscode",
	".idea",
	".keep",
}

// Template renders key using the process environment.
func Template(id, key string) (string, error) {
	return TemplateWithEnv(id, key, nil)
}

// TemplateWithEnv renders key, resolving {{ env }} from env instead of the
// process environment when env is non-nil.
func TemplateWithEnv(id, key string, env map[string]string) (string, error) {
	tpl, err := template.New("key").Option("missingkey=zero").Funcs(template.FuncMap{
		"id":       func() string { return strings.TrimSpace(id) },
		"checksum": Checksum,
		"env":      lookupEnv(env),
		"agent":    agent,
	}).Parse(key)
	if err != nil {
		return "", fmt.Errorf("failed to parse key template %q: %w", key, err)
	}

	var sb strings.Builder
	if err := tpl.Execute(&sb, nil); err != nil {
		return "", fmt.Errorf("failed to render key template %q: %w", key, err)
	}

	return strings.TrimSpace(sb.String()), nil
}

func agent() map[string]string {
	return map[string]string{
		"os":   runtime.GOOS,
		"arch": runtime.GOARCH,
	}
}

func lookupEnv(env map[string]string) func(string) string {
	return func(name string) string {
		var value string
		if env != nil {
			value = env[name]
		} else {
			value = os.Getenv(name)
		}

		log.Debug().Str("name", name).Bool("set", value != "").Msg("key env lookup")

		return strings.TrimSpace(value)
	}
}

// Checksum hashes every file matched by the glob patterns, relative to the
// working directory. No match at all renders as the empty string.
func Checksum(patterns ...string) (string, error) {
	if len(patterns) == 0 {
		return "", nil
	}

	files, err := ResolveFiles(patterns)
	if err != nil {
		return "", err
	}

	if len(files) == 0 {
		log.Warn().Strs("patterns", patterns).Msg("no files found for checksum")
		return "", nil
	}

	// hash of the concatenated per file hashes, so the key only depends on
	// file contents and their sorted order
	var sums strings.Builder
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", file, err)
		}
		sums.WriteString(sum(data))
	}

	log.Debug().Int("files", len(files)).Strs("patterns", patterns).Msg("checksummed files")

	return sum([]byte(sums.String())), nil
}

// ResolveFiles returns the sorted, deduplicated regular files matching any of
// the patterns. Patterns support **, *, ?, [...] and {a,b}.
func ResolveFiles(patterns []string) ([]string, error) {
	seen := make(map[string]struct{})
	var result []string

	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("invalid glob pattern %q: %w", pattern, err)
		}

		for _, match := range matches {
			if slices.Contains(ignoreFiles, filepath.Base(match)) {
				log.Debug().Str("path", match).Msg("ignoring file")
				continue
			}
			if _, ok := seen[match]; ok {
				continue
			}
			seen[match] = struct{}{}
			result = append(result, match)
		}
	}

	slices.Sort(result)

	return result, nil
}

func sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
