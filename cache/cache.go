// Package cache defines a cache entry: the files to archive for a job and
// the keys the archive is stored under.
package cache

import (
	"fmt"
	"regexp"
	"strings"
)

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// MaxKeyLength leaves room below the 1024 character blob name limit for the
// job namespace and the archive suffix.
const MaxKeyLength = 512

type Cache struct {
	// ID of the cache entry, unique within a configuration.
	ID string `yaml:"id"`
	// Template names a built in entry supplying defaults, e.g. "go" or "node-npm".
	Template string `yaml:"template,omitempty"`
	// Key of the cache entry, this can be a template string.
	Key string `yaml:"key,omitempty"`
	// FallbackKeys are tried in order when Key is not present.
	FallbackKeys []string `yaml:"fallback_keys,omitempty"`
	// Paths to archive on save and restore on restore.
	Paths []string `yaml:"paths,omitempty"`
}

// Validate validates the cache configuration and returns an error if invalid.
func (c Cache) Validate() error {
	var problems []string

	switch {
	case strings.TrimSpace(c.ID) == "":
		problems = append(problems, "id cannot be empty")
	case !idPattern.MatchString(c.ID):
		problems = append(problems, fmt.Sprintf("id '%s' can only contain letters, numbers, and underscores", c.ID))
	}

	if strings.TrimSpace(c.Key) == "" {
		problems = append(problems, "key cannot be empty")
	} else if problem := keyProblem(c.Key); problem != "" {
		problems = append(problems, fmt.Sprintf("key %s: '%s'", problem, c.Key))
	}

	for i, fallbackKey := range c.FallbackKeys {
		if strings.TrimSpace(fallbackKey) == "" {
			problems = append(problems, fmt.Sprintf("fallback key at index %d cannot be empty", i))
		} else if problem := keyProblem(fallbackKey); problem != "" {
			problems = append(problems, fmt.Sprintf("fallback key at index %d %s: '%s'", i, problem, fallbackKey))
		}
	}

	if len(c.Paths) == 0 {
		problems = append(problems, "at least one path must be specified")
	}
	for i, path := range c.Paths {
		switch {
		case strings.TrimSpace(path) == "":
			problems = append(problems, fmt.Sprintf("path at index %d cannot be empty", i))
		case !isValidPath(path):
			problems = append(problems, fmt.Sprintf("path at index %d is not valid: '%s'", i, path))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("cache validation failed for id '%s': %s", c.ID, strings.Join(problems, "; "))
	}

	return nil
}

// Keys returns Key followed by the fallback keys, in lookup order.
func (c Cache) Keys() []string {
	return append([]string{c.Key}, c.FallbackKeys...)
}

// keyProblem describes why a key cannot be used as a blob name, if it can't.
// Spaces are almost always a templating mistake and the service turns
// backslashes into slashes.
func keyProblem(key string) string {
	switch {
	case strings.Contains(key, " "):
		return "cannot contain spaces"
	case strings.Contains(key, "\\"):
		return "cannot contain backslashes"
	case len(key) > MaxKeyLength:
		return fmt.Sprintf("cannot be longer than %d characters", MaxKeyLength)
	default:
		return ""
	}
}

// isValidPath rejects paths the filesystem could never hold.
func isValidPath(path string) bool {
	return strings.TrimSpace(path) != "" && !strings.ContainsRune(path, 0)
}
