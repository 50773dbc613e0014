// Package configuration loads the persisted azstash configuration and
// expands cache entries into concrete keys and paths.
package configuration

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"slices"
	"strings"

	"github.com/jobcacher/azstash/cache"
	"github.com/jobcacher/azstash/internal/key"
	"gopkg.in/yaml.v3"
)

//go:embed templates.yml
var templatesFile []byte

// ErrInvalidStorage is returned by Storage.Validate.
var ErrInvalidStorage = errors.New("invalid storage configuration")

// container names: 3 to 63 lowercase letters, digits and single hyphens
var containerNamePattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// Storage is the persisted item storage configuration. Secrets are never
// stored here, only the id used to look them up.
type Storage struct {
	CredentialsID string `yaml:"credentials-id"`
	ContainerName string `yaml:"container-name"`
}

// Validate checks both fields are set and the container name is one Azure accepts.
func (s Storage) Validate() error {
	if strings.TrimSpace(s.CredentialsID) == "" {
		return fmt.Errorf("%w: credentials id is required", ErrInvalidStorage)
	}

	if s.ContainerName == "" {
		return fmt.Errorf("%w: container name is required", ErrInvalidStorage)
	}

	if len(s.ContainerName) < 3 || len(s.ContainerName) > 63 || !containerNamePattern.MatchString(s.ContainerName) {
		return fmt.Errorf("%w: container name %q must be 3-63 lowercase letters, digits or single hyphens", ErrInvalidStorage, s.ContainerName)
	}

	return nil
}

// File is the layout of .azstash.yml. The flag shaped keys are also read by
// the CLI's config loader.
type File struct {
	Storage `yaml:",inline"`

	Caches []cache.Cache `yaml:"caches"`
}

// Load reads a configuration file. A missing file yields an empty File.
func Load(path string) (File, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return File{}, nil
		}
		return File{}, fmt.Errorf("failed to open configuration %s: %w", path, err)
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return File{}, fmt.Errorf("failed to load configuration %s: %w", path, err)
	}

	return cfg, nil
}

// Parse decodes a configuration document.
func Parse(r io.Reader) (File, error) {
	var cfg File

	if err := yaml.NewDecoder(r).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return File{}, fmt.Errorf("failed to parse configuration: %w", err)
	}

	return cfg, nil
}

/*
ExpandCacheConfiguration takes a list of cache configurations and resolves them:

* fills unset fields from the built in template named by cache.Template

* expands cache.Key, cache.FallbackKeys and cache.Paths using the key
template functions (id, agent.os, agent.arch, env, checksum)

* validates the result

Uses the OS environment variables for template expansion.
*/
func ExpandCacheConfiguration(caches []cache.Cache) ([]cache.Cache, error) {
	return expandCacheConfiguration(caches, nil)
}

// ExpandCacheConfigurationWithEnv is ExpandCacheConfiguration with env used
// in place of the process environment.
func ExpandCacheConfigurationWithEnv(caches []cache.Cache, env map[string]string) ([]cache.Cache, error) {
	return expandCacheConfiguration(caches, env)
}

func expandCacheConfiguration(caches []cache.Cache, env map[string]string) ([]cache.Cache, error) {
	templates, err := loadTemplates()
	if err != nil {
		return nil, err
	}

	expanded := make([]cache.Cache, 0, len(caches))
	seen := make(map[string]struct{}, len(caches))

	for _, c := range caches {
		if c.Template != "" {
			c, err = applyTemplate(templates, c)
			if err != nil {
				return nil, err
			}
		}

		c.Key, err = key.TemplateWithEnv(c.ID, c.Key, env)
		if err != nil {
			return nil, fmt.Errorf("failed to expand key of %s: %w", c.ID, err)
		}

		c.FallbackKeys, err = expandStrings(c.ID, c.FallbackKeys, env)
		if err != nil {
			return nil, fmt.Errorf("failed to expand fallback keys of %s: %w", c.ID, err)
		}

		c.Paths, err = expandStrings(c.ID, c.Paths, env)
		if err != nil {
			return nil, fmt.Errorf("failed to expand paths of %s: %w", c.ID, err)
		}

		if err := c.Validate(); err != nil {
			return nil, err
		}

		if _, ok := seen[c.ID]; ok {
			return nil, fmt.Errorf("duplicate cache id %s", c.ID)
		}
		seen[c.ID] = struct{}{}

		expanded = append(expanded, c)
	}

	return expanded, nil
}

// TemplateNames lists the built in templates.
func TemplateNames() ([]string, error) {
	templates, err := loadTemplates()
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(templates))
	for name := range templates {
		names = append(names, name)
	}
	slices.Sort(names)

	return names, nil
}

func loadTemplates() (map[string]cache.Cache, error) {
	templates := make(map[string]cache.Cache)

	if err := yaml.Unmarshal(templatesFile, &templates); err != nil {
		return nil, fmt.Errorf("failed to parse cache templates: %w", err)
	}

	for name, tpl := range templates {
		if tpl.Key == "" || len(tpl.Paths) == 0 {
			return nil, fmt.Errorf("cache template %s needs a key and paths", name)
		}
	}

	return templates, nil
}

// applyTemplate returns the named template with every field set on c laid over it.
func applyTemplate(templates map[string]cache.Cache, c cache.Cache) (cache.Cache, error) {
	tpl, ok := templates[c.Template]
	if !ok {
		return c, fmt.Errorf("cache template '%s' not found", c.Template)
	}

	tpl.ID = c.ID
	tpl.Template = ""

	if c.Key != "" {
		tpl.Key = c.Key
	}
	if len(c.FallbackKeys) > 0 {
		tpl.FallbackKeys = c.FallbackKeys
	}
	if len(c.Paths) > 0 {
		tpl.Paths = c.Paths
	}

	return tpl, nil
}

func expandStrings(id string, templates []string, env map[string]string) ([]string, error) {
	expanded := make([]string, len(templates))

	for n, tpl := range templates {
		// tolerate quoting left over from shell style lists
		tpl = strings.Trim(tpl, "\"' \t")

		value, err := key.TemplateWithEnv(id, tpl, env)
		if err != nil {
			return nil, err
		}

		expanded[n] = value
	}

	return expanded, nil
}
