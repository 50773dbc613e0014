package configuration

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/jobcacher/azstash/cache"
	"github.com/stretchr/testify/require"
)

func TestLoadTemplateDefaults(t *testing.T) {
	t.Run("with no template", func(t *testing.T) {
		tests := []struct {
			name     string
			cache    cache.Cache
			expected cache.Cache
		}{
			{
				name: "with no template",
				cache: cache.Cache{
					ID:           "my_ruby",
					Template:     "",
					Key:          "my-key-overriden",
					FallbackKeys: []string{},
					Paths:        []string{"vendor/bundle"},
				},
				expected: cache.Cache{
					ID:           "my_ruby",
					Template:     "",
					Key:          "my-key-overriden",
					FallbackKeys: []string{},
					Paths:        []string{"vendor/bundle"},
				},
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				assert := require.New(t)

				// Call configuration.ExpandCacheConfiguration to load the template defaults
				got, err := ExpandCacheConfiguration([]cache.Cache{tt.cache})
				assert.NoError(err)
				assert.Equal(tt.expected, got[0], "ExpandCacheConfiguration() should return expected result")
			})
		}
	})

	t.Run("with template (overridden key)", func(t *testing.T) {
		tests := []struct {
			name     string
			cache    cache.Cache
			expected cache.Cache
		}{
			{
				name: "with ruby template",
				cache: cache.Cache{
					ID:       "my_ruby",
					Template: "ruby",
					Key:      "my-key-overriden",
				},
				expected: cache.Cache{
					ID:       "my_ruby",
					Template: "",
					Key:      "my-key-overriden",
					FallbackKeys: []string{
						fmt.Sprintf("my_ruby-%s-%s-", runtime.GOOS, runtime.GOARCH),
						"my_ruby-",
					},
					Paths: []string{"vendor/bundle"},
				},
			},
			{
				name: "with node-yarn template",
				cache: cache.Cache{
					ID:       "my_node_yarn",
					Template: "node-yarn",
					Key:      "my-key-overriden",
					Paths:    []string{"node_modules"},
				},
				expected: cache.Cache{
					ID:       "my_node_yarn",
					Template: "",
					Key:      "my-key-overriden",
					FallbackKeys: []string{
						fmt.Sprintf("my_node_yarn-%s-%s-", runtime.GOOS, runtime.GOARCH),
						"my_node_yarn-",
					},
					Paths: []string{"node_modules"},
				},
			},
			{
				name: "with node-npm template",
				cache: cache.Cache{
					ID:       "my_node_npm",
					Template: "node-npm",
					Key:      "my-key-overriden",
					Paths:    []string{"node_modules"},
				},
				expected: cache.Cache{
					ID:       "my_node_npm",
					Template: "",
					Key:      "my-key-overriden",
					FallbackKeys: []string{
						fmt.Sprintf("my_node_npm-%s-%s-", runtime.GOOS, runtime.GOARCH),
						"my_node_npm-",
					},
					Paths: []string{"node_modules"},
				},
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				assert := require.New(t)

				// Call configuration.ExpandCacheConfiguration to load the template defaults
				got, err := ExpandCacheConfiguration([]cache.Cache{tt.cache})
				assert.NoError(err)
				assert.Equal(tt.expected, got[0], "ExpandCacheConfiguration() should return expected result")
			})
		}
	})

	t.Run("with template (no overriden key)", func(t *testing.T) {
		tests := []struct {
			name     string
			cache    cache.Cache
			setup    func() error
			cleanup  func()
			expected cache.Cache
		}{
			{
				name: "with ruby template",
				setup: func() error {
					return os.WriteFile("Gemfile.lock", []byte("test content"), 0600)
				},
				cleanup: func() {
					_ = os.Remove("Gemfile.lock")
				},
				cache: cache.Cache{
					ID:       "my_ruby",
					Template: "ruby",
				},
				expected: cache.Cache{
					ID:       "my_ruby",
					Template: "",
					Key:      fmt.Sprintf("my_ruby-%s-%s-4b9054a7a40e53c2e310fcd6f696c46c6a40dcdfa5b849785a456756ec512660", runtime.GOOS, runtime.GOARCH),
					FallbackKeys: []string{
						fmt.Sprintf("my_ruby-%s-%s-", runtime.GOOS, runtime.GOARCH),
						"my_ruby-",
					},
					Paths: []string{"vendor/bundle"},
				},
			},
			{
				name: "with node-yarn template",
				setup: func() error {
					return os.WriteFile("yarn.lock", []byte("test content"), 0600)
				},
				cleanup: func() {
					_ = os.Remove("yarn.lock")
				},
				cache: cache.Cache{
					ID:       "my_node_yarn",
					Template: "node-yarn",
					Paths:    []string{"node_modules"},
				},
				expected: cache.Cache{
					ID:       "my_node_yarn",
					Template: "",
					Key:      fmt.Sprintf("my_node_yarn-%s-%s-4b9054a7a40e53c2e310fcd6f696c46c6a40dcdfa5b849785a456756ec512660", runtime.GOOS, runtime.GOARCH),
					FallbackKeys: []string{
						fmt.Sprintf("my_node_yarn-%s-%s-", runtime.GOOS, runtime.GOARCH),
						"my_node_yarn-",
					},
					Paths: []string{"node_modules"},
				},
			},
			{
				name: "with node-npm template",
				setup: func() error {
					return os.WriteFile("package-lock.json", []byte("test content"), 0600)
				},
				cleanup: func() {
					_ = os.Remove("package-lock.json")
				},
				cache: cache.Cache{
					ID:       "my_node_npm",
					Template: "node-npm",
					Paths:    []string{"node_modules"},
				},
				expected: cache.Cache{
					ID:       "my_node_npm",
					Template: "",
					Key:      fmt.Sprintf("my_node_npm-%s-%s-4b9054a7a40e53c2e310fcd6f696c46c6a40dcdfa5b849785a456756ec512660", runtime.GOOS, runtime.GOARCH),
					FallbackKeys: []string{
						fmt.Sprintf("my_node_npm-%s-%s-", runtime.GOOS, runtime.GOARCH),
						"my_node_npm-",
					},
					Paths: []string{"node_modules"},
				},
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				assert := require.New(t)

				t.Chdir(t.TempDir())

				// Setup test environment
				if tt.setup != nil {
					err := tt.setup()
					assert.NoError(err)
				}

				if tt.cleanup != nil {
					defer tt.cleanup()
				}

				// Call configuration.ExpandCacheConfiguration to load the template defaults
				got, err := ExpandCacheConfiguration([]cache.Cache{tt.cache})
				assert.NoError(err)
				assert.Equal(tt.expected, got[0], "ExpandCacheConfiguration() should return expected result")
			})
		}
	})
}

func TestExpandCacheConfigurationErrors(t *testing.T) {
	tests := []struct {
		name   string
		caches []cache.Cache
		errMsg string
	}{
		{
			name:   "unknown template",
			caches: []cache.Cache{{ID: "x", Template: "cobol"}},
			errMsg: "cache template 'cobol' not found",
		},
		{
			name:   "invalid after expansion",
			caches: []cache.Cache{{ID: "x", Key: `{{ env "UNSET_VALUE" }}`, Paths: []string{"out"}}},
			errMsg: "key cannot be empty",
		},
		{
			name: "duplicate id",
			caches: []cache.Cache{
				{ID: "x", Key: "a", Paths: []string{"out"}},
				{ID: "x", Key: "b", Paths: []string{"out"}},
			},
			errMsg: "duplicate cache id x",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ExpandCacheConfigurationWithEnv(tt.caches, map[string]string{})
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestExpandCacheConfigurationWithEnv(t *testing.T) {
	got, err := ExpandCacheConfigurationWithEnv([]cache.Cache{
		{ID: "deps", Key: `v1-{{ env "BRANCH_NAME" }}`, FallbackKeys: []string{`"v1-"`}, Paths: []string{`{{ env "WORKSPACE" }}/deps`}},
	}, map[string]string{"BRANCH_NAME": "main", "WORKSPACE": "/builds/app"})
	require.NoError(t, err)
	require.Equal(t, []cache.Cache{
		{ID: "deps", Key: "v1-main", FallbackKeys: []string{"v1-"}, Paths: []string{"/builds/app/deps"}},
	}, got)
}

func TestTemplateNames(t *testing.T) {
	names, err := TemplateNames()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"go", "node-npm", "node-yarn", "ruby", "maven"}, names)
}

func TestStorageValidate(t *testing.T) {
	tests := []struct {
		name    string
		storage Storage
		wantErr bool
	}{
		{name: "valid", storage: Storage{CredentialsID: "ci", ContainerName: "the-container-name"}},
		{name: "missing credentials", storage: Storage{ContainerName: "caches"}, wantErr: true},
		{name: "missing container", storage: Storage{CredentialsID: "ci"}, wantErr: true},
		{name: "uppercase container", storage: Storage{CredentialsID: "ci", ContainerName: "Caches"}, wantErr: true},
		{name: "double hyphen", storage: Storage{CredentialsID: "ci", ContainerName: "job--caches"}, wantErr: true},
		{name: "too short", storage: Storage{CredentialsID: "ci", ContainerName: "jc"}, wantErr: true},
		{name: "leading hyphen", storage: Storage{CredentialsID: "ci", ContainerName: "-caches"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.storage.Validate()
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidStorage)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestParse(t *testing.T) {
	doc := `
credentials-id: ci-azure
container-name: job-caches
caches:
  - id: deps
    template: go
  - id: web
    key: web-{{ id }}
    fallback_keys: [web-]
    paths: [node_modules, .cache]
`
	cfg, err := Parse(strings.NewReader(doc))
	require.NoError(t, err)
	require.Equal(t, Storage{CredentialsID: "ci-azure", ContainerName: "job-caches"}, cfg.Storage)
	require.Equal(t, []cache.Cache{
		{ID: "deps", Template: "go"},
		{ID: "web", Key: "web-{{ id }}", FallbackKeys: []string{"web-"}, Paths: []string{"node_modules", ".cache"}},
	}, cfg.Caches)

	cfg, err = Parse(strings.NewReader(""))
	require.NoError(t, err)
	require.Equal(t, File{}, cfg)

	_, err = Parse(strings.NewReader("caches: {"))
	require.Error(t, err)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(filepath.Join(dir, "missing.yml"))
	require.NoError(t, err)
	require.Equal(t, File{}, cfg)

	path := filepath.Join(dir, ".azstash.yml")
	require.NoError(t, os.WriteFile(path, []byte("credentials-id: ci\ncontainer-name: caches\n"), 0o600))

	cfg, err = Load(path)
	require.NoError(t, err)
	require.Equal(t, "ci", cfg.CredentialsID)
	require.Equal(t, "caches", cfg.ContainerName)
}
