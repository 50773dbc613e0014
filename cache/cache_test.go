package cache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validCache() Cache {
	return Cache{
		ID:           "node_modules",
		Key:          `node-linux-{{ checksum "package-lock.json" }}`,
		FallbackKeys: []string{"node-linux-", "node-"},
		Paths:        []string{"node_modules", "~/.npm"},
	}
}

func TestCacheValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Cache)
		errMsg string
	}{
		{name: "valid cache", mutate: func(*Cache) {}},
		{name: "id with digits", mutate: func(c *Cache) { c.ID = "node_20" }},
		{name: "no fallback keys", mutate: func(c *Cache) { c.FallbackKeys = nil }},
		{name: "relative parent path", mutate: func(c *Cache) { c.Paths = []string{"../shared/.gradle"} }},
		{name: "empty id", mutate: func(c *Cache) { c.ID = "" }, errMsg: "id cannot be empty"},
		{name: "blank id", mutate: func(c *Cache) { c.ID = "  " }, errMsg: "id cannot be empty"},
		{name: "id with hyphen", mutate: func(c *Cache) { c.ID = "node-modules" }, errMsg: "can only contain letters, numbers, and underscores"},
		{name: "empty key", mutate: func(c *Cache) { c.Key = "" }, errMsg: "key cannot be empty"},
		{name: "key with space", mutate: func(c *Cache) { c.Key = "node linux" }, errMsg: "key cannot contain spaces: 'node linux'"},
		{name: "key with backslash", mutate: func(c *Cache) { c.Key = `node\linux` }, errMsg: "key cannot contain backslashes"},
		{name: "key too long", mutate: func(c *Cache) { c.Key = strings.Repeat("k", MaxKeyLength+1) }, errMsg: "cannot be longer than 512 characters"},
		{name: "blank fallback key", mutate: func(c *Cache) { c.FallbackKeys = []string{"node-", " "} }, errMsg: "fallback key at index 1 cannot be empty"},
		{name: "fallback key with space", mutate: func(c *Cache) { c.FallbackKeys = []string{"node linux"} }, errMsg: "fallback key at index 0 cannot contain spaces"},
		{name: "no paths", mutate: func(c *Cache) { c.Paths = nil }, errMsg: "at least one path must be specified"},
		{name: "empty path", mutate: func(c *Cache) { c.Paths = []string{"node_modules", ""} }, errMsg: "path at index 1 cannot be empty"},
		{name: "path with null byte", mutate: func(c *Cache) { c.Paths = []string{"node\x00modules"} }, errMsg: "path at index 0 is not valid"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validCache()
			tt.mutate(&c)

			err := c.Validate()
			if tt.errMsg == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestCacheValidate_ReportsEveryProblem(t *testing.T) {
	err := Cache{ID: "bad id", FallbackKeys: []string{""}}.Validate()
	require.Error(t, err)

	msg := err.Error()
	assert.True(t, strings.HasPrefix(msg, "cache validation failed for id 'bad id': "))
	for _, want := range []string{"can only contain", "key cannot be empty", "fallback key at index 0", "at least one path"} {
		assert.Contains(t, msg, want)
	}
}

func TestCacheKeys(t *testing.T) {
	c := Cache{ID: "go", Key: "go-linux-abc", FallbackKeys: []string{"go-linux-", "go-"}}
	require.Equal(t, []string{"go-linux-abc", "go-linux-", "go-"}, c.Keys())

	c.FallbackKeys = nil
	require.Equal(t, []string{"go-linux-abc"}, c.Keys())
}
