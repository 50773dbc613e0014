package commands

import (
	"context"
	"fmt"

	"github.com/jobcacher/azstash/internal/key"
)

// KeyTestCmd renders a key template without touching storage, to debug
// cache configuration.
type KeyTestCmd struct {
	ID    string            `arg:"" help:"ID of the cache entry to test." required:"true"`
	Key   string            `arg:"" help:"The key to test." required:"true"`
	Env   map[string]string `flag:"env" help:"Environment for the env function instead of the process environment, as NAME=value."`
	Files []string          `flag:"files" help:"Glob patterns to list the files a checksum of them would hash."`
}

func (c *KeyTestCmd) Run(ctx context.Context) error {
	var (
		rendered string
		err      error
	)

	if c.Env != nil {
		rendered, err = key.TemplateWithEnv(c.ID, c.Key, c.Env)
	} else {
		rendered, err = key.Template(c.ID, c.Key)
	}
	if err != nil {
		return fmt.Errorf("failed to template key: %w", err)
	}

	fmt.Println("Templated key:", rendered)

	if len(c.Files) == 0 {
		return nil
	}

	files, err := key.ResolveFiles(c.Files)
	if err != nil {
		return fmt.Errorf("failed to resolve files: %w", err)
	}

	for _, f := range files {
		fmt.Println("Checksummed file:", f)
	}

	return nil
}
