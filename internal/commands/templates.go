package commands

import (
	"context"
	"fmt"

	"github.com/jobcacher/azstash/configuration"
)

type TemplatesCmd struct{}

func (cmd *TemplatesCmd) Run(ctx context.Context, globals *Globals) error {
	names, err := configuration.TemplateNames()
	if err != nil {
		return err
	}

	for _, name := range names {
		fmt.Println(name) // write to stdout
	}

	return nil
}
