package commands

import (
	"context"

	"github.com/jobcacher/azstash/worker"
)

// AgentCmd serves the worker protocol. Transfer bounds and retries come from
// the global --upload-timeout, --download-timeout and --max-retries flags.
type AgentCmd struct {
	Listen string `flag:"listen" help:"Address to serve the worker protocol on." default:":8090" env:"AZSTASH_AGENT_LISTEN"`
	Root   string `flag:"root" help:"Refuse paths outside this directory." env:"AZSTASH_AGENT_ROOT" type:"path"`
	Token  string `flag:"token" help:"Shared token expected from the controller." env:"AZSTASH_AGENT_TOKEN"`
}

func (cmd *AgentCmd) Run(ctx context.Context, globals *Globals) error {
	globals.Printer.Info("🛰️", "Worker agent %s listening on %s", globals.Version, cmd.Listen)

	srv := worker.NewServer(worker.ServerConfig{
		Executor: globals.Transfer.Executor(),
		Root:     cmd.Root,
		Token:    cmd.Token,
	})

	return srv.ListenAndServe(ctx, cmd.Listen)
}
