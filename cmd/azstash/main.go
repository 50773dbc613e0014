package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	kongyaml "github.com/alecthomas/kong-yaml"
	"github.com/jobcacher/azstash"
	"github.com/jobcacher/azstash/configuration"
	"github.com/jobcacher/azstash/credentials"
	"github.com/jobcacher/azstash/internal/commands"
	"github.com/jobcacher/azstash/internal/console"
	"github.com/jobcacher/azstash/internal/trace"
	"github.com/jobcacher/azstash/transfer"
	"github.com/jobcacher/azstash/worker"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const healthCheckTimeout = 10 * time.Second

var (
	version           = "dev"
	defaultConfigPath = ".azstash.yml"

	cli CLI
)

// CLI is the command line, kong-yaml fills any flag from the configuration file.
type CLI struct {
	Version       kong.VersionFlag
	Debug         bool            `help:"Enable debug mode." default:"false" env:"AZSTASH_DEBUG"`
	TraceExporter string          `flag:"trace-exporter" help:"The trace exporter to use. Defaults to 'noop'." default:"noop" enum:"noop,grpc" env:"AZSTASH_TRACE_EXPORTER"`
	Config        kong.ConfigFlag `flag:"config" help:"The path to the configuration file. Defaults to ${default_config_path} when it exists." env:"AZSTASH_CONFIG"`

	CredentialsID   string `flag:"credentials-id" help:"ID of the storage account credentials." env:"AZSTASH_CREDENTIALS_ID"`
	ContainerName   string `flag:"container-name" help:"Blob container holding the job files." env:"AZSTASH_CONTAINER_NAME"`
	CredentialsFile string `flag:"credentials-file" help:"YAML file of storage account credentials by ID." default:"~/.azstash/credentials.yml" type:"path" env:"AZSTASH_CREDENTIALS_FILE"`

	SASExpiry time.Duration `flag:"sas-expiry" help:"Validity of each SAS token." default:"1h" env:"AZSTASH_SAS_EXPIRY"`

	ProxyHost     string `flag:"proxy-host" help:"HTTP proxy for transfers." env:"AZSTASH_PROXY_HOST"`
	ProxyPort     int    `flag:"proxy-port" help:"HTTP proxy port." env:"AZSTASH_PROXY_PORT"`
	ProxyUser     string `flag:"proxy-user" help:"HTTP proxy user." env:"AZSTASH_PROXY_USER"`
	ProxyPassword string `flag:"proxy-password" help:"HTTP proxy password." env:"AZSTASH_PROXY_PASSWORD"`
	NoProxy       string `flag:"no-proxy" help:"Hosts reached without the proxy." env:"AZSTASH_NO_PROXY"`

	Workers     map[string]string `flag:"workers" help:"Worker agents by name, as name=url." env:"AZSTASH_WORKERS"`
	WorkerToken string            `flag:"worker-token" help:"Shared token sent to worker agents." env:"AZSTASH_WORKER_TOKEN"`

	commands.CommonFlags
	commands.StoreFlags
	commands.TransferFlags

	Upload    commands.UploadCmd    `cmd:"" help:"upload a file."`
	Download  commands.DownloadCmd  `cmd:"" help:"download a file."`
	Exists    commands.ExistsCmd    `cmd:"" help:"check a file exists."`
	Delete    commands.DeleteCmd    `cmd:"" help:"delete a file."`
	Sas       commands.SasCmd       `cmd:"" help:"print a signed URL for a file."`
	Save      commands.SaveCmd      `cmd:"" help:"save files."`
	Restore   commands.RestoreCmd   `cmd:"" help:"restore files."`
	Templates commands.TemplatesCmd `cmd:"" help:"list cache templates."`
	Agent     commands.AgentCmd     `cmd:"" help:"run a worker agent."`
	KeyTest   commands.KeyTestCmd   `cmd:"" help:"test a key." hidden:""`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Overloads `cli` with configuration file values.
	cmd := kong.Parse(&cli, parserOptions(ctx)...)

	err := Run(ctx, cmd)
	cmd.FatalIfErrorf(err)
}

// parserOptions loads the default configuration file only when it exists,
// --config must name an existing file.
func parserOptions(ctx context.Context) []kong.Option {
	return []kong.Option{
		kong.Vars{"version": version, "default_config_path": defaultConfigPath},
		kong.NamedMapper("yamlfile", kongyaml.YAMLFileMapper),
		kong.Configuration(kongyaml.Loader, defaultConfigPath),
		kong.BindTo(ctx, (*context.Context)(nil)),
	}
}

// configPath returns the configuration file holding the cache entries.
func (c CLI) configPath() string {
	if c.Config != "" {
		return string(c.Config)
	}
	return defaultConfigPath
}

func Run(ctx context.Context, cmd *kong.Context) error {
	start := time.Now()

	if cli.Debug {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).Level(zerolog.DebugLevel)
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).Level(zerolog.ErrorLevel)
	}

	tp, err := trace.NewProvider(ctx, cli.TraceExporter, "github.com/jobcacher/azstash", version)
	if err != nil {
		return fmt.Errorf("failed to create trace provider: %w", err)
	}
	defer func() {
		_ = tp.Shutdown(context.Background())
	}()

	// kong-yaml only fills flags, the cache entries are read here
	file, err := configuration.Load(cli.configPath())
	if err != nil {
		return err
	}

	storage := file.Storage
	if cli.CredentialsID != "" {
		storage.CredentialsID = cli.CredentialsID
	}
	if cli.ContainerName != "" {
		storage.ContainerName = cli.ContainerName
	}

	printer := console.NewPrinter(os.Stderr)

	router := cli.registerWorkers(ctx, printer)

	globals := &commands.Globals{
		Debug:   cli.Debug,
		Version: version,
		Printer: printer,
		Config: azstash.Config{
			Storage: storage,
			Credentials: credentials.Chain{
				credentials.FileStore{Path: cli.CredentialsFile},
				credentials.EnvStore{},
			},
			Dispatcher: router,
			Proxy:      proxyConfig,
			SASExpiry:  cli.SASExpiry,
			MaxRetries: cli.MaxRetries,
		},
		Caches:   file.Caches,
		Common:   cli.CommonFlags,
		Store:    cli.StoreFlags,
		Transfer: cli.TransferFlags,
	}
	defer func() {
		_ = globals.Close()
	}()

	err = cmd.Run(globals)
	if err != nil {
		return fmt.Errorf("command %s failed: %w", cmd.Command(), err)
	}

	printer.Info("✅", "%s completed successfully in %s", cmd.Command(), time.Since(start).String())

	return nil
}

// registerWorkers routes local files to an in-process executor and every
// --workers agent to a client. Unreachable agents are reported, not fatal.
func (c CLI) registerWorkers(ctx context.Context, printer *console.Printer) *worker.Router {
	router := worker.NewRouter(worker.NewLocalDispatcher(c.TransferFlags.Executor()))

	for name, endpoint := range c.Workers {
		router.Register(name, worker.NewClient(version, endpoint, c.WorkerToken,
			worker.WithTransferTimeouts(c.UploadTimeout, c.DownloadTimeout)))
	}

	if len(c.Workers) == 0 {
		return router
	}

	log.Debug().Strs("workers", router.Workers()).Msg("registered worker agents")

	hctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	for name, err := range router.Unhealthy(hctx) {
		log.Warn().Err(err).Str("worker", name).Msg("worker agent failed its health check")
		printer.Warn("⚠️", "Worker %s is not reachable: %v", name, err)
	}

	return router
}

// proxyConfig returns nil when no proxy host is set.
func proxyConfig() *transfer.ProxyConfig {
	if cli.ProxyHost == "" {
		return nil
	}

	return &transfer.ProxyConfig{
		Host:     cli.ProxyHost,
		Port:     cli.ProxyPort,
		Username: cli.ProxyUser,
		Password: cli.ProxyPassword,
		NoProxy:  cli.NoProxy,
	}
}
