package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/jobcacher/azstash/internal/console"
	"github.com/jobcacher/azstash/internal/trace"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

type RestoreCmd struct {
	ID string `flag:"id" help:"ID of the cache entry to restore." required:"true"`
}

func (cmd *RestoreCmd) Run(ctx context.Context, globals *Globals) error {
	ctx, span := trace.Start(ctx, "RestoreCmdRun", attribute.String("id", cmd.ID))
	defer span.End()

	log.Info().Str("version", globals.Version).Msg("Running RestoreCmd")

	caches, err := globals.cacheClient(ctx)
	if err != nil {
		return trace.NewError(span, "failed to create cache client: %w", err)
	}

	globals.Printer.Info("🔍", "Looking up cache for id: %s", cmd.ID)

	result, err := caches.Restore(ctx, cmd.ID)
	if err != nil {
		return trace.NewError(span, "failed to restore cache: %w", err)
	}

	if !result.CacheRestored {
		globals.Printer.Warn("❌", "No cache found for key: %s", result.Key)
		fmt.Println("false") // write to stdout
		return nil
	}

	if result.FallbackUsed {
		globals.Printer.Success("✅", "Restored fallback %s", result.ObjectName)
	} else {
		globals.Printer.Success("✅", "Restored %s", result.ObjectName)
	}

	globals.Printer.Summary("📊", "Cache restore summary", [][]string{
		{"Key", result.Key},
		{"Exact Match", fmt.Sprintf("%t", result.CacheHit)},
		{"Archive Size", console.Bytes(result.Transfer.BytesTransferred)},
		{"Written Bytes", console.Bytes(result.Archive.WrittenBytes)},
		{"Written Entries", fmt.Sprintf("%d", result.Archive.WrittenEntries)},
		{"Transfer Speed", console.Speed(result.Transfer.TransferSpeed)},
		{"Download Duration", result.Transfer.Duration.String()},
		{"Extract Duration", result.Archive.Duration.String()},
		{"Paths", strings.Join(result.Archive.Paths, ", ")},
	})

	fmt.Println(result.CacheHit) // write to stdout

	return nil
}
