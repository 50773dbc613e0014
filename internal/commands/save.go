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

type SaveCmd struct {
	ID   string `flag:"id" help:"ID of the cache entry to save." required:"true"`
	Skip bool   `help:"Skip saving the cache entry." env:"AZSTASH_CACHE_SKIP"`
}

func (cmd *SaveCmd) Run(ctx context.Context, globals *Globals) error {
	ctx, span := trace.Start(ctx, "SaveCmdRun")
	defer span.End()

	log.Info().Str("version", globals.Version).Msg("Running SaveCmd")

	span.SetAttributes(
		attribute.String("id", cmd.ID),
		attribute.Bool("skip", cmd.Skip),
	)

	// check if the cache is enabled
	if cmd.Skip {
		globals.Printer.Info("⏭️", "Skipping cache save for id: %s", cmd.ID)
		fmt.Println("false") // write to stdout
		return nil
	}

	caches, err := globals.cacheClient(ctx)
	if err != nil {
		return trace.NewError(span, "failed to create cache client: %w", err)
	}

	globals.Printer.Info("💾", "Starting cache save for id: %s", cmd.ID)

	result, err := caches.Save(ctx, cmd.ID)
	if err != nil {
		return trace.NewError(span, "failed to save cache: %w", err)
	}

	if !result.CacheCreated {
		globals.Printer.Success("✅", "Cache already exists for key: %s", result.Key)
		fmt.Println("true") // write to stdout
		return nil
	}

	globals.Printer.Success("🎉", "Cache saved to %s", result.ObjectName)

	rows := [][]string{
		{"Key", result.Key},
		{"Archive Size", console.Bytes(result.Archive.Size)},
		{"Written Bytes", console.Bytes(result.Archive.WrittenBytes)},
		{"Written Entries", fmt.Sprintf("%d", result.Archive.WrittenEntries)},
		{"Compression Ratio", fmt.Sprintf("%.2f", result.Archive.CompressionRatio)},
		{"Build Duration", result.Archive.Duration.String()},
	}
	if result.Transfer != nil {
		rows = append(rows,
			[]string{"Transfer Speed", console.Speed(result.Transfer.TransferSpeed)},
			[]string{"Upload Duration", result.Transfer.Duration.String()},
		)
	}
	rows = append(rows, []string{"Paths", strings.Join(result.Archive.Paths, ", ")})

	globals.Printer.Summary("📊", "Cache save summary", rows)

	fmt.Println("true") // write to stdout

	return nil
}
