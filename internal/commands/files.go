package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jobcacher/azstash/internal/console"
	"github.com/jobcacher/azstash/internal/signer"
	"github.com/jobcacher/azstash/internal/trace"
	"github.com/jobcacher/azstash/store"
	"github.com/jobcacher/azstash/transfer"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

type UploadCmd struct {
	Path string `arg:"" help:"Local file to upload, on the selected worker."`
	Name string `arg:"" help:"Object name below the job's prefix."`
}

func (cmd *UploadCmd) Run(ctx context.Context, globals *Globals) error {
	ctx, span := trace.Start(ctx, "UploadCmdRun", attribute.String("name", cmd.Name))
	defer span.End()

	root, err := globals.Root(ctx)
	if err != nil {
		return trace.NewError(span, "failed to resolve object path: %w", err)
	}

	target := globals.Target(cmd.Path)

	if st, ok, err := globals.Stat(ctx, target); err != nil {
		return trace.NewError(span, "%w", err)
	} else if ok {
		if !st.Exists {
			return trace.NewError(span, "file does not exist: %s", target)
		}
		globals.Printer.Info("📄", "Uploading %s (%s)", target, console.Bytes(st.Size))
	}

	object := root.Child(cmd.Name)

	info, err := object.CopyFrom(ctx, target)
	if err != nil {
		return trace.NewError(span, "failed to upload %s: %w", target, err)
	}

	printTransfer(globals, "⬆️", "Uploaded", object.Name(), info)

	return nil
}

type DownloadCmd struct {
	Name string `arg:"" help:"Object name below the job's prefix."`
	Path string `arg:"" help:"Local destination, on the selected worker."`
}

func (cmd *DownloadCmd) Run(ctx context.Context, globals *Globals) error {
	ctx, span := trace.Start(ctx, "DownloadCmdRun", attribute.String("name", cmd.Name))
	defer span.End()

	root, err := globals.Root(ctx)
	if err != nil {
		return trace.NewError(span, "failed to resolve object path: %w", err)
	}

	object := root.Child(cmd.Name)

	info, err := object.CopyTo(ctx, globals.Target(cmd.Path))
	if err != nil {
		return trace.NewError(span, "failed to download %s: %w", object.Name(), err)
	}

	printTransfer(globals, "⬇️", "Downloaded", object.Name(), info)

	return nil
}

type ExistsCmd struct {
	Name string `arg:"" help:"Object name below the job's prefix."`
}

func (cmd *ExistsCmd) Run(ctx context.Context, globals *Globals) error {
	root, err := globals.Root(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve object path: %w", err)
	}

	ok, err := root.Child(cmd.Name).Exists(ctx)
	if err != nil {
		return err
	}

	fmt.Println(ok) // write to stdout

	return nil
}

type DeleteCmd struct {
	Name string `arg:"" help:"Object name below the job's prefix."`
}

func (cmd *DeleteCmd) Run(ctx context.Context, globals *Globals) error {
	root, err := globals.Root(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve object path: %w", err)
	}

	object := root.Child(cmd.Name)
	if err := object.DeleteRecursive(ctx); err != nil {
		return err
	}

	globals.Printer.Success("🗑️", "Deleted %s", object.Name())

	return nil
}

type SasCmd struct {
	Name       string `arg:"" help:"Object name below the job's prefix."`
	Permission string `flag:"permission" help:"Permission granted by the token." enum:"read,write" default:"read"`
}

func (cmd *SasCmd) Run(ctx context.Context, globals *Globals) error {
	if globals.Store.Store == store.GocloudStore {
		return errors.New("signed urls need the azure_blob store")
	}

	root, err := globals.Root(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve object path: %w", err)
	}

	storage, err := globals.ItemStorage()
	if err != nil {
		return err
	}

	blob, err := storage.Client(ctx)
	if err != nil {
		return err
	}

	perm := signer.Read
	if cmd.Permission == "write" {
		perm = signer.Write
	}

	name := root.Child(cmd.Name).Name()

	signedURL, token, err := blob.SignedURL(name, perm)
	if err != nil {
		return fmt.Errorf("failed to sign %s: %w", name, err)
	}

	log.Debug().Str("blob", name).Stringer("permission", token.Permission).Time("expires_on", token.ExpiresOn).Msg("signed blob url")
	globals.Printer.Info("🔑", "%s access to %s in %s until %s", token.Permission, name, storage.ContainerName(), token.ExpiresOn.Format(time.RFC3339))

	fmt.Println(signedURL) // write to stdout

	return nil
}

func printTransfer(globals *Globals, emoji, verb, name string, info *transfer.Info) {
	globals.Printer.Success(emoji, "%s %s: %s at %s", verb, name, console.Bytes(info.BytesTransferred), console.Speed(info.TransferSpeed))

	log.Info().
		Str("blob", name).
		Int64("bytes_transferred", info.BytesTransferred).
		Str("transfer_speed", console.Speed(info.TransferSpeed)).
		Str("request_id", info.RequestID).
		Dur("duration_ms", info.Duration).
		Msg(verb)
}
