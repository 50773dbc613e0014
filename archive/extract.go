package archive

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/jobcacher/azstash/internal/trace"
	"github.com/jobcacher/azstash/pkg/paths"
	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// ListArchive returns the entry names of the archive.
func ListArchive(ctx context.Context, zipFile io.ReaderAt, zipFileLen int64) ([]string, error) {
	_, span := trace.Start(ctx, "ListArchive")
	defer span.End()

	reader, err := openReader(zipFile, zipFileLen)
	if err != nil {
		return nil, trace.NewError(span, "failed to open zip reader: %w", err)
	}

	entries := make([]string, 0, len(reader.File))
	for _, f := range reader.File {
		entries = append(entries, f.Name)
	}

	span.SetAttributes(attribute.Int("entry_count", len(entries)))

	return entries, nil
}

// ExtractFiles restores the archive entries belonging to the cache paths to
// their mapped locations. Entries matching no path, or resolving outside
// their chroot, fail the extraction.
func ExtractFiles(ctx context.Context, zipFile *os.File, zipFileLen int64, cachePaths []string) (*ArchiveInfo, error) {
	ctx, span := trace.Start(ctx, "ExtractFiles")
	defer span.End()

	start := time.Now()

	reader, err := openReader(zipFile, zipFileLen)
	if err != nil {
		return nil, trace.NewError(span, "failed to open zip reader: %w", err)
	}

	mappings, err := PathsToMappings(cachePaths)
	if err != nil {
		return nil, trace.NewError(span, "failed to create mappings: %w", err)
	}

	info := &ArchiveInfo{ArchivePath: zipFile.Name(), Size: zipFileLen}
	found := make(map[string]bool)

	for _, f := range reader.File {
		if err := ctx.Err(); err != nil {
			return nil, trace.NewError(span, "extraction cancelled: %w", err)
		}

		m, ok := findMapping(mappings, f.Name)
		if !ok {
			return nil, trace.NewError(span, "failed to find path mapping for: %s", f.Name)
		}
		found[m.Path] = true

		target, err := paths.Confine(m.Chroot, filepath.FromSlash(f.Name))
		if err != nil {
			return nil, trace.NewError(span, "refusing archive entry %s: %w", f.Name, err)
		}

		n, err := extractEntry(f, target)
		if err != nil {
			return nil, trace.NewError(span, "failed to extract %s: %w", f.Name, err)
		}

		info.WrittenBytes += n
		info.WrittenEntries++
	}

	for _, path := range cachePaths {
		if !found[path] {
			log.Warn().Str("path", path).Msg("requested path not found in archive")
		}
	}

	info.Duration = time.Since(start)

	span.SetAttributes(
		attribute.Int64("zip_file_len", zipFileLen),
		attribute.Int64("files_extracted", info.WrittenEntries),
		attribute.Int64("bytes_extracted", info.WrittenBytes),
	)

	return info, nil
}

// openReader tolerates insecure names, ExtractFiles confines every entry itself.
func openReader(r io.ReaderAt, size int64) (*zip.Reader, error) {
	reader, err := zip.NewReader(r, size)
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return nil, err
	}
	return reader, nil
}

func findMapping(mappings []Mapping, name string) (Mapping, bool) {
	for _, m := range mappings {
		if m.matches(name) {
			return m, true
		}
	}
	return Mapping{}, false
}

func extractEntry(f *zip.File, target string) (int64, error) {
	mode := f.Mode()

	if mode.IsDir() {
		return 0, os.MkdirAll(target, mode.Perm()|0o700)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, err
	}

	rc, err := f.Open()
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	if mode&fs.ModeSymlink != 0 {
		link, err := io.ReadAll(rc)
		if err != nil {
			return 0, err
		}
		// replace whatever a previous build left behind
		if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return 0, err
		}
		return int64(len(link)), os.Symlink(string(link), target)
	}

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm()|0o600)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(out, rc)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}

	return n, err
}
