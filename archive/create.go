// Package archive builds and extracts the zip archives stored for a cache entry.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/jobcacher/azstash/internal/trace"
	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// ArchiveInfo describes an archive that was built or extracted.
type ArchiveInfo struct {
	ArchivePath    string
	Size           int64
	Sha256sum      string
	WrittenBytes   int64
	WrittenEntries int64
	Duration       time.Duration
}

// CompressionRatio is WrittenBytes / Size, zero for an empty archive.
func (a *ArchiveInfo) CompressionRatio() float64 {
	if a.Size == 0 {
		return 0
	}
	return float64(a.WrittenBytes) / float64(a.Size)
}

// BuildArchive zips the cache paths into a new temp file named after key.
// Paths missing on disk are skipped. The caller removes ArchivePath.
func BuildArchive(ctx context.Context, cachePaths []string, key string) (*ArchiveInfo, error) {
	ctx, span := trace.Start(ctx, "BuildArchive", attribute.String("key", key))
	defer span.End()

	start := time.Now()

	mappings, err := PathsToMappings(cachePaths)
	if err != nil {
		return nil, trace.NewError(span, "failed to create mappings: %w", err)
	}

	f, err := os.CreateTemp("", "azstash-"+unsafeNameChars.ReplaceAllString(key, "_")+"-*.zip")
	if err != nil {
		return nil, trace.NewError(span, "failed to create archive file: %w", err)
	}

	info, err := writeArchive(ctx, f, mappings)
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(f.Name())
		return nil, trace.NewError(span, "failed to build archive: %w", err)
	}

	info.ArchivePath = f.Name()
	info.Duration = time.Since(start)

	span.SetAttributes(
		attribute.Int64("size", info.Size),
		attribute.Int64("entries", info.WrittenEntries),
		attribute.Int64("bytes_written", info.WrittenBytes),
	)

	return info, nil
}

func writeArchive(ctx context.Context, f *os.File, mappings []Mapping) (*ArchiveInfo, error) {
	hash := sha256.New()
	counter := &countingWriter{w: io.MultiWriter(f, hash)}
	zw := zip.NewWriter(counter)

	info := &ArchiveInfo{}

	for _, m := range mappings {
		if _, err := os.Lstat(m.ResolvedPath); errors.Is(err, fs.ErrNotExist) {
			log.Warn().Str("path", m.Path).Msg("cache path not found, skipping")
			continue
		}

		err := filepath.WalkDir(m.ResolvedPath, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}

			rel, err := filepath.Rel(m.Chroot, path)
			if err != nil {
				return err
			}

			n, err := addEntry(zw, path, filepath.ToSlash(rel), d)
			if err != nil {
				return fmt.Errorf("failed to add %s: %w", path, err)
			}

			info.WrittenBytes += n
			info.WrittenEntries++

			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish archive: %w", err)
	}

	info.Size = counter.n
	info.Sha256sum = hex.EncodeToString(hash.Sum(nil))

	return info, nil
}

// addEntry writes one file, directory or symlink and returns the
// uncompressed bytes written.
func addEntry(zw *zip.Writer, path, name string, d fs.DirEntry) (int64, error) {
	fi, err := d.Info()
	if err != nil {
		return 0, err
	}

	header, err := zip.FileInfoHeader(fi)
	if err != nil {
		return 0, err
	}
	header.Name = name

	switch {
	case fi.IsDir():
		header.Name += "/"
		header.Method = zip.Store
		_, err := zw.CreateHeader(header)
		return 0, err

	case fi.Mode()&fs.ModeSymlink != 0:
		target, err := os.Readlink(path)
		if err != nil {
			return 0, err
		}
		header.Method = zip.Store
		w, err := zw.CreateHeader(header)
		if err != nil {
			return 0, err
		}
		n, err := io.WriteString(w, target)
		return int64(n), err

	case fi.Mode().IsRegular():
		header.Method = zip.Deflate
		w, err := zw.CreateHeader(header)
		if err != nil {
			return 0, err
		}
		src, err := os.Open(path)
		if err != nil {
			return 0, err
		}
		defer src.Close()
		return io.Copy(w, src)

	default:
		log.Debug().Str("path", path).Str("mode", fi.Mode().String()).Msg("skipping special file")
		return 0, nil
	}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
