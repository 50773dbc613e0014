package archive

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jobcacher/azstash/internal/trace"
	"github.com/jobcacher/azstash/pkg/paths"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"
)

func TestBuildArchive(t *testing.T) {
	assert := require.New(t)

	work := t.TempDir()
	t.Chdir(work)
	t.Setenv("HOME", t.TempDir())

	assert.NoError(os.MkdirAll(filepath.Join("node_modules", "left-pad"), 0o755))
	assert.NoError(os.WriteFile(filepath.Join("node_modules", "left-pad", "index.js"), []byte("module.exports = pad"), 0o600))
	assert.NoError(os.Symlink("index.js", filepath.Join("node_modules", "left-pad", "main.js")))

	archiveInfo, err := BuildArchive(context.Background(), []string{"node_modules"}, "web/v1 linux")
	assert.NoError(err)
	defer os.Remove(archiveInfo.ArchivePath)

	assert.Equal(".zip", filepath.Ext(archiveInfo.ArchivePath))
	assert.NotContains(filepath.Base(archiveInfo.ArchivePath), "/")
	assert.Len(archiveInfo.Sha256sum, 64)
	assert.Equal(int64(4), archiveInfo.WrittenEntries)
	assert.Equal(int64(len("module.exports = pad")+len("index.js")), archiveInfo.WrittenBytes)

	stat, err := os.Stat(archiveInfo.ArchivePath)
	assert.NoError(err)
	assert.Equal(stat.Size(), archiveInfo.Size)

	zipFile, err := os.Open(archiveInfo.ArchivePath)
	assert.NoError(err)
	defer zipFile.Close()

	entries, err := ListArchive(context.Background(), zipFile, archiveInfo.Size)
	assert.NoError(err)
	assert.Equal([]string{
		"node_modules/",
		"node_modules/left-pad/",
		"node_modules/left-pad/index.js",
		"node_modules/left-pad/main.js",
	}, entries)

	// restore over a clean tree, the symlink comes back as a symlink
	assert.NoError(os.RemoveAll("node_modules"))

	_, err = ExtractFiles(context.Background(), zipFile, archiveInfo.Size, []string{"node_modules"})
	assert.NoError(err)

	got, err := os.ReadFile(filepath.Join(work, "node_modules", "left-pad", "main.js"))
	assert.NoError(err)
	assert.Equal("module.exports = pad", string(got))

	target, err := os.Readlink(filepath.Join(work, "node_modules", "left-pad", "main.js"))
	assert.NoError(err)
	assert.Equal("index.js", target)
}

func TestExtractFiles_RefusesEscapingEntries(t *testing.T) {
	assert := require.New(t)

	work := t.TempDir()
	t.Chdir(work)

	archivePath := filepath.Join(t.TempDir(), "evil.zip")
	f, err := os.Create(archivePath)
	assert.NoError(err)

	zw := zip.NewWriter(f)
	w, err := zw.Create("node_modules/../../evil.txt")
	assert.NoError(err)
	_, err = w.Write([]byte("pwned"))
	assert.NoError(err)
	assert.NoError(zw.Close())
	assert.NoError(f.Close())

	zipFile, err := os.Open(archivePath)
	assert.NoError(err)
	defer zipFile.Close()

	stat, err := zipFile.Stat()
	assert.NoError(err)

	_, err = ExtractFiles(context.Background(), zipFile, stat.Size(), []string{"node_modules"})
	assert.ErrorIs(err, paths.ErrOutsideRoot)

	_, err = os.Stat(filepath.Join(filepath.Dir(work), "evil.txt"))
	assert.True(os.IsNotExist(err))
}

func TestExtractFiles_UnmappedEntry(t *testing.T) {
	assert := require.New(t)

	t.Chdir(t.TempDir())

	assert.NoError(os.MkdirAll("vendor", 0o755))
	assert.NoError(os.WriteFile(filepath.Join("vendor", "a.rb"), []byte("a"), 0o600))

	archiveInfo, err := BuildArchive(context.Background(), []string{"vendor"}, "ruby")
	assert.NoError(err)
	defer os.Remove(archiveInfo.ArchivePath)

	zipFile, err := os.Open(archiveInfo.ArchivePath)
	assert.NoError(err)
	defer zipFile.Close()

	// a prefix match on the name alone is not enough
	_, err = ExtractFiles(context.Background(), zipFile, archiveInfo.Size, []string{"vend"})
	assert.ErrorContains(err, "failed to find path mapping for: vendor/")
}

func TestBuildAndExtractArchive_MultipleHomeDirPaths(t *testing.T) {
	assert := require.New(t)

	_, err := trace.NewProvider(context.Background(), "noop", "test", "0.0.1")
	assert.NoError(err)

	home := t.TempDir()
	t.Setenv("HOME", home)

	goBuildDir := filepath.Join(home, ".go-build")
	err = os.MkdirAll(goBuildDir, 0o755)
	assert.NoError(err)

	err = os.WriteFile(filepath.Join(goBuildDir, "cache.txt"), []byte("build cache data"), 0o600)
	assert.NoError(err)

	goModDir := filepath.Join(home, "go", "pkg", "mod")
	err = os.MkdirAll(goModDir, 0o755)
	assert.NoError(err)

	err = os.WriteFile(filepath.Join(goModDir, "module.txt"), []byte("module cache data"), 0o600)
	assert.NoError(err)

	paths := []string{
		"~/.go-build",
		"~/go/pkg/mod",
	}

	archiveInfo, err := BuildArchive(context.Background(), paths, "go-cache")
	assert.NoError(err)
	assert.NotEmpty(archiveInfo.ArchivePath)
	assert.Greater(archiveInfo.Size, int64(0))
	assert.NotEmpty(archiveInfo.Sha256sum)

	defer os.Remove(archiveInfo.ArchivePath)

	err = os.RemoveAll(goBuildDir)
	assert.NoError(err)
	err = os.RemoveAll(filepath.Join(home, "go"))
	assert.NoError(err)

	_, err = os.Stat(goBuildDir)
	assert.True(os.IsNotExist(err))
	_, err = os.Stat(goModDir)
	assert.True(os.IsNotExist(err))

	zipFile, err := os.Open(archiveInfo.ArchivePath)
	assert.NoError(err)
	defer zipFile.Close()

	entries, err := ListArchive(context.Background(), zipFile, archiveInfo.Size)
	assert.NoError(err)
	assert.Contains(entries, ".go-build/cache.txt")
	assert.Contains(entries, "go/pkg/mod/module.txt")

	_, err = zipFile.Seek(0, 0)
	assert.NoError(err)

	extractInfo, err := ExtractFiles(context.Background(), zipFile, archiveInfo.Size, paths)
	assert.NoError(err)
	assert.Greater(extractInfo.WrittenEntries, int64(0))

	cacheContent, err := os.ReadFile(filepath.Join(goBuildDir, "cache.txt"))
	assert.NoError(err)
	assert.Equal("build cache data", string(cacheContent))

	moduleContent, err := os.ReadFile(filepath.Join(goModDir, "module.txt"))
	assert.NoError(err)
	assert.Equal("module cache data", string(moduleContent))
}

func TestBuildArchive_MissingPathOnFilesystem(t *testing.T) {
	assert := require.New(t)

	_, err := trace.NewProvider(context.Background(), "noop", "test", "0.0.1")
	assert.NoError(err)

	home := t.TempDir()
	t.Setenv("HOME", home)

	goBuildDir := filepath.Join(home, ".go-build")
	err = os.MkdirAll(goBuildDir, 0o755)
	assert.NoError(err)

	err = os.WriteFile(filepath.Join(goBuildDir, "cache.txt"), []byte("build cache data"), 0o600)
	assert.NoError(err)

	paths := []string{
		"~/.go-build",
		"~/go/pkg/mod",
	}

	archiveInfo, err := BuildArchive(context.Background(), paths, "go-cache")
	assert.NoError(err)
	defer os.Remove(archiveInfo.ArchivePath)

	zipFile, err := os.Open(archiveInfo.ArchivePath)
	assert.NoError(err)
	defer zipFile.Close()

	entries, err := ListArchive(context.Background(), zipFile, archiveInfo.Size)
	assert.NoError(err)
	assert.Contains(entries, ".go-build/cache.txt")

	for _, entry := range entries {
		assert.NotContains(entry, "go/pkg/mod", "archive should not contain the missing path")
	}
}

func TestExtractArchive_MissingPathInArchive(t *testing.T) {
	assert := require.New(t)

	_, err := trace.NewProvider(context.Background(), "noop", "test", "0.0.1")
	assert.NoError(err)

	home := t.TempDir()
	t.Setenv("HOME", home)

	goBuildDir := filepath.Join(home, ".go-build")
	err = os.MkdirAll(goBuildDir, 0o755)
	assert.NoError(err)

	err = os.WriteFile(filepath.Join(goBuildDir, "cache.txt"), []byte("build cache data"), 0o600)
	assert.NoError(err)

	archiveInfo, err := BuildArchive(context.Background(), []string{"~/.go-build"}, "go-cache")
	assert.NoError(err)
	defer os.Remove(archiveInfo.ArchivePath)

	err = os.RemoveAll(goBuildDir)
	assert.NoError(err)

	zipFile, err := os.Open(archiveInfo.ArchivePath)
	assert.NoError(err)
	defer zipFile.Close()

	entries, err := ListArchive(context.Background(), zipFile, archiveInfo.Size)
	assert.NoError(err)
	assert.Contains(entries, ".go-build/cache.txt")
	assert.NotContains(entries, "go/pkg/mod/")

	_, err = zipFile.Seek(0, 0)
	assert.NoError(err)

	pathsWithMissing := []string{
		"~/.go-build",
		"~/go/pkg/mod",
	}

	extractInfo, err := ExtractFiles(context.Background(), zipFile, archiveInfo.Size, pathsWithMissing)
	assert.NoError(err)
	assert.Greater(extractInfo.WrittenEntries, int64(0))

	cacheContent, err := os.ReadFile(filepath.Join(goBuildDir, "cache.txt"))
	assert.NoError(err)
	assert.Equal("build cache data", string(cacheContent))

	goModDir := filepath.Join(home, "go", "pkg", "mod")
	_, err = os.Stat(goModDir)
	assert.True(os.IsNotExist(err), "go/pkg/mod should not exist since it wasn't in the archive")
}
