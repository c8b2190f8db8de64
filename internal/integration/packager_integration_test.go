package integration

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/release-packer/internal/config"
	"github.com/oshokin/release-packer/internal/service/common"
	"github.com/oshokin/release-packer/internal/service/packager"
)

// writeTree creates files under root from slash-separated relative paths.
func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()

	for rel, body := range files {
		full := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(body), 0o644))
	}
}

// newProject returns a project root with the minimum layout every run needs.
// The system zip utility is used when installed, otherwise the builtin writer.
func newProject(t *testing.T, files map[string]string) string {
	t.Helper()

	root := t.TempDir()

	settings := "archiver: builtin\n"
	if _, err := exec.LookPath(config.DefaultArchiveCommand); err == nil {
		settings = "archiver: external\n"
	}

	writeTree(t, root, map[string]string{
		"package.json":               `{"name": "shop"}`,
		"patches/base.patch":         "diff",
		config.DefaultConfigFilename: settings,
	})
	writeTree(t, root, files)

	return root
}

// stagedFiles lists the regular files of a directory as slash paths.
func stagedFiles(t *testing.T, dir string) map[string]string {
	t.Helper()

	files := make(map[string]string)

	err := filepath.WalkDir(dir, func(path string, entry os.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return err
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		files[filepath.ToSlash(rel)] = string(data)

		return nil
	})
	require.NoError(t, err)

	return files
}

// archiveEntries lists the file entries of a zip archive.
func archiveEntries(t *testing.T, archivePath string) []string {
	t.Helper()

	reader, err := zip.OpenReader(archivePath)
	require.NoError(t, err)

	defer func() {
		_ = reader.Close()
	}()

	names := make([]string, 0, len(reader.File))

	for _, file := range reader.File {
		if !strings.HasSuffix(file.Name, "/") {
			names = append(names, file.Name)
		}
	}

	sort.Strings(names)

	return names
}

func run(t *testing.T, root string, install bool) *packager.Result {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := packager.Run(ctx, &packager.Options{
		Root:                root,
		InstallDependencies: install,
		Stdout:              io.Discard,
		Stderr:              io.Discard,
	})
	require.NoError(t, err)

	return result
}

// TestPackager_ExcludedFilenameAtRoot keeps sub/other.yml and drops the root config.yml.
func TestPackager_ExcludedFilenameAtRoot(t *testing.T) {
	t.Parallel()

	root := newProject(t, map[string]string{
		"config.yml":    "token: 1",
		"sub/other.yml": "a: b",
	})

	staged := stagedFiles(t, run(t, root, false).StagingDir)
	require.Contains(t, staged, "sub/other.yml")
	require.NotContains(t, staged, "config.yml")
}

// TestPackager_PatchesImmediateChildren stages only direct children of patches.
func TestPackager_PatchesImmediateChildren(t *testing.T) {
	t.Parallel()

	root := newProject(t, map[string]string{
		"patches/a.patch":     "a",
		"patches/sub/b.patch": "b",
	})

	staged := stagedFiles(t, run(t, root, false).StagingDir)
	require.Contains(t, staged, "patches/a.patch")
	require.NotContains(t, staged, "patches/sub/b.patch")
}

// TestPackager_ExcludedAncestor drops files below node_modules despite matching a rule.
func TestPackager_ExcludedAncestor(t *testing.T) {
	t.Parallel()

	root := newProject(t, map[string]string{
		"node_modules/pkg/dist/x.json": "{}",
		".yarn/cache/y.json":           "{}",
		"web/dist/app.js":              "js",
	})

	result := run(t, root, false)

	staged := stagedFiles(t, result.StagingDir)
	require.Contains(t, staged, "web/dist/app.js")

	for rel := range staged {
		require.False(t, strings.HasPrefix(rel, "node_modules/"), rel)
		require.False(t, strings.HasPrefix(rel, ".yarn/"), rel)
	}

	require.NotContains(t, archiveEntries(t, result.ArchivePath), "shop/node_modules/pkg/dist/x.json")
}

// TestPackager_StagingMirrorsSources keeps relative paths and byte content.
func TestPackager_StagingMirrorsSources(t *testing.T) {
	t.Parallel()

	sources := map[string]string{
		"package.json":        `{"name": "shop"}`,
		"patches/base.patch":  "diff",
		"api/dist/server.js":  "server",
		"api/tsconfig.json":   `{"strict": true}`,
		"deep/a/b/c.lock":     "lock",
		"start.sh":            "#!/bin/sh\nexec node api/dist/server.js\n",
		".nvmrc":              "20\n",
		"docs/readme.md":      "not packaged",
		"api/src/server.ts":   "not packaged",
		"deep/a/b/notes.txt":  "not packaged",
		"infra/compose.yml":   "services: {}",
		"infra/compose.yaml2": "not packaged",
	}

	root := newProject(t, sources)
	result := run(t, root, false)

	want := make(map[string]string)

	for rel, body := range sources {
		if body != "not packaged" {
			want[rel] = body
		}
	}

	require.Equal(t, want, stagedFiles(t, result.StagingDir))

	entries := archiveEntries(t, result.ArchivePath)
	require.Len(t, entries, len(want))

	for rel := range want {
		require.Contains(t, entries, "shop/"+rel)
	}
}

// TestPackager_IdempotentRuns produce identical staging trees.
func TestPackager_IdempotentRuns(t *testing.T) {
	t.Parallel()

	root := newProject(t, map[string]string{
		"api/dist/server.js": "server",
		"yarn.lock":          "lock",
	})

	first := stagedFiles(t, run(t, root, false).StagingDir)
	second := run(t, root, false)

	require.Equal(t, first, stagedFiles(t, second.StagingDir))

	manifest, err := packager.LoadManifest(second.ManifestPath)
	require.NoError(t, err)
	require.Len(t, manifest.Files, len(first))
}

// TestPackager_InstallRunsBeforeArchive sees the staged tree and no archive while installing.
func TestPackager_InstallRunsBeforeArchive(t *testing.T) {
	t.Parallel()

	root := newProject(t, map[string]string{
		config.DefaultInstallScript: strings.Join([]string{
			"test -f package.json || exit 10",
			"test -e ../build.zip && exit 11",
			"mkdir -p node_modules/left-pad",
			"pwd > node_modules/left-pad/where.txt",
		}, "\n"),
	})

	result := run(t, root, true)

	where, err := os.ReadFile(filepath.Join(result.StagingDir, "node_modules", "left-pad", "where.txt"))
	require.NoError(t, err)

	wantDir, err := filepath.EvalSymlinks(result.StagingDir)
	require.NoError(t, err)

	gotDir, err := filepath.EvalSymlinks(string(bytes.TrimSpace(where)))
	require.NoError(t, err)
	require.Equal(t, wantDir, gotDir)

	require.Contains(t, archiveEntries(t, result.ArchivePath), "shop/node_modules/left-pad/where.txt")
}

// TestPackager_WithoutInstallSkipsScript never runs the script without the flag.
func TestPackager_WithoutInstallSkipsScript(t *testing.T) {
	t.Parallel()

	root := newProject(t, map[string]string{
		config.DefaultInstallScript: "touch installed.txt\n",
	})

	result := run(t, root, false)

	_, err := os.Stat(filepath.Join(result.StagingDir, "installed.txt"))
	require.ErrorIs(t, err, os.ErrNotExist)
	require.False(t, result.Manifest.DependenciesInstalled)
}

// TestPackager_FailingArchiver reports a non-zero archiver exit as an external step failure.
func TestPackager_FailingArchiver(t *testing.T) {
	t.Parallel()

	if _, err := exec.LookPath("false"); err != nil {
		t.Skip("false is not available")
	}

	root := newProject(t, map[string]string{
		config.DefaultConfigFilename: "archiver: external\narchive_command: \"false\"\n",
	})

	_, err := packager.Run(context.Background(), &packager.Options{
		Root:   root,
		Stdout: io.Discard,
		Stderr: io.Discard,
	})
	require.ErrorIs(t, err, common.ErrExternalStep)

	var stepErr *common.StepError
	require.ErrorAs(t, err, &stepErr)
	require.Equal(t, 1, stepErr.ExitCode)

	_, err = os.Stat(filepath.Join(root, "build", "build.zip"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
