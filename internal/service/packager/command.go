package packager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/oshokin/release-packer/internal/config"
	"github.com/oshokin/release-packer/internal/domain/bundle"
	"github.com/oshokin/release-packer/internal/logger"
	"github.com/oshokin/release-packer/internal/project"
	"github.com/oshokin/release-packer/internal/repository/staging"
	"github.com/oshokin/release-packer/internal/service/archiver"
	"github.com/oshokin/release-packer/internal/service/common"
	"github.com/oshokin/release-packer/internal/service/installer"
)

const (
	// defaultMapCapacity is the default initial capacity for maps.
	defaultMapCapacity = 64

	// manifestFileMode is the permission of written manifests.
	manifestFileMode os.FileMode = 0o644
)

// Options contains inputs for the packager entry point.
type Options struct {
	// Root is the project root to package. Defaults to the working directory.
	Root string
	// ConfigPath is the settings file. Empty means release-packer.yaml inside Root.
	ConfigPath string
	// ConfigRequired turns a missing settings file into an error instead of using defaults.
	ConfigRequired bool
	// InstallDependencies runs the install script inside the staged directory before archiving.
	InstallDependencies bool
	// Stdout and Stderr receive the output of the install script and the archiver.
	// Nil means the process streams.
	Stdout io.Writer
	Stderr io.Writer
}

// Result describes a finished run.
type Result struct {
	// RunID identifies the run in logs and in the manifest.
	RunID string
	// StagingDir is the absolute staging directory.
	StagingDir string
	// ArchivePath is the absolute path of the published archive.
	ArchivePath string
	// ManifestPath is the absolute path of the archive manifest.
	ManifestPath string
	// Selected is the number of files copied from the project root.
	Selected int
	// Bytes is the number of bytes copied from the project root.
	Bytes int64
	// Manifest is the written manifest.
	Manifest *Manifest
}

// packager runs a single packaging pipeline.
type packager struct {
	cfg       *config.Config
	project   *project.Info
	staging   staging.Repository
	archiver  archiver.Archiver
	installer installer.Installer
	marker    *marker
	runID     string
}

// Run executes the packaging workflow:
// clean staging area → select → copy → (optional) install dependencies → archive.
func Run(ctx context.Context, opts *Options) (*Result, error) {
	if opts == nil {
		opts = new(Options)
	}

	runID := uuid.New().String()

	// Set context with logger name for tracking.
	ctx = logger.WithName(ctx, "release-packer")
	ctx = logger.WithFields(ctx, zap.String("run_id", runID))

	pkg, err := newPackager(ctx, opts, runID)
	if err != nil {
		return nil, fmt.Errorf("initialize packager: %w", err)
	}

	if err = pkg.marker.acquire(ctx); err != nil {
		return nil, err
	}

	defer pkg.marker.release(ctx)

	result, err := pkg.Run(ctx)
	if err != nil {
		logger.ErrorKV(ctx, "Packaging failed", "error", err)
		return nil, fmt.Errorf("packager failed: %w", err)
	}

	logger.InfoKV(ctx, "Packaging completed successfully",
		"archive", result.ArchivePath,
		"files", result.Selected,
		"bytes", result.Bytes)

	return result, nil
}

// newPackager loads settings, inspects the project and wires the steps.
func newPackager(ctx context.Context, opts *Options, runID string) (*packager, error) {
	root := opts.Root
	if root == "" {
		root = "."
	}

	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}

	// Nothing below may create the root: the marker and staging directories live inside it.
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat project root: %w", err)
	}

	if !info.IsDir() {
		return nil, fmt.Errorf("%s: %w", root, bundle.ErrRootNotDirectory)
	}

	cfg, err := loadConfig(ctx, root, opts)
	if err != nil {
		return nil, err
	}

	projectInfo, err := project.Inspect(root, cfg.AppName)
	if err != nil {
		return nil, err
	}

	cfg.AppName = projectInfo.Name

	stagingDir, err := staging.NewDirectory(filepath.Join(root, filepath.FromSlash(cfg.StagingDir())))
	if err != nil {
		return nil, err
	}

	stdout, stderr := opts.Stdout, opts.Stderr
	if stdout == nil {
		stdout = os.Stdout
	}

	if stderr == nil {
		stderr = os.Stderr
	}

	arc, err := archiver.New(cfg.Archiver,
		archiver.WithCommand(cfg.ArchiveCommand),
		archiver.WithOutput(stdout, stderr),
		archiver.WithTimeout(cfg.StepTimeout))
	if err != nil {
		return nil, err
	}

	pkg := &packager{
		cfg:      cfg,
		project:  projectInfo,
		staging:  stagingDir,
		archiver: arc,
		marker:   newMarker(filepath.Join(root, filepath.FromSlash(cfg.BuildDir)), markerLifetime(cfg)),
		runID:    runID,
	}

	if opts.InstallDependencies {
		// Resolve the script before touching the build directory.
		pkg.installer, err = installer.New(cfg.InstallRunner,
			filepath.Join(root, filepath.FromSlash(cfg.InstallScript)),
			installer.WithOutput(stdout, stderr),
			installer.WithTimeout(cfg.StepTimeout))
		if err != nil {
			return nil, err
		}
	}

	logger.InfoKV(ctx, "Packager configured",
		"root", root,
		"app", cfg.AppName,
		"staging", stagingDir.Path(),
		"archive", pkg.archivePath(),
		"archiver", cfg.Archiver,
		"install", opts.InstallDependencies)

	return pkg, nil
}

// markerLifetime is how long a marker with a live owner blocks other runs.
// Without a step timeout a run has no upper bound, so the marker never
// expires while its owner lives. With one, the lifetime covers both external
// steps running to their limit.
func markerLifetime(cfg *config.Config) time.Duration {
	if cfg.StepTimeout <= 0 {
		return 0
	}

	return max(cfg.MarkerLifetime, 2*cfg.StepTimeout)
}

func loadConfig(ctx context.Context, root string, opts *Options) (*config.Config, error) {
	configPath := opts.ConfigPath
	if configPath == "" {
		configPath = filepath.Join(root, config.DefaultConfigFilename)
	}

	if opts.ConfigRequired {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("load settings: %w", err)
		}

		return cfg, nil
	}

	cfg, found, err := config.LoadOptional(configPath)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	if !found {
		logger.DebugKV(ctx, "Settings file not found, using defaults", "path", configPath)
	}

	return cfg, nil
}

// Run executes the pipeline steps in order. There is no retry and no
// cleanup: a failure leaves the staging directory as it was.
func (p *packager) Run(ctx context.Context) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	logger.Info(ctx, "Preparing a clean staging directory")

	if err := p.staging.Reset(ctx); err != nil {
		return nil, err
	}

	selection, err := p.selectFiles(ctx)
	if err != nil {
		return nil, err
	}

	logger.InfoKV(ctx, "Copying selected files", "count", len(selection.Files))

	staged, err := p.staging.Stage(ctx, p.project.Root, selection.Files)
	if err != nil {
		return nil, err
	}

	if p.installer != nil {
		logger.Info(ctx, "Installing dependencies into the staged copy")

		if err = p.installer.Install(ctx, p.staging.Path()); err != nil {
			return nil, err
		}
	} else {
		logger.Debug(ctx, "Dependency installation not requested")
	}

	checksum, err := p.archive(ctx)
	if err != nil {
		return nil, err
	}

	manifest, err := p.writeManifest(ctx, checksum)
	if err != nil {
		return nil, err
	}

	return &Result{
		RunID:        p.runID,
		StagingDir:   p.staging.Path(),
		ArchivePath:  p.archivePath(),
		ManifestPath: ManifestPath(p.archivePath()),
		Selected:     staged.Files,
		Bytes:        staged.Bytes,
		Manifest:     manifest,
	}, nil
}

// selectFiles applies the default rules; the build directory is always excluded.
func (p *packager) selectFiles(ctx context.Context) (*bundle.Selection, error) {
	exclusions := bundle.NewExclusionSet(p.cfg.Exclusions...)
	exclusions.Add(p.cfg.BuildDir)

	logger.DebugKV(ctx, "Selecting files", "exclusions", exclusions.Entries())

	selection, err := bundle.Select(ctx, p.project.Root, bundle.DefaultRules(), exclusions)
	if err != nil {
		return nil, fmt.Errorf("select files: %w", err)
	}

	logger.InfoKV(ctx, "Selected files",
		"selected", len(selection.Files),
		"excluded", selection.Excluded,
		"skipped", selection.Skipped)

	return selection, nil
}

// archive removes the previous archive, compresses the staging directory
// next to it and publishes the result. It returns the archive checksum.
func (p *packager) archive(ctx context.Context) ([]byte, error) {
	archivePath := p.archivePath()

	if err := archiver.Remove(archivePath); err != nil {
		return nil, err
	}

	if err := removeIfExists(ManifestPath(archivePath)); err != nil {
		return nil, err
	}

	tmpPath := archiver.TemporaryPath(archivePath)
	stagingParent := filepath.Dir(p.staging.Path())

	if err := p.archiver.Archive(ctx, stagingParent, filepath.Base(p.staging.Path()), tmpPath); err != nil {
		return nil, err
	}

	checksum, err := archiver.Publish(ctx, tmpPath, archivePath)
	if err != nil {
		return nil, err
	}

	logger.InfoKV(ctx, "Archive published", "path", archivePath)

	return checksum, nil
}

// writeManifest lists the final staged tree, which includes whatever the
// install step added, and saves the manifest next to the archive.
func (p *packager) writeManifest(ctx context.Context, archiveChecksum []byte) (*Manifest, error) {
	files, err := p.staging.Files(ctx)
	if err != nil {
		return nil, err
	}

	manifest := newManifest(p.runID)
	manifest.App = p.cfg.AppName
	manifest.AppVersion = p.project.Version
	manifest.NodeVersion = p.project.NodeVersion
	manifest.CreatedAt = time.Now().UTC().Truncate(time.Second)
	manifest.DependenciesInstalled = p.installer != nil
	manifest.Archive = filepath.Base(p.archivePath())
	manifest.ArchiveChecksum = common.EncodeChecksum(archiveChecksum)

	if actor, actorErr := common.DetectActor(); actorErr == nil {
		manifest.BuiltBy = actor
	} else {
		logger.WarnKV(ctx, "Unable to detect the current user", "error", actorErr)
	}

	if err = manifest.fillFiles(ctx, p.staging.Path(), files); err != nil {
		return nil, err
	}

	manifestPath := ManifestPath(p.archivePath())

	logger.InfoKV(ctx, "Saving archive manifest", "path", manifestPath, "files", len(manifest.Files))

	if err = manifest.save(manifestPath); err != nil {
		return nil, err
	}

	return manifest, nil
}

func (p *packager) archivePath() string {
	return filepath.Join(p.project.Root, filepath.FromSlash(p.cfg.ArchivePath()))
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", path, err)
	}

	return nil
}
