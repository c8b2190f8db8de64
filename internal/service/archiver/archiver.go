package archiver

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/oshokin/release-packer/internal/config"
	"github.com/oshokin/release-packer/internal/logger"
	"github.com/oshokin/release-packer/internal/service/common"
)

// StepName identifies the archive step in errors and logs.
const StepName = "archive"

// errUnknownArchiver is returned for an archiver name this package does not know.
var errUnknownArchiver = errors.New("unknown archiver")

// Archiver compresses dirName, a directory directly under parentDir, into
// the zip file at archivePath. Entries are stored under dirName/.
type Archiver interface {
	Archive(ctx context.Context, parentDir, dirName, archivePath string) error
}

// Option configures an archiver.
type Option func(*options)

type options struct {
	command string
	stdout  io.Writer
	stderr  io.Writer
	timeout time.Duration
}

// WithCommand overrides the external compression utility.
func WithCommand(command string) Option {
	return func(o *options) {
		if command != "" {
			o.command = command
		}
	}
}

// WithOutput routes the output of the external utility. Nil writers discard it.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(o *options) {
		o.stdout = stdout
		o.stderr = stderr
	}
}

// WithTimeout bounds the external utility runtime when positive.
func WithTimeout(timeout time.Duration) Option {
	return func(o *options) {
		if timeout > 0 {
			o.timeout = timeout
		}
	}
}

// New returns the archiver registered under name.
func New(name string, opts ...Option) (Archiver, error) {
	o := &options{command: config.DefaultArchiveCommand}
	for _, opt := range opts {
		opt(o)
	}

	switch name {
	case config.ArchiverExternal, "":
		return &External{opts: o}, nil
	case config.ArchiverBuiltin:
		return &Builtin{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", errUnknownArchiver, name)
	}
}

// External runs `<command> -r <archive> <dirName>` from parentDir.
type External struct {
	opts *options
}

// Archive implements Archiver.
func (e *External) Archive(ctx context.Context, parentDir, dirName, archivePath string) error {
	absArchive, err := filepath.Abs(archivePath)
	if err != nil {
		return fmt.Errorf("resolve archive path: %w", err)
	}

	logger.InfoKV(ctx, "Compressing staging directory", "archiver", e.opts.command, "dir", dirName, "archive", absArchive)

	cmd := &common.Command{
		Step:    StepName,
		Name:    e.opts.command,
		Args:    []string{"-r", absArchive, dirName},
		Dir:     parentDir,
		Stdout:  e.opts.stdout,
		Stderr:  e.opts.stderr,
		Timeout: e.opts.timeout,
	}

	return cmd.Run(ctx)
}

// Builtin writes the zip archive in-process. Entries are sorted and keep
// their permission bits and modification times.
type Builtin struct{}

// Archive implements Archiver.
func (b *Builtin) Archive(ctx context.Context, parentDir, dirName, archivePath string) error {
	logger.InfoKV(ctx, "Compressing staging directory", "archiver", config.ArchiverBuiltin, "dir", dirName, "archive", archivePath)

	out, err := os.OpenFile(filepath.Clean(archivePath), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, ArchiveFileMode)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}

	writer := zip.NewWriter(out)

	err = writeTree(ctx, writer, parentDir, dirName)
	if closeErr := writer.Close(); err == nil {
		err = closeErr
	}

	if closeErr := out.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		return fmt.Errorf("write archive: %w", err)
	}

	return nil
}

// writeTree adds dirName and everything below it. filepath.WalkDir visits
// entries in lexical order, so the archive layout is deterministic.
func writeTree(ctx context.Context, writer *zip.Writer, parentDir, dirName string) error {
	root := filepath.Join(parentDir, dirName)

	return filepath.WalkDir(root, func(p string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(parentDir, p)
		if err != nil {
			return err
		}

		info, err := entry.Info()
		if err != nil {
			return err
		}

		switch {
		case entry.IsDir():
			return addDir(writer, info, filepath.ToSlash(rel))
		case info.Mode().IsRegular():
			return addFile(writer, info, p, filepath.ToSlash(rel))
		default:
			// Dependency installers may leave symlinks behind; zip -r follows them, so do we.
			target, statErr := os.Stat(p)
			if statErr != nil || !target.Mode().IsRegular() {
				return nil //nolint:nilerr // Dangling links and special files are skipped.
			}

			return addFile(writer, target, p, filepath.ToSlash(rel))
		}
	})
}

func addDir(writer *zip.Writer, info fs.FileInfo, name string) error {
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}

	header.Name = strings.TrimSuffix(name, "/") + "/"
	header.Method = zip.Store

	_, err = writer.CreateHeader(header)

	return err
}

func addFile(writer *zip.Writer, info fs.FileInfo, source, name string) error {
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}

	header.Name = path.Clean(name)
	header.Method = zip.Deflate

	dst, err := writer.CreateHeader(header)
	if err != nil {
		return err
	}

	src, err := os.Open(filepath.Clean(source))
	if err != nil {
		return err
	}

	defer func() {
		_ = src.Close()
	}()

	_, err = io.Copy(dst, src)

	return err
}
