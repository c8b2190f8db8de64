package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
)

// DefaultDirMode is used for directories created inside the staging tree.
const DefaultDirMode os.FileMode = 0o755

var (
	// ErrEmptyPath is returned when a Directory is created without a path.
	ErrEmptyPath = errors.New("staging path is empty")
	// ErrNotRegular is returned when a selected path is no longer a regular file at copy time.
	ErrNotRegular = errors.New("source is not a regular file")
)

// Repository defines the staging operations the packager depends on.
type Repository interface {
	Path() string
	Reset(ctx context.Context) error
	Stage(ctx context.Context, sourceRoot string, files []string) (*Result, error)
	Files(ctx context.Context) ([]string, error)
}

// Result summarizes one Stage call.
type Result struct {
	// Files is the number of copied files.
	Files int
	// Bytes is the total number of copied bytes.
	Bytes int64
}

// Directory is a staging tree on the local filesystem.
type Directory struct {
	// path is the absolute staging directory.
	path string
}

var _ Repository = (*Directory)(nil)

// NewDirectory creates a staging directory handle. Nothing is touched on disk.
func NewDirectory(dir string) (*Directory, error) {
	if dir == "" {
		return nil, ErrEmptyPath
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve staging path: %w", err)
	}

	return &Directory{path: absDir}, nil
}

// Path returns the absolute staging directory.
func (d *Directory) Path() string {
	return d.path
}

// Reset deletes the staging directory if it exists and creates it empty,
// together with any missing parents.
func (d *Directory) Reset(_ context.Context) error {
	if err := os.RemoveAll(d.path); err != nil {
		return fmt.Errorf("remove staging directory: %w", err)
	}

	if err := os.MkdirAll(d.path, DefaultDirMode); err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}

	return nil
}

// Stage copies every file, given as a slash-separated path relative to
// sourceRoot, to the same relative path inside the staging directory.
// A source that vanished or stopped being a regular file aborts the run.
func (d *Directory) Stage(ctx context.Context, sourceRoot string, files []string) (*Result, error) {
	result := new(Result)

	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		written, err := copyFile(
			filepath.Join(sourceRoot, filepath.FromSlash(rel)),
			filepath.Join(d.path, filepath.FromSlash(rel)),
		)
		if err != nil {
			return result, fmt.Errorf("stage %s: %w", rel, err)
		}

		result.Files++
		result.Bytes += written
	}

	return result, nil
}

// Files lists the regular files in the staging directory as sorted,
// slash-separated relative paths.
func (d *Directory) Files(ctx context.Context) ([]string, error) {
	var files []string

	err := filepath.WalkDir(d.path, func(p string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		if !entry.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(d.path, p)
		if err != nil {
			return err
		}

		files = append(files, filepath.ToSlash(rel))

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list staging directory: %w", err)
	}

	slices.Sort(files)

	return files, nil
}

// copyFile copies src to dst, creating dst's parents, and carries over
// permission bits and access/modification times.
func copyFile(src, dst string) (int64, error) {
	info, err := os.Stat(src)
	if err != nil {
		return 0, err
	}

	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("%s: %w", src, ErrNotRegular)
	}

	if err = os.MkdirAll(filepath.Dir(dst), DefaultDirMode); err != nil {
		return 0, err
	}

	in, err := os.Open(filepath.Clean(src))
	if err != nil {
		return 0, err
	}

	defer func() {
		_ = in.Close()
	}()

	out, err := os.OpenFile(filepath.Clean(dst), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return 0, err
	}

	written, err := io.Copy(out, in)
	if err != nil {
		_ = out.Close()
		return written, err
	}

	if err = out.Close(); err != nil {
		return written, err
	}

	// OpenFile honours the umask; set the exact source bits afterwards.
	if err = os.Chmod(dst, info.Mode().Perm()); err != nil {
		return written, err
	}

	if err = os.Chtimes(dst, accessTime(info), info.ModTime()); err != nil {
		return written, err
	}

	return written, nil
}
