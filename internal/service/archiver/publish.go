package archiver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	goupdate "github.com/doitdistributed/go-update"

	"github.com/oshokin/release-packer/internal/logger"
	"github.com/oshokin/release-packer/internal/service/common"
)

// ArchiveFileMode is the permission of published archives.
const ArchiveFileMode os.FileMode = 0o644

// TemporaryPath returns the sibling path an archive is built at before it is
// published. It keeps the .zip extension so zip does not append one.
func TemporaryPath(archivePath string) string {
	dir, name := filepath.Split(archivePath)

	return filepath.Join(dir, "."+strings.TrimSuffix(name, filepath.Ext(name))+".partial.zip")
}

// Remove deletes a previously produced archive together with leftovers of
// an interrupted publication. Missing files are not an error.
func Remove(archivePath string) error {
	dir, name := filepath.Split(archivePath)

	for _, p := range []string{
		archivePath,
		TemporaryPath(archivePath),
		filepath.Join(dir, "."+name+".new"),
		filepath.Join(dir, "."+name+".old"),
	} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}

	return nil
}

// Publish moves the archive built at tmpPath to archivePath. The bytes are
// verified against their checksum while being written to the destination,
// and the destination is swapped in with a rename. It returns the checksum.
func Publish(ctx context.Context, tmpPath, archivePath string) ([]byte, error) {
	checksum, err := common.FileChecksum(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("checksum archive: %w", err)
	}

	// go-update renames the current target aside first, so it has to exist.
	if _, err = os.Stat(archivePath); errors.Is(err, os.ErrNotExist) {
		var placeholder *os.File

		if placeholder, err = os.Create(filepath.Clean(archivePath)); err != nil {
			return nil, fmt.Errorf("create archive placeholder: %w", err)
		}

		if err = placeholder.Close(); err != nil {
			return nil, err
		}
	}

	source, err := os.Open(filepath.Clean(tmpPath))
	if err != nil {
		return nil, err
	}

	defer func() {
		_ = source.Close()
	}()

	logger.DebugKV(ctx, "Publishing archive", "from", tmpPath, "to", archivePath)

	options := goupdate.Options{
		TargetPath: archivePath,
		TargetMode: ArchiveFileMode,
		Checksum:   checksum,
		Hash:       common.DefaultChecksumFunction,
	}

	if err = goupdate.Apply(source, options); err != nil {
		return nil, fmt.Errorf("publish archive: %w", err)
	}

	_ = source.Close()

	if err = os.Remove(tmpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove temporary archive: %w", err)
	}

	dir, name := filepath.Split(archivePath)

	oldFileName := filepath.Join(dir, "."+name+".old")
	if _, err = os.Stat(oldFileName); err == nil {
		_ = os.Remove(oldFileName)
	}

	return checksum, nil
}
