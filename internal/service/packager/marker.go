package packager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/go-ps"

	"github.com/oshokin/release-packer/internal/logger"
)

// MarkerFilename marks that a packaging run is in progress inside the build directory.
const MarkerFilename = ".release-packer.marker"

// ErrAlreadyRunning indicates that another run holds a fresh marker.
var ErrAlreadyRunning = errors.New("another packaging run is in progress")

// marker guards a build directory against concurrent runs.
// A zero lifetime means a marker never expires while its owner is alive.
type marker struct {
	path     string
	lifetime time.Duration
}

func newMarker(buildDir string, lifetime time.Duration) *marker {
	return &marker{
		path:     filepath.Join(buildDir, MarkerFilename),
		lifetime: lifetime,
	}
}

// acquire writes the marker. A fresh marker left by a live packer blocks the
// run; a stale one is cleaned up together with the process that left it.
func (m *marker) acquire(ctx context.Context) error {
	logger.Debug(ctx, "Checking for the presence of a run marker")

	info, err := os.Stat(m.path)

	switch {
	case err == nil:
		if err = m.recover(ctx, info); err != nil {
			return err
		}
	case errors.Is(err, os.ErrNotExist):
		logger.Debug(ctx, "Run marker not found, continuing")
	default:
		return fmt.Errorf("stat run marker: %w", err)
	}

	if err = os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("create build directory: %w", err)
	}

	file, err := os.OpenFile(m.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, os.ErrExist) {
		return ErrAlreadyRunning
	}

	if err != nil {
		return fmt.Errorf("create run marker: %w", err)
	}

	_, err = file.WriteString(strconv.Itoa(os.Getpid()))
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		return fmt.Errorf("write run marker: %w", err)
	}

	return nil
}

// recover decides what to do with an existing marker.
func (m *marker) recover(ctx context.Context, info os.FileInfo) error {
	owner := m.owner()

	if owner != nil && (m.lifetime <= 0 || time.Since(info.ModTime()) <= m.lifetime) {
		return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, owner.Pid())
	}

	if owner != nil {
		logger.WarnKV(ctx, "The run marker is too old, terminating its owner", "pid", owner.Pid())

		if err := terminate(owner.Pid()); err != nil {
			return fmt.Errorf("terminate stale packer: %w", err)
		}
	} else {
		logger.Info(ctx, "The run marker was left by a finished process, removing it")
	}

	if err := os.Remove(m.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale run marker: %w", err)
	}

	return nil
}

// owner returns the live packer process recorded in the marker, or nil
// when the marker is unreadable, the process is gone or it is another program.
func (m *marker) owner() ps.Process {
	contents, err := os.ReadFile(m.path)
	if err != nil {
		return nil
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(contents)))
	if err != nil || pid <= 0 || pid == os.Getpid() {
		return nil
	}

	process, err := ps.FindProcess(pid)
	if err != nil || process == nil {
		return nil
	}

	self, err := ps.FindProcess(os.Getpid())
	if err != nil || self == nil || process.Executable() != self.Executable() {
		return nil
	}

	return process
}

// release removes the marker.
func (m *marker) release(ctx context.Context) {
	if err := os.Remove(m.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.WarnKV(ctx, "Unable to remove run marker", "path", m.path, "error", err)
	}
}

// terminate kills the process with the provided ID.
func terminate(pid int) error {
	runningProcess, err := os.FindProcess(pid)
	if err != nil {
		return err
	}

	return runningProcess.Kill()
}
