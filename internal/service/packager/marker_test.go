package packager

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// helperProcessEnv switches the test binary into a long-running placeholder process.
const helperProcessEnv = "RELEASE_PACKER_HELPER_PROCESS"

// TestHelperProcess is not a real test: it keeps a copy of the test binary alive
// so markers can point at a live packer process.
func TestHelperProcess(_ *testing.T) {
	if os.Getenv(helperProcessEnv) != "1" {
		return
	}

	time.Sleep(time.Minute)
	os.Exit(0)
}

// startHelper launches the placeholder process and stops it when the test ends.
func startHelper(t *testing.T) *exec.Cmd {
	t.Helper()

	cmd := exec.Command(os.Args[0], "-test.run=^TestHelperProcess$") //nolint:gosec // Test binary re-execution.
	cmd.Env = append(os.Environ(), helperProcessEnv+"=1")
	require.NoError(t, cmd.Start())

	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})

	return cmd
}

func writeMarker(t *testing.T, buildDir, contents string, age time.Duration) {
	t.Helper()

	path := filepath.Join(buildDir, MarkerFilename)
	require.NoError(t, os.MkdirAll(buildDir, 0o755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	modTime := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, modTime, modTime))
}

// TestMarker_AcquireRelease writes our PID and removes the marker on release.
func TestMarker_AcquireRelease(t *testing.T) {
	t.Parallel()

	buildDir := filepath.Join(t.TempDir(), "build")
	m := newMarker(buildDir, time.Minute)

	require.NoError(t, m.acquire(context.Background()))

	data, err := os.ReadFile(filepath.Join(buildDir, MarkerFilename))
	require.NoError(t, err)
	require.Equal(t, strconv.Itoa(os.Getpid()), string(data))

	m.release(context.Background())

	_, err = os.Stat(filepath.Join(buildDir, MarkerFilename))
	require.ErrorIs(t, err, os.ErrNotExist)

	// Releasing twice is harmless.
	m.release(context.Background())
}

// TestMarker_FreshMarkerWithLiveOwner refuses to start while another packer runs.
func TestMarker_FreshMarkerWithLiveOwner(t *testing.T) {
	t.Parallel()

	helper := startHelper(t)
	buildDir := t.TempDir()
	writeMarker(t, buildDir, strconv.Itoa(helper.Process.Pid), 0)

	err := newMarker(buildDir, time.Hour).acquire(context.Background())
	require.ErrorIs(t, err, ErrAlreadyRunning)

	data, err := os.ReadFile(filepath.Join(buildDir, MarkerFilename))
	require.NoError(t, err)
	require.Equal(t, strconv.Itoa(helper.Process.Pid), string(data))
}

// TestMarker_StaleMarkerTerminatesOwner kills the owner of an expired marker and takes over.
func TestMarker_StaleMarkerTerminatesOwner(t *testing.T) {
	t.Parallel()

	helper := startHelper(t)
	buildDir := t.TempDir()
	writeMarker(t, buildDir, strconv.Itoa(helper.Process.Pid), time.Hour)

	require.NoError(t, newMarker(buildDir, time.Minute).acquire(context.Background()))

	// The helper only exits on its own after a minute, so an error here means it was killed.
	require.Error(t, helper.Wait())

	data, err := os.ReadFile(filepath.Join(buildDir, MarkerFilename))
	require.NoError(t, err)
	require.Equal(t, strconv.Itoa(os.Getpid()), string(data))
}

// TestMarker_UnboundedLifetimeKeepsLiveOwner never takes over from a live run without a lifetime.
func TestMarker_UnboundedLifetimeKeepsLiveOwner(t *testing.T) {
	t.Parallel()

	helper := startHelper(t)
	buildDir := t.TempDir()
	writeMarker(t, buildDir, strconv.Itoa(helper.Process.Pid), 24*time.Hour)

	err := newMarker(buildDir, 0).acquire(context.Background())
	require.ErrorIs(t, err, ErrAlreadyRunning)

	// The owner is still running.
	require.NoError(t, helper.Process.Signal(syscall.Signal(0)))
}

// TestMarker_LeftoverMarkers replaces markers whose owner cannot be found.
func TestMarker_LeftoverMarkers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		contents string
	}{
		{name: "garbage", contents: "not a pid"},
		{name: "empty", contents: ""},
		{name: "own pid", contents: strconv.Itoa(os.Getpid())},
		{name: "finished process", contents: "2147483646"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			buildDir := t.TempDir()
			writeMarker(t, buildDir, tt.contents, 0)

			require.NoError(t, newMarker(buildDir, time.Hour).acquire(context.Background()))

			data, err := os.ReadFile(filepath.Join(buildDir, MarkerFilename))
			require.NoError(t, err)
			require.Equal(t, strconv.Itoa(os.Getpid()), string(data))
		})
	}
}
