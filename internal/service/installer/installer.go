package installer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/oshokin/release-packer/internal/config"
	"github.com/oshokin/release-packer/internal/logger"
	"github.com/oshokin/release-packer/internal/service/common"
)

// StepName identifies the dependency-install step in errors and logs.
const StepName = "install"

var (
	// ErrScriptNotFound is returned when the install script does not exist.
	ErrScriptNotFound = errors.New("install script not found")
	// errUnknownRunner is returned for a runner name the installer does not know.
	errUnknownRunner = errors.New("unknown install runner")
)

// Installer fetches runtime dependencies into a staged directory.
type Installer interface {
	Install(ctx context.Context, dir string) error
}

// Option configures an installer.
type Option func(*options)

type options struct {
	stdout  io.Writer
	stderr  io.Writer
	timeout time.Duration
}

// WithOutput routes the script output. Nil writers discard it.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(o *options) {
		o.stdout = stdout
		o.stderr = stderr
	}
}

// WithTimeout bounds the script runtime when positive.
func WithTimeout(timeout time.Duration) Option {
	return func(o *options) {
		if timeout > 0 {
			o.timeout = timeout
		}
	}
}

// New returns the installer for runner. script must be an existing file.
func New(runner, script string, opts ...Option) (Installer, error) {
	absScript, err := filepath.Abs(script)
	if err != nil {
		return nil, fmt.Errorf("resolve install script: %w", err)
	}

	info, err := os.Stat(absScript)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", absScript, ErrScriptNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("stat install script: %w", err)
	}

	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory: %w", absScript, ErrScriptNotFound)
	}

	o := &options{
		stdout: io.Discard,
		stderr: io.Discard,
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.stdout == nil {
		o.stdout = io.Discard
	}

	if o.stderr == nil {
		o.stderr = io.Discard
	}

	switch runner {
	case config.RunnerShell, "":
		interpreter, shebangErr := readShebang(absScript)
		if shebangErr != nil {
			return nil, shebangErr
		}

		if len(interpreter) > 0 && !isShellInterpreter(interpreter) {
			return &ExecInstaller{script: absScript, interpreter: interpreter, opts: o}, nil
		}

		return &ShellInstaller{script: absScript, opts: o}, nil
	case config.RunnerExec:
		return &ExecInstaller{script: absScript, opts: o}, nil
	default:
		return nil, fmt.Errorf("%w: %s", errUnknownRunner, runner)
	}
}

// ShellInstaller interprets the install script in-process with a POSIX
// shell interpreter. Commands invoked by the script run as child processes
// in the staged directory.
type ShellInstaller struct {
	script string
	opts   *options
}

// Install runs the script with dir as its working directory.
func (s *ShellInstaller) Install(ctx context.Context, dir string) error {
	logger.InfoKV(ctx, "Running install script", "runner", config.RunnerShell, "script", s.script, "dir", dir)

	prog, err := parseScript(s.script)
	if err != nil {
		return common.NewStepError(ctx, StepName, -1, err)
	}

	runCtx := ctx
	if s.opts.timeout > 0 {
		var cancel context.CancelFunc

		runCtx, cancel = context.WithTimeout(ctx, s.opts.timeout)
		defer cancel()
	}

	runner, err := interp.New(
		interp.Dir(dir),
		interp.Env(expand.ListEnviron(os.Environ()...)),
		interp.StdIO(nil, s.opts.stdout, s.opts.stderr),
	)
	if err != nil {
		return common.NewStepError(ctx, StepName, -1, fmt.Errorf("create interpreter: %w", err))
	}

	err = runner.Run(runCtx, prog)
	if err == nil {
		return nil
	}

	var exitStatus interp.ExitStatus
	if errors.As(err, &exitStatus) {
		return common.NewStepError(ctx, StepName, int(exitStatus), err)
	}

	return common.NewStepError(ctx, StepName, -1, err)
}

func parseScript(path string) (*syntax.File, error) {
	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}

	defer func() {
		_ = file.Close()
	}()

	prog, err := syntax.NewParser().Parse(file, path)
	if err != nil {
		return nil, fmt.Errorf("script syntax error: %w", err)
	}

	return prog, nil
}

// ExecInstaller launches the install script as an external executable,
// or through the interpreter named by its shebang line.
type ExecInstaller struct {
	script      string
	interpreter []string
	opts        *options
}

// Install runs the script with dir as its working directory.
func (e *ExecInstaller) Install(ctx context.Context, dir string) error {
	name, args := e.script, []string(nil)
	if len(e.interpreter) > 0 {
		name = e.interpreter[0]
		args = append(slices.Clone(e.interpreter[1:]), e.script)
	}

	logger.InfoKV(ctx, "Running install script",
		"runner", config.RunnerExec,
		"script", e.script,
		"interpreter", e.interpreter,
		"dir", dir)

	cmd := &common.Command{
		Step:    StepName,
		Name:    name,
		Args:    args,
		Dir:     dir,
		Stdout:  e.opts.stdout,
		Stderr:  e.opts.stderr,
		Timeout: e.opts.timeout,
	}

	return cmd.Run(ctx)
}

// shebangLimit bounds how much of a script is read to find its interpreter line.
const shebangLimit = 256

// readShebang returns the interpreter and its optional argument from the
// script's "#!" line, or nil when the script has none. As in the kernel,
// everything after the interpreter path is a single argument.
func readShebang(path string) ([]string, error) {
	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open install script: %w", err)
	}

	defer func() {
		_ = file.Close()
	}()

	line, err := bufio.NewReaderSize(io.LimitReader(file, shebangLimit), shebangLimit).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read install script: %w", err)
	}

	rest, found := strings.CutPrefix(line, "#!")
	if !found {
		return nil, nil
	}

	rest = strings.TrimSpace(rest)
	if rest == "" {
		return nil, nil
	}

	interpreter, arg := rest, ""
	if i := strings.IndexAny(rest, " \t"); i >= 0 {
		interpreter, arg = rest[:i], rest[i+1:]
	}

	if arg = strings.TrimSpace(arg); arg == "" {
		return []string{interpreter}, nil
	}

	return []string{interpreter, arg}, nil
}

// isShellInterpreter reports whether the shebang names a POSIX-style shell
// the in-process interpreter can stand in for. "/usr/bin/env NAME" is looked through.
func isShellInterpreter(interpreter []string) bool {
	name := filepath.Base(interpreter[0])

	if name == "env" && len(interpreter) > 1 {
		name = ""

		for _, field := range strings.Fields(interpreter[1]) {
			if !strings.HasPrefix(field, "-") {
				name = filepath.Base(field)
				break
			}
		}
	}

	switch name {
	case "sh", "bash", "dash", "ash", "ksh", "mksh":
		return true
	default:
		return false
	}
}
