//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
)

// ErrExternalStep marks a failure of an external collaborator: the
// dependency installer or the archiver could not be started or exited
// with a non-zero status.
var ErrExternalStep = errors.New("external step failed")

// StepError describes a failed external step.
type StepError struct {
	// Step names the pipeline step ("install", "archive").
	Step string
	// ExitCode is the exit status, or -1 when the step did not run to completion.
	ExitCode int
	// Err is the underlying cause.
	Err error
}

// Error implements error. The cause is kept unless it only repeats the exit status.
func (e *StepError) Error() string {
	msg := e.Step + ": " + ErrExternalStep.Error()

	status := ""
	if e.ExitCode >= 0 {
		status = fmt.Sprintf("exit status %d", e.ExitCode)
		msg += " (" + status + ")"
	}

	if e.Err != nil && e.Err.Error() != status {
		msg += ": " + e.Err.Error()
	}

	return msg
}

// Unwrap exposes both ErrExternalStep and the cause to errors.Is and errors.As.
func (e *StepError) Unwrap() []error {
	return []error{ErrExternalStep, e.Err}
}

// NewStepError wraps err as a failure of step. When ctx, the context of the
// whole run, is done its error is returned unchanged so an interrupt is not
// reported as a failed step. Step timeouts are failures.
func NewStepError(ctx context.Context, step string, exitCode int, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	return &StepError{Step: step, ExitCode: exitCode, Err: err}
}

// Command describes one external process invocation.
type Command struct {
	// Step names the pipeline step for errors and logs.
	Step string
	// Name is the executable.
	Name string
	// Args are the arguments following Name.
	Args []string
	// Dir is the working directory of the process. It is always explicit.
	Dir string
	// Stdout and Stderr receive the process output; nil discards it.
	Stdout io.Writer
	Stderr io.Writer
	// Timeout bounds the process runtime when positive.
	Timeout time.Duration
}

// Run starts the command, waits for it and converts any failure into a StepError.
func (c *Command) Run(ctx context.Context) error {
	runCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc

		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	//nolint:gosec // The executable comes from the packer settings.
	cmd := exec.CommandContext(runCtx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = os.Environ()
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr

	err := cmd.Run()
	if err == nil {
		return nil
	}

	if runErr := runCtx.Err(); runErr != nil && ctx.Err() == nil {
		return NewStepError(ctx, c.Step, -1, fmt.Errorf("%w after %s", runErr, c.Timeout))
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return NewStepError(ctx, c.Step, exitErr.ExitCode(), err)
	}

	return NewStepError(ctx, c.Step, -1, err)
}
