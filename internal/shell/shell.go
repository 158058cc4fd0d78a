// Package shell runs external commands with hard timeouts. Timed-out
// commands are killed as a whole process group and still return whatever
// partial output they produced.
package shell

// #region imports
import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// #endregion imports

// #region types

// TimeoutExitCode is reported when the command was killed on timeout.
const TimeoutExitCode = 124

// defaultMaxCapture bounds each captured stream.
const defaultMaxCapture = 4 << 20

// killGrace is how long a process group gets between SIGTERM and SIGKILL.
const killGrace = 5 * time.Second

// Options control one command invocation.
type Options struct {
	Dir      string
	Env      []string // appended to the inherited environment
	Timeout  time.Duration
	MaxBytes int // per-stream capture cap, defaultMaxCapture when 0
}

// Result is the outcome of one command. A non-zero exit code is not a Go
// error; errors are reserved for failures to spawn at all.
type Result struct {
	Args     []string
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

// #endregion types

// #region run

// Run executes an argv-style command.
func Run(ctx context.Context, args []string, opts Options) (Result, error) {
	if len(args) == 0 {
		return Result{ExitCode: -1}, fmt.Errorf("run command: empty argv")
	}
	cmd := exec.Command(args[0], args[1:]...)
	return run(ctx, cmd, args, opts, "Command timed out.")
}

// RunShell executes a shell command string via sh -c.
func RunShell(ctx context.Context, command string, opts Options) (Result, error) {
	args := []string{"sh", "-c", command}
	cmd := exec.Command(args[0], args[1:]...)
	return run(ctx, cmd, []string{command}, opts, "Shell command timed out.")
}

func run(ctx context.Context, cmd *exec.Cmd, reportArgs []string, opts Options, timeoutNote string) (Result, error) {
	runCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	// Own process group so a timeout can take down descendants too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxCapture
	}
	stdout := &cappedWriter{max: maxBytes}
	stderr := &cappedWriter{max: maxBytes}

	outPipe, err := cmd.StdoutPipe()
	if err != nil {
		return Result{Args: reportArgs, ExitCode: -1}, fmt.Errorf("stdout pipe: %w", err)
	}
	errPipe, err := cmd.StderrPipe()
	if err != nil {
		return Result{Args: reportArgs, ExitCode: -1}, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return Result{Args: reportArgs, ExitCode: -1}, fmt.Errorf("start %s: %w", reportArgs[0], err)
	}

	var pumps errgroup.Group
	pumps.Go(func() error {
		_, err := io.Copy(stdout, outPipe)
		return err
	})
	pumps.Go(func() error {
		_, err := io.Copy(stderr, errPipe)
		return err
	})

	waitDone := make(chan struct{})
	go func() {
		select {
		case <-runCtx.Done():
			terminateGroup(cmd.Process.Pid)
			select {
			case <-waitDone:
			case <-time.After(killGrace):
				killGroup(cmd.Process.Pid)
			}
		case <-waitDone:
		}
	}()

	// Pipe pumps finish on process exit (or group kill); Wait must come after.
	_ = pumps.Wait()
	waitErr := cmd.Wait()
	close(waitDone)

	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)
	res := Result{
		Args:     reportArgs,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		TimedOut: timedOut,
	}

	switch {
	case timedOut:
		res.ExitCode = TimeoutExitCode
		res.Stdout = strings.Trim(res.Stdout, "\n")
		res.Stderr = strings.Trim(res.Stderr+"\n"+timeoutNote, "\n")
	case waitErr == nil:
		res.ExitCode = 0
	default:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
		}
	}
	return res, nil
}

// #endregion run

// #region process-group

func terminateGroup(pid int) {
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		// Group already gone or unkillable; Wait will report what happened.
		_ = syscall.Kill(pid, syscall.SIGTERM)
	}
}

func killGroup(pid int) {
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
}

// #endregion process-group

// #region capped-writer

// cappedWriter keeps the first max bytes and silently drops the rest so a
// runaway command cannot exhaust memory.
type cappedWriter struct {
	buf strings.Builder
	max int
}

func (w *cappedWriter) Write(p []byte) (int, error) {
	remaining := w.max - w.buf.Len()
	if remaining > 0 {
		if len(p) > remaining {
			w.buf.Write(p[:remaining])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}

func (w *cappedWriter) String() string {
	return w.buf.String()
}

// #endregion capped-writer
