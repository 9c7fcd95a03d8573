// Package driver invokes the backend rclone binary as a subprocess. It is
// the only package that spawns processes; everything else goes through it.
package driver

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Synthetic exit codes for terminations the hub imposes on the child.
const (
	ExitTimeout   = 124
	ExitCancelled = 130
)

// cancelPollInterval is how often streaming invocations re-check the
// cancel predicate and the deadline while the child runs.
const cancelPollInterval = 50 * time.Millisecond

// Client invokes the backend driver binary. Safe for concurrent use;
// every invocation is an independent child process.
type Client struct {
	Binary     string
	BaseFlags  []string
	Timeout    time.Duration
	MaxRetries int
}

// NewClient returns a Client with the given binary and base flags.
// Timeout and MaxRetries default to 300s and 1.
func NewClient(binary string, baseFlags []string) *Client {
	return &Client{
		Binary:     binary,
		BaseFlags:  baseFlags,
		Timeout:    300 * time.Second,
		MaxRetries: 1,
	}
}

// CommandResult captures one completed invocation. Returncode is the real
// exit code, or ExitTimeout/ExitCancelled for terminations the hub forced.
type CommandResult struct {
	Args       []string
	Returncode int
	Stdout     string
	Stderr     string
	Duration   time.Duration
	TimedOut   bool
}

// Failed reports a non-zero returncode.
func (r CommandResult) Failed() bool { return r.Returncode != 0 }

// Err converts a failed result into an *Error; nil when the result is ok.
func (r CommandResult) Err() error {
	if !r.Failed() {
		return nil
	}
	return newError(r.Args, r.Stderr)
}

func (c *Client) argv(args []string) []string {
	cmd := make([]string, 0, 1+len(c.BaseFlags)+len(args))
	cmd = append(cmd, c.Binary)
	cmd = append(cmd, c.BaseFlags...)
	cmd = append(cmd, args...)
	return cmd
}

// Run executes args in capture mode with the client's default timeout and
// retry allowance. Only a non-zero exit is retried; the first zero exit
// short-circuits. The returned error is non-nil only when the child could
// not be spawned.
func (c *Client) Run(ctx context.Context, args []string) (CommandResult, error) {
	return c.RunWith(ctx, args, c.Timeout, c.MaxRetries)
}

// RunWith is Run with an explicit timeout and retry count.
func (c *Client) RunWith(ctx context.Context, args []string, timeout time.Duration, retries int) (CommandResult, error) {
	argv := c.argv(args)
	attempts := retries + 1
	var last CommandResult
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		log.WithFields(log.Fields{
			"attempt": attempt,
			"timeout": timeout,
			"cmd":     cmdString(argv),
		}).Debug("driver exec start")

		result, err := c.runOnce(ctx, argv, timeout)

		log.WithFields(log.Fields{
			"attempt":     attempt,
			"rc":          result.Returncode,
			"duration_ms": result.Duration.Milliseconds(),
			"stdout_len":  len(result.Stdout),
			"stderr_len":  len(result.Stderr),
		}).Debug("driver exec end")

		if err == nil && result.Returncode == 0 {
			return result, nil
		}
		last, lastErr = result, err
	}
	return last, lastErr
}

// RunChecked runs args and converts a non-zero exit into an *Error.
func (c *Client) RunChecked(ctx context.Context, args []string) (CommandResult, error) {
	result, err := c.Run(ctx, args)
	if err != nil {
		return result, err
	}
	if result.Failed() {
		return result, result.Err()
	}
	return result, nil
}

func (c *Client) runOnce(ctx context.Context, argv []string, timeout time.Duration) (CommandResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := CommandResult{
		Args:     argv,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if runCtx.Err() == context.DeadlineExceeded {
		result.Returncode = ExitTimeout
		result.TimedOut = true
		result.Stderr = appendLine(result.Stderr, timeoutMessage(timeout))
		return result, nil
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.Returncode = exitErr.ExitCode()
			return result, nil
		}
		// Spawn failure: binary missing, not executable, etc.
		result.Returncode = -1
		return result, fmt.Errorf("failed to start command %s: %w", cmdString(argv), err)
	}
	return result, nil
}

// RunStreaming spawns args, buffers stdout and forwards each stderr line
// to onProgress while polling shouldCancel. Cancel and deadline do not
// surface as errors; they yield results with ExitCancelled/ExitTimeout
// and an explanatory stderr suffix. The returned error is non-nil only
// for spawn failure.
func (c *Client) RunStreaming(
	ctx context.Context,
	args []string,
	onProgress func(line string),
	shouldCancel func() bool,
	timeout time.Duration,
) (CommandResult, error) {
	if timeout <= 0 {
		timeout = c.Timeout
	}
	argv := c.argv(args)
	start := time.Now()

	log.WithFields(log.Fields{
		"timeout": timeout,
		"cmd":     cmdString(argv),
	}).Debug("driver stream start")

	cmd := exec.Command(argv[0], argv[1:]...)
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return CommandResult{Args: argv, Returncode: -1}, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return CommandResult{Args: argv, Returncode: -1}, fmt.Errorf("failed to open stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return CommandResult{Args: argv, Returncode: -1}, fmt.Errorf("failed to start command %s: %w", cmdString(argv), err)
	}

	var stdout bytes.Buffer
	var stderrMu sync.Mutex
	var stderr bytes.Buffer
	var drains sync.WaitGroup

	drains.Add(2)
	go func() {
		defer drains.Done()
		_, _ = stdout.ReadFrom(stdoutPipe)
	}()
	go func() {
		defer drains.Done()
		scanner := bufio.NewScanner(stderrPipe)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			stderrMu.Lock()
			stderr.WriteString(line)
			stderr.WriteByte('\n')
			stderrMu.Unlock()
			if onProgress != nil {
				onProgress(line)
			}
		}
	}()

	// The drain goroutines finish when the child exits and the pipes hit
	// EOF; Wait must only run after both, since it closes the pipes.
	drained := make(chan struct{})
	go func() {
		drains.Wait()
		close(drained)
	}()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(cancelPollInterval)
	defer ticker.Stop()

	var cancelled, timedOut bool

poll:
	for {
		select {
		case <-drained:
			break poll
		case <-ticker.C:
			if shouldCancel != nil && shouldCancel() {
				cancelled = true
			} else if time.Now().After(deadline) {
				timedOut = true
			} else if ctx.Err() != nil {
				cancelled = true
			} else {
				continue
			}
			_ = cmd.Process.Kill()
			<-drained
			break poll
		}
	}
	waitErr := cmd.Wait()

	stderrMu.Lock()
	stderrText := stderr.String()
	stderrMu.Unlock()

	result := CommandResult{
		Args:     argv,
		Stdout:   stdout.String(),
		Stderr:   stderrText,
		Duration: time.Since(start),
		TimedOut: timedOut,
	}
	switch {
	case cancelled:
		result.Returncode = ExitCancelled
		result.Stderr = appendLine(result.Stderr, "Cancelled by user")
	case timedOut:
		result.Returncode = ExitTimeout
		result.Stderr = appendLine(result.Stderr, timeoutMessage(timeout))
	case waitErr == nil:
		result.Returncode = 0
	default:
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			result.Returncode = exitErr.ExitCode()
		} else {
			result.Returncode = -1
		}
	}

	log.WithFields(log.Fields{
		"rc":          result.Returncode,
		"duration_ms": result.Duration.Milliseconds(),
		"stdout_len":  len(result.Stdout),
		"stderr_len":  len(result.Stderr),
	}).Debug("driver stream end")

	return result, nil
}

func timeoutMessage(timeout time.Duration) string {
	return fmt.Sprintf("Timed out after %ds", int(timeout.Seconds()))
}

func appendLine(text, line string) string {
	if text == "" {
		return line
	}
	if text[len(text)-1] == '\n' {
		return text + line
	}
	return text + "\n" + line
}
