package driver

import (
	"bytes"
	"fmt"
	"io"
	"os/exec"
	"sync"
)

// StreamHandle is a live stdout reader over a running child process.
// Reads yield the child's stdout; on EOF the child is reaped and a
// non-zero exit surfaces as an *Error. Close kills the child if it is
// still running.
type StreamHandle struct {
	args   []string
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *bytes.Buffer

	mu     sync.Mutex
	waited bool
	closed bool
}

// Read implements io.Reader over the child's stdout.
func (h *StreamHandle) Read(p []byte) (int, error) {
	n, err := h.stdout.Read(p)
	if err == io.EOF {
		if waitErr := h.wait(); waitErr != nil {
			return n, waitErr
		}
	}
	return n, err
}

func (h *StreamHandle) wait() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.waited {
		return nil
	}
	h.waited = true
	err := h.cmd.Wait()
	if err != nil {
		return newError(h.args, h.stderr.String())
	}
	return nil
}

// Close releases the handle, killing the child if it has not exited.
func (h *StreamHandle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	waited := h.waited
	h.mu.Unlock()

	_ = h.stdout.Close()
	if !waited {
		if h.cmd.Process != nil {
			_ = h.cmd.Process.Kill()
		}
		h.mu.Lock()
		if !h.waited {
			h.waited = true
			_ = h.cmd.Wait()
		}
		h.mu.Unlock()
	}
	return nil
}

// OpenStream spawns args and hands back a live reader over its stdout.
func (c *Client) OpenStream(args []string) (*StreamHandle, error) {
	argv := c.argv(args)
	cmd := exec.Command(argv[0], argv[1:]...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout stream: %s: %w", cmdString(argv), err)
	}
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start command %s: %w", cmdString(argv), err)
	}
	return &StreamHandle{args: argv, cmd: cmd, stdout: stdout, stderr: stderr}, nil
}
