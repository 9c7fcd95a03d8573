package driver

import (
	"fmt"
	"strings"
)

// stderr tail carried on errors, to keep job payloads and logs bounded.
const stderrTailLimit = 2000

// Error reports a failed driver invocation: non-zero exit, timeout or
// spawn failure. It carries the synthesized command line and the tail of
// the child's stderr.
type Error struct {
	Cmd    string
	Stderr string
}

func (e *Error) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("command failed: %s", e.Cmd)
	}
	return fmt.Sprintf("command failed: %s\n%s", e.Cmd, e.Stderr)
}

func newError(args []string, stderr string) *Error {
	stderr = strings.TrimSpace(stderr)
	if len(stderr) > stderrTailLimit {
		stderr = stderr[len(stderr)-stderrTailLimit:]
	}
	return &Error{Cmd: cmdString(args), Stderr: stderr}
}

// cmdString renders an argv for logs and error messages, quoting any
// argument containing whitespace.
func cmdString(args []string) string {
	parts := make([]string, len(args))
	for i, a := range args {
		if strings.ContainsAny(a, " \t\n\"'") {
			parts[i] = fmt.Sprintf("%q", a)
		} else {
			parts[i] = a
		}
	}
	return strings.Join(parts, " ")
}
