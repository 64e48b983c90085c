package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"runtime"
	"strconv"
	"time"

	"github.com/jfreed-dev/reach/internal/protocol"
)

// DefaultCommandTimeout applies when run_command carries no timeout.
const DefaultCommandTimeout = 300

func (d *Dispatcher) runCommand(params map[string]any) (any, error) {
	command, err := stringParam(params, "cmd")
	if err != nil {
		return nil, err
	}
	cwd, err := optionalString(params, "cwd", "")
	if err != nil {
		return nil, err
	}
	timeout, err := numberParam(params, "timeout", DefaultCommandTimeout)
	if err != nil {
		return nil, err
	}

	var dir string
	if cwd != "" {
		dir, err = d.policy.Validate(cwd)
		if err != nil {
			return nil, err
		}
	}

	log.Printf("[agent] running command: %s", command)

	ctx, cancel := context.WithTimeout(context.Background(), secondsToDuration(timeout))
	defer cancel()

	cmd := shellCommand(ctx, command)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Keeps Wait from hanging on pipes a backgrounded child still holds
	// after the deadline kill.
	cmd.WaitDelay = 2 * time.Second

	runErr := cmd.Run()

	if ctx.Err() == context.DeadlineExceeded {
		return map[string]any{
			"stdout":     "",
			"stderr":     timeoutMessage(timeout),
			"returncode": -1,
		}, nil
	}

	returncode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			returncode = exitErr.ExitCode()
		} else {
			return nil, failf(protocol.CodeCommandFailed, "%v", runErr)
		}
	}

	return map[string]any{
		"stdout":     stdout.String(),
		"stderr":     stderr.String(),
		"returncode": returncode,
	}, nil
}

func shellCommand(ctx context.Context, command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "cmd", "/c", command)
	}
	return exec.CommandContext(ctx, "/bin/sh", "-c", command)
}

func timeoutMessage(timeout float64) string {
	// FormatFloat with -1 precision keeps whole-second timeouts free of
	// a trailing ".0": "timed out after 1 seconds", not "1.0 seconds".
	return fmt.Sprintf("Command timed out after %s seconds", strconv.FormatFloat(timeout, 'f', -1, 64))
}
