package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/fyrsmithlabs/taskgate/internal/task"
)

// ExecWorker runs a sub-agent as an external command. The task context
// is written to the command's stdin as JSON and the result is parsed
// from its stdout. Stderr is carried into the error on failure.
type ExecWorker struct {
	name    task.AgentName
	command string
	args    []string
	dir     string
}

// NewExecWorker builds a worker from a command line, e.g.
// "claude-agent --role validator". The line is split on whitespace
// only, with no shell quoting; arguments that need spaces belong in a
// wrapper script. The optional dir is the working directory the
// command runs in.
func NewExecWorker(name task.AgentName, commandLine, dir string) (*ExecWorker, error) {
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		return nil, fmt.Errorf("agent %s: empty command line", name)
	}
	return &ExecWorker{
		name:    name,
		command: fields[0],
		args:    fields[1:],
		dir:     dir,
	}, nil
}

// Name returns the agent name this worker serves.
func (w *ExecWorker) Name() task.AgentName { return w.name }

// Execute runs the command with the context on stdin. Cancellation and
// the dispatch timeout propagate through ctx; the dispatcher converts
// the resulting error into a timeout dispatch error.
func (w *ExecWorker) Execute(ctx context.Context, tc TaskContext) (*Result, error) {
	input, err := json.Marshal(tc)
	if err != nil {
		return nil, fmt.Errorf("marshal task context: %w", err)
	}

	cmd := exec.CommandContext(ctx, w.command, w.args...)
	cmd.Dir = w.dir
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%s exited: %w (stderr: %s)", w.command, err, strings.TrimSpace(stderr.String()))
	}

	var res Result
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		return nil, fmt.Errorf("parse %s output: %w", w.command, err)
	}
	return &res, nil
}
