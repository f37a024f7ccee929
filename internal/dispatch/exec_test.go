package dispatch

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/taskgate/internal/task"
)

func writeAgentScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("agent scripts use /bin/sh")
	}
	path := filepath.Join(t.TempDir(), "agent.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestNewExecWorkerEmptyCommand(t *testing.T) {
	_, err := NewExecWorker(task.AgentValidator, "   ", "")
	assert.Error(t, err)
}

// The command line splits on whitespace only; quotes are not parsed.
func TestNewExecWorkerSplitsOnWhitespace(t *testing.T) {
	w, err := NewExecWorker(task.AgentValidator, "claude-agent  --role   validator", "")
	require.NoError(t, err)
	assert.Equal(t, "claude-agent", w.command)
	assert.Equal(t, []string{"--role", "validator"}, w.args)
}

func TestExecWorkerRoundTrip(t *testing.T) {
	script := writeAgentScript(t, `
input=$(cat)
echo '{"verdict":"approved","notes":"looks good"}'
`)
	w, err := NewExecWorker(task.AgentValidator, script, "")
	require.NoError(t, err)
	assert.Equal(t, task.AgentValidator, w.Name())

	res, err := w.Execute(context.Background(), TaskContext{TaskID: "t1", Title: "export"})
	require.NoError(t, err)
	assert.Equal(t, task.VerdictApproved, res.Verdict)
	assert.Equal(t, "looks good", res.Notes)
}

func TestExecWorkerNonZeroExit(t *testing.T) {
	script := writeAgentScript(t, `
echo "cannot evaluate" >&2
exit 3
`)
	w, err := NewExecWorker(task.AgentValidator, script, "")
	require.NoError(t, err)

	_, err = w.Execute(context.Background(), TaskContext{TaskID: "t1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot evaluate")
}

func TestExecWorkerBadOutput(t *testing.T) {
	script := writeAgentScript(t, `echo "not json"`)
	w, err := NewExecWorker(task.AgentValidator, script, "")
	require.NoError(t, err)

	_, err = w.Execute(context.Background(), TaskContext{TaskID: "t1"})
	assert.Error(t, err)
}
