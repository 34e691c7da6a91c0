package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcEchoRoundTrip(t *testing.T) {
	proc := NewProc("cat", nil)
	require.NoError(t, proc.Start(context.Background()))
	defer proc.Stop()

	require.NoError(t, proc.WriteLine([]byte(`{"hello":"world"}`)))

	line, err := proc.ReadLine()
	require.NoError(t, err)
	assert.JSONEq(t, `{"hello":"world"}`, string(line))
}

func TestProcStopOnStdinClose(t *testing.T) {
	// cat exits when stdin closes, before any signal escalation.
	proc := NewProc("cat", nil)
	require.NoError(t, proc.Start(context.Background()))

	start := time.Now()
	require.NoError(t, proc.Stop())
	assert.Less(t, time.Since(start), 2*time.Second)

	select {
	case <-proc.Done():
	default:
		t.Fatal("process not marked exited after Stop")
	}
}

func TestProcStopEscalatesToKill(t *testing.T) {
	// A shell ignoring stdin and SIGINT only dies to SIGKILL.
	proc := NewProc("sh", []string{"-c", "trap '' INT; sleep 60"},
		WithKillGrace(50*time.Millisecond, 50*time.Millisecond))
	require.NoError(t, proc.Start(context.Background()))

	require.NoError(t, proc.Stop())

	select {
	case <-proc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process survived kill escalation")
	}
}

func TestProcWriteAfterStop(t *testing.T) {
	proc := NewProc("cat", nil)
	require.NoError(t, proc.Start(context.Background()))
	require.NoError(t, proc.Stop())

	err := proc.WriteLine([]byte(`{}`))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestProcStartTwice(t *testing.T) {
	proc := NewProc("cat", nil)
	require.NoError(t, proc.Start(context.Background()))
	defer proc.Stop()

	assert.ErrorIs(t, proc.Start(context.Background()), ErrAlreadyStarted)
}

func TestProcSpawnFailure(t *testing.T) {
	proc := NewProc("/nonexistent/agent-cli", nil)
	err := proc.Start(context.Background())
	require.Error(t, err)

	var pe *ProcessError
	assert.ErrorAs(t, err, &pe)
}
