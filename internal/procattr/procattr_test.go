package procattr

import (
	"os/exec"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApply_CreatesProcessGroup(t *testing.T) {
	t.Parallel()
	cmd := exec.Command("echo", "hi")
	require.Nil(t, cmd.SysProcAttr)

	Apply(cmd)

	require.NotNil(t, cmd.SysProcAttr)
	assert.True(t, cmd.SysProcAttr.Setpgid)
}

func TestSignalGroup_NilProcess(t *testing.T) {
	t.Parallel()
	assert.NoError(t, SignalGroup(nil, syscall.SIGTERM))
	assert.NoError(t, KillGroup(nil))
}

func TestKillGroup_TerminatesChild(t *testing.T) {
	t.Parallel()

	cmd := exec.Command("sleep", "60")
	Apply(cmd)
	require.NoError(t, cmd.Start())

	assert.NoError(t, KillGroup(cmd.Process))
	_ = cmd.Wait()
}
