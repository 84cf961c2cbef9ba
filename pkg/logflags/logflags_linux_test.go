package logflags

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sys "golang.org/x/sys/unix"
)

func TestSetupLogDescriptor(t *testing.T) {
	resetLogging(t)
	path := filepath.Join(t.TempDir(), "fd.log")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	// Close releases the descriptor given to Setup
	fd, err := sys.Dup(int(f.Fd()))
	require.NoError(t, err)
	require.NoError(t, Setup(true, "tracee", strconv.Itoa(fd)))
	TraceeLogger().WithField("pid", 7).Debugf("PTRACE_CONT")
	Close()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `msg="[tracee] PTRACE_CONT" pid=7`)
}
