package version

import (
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersionString(t *testing.T) {
	v := Version{Major: "1", Minor: "2", Patch: "3", Metadata: "rc1", Build: "abc123"}
	assert.Equal(t, "Version: 1.2.3-rc1\nBuild: abc123", v.String())

	s := SohookVersion.String()
	assert.True(t, strings.HasPrefix(s, "Version: 0.3.0\nBuild: "), s)
}

func TestBuildInfo(t *testing.T) {
	assert.True(t, strings.HasPrefix(BuildInfo(), runtime.Version()))
}
