package version

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	oldVersion, oldCommit := Version, GitCommit
	t.Cleanup(func() { Version, GitCommit = oldVersion, oldCommit })

	Version, GitCommit = "1.2.3", "abc123"
	assert.Equal(t, "dlinject 1.2.3 (abc123, "+runtime.GOOS+"/"+runtime.GOARCH+")", String())
}

func TestGoVersion(t *testing.T) {
	assert.Equal(t, runtime.Version(), GoVersion)
}
