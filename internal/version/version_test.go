package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStrings(t *testing.T) {
	Release, GitCommit, GOOS, GOARCH = "v0.3.0", "abc123", "linux", "amd64"

	assert.Equal(t, "v0.3.0 (commit: abc123)", Full())
	assert.Equal(t, "v0.3.0 (commit: abc123, linux/amd64)", FullWithPlatform())
	assert.Equal(t, "eustall/v0.3.0", UserAgent())
}
