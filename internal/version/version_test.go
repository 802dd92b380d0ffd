package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGet(t *testing.T) {
	orig := GitCommit
	t.Cleanup(func() { GitCommit = orig })
	GitCommit = "abc123"

	info := Get()
	assert.Equal(t, "epharmacy-notify", info.Service)
	assert.Equal(t, Version, info.Version)
	assert.Equal(t, "abc123", info.Commit)
}
