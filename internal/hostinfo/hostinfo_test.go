package hostinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInfoReportsConfiguredFields(t *testing.T) {
	p := NewProvider("node-a", "127.0.0.1:10124", true)
	info := p.Info()

	assert.Equal(t, "node-a", info.NodeName)
	assert.Equal(t, "127.0.0.1:10124", info.GrpcEndpoint)
	assert.Contains(t, info.ApiVersions, "v1")
	assert.True(t, info.Features["lvm"])
}

func TestInfoFallsBackToHostname(t *testing.T) {
	p := NewProvider("", "127.0.0.1:10124", false)
	info := p.Info()
	assert.NotEmpty(t, info.NodeName)
	assert.False(t, info.Features["lvm"])
}
