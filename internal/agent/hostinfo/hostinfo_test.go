package hostinfo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeRuntimes struct{}

func (fakeRuntimes) Detect(context.Context) map[string]string {
	return map[string]string{"node": "v20.11.0"}
}

type fakeServices struct{}

func (fakeServices) Statuses(context.Context) map[string]string {
	return map[string]string{"nginx": "active", "postgresql": "active", "mysql": "inactive"}
}

func TestCollectSnapshot(t *testing.T) {
	c := New("1.4.2", fakeRuntimes{}, fakeServices{})

	status := c.Collect(context.Background())

	assert.Equal(t, "1.4.2", status.AgentVersion)
	assert.NotEmpty(t, status.Hostname)
	assert.Equal(t, "v20.11.0", status.Runtimes["node"])
	assert.Equal(t, "active", status.Services["nginx"])
	assert.Equal(t, []string{"postgresql"}, status.Databases)
}

func TestCollectWithoutProbes(t *testing.T) {
	c := New("dev", nil, nil)

	status := c.Collect(context.Background())
	assert.Equal(t, "dev", status.AgentVersion)
	assert.Empty(t, status.Databases)
}
