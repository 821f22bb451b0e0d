package brand

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGet(t *testing.T) {
	got := Get()
	assert.Equal(t, "pfeval", got.Name)
	assert.Equal(t, "PFEVAL", got.EnvPrefix)
	assert.Equal(t, got.BinaryName, BinaryName)
	assert.Equal(t, got.Listen, MetricsListen)
	assert.NotEmpty(t, Version)
}

func TestDirs(t *testing.T) {
	t.Setenv("PFEVAL_CONFIG_DIR", "")
	t.Setenv("PFEVAL_STATE_DIR", "")
	t.Setenv("PFEVAL_PREFIX", "")
	assert.Equal(t, "/etc/pfeval/rules.hcl", DefaultConfigFile())
	assert.Equal(t, "/var/lib/pfeval", StateDir())

	t.Setenv("PFEVAL_PREFIX", "/opt/pfeval")
	assert.Equal(t, "/opt/pfeval/config", ConfigDir())
	assert.Equal(t, "/opt/pfeval/state/stats.db", DefaultStatsFile())

	t.Setenv("PFEVAL_STATE_DIR", "/tmp/state")
	assert.Equal(t, "/tmp/state", StateDir())
}
