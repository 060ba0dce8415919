package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/boxd/internal/config"
)

func TestLoadDoesNotApplyDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "boxd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  listen_addr: 127.0.0.1:4301\n"), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:4301", cfg.Server.ListenAddr)
	assert.Zero(t, cfg.Server.IprotoThreads, "defaults apply only via applyDefaults, not at Load time")
}

func TestIprotoThreadsClampedToMax(t *testing.T) {
	t.Setenv("BOXD_IPROTO_THREADS", "5000")
	t.Setenv("BOXD_CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	cfg := config.Get()
	assert.LessOrEqual(t, cfg.Server.IprotoThreads, config.IprotoThreadsMax)
}
