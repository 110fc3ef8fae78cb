package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyDefaults_FillsEveryUnsetField(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)

	assert.Equal(t, "combatlogd", cfg.App.Name)
	assert.Equal(t, "info", cfg.App.LogLevel)
	assert.Equal(t, 8401, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "combatlogd", cfg.Metrics.Namespace)
	assert.Equal(t, 2.0, cfg.OverlayTickHz)
	assert.Equal(t, 8, cfg.TopN)
	assert.Equal(t, "fs", cfg.Columnar.Backend)
	assert.NotEmpty(t, cfg.Columnar.Directory)
}

func TestApplyDefaults_DoesNotOverrideExplicitValues(t *testing.T) {
	cfg := &Config{}
	cfg.App.Name = "my-combatlogd"
	cfg.Server.Port = 9000
	cfg.TopN = 20

	applyDefaults(cfg)

	assert.Equal(t, "my-combatlogd", cfg.App.Name)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 20, cfg.TopN)
}

func TestApplyEnvOverrides_OverridesDefaults(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)

	t.Setenv("COMBATLOG_LOG_DIRECTORY", "/data/combat-logs")
	t.Setenv("COMBATLOG_ACTIVE_CHARACTER", "Zarathos")
	t.Setenv("COMBATLOG_TOP_N", "12")
	t.Setenv("COMBATLOG_OVERLAY_TICK_HZ", "4.5")

	applyEnvOverrides(cfg)

	assert.Equal(t, "/data/combat-logs", cfg.LogDirectory)
	assert.Equal(t, "Zarathos", cfg.ActiveCharacter)
	assert.Equal(t, 12, cfg.TopN)
	assert.Equal(t, 4.5, cfg.OverlayTickHz)
}

func TestLoad_FromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/combatlogd.yaml"
	contents := []byte(`
log_directory: /data/combat-logs
active_character: Zarathos
top_n: 5
server:
  enabled: true
`)
	require.NoError(t, os.WriteFile(path, contents, 0o644))

	cfg, err := Load(path)
	a := assert.New(t)
	a.NoError(err)
	a.Equal("/data/combat-logs", cfg.LogDirectory)
	a.Equal("Zarathos", cfg.ActiveCharacter)
	a.Equal(5, cfg.TopN)
	a.True(cfg.Server.Enabled)
}
