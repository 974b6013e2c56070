package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/kinship/internal/config"
	"github.com/scrypster/kinship/internal/engine"
	"github.com/scrypster/kinship/pkg/types"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Storage.Engine)
	assert.Equal(t, filepath.Join("./data", "kinship.db"), cfg.Storage.SQLiteDSN())
	assert.Equal(t, 30*time.Second, cfg.Resolution.TxTimeout)
	assert.Equal(t, "production", cfg.Log.Env)

	assert.True(t, cfg.Backup.Verify)
	assert.Equal(t, 24, cfg.Backup.Hourly)
	assert.Equal(t, filepath.Join("data", "backups"), cfg.BackupDir(cfg.Storage.SQLiteDSN()))

	interval, err := cfg.SweepInterval()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, interval)

	assert.Equal(t, engine.DefaultConfig(), cfg.EngineConfig(),
		"default configuration must match the engine defaults")
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("KINSHIP_LINKER_FUZZY_THRESHOLD", "0.9")
	t.Setenv("KINSHIP_RESOLUTION_BATCH_CONCURRENCY", "8")
	t.Setenv("KINSHIP_RESOLUTION_TX_TIMEOUT", "5s")
	t.Setenv("KINSHIP_STORAGE_DSN", "/tmp/graph.db")

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, 0.9, cfg.Linker.FuzzyThreshold)
	assert.Equal(t, 8, cfg.Resolution.BatchConcurrency)
	assert.Equal(t, 5*time.Second, cfg.Resolution.TxTimeout)
	assert.Equal(t, "/tmp/graph.db", cfg.Storage.SQLiteDSN())
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeFile(t, "kinship.yaml", `
storage:
  engine: postgres
  dsn: postgres://localhost/kinship
detector:
  dynamic_attributes: [location, team]
  strength_delta: 0.4
sweep:
  limit: 10
log:
  env: development
`)
	t.Setenv("KINSHIP_SWEEP_LIMIT", "25")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Storage.Engine)
	assert.Equal(t, []string{"location", "team"}, cfg.Detector.DynamicAttributes)
	assert.Equal(t, 0.4, cfg.Detector.StrengthDelta)
	assert.Equal(t, 25, cfg.Sweep.Limit, "environment wins over the file")
	assert.Equal(t, "development", cfg.Log.Env)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown engine", map[string]string{"KINSHIP_STORAGE_ENGINE": "mongo"}},
		{"postgres without dsn", map[string]string{"KINSHIP_STORAGE_ENGINE": "postgres"}},
		{"threshold out of range", map[string]string{"KINSHIP_LINKER_FUZZY_THRESHOLD": "1.5"}},
		{"zero concurrency", map[string]string{"KINSHIP_RESOLUTION_BATCH_CONCURRENCY": "0"}},
		{"bad interval", map[string]string{"KINSHIP_SWEEP_INTERVAL": "soon"}},
		{"unknown log env", map[string]string{"KINSHIP_LOG_ENV": "staging"}},
		{"zero retention", map[string]string{"KINSHIP_BACKUP_DAILY": "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := config.Load("")
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadRuleFile(t *testing.T) {
	path := writeFile(t, "rules.yaml", `
rules:
  - id: employer-latest
    name: Employer changes
    attribute_pattern: employer
    strategy: latest_wins
    confidence_threshold: 0.7
    priority: 10
  - id: people-tags
    name: Tags on people
    attribute_pattern: "tag*"
    entity_type: person
    strategy: merge
    confidence_threshold: 0.5
    priority: 6
    active: false
`)

	rules, err := config.LoadRuleFile(path)
	require.NoError(t, err)
	require.Len(t, rules, 2)

	assert.Equal(t, "employer-latest", rules[0].ID)
	assert.Equal(t, types.StrategyLatestWins, rules[0].Strategy)
	assert.True(t, rules[0].Active, "rules are active unless disabled")
	assert.Equal(t, 10, rules[0].Priority)

	assert.Equal(t, "person", rules[1].EntityType)
	assert.False(t, rules[1].Active)
}

func TestParseRules_Errors(t *testing.T) {
	_, err := config.ParseRules([]byte("rules:\n  - name: no id\n"))
	assert.Error(t, err)

	_, err = config.ParseRules([]byte("rules:\n  - id: a\n  - id: a\n"))
	assert.Error(t, err)

	_, err = config.ParseRules([]byte("rules:\n  - id: a\n    stratgy: merge\n"))
	assert.Error(t, err, "unknown fields are rejected")

	rules, err := config.ParseRules(nil)
	require.NoError(t, err)
	assert.Empty(t, rules)
}
