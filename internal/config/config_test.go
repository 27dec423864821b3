package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSubstitutesEnv(t *testing.T) {
	t.Setenv("ULP_TEST_DSN", "postgres://u:p@db/ulp")

	path := filepath.Join(t.TempDir(), "ulp.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"server": {"port": 9000},
		"evolution": {"tick_interval": "250ms", "every": "1m", "speed": 60, "seed": 42},
		"database": {
			"postgres": {"dsn": "${ULP_TEST_DSN}"},
			"redis": {"url": "${ULP_TEST_UNSET:redis://localhost:6379/0}"},
			"qdrant": {"host": "qdrant"}
		},
		"seeds": [{"content": "gravity", "attention": 0.9}, {"content": "entropy"}]
	}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Server.LogLevel)
	assert.Equal(t, "postgres://u:p@db/ulp", cfg.Database.Postgres.DSN)
	assert.Equal(t, "migrations", cfg.Database.Postgres.Migrations)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Database.Redis.URL)
	assert.Equal(t, 6334, cfg.Database.Qdrant.Port)
	assert.Equal(t, 250*time.Millisecond, cfg.Evolution.TickInterval.Std())
	assert.Equal(t, time.Minute, cfg.Evolution.Every.Std())
	assert.Equal(t, 60.0, cfg.Evolution.Speed)
	assert.Equal(t, int64(42), cfg.Evolution.Seed)

	require.Len(t, cfg.Seeds, 2)
	require.NotNil(t, cfg.Seeds[0].Attention)
	assert.Equal(t, 0.9, *cfg.Seeds[0].Attention)
	assert.Nil(t, cfg.Seeds[1].Attention)
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, time.Second, cfg.Evolution.TickInterval.Std())
	assert.Equal(t, 1.0, cfg.Evolution.Speed)
	assert.Equal(t, 100, cfg.Evolution.History)
	assert.Equal(t, 0, cfg.Database.Qdrant.Port)
}

func TestParseErrors(t *testing.T) {
	for name, body := range map[string]string{
		"bad json":       `{`,
		"bad duration":   `{"evolution": {"every": "soon"}}`,
		"negative speed": `{"evolution": {"speed": -1}}`,
		"empty seed":     `{"seeds": [{"attention": 0.5}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
