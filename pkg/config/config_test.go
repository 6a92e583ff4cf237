package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("RAGFAB_TEST_HOST", "db.internal")
	os.Unsetenv("RAGFAB_TEST_MISSING")

	tests := []struct {
		in   string
		want string
	}{
		{"${RAGFAB_TEST_HOST}", "db.internal"},
		{"$RAGFAB_TEST_HOST", "db.internal"},
		{"${RAGFAB_TEST_MISSING:-localhost}", "localhost"},
		{"${RAGFAB_TEST_HOST:-localhost}", "db.internal"},
		{"postgres://${RAGFAB_TEST_HOST}:5432", "postgres://db.internal:5432"},
		{"no variables here", "no variables here"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, expandEnvVars(tt.in), tt.in)
	}
}

func TestLoadAppliesDefaultsAndExpansion(t *testing.T) {
	t.Setenv("RAGFAB_TEST_DB", "ragfab_test")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  database: ${RAGFAB_TEST_DB}
search:
  alpha: "0.7"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ragfab_test", cfg.Database.Database)
	assert.Equal(t, "localhost", cfg.Database.Host, "defaults fill the gaps")
	assert.Equal(t, 1024, cfg.Embedding.Dimension)

	alpha, err := cfg.Search.AlphaValue()
	require.NoError(t, err)
	assert.Equal(t, 0.7, alpha)
	assert.False(t, cfg.Search.AlphaAutoMode())
}

func TestLoadEmptyPathIsEnvOnly(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.Search.AlphaAutoMode(), "alpha defaults to auto")
	assert.Equal(t, "03:00", cfg.Quality.Schedule)
}

func TestLoadRejectsInvalidAlpha(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("search:\n  alpha: \"beaucoup\"\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "alpha")
}

func TestScheduleTime(t *testing.T) {
	tests := []struct {
		schedule string
		hour     int
		minute   int
		wantErr  bool
	}{
		{"03:00", 3, 0, false},
		{"23:59", 23, 59, false},
		{"7:30", 7, 30, false},
		{"24:00", 0, 0, true},
		{"12:60", 0, 0, true},
		{"noon", 0, 0, true},
		{"", 0, 0, true},
	}
	for _, tt := range tests {
		c := QualityConfig{Schedule: tt.schedule}
		hour, minute, err := c.ScheduleTime()
		if tt.wantErr {
			assert.Error(t, err, tt.schedule)
			continue
		}
		require.NoError(t, err, tt.schedule)
		assert.Equal(t, tt.hour, hour)
		assert.Equal(t, tt.minute, minute)
	}
}

func TestDSN(t *testing.T) {
	c := DatabaseConfig{
		Host: "db", Port: 5433, Database: "ragfab",
		User: "app", Password: "secret", SSLMode: "require",
	}
	assert.Equal(t, "postgres://app:secret@db:5433/ragfab?sslmode=require", c.DSN())
}

func TestEnvOverridesBeatYAML(t *testing.T) {
	t.Setenv("RERANKER_ENABLED", "false")
	t.Setenv("HYBRID_SEARCH_ALPHA", "auto")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
reranker:
  enabled: true
search:
  alpha: "0.3"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.Reranker.Enabled)
	assert.True(t, cfg.Search.AlphaAutoMode())
}
