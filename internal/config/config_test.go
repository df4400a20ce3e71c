package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultValues(t *testing.T) {
	t.Setenv("BACKLOG_SPACE", "test-space")
	t.Setenv("BACKLOG_API_KEY", "test-key")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "monibot", cfg.Database.Database)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)

	assert.Equal(t, 2, cfg.Backlog.Status.InReview)
	assert.Equal(t, 262863, cfg.Backlog.Status.SentBack)
	assert.Equal(t, 263209, cfg.Backlog.Status.SentBackAcked)
	assert.Equal(t, 242353, cfg.Backlog.Status.Absent)

	assert.Equal(t, 5*time.Second, cfg.Intervals.TaskAssignment)
	assert.Equal(t, 30*time.Second, cfg.Intervals.PaperPolling)
	assert.Equal(t, 10*time.Minute, cfg.Intervals.LoginTimeout)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_MissingSpaceIsError(t *testing.T) {
	t.Setenv("BACKLOG_SPACE", "")
	t.Setenv("BACKLOG_API_KEY", "")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("BACKLOG_SPACE", "test-space")
	t.Setenv("BACKLOG_API_KEY", "test-key")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("BACKLOG_STATUS_SENT_BACK", "111")
	t.Setenv("TASK_ASSIGNMENT_INTERVAL", "15")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 111, cfg.Backlog.Status.SentBack)
	assert.Equal(t, 15*time.Second, cfg.Intervals.TaskAssignment)
}

func TestGetDSN(t *testing.T) {
	c := DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "secret",
		Database: "monibot",
		SSLMode:  "disable",
	}

	assert.Equal(t,
		"host=localhost port=5432 user=postgres password=secret dbname=monibot sslmode=disable",
		c.GetDSN())
}

func TestLoadPortals_MissingFileUsesDefaults(t *testing.T) {
	portals, err := LoadPortals(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	require.Len(t, portals, 7)
	assert.Equal(t, "CLIUS", portals[0].Name)
	assert.Equal(t, "external", portals[0].Kind)
	assert.Equal(t, "紙カルテ", portals[6].Name)
	assert.Equal(t, "paper", portals[6].Kind)
}

func TestLoadPortals_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portals.yaml")
	content := `portals:
  - name: CLIUS
    kind: external
    polling_interval: 20
  - name: 紙カルテ
    kind: paper
    polling_interval: 60
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	portals, err := LoadPortals(path)
	require.NoError(t, err)

	require.Len(t, portals, 2)
	assert.Equal(t, 20, portals[0].PollingInterval)
	assert.Equal(t, "paper", portals[1].Kind)
}

func TestLoadPortals_MalformedFileIsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portals.yaml")
	require.NoError(t, os.WriteFile(path, []byte("portals: [not: valid"), 0o644))

	_, err := LoadPortals(path)
	assert.Error(t, err)
}
