package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/beru3/monibot-pribot-webhook/internal/backlog"
	"github.com/beru3/monibot-pribot-webhook/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRegistryServer(t *testing.T, issues []backlog.Issue) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(issues))
	}))
}

func newTestExternalMonitor(t *testing.T, serverURL, checkDir string) *ExternalMonitor {
	t.Helper()

	logger := zap.NewNop()
	cfg := &config.BacklogConfig{HospitalProjectID: "300", Timeout: 5 * time.Second}
	paths := &config.PathsConfig{LoginCheckDir: checkDir}
	client := backlog.NewClient(serverURL, "key", 5*time.Second, logger)

	m := NewExternalMonitor("CLIUS", client, cfg, paths, logger)
	m.pollInterval = 10 * time.Millisecond
	return m
}

func TestExternalMonitor_GateOpensOnCheckFiles(t *testing.T) {
	registry := []backlog.Issue{
		{
			ID:        700,
			IssueKey:  "HOSP-12",
			Summary:   "病院A",
			IssueType: &backlog.NamedEntity{ID: 7, Name: "CLIUS"},
		},
		{
			// A hospital on another portal does not hold this gate.
			ID:        701,
			IssueKey:  "HOSP-13",
			Summary:   "田中クリニック",
			IssueType: &backlog.NamedEntity{ID: 8, Name: "紙カルテ"},
		},
	}
	server := newRegistryServer(t, registry)
	defer server.Close()

	checkDir := t.TempDir()
	m := newTestExternalMonitor(t, server.URL, checkDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	// No check file yet, the gate stays closed.
	assert.False(t, m.Login().WaitForCompletion(ctx, 100*time.Millisecond))

	// The browser bot reports the hospital's login.
	require.NoError(t, os.WriteFile(filepath.Join(checkDir, "病院A.txt"), []byte("2026-08-29 09:00:00.000"), 0o644))

	assert.True(t, m.Login().WaitForCompletion(ctx, 2*time.Second))
	assert.Contains(t, m.Login().Summary(), "1/1")

	cancel()
	require.NoError(t, <-done)
}

func TestExternalMonitor_StaleCheckFileIsIgnored(t *testing.T) {
	registry := []backlog.Issue{
		{
			ID:        700,
			IssueKey:  "HOSP-12",
			Summary:   "病院A",
			IssueType: &backlog.NamedEntity{ID: 7, Name: "CLIUS"},
		},
	}
	server := newRegistryServer(t, registry)
	defer server.Close()

	checkDir := t.TempDir()
	stale := filepath.Join(checkDir, "病院A.txt")
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o644))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	m := newTestExternalMonitor(t, server.URL, checkDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	// The leftover file from the previous run does not open the gate.
	assert.False(t, m.Login().WaitForCompletion(ctx, 300*time.Millisecond))

	// A fresh report does.
	require.NoError(t, os.WriteFile(stale, []byte("2026-08-29 09:00:00.000"), 0o644))
	assert.True(t, m.Login().WaitForCompletion(ctx, 2*time.Second))

	cancel()
	require.NoError(t, <-done)
}

func TestExternalMonitor_RegistryFailureKeepsGateClosed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(http.NotFound))
	defer server.Close()

	m := newTestExternalMonitor(t, server.URL, t.TempDir())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	err := <-done
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CLIUS")
	assert.False(t, m.Login().WaitForCompletion(ctx, 100*time.Millisecond))
}

func TestExternalMonitor_NoHospitalsOpensImmediately(t *testing.T) {
	server := newRegistryServer(t, []backlog.Issue{})
	defer server.Close()

	m := newTestExternalMonitor(t, server.URL, t.TempDir())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	assert.True(t, m.Login().WaitForCompletion(ctx, 2*time.Second))

	cancel()
	require.NoError(t, <-done)
}
