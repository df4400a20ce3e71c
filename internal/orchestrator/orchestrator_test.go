package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/beru3/monibot-pribot-webhook/internal/config"
	"github.com/beru3/monibot-pribot-webhook/internal/monitor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeMonitor records when it was started and completes (or never completes)
// its login gate.
type fakeMonitor struct {
	name     string
	login    *monitor.LoginStatus
	loginOK  bool
	order    *startOrder
	loginLag time.Duration
}

type startOrder struct {
	mu    sync.Mutex
	names []string
}

func (o *startOrder) add(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.names = append(o.names, name)
}

func (o *startOrder) list() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.names...)
}

func newFakeMonitor(name string, loginOK bool, order *startOrder) *fakeMonitor {
	return &fakeMonitor{
		name:    name,
		login:   monitor.NewLoginStatus(name, "", zap.NewNop()),
		loginOK: loginOK,
		order:   order,
	}
}

func (f *fakeMonitor) Name() string                { return f.name }
func (f *fakeMonitor) Login() *monitor.LoginStatus { return f.login }

func (f *fakeMonitor) Run(ctx context.Context) error {
	f.order.add(f.name)
	f.login.StartLoginProcess(1)
	if f.loginOK {
		if f.loginLag > 0 {
			time.Sleep(f.loginLag)
		}
		f.login.UpdateHospitalStatus("病院A", true, "")
	}
	<-ctx.Done()
	return nil
}

type fakeEngine struct {
	calls    int32
	failures int32 // first N calls fail
}

func (e *fakeEngine) ProcessPendingAccounts(ctx context.Context) error {
	n := atomic.AddInt32(&e.calls, 1)
	if n <= atomic.LoadInt32(&e.failures) {
		return errors.New("cycle failed")
	}
	return nil
}

type fakeScanner struct {
	calls int32
}

func (s *fakeScanner) Scan(ctx context.Context) error {
	atomic.AddInt32(&s.calls, 1)
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.Intervals.TaskAssignment = 500 * time.Millisecond
	cfg.Intervals.PaperPolling = 500 * time.Millisecond
	cfg.Intervals.LoginTimeout = 2 * time.Second
	cfg.Paths.PIDFile = filepath.Join(dir, "pid.txt")
	cfg.Paths.FlagDir = filepath.Join(dir, "flags")
	cfg.Paths.LoginCheckDir = filepath.Join(dir, "login_check")
	return cfg
}

func TestRun_SequentialStartupThenTicks(t *testing.T) {
	order := &startOrder{}
	first := newFakeMonitor("CLIUS", true, order)
	first.loginLag = 50 * time.Millisecond
	second := newFakeMonitor("紙カルテ", true, order)

	engine := &fakeEngine{}
	scanner := &fakeScanner{}
	cfg := testConfig(t)

	o := New(engine, scanner, []monitor.Monitor{first, second}, cfg, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := o.Run(ctx)
	require.NoError(t, err)

	// The second monitor starts only after the first one's login gate opened.
	assert.Equal(t, []string{"CLIUS", "紙カルテ"}, order.list())

	// The tick loop drove both periodic tasks at least once.
	assert.GreaterOrEqual(t, atomic.LoadInt32(&engine.calls), int32(1))
	assert.GreaterOrEqual(t, atomic.LoadInt32(&scanner.calls), int32(1))

	// Startup summary written, pid file cleaned up on shutdown.
	summary, err := os.ReadFile(filepath.Join(cfg.Paths.LoginCheckDir, "all_systems_login_completed.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(summary), "CLIUS")
	_, err = os.Stat(cfg.Paths.PIDFile)
	assert.True(t, os.IsNotExist(err))

	// The fixed-name status file reports a healthy start.
	data, err := os.ReadFile(filepath.Join(cfg.Paths.FlagDir, "all_systems_summary.json"))
	require.NoError(t, err)

	var status struct {
		OverallStatus string `json:"overall_status"`
		RestartNeeded bool   `json:"restart_needed"`
	}
	require.NoError(t, json.Unmarshal(data, &status))
	assert.Equal(t, "running", status.OverallStatus)
	assert.False(t, status.RestartNeeded)
}

func TestRun_LoginTimeoutIsFatal(t *testing.T) {
	order := &startOrder{}
	stuck := newFakeMonitor("CLIUS", false, order)
	notReached := newFakeMonitor("デジカル", true, order)

	engine := &fakeEngine{}
	cfg := testConfig(t)
	cfg.Intervals.LoginTimeout = 100 * time.Millisecond

	o := New(engine, nil, []monitor.Monitor{stuck, notReached}, cfg, zap.NewNop())

	err := o.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CLIUS")

	// Later monitors never started, the engine never ran.
	assert.Equal(t, []string{"CLIUS"}, order.list())
	assert.Equal(t, int32(0), atomic.LoadInt32(&engine.calls))

	// A fatal summary was left at the fixed path the external restarter
	// polls.
	data, readErr := os.ReadFile(filepath.Join(cfg.Paths.FlagDir, "all_systems_summary.json"))
	require.NoError(t, readErr)

	var summary struct {
		OverallStatus  string `json:"overall_status"`
		RestartNeeded  bool   `json:"restart_needed"`
		RestartCommand string `json:"restart_command"`
		ErrorMessage   string `json:"error_message"`
	}
	require.NoError(t, json.Unmarshal(data, &summary))
	assert.Equal(t, "fatal_error", summary.OverallStatus)
	assert.True(t, summary.RestartNeeded)
	assert.NotEmpty(t, summary.RestartCommand)
	assert.Contains(t, summary.ErrorMessage, "CLIUS")
}

func TestRun_TickErrorRetriesAfterCooldown(t *testing.T) {
	order := &startOrder{}
	m := newFakeMonitor("CLIUS", true, order)

	engine := &fakeEngine{failures: 1}
	cfg := testConfig(t)
	cfg.Intervals.TaskAssignment = 10 * time.Minute // only the reset re-arms it

	o := New(engine, nil, []monitor.Monitor{m}, cfg, zap.NewNop())
	o.cooldown = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err := o.Run(ctx)
	require.NoError(t, err)

	// First call failed, the cooldown cleared the last-run mark, and the
	// next tick retried despite the long nominal interval.
	assert.GreaterOrEqual(t, atomic.LoadInt32(&engine.calls), int32(2))
}

func TestRun_PIDFileWrittenDuringRun(t *testing.T) {
	order := &startOrder{}
	m := newFakeMonitor("CLIUS", true, order)
	cfg := testConfig(t)

	o := New(&fakeEngine{}, nil, []monitor.Monitor{m}, cfg, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	// Wait for startup to finish, then check the pid file.
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(cfg.Paths.LoginCheckDir, "all_systems_login_completed.txt"))
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	data, err := os.ReadFile(cfg.Paths.PIDFile)
	require.NoError(t, err)
	assert.NotEmpty(t, data)

	cancel()
	require.NoError(t, <-done)
}
