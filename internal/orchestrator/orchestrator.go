package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/beru3/monibot-pribot-webhook/internal/config"
	"github.com/beru3/monibot-pribot-webhook/internal/monitor"

	"go.uber.org/zap"
)

const (
	tickInterval  = time.Second
	errorCooldown = 5 * time.Second

	loginSummaryFileName  = "all_systems_login_completed.txt"
	systemSummaryFileName = "all_systems_summary.json"
)

// AssignmentRunner is the periodic assignment cycle the supervisor drives.
type AssignmentRunner interface {
	ProcessPendingAccounts(ctx context.Context) error
}

// PaperScanner is the file-based portal pass the supervisor drives.
type PaperScanner interface {
	Scan(ctx context.Context) error
}

// Orchestrator supervises the whole bot: it brings the portal monitors up
// one at a time behind their login gates, then drives the assignment engine
// and the paper scan from a single tick loop. A login gate that never opens
// is fatal; the supervisor leaves a summary file for the external restarter
// and exits.
type Orchestrator struct {
	engine   AssignmentRunner
	paper    PaperScanner
	monitors []monitor.Monitor
	cfg      *config.Config
	logger   *zap.Logger

	cooldown time.Duration
	wg       sync.WaitGroup
}

// New wires the supervisor. The monitors slice is the startup order.
func New(engine AssignmentRunner, paper PaperScanner, monitors []monitor.Monitor, cfg *config.Config, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		engine:   engine,
		paper:    paper,
		monitors: monitors,
		cfg:      cfg,
		logger:   logger,
		cooldown: errorCooldown,
	}
}

// Run blocks until the context is canceled or startup fails.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.writePIDFile(); err != nil {
		return err
	}
	defer o.removePIDFile()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := o.startMonitors(runCtx); err != nil {
		o.writeSystemSummary(err)
		cancel()
		o.wg.Wait()
		return err
	}
	o.writeSystemSummary(nil)
	o.writeLoginSummary()

	err := o.tickLoop(runCtx)
	cancel()
	o.wg.Wait()
	return err
}

// startMonitors launches each monitor and waits for its login gate before
// launching the next. The sequential order keeps the portals' browser
// sessions from competing during login.
func (o *Orchestrator) startMonitors(ctx context.Context) error {
	for _, m := range o.monitors {
		m := m
		o.logger.Info("Starting monitor",
			zap.String("monitor", m.Name()),
		)
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			if err := m.Run(ctx); err != nil {
				o.logger.Error("Monitor stopped with error",
					zap.String("monitor", m.Name()),
					zap.Error(err),
				)
			}
		}()

		if !m.Login().WaitForCompletion(ctx, o.cfg.Intervals.LoginTimeout) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("login for %s did not complete within %s", m.Name(), o.cfg.Intervals.LoginTimeout)
		}
		o.logger.Info("Monitor login completed",
			zap.String("monitor", m.Name()),
			zap.String("summary", m.Login().Summary()),
		)
	}
	return nil
}

// tickLoop drives the periodic work. An error from either task logs,
// applies a short cooldown, and clears the last-run marks so both tasks
// retry on the next tick.
func (o *Orchestrator) tickLoop(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	var lastAssignment, lastPaper time.Time
	for {
		select {
		case <-ctx.Done():
			o.logger.Info("Supervisor shutting down")
			return nil
		case <-ticker.C:
		}

		now := time.Now()
		failed := false

		if now.Sub(lastAssignment) >= o.cfg.Intervals.TaskAssignment {
			lastAssignment = now
			if err := o.engine.ProcessPendingAccounts(ctx); err != nil {
				o.logger.Error("Assignment cycle failed",
					zap.Error(err),
				)
				failed = true
			}
		}

		if o.paper != nil && now.Sub(lastPaper) >= o.cfg.Intervals.PaperPolling {
			lastPaper = now
			if err := o.paper.Scan(ctx); err != nil {
				o.logger.Error("Paper scan failed",
					zap.Error(err),
				)
				failed = true
			}
		}

		if failed {
			lastAssignment = time.Time{}
			lastPaper = time.Time{}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(o.cooldown):
			}
		}
	}
}

func (o *Orchestrator) writePIDFile() error {
	path := o.cfg.Paths.PIDFile
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create pid directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	o.logger.Info("PID file written",
		zap.String("path", path),
		zap.Int("pid", os.Getpid()),
	)
	return nil
}

func (o *Orchestrator) removePIDFile() {
	if err := os.Remove(o.cfg.Paths.PIDFile); err != nil && !os.IsNotExist(err) {
		o.logger.Warn("Failed to remove pid file",
			zap.Error(err),
		)
	}
}

// systemSummary is the machine-readable report the external restarter polls.
// It always lives at the same path under the flag directory; the poller
// re-reads it and acts on overall_status.
type systemSummary struct {
	CheckTime      string         `json:"check_time"`
	OverallStatus  string         `json:"overall_status"`
	RestartNeeded  bool           `json:"restart_needed"`
	RestartCommand string         `json:"restart_command"`
	ErrorMessage   string         `json:"error_message"`
	LoginFailures  []loginFailure `json:"login_failures,omitempty"`
}

type loginFailure struct {
	Portal       string `json:"portal"`
	HospitalName string `json:"hospital_name"`
	ErrorMessage string `json:"error_message,omitempty"`
}

func (o *Orchestrator) loginFailures() []loginFailure {
	var failures []loginFailure
	for _, m := range o.monitors {
		for _, f := range m.Login().Failures() {
			failures = append(failures, loginFailure{
				Portal:       m.Name(),
				HospitalName: f.HospitalName,
				ErrorMessage: f.ErrorMessage,
			})
		}
	}
	return failures
}

// writeSystemSummary overwrites the fixed-name status file. A nil cause
// reports a healthy startup; a non-nil cause reports a fatal error and asks
// the external restarter to relaunch us.
func (o *Orchestrator) writeSystemSummary(cause error) {
	dir := o.cfg.Paths.FlagDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		o.logger.Error("Failed to create flag directory",
			zap.Error(err),
		)
		return
	}

	summary := systemSummary{
		CheckTime:      time.Now().Format("2006-01-02 15:04:05"),
		OverallStatus:  "running",
		RestartCommand: strings.Join(os.Args, " "),
		LoginFailures:  o.loginFailures(),
	}
	if cause != nil {
		summary.OverallStatus = "fatal_error"
		summary.RestartNeeded = true
		summary.ErrorMessage = cause.Error()
	}
	data, _ := json.MarshalIndent(summary, "", "  ")

	path := filepath.Join(dir, systemSummaryFileName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		o.logger.Error("Failed to write system summary",
			zap.String("path", path),
			zap.Error(err),
		)
		return
	}
	o.logger.Info("System summary written",
		zap.String("path", path),
		zap.String("overall_status", summary.OverallStatus),
	)
}

// writeLoginSummary drops the all-systems file other tooling watches to
// know startup finished, with each portal's login report inside.
func (o *Orchestrator) writeLoginSummary() {
	dir := o.cfg.Paths.LoginCheckDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		o.logger.Warn("Failed to create login check directory",
			zap.Error(err),
		)
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "All systems started at %s\n\n", time.Now().Format("2006-01-02 15:04:05"))
	for _, m := range o.monitors {
		fmt.Fprintf(&b, "%s\n", m.Login().Summary())
	}

	path := filepath.Join(dir, loginSummaryFileName)
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		o.logger.Warn("Failed to write login summary",
			zap.String("path", path),
			zap.Error(err),
		)
		return
	}
	o.logger.Info("All monitors started",
		zap.Int("monitors", len(o.monitors)),
	)
}
