package monitor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HospitalLoginResult is one hospital's login outcome within a portal.
type HospitalLoginResult struct {
	HospitalName string
	Success      bool
	ErrorMessage string
}

// LoginStatus tracks a portal's login phase across its hospitals. The
// orchestrator blocks on WaitForCompletion during sequential startup; the
// gate opens only when every hospital has logged in successfully, so a
// failed hospital surfaces as a startup timeout.
type LoginStatus struct {
	systemName string
	checkDir   string // a timestamp file per successful hospital login
	logger     *zap.Logger

	mu        sync.Mutex
	total     int
	completed int
	successes int
	results   map[string]HospitalLoginResult
	startTime time.Time
	endTime   time.Time
	done      chan struct{}
	closed    bool
}

// NewLoginStatus creates the login gate for one portal.
func NewLoginStatus(systemName, checkDir string, logger *zap.Logger) *LoginStatus {
	return &LoginStatus{
		systemName: systemName,
		checkDir:   checkDir,
		logger:     logger,
		results:    make(map[string]HospitalLoginResult),
		done:       make(chan struct{}),
	}
}

// StartLoginProcess arms the gate for the given hospital count. Zero
// hospitals completes immediately (a portal with nothing to poll).
func (l *LoginStatus) StartLoginProcess(totalHospitals int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.total = totalHospitals
	l.completed = 0
	l.successes = 0
	l.startTime = time.Now()
	if l.total == 0 {
		l.finishLocked()
	}
}

// UpdateHospitalStatus records one hospital's login outcome. Successful
// logins also leave a timestamp file in the check directory for the
// external watchdog.
func (l *LoginStatus) UpdateHospitalStatus(hospitalName string, success bool, errorMessage string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.results[hospitalName] = HospitalLoginResult{
		HospitalName: hospitalName,
		Success:      success,
		ErrorMessage: errorMessage,
	}
	if success {
		l.completed++
		l.successes++
		l.writeCheckFile(hospitalName)
	}
	if l.completed >= l.total {
		l.finishLocked()
	}
}

func (l *LoginStatus) finishLocked() {
	if !l.closed {
		l.endTime = time.Now()
		l.closed = true
		close(l.done)
	}
}

// WaitForCompletion blocks until the gate opens, the timeout expires, or
// the context is canceled. Returns true only when the gate opened.
func (l *LoginStatus) WaitForCompletion(ctx context.Context, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-l.done:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Summary renders a one-line login report, with failed hospitals appended.
func (l *LoginStatus) Summary() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.startTime.IsZero() {
		return fmt.Sprintf("%s: login not started", l.systemName)
	}

	elapsed := ""
	if !l.endTime.IsZero() {
		elapsed = fmt.Sprintf(", took %.1fs", l.endTime.Sub(l.startTime).Seconds())
	}
	if l.total == 0 {
		return fmt.Sprintf("%s: no hospitals to poll%s", l.systemName, elapsed)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d/%d hospitals logged in%s", l.systemName, l.successes, l.total, elapsed)
	for _, r := range l.results {
		if r.Success {
			continue
		}
		fmt.Fprintf(&b, "\n- %s", r.HospitalName)
		if r.ErrorMessage != "" {
			fmt.Fprintf(&b, ": %s", r.ErrorMessage)
		}
	}
	return b.String()
}

// Failures lists the hospitals whose login failed, for the supervisor's
// summary file.
func (l *LoginStatus) Failures() []HospitalLoginResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	var failures []HospitalLoginResult
	for _, r := range l.results {
		if !r.Success {
			failures = append(failures, r)
		}
	}
	return failures
}

// SystemName returns the portal name this gate belongs to.
func (l *LoginStatus) SystemName() string {
	return l.systemName
}

// checkFileName maps a hospital name to its login check file. Characters
// that are unsafe in file names are replaced, matching what the browser
// bots write.
func checkFileName(hospitalName string) string {
	safe := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, hospitalName)
	return safe + ".txt"
}

// writeCheckFile drops a timestamp file named after the hospital. Failure
// here never blocks the login flow.
func (l *LoginStatus) writeCheckFile(hospitalName string) {
	if l.checkDir == "" {
		return
	}
	if err := os.MkdirAll(l.checkDir, 0o755); err != nil {
		l.logger.Warn("Failed to create login check directory",
			zap.Error(err),
		)
		return
	}

	path := filepath.Join(l.checkDir, checkFileName(hospitalName))
	stamp := time.Now().Format("2006-01-02 15:04:05.000")
	if err := os.WriteFile(path, []byte(stamp), 0o644); err != nil {
		l.logger.Warn("Failed to write login check file",
			zap.String("hospital_name", hospitalName),
			zap.Error(err),
		)
	}
}
