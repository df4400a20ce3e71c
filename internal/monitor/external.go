package monitor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/beru3/monibot-pribot-webhook/internal/backlog"
	"github.com/beru3/monibot-pribot-webhook/internal/config"

	"go.uber.org/zap"
)

const defaultCheckPollInterval = time.Second

// ExternalMonitor is the in-process login gate for a browser-driven EMR
// portal. The browser bot for the portal runs as a separate process and
// drops a timestamp file per hospital into the login check directory once
// that hospital's session is up; this monitor lists the portal's hospitals
// from the registry project, watches for those files, and opens the startup
// gate when every hospital has reported in. Files left over from an earlier
// run are ignored.
type ExternalMonitor struct {
	name         string
	checkDir     string
	client       *backlog.Client
	cfg          *config.BacklogConfig
	login        *LoginStatus
	pollInterval time.Duration
	logger       *zap.Logger
}

// NewExternalMonitor wires the gate for one external portal. The check
// directory belongs to the browser bot, so the gate itself never writes
// check files.
func NewExternalMonitor(name string, client *backlog.Client, cfg *config.BacklogConfig, paths *config.PathsConfig, logger *zap.Logger) *ExternalMonitor {
	return &ExternalMonitor{
		name:         name,
		checkDir:     paths.LoginCheckDir,
		client:       client,
		cfg:          cfg,
		login:        NewLoginStatus(name, "", logger),
		pollInterval: defaultCheckPollInterval,
		logger:       logger,
	}
}

// Name returns the portal name.
func (m *ExternalMonitor) Name() string { return m.name }

// Login returns the startup gate.
func (m *ExternalMonitor) Login() *LoginStatus { return m.login }

// Run arms the gate for the portal's registered hospitals and polls the
// check directory until all of them have a fresh check file, then parks
// until shutdown. A registry failure or a hospital whose bot never reports
// keeps the gate closed, which the supervisor turns into a startup timeout.
func (m *ExternalMonitor) Run(ctx context.Context) error {
	started := time.Now()

	hospitals, err := m.fetchHospitals(ctx)
	if err != nil {
		return fmt.Errorf("failed to list %s hospitals: %w", m.name, err)
	}

	m.login.StartLoginProcess(len(hospitals))
	m.logger.Info("External portal gate armed",
		zap.String("portal", m.name),
		zap.Int("hospitals", len(hospitals)),
	)
	if len(hospitals) == 0 {
		<-ctx.Done()
		return nil
	}

	pending := make(map[string]struct{}, len(hospitals))
	for _, h := range hospitals {
		pending[h] = struct{}{}
	}

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		for name := range pending {
			if !m.checkFileFresh(name, started) {
				continue
			}
			delete(pending, name)
			m.login.UpdateHospitalStatus(name, true, "")
		}
	}

	<-ctx.Done()
	return nil
}

// fetchHospitals reads the hospital registry project and keeps the entries
// whose issue type names this portal's EMR system.
func (m *ExternalMonitor) fetchHospitals(ctx context.Context) ([]string, error) {
	issues, err := m.client.SearchIssues(ctx, backlog.SearchParams{
		ProjectID: m.cfg.HospitalProjectID,
		Count:     100,
	})
	if err != nil {
		return nil, err
	}

	var hospitals []string
	for _, issue := range issues {
		if issue.IssueType == nil || issue.IssueType.Name != m.name {
			continue
		}
		hospitals = append(hospitals, issue.Summary)
	}
	return hospitals, nil
}

// checkFileFresh reports whether the hospital's check file exists and was
// written for this run. The one-second grace covers coarse file timestamps.
func (m *ExternalMonitor) checkFileFresh(hospitalName string, started time.Time) bool {
	info, err := os.Stat(filepath.Join(m.checkDir, checkFileName(hospitalName)))
	if err != nil {
		return false
	}
	return info.ModTime().After(started.Add(-time.Second))
}
