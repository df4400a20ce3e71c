package monitor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/beru3/monibot-pribot-webhook/internal/backlog"
	"github.com/beru3/monibot-pribot-webhook/internal/config"
	"github.com/beru3/monibot-pribot-webhook/internal/inserter"
	"github.com/beru3/monibot-pribot-webhook/internal/models"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

const (
	paperSystemType    = "紙カルテ"
	customFieldTeam    = "チーム"
	processedDirName   = "processed"
	mintedIDTimeLayout = "20060102"
)

// PaperMonitor handles the hospitals that have no EMR portal: clinics drop
// spreadsheet exports into a per-hospital directory and each scan ingests
// whatever arrived since the last one. Processed workbooks move into a
// processed/ subdirectory; the insert procedure's idempotence covers the
// window where a move fails.
type PaperMonitor struct {
	name     string
	dropDir  string
	client   *backlog.Client
	ingester *inserter.Ingester
	counter  *DailyCounter
	cfg      *config.BacklogConfig
	login    *LoginStatus
	logger   *zap.Logger
}

// NewPaperMonitor wires the paper-chart monitor.
func NewPaperMonitor(name string, client *backlog.Client, ingester *inserter.Ingester, counter *DailyCounter, cfg *config.BacklogConfig, paths *config.PathsConfig, logger *zap.Logger) *PaperMonitor {
	return &PaperMonitor{
		name:     name,
		dropDir:  paths.PaperDropDir,
		client:   client,
		ingester: ingester,
		counter:  counter,
		cfg:      cfg,
		login:    NewLoginStatus(name, paths.LoginCheckDir, logger),
		logger:   logger,
	}
}

// Name returns the portal name.
func (p *PaperMonitor) Name() string { return p.name }

// Login returns the startup gate. There is no browser login here, so the
// gate opens as soon as Run starts.
func (p *PaperMonitor) Login() *LoginStatus { return p.login }

// Run opens the startup gate and parks until shutdown. Scans are driven by
// the orchestrator's tick loop, not by an internal timer, so the scan
// cadence stays aligned with the assignment cycle.
func (p *PaperMonitor) Run(ctx context.Context) error {
	p.login.StartLoginProcess(0)
	<-ctx.Done()
	return nil
}

// Scan runs one ingestion pass over every paper hospital's drop directory.
func (p *PaperMonitor) Scan(ctx context.Context) error {
	hospitals, err := p.fetchPaperHospitals(ctx)
	if err != nil {
		return fmt.Errorf("failed to list paper hospitals: %w", err)
	}
	if len(hospitals) == 0 {
		p.logger.Debug("No paper hospitals registered")
		return nil
	}

	for _, h := range hospitals {
		if err := p.scanHospital(ctx, h); err != nil {
			p.logger.Error("Paper scan failed for hospital",
				zap.String("hospital_name", h.Name),
				zap.Error(err),
			)
		}
	}
	return nil
}

type paperHospital struct {
	Name     string
	Team     string
	IssueKey string
}

// fetchPaperHospitals reads the hospital registry project and keeps the
// entries whose issue type marks them as paper-chart hospitals. The team
// comes from the チーム custom field, falling back to the first category.
func (p *PaperMonitor) fetchPaperHospitals(ctx context.Context) ([]paperHospital, error) {
	issues, err := p.client.SearchIssues(ctx, backlog.SearchParams{
		ProjectID: p.cfg.HospitalProjectID,
		Count:     100,
	})
	if err != nil {
		return nil, err
	}

	var hospitals []paperHospital
	for _, issue := range issues {
		if issue.IssueType == nil || issue.IssueType.Name != paperSystemType {
			continue
		}
		team := backlog.CustomFieldValue(issue.CustomFields, customFieldTeam)
		if team == "" && len(issue.Category) > 0 {
			team = issue.Category[0].Name
		}
		hospitals = append(hospitals, paperHospital{
			Name:     issue.Summary,
			Team:     team,
			IssueKey: issue.IssueKey,
		})
	}
	return hospitals, nil
}

func (p *PaperMonitor) scanHospital(ctx context.Context, hospital paperHospital) error {
	dir := filepath.Join(p.dropDir, hospital.Name)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(strings.ToLower(name), ".xlsx") || strings.HasPrefix(name, "~$") {
			continue
		}
		path := filepath.Join(dir, name)
		if err := p.ingestWorkbook(ctx, hospital, path); err != nil {
			p.logger.Error("Failed to ingest workbook",
				zap.String("file", path),
				zap.Error(err),
			)
			continue
		}
		p.archiveWorkbook(dir, name)
	}
	return nil
}

func (p *PaperMonitor) ingestWorkbook(ctx context.Context, hospital paperHospital, path string) error {
	patients, err := p.parseWorkbook(path)
	if err != nil {
		return err
	}
	if len(patients) == 0 {
		p.logger.Info("Workbook held no patient rows",
			zap.String("file", path),
		)
		return nil
	}

	p.logger.Info("Ingesting paper workbook",
		zap.String("hospital_name", hospital.Name),
		zap.String("file", path),
		zap.Int("patients", len(patients)),
	)

	return p.ingester.ProcessBatch(ctx, &models.ExtractionBatch{
		HospitalName: hospital.Name,
		SystemType:   paperSystemType,
		Team:         hospital.Team,
		IssueKey:     hospital.IssueKey,
		Patients:     patients,
	})
}

// parseWorkbook reads the first sheet. Expected columns after the header
// row: patient id, department, exam end time, re-billing flag. Rows with
// no patient id get a minted one so the billing flow can still track them.
func (p *PaperMonitor) parseWorkbook(path string) ([]models.ExtractedPatient, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("workbook has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %s: %w", sheets[0], err)
	}

	var patients []models.ExtractedPatient
	for i, row := range rows {
		if i == 0 {
			continue // header
		}
		if len(row) == 0 {
			continue
		}

		patient := models.ExtractedPatient{}
		if len(row) > 0 {
			patient.PatientID = strings.TrimSpace(row[0])
		}
		if len(row) > 1 {
			patient.Department = strings.TrimSpace(row[1])
		}
		if len(row) > 2 {
			patient.EndTime = strings.TrimSpace(row[2])
		}
		if len(row) > 3 {
			flag := strings.TrimSpace(row[3])
			patient.ReAccount = flag == "はい" || flag == "再会計" || strings.EqualFold(flag, "yes")
		}

		if patient.PatientID == "" && patient.Department == "" && patient.EndTime == "" {
			continue
		}
		if patient.PatientID == "" {
			patient.PatientID = p.mintPatientID()
		}
		patients = append(patients, patient)
	}
	return patients, nil
}

func (p *PaperMonitor) mintPatientID() string {
	return fmt.Sprintf("P%s-%03d", time.Now().Format(mintedIDTimeLayout), p.counter.NextValue())
}

// archiveWorkbook moves an ingested file out of the drop directory.
func (p *PaperMonitor) archiveWorkbook(dir, name string) {
	processed := filepath.Join(dir, processedDirName)
	if err := os.MkdirAll(processed, 0o755); err != nil {
		p.logger.Warn("Failed to create processed directory",
			zap.String("dir", processed),
			zap.Error(err),
		)
		return
	}
	dst := filepath.Join(processed, fmt.Sprintf("%s_%s", time.Now().Format("20060102150405"), name))
	if err := os.Rename(filepath.Join(dir, name), dst); err != nil {
		p.logger.Warn("Failed to archive workbook",
			zap.String("file", name),
			zap.Error(err),
		)
	}
}
