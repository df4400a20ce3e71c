package inserter

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/beru3/monibot-pribot-webhook/internal/backlog"
	"github.com/beru3/monibot-pribot-webhook/internal/config"
	"github.com/beru3/monibot-pribot-webhook/internal/models"
	"github.com/beru3/monibot-pribot-webhook/internal/repository"

	"go.uber.org/zap"
)

const (
	priorityNameDefault    = "中"
	customFieldCaptureTime = "取得時間"
	customFieldReBilling   = "再会計"
	reBillingSuffix        = "（再会計）"
)

// Ingester is the producer side of the pending work queue: it takes one
// extraction batch from a portal monitor, registers the hospital, inserts
// each patient row idempotently and opens the initial billing issue for
// rows that are genuinely new.
type Ingester struct {
	db           *sql.DB
	client       *backlog.Client
	accountRepo  *repository.AccountRepository
	hospitalRepo *repository.HospitalRepository
	cfg          *config.BacklogConfig
	logger       *zap.Logger

	now func() time.Time
}

// NewIngester wires the ingester.
func NewIngester(db *sql.DB, client *backlog.Client, accountRepo *repository.AccountRepository, hospitalRepo *repository.HospitalRepository, cfg *config.BacklogConfig, logger *zap.Logger) *Ingester {
	return &Ingester{
		db:           db,
		client:       client,
		accountRepo:  accountRepo,
		hospitalRepo: hospitalRepo,
		cfg:          cfg,
		logger:       logger,
		now:          time.Now,
	}
}

// ProcessBatch handles one extraction pass for one hospital. Each patient
// runs in its own transaction: the insert procedure keys on
// (hospital_id, patient_id, exam_date), and the initial tracker issue is
// created only for new rows — a tracker failure rolls the row back so the
// next pass retries the pair atomically.
func (g *Ingester) ProcessBatch(ctx context.Context, batch *models.ExtractionBatch) error {
	if batch.HospitalName == "" || batch.SystemType == "" || batch.IssueKey == "" {
		return fmt.Errorf("extraction batch missing required fields")
	}

	hospitalID, err := g.hospitalRepo.GetOrInsert(ctx, g.db, batch.HospitalName, batch.SystemType, batch.Team, batch.IssueKey)
	if err != nil {
		return err
	}

	if len(batch.Patients) == 0 {
		g.logger.Debug("No patients in extraction batch",
			zap.String("hospital_name", batch.HospitalName),
		)
		return nil
	}

	for i := range batch.Patients {
		if err := g.processPatient(ctx, hospitalID, batch, &batch.Patients[i]); err != nil {
			g.logger.Error("Failed to process patient",
				zap.String("patient_id", batch.Patients[i].PatientID),
				zap.String("hospital_name", batch.HospitalName),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (g *Ingester) processPatient(ctx context.Context, hospitalID int64, batch *models.ExtractionBatch, patient *models.ExtractedPatient) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin ingestion transaction: %w", err)
	}
	defer tx.Rollback()

	examDate := g.now()
	department := patient.Department
	if department == "" {
		department = "不明"
	}

	accountID, updatedExisting, err := g.accountRepo.InsertPendingAccount(
		ctx, tx, hospitalID, patient.PatientID, department, examDate, patient.EndTime, patient.ReAccount)
	if err != nil {
		return err
	}
	if accountID == 0 {
		return fmt.Errorf("insert procedure returned no account id for patient %s", patient.PatientID)
	}

	if updatedExisting {
		g.logger.Info("Existing pending account touched",
			zap.String("patient_id", patient.PatientID),
			zap.Int64("account_id", accountID),
		)
		return tx.Commit()
	}

	g.logger.Info("New pending account registered",
		zap.Int64("hospital_id", hospitalID),
		zap.String("patient_id", patient.PatientID),
		zap.Int64("account_id", accountID),
		zap.String("department", department),
		zap.String("exam_end_time", patient.EndTime),
		zap.Bool("re_account", patient.ReAccount),
	)

	issue, err := g.createInitialIssue(ctx, batch, patient, examDate)
	if err != nil {
		return fmt.Errorf("initial issue creation failed, rolling back account %d: %w", accountID, err)
	}
	if err := g.accountRepo.SetTicketNumber(ctx, tx, accountID, issue.IssueKey); err != nil {
		return err
	}

	return tx.Commit()
}

// createInitialIssue opens the billing issue for a freshly inserted account.
// The issue type is the hospital's EMR system name, priority defaults to 中,
// and the capture time / re-billing custom fields are filled when the
// project defines them.
func (g *Ingester) createInitialIssue(ctx context.Context, batch *models.ExtractionBatch, patient *models.ExtractedPatient, examDate time.Time) (*backlog.Issue, error) {
	issueTypeID, err := g.resolveIssueType(ctx, batch.SystemType)
	if err != nil {
		return nil, err
	}
	priorityID, err := g.resolvePriority(ctx)
	if err != nil {
		return nil, err
	}
	fields, err := g.client.GetCustomFields(ctx, g.cfg.BillingProjectID)
	if err != nil {
		return nil, err
	}

	summary := fmt.Sprintf("%s - %s", batch.HospitalName, patient.PatientID)
	if patient.ReAccount {
		summary += reBillingSuffix
	}

	capturedAt := g.now()
	description := fmt.Sprintf("電子カルテ名: %s\n病院名: %s\n患者ID: %s\n",
		batch.SystemType, batch.HospitalName, patient.PatientID)
	if patient.Department != "" {
		description += fmt.Sprintf("診療科: %s\n", patient.Department)
	}
	description += fmt.Sprintf("診察日: %s\n取得時間: %s",
		examDate.Format("2006-01-02"), capturedAt.Format("2006-01-02 15:04:05"))

	customFields := make(map[int64]string)
	for _, f := range fields {
		switch f.Name {
		case customFieldCaptureTime:
			customFields[f.ID] = capturedAt.Format("15:04:05")
		case customFieldReBilling:
			if patient.ReAccount {
				customFields[f.ID] = "はい"
			}
		}
	}

	return g.client.CreateIssue(ctx, backlog.CreateIssueParams{
		ProjectID:    g.cfg.BillingProjectID,
		Summary:      summary,
		Description:  description,
		IssueTypeID:  issueTypeID,
		PriorityID:   priorityID,
		CustomFields: customFields,
	})
}

func (g *Ingester) resolveIssueType(ctx context.Context, name string) (int64, error) {
	types, err := g.client.GetIssueTypes(ctx, g.cfg.BillingProjectID)
	if err != nil {
		return 0, err
	}
	for _, t := range types {
		if t.Name == name {
			return t.ID, nil
		}
	}
	return 0, fmt.Errorf("no issue type named %q in billing project", name)
}

func (g *Ingester) resolvePriority(ctx context.Context) (int64, error) {
	priorities, err := g.client.GetPriorities(ctx)
	if err != nil {
		return 0, err
	}
	for _, p := range priorities {
		if p.Name == priorityNameDefault {
			return p.ID, nil
		}
	}
	if len(priorities) > 0 {
		return priorities[0].ID, nil
	}
	return 0, fmt.Errorf("tracker returned no priorities")
}
