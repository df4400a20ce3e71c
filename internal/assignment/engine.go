package assignment

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/beru3/monibot-pribot-webhook/internal/backlog"
	"github.com/beru3/monibot-pribot-webhook/internal/config"
	"github.com/beru3/monibot-pribot-webhook/internal/lock"
	"github.com/beru3/monibot-pribot-webhook/internal/models"
	"github.com/beru3/monibot-pribot-webhook/internal/repository"
	"github.com/beru3/monibot-pribot-webhook/internal/webhook"

	"go.uber.org/zap"
)

// Engine converts available staff and pending work into committed,
// tracker-mirrored assignments. One invocation is one polling cycle; items
// are processed strictly serially, each in its own transaction, so a bad
// item can only lose its own work.
type Engine struct {
	db           *sql.DB
	client       *backlog.Client
	notifier     *webhook.Notifier
	staffRepo    *repository.StaffRepository
	accountRepo  *repository.AccountRepository
	assignRepo   *repository.AssignmentRepository
	hospitalRepo *repository.HospitalRepository
	sync         *StaffSync
	reversion    *ReversionSweep
	lease        *lock.Lease
	cfg          *config.BacklogConfig
	logger       *zap.Logger

	now func() time.Time
}

// NewEngine wires the assignment engine.
func NewEngine(
	db *sql.DB,
	client *backlog.Client,
	notifier *webhook.Notifier,
	staffRepo *repository.StaffRepository,
	accountRepo *repository.AccountRepository,
	assignRepo *repository.AssignmentRepository,
	hospitalRepo *repository.HospitalRepository,
	sync *StaffSync,
	reversion *ReversionSweep,
	lease *lock.Lease,
	cfg *config.BacklogConfig,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		db:           db,
		client:       client,
		notifier:     notifier,
		staffRepo:    staffRepo,
		accountRepo:  accountRepo,
		assignRepo:   assignRepo,
		hospitalRepo: hospitalRepo,
		sync:         sync,
		reversion:    reversion,
		lease:        lease,
		cfg:          cfg,
		logger:       logger,
		now:          time.Now,
	}
}

// ProcessPendingAccounts runs one full assignment cycle:
//
//  1. reversion sweep (commits first, so freed staff are usable below)
//  2. presence sync from the tracker
//  3. one read of all unassigned accounts, grouped by team for the log
//  4. per item: lock candidates, pick the least-recently-used, mirror to
//     the tracker, commit locally, notify the webhook
//
// Per-item failures are contained; an error return here means the cycle
// itself could not run (connection-level) and the orchestrator retries
// after its cooldown.
func (e *Engine) ProcessPendingAccounts(ctx context.Context) error {
	acquired, err := e.lease.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire assignment lease: %w", err)
	}
	if !acquired {
		e.logger.Warn("Assignment cycle already running elsewhere, skipping")
		return nil
	}
	defer e.lease.Release(ctx)

	if err := e.reversion.Run(ctx); err != nil {
		return err
	}

	if err := e.sync.Sync(ctx); err != nil {
		// Presence sync failure leaves a stale snapshot; assigning from it
		// would fight the re-verify step all cycle, so bail out.
		return fmt.Errorf("staff sync failed: %w", err)
	}

	accounts, err := e.accountRepo.GetTeamPendingAccounts(ctx)
	if err != nil {
		return err
	}

	teamCounts := make(map[string]int)
	for _, a := range accounts {
		team := a.Team
		if team == "" {
			team = "未分類"
		}
		teamCounts[team]++
	}
	e.logger.Info("Unassigned accounts",
		zap.Int("total", len(accounts)),
		zap.Any("by_team", teamCounts),
	)
	if len(accounts) == 0 {
		return nil
	}

	tally := make(map[Outcome]int)
	for i := range accounts {
		outcome := e.processAccount(ctx, &accounts[i])
		tally[outcome]++
	}

	e.logger.Info("Assignment cycle finished",
		zap.Int("assigned", tally[OutcomeAssigned]),
		zap.Int("no_capacity", tally[OutcomeNoCapacity]),
		zap.Int("external_failure", tally[OutcomeExternalFailure]),
		zap.Int("skipped", tally[OutcomeSkipped]),
	)
	return nil
}

// processAccount assigns one pending item inside its own transaction.
// Every early return before commit rolls back via the deferred Rollback.
func (e *Engine) processAccount(ctx context.Context, account *models.PendingAccount) Outcome {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		e.logger.Error("Failed to begin assignment transaction",
			zap.Int64("account_id", account.AccountID),
			zap.Error(err),
		)
		return OutcomeSkipped
	}
	defer tx.Rollback()

	candidates, err := e.staffRepo.LockAvailableTeamStaff(ctx, tx, account.Team)
	if err != nil {
		e.logger.Error("Failed to lock available staff",
			zap.Int64("account_id", account.AccountID),
			zap.String("team", account.Team),
			zap.Error(err),
		)
		return OutcomeSkipped
	}
	if len(candidates) == 0 {
		return OutcomeNoCapacity
	}

	selected := candidates[0]

	stillPresent, err := e.staffRepo.VerifyStillPresent(ctx, tx, selected.StaffID)
	if err != nil {
		e.logger.Error("Failed to re-verify staff presence",
			zap.Int64("account_id", account.AccountID),
			zap.Int64("staff_id", selected.StaffID),
			zap.Error(err),
		)
		return OutcomeSkipped
	}
	if !stillPresent {
		e.logger.Warn("Staff status changed under us, skipping assignment",
			zap.Int64("account_id", account.AccountID),
			zap.String("staff_name", selected.Name),
		)
		return OutcomeSkipped
	}

	ticketNumber, err := e.accountRepo.GetTicketNumber(ctx, tx, account.AccountID, true)
	if err != nil {
		e.logger.Error("No ticket number for pending account",
			zap.Int64("account_id", account.AccountID),
			zap.Error(err),
		)
		return OutcomeSkipped
	}

	// External mirror first: if the tracker update fails nothing local has
	// been persisted and the item stays pending for the next cycle.
	if _, err := e.client.UpdateIssue(ctx, ticketNumber, e.cfg.Status.InReview, selected.BacklogUserID); err != nil {
		e.logger.Error("Tracker update failed, rolling back assignment",
			zap.Int64("account_id", account.AccountID),
			zap.Int64("staff_id", selected.StaffID),
			zap.String("ticket_number", ticketNumber),
			zap.Error(err),
		)
		return OutcomeExternalFailure
	}

	originalTicket, err := e.assignRepo.LatestRevertedTicketNumber(ctx, tx, account.AccountID)
	if err != nil {
		e.logger.Error("Failed to resolve original ticket number",
			zap.Int64("account_id", account.AccountID),
			zap.Error(err),
		)
		return OutcomeSkipped
	}
	if err := e.assignRepo.UpdateAssignment(ctx, tx, account.AccountID, selected.StaffID, ticketNumber, originalTicket); err != nil {
		e.logger.Error("Failed to write assignment",
			zap.Int64("account_id", account.AccountID),
			zap.Int64("staff_id", selected.StaffID),
			zap.Error(err),
		)
		return OutcomeSkipped
	}
	if err := e.staffRepo.MarkAssigned(ctx, tx, selected.StaffID, e.now()); err != nil {
		e.logger.Error("Failed to update staff status",
			zap.Int64("account_id", account.AccountID),
			zap.Int64("staff_id", selected.StaffID),
			zap.Error(err),
		)
		return OutcomeSkipped
	}

	if err := tx.Commit(); err != nil {
		e.logger.Error("Failed to commit assignment",
			zap.Int64("account_id", account.AccountID),
			zap.Int64("staff_id", selected.StaffID),
			zap.Error(err),
		)
		return OutcomeSkipped
	}

	hospitalName, err := e.hospitalRepo.GetName(ctx, e.db, account.HospitalID)
	if err != nil {
		hospitalName = "不明な病院"
	}

	e.logger.Info("Task assigned",
		zap.String("staff_name", selected.Name),
		zap.String("ticket_number", ticketNumber),
		zap.String("hospital_name", hospitalName),
		zap.String("patient_id", account.PatientID),
	)

	e.notifyAssignment(ctx, account, &selected, ticketNumber, hospitalName)
	return OutcomeAssigned
}

// notifyAssignment sends the best-effort webhook event. The description
// uses the capture time stored with the account rather than wall clock.
func (e *Engine) notifyAssignment(ctx context.Context, account *models.PendingAccount, staff *models.StaffMember, ticketNumber, hospitalName string) {
	hospital := e.hospitalRepo.GetHospitalInfo(ctx, e.db, account.HospitalID)

	description := ""
	capturedAt, err := e.accountRepo.GetCreatedAt(ctx, e.db, account.AccountID)
	if err != nil {
		e.logger.Warn("No capture time for account, sending webhook without it",
			zap.Int64("account_id", account.AccountID),
		)
		description = fmt.Sprintf(
			"電子カルテ名: %s\n病院名: %s\n患者ID: %s",
			hospital.EMRSystem, hospitalName, account.PatientID,
		)
	} else {
		description = fmt.Sprintf(
			"電子カルテ名: %s\n病院名: %s\n患者ID: %s\n診察日: %s\n取得時間: %s",
			hospital.EMRSystem, hospitalName, account.PatientID,
			capturedAt.Format("2006-01-02"), capturedAt.Format("2006-01-02 15:04:05"),
		)
	}

	e.notifier.NotifyAssignment(ctx, webhook.AssignmentEvent{
		TicketNumber: ticketNumber,
		AssigneeID:   staff.BacklogUserID,
		HospitalName: hospitalName,
		PatientID:    account.PatientID,
		Description:  description,
	})
}
