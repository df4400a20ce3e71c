package assignment

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/beru3/monibot-pribot-webhook/internal/backlog"
	"github.com/beru3/monibot-pribot-webhook/internal/config"
	"github.com/beru3/monibot-pribot-webhook/internal/repository"

	"go.uber.org/zap"
)

// ReversionSweep detects billing tickets the reviewer sent back and unwinds
// the matching assignment. It runs and commits before any new assignment in
// the same cycle, so freed staff are immediately assignable again.
type ReversionSweep struct {
	db         *sql.DB
	client     *backlog.Client
	staffRepo  *repository.StaffRepository
	assignRepo *repository.AssignmentRepository
	cfg        *config.BacklogConfig
	logger     *zap.Logger
}

// NewReversionSweep creates the reversion handler.
func NewReversionSweep(db *sql.DB, client *backlog.Client, staffRepo *repository.StaffRepository, assignRepo *repository.AssignmentRepository, cfg *config.BacklogConfig, logger *zap.Logger) *ReversionSweep {
	return &ReversionSweep{
		db:         db,
		client:     client,
		staffRepo:  staffRepo,
		assignRepo: assignRepo,
		cfg:        cfg,
		logger:     logger,
	}
}

// Run fetches all sent-back billing tickets and processes each one
// independently; one bad ticket never aborts the sweep.
func (r *ReversionSweep) Run(ctx context.Context) error {
	tickets, err := r.client.SearchIssues(ctx, backlog.SearchParams{
		ProjectID: r.cfg.BillingProjectID,
		StatusIDs: []int{r.cfg.Status.SentBack},
	})
	if err != nil {
		// Transient tracker failure: skip the sweep this cycle, the
		// tickets keep their sent-back status and will be seen again.
		r.logger.Error("Failed to fetch sent-back tickets",
			zap.Error(err),
		)
		return nil
	}

	r.logger.Info("Sent-back ticket sweep",
		zap.Int("ticket_count", len(tickets)),
	)

	for i := range tickets {
		if err := r.handleRevertedTicket(ctx, &tickets[i]); err != nil {
			r.logger.Error("Failed to handle sent-back ticket",
				zap.String("issue_key", tickets[i].IssueKey),
				zap.Error(err),
			)
		}
	}
	return nil
}

// handleRevertedTicket unwinds one assignment. Local state (ledger row
// closed, account freed) commits even if the two tracker-side updates fail;
// those are retried implicitly because the attendance and billing projects
// are re-read every cycle.
func (r *ReversionSweep) handleRevertedTicket(ctx context.Context, ticket *backlog.Issue) error {
	if ticket.Assignee == nil {
		r.logger.Warn("Sent-back ticket has no assignee, skipping",
			zap.String("issue_key", ticket.IssueKey),
		)
		return nil
	}
	backlogUserID := strconv.FormatInt(ticket.Assignee.ID, 10)

	staff, err := r.staffRepo.FindByBacklogUserID(ctx, r.db, backlogUserID)
	if err != nil {
		return err
	}
	if staff == nil {
		r.logger.Error("No staff member for tracker user, skipping reversion",
			zap.String("backlog_user_id", backlogUserID),
			zap.String("issue_key", ticket.IssueKey),
		)
		return nil
	}

	history, err := r.assignRepo.LatestUnreverted(ctx, r.db, ticket.IssueKey)
	if err != nil {
		return err
	}
	if history == nil {
		// Already reverted on a previous sweep.
		r.logger.Debug("No active assignment for sent-back ticket",
			zap.String("issue_key", ticket.IssueKey),
		)
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin reversion transaction: %w", err)
	}
	defer tx.Rollback()

	if err := r.assignRepo.MarkReverted(ctx, tx, history.AssignmentID); err != nil {
		return err
	}
	if err := r.assignRepo.RevertAssignment(ctx, tx, staff.StaffID, history.AssignmentID, ticket.IssueKey); err != nil {
		return err
	}

	// Tracker-side effects: both are attempted, neither blocks the local
	// commit. A staff member whose work was rejected is also marked absent
	// pending manual review.
	if err := r.setStaffAbsent(ctx, backlogUserID); err != nil {
		r.logger.Warn("Failed to mark staff absent in tracker",
			zap.String("backlog_user_id", backlogUserID),
			zap.Error(err),
		)
	}
	if _, err := r.client.UpdateIssue(ctx, ticket.IssueKey, r.cfg.Status.SentBackAcked, ""); err != nil {
		r.logger.Warn("Failed to acknowledge sent-back ticket in tracker",
			zap.String("issue_key", ticket.IssueKey),
			zap.Error(err),
		)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reversion for ticket %s: %w", ticket.IssueKey, err)
	}

	r.logger.Info("Reverted assignment for sent-back ticket",
		zap.String("issue_key", ticket.IssueKey),
		zap.Int64("staff_id", staff.StaffID),
		zap.Int64("account_id", history.AccountID),
	)
	return nil
}

// setStaffAbsent flips the member's attendance ticket to 不在. The search is
// sorted by creation so a user holding several issues in the project yields a
// stable pick, and issues that are already absent are passed over rather than
// masking the one that still needs the flip.
func (r *ReversionSweep) setStaffAbsent(ctx context.Context, backlogUserID string) error {
	issues, err := r.client.SearchIssues(ctx, backlog.SearchParams{
		ProjectID:   r.cfg.StaffProjectID,
		AssigneeIDs: []string{backlogUserID},
		Sort:        "created",
		Order:       "asc",
	})
	if err != nil {
		return err
	}
	if len(issues) == 0 {
		return fmt.Errorf("no attendance ticket for user %s", backlogUserID)
	}

	for i := range issues {
		issue := &issues[i]
		if issue.Status.ID == r.cfg.Status.Absent {
			continue
		}
		if _, err := r.client.UpdateIssue(ctx, strconv.FormatInt(issue.ID, 10), r.cfg.Status.Absent, ""); err != nil {
			return err
		}
		r.logger.Info("Marked staff absent in tracker",
			zap.String("backlog_user_id", backlogUserID),
		)
		return nil
	}

	r.logger.Info("Staff already absent in tracker",
		zap.String("backlog_user_id", backlogUserID),
	)
	return nil
}
