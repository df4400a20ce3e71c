package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/beru3/monibot-pribot-webhook/internal/models"

	"go.uber.org/zap"
)

// AssignmentRepository owns the append-only assignment ledger
// (tbl_assignmenthistory) and the two procedures that mutate it together
// with the staff and account tables.
type AssignmentRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAssignmentRepository creates the assignment-history repository.
func NewAssignmentRepository(db *sql.DB, logger *zap.Logger) *AssignmentRepository {
	return &AssignmentRepository{
		db:     db,
		logger: logger,
	}
}

// LatestUnreverted resolves a ticket key to its newest active ledger row.
// Returns nil when every matching row is already reverted, which is what
// makes a repeated reversion sweep a no-op.
func (r *AssignmentRepository) LatestUnreverted(ctx context.Context, q DBTX, ticketNumber string) (*models.AssignmentHistory, error) {
	query := `
		SELECT assignment_id, account_id, staff_id, ticket_number, assigned_at
		FROM tbl_assignmenthistory
		WHERE ticket_number = $1 AND reverted_at IS NULL
		ORDER BY assigned_at DESC
		LIMIT 1`

	var h models.AssignmentHistory
	err := q.QueryRowContext(ctx, query, ticketNumber).
		Scan(&h.AssignmentID, &h.AccountID, &h.StaffID, &h.TicketNumber, &h.AssignedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find assignment for ticket %s: %w", ticketNumber, err)
	}
	return &h, nil
}

// LatestRevertedTicketNumber returns the ticket key of an account's most
// recent reverted assignment, or nil if it was never reverted. A new
// assignment carries this forward as its original ticket number.
func (r *AssignmentRepository) LatestRevertedTicketNumber(ctx context.Context, q DBTX, accountID int64) (*string, error) {
	query := `
		SELECT ticket_number
		FROM tbl_assignmenthistory
		WHERE account_id = $1 AND reverted_at IS NOT NULL
		ORDER BY reverted_at DESC
		LIMIT 1`

	var ticket string
	err := q.QueryRowContext(ctx, query, accountID).Scan(&ticket)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find reverted ticket for account %d: %w", accountID, err)
	}
	return &ticket, nil
}

// UpdateAssignment runs the update_assignment procedure: writes the ledger
// row and stamps the account with its staff owner and ticket number, all in
// the caller's transaction.
func (r *AssignmentRepository) UpdateAssignment(ctx context.Context, q DBTX, accountID, staffID int64, ticketNumber string, originalTicketNumber *string) error {
	query := `SELECT update_assignment($1, $2, $3, $4)`

	var original sql.NullString
	if originalTicketNumber != nil {
		original = sql.NullString{String: *originalTicketNumber, Valid: true}
	}

	if _, err := q.ExecContext(ctx, query, accountID, staffID, ticketNumber, original); err != nil {
		return fmt.Errorf("failed to update assignment for account %d: %w", accountID, err)
	}
	return nil
}

// MarkReverted closes a ledger row. The reverted_at IS NULL guard keeps the
// at-most-one-active invariant under a racing sweep.
func (r *AssignmentRepository) MarkReverted(ctx context.Context, q DBTX, assignmentID int64) error {
	query := `
		UPDATE tbl_assignmenthistory
		SET reverted_at = NOW()
		WHERE assignment_id = $1 AND reverted_at IS NULL`

	if _, err := q.ExecContext(ctx, query, assignmentID); err != nil {
		return fmt.Errorf("failed to mark assignment %d reverted: %w", assignmentID, err)
	}
	return nil
}

// RevertAssignment runs the revert_assignment procedure, which frees the
// pending account for reassignment, inside the caller's transaction.
func (r *AssignmentRepository) RevertAssignment(ctx context.Context, q DBTX, staffID, assignmentID int64, ticketNumber string) error {
	query := `SELECT revert_assignment($1, $2, $3)`

	if _, err := q.ExecContext(ctx, query, staffID, assignmentID, ticketNumber); err != nil {
		return fmt.Errorf("failed to revert assignment %d: %w", assignmentID, err)
	}
	return nil
}

// CountActiveForAccount reports how many unreverted ledger rows an account
// has. Used by consistency checks; the store invariant keeps this at 0 or 1.
func (r *AssignmentRepository) CountActiveForAccount(ctx context.Context, q DBTX, accountID int64) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM tbl_assignmenthistory
		WHERE account_id = $1 AND reverted_at IS NULL`

	var n int
	if err := q.QueryRowContext(ctx, query, accountID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count active assignments for account %d: %w", accountID, err)
	}
	return n, nil
}
