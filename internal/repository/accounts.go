package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/beru3/monibot-pribot-webhook/internal/models"

	"go.uber.org/zap"
)

// AccountRepository reads and mutates the pending work queue
// (tbl_pendingaccounts), mostly through the store's procedures.
type AccountRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAccountRepository creates the pending-account repository.
func NewAccountRepository(db *sql.DB, logger *zap.Logger) *AccountRepository {
	return &AccountRepository{
		db:     db,
		logger: logger,
	}
}

// GetTeamPendingAccounts fetches all unassigned accounts across every team
// in one read. The engine groups them for logging and walks them in the
// returned order.
func (r *AccountRepository) GetTeamPendingAccounts(ctx context.Context) ([]models.PendingAccount, error) {
	query := `SELECT * FROM get_team_pending_accounts(NULL)`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending accounts: %w", err)
	}
	defer rows.Close()

	var accounts []models.PendingAccount
	for rows.Next() {
		var a models.PendingAccount
		var ticket sql.NullString
		if err := rows.Scan(&a.AccountID, &a.HospitalID, &a.PatientID, &a.Department,
			&a.ExamDate, &a.Team, &ticket, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pending account: %w", err)
		}
		if ticket.Valid {
			t := ticket.String
			a.TicketNumber = &t
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read pending accounts: %w", err)
	}
	return accounts, nil
}

// GetTicketNumber reads an account's tracker issue key. With forUpdate the
// row is locked for the remainder of the caller's transaction.
func (r *AccountRepository) GetTicketNumber(ctx context.Context, q DBTX, accountID int64, forUpdate bool) (string, error) {
	query := `SELECT ticket_number FROM tbl_pendingaccounts WHERE account_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var ticket sql.NullString
	err := q.QueryRowContext(ctx, query, accountID).Scan(&ticket)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("no pending account %d", accountID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get ticket number for account %d: %w", accountID, err)
	}
	if !ticket.Valid || ticket.String == "" {
		return "", fmt.Errorf("account %d has no ticket number", accountID)
	}
	return ticket.String, nil
}

// SetTicketNumber stores the tracker issue key created for an account.
func (r *AccountRepository) SetTicketNumber(ctx context.Context, q DBTX, accountID int64, ticketNumber string) error {
	query := `UPDATE tbl_pendingaccounts SET ticket_number = $2 WHERE account_id = $1`

	if _, err := q.ExecContext(ctx, query, accountID, ticketNumber); err != nil {
		return fmt.Errorf("failed to set ticket number for account %d: %w", accountID, err)
	}
	return nil
}

// GetCreatedAt reads the capture timestamp used in webhook descriptions.
func (r *AccountRepository) GetCreatedAt(ctx context.Context, q DBTX, accountID int64) (time.Time, error) {
	query := `SELECT created_at FROM tbl_pendingaccounts WHERE account_id = $1`

	var createdAt time.Time
	err := q.QueryRowContext(ctx, query, accountID).Scan(&createdAt)
	if err == sql.ErrNoRows {
		return time.Time{}, fmt.Errorf("no pending account %d", accountID)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get created_at for account %d: %w", accountID, err)
	}
	return createdAt, nil
}

// InsertPendingAccount runs the idempotent insert procedure. The store keys
// on (hospital_id, patient_id, exam_date): a repeat of the same physical
// event updates the existing row, and updatedExisting reports which path
// was taken.
func (r *AccountRepository) InsertPendingAccount(ctx context.Context, q DBTX, hospitalID int64, patientID, department string, examDate time.Time, examTime string, reAccount bool) (int64, bool, error) {
	query := `SELECT * FROM insert_pending_account($1, $2, $3, $4, $5, $6)`

	reFlag := 0
	if reAccount {
		reFlag = 1
	}

	var accountID int64
	var message string
	var updatedExisting int
	err := q.QueryRowContext(ctx, query,
		hospitalID, patientID, department, examDate.Format("2006-01-02"), examTime, reFlag).
		Scan(&accountID, &message, &updatedExisting)
	if err != nil {
		return 0, false, fmt.Errorf("failed to insert pending account for patient %s: %w", patientID, err)
	}

	if accountID > 0 && message != "" {
		r.logger.Info("Pending account insert result",
			zap.Int64("account_id", accountID),
			zap.String("message", message),
		)
	}
	return accountID, updatedExisting != 0, nil
}
