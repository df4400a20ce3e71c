package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/beru3/monibot-pribot-webhook/internal/models"

	"go.uber.org/zap"
)

// StaffRepository reads and mutates the staff directory (tbl_staff and
// tbl_staff_teams).
type StaffRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewStaffRepository creates the staff repository.
func NewStaffRepository(db *sql.DB, logger *zap.Logger) *StaffRepository {
	return &StaffRepository{
		db:     db,
		logger: logger,
	}
}

// FindByBacklogUserID resolves a tracker user id to the local staff row.
// Returns nil when no such staff member exists.
func (r *StaffRepository) FindByBacklogUserID(ctx context.Context, q DBTX, backlogUserID string) (*models.StaffMember, error) {
	query := `
		SELECT staff_id, name, backlog_user_id, status, last_assigned_at
		FROM tbl_staff
		WHERE backlog_user_id = $1`

	var s models.StaffMember
	var lastAssigned sql.NullTime
	err := q.QueryRowContext(ctx, query, backlogUserID).
		Scan(&s.StaffID, &s.Name, &s.BacklogUserID, &s.Status, &lastAssigned)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find staff by backlog user id %s: %w", backlogUserID, err)
	}
	if lastAssigned.Valid {
		t := lastAssigned.Time
		s.LastAssignedAt = &t
	}
	return &s, nil
}

// LockAvailableTeamStaff locks (FOR UPDATE) all strictly-present staff of a
// team and returns them in fairness order: fewest covered hospitals first,
// then oldest last_assigned_at, with never-assigned staff (NULL) first.
// An empty result means no capacity for this team this cycle.
func (r *StaffRepository) LockAvailableTeamStaff(ctx context.Context, q DBTX, team string) ([]models.StaffMember, error) {
	query := `
		SELECT s.staff_id, s.name, s.backlog_user_id, s.status, s.last_assigned_at,
			(SELECT COUNT(DISTINCT h.hospital_id)
			 FROM tbl_staff_teams st2
			 JOIN tbl_hospital h ON h.team = st2.team
			 WHERE st2.staff_id = s.staff_id) AS hospital_count
		FROM tbl_staff s
		JOIN tbl_staff_teams st ON st.staff_id = s.staff_id
		WHERE s.status = '在席'
		  AND st.team = $1
		ORDER BY hospital_count ASC, s.last_assigned_at ASC NULLS FIRST
		FOR UPDATE OF s`

	rows, err := q.QueryContext(ctx, query, team)
	if err != nil {
		return nil, fmt.Errorf("failed to lock available staff for team %s: %w", team, err)
	}
	defer rows.Close()

	var staff []models.StaffMember
	for rows.Next() {
		var s models.StaffMember
		var lastAssigned sql.NullTime
		var hospitalCount int
		if err := rows.Scan(&s.StaffID, &s.Name, &s.BacklogUserID, &s.Status, &lastAssigned, &hospitalCount); err != nil {
			return nil, fmt.Errorf("failed to scan staff row: %w", err)
		}
		if lastAssigned.Valid {
			t := lastAssigned.Time
			s.LastAssignedAt = &t
		}
		staff = append(staff, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read staff rows: %w", err)
	}
	return staff, nil
}

// VerifyStillPresent re-checks, under the same row lock, that the selected
// candidate is still strictly 在席. The cached presence read at the top of
// the cycle can be stale by the time an item is processed.
func (r *StaffRepository) VerifyStillPresent(ctx context.Context, q DBTX, staffID int64) (bool, error) {
	query := `
		SELECT 1
		FROM tbl_staff
		WHERE staff_id = $1 AND status = '在席'
		FOR UPDATE`

	var one int
	err := q.QueryRowContext(ctx, query, staffID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to verify staff %d presence: %w", staffID, err)
	}
	return true, nil
}

// MarkAssigned moves the member to 在席(処理中) and stamps the assignment
// time used for least-recently-used ordering.
func (r *StaffRepository) MarkAssigned(ctx context.Context, q DBTX, staffID int64, now time.Time) error {
	query := `
		UPDATE tbl_staff
		SET status = '在席(処理中)', last_assigned_at = $2
		WHERE staff_id = $1`

	if _, err := q.ExecContext(ctx, query, staffID, now); err != nil {
		return fmt.Errorf("failed to mark staff %d assigned: %w", staffID, err)
	}
	return nil
}

// UpsertFromSync writes one synced presence record through the
// update_staff_status procedure (insert-or-update on backlog_user_id).
func (r *StaffRepository) UpsertFromSync(ctx context.Context, q DBTX, backlogUserID, name string, status models.PresenceStatus, syncedAt time.Time) error {
	query := `SELECT update_staff_status($1, $2, $3, $4)`

	if _, err := q.ExecContext(ctx, query, backlogUserID, name, string(status), syncedAt); err != nil {
		return fmt.Errorf("failed to upsert staff %s: %w", backlogUserID, err)
	}
	return nil
}

// ReplaceTeams rewrites a member's team memberships.
func (r *StaffRepository) ReplaceTeams(ctx context.Context, q DBTX, staffID int64, teams []string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM tbl_staff_teams WHERE staff_id = $1`, staffID); err != nil {
		return fmt.Errorf("failed to clear teams for staff %d: %w", staffID, err)
	}
	for _, team := range teams {
		if _, err := q.ExecContext(ctx,
			`INSERT INTO tbl_staff_teams (staff_id, team) VALUES ($1, $2)`, staffID, team); err != nil {
			return fmt.Errorf("failed to add staff %d to team %s: %w", staffID, team, err)
		}
	}
	return nil
}
