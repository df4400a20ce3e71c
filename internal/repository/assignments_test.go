package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupAssignmentRepo(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *AssignmentRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	repo := NewAssignmentRepository(db, zap.NewNop())
	return db, mock, repo
}

func TestLatestUnreverted_Active(t *testing.T) {
	db, mock, repo := setupAssignmentRepo(t)
	defer db.Close()

	assigned := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"assignment_id", "account_id", "staff_id", "ticket_number", "assigned_at"}).
		AddRow(100, 1, 7, "MONI-123", assigned)

	mock.ExpectQuery(`reverted_at IS NULL`).
		WithArgs("MONI-123").
		WillReturnRows(rows)

	h, err := repo.LatestUnreverted(context.Background(), db, "MONI-123")

	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, int64(100), h.AssignmentID)
	assert.Equal(t, int64(7), h.StaffID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestUnreverted_AlreadyReverted(t *testing.T) {
	db, mock, repo := setupAssignmentRepo(t)
	defer db.Close()

	mock.ExpectQuery(`reverted_at IS NULL`).
		WithArgs("MONI-123").
		WillReturnError(sql.ErrNoRows)

	h, err := repo.LatestUnreverted(context.Background(), db, "MONI-123")

	require.NoError(t, err)
	assert.Nil(t, h)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestRevertedTicketNumber_NeverReverted(t *testing.T) {
	db, mock, repo := setupAssignmentRepo(t)
	defer db.Close()

	mock.ExpectQuery(`reverted_at IS NOT NULL`).
		WithArgs(int64(1)).
		WillReturnError(sql.ErrNoRows)

	ticket, err := repo.LatestRevertedTicketNumber(context.Background(), db, 1)

	require.NoError(t, err)
	assert.Nil(t, ticket)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateAssignment_CarriesOriginalTicket(t *testing.T) {
	db, mock, repo := setupAssignmentRepo(t)
	defer db.Close()

	original := "MONI-100"
	mock.ExpectExec(`update_assignment`).
		WithArgs(int64(1), int64(7), "MONI-123", sql.NullString{String: original, Valid: true}).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpdateAssignment(context.Background(), db, 1, 7, "MONI-123", &original)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkReverted_OnlyActiveRow(t *testing.T) {
	db, mock, repo := setupAssignmentRepo(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE tbl_assignmenthistory`).
		WithArgs(int64(100)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.MarkReverted(context.Background(), db, 100)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountActiveForAccount_AtMostOne(t *testing.T) {
	db, mock, repo := setupAssignmentRepo(t)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"count"}).AddRow(1)

	mock.ExpectQuery(`SELECT COUNT`).
		WithArgs(int64(1)).
		WillReturnRows(rows)

	n, err := repo.CountActiveForAccount(context.Background(), db, 1)

	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
