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

func setupAccountRepo(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *AccountRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	repo := NewAccountRepository(db, zap.NewNop())
	return db, mock, repo
}

func TestGetTeamPendingAccounts_Success(t *testing.T) {
	db, mock, repo := setupAccountRepo(t)
	defer db.Close()

	examDate := time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC)
	createdAt := time.Date(2026, 8, 29, 11, 30, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"account_id", "hospital_id", "patient_id", "department", "exam_date", "team", "ticket_number", "created_at"}).
		AddRow(1, 10, "P-001", "内科", examDate, "A", "MONI-123", createdAt).
		AddRow(2, 11, "P-002", "外科", examDate, "B", nil, createdAt)

	mock.ExpectQuery(`get_team_pending_accounts`).
		WillReturnRows(rows)

	accounts, err := repo.GetTeamPendingAccounts(context.Background())

	require.NoError(t, err)
	require.Len(t, accounts, 2)
	require.NotNil(t, accounts[0].TicketNumber)
	assert.Equal(t, "MONI-123", *accounts[0].TicketNumber)
	assert.Nil(t, accounts[1].TicketNumber)
	assert.Equal(t, "B", accounts[1].Team)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTicketNumber_Empty(t *testing.T) {
	db, mock, repo := setupAccountRepo(t)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"ticket_number"}).AddRow(nil)

	mock.ExpectQuery(`SELECT ticket_number`).
		WithArgs(int64(5)).
		WillReturnRows(rows)

	_, err := repo.GetTicketNumber(context.Background(), db, 5, false)

	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTicketNumber_Success(t *testing.T) {
	db, mock, repo := setupAccountRepo(t)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"ticket_number"}).AddRow("MONI-55")

	mock.ExpectQuery(`SELECT ticket_number`).
		WithArgs(int64(5)).
		WillReturnRows(rows)

	ticket, err := repo.GetTicketNumber(context.Background(), db, 5, true)

	require.NoError(t, err)
	assert.Equal(t, "MONI-55", ticket)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertPendingAccount_NewRow(t *testing.T) {
	db, mock, repo := setupAccountRepo(t)
	defer db.Close()

	examDate := time.Date(2026, 8, 29, 11, 30, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"account_id", "message", "updated_existing"}).
		AddRow(42, "registered", 0)

	mock.ExpectQuery(`insert_pending_account`).
		WithArgs(int64(10), "P-001", "内科", "2026-08-29", "11:30", 0).
		WillReturnRows(rows)

	accountID, updatedExisting, err := repo.InsertPendingAccount(
		context.Background(), db, 10, "P-001", "内科", examDate, "11:30", false)

	require.NoError(t, err)
	assert.Equal(t, int64(42), accountID)
	assert.False(t, updatedExisting)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertPendingAccount_RepeatIsIdempotent(t *testing.T) {
	db, mock, repo := setupAccountRepo(t)
	defer db.Close()

	examDate := time.Date(2026, 8, 29, 11, 30, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"account_id", "message", "updated_existing"}).
		AddRow(42, "already registered", 1)

	mock.ExpectQuery(`insert_pending_account`).
		WithArgs(int64(10), "P-001", "内科", "2026-08-29", "11:30", 1).
		WillReturnRows(rows)

	accountID, updatedExisting, err := repo.InsertPendingAccount(
		context.Background(), db, 10, "P-001", "内科", examDate, "11:30", true)

	require.NoError(t, err)
	assert.Equal(t, int64(42), accountID)
	assert.True(t, updatedExisting)
	assert.NoError(t, mock.ExpectationsWereMet())
}
