package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/beru3/monibot-pribot-webhook/internal/models"

	"go.uber.org/zap"
)

// HospitalRepository reads the hospital registry (tbl_hospital).
type HospitalRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewHospitalRepository creates the hospital repository.
func NewHospitalRepository(db *sql.DB, logger *zap.Logger) *HospitalRepository {
	return &HospitalRepository{
		db:     db,
		logger: logger,
	}
}

// GetHospitalInfo fetches a hospital's name and EMR system. A missing row
// is logged and answered with placeholder values so a stale hospital id
// never aborts an assignment that already committed.
func (r *HospitalRepository) GetHospitalInfo(ctx context.Context, q DBTX, hospitalID int64) *models.Hospital {
	query := `SELECT * FROM get_hospital_info($1)`

	h := models.Hospital{HospitalID: hospitalID}
	err := q.QueryRowContext(ctx, query, hospitalID).Scan(&h.Name, &h.EMRSystem, &h.Team)
	if err == sql.ErrNoRows {
		r.logger.Warn("No hospital info found",
			zap.Int64("hospital_id", hospitalID),
		)
		return &models.Hospital{HospitalID: hospitalID, Name: "不明な病院", EMRSystem: "CLIUS"}
	}
	if err != nil {
		r.logger.Error("Failed to get hospital info",
			zap.Int64("hospital_id", hospitalID),
			zap.Error(err),
		)
		return &models.Hospital{HospitalID: hospitalID, Name: "不明な病院", EMRSystem: "CLIUS"}
	}
	return &h
}

// GetName reads just the hospital name for log lines and issue summaries.
func (r *HospitalRepository) GetName(ctx context.Context, q DBTX, hospitalID int64) (string, error) {
	query := `SELECT name FROM tbl_hospital WHERE hospital_id = $1`

	var name string
	err := q.QueryRowContext(ctx, query, hospitalID).Scan(&name)
	if err == sql.ErrNoRows {
		return "不明な病院", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get hospital name for %d: %w", hospitalID, err)
	}
	return name, nil
}

// GetOrInsert registers a hospital seen during extraction, updating its
// team when the registry issue moved it, and returns the hospital id.
func (r *HospitalRepository) GetOrInsert(ctx context.Context, q DBTX, name, emrSystem, team, issueKey string) (int64, error) {
	query := `SELECT * FROM get_or_insert_hospital($1, $2, $3, $4)`

	var hospitalID int64
	err := q.QueryRowContext(ctx, query, name, emrSystem, team, issueKey).Scan(&hospitalID)
	if err != nil {
		return 0, fmt.Errorf("failed to get or insert hospital %s: %w", name, err)
	}
	return hospitalID, nil
}
