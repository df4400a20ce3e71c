package assignment

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/beru3/monibot-pribot-webhook/internal/backlog"
	"github.com/beru3/monibot-pribot-webhook/internal/config"
	"github.com/beru3/monibot-pribot-webhook/internal/models"
	"github.com/beru3/monibot-pribot-webhook/internal/repository"

	"go.uber.org/zap"
)

// Status names compared against the tracker. The tracker is the source of
// truth for presence; the local table is only a per-cycle snapshot.
const (
	statusNamePresent  = "在席"
	statusNameInReview = "処理中"
)

// StaffSync refreshes the staff directory from the tracker: the attendance
// project decides present/absent and team membership, and holding any
// in-review billing ticket downgrades a present member to 在席(処理中).
// The sync is unconditional and covers all teams in one pass.
type StaffSync struct {
	db        *sql.DB
	client    *backlog.Client
	staffRepo *repository.StaffRepository
	cfg       *config.BacklogConfig
	logger    *zap.Logger
}

// NewStaffSync creates the presence synchronizer.
func NewStaffSync(db *sql.DB, client *backlog.Client, staffRepo *repository.StaffRepository, cfg *config.BacklogConfig, logger *zap.Logger) *StaffSync {
	return &StaffSync{
		db:        db,
		client:    client,
		staffRepo: staffRepo,
		cfg:       cfg,
		logger:    logger,
	}
}

type syncedStaff struct {
	name   string
	status models.PresenceStatus
	teams  []string
}

// Sync reads both tracker projects and rewrites the local staff snapshot
// in one transaction.
func (s *StaffSync) Sync(ctx context.Context) error {
	staff, err := s.fetchStaffStatus(ctx)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin staff sync transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	for userID, info := range staff {
		if err := s.staffRepo.UpsertFromSync(ctx, tx, userID, info.name, info.status, now); err != nil {
			return err
		}
		member, err := s.staffRepo.FindByBacklogUserID(ctx, tx, userID)
		if err != nil {
			return err
		}
		if member == nil {
			s.logger.Error("Staff row missing right after upsert",
				zap.String("backlog_user_id", userID),
			)
			continue
		}
		if err := s.staffRepo.ReplaceTeams(ctx, tx, member.StaffID, info.teams); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit staff sync: %w", err)
	}

	s.logger.Debug("Staff status sync completed",
		zap.Int("staff_count", len(staff)),
	)
	return nil
}

// fetchStaffStatus builds the presence map from the attendance project,
// then applies the in-review downgrade from the billing project.
func (s *StaffSync) fetchStaffStatus(ctx context.Context) (map[string]*syncedStaff, error) {
	attendance, err := s.client.SearchIssues(ctx, backlog.SearchParams{
		ProjectID: s.cfg.StaffProjectID,
		Count:     100,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch attendance issues: %w", err)
	}

	billing, err := s.client.SearchIssues(ctx, backlog.SearchParams{
		ProjectID: s.cfg.BillingProjectID,
		Count:     100,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch billing issues: %w", err)
	}

	staff := make(map[string]*syncedStaff)
	for _, issue := range attendance {
		if issue.Assignee == nil {
			continue
		}
		status := models.PresenceAbsent
		if issue.Status.Name == statusNamePresent {
			status = models.PresencePresent
		}
		var teams []string
		for _, cat := range issue.Category {
			if cat.Name != "" {
				teams = append(teams, cat.Name)
			}
		}
		if len(teams) == 0 {
			s.logger.Debug("Attendance issue has no team categories",
				zap.String("issue_key", issue.IssueKey),
			)
		}
		staff[strconv.FormatInt(issue.Assignee.ID, 10)] = &syncedStaff{
			name:   issue.Assignee.Name,
			status: status,
			teams:  teams,
		}
	}

	for _, issue := range billing {
		if issue.Assignee == nil || issue.Status.Name != statusNameInReview {
			continue
		}
		userID := strconv.FormatInt(issue.Assignee.ID, 10)
		if info, ok := staff[userID]; ok && info.status == models.PresencePresent {
			info.status = models.PresencePresentProcessing
		}
	}

	return staff, nil
}
