package webhook

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Notifier posts assignment events to the dashboard webhook. Delivery is
// best effort: every outcome is logged, nothing is returned to the caller,
// and the assignment transaction never waits on or rolls back for it.
type Notifier struct {
	httpClient       *resty.Client
	url              string
	billingProjectID string
	inReviewStatusID int
	logger           *zap.Logger
}

// NewNotifier creates a webhook notifier for the configured sink URL.
func NewNotifier(url, billingProjectID string, inReviewStatusID int, timeout time.Duration, logger *zap.Logger) *Notifier {
	httpClient := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	return &Notifier{
		httpClient:       httpClient,
		url:              url,
		billingProjectID: billingProjectID,
		inReviewStatusID: inReviewStatusID,
		logger:           logger,
	}
}

// AssignmentEvent describes one completed assignment for the dashboard.
type AssignmentEvent struct {
	TicketNumber string
	AssigneeID   string
	HospitalName string
	PatientID    string
	Description  string // EMR name, hospital, patient, exam date, capture time
}

type statusPayload struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type eventPayload struct {
	EventType   string        `json:"event_type"`
	Timestamp   string        `json:"timestamp"`
	ID          string        `json:"id"`
	IssueKey    string        `json:"issueKey"`
	AssigneeID  string        `json:"assigneeId"`
	ProjectID   string        `json:"projectId"`
	Summary     string        `json:"summary"`
	Description string        `json:"description"`
	Status      statusPayload `json:"status"`
}

// NotifyAssignment sends the processing_ticket event. Failures are logged
// as warnings only.
func (n *Notifier) NotifyAssignment(ctx context.Context, ev AssignmentEvent) {
	payload := eventPayload{
		EventType:   "processing_ticket",
		Timestamp:   time.Now().Format(time.RFC3339),
		ID:          ev.TicketNumber,
		IssueKey:    ev.TicketNumber,
		AssigneeID:  ev.AssigneeID,
		ProjectID:   n.billingProjectID,
		Summary:     ev.HospitalName + " - " + ev.PatientID,
		Description: ev.Description,
		Status: statusPayload{
			ID:   n.inReviewStatusID,
			Name: "処理中",
		},
	}

	resp, err := n.httpClient.R().
		SetContext(ctx).
		SetBody(payload).
		Post(n.url)
	if err != nil {
		n.logger.Warn("Webhook notification failed",
			zap.String("ticket_number", ev.TicketNumber),
			zap.Error(err),
		)
		return
	}
	if resp.IsError() {
		n.logger.Warn("Webhook notification rejected",
			zap.String("ticket_number", ev.TicketNumber),
			zap.Int("status_code", resp.StatusCode()),
			zap.String("response", resp.String()),
		)
		return
	}

	n.logger.Info("Webhook notification sent",
		zap.String("ticket_number", ev.TicketNumber),
	)
}
