package models

import "time"

// PendingAccount is one extracted billing event awaiting manual review
// assignment. Rows are never deleted; completion lives in the tracker.
type PendingAccount struct {
	AccountID    int64
	HospitalID   int64
	PatientID    string
	Department   string
	ExamDate     time.Time
	ExamTime     string // HH:MM:SS, exam end time as extracted
	CreatedAt    time.Time
	Team         string  // inherited from the owning hospital
	TicketNumber *string // nil until the initial tracker issue exists
	ReAccount    bool    // resubmission of an already-billed encounter
}
