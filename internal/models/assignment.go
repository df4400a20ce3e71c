package models

import "time"

// AssignmentHistory is the append-only ledger of assignment attempts.
// Invariant: at most one row per account has RevertedAt == nil.
type AssignmentHistory struct {
	AssignmentID         int64
	AccountID            int64
	StaffID              int64
	TicketNumber         string
	OriginalTicketNumber *string // set when this assignment follows a reversal
	AssignedAt           time.Time
	RevertedAt           *time.Time
}
