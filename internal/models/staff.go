package models

import "time"

// PresenceStatus mirrors the attendance states tracked in the Backlog
// attendance project. The literal values are what the tracker and the
// staff table store, so they stay in Japanese.
type PresenceStatus string

const (
	PresencePresent           PresenceStatus = "在席"
	PresencePresentProcessing PresenceStatus = "在席(処理中)"
	PresenceAbsent            PresenceStatus = "不在"
)

// StaffMember is one billing staff member synced from the attendance project.
type StaffMember struct {
	StaffID        int64
	BacklogUserID  string // tracker user id, stored as text
	Name           string
	Status         PresenceStatus
	LastAssignedAt *time.Time // nil means never assigned; sorts first
	Teams          []string
}

// Assignable reports whether the member may receive new work. Only a strict
// 在席 qualifies; 在席(処理中) members still belong to their team but are
// already holding a ticket.
func (s *StaffMember) Assignable() bool {
	return s.Status == PresencePresent
}
