package models

// Hospital is one medical institution registered in the tracker's hospital
// project. Team is the free-text grouping that routes its work to staff.
type Hospital struct {
	HospitalID int64
	Name       string
	EMRSystem  string // 電子カルテ名, e.g. "CLIUS", "紙カルテ"
	Team       string
	IssueKey   string // registry issue in the hospital project
}
