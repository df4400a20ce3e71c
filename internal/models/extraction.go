package models

// ExtractionBatch is what a portal monitor hands to the ingester after one
// extraction pass over a single hospital.
type ExtractionBatch struct {
	HospitalName string
	SystemType   string // EMR system name, becomes the issue type
	Team         string
	IssueKey     string // the hospital's registry issue
	Patients     []ExtractedPatient
}

// ExtractedPatient is one billing event scraped from a portal.
type ExtractedPatient struct {
	PatientID  string
	Department string
	EndTime    string // HH:MM:SS
	ReAccount  bool
}
