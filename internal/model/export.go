package model

import "time"

// AttemptExport is the top-level JSON structure for result export.
type AttemptExport struct {
	ExportedAt time.Time       `json:"exported_at"`
	School     string          `json:"school"`
	Results    []StudentResult `json:"results"`
}

// StudentResult holds one attempt for export.
type StudentResult struct {
	AttemptToken  string          `json:"attempt_token"`
	StudentName   string          `json:"student_name"`
	StudentEmail  string          `json:"student_email"`
	ClassName     string          `json:"class_name"`
	AttemptNumber int             `json:"attempt_number"`
	Status        AttemptStatus   `json:"status"`
	StartedAt     time.Time       `json:"started_at"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
	OverallBand   float64         `json:"overall_band"`
	Sections      []SectionResult `json:"sections"`
}
