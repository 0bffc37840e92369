package model

import "time"

// Sample is one reading of one entity taken at a sampling boundary.
// Boundary is the aligned wall-clock instant, not the time the sampler ran.
type Sample struct {
	ID        string    `json:"id"`
	SubjectID string    `json:"subjectId"`
	Boundary  time.Time `json:"boundary"`
	Values    Fields    `json:"values"`
}
