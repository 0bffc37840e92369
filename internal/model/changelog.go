package model

import "time"

// Change is the before/after pair of a single tracked field
type Change struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// ChangelogEntry records one detected change event for one record.
// Entries are append-only and never rewritten.
type ChangelogEntry struct {
	ID        string            `json:"id"`
	SubjectID string            `json:"subjectId"`
	Kind      EntityKind        `json:"kind"`
	Update    *Record           `json:"update"`
	Changes   map[string]Change `json:"changes"`
	Timestamp time.Time         `json:"timestamp"`
	// Origin names the job that observed the change
	Origin string `json:"origin"`
}
