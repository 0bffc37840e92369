// Package model defines the records the mirror keeps in its document store:
// mirrored entities, their changelog, ranked-list snapshots with the events
// derived from them, and time-aligned samples.
package model
