package model

import (
	"fmt"
	"strings"
	"time"
)

// Scope is the (surface, region) key space within which ranked-list
// positions are compared.
type Scope struct {
	Surface string `json:"surface" yaml:"surface"`
	Region  string `json:"region" yaml:"region"`
}

// Key returns the storage key of the scope
func (s Scope) Key() string {
	return s.Surface + "/" + s.Region
}

// String implements fmt.Stringer
func (s Scope) String() string {
	return s.Key()
}

// ParseScope parses a key produced by Scope.Key
func ParseScope(key string) (Scope, error) {
	surface, region, ok := strings.Cut(key, "/")
	if !ok || surface == "" {
		return Scope{}, fmt.Errorf("invalid scope key %q: expected surface/region", key)
	}
	return Scope{Surface: surface, Region: region}, nil
}

// RankEntry is one position of a ranked list
type RankEntry struct {
	ItemID string `json:"itemId"`
	Rank   int    `json:"rank"`
}

// Snapshot is a ranked list captured atomically in one polling cycle
type Snapshot struct {
	Scope      Scope       `json:"scope"`
	Entries    []RankEntry `json:"entries"`
	CapturedAt time.Time   `json:"capturedAt"`
}

// EventKind classifies a positional change
type EventKind string

const (
	// EventAdded means the item entered the list
	EventAdded EventKind = "ADDED"
	// EventRemoved means the item left the list
	EventRemoved EventKind = "REMOVED"
	// EventMoved means the item changed rank
	EventMoved EventKind = "MOVED"
)

// ChartEvent is an immutable positional change of one item in one scope
type ChartEvent struct {
	ID        string    `json:"id"`
	Scope     Scope     `json:"scope"`
	ItemID    string    `json:"itemId"`
	Kind      EventKind `json:"kind"`
	OldRank   *int      `json:"oldRank,omitempty"`
	NewRank   *int      `json:"newRank,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
