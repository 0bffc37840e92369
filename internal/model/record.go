package model

import (
	"errors"
	"fmt"
	"time"
)

// EntityKind identifies which population a record belongs to
type EntityKind string

const (
	// KindCreation is a creatively produced artifact
	KindCreation EntityKind = "creation"
	// KindCreator is the author of creations
	KindCreator EntityKind = "creator"
)

// Field groups. A tracked field is addressed as "<group>.<name>".
const (
	GroupOwner    = "owner"
	GroupPlatform = "platform"
)

// ErrMissingID is returned for records without an identity.
var ErrMissingID = errors.New("record has no id")

// Fields is a group of mutable record fields keyed by field name
type Fields map[string]any

// Clone returns a shallow copy of the field group
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Metadata is bookkeeping maintained by the upsert writer, never by fetchers
type Metadata struct {
	FirstSeen  time.Time `json:"firstSeen"`
	LastSynced time.Time `json:"lastSynced"`
}

// Record is a mirrored creation or creator.
//
// Owner holds fields authored by the entity owner (title, description, ...);
// Platform holds fields computed by the remote platform (visit counters,
// ratings, ...). Keeping the provenance apart lets the changelog tell an
// owner edit from organic platform movement.
type Record struct {
	ID       string     `json:"id"`
	Kind     EntityKind `json:"kind"`
	Owner    Fields     `json:"owner,omitempty"`
	Platform Fields     `json:"platform,omitempty"`
	Meta     Metadata   `json:"meta"`
}

// Validate checks the record identity
func (r *Record) Validate() error {
	if r == nil {
		return fmt.Errorf("record is nil")
	}
	if r.ID == "" {
		return ErrMissingID
	}
	switch r.Kind {
	case KindCreation, KindCreator:
		return nil
	default:
		return fmt.Errorf("record %s: unknown kind %q", r.ID, r.Kind)
	}
}

// Group returns the field group with the given name, or nil.
func (r *Record) Group(name string) Fields {
	switch name {
	case GroupOwner:
		return r.Owner
	case GroupPlatform:
		return r.Platform
	default:
		return nil
	}
}

// SetGroup replaces the field group with the given name.
func (r *Record) SetGroup(name string, f Fields) {
	switch name {
	case GroupOwner:
		r.Owner = f
	case GroupPlatform:
		r.Platform = f
	}
}

// Groups lists the field groups in a fixed order
func Groups() []string {
	return []string{GroupOwner, GroupPlatform}
}

// FieldPath joins a group and a field name into a tracked field path
func FieldPath(group, name string) string {
	return group + "." + name
}
