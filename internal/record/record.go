// Package record defines the record model and lifecycle events consumed
// by the indexing subsystem. Records are owned by the external record
// store; this package only describes their shape at the boundary.
package record

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type names the collection a record belongs to. Each type maps to an
// independently persisted vector collection.
type Type string

const (
	TypePlan     Type = "plans"
	TypeProject  Type = "projects"
	TypeDocument Type = "documents"
)

// Types lists all known record types.
func Types() []Type {
	return []Type{TypePlan, TypeProject, TypeDocument}
}

// Valid reports whether t names a known collection.
func (t Type) Valid() bool {
	switch t {
	case TypePlan, TypeProject, TypeDocument:
		return true
	}
	return false
}

// ErrInvalidMetadata is returned when record metadata fails boundary
// validation.
var ErrInvalidMetadata = errors.New("invalid record metadata")

// Metadata is the typed per-collection metadata variant. Implementations
// are validated once at the subsystem boundary; Fields flattens the
// variant into the filterable map stored alongside each vector.
type Metadata interface {
	RecordType() Type
	Validate() error
	Fields() map[string]string
}

// PlanMeta describes a plan record.
type PlanMeta struct {
	Title    string
	Status   string // draft, active, done, archived
	Priority string
}

func (m PlanMeta) RecordType() Type { return TypePlan }

func (m PlanMeta) Validate() error {
	if strings.TrimSpace(m.Title) == "" {
		return fmt.Errorf("%w: plan title is required", ErrInvalidMetadata)
	}
	switch m.Status {
	case "", "draft", "active", "done", "archived":
	default:
		return fmt.Errorf("%w: unknown plan status %q", ErrInvalidMetadata, m.Status)
	}
	return nil
}

func (m PlanMeta) Fields() map[string]string {
	return map[string]string{
		"title":    m.Title,
		"status":   m.Status,
		"priority": m.Priority,
	}
}

// ProjectMeta describes a project record.
type ProjectMeta struct {
	Name   string
	Status string // active, paused, archived
	Owner  string
}

func (m ProjectMeta) RecordType() Type { return TypeProject }

func (m ProjectMeta) Validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("%w: project name is required", ErrInvalidMetadata)
	}
	switch m.Status {
	case "", "active", "paused", "archived":
	default:
		return fmt.Errorf("%w: unknown project status %q", ErrInvalidMetadata, m.Status)
	}
	return nil
}

func (m ProjectMeta) Fields() map[string]string {
	return map[string]string{
		"title":  m.Name,
		"status": m.Status,
		"owner":  m.Owner,
	}
}

// DocumentMeta describes a free-form document record (conversation
// transcripts, notes).
type DocumentMeta struct {
	Title  string
	Source string
	Status string
}

func (m DocumentMeta) RecordType() Type { return TypeDocument }

func (m DocumentMeta) Validate() error {
	if strings.TrimSpace(m.Title) == "" {
		return fmt.Errorf("%w: document title is required", ErrInvalidMetadata)
	}
	return nil
}

func (m DocumentMeta) Fields() map[string]string {
	return map[string]string{
		"title":  m.Title,
		"source": m.Source,
		"status": m.Status,
	}
}

// Record is a point-in-time view of an external record. Read-only to
// the indexing subsystem.
type Record struct {
	ID        string
	Type      Type
	Content   string
	Meta      Metadata
	Version   int64
	UpdatedAt time.Time
}

// Validate checks the record at the subsystem boundary.
func (r Record) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: record id is required", ErrInvalidMetadata)
	}
	if !r.Type.Valid() {
		return fmt.Errorf("%w: unknown record type %q", ErrInvalidMetadata, r.Type)
	}
	if r.Meta != nil {
		if r.Meta.RecordType() != r.Type {
			return fmt.Errorf("%w: metadata type %q does not match record type %q",
				ErrInvalidMetadata, r.Meta.RecordType(), r.Type)
		}
		return r.Meta.Validate()
	}
	return nil
}

// Fields returns the flattened metadata map, or an empty map when the
// record carries no metadata.
func (r Record) Fields() map[string]string {
	if r.Meta == nil {
		return map[string]string{}
	}
	return r.Meta.Fields()
}

// EventKind is a record lifecycle transition.
type EventKind string

const (
	EventCreated EventKind = "created"
	EventUpdated EventKind = "updated"
	EventDeleted EventKind = "deleted"
)

// Event is a lifecycle message emitted by the record store. For deleted
// events only ID and Type are populated.
type Event struct {
	ID         string
	Kind       EventKind
	Record     Record
	EnqueuedAt time.Time
}

// NewEvent builds a lifecycle event for a record mutation.
func NewEvent(kind EventKind, rec Record) Event {
	return Event{
		ID:         uuid.NewString(),
		Kind:       kind,
		Record:     rec,
		EnqueuedAt: time.Now(),
	}
}

// Collection returns the collection the event targets.
func (e Event) Collection() Type {
	return e.Record.Type
}
