// Package entity defines the domain records tracked by volsync: volunteers,
// events, and attendance. The sync engine treats these as opaque payloads
// keyed by (type, id); the typed structs exist for local CRUD and validation.
package entity

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type identifies one of the synchronized entity collections.
type Type string

const (
	// TypeVolunteer is the volunteers collection.
	TypeVolunteer Type = "volunteer"
	// TypeEvent is the events collection.
	TypeEvent Type = "event"
	// TypeAttendance is the attendance records collection.
	TypeAttendance Type = "attendance"
)

// AllTypes lists every synchronized entity type in a stable order.
// Pulls for different types are independent, but iteration order is kept
// deterministic so logs and tests are reproducible.
func AllTypes() []Type {
	return []Type{TypeVolunteer, TypeEvent, TypeAttendance}
}

// Valid reports whether t names a known entity type.
func (t Type) Valid() bool {
	switch t {
	case TypeVolunteer, TypeEvent, TypeAttendance:
		return true
	}
	return false
}

// Table returns the SQLite table backing this entity type.
func (t Type) Table() string {
	switch t {
	case TypeVolunteer:
		return "volunteers"
	case TypeEvent:
		return "events"
	case TypeAttendance:
		return "attendance"
	default:
		return ""
	}
}

// Record is the generic shape the sync engine moves around: an opaque JSON
// payload plus the identity and timestamp needed for diffing and conflict
// resolution.
type Record struct {
	Type      Type            `json:"type"`
	ID        string          `json:"id"`
	UpdatedAt time.Time       `json:"updated_at"`
	Payload   json.RawMessage `json:"payload"`
}

// Validate checks the record has the fields the engine relies on.
func (r *Record) Validate() error {
	if !r.Type.Valid() {
		return fmt.Errorf("unknown entity type %q", r.Type)
	}
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if r.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	if len(r.Payload) == 0 {
		return fmt.Errorf("payload is required")
	}
	return nil
}

// Key returns the (type, id) pair as a single string, used for map keys and
// log output.
func (r *Record) Key() string {
	return string(r.Type) + "/" + r.ID
}

// Volunteer is a person who can be checked in to events.
type Volunteer struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	BadgeCode string    `json:"badge_code,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks required volunteer fields.
func (v *Volunteer) Validate() error {
	if v.ID == "" {
		return fmt.Errorf("id is required")
	}
	if v.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(v.Name) > 200 {
		return fmt.Errorf("name must be 200 characters or less (got %d)", len(v.Name))
	}
	if v.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if v.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	return nil
}

// Event is a scheduled occasion volunteers attend.
type Event struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Location  string     `json:"location,omitempty"`
	StartsAt  time.Time  `json:"starts_at"`
	EndsAt    *time.Time `json:"ends_at,omitempty"`
	Notes     string     `json:"notes,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Validate checks required event fields.
func (e *Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("id is required")
	}
	if e.Title == "" {
		return fmt.Errorf("title is required")
	}
	if e.StartsAt.IsZero() {
		return fmt.Errorf("starts_at is required")
	}
	if e.EndsAt != nil && e.EndsAt.Before(e.StartsAt) {
		return fmt.Errorf("ends_at must not be before starts_at")
	}
	if e.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if e.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	return nil
}

// AttendanceRecord links a volunteer to an event with check-in/out times.
type AttendanceRecord struct {
	ID          string     `json:"id"`
	VolunteerID string     `json:"volunteer_id"`
	EventID     string     `json:"event_id"`
	CheckedInAt time.Time  `json:"checked_in_at"`
	CheckedOut  *time.Time `json:"checked_out_at,omitempty"`
	Hours       float64    `json:"hours,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Validate checks required attendance fields.
func (a *AttendanceRecord) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("id is required")
	}
	if a.VolunteerID == "" {
		return fmt.Errorf("volunteer_id is required")
	}
	if a.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if a.CheckedInAt.IsZero() {
		return fmt.Errorf("checked_in_at is required")
	}
	if a.Hours < 0 {
		return fmt.Errorf("hours must not be negative (got %v)", a.Hours)
	}
	if a.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if a.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	return nil
}

// WrapVolunteer marshals a volunteer into the generic record shape.
func WrapVolunteer(v *Volunteer) (*Record, error) {
	if err := v.Validate(); err != nil {
		return nil, fmt.Errorf("invalid volunteer: %w", err)
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal volunteer: %w", err)
	}
	return &Record{Type: TypeVolunteer, ID: v.ID, UpdatedAt: v.UpdatedAt, Payload: payload}, nil
}

// WrapEvent marshals an event into the generic record shape.
func WrapEvent(e *Event) (*Record, error) {
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return &Record{Type: TypeEvent, ID: e.ID, UpdatedAt: e.UpdatedAt, Payload: payload}, nil
}

// WrapAttendance marshals an attendance record into the generic record shape.
func WrapAttendance(a *AttendanceRecord) (*Record, error) {
	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("invalid attendance record: %w", err)
	}
	payload, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal attendance record: %w", err)
	}
	return &Record{Type: TypeAttendance, ID: a.ID, UpdatedAt: a.UpdatedAt, Payload: payload}, nil
}
