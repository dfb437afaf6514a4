// Package models defines the core data types shared across the ETA prediction
// and cluster-maintenance subsystem: races, their clusters, and the tuning
// knobs that govern per-source clustering behavior.
package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// RaceState is the lifecycle state of a tracked race.
type RaceState string

const (
	RaceQueued   RaceState = "queued"
	RaceRunning  RaceState = "running"
	RacePassed   RaceState = "passed"
	RaceFailed   RaceState = "failed"
	RaceCanceled RaceState = "canceled"
)

// IsTerminal reports whether the state is one a race cannot leave.
func (s RaceState) IsTerminal() bool {
	switch s {
	case RacePassed, RaceFailed, RaceCanceled:
		return true
	default:
		return false
	}
}

// EtaSource identifies which level of the prediction ladder produced an ETA.
type EtaSource int

const (
	EtaSourceUnknown EtaSource = iota
	EtaSourceExact
	EtaSourceAdapter
	EtaSourceCluster
	EtaSourceBootstrap
)

func (s EtaSource) String() string {
	switch s {
	case EtaSourceExact:
		return "exact"
	case EtaSourceAdapter:
		return "adapter"
	case EtaSourceCluster:
		return "cluster"
	case EtaSourceBootstrap:
		return "bootstrap"
	default:
		return "unknown"
	}
}

// EtaRevision records one historical ETA value for a race, kept for debugging
// oscillating predictions.
type EtaRevision struct {
	EtaSec     int64     `json:"eta_sec"`
	Timestamp  time.Time `json:"timestamp"`
	Source     EtaSource `json:"source"`
	Confidence *float64  `json:"confidence,omitempty"`
}

// maxEtaHistory bounds the number of revisions kept per race.
const maxEtaHistory = 5

// Event is a free-form timestamped annotation attached to a race.
type Event struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewEvent constructs an Event stamped with the current time.
func NewEvent(eventType string, data map[string]any) Event {
	return Event{Type: eventType, Data: data, Timestamp: time.Now().UTC()}
}

// Race is an observed unit of tracked work: a build, a test run, an AI coding
// session, a calendar event — anything with a start, an optional end, and an
// ETA worth predicting.
type Race struct {
	ID                 string            `json:"id"`
	Source             string            `json:"source"`
	Title              string            `json:"title"`
	State              RaceState         `json:"state"`
	StartedAt          time.Time         `json:"started_at"`
	CompletedAt        *time.Time        `json:"completed_at,omitempty"`
	DurationSec        *int64            `json:"duration_sec,omitempty"`
	EtaSec             *int64            `json:"eta_sec,omitempty"`
	Progress           *int              `json:"progress,omitempty"`
	Deeplink           *string           `json:"deeplink,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	Events             []Event           `json:"events,omitempty"`
	LastProgressUpdate *time.Time        `json:"last_progress_update,omitempty"`
	LastEtaUpdate      *time.Time        `json:"last_eta_update,omitempty"`
	EtaSource          *EtaSource        `json:"eta_source,omitempty"`
	EtaConfidence      *float64          `json:"eta_confidence,omitempty"`
	UpdateIntervalHint *int              `json:"update_interval_hint,omitempty"`
	EtaHistory         []EtaRevision     `json:"eta_history,omitempty"`
}

// NewRace starts a new race in the Queued state.
func NewRace(source, title string) *Race {
	return &Race{
		ID:        uuid.NewString(),
		Source:    source,
		Title:     title,
		State:     RaceQueued,
		StartedAt: time.Now().UTC(),
		Events:    []Event{},
	}
}

// RaceUpdate carries a partial mutation to a Race; nil fields are left
// untouched by ApplyUpdate.
type RaceUpdate struct {
	Source             *string
	Title              *string
	State              *RaceState
	StartedAt          *time.Time
	EtaSec             *int64
	Progress           *int
	Deeplink           *string
	Metadata           map[string]string
	EtaSource          *EtaSource
	EtaConfidence      *float64
	UpdateIntervalHint *int
}

// ApplyUpdate merges a RaceUpdate into the race, tracking derived fields:
// completion duration, ETA history, and progress/ETA change timestamps.
func (r *Race) ApplyUpdate(u RaceUpdate) {
	if u.Source != nil {
		r.Source = *u.Source
	}
	if u.Title != nil {
		r.Title = *u.Title
	}
	if u.State != nil {
		wasRunning := r.State == RaceRunning || r.State == RaceQueued
		becomesTerminal := u.State.IsTerminal()
		if wasRunning && becomesTerminal && r.CompletedAt == nil {
			now := time.Now().UTC()
			r.CompletedAt = &now
			d := int64(now.Sub(r.StartedAt).Seconds())
			r.DurationSec = &d
		}
		r.State = *u.State
	}
	if u.StartedAt != nil {
		r.StartedAt = *u.StartedAt
	}
	if u.EtaSec != nil {
		if r.EtaSec == nil || *r.EtaSec != *u.EtaSec {
			now := time.Now().UTC()
			r.LastEtaUpdate = &now
			rev := EtaRevision{EtaSec: *u.EtaSec, Timestamp: now, Confidence: r.EtaConfidence}
			if r.EtaSource != nil {
				rev.Source = *r.EtaSource
			}
			r.EtaHistory = append(r.EtaHistory, rev)
			if len(r.EtaHistory) > maxEtaHistory {
				r.EtaHistory = r.EtaHistory[len(r.EtaHistory)-maxEtaHistory:]
			}
		}
		r.EtaSec = u.EtaSec
	}
	if u.Progress != nil {
		if r.Progress == nil || *r.Progress != *u.Progress {
			now := time.Now().UTC()
			r.LastProgressUpdate = &now
		}
		r.Progress = u.Progress
	}
	if u.Deeplink != nil {
		r.Deeplink = u.Deeplink
	}
	if u.Metadata != nil {
		r.Metadata = u.Metadata
	}
	if u.EtaSource != nil {
		r.EtaSource = u.EtaSource
	}
	if u.EtaConfidence != nil {
		r.EtaConfidence = u.EtaConfidence
	}
	if u.UpdateIntervalHint != nil {
		r.UpdateIntervalHint = u.UpdateIntervalHint
	}
}

// InferEtaSource fills EtaSource from the source name when an ETA is present
// but no explicit source was supplied by the adapter.
func (r *Race) InferEtaSource() {
	if r.EtaSource != nil || r.EtaSec == nil {
		return
	}
	var s EtaSource
	switch r.Source {
	case "google-calendar":
		s = EtaSourceExact
	case "gitlab", "github", "jenkins":
		s = EtaSourceAdapter
	default:
		s = EtaSourceAdapter
	}
	r.EtaSource = &s
}

// InferEtaConfidence fills EtaConfidence from EtaSource when unset.
func (r *Race) InferEtaConfidence() {
	if r.EtaConfidence != nil || r.EtaSource == nil {
		return
	}
	var c float64
	switch *r.EtaSource {
	case EtaSourceExact:
		c = 1.0
	case EtaSourceCluster:
		c = 0.7
	case EtaSourceAdapter:
		c = 0.5
	case EtaSourceBootstrap:
		c = 0.2
	default:
		c = 0.3
	}
	r.EtaConfidence = &c
}

// InferUpdateIntervalHint fills UpdateIntervalHint from EtaSource when unset.
func (r *Race) InferUpdateIntervalHint() {
	if r.UpdateIntervalHint != nil || r.EtaSource == nil {
		return
	}
	var hint int
	switch *r.EtaSource {
	case EtaSourceExact:
		hint = 60
	case EtaSourceAdapter:
		hint = 10
	case EtaSourceCluster:
		hint = 15
	case EtaSourceBootstrap:
		hint = 10
	default:
		hint = 10
	}
	r.UpdateIntervalHint = &hint
}

// AddEvent appends an event to the race's event log.
func (r *Race) AddEvent(e Event) {
	r.Events = append(r.Events, e)
}

// Sentinel errors matching the canonical taxonomy: InvalidInput, NotFound,
// Conflict, Unavailable, IntegrityError, Timeout, Exhausted, Degraded.
var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrUnavailable   = errors.New("unavailable")
	ErrIntegrity     = errors.New("integrity error")
	ErrTimeout       = errors.New("timeout")
	ErrQueueExhausted = errors.New("queue exhausted")
	ErrDegraded      = errors.New("degraded")
)
