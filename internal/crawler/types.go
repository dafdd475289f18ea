// Package crawler defines core types shared across subsystems.
package crawler

import (
	"fmt"
	"maps"
	"strings"
)

// EntityStatus represents the overall lifecycle state of an entity in the ledger.
type EntityStatus string

// Entity status values persisted in the ledger.
const (
	StatusPending         EntityStatus = "pending"
	StatusInProgress      EntityStatus = "scraping"
	StatusCompleted       EntityStatus = "completed"
	StatusFailed          EntityStatus = "failed"
	StatusFlaggedRescrape EntityStatus = "flagged_rescrape"
)

// EntityStatuses lists every legal ledger status.
var EntityStatuses = []EntityStatus{
	StatusPending,
	StatusInProgress,
	StatusCompleted,
	StatusFailed,
	StatusFlaggedRescrape,
}

// Valid reports whether s is one of the defined ledger statuses.
func (s EntityStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusFlaggedRescrape:
		return true
	default:
		return false
	}
}

// Claimable reports whether an entity in this status may be claimed by a worker.
func (s EntityStatus) Claimable() bool {
	return s == StatusPending || s == StatusFlaggedRescrape
}

// PhaseStatus represents the state of a single phase for one entity.
type PhaseStatus string

// Phase status values persisted in the per-entity metadata document.
const (
	PhasePending   PhaseStatus = "pending"
	PhaseRunning   PhaseStatus = "running"
	PhaseCompleted PhaseStatus = "completed"
	PhaseFailed    PhaseStatus = "failed"
	PhaseSkipped   PhaseStatus = "skipped"
)

// Phase names one stage of the per-entity pipeline.
type Phase string

// Pipeline phases in their default execution order.
const (
	PhaseRobots    Phase = "robots"
	PhaseDiscovery Phase = "discovery"
	PhaseCatalog   Phase = "catalog"
	PhaseFaculty   Phase = "faculty"
	PhaseSyllabi   Phase = "syllabi"
)

// DefaultPhaseOrder returns the phases applied to every entity, in order.
func DefaultPhaseOrder() []Phase {
	return []Phase{PhaseRobots, PhaseDiscovery, PhaseCatalog, PhaseFaculty, PhaseSyllabi}
}

// ParsePhase resolves a phase name, case-insensitively.
func ParsePhase(name string) (Phase, error) {
	candidate := Phase(strings.ToLower(strings.TrimSpace(name)))
	for _, p := range DefaultPhaseOrder() {
		if p == candidate {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown phase %q", name)
}

// Entity is one unit of work processed end to end.
type Entity struct {
	// ID is the caller's immutable identity for the entity.
	ID string
	// Slug is the stable short key used for directories and ledger entries.
	Slug string
	// Attrs is an opaque payload stored verbatim in the ledger.
	Attrs map[string]any
}

// Attr returns the string form of an attribute, or "" when absent.
func (e Entity) Attr(key string) string {
	v, ok := e.Attrs[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// School is a university loaded from the IPEDS dataset.
type School struct {
	UnitID int
	Name   string
	Slug   string
	URL    string
	City   string
	State  string
}

// NewSchool builds a School and derives its slug from the name.
func NewSchool(unitID int, name, url, city, state string) School {
	return School{
		UnitID: unitID,
		Name:   name,
		Slug:   Slugify(name),
		URL:    url,
		City:   city,
		State:  state,
	}
}

// Entity converts the school into the pipeline's generic entity form.
func (s School) Entity() Entity {
	return Entity{
		ID:   fmt.Sprintf("%d", s.UnitID),
		Slug: s.Slug,
		Attrs: map[string]any{
			"unitid": s.UnitID,
			"name":   s.Name,
			"url":    s.URL,
			"city":   s.City,
			"state":  s.State,
		},
	}
}

// CloneAttrs returns a shallow copy of an attribute payload.
func CloneAttrs(attrs map[string]any) map[string]any {
	if attrs == nil {
		return map[string]any{}
	}
	return maps.Clone(attrs)
}
