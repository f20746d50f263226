package models

import (
	"fmt"
	"strings"
	"time"
)

// ScopeKind identifies the entity a job is nested under.
type ScopeKind string

const (
	ScopeKindDataset   ScopeKind = "dataset"
	ScopeKindMLProject ScopeKind = "ml_project"
	ScopeKindModel     ScopeKind = "model"
	ScopeKindRun       ScopeKind = "run"
)

// Scope is the owning entity of a job. Its key doubles as the cache and
// dependency key for everything derived from the scope.
type Scope struct {
	Kind ScopeKind `json:"kind"`
	ID   string    `json:"id"`
}

// Key returns the canonical cache key for the scope, e.g. "dataset:d-42".
func (s Scope) Key() string {
	return string(s.Kind) + ":" + s.ID
}

// ParseScopeKey parses a canonical scope key back into a Scope.
func ParseScopeKey(key string) (Scope, error) {
	idx := strings.Index(key, ":")
	if idx <= 0 || idx == len(key)-1 {
		return Scope{}, fmt.Errorf("invalid scope key: %q", key)
	}
	kind := ScopeKind(key[:idx])
	switch kind {
	case ScopeKindDataset, ScopeKindMLProject, ScopeKindModel, ScopeKindRun:
		return Scope{Kind: kind, ID: key[idx+1:]}, nil
	default:
		return Scope{}, fmt.Errorf("invalid scope kind in key: %q", key)
	}
}

// ScopeSummary is the backend's canonical listing view for one (kind, scope)
// pair. A scope keeps only its latest and last completed jobs; older jobs
// remain retrievable through history but are not actively tracked.
type ScopeSummary struct {
	Scope         Scope     `json:"scope"`
	Kind          JobKind   `json:"kind"`
	Latest        *Job      `json:"latest,omitempty"`
	LastCompleted *Job      `json:"last_completed,omitempty"`
	FetchedAt     time.Time `json:"fetched_at"`
}

// SummaryKey returns the cache key for a scope's per-kind summary view.
func SummaryKey(kind JobKind, scope Scope) string {
	return scope.Key() + ":summary:" + string(kind)
}

// HistoryKey returns the cache key for a scope's per-kind history listing.
func HistoryKey(kind JobKind, scope Scope) string {
	return scope.Key() + ":history:" + string(kind)
}

// DetailKey returns the cache key for a single job's detail view.
func DetailKey(jobID string) string {
	return "job:" + jobID
}
