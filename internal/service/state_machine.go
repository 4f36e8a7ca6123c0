package service

import (
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/vipul43/ledgersync/internal/models"
)

// Decision is the outcome of comparing the three sync timestamps.
type Decision string

const (
	DecisionPush     Decision = "push"
	DecisionPull     Decision = "pull"
	DecisionConflict Decision = "conflict"
	DecisionNoop     Decision = "noop"
)

// Decide picks the sync direction for a state. A missing timestamp counts as
// the zero time, so a never-synced entity goes to whichever side has data.
// An entity that has never been pushed (no remote id) is always pushed.
func Decide(state *models.SyncState) Decision {
	if state.Status == models.SyncStatusConflict {
		return DecisionConflict
	}
	if state.RemoteID == nil {
		return DecisionPush
	}

	synced := timeOrZero(state.LastSyncedAt)
	localChanged := timeOrZero(state.LastLocalModifiedAt).After(synced)
	remoteChanged := timeOrZero(state.LastRemoteModifiedAt).After(synced)

	switch {
	case localChanged && remoteChanged:
		return DecisionConflict
	case localChanged:
		return DecisionPush
	case remoteChanged:
		return DecisionPull
	default:
		return DecisionNoop
	}
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func latest(times ...time.Time) time.Time {
	var out time.Time
	for _, t := range times {
		if t.After(out) {
			out = t
		}
	}
	return out
}

// FieldDiff is one differing field between the local and remote copies.
type FieldDiff struct {
	Field  string      `json:"field"`
	Local  interface{} `json:"local"`
	Remote interface{} `json:"remote"`
}

// DiffFields compares two flat field maps. Keys present on only one side are
// reported with a nil counterpart. The result is sorted by field name.
func DiffFields(local, remote map[string]interface{}) []FieldDiff {
	keys := make(map[string]struct{}, len(local)+len(remote))
	for k := range local {
		keys[k] = struct{}{}
	}
	for k := range remote {
		keys[k] = struct{}{}
	}

	names := make([]string, 0, len(keys))
	for k := range keys {
		names = append(names, k)
	}
	sort.Strings(names)

	diffs := make([]FieldDiff, 0)
	for _, name := range names {
		l, r := local[name], remote[name]
		if reflect.DeepEqual(l, r) {
			continue
		}
		diffs = append(diffs, FieldDiff{Field: name, Local: l, Remote: r})
	}
	return diffs
}

// ConflictSnapshot is stored on a SyncState in CONFLICT.
type ConflictSnapshot struct {
	EntityType       models.EntityType `json:"entity_type"`
	LocalEntityID    string            `json:"local_entity_id"`
	RemoteID         string            `json:"remote_id"`
	DetectedAt       time.Time         `json:"detected_at"`
	LastSyncedAt     *time.Time        `json:"last_synced_at"`
	LocalModifiedAt  *time.Time        `json:"local_modified_at"`
	RemoteModifiedAt *time.Time        `json:"remote_modified_at"`
	Differences      []FieldDiff       `json:"differences"`
}

// BuildConflictSnapshot captures both sides of a conflicting entity.
func BuildConflictSnapshot(state *models.SyncState, local, remote map[string]interface{}, detectedAt time.Time) ConflictSnapshot {
	snapshot := ConflictSnapshot{
		EntityType:       state.EntityType,
		LocalEntityID:    state.LocalEntityID,
		DetectedAt:       detectedAt.UTC(),
		LastSyncedAt:     utcPtr(state.LastSyncedAt),
		LocalModifiedAt:  utcPtr(state.LastLocalModifiedAt),
		RemoteModifiedAt: utcPtr(state.LastRemoteModifiedAt),
		Differences:      DiffFields(local, remote),
	}
	if state.RemoteID != nil {
		snapshot.RemoteID = *state.RemoteID
	}
	return snapshot
}

// JSONB converts the snapshot for storage. Differences is never empty in
// storage: two identical copies that both changed still record a marker.
func (s ConflictSnapshot) JSONB() models.JSONB {
	diffs := make([]interface{}, 0, len(s.Differences))
	for _, d := range s.Differences {
		diffs = append(diffs, map[string]interface{}{"field": d.Field, "local": d.Local, "remote": d.Remote})
	}
	out := models.JSONB{
		"entity_type":     string(s.EntityType),
		"local_entity_id": s.LocalEntityID,
		"remote_id":       s.RemoteID,
		"detected_at":     s.DetectedAt.Format(time.RFC3339),
		"differences":     diffs,
	}
	for key, t := range map[string]*time.Time{
		"last_synced_at":     s.LastSyncedAt,
		"local_modified_at":  s.LocalModifiedAt,
		"remote_modified_at": s.RemoteModifiedAt,
	} {
		if t != nil {
			out[key] = t.Format(time.RFC3339)
		}
	}
	if len(diffs) == 0 {
		out["note"] = "both sides modified; field values are identical"
	}
	return out
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func dateString(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func amountString(v float64) string {
	return fmt.Sprintf("%.2f", v)
}
