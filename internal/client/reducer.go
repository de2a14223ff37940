package client

import (
	"log/slog"

	"github.com/mkarlsen/trk/internal/events"
	"github.com/mkarlsen/trk/internal/models"
)

// ChangeKind tags a local state change.
type ChangeKind int

const (
	// Fetched replaces the whole list with a full fetch result.
	Fetched ChangeKind = iota
	// Inserted prepends a new issue if its id is not already present.
	Inserted
	// Updated replaces the issue matching the old id with the new row.
	Updated
	// Deleted removes the issue matching the old id.
	Deleted
)

// Change is one element of the tagged event union the local list state is
// reduced over. Issues is the Fetched payload; New/Old carry the affected
// row for the incremental kinds.
type Change struct {
	Kind   ChangeKind
	Issues []models.Issue
	New    *models.Issue
	Old    *models.Issue
}

// Apply folds a change into the list and returns the new list. It never
// mutates its input. The rules are idempotent and keyed by id, so the
// result does not depend on whether an optimistic local write or the
// corresponding notification lands first:
//
//   - Inserted: prepend unless the id already exists.
//   - Updated: replace the entry whose id matches; prepend when no entry
//     matches (the update raced ahead of the fetch that would carry it).
//   - Deleted: remove the matching entry; absence is a silent no-op.
//   - Fetched: the list becomes the fetch result.
func Apply(list []models.Issue, ch Change) []models.Issue {
	switch ch.Kind {
	case Fetched:
		out := make([]models.Issue, len(ch.Issues))
		copy(out, ch.Issues)
		return out

	case Inserted:
		if ch.New == nil {
			return list
		}
		if indexOf(list, ch.New.ID) >= 0 {
			return list
		}
		out := make([]models.Issue, 0, len(list)+1)
		out = append(out, *ch.New)
		return append(out, list...)

	case Updated:
		if ch.New == nil {
			return list
		}
		id := ch.New.ID
		if ch.Old != nil {
			id = ch.Old.ID
		}
		i := indexOf(list, id)
		if i < 0 {
			// Never seen this row; treat as insert-if-missing.
			return Apply(list, Change{Kind: Inserted, New: ch.New})
		}
		out := make([]models.Issue, len(list))
		copy(out, list)
		out[i] = *ch.New
		return out

	case Deleted:
		if ch.Old == nil {
			return list
		}
		i := indexOf(list, ch.Old.ID)
		if i < 0 {
			return list
		}
		out := make([]models.Issue, 0, len(list)-1)
		out = append(out, list[:i]...)
		return append(out, list[i+1:]...)
	}
	return list
}

// indexOf returns the position of the issue with the given id, or -1.
func indexOf(list []models.Issue, id string) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}

// fromEvent parses a change notification into a Change. Malformed payloads
// (missing the row the event type requires) are rejected at this boundary
// rather than propagated into local state; ok is false for those.
func fromEvent(ev events.Event) (Change, bool) {
	switch ev.Type {
	case events.TypeInsert:
		if ev.New == nil || ev.New.ID == "" {
			slog.Warn("dropping malformed insert notification")
			return Change{}, false
		}
		return Change{Kind: Inserted, New: ev.New}, true
	case events.TypeUpdate:
		if ev.New == nil || ev.New.ID == "" {
			slog.Warn("dropping malformed update notification")
			return Change{}, false
		}
		return Change{Kind: Updated, New: ev.New, Old: ev.Old}, true
	case events.TypeDelete:
		if ev.Old == nil || ev.Old.ID == "" {
			slog.Warn("dropping malformed delete notification")
			return Change{}, false
		}
		return Change{Kind: Deleted, Old: ev.Old}, true
	}
	slog.Warn("dropping notification with unknown type", "type", ev.Type)
	return Change{}, false
}
