// Package client keeps a local in-memory view of a user's issues
// consistent with the authoritative store under concurrent local edits and
// out-of-band change notifications. It is written against small interfaces
// so the synchronization semantics are testable without a server; see
// Remote for the HTTP+SSE binding.
package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/mkarlsen/trk/internal/auth"
	"github.com/mkarlsen/trk/internal/events"
	"github.com/mkarlsen/trk/internal/models"
)

// ErrAuthRequired indicates there is no authenticated session. Callers
// redirect to the authentication entry point instead of surfacing a message.
var ErrAuthRequired = errors.New("authentication required")

// StoreError is a transport, validation, or authorization failure from any
// CRUD call. The message is surfaced to the user; local state is left at
// last-known-good.
type StoreError struct {
	Op      string
	Message string
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// storeErr wraps an underlying failure into a StoreError.
func storeErr(op string, err error) *StoreError {
	return &StoreError{Op: op, Message: err.Error()}
}

// Draft holds the in-progress field values a form is editing.
type Draft struct {
	Title       string             `json:"title"`
	Description string             `json:"description"`
	Status      models.IssueStatus `json:"status"`
}

// DraftPatch carries the fields an update changes. Nil fields are absent
// from the wire body and the store leaves them unchanged.
type DraftPatch struct {
	Title       *string             `json:"title,omitempty"`
	Description *string             `json:"description,omitempty"`
	Status      *models.IssueStatus `json:"status,omitempty"`
}

// Patch converts the draft into a patch touching all three fields.
func (d Draft) Patch() DraftPatch {
	return DraftPatch{Title: &d.Title, Description: &d.Description, Status: &d.Status}
}

// IssueService wraps the remote issue operations, scoped to the
// authenticated user by the implementation.
type IssueService interface {
	// List returns all of the user's issues ordered by created_at descending.
	List(ctx context.Context) ([]models.Issue, error)
	// Insert creates an issue from the draft. The store assigns id and
	// created_at; status defaults to Open if unset.
	Insert(ctx context.Context, draft Draft) (*models.Issue, error)
	// Update applies the patch to an existing issue owned by the user.
	// Fields the patch does not carry keep their stored values.
	Update(ctx context.Context, id string, patch DraftPatch) error
	// Delete removes an issue. Deleting an already-deleted id is success.
	Delete(ctx context.Context, id string) error
}

// ChangeFeed delivers row-level change events for the subscribing user's
// issues. The cancel function tears the subscription down; after it returns
// the channel is closed.
type ChangeFeed interface {
	Subscribe(ctx context.Context) (<-chan events.Event, func(), error)
}

// Identity is the authentication collaborator: who is signed in, sign-out,
// and auth state transitions.
type Identity interface {
	// CurrentUser returns the signed-in user, or ErrAuthRequired when
	// there is no session.
	CurrentUser(ctx context.Context) (*models.User, error)
	SignOut(ctx context.Context) error
	// OnStateChange registers a listener for SIGNED_IN/SIGNED_OUT events.
	// The returned function unregisters it.
	OnStateChange(fn func(auth.StateChange)) func()
}
