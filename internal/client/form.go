package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/mkarlsen/trk/internal/models"
)

// ErrTitleRequired is returned by Submit before any remote call when the
// draft title is empty.
var ErrTitleRequired = errors.New("title is required")

// ErrDescriptionRequired is returned when FormOptions.RequireDescription is
// set and the draft description is empty.
var ErrDescriptionRequired = errors.New("description is required")

// ErrSubmitInFlight is returned when Submit is called while a previous
// submission has not finished. The caller's submit control should be
// disabled while the form reports Submitting, making this the
// belt-and-braces path.
var ErrSubmitInFlight = errors.New("submission already in flight")

// FormState is the form's lifecycle state.
type FormState int

const (
	FormIdle FormState = iota
	FormSubmitting
)

// FormOptions configures validation strictness.
type FormOptions struct {
	// RequireDescription rejects drafts with an empty description. Off by
	// default: only the title is mandatory.
	RequireDescription bool
}

// Form manages the create/edit form's draft state and submission. The mode
// is fixed at construction: a form opened without an issue inserts, a form
// opened with one updates that issue for its whole lifetime.
type Form struct {
	svc  IssueService
	opts FormOptions

	editID string // empty in create mode

	// Observers. onSaved triggers a list refresh in the parent, onClosed
	// removes the form from view. Neither fires on failure.
	onSaved   func()
	onClosed  func()
	reportErr func(string)

	mu    sync.Mutex
	draft Draft
	state FormState
}

// NewCreateForm opens a form in create mode with an empty draft.
func NewCreateForm(svc IssueService, opts FormOptions, onSaved, onClosed func(), reportErr func(string)) *Form {
	return &Form{
		svc:       svc,
		opts:      opts,
		onSaved:   onSaved,
		onClosed:  onClosed,
		reportErr: reportErr,
		draft:     Draft{Status: models.IssueStatusOpen},
	}
}

// NewEditForm opens a form in edit mode, copying the issue's fields into
// the draft.
func NewEditForm(issue models.Issue, svc IssueService, opts FormOptions, onSaved, onClosed func(), reportErr func(string)) *Form {
	return &Form{
		svc:       svc,
		opts:      opts,
		editID:    issue.ID,
		onSaved:   onSaved,
		onClosed:  onClosed,
		reportErr: reportErr,
		draft: Draft{
			Title:       issue.Title,
			Description: issue.Description,
			Status:      issue.Status,
		},
	}
}

// Editing reports whether the form is in edit mode.
func (f *Form) Editing() bool { return f.editID != "" }

// State returns the current lifecycle state.
func (f *Form) State() FormState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Draft returns a copy of the current draft.
func (f *Form) Draft() Draft {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.draft
}

// SetTitle updates the draft title.
func (f *Form) SetTitle(title string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.draft.Title = title
}

// SetDescription updates the draft description.
func (f *Form) SetDescription(desc string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.draft.Description = desc
}

// SetStatus updates the draft status. Values outside the enumeration are
// ignored; the selection input only offers the three valid ones.
func (f *Form) SetStatus(status models.IssueStatus) {
	if !models.ValidStatus(status) {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.draft.Status = status
}

// Submit validates the draft and performs the insert or update. Validation
// failures and an in-flight submission return before any remote call. On
// success the saved and closed observers fire, in that order; on failure
// neither does and the error is surfaced through the reporter.
func (f *Form) Submit(ctx context.Context) error {
	f.mu.Lock()
	if f.state == FormSubmitting {
		f.mu.Unlock()
		return ErrSubmitInFlight
	}
	draft := f.draft
	if draft.Title == "" {
		f.mu.Unlock()
		return ErrTitleRequired
	}
	if f.opts.RequireDescription && draft.Description == "" {
		f.mu.Unlock()
		return ErrDescriptionRequired
	}
	f.state = FormSubmitting
	f.mu.Unlock()

	var err error
	if f.editID != "" {
		// The edit form owns all three fields, so it patches all three.
		err = f.svc.Update(ctx, f.editID, draft.Patch())
	} else {
		_, err = f.svc.Insert(ctx, draft)
	}

	f.mu.Lock()
	f.state = FormIdle
	f.mu.Unlock()

	if err != nil {
		slog.Error("saving issue failed", "edit", f.editID != "", "error", err)
		if f.reportErr != nil {
			f.reportErr(err.Error())
		}
		return err
	}

	if f.onSaved != nil {
		f.onSaved()
	}
	if f.onClosed != nil {
		f.onClosed()
	}
	return nil
}
