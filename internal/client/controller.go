package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/mkarlsen/trk/internal/auth"
	"github.com/mkarlsen/trk/internal/events"
	"github.com/mkarlsen/trk/internal/models"
)

// Controller drives the authenticated issue page: it gates on identity,
// performs the initial fetch, folds change notifications into local state,
// and tears everything down on sign-out or close.
//
// The initial fetch and the subscription are independent concurrent
// operations with no ordering guarantee between them; the reducer's
// id-keyed rules make the result the same either way.
type Controller struct {
	issues   IssueService
	feed     ChangeFeed
	identity Identity

	// redirect sends the user to the authentication entry point. onChange
	// fires after every local state change so the view can re-render.
	// reportErr surfaces a store failure as a user-visible message.
	redirect  func()
	onChange  func()
	reportErr func(string)

	mu         sync.Mutex
	user       *models.User
	list       []models.Issue
	loading    bool
	gen        int // bumped on teardown/sign-out; stale responses check it
	cancelFeed func()
	unsubAuth  func()
}

// ControllerConfig wires the controller's collaborators and callbacks.
// Redirect is required; OnChange and ReportErr may be nil.
type ControllerConfig struct {
	Issues    IssueService
	Feed      ChangeFeed
	Identity  Identity
	Redirect  func()
	OnChange  func()
	ReportErr func(string)
}

// NewController builds a controller. Call Start to begin.
func NewController(cfg ControllerConfig) *Controller {
	return &Controller{
		issues:    cfg.Issues,
		feed:      cfg.Feed,
		identity:  cfg.Identity,
		redirect:  cfg.Redirect,
		onChange:  cfg.OnChange,
		reportErr: cfg.ReportErr,
	}
}

// Start resolves the current identity. With no session it redirects and
// returns ErrAuthRequired without attempting any list or subscribe
// operation. With a session it launches the initial fetch and the change
// subscription and begins watching for auth state transitions.
func (c *Controller) Start(ctx context.Context) error {
	user, err := c.identity.CurrentUser(ctx)
	if err != nil {
		if errors.Is(err, ErrAuthRequired) || errors.Is(err, auth.ErrNoSession) {
			c.redirect()
			return ErrAuthRequired
		}
		return err
	}

	c.mu.Lock()
	c.user = user
	gen := c.gen
	c.mu.Unlock()

	unsub := c.identity.OnStateChange(func(change auth.StateChange) {
		switch change.Event {
		case auth.SignedOut:
			c.signOutLocal()
		case auth.SignedIn:
			// A new identity invalidates the old subscription's filter;
			// tear it down and re-establish scoped to the new user.
			if change.User != nil {
				c.switchUser(ctx, change.User)
			}
		}
	})
	c.mu.Lock()
	c.unsubAuth = unsub
	c.mu.Unlock()

	go c.Refresh(ctx)
	c.subscribe(ctx, gen)
	return nil
}

// Refresh performs a full fetch and replaces local state with the result.
// A fetch that completes after teardown or sign-out is discarded; a failed
// fetch leaves prior local state unchanged.
func (c *Controller) Refresh(ctx context.Context) {
	c.mu.Lock()
	gen := c.gen
	c.loading = true
	c.mu.Unlock()

	fetched, err := c.issues.List(ctx)

	c.mu.Lock()
	c.loading = false
	if c.gen != gen {
		// Torn down (or re-keyed to another user) while in flight.
		c.mu.Unlock()
		return
	}
	if err == nil {
		c.list = Apply(c.list, Change{Kind: Fetched, Issues: fetched})
	}
	c.mu.Unlock()

	if err != nil {
		slog.Error("fetching issues failed", "error", err)
		if c.reportErr != nil {
			c.reportErr(err.Error())
		}
		return
	}
	c.notifyChange()
}

// subscribe opens the change feed and pumps its events into the reducer
// until the feed is cancelled.
func (c *Controller) subscribe(ctx context.Context, gen int) {
	ch, cancel, err := c.feed.Subscribe(ctx)
	if err != nil {
		slog.Error("subscribing to issue changes failed", "error", err)
		if c.reportErr != nil {
			c.reportErr(err.Error())
		}
		return
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		cancel()
		return
	}
	c.cancelFeed = cancel
	c.mu.Unlock()

	go func() {
		for ev := range ch {
			c.applyEvent(ev, gen)
		}
	}()
}

// applyEvent folds one notification into local state. Events for a
// superseded generation are dropped.
func (c *Controller) applyEvent(ev events.Event, gen int) {
	change, ok := fromEvent(ev)
	if !ok {
		return
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.list = Apply(c.list, change)
	c.mu.Unlock()

	c.notifyChange()
}

// Delete removes an issue after the caller has confirmed. Deleting an id
// that is already gone is not an error; anything else is surfaced and
// local state stays put until the notification arrives.
func (c *Controller) Delete(ctx context.Context, id string) error {
	if err := c.issues.Delete(ctx, id); err != nil {
		slog.Error("deleting issue failed", "id", id, "error", err)
		if c.reportErr != nil {
			c.reportErr(err.Error())
		}
		return err
	}
	return nil
}

// SignOut ends the session: remote sign-out, then local teardown. The
// local teardown also runs via the auth listener, which is harmless; both
// paths converge on the same cleared state.
func (c *Controller) SignOut(ctx context.Context) {
	if err := c.identity.SignOut(ctx); err != nil {
		slog.Error("sign out failed", "error", err)
	}
	c.signOutLocal()
}

// signOutLocal clears issue state, tears down the subscription, and
// redirects, so no further writes can happen under a stale identity.
func (c *Controller) signOutLocal() {
	c.mu.Lock()
	alreadyOut := c.user == nil
	c.user = nil
	c.list = nil
	c.gen++
	cancel := c.cancelFeed
	c.cancelFeed = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if alreadyOut {
		return
	}
	c.notifyChange()
	c.redirect()
}

// switchUser re-keys the controller to a new identity: the old
// subscription's filter is stale, so it is torn down before the new fetch
// and subscription start.
func (c *Controller) switchUser(ctx context.Context, user *models.User) {
	c.mu.Lock()
	if c.user != nil && c.user.ID == user.ID {
		c.mu.Unlock()
		return
	}
	c.user = user
	c.list = nil
	c.gen++
	gen := c.gen
	cancel := c.cancelFeed
	c.cancelFeed = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	go c.Refresh(ctx)
	c.subscribe(ctx, gen)
}

// Close releases the subscription and auth listener. In-flight responses
// observed after Close are discarded.
func (c *Controller) Close() {
	c.mu.Lock()
	c.gen++
	cancel := c.cancelFeed
	c.cancelFeed = nil
	unsub := c.unsubAuth
	c.unsubAuth = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if unsub != nil {
		unsub()
	}
}

// User returns the signed-in user, or nil.
func (c *Controller) User() *models.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

// Loading reports whether the initial fetch (or a refresh) is in flight.
func (c *Controller) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

// Issues returns a snapshot of local state.
func (c *Controller) Issues() []models.Issue {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Issue, len(c.list))
	copy(out, c.list)
	return out
}

// Projection derives the rendered view from local state.
func (c *Controller) Projection() Projection {
	return Project(c.Issues())
}

func (c *Controller) notifyChange() {
	if c.onChange != nil {
		c.onChange()
	}
}
