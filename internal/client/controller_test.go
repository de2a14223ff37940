package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkarlsen/trk/internal/auth"
	"github.com/mkarlsen/trk/internal/events"
	"github.com/mkarlsen/trk/internal/models"
)

// fakeFeed hands out subscriptions; the test publishes into the most
// recent one.
type fakeFeed struct {
	mu         sync.Mutex
	current    chan events.Event
	subscribes int
	cancels    int
	err        error
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{}
}

func (f *fakeFeed) Subscribe(ctx context.Context) (<-chan events.Event, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, nil, f.err
	}
	f.subscribes++
	ch := make(chan events.Event, 16)
	f.current = ch
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			f.mu.Lock()
			f.cancels++
			f.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel, nil
}

func (f *fakeFeed) publish(ev events.Event) {
	f.mu.Lock()
	ch := f.current
	f.mu.Unlock()
	ch <- ev
}

func (f *fakeFeed) subscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribes
}

func (f *fakeFeed) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels
}

// fakeIdentity simulates the session gate and auth transitions.
type fakeIdentity struct {
	mu        sync.Mutex
	user      *models.User
	signOuts  int
	listeners []func(auth.StateChange)
}

func (f *fakeIdentity) CurrentUser(ctx context.Context) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.user == nil {
		return nil, ErrAuthRequired
	}
	return f.user, nil
}

func (f *fakeIdentity) SignOut(ctx context.Context) error {
	f.mu.Lock()
	f.user = nil
	f.signOuts++
	f.mu.Unlock()
	f.fire(auth.StateChange{Event: auth.SignedOut})
	return nil
}

func (f *fakeIdentity) OnStateChange(fn func(auth.StateChange)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
	return func() {}
}

func (f *fakeIdentity) fire(change auth.StateChange) {
	f.mu.Lock()
	fns := append([]func(auth.StateChange){}, f.listeners...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(change)
	}
}

type controllerFixture struct {
	svc      *fakeIssueService
	feed     *fakeFeed
	identity *fakeIdentity
	ctrl     *Controller

	mu        sync.Mutex
	redirects int
	reported  []string
}

func newControllerFixture(user *models.User) *controllerFixture {
	fx := &controllerFixture{
		svc:      newFakeIssueService(),
		feed:     newFakeFeed(),
		identity: &fakeIdentity{user: user},
	}
	fx.ctrl = NewController(ControllerConfig{
		Issues:   fx.svc,
		Feed:     fx.feed,
		Identity: fx.identity,
		Redirect: func() {
			fx.mu.Lock()
			fx.redirects++
			fx.mu.Unlock()
		},
		ReportErr: func(msg string) {
			fx.mu.Lock()
			fx.reported = append(fx.reported, msg)
			fx.mu.Unlock()
		},
	})
	return fx
}

func (fx *controllerFixture) redirectCount() int {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	return fx.redirects
}

func (fx *controllerFixture) reportedErrs() []string {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	return append([]string{}, fx.reported...)
}

var alice = &models.User{ID: "u1", Email: "alice@example.com"}

func TestController_NoSessionRedirectsBeforeAnyFetch(t *testing.T) {
	fx := newControllerFixture(nil)

	err := fx.ctrl.Start(context.Background())
	assert.ErrorIs(t, err, ErrAuthRequired)
	assert.Equal(t, 1, fx.redirectCount())
	assert.Equal(t, 0, fx.svc.listCallCount(), "no fetch without a session")
	assert.Equal(t, 0, fx.feed.subscribeCount(), "no subscription without a session")
}

func TestController_StartFetchesAndSubscribes(t *testing.T) {
	fx := newControllerFixture(alice)
	fx.svc.listResult = []models.Issue{issue("a", "first")}

	require.NoError(t, fx.ctrl.Start(context.Background()))
	defer fx.ctrl.Close()

	require.Eventually(t, func() bool {
		return len(fx.ctrl.Issues()) == 1
	}, time.Second, time.Millisecond)

	assert.Equal(t, "alice@example.com", fx.ctrl.User().Email)
	assert.Equal(t, 1, fx.feed.subscribeCount())
	assert.Equal(t, 0, fx.redirectCount())
}

func TestController_AppliesFeedEvents(t *testing.T) {
	fx := newControllerFixture(alice)

	require.NoError(t, fx.ctrl.Start(context.Background()))
	defer fx.ctrl.Close()

	created := issue("x", "from another session")
	created.UserID = alice.ID
	fx.feed.publish(events.Inserted(&created))

	require.Eventually(t, func() bool {
		list := fx.ctrl.Issues()
		return len(list) == 1 && list[0].ID == "x"
	}, time.Second, time.Millisecond)

	// An update to the same row replaces it in place.
	edited := created
	edited.Title = "edited elsewhere"
	fx.feed.publish(events.Updated(&created, &edited))

	require.Eventually(t, func() bool {
		list := fx.ctrl.Issues()
		return len(list) == 1 && list[0].Title == "edited elsewhere"
	}, time.Second, time.Millisecond)

	// And a delete removes it.
	fx.feed.publish(events.Deleted(&edited))

	require.Eventually(t, func() bool {
		return len(fx.ctrl.Issues()) == 0
	}, time.Second, time.Millisecond)
}

func TestController_StaleFetchDiscardedAfterClose(t *testing.T) {
	fx := newControllerFixture(alice)
	fx.svc.listGate = make(chan struct{})
	fx.svc.listResult = []models.Issue{issue("a", "stale")}

	require.NoError(t, fx.ctrl.Start(context.Background()))

	// Tear down while the fetch is still in flight, then let it complete.
	fx.ctrl.Close()
	close(fx.svc.listGate)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, fx.ctrl.Issues(), "response from a superseded generation must be discarded")
	assert.False(t, fx.ctrl.Loading(), "a discarded fetch still ends the loading state")
}

func TestController_RefreshFailureKeepsPriorState(t *testing.T) {
	fx := newControllerFixture(alice)
	fx.svc.listResult = []models.Issue{issue("a", "good")}

	require.NoError(t, fx.ctrl.Start(context.Background()))
	defer fx.ctrl.Close()

	require.Eventually(t, func() bool {
		return len(fx.ctrl.Issues()) == 1
	}, time.Second, time.Millisecond)

	fx.svc.mu.Lock()
	fx.svc.listErr = errors.New("store unavailable")
	fx.svc.mu.Unlock()

	fx.ctrl.Refresh(context.Background())

	assert.Len(t, fx.ctrl.Issues(), 1, "failed refresh leaves last-known-good state")
	assert.NotEmpty(t, fx.reportedErrs())
}

func TestController_StartAndCloseMayOverlap(t *testing.T) {
	fx := newControllerFixture(alice)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = fx.ctrl.Start(context.Background())
	}()
	go func() {
		defer wg.Done()
		fx.ctrl.Close()
	}()
	wg.Wait()

	fx.ctrl.Close()
}

func TestController_SignOutTearsDown(t *testing.T) {
	fx := newControllerFixture(alice)
	fx.svc.listResult = []models.Issue{issue("a", "mine")}

	require.NoError(t, fx.ctrl.Start(context.Background()))

	require.Eventually(t, func() bool {
		return len(fx.ctrl.Issues()) == 1
	}, time.Second, time.Millisecond)

	fx.ctrl.SignOut(context.Background())

	assert.Nil(t, fx.ctrl.User())
	assert.Empty(t, fx.ctrl.Issues(), "issue state cleared on sign-out")
	assert.Equal(t, 1, fx.feed.cancelCount(), "subscription torn down on sign-out")
	assert.Equal(t, 1, fx.redirectCount())
	assert.Equal(t, 1, fx.identity.signOuts)
}

func TestController_RemoteSignOutEventTearsDown(t *testing.T) {
	fx := newControllerFixture(alice)
	fx.svc.listResult = []models.Issue{issue("a", "mine")}

	require.NoError(t, fx.ctrl.Start(context.Background()))

	require.Eventually(t, func() bool {
		return len(fx.ctrl.Issues()) == 1
	}, time.Second, time.Millisecond)

	// Sign-out observed through the auth listener, not a local call.
	fx.identity.fire(auth.StateChange{Event: auth.SignedOut})

	assert.Empty(t, fx.ctrl.Issues())
	assert.Equal(t, 1, fx.feed.cancelCount())
	assert.Equal(t, 1, fx.redirectCount())
}

func TestController_SwitchUserRefetches(t *testing.T) {
	fx := newControllerFixture(alice)
	fx.svc.listResult = []models.Issue{issue("a", "alice's")}

	require.NoError(t, fx.ctrl.Start(context.Background()))
	defer fx.ctrl.Close()

	require.Eventually(t, func() bool {
		return len(fx.ctrl.Issues()) == 1
	}, time.Second, time.Millisecond)

	bob := &models.User{ID: "u2", Email: "bob@example.com"}
	fx.identity.fire(auth.StateChange{Event: auth.SignedIn, User: bob})

	require.Eventually(t, func() bool {
		return fx.svc.listCallCount() >= 2
	}, time.Second, time.Millisecond)

	assert.Equal(t, "u2", fx.ctrl.User().ID)
	assert.Equal(t, 1, fx.feed.cancelCount(), "old subscription torn down on identity switch")
	assert.Equal(t, 2, fx.feed.subscribeCount())
}

func TestController_SignInSameUserIsNoOp(t *testing.T) {
	fx := newControllerFixture(alice)

	require.NoError(t, fx.ctrl.Start(context.Background()))
	defer fx.ctrl.Close()

	fx.identity.fire(auth.StateChange{Event: auth.SignedIn, User: alice})

	assert.Equal(t, 1, fx.feed.subscribeCount(), "token refresh for the same user changes nothing")
}

func TestController_DeleteSurfacesError(t *testing.T) {
	fx := newControllerFixture(alice)
	fx.svc.deleteErr = errors.New("forbidden")

	require.NoError(t, fx.ctrl.Start(context.Background()))
	defer fx.ctrl.Close()

	err := fx.ctrl.Delete(context.Background(), "i1")
	require.Error(t, err)
	assert.NotEmpty(t, fx.reportedErrs())
}

func TestController_SubscribeFailureReported(t *testing.T) {
	fx := newControllerFixture(alice)
	fx.feed.err = errors.New("stream unavailable")

	require.NoError(t, fx.ctrl.Start(context.Background()))
	defer fx.ctrl.Close()

	assert.NotEmpty(t, fx.reportedErrs())
}
