// Package auth implements account sign-up, password sign-in, and
// server-side session tracking. It also notifies listeners of auth state
// transitions so live subscriptions tied to an identity can be torn down
// the moment that identity goes away.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/mkarlsen/trk/internal/models"
	"github.com/mkarlsen/trk/internal/store"
)

// DefaultSessionTTL is how long a login session stays valid.
const DefaultSessionTTL = 7 * 24 * time.Hour

// ErrInvalidCredentials is returned for a bad email/password pair. The two
// cases are deliberately indistinguishable to the caller.
var ErrInvalidCredentials = errors.New("invalid email or password")

// ErrNoSession is returned when a token does not map to a live session.
var ErrNoSession = errors.New("no active session")

// StateEvent tags an auth state transition.
type StateEvent string

const (
	SignedIn  StateEvent = "SIGNED_IN"
	SignedOut StateEvent = "SIGNED_OUT"
)

// StateChange is delivered to listeners on sign-in and sign-out.
type StateChange struct {
	Event StateEvent
	User  *models.User // nil on SIGNED_OUT
}

// Manager performs authentication against the store.
type Manager struct {
	store      store.Store
	sessionTTL time.Duration

	mu        sync.Mutex
	listeners map[int]func(StateChange)
	nextID    int
}

// NewManager creates a Manager with the default session TTL.
func NewManager(s store.Store) *Manager {
	return &Manager{
		store:      s,
		sessionTTL: DefaultSessionTTL,
		listeners:  make(map[int]func(StateChange)),
	}
}

// SignUp registers a new account. The password is bcrypt-hashed; the plain
// text is never stored.
func (m *Manager) SignUp(ctx context.Context, email, password string) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("sign up: invalid email %q", email)
	}
	if len(password) < 8 {
		return nil, fmt.Errorf("sign up: password must be at least 8 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	u := &models.User{Email: email, PasswordHash: string(hash)}
	if err := m.store.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// SignIn verifies credentials and opens a session.
func (m *Manager) SignIn(ctx context.Context, email, password string) (*models.User, *models.Session, error) {
	u, err := m.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, ErrInvalidCredentials
		}
		return nil, nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return nil, nil, ErrInvalidCredentials
	}

	sess := &models.Session{
		Token:     uuid.NewString(),
		UserID:    u.ID,
		ExpiresAt: time.Now().UTC().Add(m.sessionTTL),
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, nil, err
	}

	m.notify(StateChange{Event: SignedIn, User: u})
	return u, sess, nil
}

// SignOut terminates the session for the given token. Unknown tokens are a
// no-op; the SIGNED_OUT notification fires either way so stale clients
// converge on the signed-out state.
func (m *Manager) SignOut(ctx context.Context, token string) error {
	if err := m.store.DeleteSession(ctx, token); err != nil {
		return err
	}
	m.notify(StateChange{Event: SignedOut})
	return nil
}

// CurrentUser resolves the user for a session token. Expired sessions are
// deleted on sight and reported as ErrNoSession.
func (m *Manager) CurrentUser(ctx context.Context, token string) (*models.User, error) {
	if token == "" {
		return nil, ErrNoSession
	}
	sess, err := m.store.GetSession(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNoSession
		}
		return nil, err
	}
	if sess.Expired(time.Now().UTC()) {
		_ = m.store.DeleteSession(ctx, token)
		return nil, ErrNoSession
	}
	return m.store.GetUser(ctx, sess.UserID)
}

// OnStateChange registers a listener for sign-in/sign-out transitions.
// The returned function unregisters it.
func (m *Manager) OnStateChange(fn func(StateChange)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

func (m *Manager) notify(change StateChange) {
	m.mu.Lock()
	fns := make([]func(StateChange), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(change)
	}
}
