package auth

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkarlsen/trk/internal/models"
	"github.com/mkarlsen/trk/internal/store"
)

func newTestManager(t *testing.T) (*Manager, store.Store) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return NewManager(s), s
}

func TestSignUp(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	u, err := m.SignUp(ctx, "Alice@Example.com", "hunter2hunter2")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", u.Email)
	assert.NotEmpty(t, u.ID)
	assert.NotEqual(t, "hunter2hunter2", u.PasswordHash, "password must not be stored in plain text")
}

func TestSignUp_Validation(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.SignUp(ctx, "not-an-email", "hunter2hunter2")
	assert.ErrorContains(t, err, "invalid email")

	_, err = m.SignUp(ctx, "a@example.com", "short")
	assert.ErrorContains(t, err, "at least 8 characters")
}

func TestSignIn(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.SignUp(ctx, "a@example.com", "hunter2hunter2")
	require.NoError(t, err)

	u, sess, err := m.SignIn(ctx, "a@example.com", "hunter2hunter2")
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", u.Email)
	assert.NotEmpty(t, sess.Token)
	assert.True(t, sess.ExpiresAt.After(time.Now()))

	got, err := m.CurrentUser(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
}

func TestSignIn_BadCredentials(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.SignUp(ctx, "a@example.com", "hunter2hunter2")
	require.NoError(t, err)

	// Wrong password and unknown email produce the same error
	_, _, err = m.SignIn(ctx, "a@example.com", "wrong-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, _, err = m.SignIn(ctx, "nobody@example.com", "hunter2hunter2")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestSignOut(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.SignUp(ctx, "a@example.com", "hunter2hunter2")
	require.NoError(t, err)
	_, sess, err := m.SignIn(ctx, "a@example.com", "hunter2hunter2")
	require.NoError(t, err)

	require.NoError(t, m.SignOut(ctx, sess.Token))

	_, err = m.CurrentUser(ctx, sess.Token)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestCurrentUser_NoToken(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.CurrentUser(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoSession)

	_, err = m.CurrentUser(context.Background(), "bogus-token")
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestCurrentUser_ExpiredSession(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()

	u, err := m.SignUp(ctx, "a@example.com", "hunter2hunter2")
	require.NoError(t, err)

	sess := &models.Session{
		Token:     "expired-token",
		UserID:    u.ID,
		ExpiresAt: time.Now().UTC().Add(-time.Minute),
	}
	require.NoError(t, s.CreateSession(ctx, sess))

	_, err = m.CurrentUser(ctx, "expired-token")
	assert.ErrorIs(t, err, ErrNoSession)

	// The expired session should have been reaped
	_, err = s.GetSession(ctx, "expired-token")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestOnStateChange(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.SignUp(ctx, "a@example.com", "hunter2hunter2")
	require.NoError(t, err)

	var changes []StateChange
	unregister := m.OnStateChange(func(ch StateChange) {
		changes = append(changes, ch)
	})

	_, sess, err := m.SignIn(ctx, "a@example.com", "hunter2hunter2")
	require.NoError(t, err)
	require.NoError(t, m.SignOut(ctx, sess.Token))

	require.Len(t, changes, 2)
	assert.Equal(t, SignedIn, changes[0].Event)
	assert.Equal(t, "a@example.com", changes[0].User.Email)
	assert.Equal(t, SignedOut, changes[1].Event)
	assert.Nil(t, changes[1].User)

	// After unregistering, no further notifications arrive
	unregister()
	_, sess, err = m.SignIn(ctx, "a@example.com", "hunter2hunter2")
	require.NoError(t, err)
	_ = sess
	assert.Len(t, changes, 2)
}
