package store

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkarlsen/trk/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	err = s.Migrate(context.Background())
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })
	return s
}

func newTestUser(t *testing.T, s *SQLiteStore, email string) *models.User {
	t.Helper()
	u := &models.User{Email: email, PasswordHash: "x"}
	require.NoError(t, s.CreateUser(context.Background(), u))
	return u
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "subdir", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(filepath.Join(dir, "subdir"))
	assert.NoError(t, err, "should create parent directory")
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Running migrate again should be a no-op
	err := s.Migrate(ctx)
	assert.NoError(t, err)
}

// --- Users ---

func TestUserCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := &models.User{Email: "Alice@Example.com", PasswordHash: "hash"}
	err := s.CreateUser(ctx, u)
	require.NoError(t, err)
	assert.NotEmpty(t, u.ID)
	assert.Equal(t, "alice@example.com", u.Email, "email should be normalized")
	assert.False(t, u.CreatedAt.IsZero())

	got, err := s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, u.Email, got.Email)
	assert.Equal(t, "hash", got.PasswordHash)

	got, err = s.GetUserByEmail(ctx, "  ALICE@example.com ")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	users, err := s.ListUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 1)
}

func TestCreateUser_DuplicateEmail(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateUser(ctx, &models.User{Email: "a@example.com", PasswordHash: "x"}))

	err := s.CreateUser(ctx, &models.User{Email: "a@example.com", PasswordHash: "y"})
	assert.ErrorContains(t, err, "already registered")
}

func TestGetUser_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetUser(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetUserByEmail(context.Background(), "nobody@example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

// --- Sessions ---

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, "a@example.com")

	sess := &models.Session{
		Token:     "tok-1",
		UserID:    u.ID,
		ExpiresAt: time.Now().Add(time.Hour),
	}
	require.NoError(t, s.CreateSession(ctx, sess))

	got, err := s.GetSession(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.UserID)

	require.NoError(t, s.DeleteSession(ctx, "tok-1"))

	_, err = s.GetSession(ctx, "tok-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteExpiredSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, "a@example.com")

	live := &models.Session{Token: "live", UserID: u.ID, ExpiresAt: time.Now().Add(time.Hour)}
	dead := &models.Session{Token: "dead", UserID: u.ID, ExpiresAt: time.Now().Add(-time.Hour)}
	require.NoError(t, s.CreateSession(ctx, live))
	require.NoError(t, s.CreateSession(ctx, dead))

	n, err := s.DeleteExpiredSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetSession(ctx, "live")
	assert.NoError(t, err)
	_, err = s.GetSession(ctx, "dead")
	assert.ErrorIs(t, err, ErrNotFound)
}

// --- Issues ---

func TestIssueCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, "a@example.com")

	issue := &models.Issue{
		UserID:      u.ID,
		Title:       "Fix login redirect",
		Description: "Redirect loops on expired sessions",
	}
	err := s.CreateIssue(ctx, issue)
	require.NoError(t, err)
	assert.NotEmpty(t, issue.ID)
	assert.Equal(t, models.IssueStatusOpen, issue.Status, "status should default to Open")
	assert.False(t, issue.CreatedAt.IsZero())

	got, err := s.GetIssue(ctx, u.ID, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, issue.Title, got.Title)
	assert.Equal(t, issue.Description, got.Description)
	assert.Equal(t, models.IssueStatusOpen, got.Status)

	// Patch only the status
	closed := models.IssueStatusClosed
	updated, err := s.UpdateIssue(ctx, u.ID, issue.ID, IssuePatch{Status: &closed})
	require.NoError(t, err)
	assert.Equal(t, models.IssueStatusClosed, updated.Status)
	assert.Equal(t, issue.Title, updated.Title, "unpatched fields should be unchanged")
	assert.True(t, updated.UpdatedAt.After(updated.CreatedAt) || updated.UpdatedAt.Equal(updated.CreatedAt))

	require.NoError(t, s.DeleteIssue(ctx, u.ID, issue.ID))

	_, err = s.GetIssue(ctx, u.ID, issue.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateIssue_Validation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, "a@example.com")

	err := s.CreateIssue(ctx, &models.Issue{UserID: u.ID, Title: "   "})
	assert.ErrorContains(t, err, "title is required")

	err = s.CreateIssue(ctx, &models.Issue{UserID: u.ID, Title: "x", Status: "Bogus"})
	assert.ErrorContains(t, err, "invalid status")

	err = s.CreateIssue(ctx, &models.Issue{Title: "no owner"})
	assert.ErrorContains(t, err, "missing owner")
}

func TestListIssues_NewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, "a@example.com")

	titles := []string{"first", "second", "third"}
	for _, title := range titles {
		require.NoError(t, s.CreateIssue(ctx, &models.Issue{UserID: u.ID, Title: title}))
		time.Sleep(10 * time.Millisecond)
	}

	issues, err := s.ListIssues(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, issues, 3)
	assert.Equal(t, "third", issues[0].Title)
	assert.Equal(t, "second", issues[1].Title)
	assert.Equal(t, "first", issues[2].Title)
}

func TestIssues_ScopedToOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := newTestUser(t, s, "alice@example.com")
	bob := newTestUser(t, s, "bob@example.com")

	issue := &models.Issue{UserID: alice.ID, Title: "alice's issue"}
	require.NoError(t, s.CreateIssue(ctx, issue))

	// Bob cannot see, update, or delete Alice's issue
	issues, err := s.ListIssues(ctx, bob.ID)
	require.NoError(t, err)
	assert.Empty(t, issues)

	_, err = s.GetIssue(ctx, bob.ID, issue.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	newTitle := "hijacked"
	_, err = s.UpdateIssue(ctx, bob.ID, issue.ID, IssuePatch{Title: &newTitle})
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.DeleteIssue(ctx, bob.ID, issue.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Alice still owns an intact issue
	got, err := s.GetIssue(ctx, alice.ID, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice's issue", got.Title)
}

func TestUpdateIssue_Validation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, "a@example.com")

	issue := &models.Issue{UserID: u.ID, Title: "keep me"}
	require.NoError(t, s.CreateIssue(ctx, issue))

	empty := "  "
	_, err := s.UpdateIssue(ctx, u.ID, issue.ID, IssuePatch{Title: &empty})
	assert.ErrorContains(t, err, "title is required")

	bogus := models.IssueStatus("Bogus")
	_, err = s.UpdateIssue(ctx, u.ID, issue.ID, IssuePatch{Status: &bogus})
	assert.ErrorContains(t, err, "invalid status")

	got, err := s.GetIssue(ctx, u.ID, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, "keep me", got.Title)
}

func TestDeleteIssue_Missing(t *testing.T) {
	s := newTestStore(t)
	u := newTestUser(t, s, "a@example.com")

	err := s.DeleteIssue(context.Background(), u.ID, "nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewULID_UniqueAndOrderedInTightLoop(t *testing.T) {
	const n = 1000
	ids := make([]string, n)
	seen := make(map[string]struct{}, n)
	for i := range ids {
		ids[i] = newULID()
		if _, dup := seen[ids[i]]; dup {
			t.Fatalf("duplicate ulid %s at iteration %d", ids[i], i)
		}
		seen[ids[i]] = struct{}{}
	}
	assert.True(t, sort.StringsAreSorted(ids), "ids generated back to back sort in creation order")
}

func TestUpdateIssue_ConcurrentDisjointPatches(t *testing.T) {
	s := newTestStore(t)
	u := newTestUser(t, s, "a@example.com")
	ctx := context.Background()

	issue := &models.Issue{
		UserID:      u.ID,
		Title:       "original",
		Description: "original",
	}
	require.NoError(t, s.CreateIssue(ctx, issue))

	title := "patched title"
	desc := "patched description"

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := s.UpdateIssue(ctx, u.ID, issue.ID, IssuePatch{Title: &title})
		assert.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		_, err := s.UpdateIssue(ctx, u.ID, issue.ID, IssuePatch{Description: &desc})
		assert.NoError(t, err)
	}()
	wg.Wait()

	got, err := s.GetIssue(ctx, u.ID, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, "patched title", got.Title)
	assert.Equal(t, "patched description", got.Description, "patches to disjoint fields compose")
}
