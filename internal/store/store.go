package store

import (
	"context"
	"errors"

	"github.com/mkarlsen/trk/internal/models"
)

// ErrNotFound is returned when a requested row does not exist. Callers that
// treat absence as a no-op (e.g. deleting an already-deleted issue) check
// for it with errors.Is.
var ErrNotFound = errors.New("not found")

// IssuePatch carries a partial update. Nil fields are left unchanged.
type IssuePatch struct {
	Title       *string
	Description *string
	Status      *models.IssueStatus
}

// Store defines the persistence interface for trk.
type Store interface {
	// Users
	CreateUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	ListUsers(ctx context.Context) ([]*models.User, error)

	// Sessions
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, token string) (*models.Session, error)
	DeleteSession(ctx context.Context, token string) error
	DeleteExpiredSessions(ctx context.Context) (int64, error)

	// Issues. Every operation is scoped to the owning user; an issue is
	// never visible to or mutable by anyone but its owner.
	CreateIssue(ctx context.Context, issue *models.Issue) error
	GetIssue(ctx context.Context, userID, id string) (*models.Issue, error)
	ListIssues(ctx context.Context, userID string) ([]*models.Issue, error)
	UpdateIssue(ctx context.Context, userID, id string, patch IssuePatch) (*models.Issue, error)
	DeleteIssue(ctx context.Context, userID, id string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
