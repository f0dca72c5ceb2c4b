package store

import (
	"context"
	"errors"

	"github.com/LittleThigas/fatalzera/pkg/domain"
)

var (
	// ErrNotFound is returned when a record does not exist or is not visible.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateEmail is returned when a user email is already registered.
	ErrDuplicateEmail = errors.New("email already registered")
)

// Store defines persistence operations for users, projects, images and audit entries.
type Store interface {
	// users
	GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error)
	GetUserByID(ctx context.Context, id string) (domain.User, bool, error)
	CreateUser(ctx context.Context, u domain.User) (domain.User, error)
	RegisterUser(ctx context.Context, u domain.User) (domain.User, error)
	CountUsers(ctx context.Context) (int, error)

	// projects
	ListProjects(ctx context.Context, publishedOnly bool) ([]domain.Project, error)
	GetProject(ctx context.Context, id string, publishedOnly bool) (domain.Project, error)
	CreateProject(ctx context.Context, p domain.Project) (domain.Project, error)
	UpdateProject(ctx context.Context, id string, fields domain.ProjectFields) (domain.Project, error)
	DeleteProject(ctx context.Context, id string) error

	// images
	CreateImage(ctx context.Context, img domain.Image) (domain.Image, error)
	ListImages(ctx context.Context) ([]domain.Image, error)

	// audit
	AppendLog(ctx context.Context, entry domain.AuditEntry) error
	ListLogs(ctx context.Context, limit int) ([]domain.AuditEntry, error)
}
