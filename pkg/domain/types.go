package domain

import "time"

type UserRole string

const (
	RoleUser  UserRole = "user"
	RoleAdmin UserRole = "admin"
)

type User struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	Name          string    `json:"name"`
	PasswordHash  string    `json:"-"`
	Role          UserRole  `json:"role"`
	VerifiedEmail bool      `json:"verified_email"`
	CreatedAt     time.Time `json:"created_at"`
}

// IsAdmin reports whether the user holds the admin role.
func (u User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

type Project struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	Tags         []string  `json:"tags"`
	CoverImage   *string   `json:"cover_image"`
	ExternalLink *string   `json:"external_link"`
	Published    bool      `json:"published"`
	Images       []string  `json:"images"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ProjectFields are the admin-editable parts of a project.
type ProjectFields struct {
	Title        string
	Description  string
	Tags         []string
	CoverImage   *string
	ExternalLink *string
	Published    bool
}

type Image struct {
	ID               string    `json:"id"`
	Filename         string    `json:"filename"`
	OriginalFilename string    `json:"original_filename"`
	URL              string    `json:"url"`
	AltText          string    `json:"alt_text"`
	Size             int64     `json:"size"`
	UploadedAt       time.Time `json:"uploaded_at"`
	OwnerID          string    `json:"owner_id"`
}

type AuditEntry struct {
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	UserID    string         `json:"user_id"`
	Details   map[string]any `json:"details"`
	Timestamp time.Time      `json:"timestamp"`
}
