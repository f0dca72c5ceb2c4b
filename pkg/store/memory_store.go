package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LittleThigas/fatalzera/pkg/domain"
)

// MemoryStore keeps everything in-process. It backs tests and local runs
// without a database.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]domain.User // key: user ID
	email    map[string]string      // normalized email -> user ID
	projects map[string]domain.Project
	order    []string // project IDs in insertion order
	images   []domain.Image
	logs     []domain.AuditEntry
	now      func() time.Time
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]domain.User),
		email:    make(map[string]string),
		projects: make(map[string]domain.Project),
		now:      time.Now,
	}
}

// GetUserByEmail looks up a user by normalized email.
func (m *MemoryStore) GetUserByEmail(_ context.Context, email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.email[NormalizeEmail(email)]
	if !ok {
		return domain.User{}, false, nil
	}
	u, ok := m.users[id]
	return u, ok, nil
}

// GetUserByID returns a user by ID.
func (m *MemoryStore) GetUserByID(_ context.Context, id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

// CreateUser inserts a user with the role it carries.
func (m *MemoryStore) CreateUser(_ context.Context, u domain.User) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertUserLocked(u)
}

// RegisterUser assigns admin to the first user and user to every later one.
func (m *MemoryStore) RegisterUser(_ context.Context, u domain.User) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u.Role = roleForCount(int64(len(m.users)))
	return m.insertUserLocked(u)
}

func (m *MemoryStore) insertUserLocked(u domain.User) (domain.User, error) {
	u.Email = NormalizeEmail(u.Email)
	if _, exists := m.email[u.Email]; exists {
		return domain.User{}, ErrDuplicateEmail
	}
	u.ID = uuid.NewString()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = m.now().UTC()
	}
	m.users[u.ID] = u
	m.email[u.Email] = u.ID
	return u, nil
}

// CountUsers returns number of users.
func (m *MemoryStore) CountUsers(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users), nil
}

// ListProjects returns projects newest first.
func (m *MemoryStore) ListProjects(_ context.Context, publishedOnly bool) ([]domain.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Project, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		p, ok := m.projects[m.order[i]]
		if !ok || (publishedOnly && !p.Published) {
			continue
		}
		res = append(res, cloneProject(p))
	}
	return res, nil
}

// GetProject retrieves a project. Unpublished projects are hidden when publishedOnly is set.
func (m *MemoryStore) GetProject(_ context.Context, id string, publishedOnly bool) (domain.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	if !ok || (publishedOnly && !p.Published) {
		return domain.Project{}, ErrNotFound
	}
	return cloneProject(p), nil
}

// CreateProject assigns id and timestamps and stores the project.
func (m *MemoryStore) CreateProject(_ context.Context, p domain.Project) (domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	p = cloneProject(p)
	p.ID = uuid.NewString()
	p.Images = []string{}
	p.CreatedAt = now
	p.UpdatedAt = now
	m.projects[p.ID] = p
	m.order = append(m.order, p.ID)
	return cloneProject(p), nil
}

// UpdateProject replaces the editable fields and refreshes updated_at.
func (m *MemoryStore) UpdateProject(_ context.Context, id string, fields domain.ProjectFields) (domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return domain.Project{}, ErrNotFound
	}
	p.Title = fields.Title
	p.Description = fields.Description
	p.Tags = append([]string{}, fields.Tags...)
	p.CoverImage = cloneString(fields.CoverImage)
	p.ExternalLink = cloneString(fields.ExternalLink)
	p.Published = fields.Published
	p.UpdatedAt = m.now().UTC()
	m.projects[id] = p
	return cloneProject(p), nil
}

// DeleteProject removes a project.
func (m *MemoryStore) DeleteProject(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[id]; !ok {
		return ErrNotFound
	}
	delete(m.projects, id)
	filtered := m.order[:0]
	for _, item := range m.order {
		if item != id {
			filtered = append(filtered, item)
		}
	}
	m.order = filtered
	return nil
}

// CreateImage records image metadata.
func (m *MemoryStore) CreateImage(_ context.Context, img domain.Image) (domain.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if img.ID == "" {
		img.ID = uuid.NewString()
	}
	if img.UploadedAt.IsZero() {
		img.UploadedAt = m.now().UTC()
	}
	m.images = append(m.images, img)
	return img, nil
}

// ListImages returns images newest first.
func (m *MemoryStore) ListImages(context.Context) ([]domain.Image, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Image, 0, len(m.images))
	for i := len(m.images) - 1; i >= 0; i-- {
		res = append(res, m.images[i])
	}
	return res, nil
}

// AppendLog records one audit entry.
func (m *MemoryStore) AppendLog(_ context.Context, entry domain.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.ID == "" {
		entry.ID = newLogID()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = m.now().UTC()
	}
	entry.Details = cloneDetails(entry.Details)
	m.logs = append(m.logs, entry)
	return nil
}

// ListLogs returns up to limit entries, newest first.
func (m *MemoryStore) ListLogs(_ context.Context, limit int) ([]domain.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = defaultLogLimit
	}
	res := make([]domain.AuditEntry, 0, min(limit, len(m.logs)))
	for i := len(m.logs) - 1; i >= 0 && len(res) < limit; i-- {
		entry := m.logs[i]
		entry.Details = cloneDetails(entry.Details)
		res = append(res, entry)
	}
	return res, nil
}

func cloneProject(p domain.Project) domain.Project {
	p.Tags = append([]string{}, p.Tags...)
	p.Images = append([]string{}, p.Images...)
	p.CoverImage = cloneString(p.CoverImage)
	p.ExternalLink = cloneString(p.ExternalLink)
	return p
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func cloneDetails(details map[string]any) map[string]any {
	out := make(map[string]any, len(details))
	for k, v := range details {
		out[k] = v
	}
	return out
}
