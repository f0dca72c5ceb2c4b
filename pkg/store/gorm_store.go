package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/LittleThigas/fatalzera/pkg/domain"
)

const (
	migrateLockID  int64 = 73217321
	registerLockID int64 = 73217322

	defaultLogLimit = 50
)

// pgUniqueViolation is the SQLSTATE for unique constraint failures.
const pgUniqueViolation = "23505"

type GormStoreOptions struct {
	DatabaseName string
}

type GormStoreOption func(*GormStoreOptions)

// WithDatabaseName overrides the database named in the DSN.
func WithDatabaseName(name string) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.DatabaseName = name
	}
}

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string, options ...GormStoreOption) (*GormStore, error) {
	opts := GormStoreOptions{}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}
	dsn, err := applyDatabaseName(dsn, opts.DatabaseName)
	if err != nil {
		return nil, err
	}

	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &ProjectModel{}, &ImageModel{}, &AuditLogModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db, now: time.Now}, nil
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks database connectivity.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// GetUserByEmail looks up a user by normalized email.
func (s *GormStore) GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).Where("email = ?", NormalizeEmail(email)).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(ctx context.Context, id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// CreateUser inserts a user as given. The unique email index decides duplicates.
func (s *GormStore) CreateUser(ctx context.Context, u domain.User) (domain.User, error) {
	u = s.prepareUser(u)
	model := userToModel(u)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.User{}, translateWriteError(err)
	}
	return userFromModel(model), nil
}

// RegisterUser counts existing users and inserts under one transaction-scoped
// advisory lock, so exactly one concurrent first registration becomes admin.
func (s *GormStore) RegisterUser(ctx context.Context, u domain.User) (domain.User, error) {
	u = s.prepareUser(u)
	model := userToModel(u)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", registerLockID).Error; err != nil {
			return fmt.Errorf("acquire register lock: %w", err)
		}
		var count int64
		if err := tx.Model(&UserModel{}).Count(&count).Error; err != nil {
			return fmt.Errorf("count users: %w", err)
		}
		model.Role = string(roleForCount(count))
		if err := tx.Create(&model).Error; err != nil {
			return translateWriteError(err)
		}
		return nil
	})
	if err != nil {
		return domain.User{}, err
	}
	return userFromModel(model), nil
}

// CountUsers returns number of users.
func (s *GormStore) CountUsers(ctx context.Context) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&UserModel{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// ListProjects returns projects newest first.
func (s *GormStore) ListProjects(ctx context.Context, publishedOnly bool) ([]domain.Project, error) {
	var models []ProjectModel
	tx := s.db.WithContext(ctx).Order("created_at DESC")
	if publishedOnly {
		tx = tx.Where("published = ?", true)
	}
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Project, 0, len(models))
	for _, m := range models {
		res = append(res, projectFromModel(m))
	}
	return res, nil
}

// GetProject retrieves a project. Unpublished projects are hidden when publishedOnly is set.
func (s *GormStore) GetProject(ctx context.Context, id string, publishedOnly bool) (domain.Project, error) {
	var model ProjectModel
	tx := s.db.WithContext(ctx).Where("id = ?", id)
	if publishedOnly {
		tx = tx.Where("published = ?", true)
	}
	if err := tx.First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Project{}, ErrNotFound
		}
		return domain.Project{}, err
	}
	return projectFromModel(model), nil
}

// CreateProject assigns id and timestamps and inserts the project.
func (s *GormStore) CreateProject(ctx context.Context, p domain.Project) (domain.Project, error) {
	now := s.now().UTC()
	p.ID = uuid.NewString()
	p.CreatedAt = now
	p.UpdatedAt = now
	if p.Tags == nil {
		p.Tags = []string{}
	}
	p.Images = []string{}
	model := projectToModel(p)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.Project{}, err
	}
	return projectFromModel(model), nil
}

// UpdateProject replaces the editable fields and refreshes updated_at.
func (s *GormStore) UpdateProject(ctx context.Context, id string, fields domain.ProjectFields) (domain.Project, error) {
	tags := fields.Tags
	if tags == nil {
		tags = []string{}
	}
	var model ProjectModel
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&ProjectModel{}).
			Where("id = ?", id).
			Updates(map[string]any{
				"title":         fields.Title,
				"description":   fields.Description,
				"tags":          marshalJSON(tags),
				"cover_image":   fields.CoverImage,
				"external_link": fields.ExternalLink,
				"published":     fields.Published,
				"updated_at":    s.now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.First(&model, "id = ?", id).Error
	})
	if err != nil {
		return domain.Project{}, err
	}
	return projectFromModel(model), nil
}

// DeleteProject removes a project.
func (s *GormStore) DeleteProject(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&ProjectModel{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateImage records image metadata.
func (s *GormStore) CreateImage(ctx context.Context, img domain.Image) (domain.Image, error) {
	if img.ID == "" {
		img.ID = uuid.NewString()
	}
	if img.UploadedAt.IsZero() {
		img.UploadedAt = s.now().UTC()
	}
	model := imageToModel(img)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.Image{}, err
	}
	return imageFromModel(model), nil
}

// ListImages returns images newest first.
func (s *GormStore) ListImages(ctx context.Context) ([]domain.Image, error) {
	var models []ImageModel
	if err := s.db.WithContext(ctx).Order("uploaded_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Image, 0, len(models))
	for _, m := range models {
		res = append(res, imageFromModel(m))
	}
	return res, nil
}

// AppendLog inserts one audit entry.
func (s *GormStore) AppendLog(ctx context.Context, entry domain.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = newLogID()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now().UTC()
	}
	model := auditToModel(entry)
	return s.db.WithContext(ctx).Create(&model).Error
}

// logOrder breaks timestamp ties on the time-ordered id.
const logOrder = "timestamp DESC, id DESC"

// ListLogs returns the newest entries first.
func (s *GormStore) ListLogs(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = defaultLogLimit
	}
	var models []AuditLogModel
	if err := s.db.WithContext(ctx).Order(logOrder).Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.AuditEntry, 0, len(models))
	for _, m := range models {
		res = append(res, auditFromModel(m))
	}
	return res, nil
}

func (s *GormStore) prepareUser(u domain.User) domain.User {
	u.ID = uuid.NewString()
	u.Email = NormalizeEmail(u.Email)
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now().UTC()
	}
	return u
}

func translateWriteError(err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateEmail
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return ErrDuplicateEmail
	}
	return err
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:            u.ID,
		Email:         u.Email,
		Name:          u.Name,
		PasswordHash:  u.PasswordHash,
		Role:          string(u.Role),
		VerifiedEmail: u.VerifiedEmail,
		CreatedAt:     u.CreatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:            m.ID,
		Email:         m.Email,
		Name:          m.Name,
		PasswordHash:  m.PasswordHash,
		Role:          domain.UserRole(m.Role),
		VerifiedEmail: m.VerifiedEmail,
		CreatedAt:     m.CreatedAt,
	}
}

func projectToModel(p domain.Project) ProjectModel {
	return ProjectModel{
		ID:           p.ID,
		Title:        p.Title,
		Description:  p.Description,
		Tags:         marshalJSON(p.Tags),
		CoverImage:   p.CoverImage,
		ExternalLink: p.ExternalLink,
		Published:    p.Published,
		Images:       marshalJSON(p.Images),
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	}
}

func projectFromModel(m ProjectModel) domain.Project {
	tags := []string{}
	if len(m.Tags) > 0 {
		_ = json.Unmarshal(m.Tags, &tags)
	}
	images := []string{}
	if len(m.Images) > 0 {
		_ = json.Unmarshal(m.Images, &images)
	}
	return domain.Project{
		ID:           m.ID,
		Title:        m.Title,
		Description:  m.Description,
		Tags:         tags,
		CoverImage:   m.CoverImage,
		ExternalLink: m.ExternalLink,
		Published:    m.Published,
		Images:       images,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func imageToModel(img domain.Image) ImageModel {
	return ImageModel{
		ID:               img.ID,
		Filename:         img.Filename,
		OriginalFilename: img.OriginalFilename,
		URL:              img.URL,
		AltText:          img.AltText,
		Size:             img.Size,
		OwnerID:          img.OwnerID,
		UploadedAt:       img.UploadedAt,
	}
}

func imageFromModel(m ImageModel) domain.Image {
	return domain.Image{
		ID:               m.ID,
		Filename:         m.Filename,
		OriginalFilename: m.OriginalFilename,
		URL:              m.URL,
		AltText:          m.AltText,
		Size:             m.Size,
		OwnerID:          m.OwnerID,
		UploadedAt:       m.UploadedAt,
	}
}

func auditToModel(entry domain.AuditEntry) AuditLogModel {
	details := entry.Details
	if details == nil {
		details = map[string]any{}
	}
	return AuditLogModel{
		ID:        entry.ID,
		Action:    entry.Action,
		UserID:    entry.UserID,
		Details:   marshalJSON(details),
		Timestamp: entry.Timestamp,
	}
}

func auditFromModel(m AuditLogModel) domain.AuditEntry {
	details := map[string]any{}
	if len(m.Details) > 0 {
		_ = json.Unmarshal(m.Details, &details)
	}
	return domain.AuditEntry{
		ID:        m.ID,
		Action:    m.Action,
		UserID:    m.UserID,
		Details:   details,
		Timestamp: m.Timestamp,
	}
}

func marshalJSON(v any) datatypes.JSON {
	raw, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON("null")
	}
	return datatypes.JSON(raw)
}

// NormalizeEmail lower-cases and trims an address for storage and lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func roleForCount(count int64) domain.UserRole {
	if count == 0 {
		return domain.RoleAdmin
	}
	return domain.RoleUser
}

func newLogID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
