package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/mail"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/LittleThigas/fatalzera/pkg/audit"
	"github.com/LittleThigas/fatalzera/pkg/auth"
	"github.com/LittleThigas/fatalzera/pkg/domain"
	"github.com/LittleThigas/fatalzera/pkg/mq"
	"github.com/LittleThigas/fatalzera/pkg/storage"
	"github.com/LittleThigas/fatalzera/pkg/store"
)

const (
	// UploadURLPrefix is the public path uploaded content is served under.
	UploadURLPrefix = "/uploads/"

	defaultMaxUploadBytes = 10 << 20
)

// storageExtPattern bounds the extension carried into generated storage names.
var storageExtPattern = regexp.MustCompile(`^\.[a-z0-9]{1,16}$`)

// Config holds runtime configuration for the core application. Zero-valued
// collaborators are built from the connection settings.
type Config struct {
	DatabaseURL  string
	DatabaseName string

	SecretKey  string
	Algorithm  string
	TokenTTL   time.Duration
	BcryptCost int

	UploadsDir        string
	MaxUploadBytes    int64
	AllowedExtensions []string
	MinioEndpoint     string
	MinioAccessKey    string
	MinioSecretKey    string
	MinioBucket       string
	MinioUseSSL       bool

	AMQPURL        string
	AuditExchange  string
	AuditQueueSize int

	Logger *slog.Logger

	Store   store.Store
	Content storage.ContentStore
	Tokens  *auth.TokenIssuer
	Audit   *audit.Writer
}

// App composes the stores, credential service and audit writer into use cases.
type App struct {
	store      store.Store
	content    storage.ContentStore
	tokens     *auth.TokenIssuer
	audit      *audit.Writer
	logger     *slog.Logger
	tokenTTL   time.Duration
	bcryptCost int
	maxUpload  int64
	allowedExt map[string]struct{}

	// dummyHash keeps login timing similar for unknown emails.
	dummyHash string
	closers   []func() error
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{
		logger:     logger,
		tokenTTL:   cfg.TokenTTL,
		bcryptCost: cfg.BcryptCost,
		maxUpload:  cfg.MaxUploadBytes,
		allowedExt: make(map[string]struct{}, len(cfg.AllowedExtensions)),
	}
	if a.tokenTTL <= 0 {
		a.tokenTTL = auth.DefaultTokenTTL
	}
	if a.maxUpload <= 0 {
		a.maxUpload = defaultMaxUploadBytes
	}
	for _, ext := range cfg.AllowedExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		a.allowedExt[ext] = struct{}{}
	}

	if err := a.initStore(cfg); err != nil {
		return nil, err
	}
	if err := a.initContent(cfg); err != nil {
		a.closeAll()
		return nil, err
	}

	a.tokens = cfg.Tokens
	if a.tokens == nil {
		tokens, err := auth.NewTokenIssuer(cfg.SecretKey, cfg.Algorithm)
		if err != nil {
			a.closeAll()
			return nil, fmt.Errorf("init token issuer: %w", err)
		}
		a.tokens = tokens
	}

	dummy, err := auth.HashPasswordWithCost(uuid.NewString(), a.bcryptCost)
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("init password hasher: %w", err)
	}
	a.dummyHash = dummy

	if err := a.initAudit(cfg); err != nil {
		a.closeAll()
		return nil, err
	}
	return a, nil
}

func (a *App) initStore(cfg Config) error {
	if cfg.Store != nil {
		a.store = cfg.Store
		return nil
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		a.logger.Warn("no database configured, using in-memory store")
		a.store = store.NewMemoryStore()
		return nil
	}
	gs, err := store.NewGormStore(cfg.DatabaseURL, store.WithDatabaseName(cfg.DatabaseName))
	if err != nil {
		return fmt.Errorf("init postgres store: %w", err)
	}
	a.store = gs
	a.closers = append(a.closers, gs.Close)
	return nil
}

func (a *App) initContent(cfg Config) error {
	if cfg.Content != nil {
		a.content = cfg.Content
		return nil
	}
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		ms, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			return fmt.Errorf("init object storage: %w", err)
		}
		a.content = ms
		return nil
	}
	fs, err := storage.NewFileStore(cfg.UploadsDir)
	if err != nil {
		return fmt.Errorf("init file storage: %w", err)
	}
	a.content = fs
	return nil
}

func (a *App) initAudit(cfg Config) error {
	if cfg.Audit != nil {
		a.audit = cfg.Audit
		return nil
	}
	sinks := []audit.Sink{audit.StoreSink{Store: a.store}}
	if strings.TrimSpace(cfg.AMQPURL) != "" {
		pub, err := mq.NewPublisher(cfg.AMQPURL, cfg.AuditExchange)
		if err != nil {
			return fmt.Errorf("init audit publisher: %w", err)
		}
		sinks = append(sinks, audit.PublisherSink{Publisher: pub})
		a.closers = append(a.closers, pub.Close)
	}
	a.audit = audit.NewWriter(audit.Config{
		Sinks:     sinks,
		QueueSize: cfg.AuditQueueSize,
		Logger:    a.logger,
	})
	return nil
}

// FlushAudit waits until every audit entry recorded so far has been written.
func (a *App) FlushAudit(ctx context.Context) error {
	return a.audit.Flush(ctx)
}

// Close drains the audit writer and releases owned connections.
func (a *App) Close(ctx context.Context) error {
	err := a.audit.Close(ctx)
	if cerr := a.closeAll(); err == nil {
		err = cerr
	}
	return err
}

func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Ping checks the backing store when it supports a connectivity check.
func (a *App) Ping(ctx context.Context) error {
	if p, ok := a.store.(pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// RegisterInput is the payload for Register.
type RegisterInput struct {
	Email    string
	Name     string
	Password string
}

// Register creates an account. The first account ever registered is admin.
func (a *App) Register(ctx context.Context, in RegisterInput) (domain.User, error) {
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return domain.User{}, err
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return domain.User{}, invalid("name", "is required")
	}
	if in.Password == "" {
		return domain.User{}, invalid("password", "is required")
	}
	hash, err := auth.HashPasswordWithCost(in.Password, a.bcryptCost)
	if err != nil {
		if errors.Is(err, auth.ErrPasswordTooLong) {
			return domain.User{}, invalid("password", "must be at most 72 bytes")
		}
		return domain.User{}, fmt.Errorf("hash password: %w", err)
	}

	// Cheap pre-check; the store's unique index stays authoritative.
	if _, ok, err := a.store.GetUserByEmail(ctx, email); err != nil {
		return domain.User{}, fmt.Errorf("fetch user: %w", err)
	} else if ok {
		return domain.User{}, store.ErrDuplicateEmail
	}

	user, err := a.store.RegisterUser(ctx, domain.User{
		Email:         email,
		Name:          name,
		PasswordHash:  hash,
		VerifiedEmail: false,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateEmail) {
			return domain.User{}, err
		}
		return domain.User{}, fmt.Errorf("create user: %w", err)
	}
	a.audit.Record(audit.ActionUserRegistered, user.ID, map[string]any{
		"email": user.Email,
		"role":  string(user.Role),
	})
	return user, nil
}

// Login checks credentials and issues an access token.
func (a *App) Login(ctx context.Context, email, password string) (string, domain.User, error) {
	email = store.NormalizeEmail(email)
	if email == "" || password == "" {
		return "", domain.User{}, invalid("", "email and password are required")
	}
	user, ok, err := a.store.GetUserByEmail(ctx, email)
	if err != nil {
		return "", domain.User{}, fmt.Errorf("fetch user: %w", err)
	}
	if !ok {
		auth.CheckPassword(password, a.dummyHash)
		return "", domain.User{}, ErrInvalidCredentials
	}
	if !auth.CheckPassword(password, user.PasswordHash) {
		return "", domain.User{}, ErrInvalidCredentials
	}
	token, err := a.tokens.Issue(user.Email, a.tokenTTL)
	if err != nil {
		return "", domain.User{}, fmt.Errorf("issue token: %w", err)
	}
	a.audit.Record(audit.ActionUserLogin, user.ID, nil)
	return token, user, nil
}

// Authenticate resolves a bearer token to its user. A valid token whose
// subject no longer exists is rejected the same way as a bad token.
func (a *App) Authenticate(ctx context.Context, token string) (domain.User, error) {
	claims, err := a.tokens.Verify(token)
	if err != nil {
		return domain.User{}, auth.ErrInvalidToken
	}
	user, ok, err := a.store.GetUserByEmail(ctx, claims.Subject)
	if err != nil {
		return domain.User{}, fmt.Errorf("fetch user: %w", err)
	}
	if !ok {
		return domain.User{}, auth.ErrInvalidToken
	}
	return user, nil
}

// ProjectInput is the admin-supplied project payload. Description and
// Published are pointers so absence can be told apart from zero values.
type ProjectInput struct {
	Title        string
	Description  *string
	Tags         []string
	CoverImage   *string
	ExternalLink *string
	Published    *bool
}

func (in ProjectInput) fields() (domain.ProjectFields, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return domain.ProjectFields{}, invalid("title", "is required")
	}
	if in.Description == nil {
		return domain.ProjectFields{}, invalid("description", "is required")
	}
	tags := make([]string, 0, len(in.Tags))
	for _, tag := range in.Tags {
		if tag = strings.TrimSpace(tag); tag != "" {
			tags = append(tags, tag)
		}
	}
	published := true
	if in.Published != nil {
		published = *in.Published
	}
	return domain.ProjectFields{
		Title:        title,
		Description:  *in.Description,
		Tags:         tags,
		CoverImage:   optionalString(in.CoverImage),
		ExternalLink: optionalString(in.ExternalLink),
		Published:    published,
	}, nil
}

// ListProjects returns projects newest first.
func (a *App) ListProjects(ctx context.Context, publishedOnly bool) ([]domain.Project, error) {
	projects, err := a.store.ListProjects(ctx, publishedOnly)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return projects, nil
}

// GetProject returns one project; store.ErrNotFound when missing or hidden.
func (a *App) GetProject(ctx context.Context, id string, publishedOnly bool) (domain.Project, error) {
	p, err := a.store.GetProject(ctx, id, publishedOnly)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Project{}, err
		}
		return domain.Project{}, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

// CreateProject stores a new project on behalf of an admin.
func (a *App) CreateProject(ctx context.Context, actor domain.User, in ProjectInput) (domain.Project, error) {
	f, err := in.fields()
	if err != nil {
		return domain.Project{}, err
	}
	p, err := a.store.CreateProject(ctx, domain.Project{
		Title:        f.Title,
		Description:  f.Description,
		Tags:         f.Tags,
		CoverImage:   f.CoverImage,
		ExternalLink: f.ExternalLink,
		Published:    f.Published,
	})
	if err != nil {
		return domain.Project{}, fmt.Errorf("create project: %w", err)
	}
	a.audit.Record(audit.ActionProjectCreated, actor.ID, map[string]any{
		"project_id": p.ID,
		"title":      p.Title,
	})
	return p, nil
}

// UpdateProject replaces a project's editable fields.
func (a *App) UpdateProject(ctx context.Context, actor domain.User, id string, in ProjectInput) (domain.Project, error) {
	f, err := in.fields()
	if err != nil {
		return domain.Project{}, err
	}
	p, err := a.store.UpdateProject(ctx, id, f)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Project{}, err
		}
		return domain.Project{}, fmt.Errorf("update project: %w", err)
	}
	a.audit.Record(audit.ActionProjectUpdated, actor.ID, map[string]any{
		"project_id": p.ID,
		"title":      p.Title,
	})
	return p, nil
}

// DeleteProject removes a project.
func (a *App) DeleteProject(ctx context.Context, actor domain.User, id string) error {
	if err := a.store.DeleteProject(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return err
		}
		return fmt.Errorf("delete project: %w", err)
	}
	a.audit.Record(audit.ActionProjectDeleted, actor.ID, map[string]any{
		"project_id": id,
	})
	return nil
}

// UploadInput describes one uploaded file.
type UploadInput struct {
	OriginalFilename string
	AltText          string
	ContentType      string
	Size             int64
	Body             io.Reader
}

// MaxUploadBytes is the largest accepted upload.
func (a *App) MaxUploadBytes() int64 {
	return a.maxUpload
}

// UploadImage stores content under a fresh generated name and records its
// metadata. The caller's filename is kept only as metadata.
func (a *App) UploadImage(ctx context.Context, actor domain.User, in UploadInput) (domain.Image, error) {
	original := strings.TrimSpace(in.OriginalFilename)
	if original == "" {
		return domain.Image{}, invalid("file", "filename is required")
	}
	if in.Body == nil {
		return domain.Image{}, invalid("file", "is required")
	}
	if in.Size > a.maxUpload {
		return domain.Image{}, ErrUploadTooLarge
	}
	ext := strings.ToLower(filepath.Ext(original))
	if ext != "" && !storageExtPattern.MatchString(ext) {
		return domain.Image{}, invalid("file", "unsupported file extension")
	}
	if len(a.allowedExt) > 0 {
		if _, ok := a.allowedExt[ext]; !ok {
			return domain.Image{}, invalid("file", fmt.Sprintf("unsupported file type %q", ext))
		}
	}

	name := uuid.NewString() + ext
	contentType := in.ContentType
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = storage.ContentTypeFor(name)
	}
	size := in.Size
	if size <= 0 {
		size = -1
	}
	written, err := a.content.Put(ctx, name, io.LimitReader(in.Body, a.maxUpload+1), size, contentType)
	if err != nil {
		return domain.Image{}, fmt.Errorf("store upload: %w", err)
	}
	if written > a.maxUpload {
		a.discardContent(name)
		return domain.Image{}, ErrUploadTooLarge
	}

	img, err := a.store.CreateImage(ctx, domain.Image{
		Filename:         name,
		OriginalFilename: original,
		URL:              UploadURLPrefix + name,
		AltText:          strings.TrimSpace(in.AltText),
		Size:             written,
		OwnerID:          actor.ID,
	})
	if err != nil {
		a.discardContent(name)
		return domain.Image{}, fmt.Errorf("save image metadata: %w", err)
	}
	a.audit.Record(audit.ActionImageUploaded, actor.ID, map[string]any{
		"filename": img.Filename,
		"size":     img.Size,
	})
	return img, nil
}

func (a *App) discardContent(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.content.Delete(ctx, name); err != nil {
		a.logger.Warn("upload_cleanup_failed", "filename", name, "err", err)
	}
}

// ListImages returns image metadata newest first.
func (a *App) ListImages(ctx context.Context) ([]domain.Image, error) {
	images, err := a.store.ListImages(ctx)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	return images, nil
}

// ListLogs returns up to limit audit entries newest first.
func (a *App) ListLogs(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	logs, err := a.store.ListLogs(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	return logs, nil
}

// OpenUpload opens stored content by generated filename.
func (a *App) OpenUpload(ctx context.Context, filename string) (io.ReadSeekCloser, storage.ObjectInfo, error) {
	return a.content.Open(ctx, filename)
}

func normalizeEmail(raw string) (string, error) {
	email := store.NormalizeEmail(raw)
	if email == "" {
		return "", invalid("email", "is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || !strings.Contains(email[strings.LastIndex(email, "@"):], ".") {
		return "", invalid("email", "is not a valid address")
	}
	return email, nil
}

func optionalString(v *string) *string {
	if v == nil {
		return nil
	}
	s := strings.TrimSpace(*v)
	if s == "" {
		return nil
	}
	return &s
}
