package app

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/LittleThigas/fatalzera/pkg/auth"
	"github.com/LittleThigas/fatalzera/pkg/domain"
	"github.com/LittleThigas/fatalzera/pkg/storage"
	"github.com/LittleThigas/fatalzera/pkg/store"
)

type failingImageStore struct {
	store.Store
}

func (failingImageStore) CreateImage(context.Context, domain.Image) (domain.Image, error) {
	return domain.Image{}, errors.New("disk full")
}

func newTestApp(t *testing.T, cfg Config) (*App, string) {
	t.Helper()
	dir := t.TempDir()
	if cfg.Store == nil {
		cfg.Store = store.NewMemoryStore()
	}
	if cfg.Content == nil {
		content, err := storage.NewFileStore(dir)
		if err != nil {
			t.Fatalf("new file store: %v", err)
		}
		cfg.Content = content
	}
	if cfg.SecretKey == "" {
		cfg.SecretKey = "test-secret"
	}
	cfg.BcryptCost = bcrypt.MinCost
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a, dir
}

func flush(t *testing.T, a *App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.FlushAudit(ctx); err != nil {
		t.Fatalf("flush audit: %v", err)
	}
}

func strPtr(s string) *string { return &s }

func TestConcurrentRegistrationYieldsOneAdmin(t *testing.T) {
	a, _ := newTestApp(t, Config{})
	ctx := context.Background()

	const n = 16
	var wg sync.WaitGroup
	roles := make(chan domain.UserRole, n)
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			u, err := a.Register(ctx, RegisterInput{
				Email:    "user" + string(rune('a'+i)) + "@example.com",
				Name:     "User",
				Password: "pw",
			})
			if err != nil {
				t.Errorf("register %d: %v", i, err)
				return
			}
			roles <- u.Role
		}(i)
	}
	wg.Wait()
	close(roles)

	admins := 0
	for role := range roles {
		if role == domain.RoleAdmin {
			admins++
		}
	}
	if admins != 1 {
		t.Fatalf("expected exactly one admin, got %d", admins)
	}
}

func TestRegisterRejectsDuplicateEmail(t *testing.T) {
	a, _ := newTestApp(t, Config{})
	ctx := context.Background()
	if _, err := a.Register(ctx, RegisterInput{Email: "a@example.com", Name: "A", Password: "pw"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err := a.Register(ctx, RegisterInput{Email: " A@EXAMPLE.com ", Name: "A", Password: "pw"})
	if !errors.Is(err, store.ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	a, _ := newTestApp(t, Config{})
	cases := []RegisterInput{
		{Email: "", Name: "A", Password: "pw"},
		{Email: "a@localhost", Name: "A", Password: "pw"},
		{Email: "Bob <a@example.com>", Name: "A", Password: "pw"},
		{Email: "a@example.com", Name: "", Password: "pw"},
		{Email: "a@example.com", Name: "A", Password: ""},
	}
	for _, in := range cases {
		_, err := a.Register(context.Background(), in)
		var verr *ValidationError
		if !errors.As(err, &verr) || !errors.Is(err, ErrValidation) {
			t.Fatalf("%+v: expected validation error, got %v", in, err)
		}
	}
}

func TestLoginAndAuthenticate(t *testing.T) {
	tokens, err := auth.NewTokenIssuer("test-secret", "HS256")
	if err != nil {
		t.Fatalf("new token issuer: %v", err)
	}
	a, _ := newTestApp(t, Config{Tokens: tokens})
	ctx := context.Background()
	registered, err := a.Register(ctx, RegisterInput{Email: "a@example.com", Name: "A", Password: "pw"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	token, user, err := a.Login(ctx, "A@example.com", "pw")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if user.ID != registered.ID {
		t.Fatalf("login returned wrong user")
	}
	got, err := a.Authenticate(ctx, token)
	if err != nil || got.ID != registered.ID {
		t.Fatalf("authenticate: %v %+v", err, got)
	}

	if _, _, err := a.Login(ctx, "a@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password: expected ErrInvalidCredentials, got %v", err)
	}
	if _, _, err := a.Login(ctx, "ghost@example.com", "pw"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown email: expected ErrInvalidCredentials, got %v", err)
	}

	orphan, err := tokens.Issue("ghost@example.com", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := a.Authenticate(ctx, orphan); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("token for unknown user: expected ErrInvalidToken, got %v", err)
	}
}

func TestProjectInputNormalization(t *testing.T) {
	a, _ := newTestApp(t, Config{})
	ctx := context.Background()
	admin := domain.User{ID: "admin-1", Role: domain.RoleAdmin}

	p, err := a.CreateProject(ctx, admin, ProjectInput{
		Title:        "  Site ",
		Description:  strPtr(""),
		Tags:         []string{" go ", ""},
		CoverImage:   strPtr("  "),
		ExternalLink: strPtr("https://example.com"),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if p.Title != "Site" || !p.Published || p.CoverImage != nil {
		t.Fatalf("unexpected project %+v", p)
	}
	if len(p.Tags) != 1 || p.Tags[0] != "go" {
		t.Fatalf("unexpected tags %v", p.Tags)
	}

	if _, err := a.CreateProject(ctx, admin, ProjectInput{Title: "x"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("missing description: expected validation error, got %v", err)
	}
	if _, err := a.UpdateProject(ctx, admin, "missing", ProjectInput{Title: "x", Description: strPtr("")}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("update missing: expected ErrNotFound, got %v", err)
	}
	if err := a.DeleteProject(ctx, admin, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("delete missing: expected ErrNotFound, got %v", err)
	}
}

func TestUploadImageEnforcesSizeWhileStreaming(t *testing.T) {
	a, dir := newTestApp(t, Config{MaxUploadBytes: 8})
	admin := domain.User{ID: "admin-1", Role: domain.RoleAdmin}

	// Size unknown up front, so only the stream reveals the overflow.
	_, err := a.UploadImage(context.Background(), admin, UploadInput{
		OriginalFilename: "a.png",
		Body:             bytes.NewReader(bytes.Repeat([]byte("x"), 9)),
	})
	if !errors.Is(err, ErrUploadTooLarge) {
		t.Fatalf("expected ErrUploadTooLarge, got %v", err)
	}
	assertEmptyDir(t, dir)

	img, err := a.UploadImage(context.Background(), admin, UploadInput{
		OriginalFilename: "a.png",
		Body:             bytes.NewReader(bytes.Repeat([]byte("x"), 8)),
	})
	if err != nil {
		t.Fatalf("upload at limit: %v", err)
	}
	if img.Size != 8 || img.OwnerID != admin.ID {
		t.Fatalf("unexpected image %+v", img)
	}
}

func TestUploadImageCleansUpWhenMetadataFails(t *testing.T) {
	a, dir := newTestApp(t, Config{Store: failingImageStore{Store: store.NewMemoryStore()}})
	_, err := a.UploadImage(context.Background(), domain.User{ID: "admin-1"}, UploadInput{
		OriginalFilename: "a.jpg",
		Size:             3,
		Body:             bytes.NewReader([]byte("abc")),
	})
	if err == nil {
		t.Fatalf("expected metadata failure")
	}
	assertEmptyDir(t, dir)
}

func TestAuditTrailRecordsActions(t *testing.T) {
	a, _ := newTestApp(t, Config{})
	ctx := context.Background()
	u, err := a.Register(ctx, RegisterInput{Email: "a@example.com", Name: "A", Password: "pw"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	p, err := a.CreateProject(ctx, u, ProjectInput{Title: "T", Description: strPtr("d")})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := a.UpdateProject(ctx, u, p.ID, ProjectInput{Title: "T2", Description: strPtr("d")}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := a.DeleteProject(ctx, u, p.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	flush(t, a)

	logs, err := a.ListLogs(ctx, 10)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	want := []string{"project_deleted", "project_updated", "project_created", "user_registered"}
	if len(logs) != len(want) {
		t.Fatalf("expected %d logs, got %d", len(want), len(logs))
	}
	for i, action := range want {
		if logs[i].Action != action || logs[i].UserID != u.ID {
			t.Fatalf("log %d: got %s by %s, want %s by %s", i, logs[i].Action, logs[i].UserID, action, u.ID)
		}
	}
	if logs[3].Details["role"] != "admin" {
		t.Fatalf("registration details missing role: %v", logs[3].Details)
	}
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			t.Errorf("unexpected stored file %s", path)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk dir: %v", err)
	}
}

func TestUploadImageRejectsMalformedExtensionWithOpenAllowList(t *testing.T) {
	a, dir := newTestApp(t, Config{})
	admin := domain.User{ID: "admin-1", Role: domain.RoleAdmin}

	for _, name := range []string{"pic.p\ng", "pic." + strings.Repeat("a", 300), "pic."} {
		_, err := a.UploadImage(context.Background(), admin, UploadInput{
			OriginalFilename: name,
			Size:             3,
			Body:             bytes.NewReader([]byte("abc")),
		})
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("%q: expected validation error, got %v", name, err)
		}
	}
	assertEmptyDir(t, dir)

	img, err := a.UploadImage(context.Background(), admin, UploadInput{
		OriginalFilename: "scan.TIFF",
		Size:             3,
		Body:             bytes.NewReader([]byte("abc")),
	})
	if err != nil {
		t.Fatalf("any well-formed extension should pass an open allow-list: %v", err)
	}
	if !strings.HasSuffix(img.Filename, ".tiff") {
		t.Fatalf("unexpected generated name %q", img.Filename)
	}
}
