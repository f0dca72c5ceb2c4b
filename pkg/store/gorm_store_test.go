package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/LittleThigas/fatalzera/pkg/domain"
)

func TestTranslateWriteError(t *testing.T) {
	other := errors.New("connection reset")
	fkViolation := &pgconn.PgError{Code: "23503", ConstraintName: "projects_owner_fk"}

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"unique violation", &pgconn.PgError{Code: pgUniqueViolation, ConstraintName: "idx_users_email"}, ErrDuplicateEmail},
		{"wrapped unique violation", fmt.Errorf("insert user: %w", &pgconn.PgError{Code: pgUniqueViolation}), ErrDuplicateEmail},
		{"translated duplicate", gorm.ErrDuplicatedKey, ErrDuplicateEmail},
		{"other constraint", fkViolation, fkViolation},
		{"unrelated", other, other},
	}
	for _, tt := range tests {
		got := translateWriteError(tt.err)
		if !errors.Is(got, tt.want) {
			t.Fatalf("%s: expected %v, got %v", tt.name, tt.want, got)
		}
		if tt.want != ErrDuplicateEmail && errors.Is(got, ErrDuplicateEmail) {
			t.Fatalf("%s: unexpectedly mapped to duplicate email", tt.name)
		}
	}
}

func TestRoleForCount(t *testing.T) {
	if got := roleForCount(0); got != domain.RoleAdmin {
		t.Fatalf("first user role = %q", got)
	}
	if got := roleForCount(1); got != domain.RoleUser {
		t.Fatalf("second user role = %q", got)
	}
}

func TestNewLogIDSortsInCreationOrder(t *testing.T) {
	prev := newLogID()
	for i := 0; i < 100; i++ {
		cur := newLogID()
		if cur <= prev {
			t.Fatalf("id %s does not sort after %s", cur, prev)
		}
		prev = cur
	}
}
