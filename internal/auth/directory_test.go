// ABOUTME: Tests for the operator directory
// ABOUTME: Covers bcrypt login, lookups, sector checks and duplicate detection

package auth

import (
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/EmanuProds/Notary-Connect-sub000/internal/config"
)

func mustHash(t *testing.T, password string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("GenerateFromPassword() error = %v", err)
	}
	return string(hash)
}

func newTestDirectory(t *testing.T) *Directory {
	t.Helper()
	dir, err := NewDirectory([]config.OperatorConfig{
		{ID: "op-1", Name: "Ana", Username: "ana", PasswordHash: mustHash(t, "s3cret"), Sectors: []string{"deeds"}},
		{ID: "admin", Name: "Boss", Username: "Boss", PasswordHash: mustHash(t, "root"), Role: config.RoleAdmin},
		{ID: "op-2", Name: "No Login", Username: "nologin"},
	}, []config.SectorConfig{{ID: "deeds", Name: "Deeds"}, {ID: "protest", Name: "Protest"}})
	if err != nil {
		t.Fatalf("NewDirectory() error = %v", err)
	}
	return dir
}

func TestDirectory_Authenticate(t *testing.T) {
	dir := newTestDirectory(t)

	op, err := dir.Authenticate("ana", "s3cret")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if op.ID != "op-1" || op.Role != config.RoleOperator {
		t.Errorf("Authenticate() = %+v", op)
	}

	op, err = dir.Authenticate(" boss ", "root")
	if err != nil {
		t.Fatalf("Authenticate(boss) error = %v", err)
	}
	if !op.IsAdmin() {
		t.Error("expected admin operator")
	}
}

func TestDirectory_AuthenticateRejects(t *testing.T) {
	dir := newTestDirectory(t)

	tests := []struct {
		name     string
		username string
		password string
	}{
		{name: "wrong password", username: "ana", password: "nope"},
		{name: "unknown user", username: "ghost", password: "s3cret"},
		{name: "no password hash", username: "nologin", password: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := dir.Authenticate(tt.username, tt.password)
			if !errors.Is(err, ErrInvalidCredentials) {
				t.Errorf("Authenticate() error = %v, want ErrInvalidCredentials", err)
			}
		})
	}
}

func TestDirectory_Lookups(t *testing.T) {
	dir := newTestDirectory(t)

	if !dir.OperatorExists("op-2") {
		t.Error("OperatorExists(op-2) = false")
	}
	if dir.OperatorExists("op-9") {
		t.Error("OperatorExists(op-9) = true")
	}
	if !dir.SectorExists("protest") {
		t.Error("SectorExists(protest) = false")
	}
	if dir.SectorExists("weddings") {
		t.Error("SectorExists(weddings) = true")
	}
	if op, ok := dir.Operator("op-1"); !ok || op.Name != "Ana" {
		t.Errorf("Operator(op-1) = %+v, %v", op, ok)
	}
	if got := dir.Sectors(); len(got) != 2 {
		t.Errorf("Sectors() = %v", got)
	}
}

func TestNewDirectory_Duplicates(t *testing.T) {
	_, err := NewDirectory([]config.OperatorConfig{
		{ID: "op-1", Username: "ana"},
		{ID: "op-1", Username: "other"},
	}, nil)
	if err == nil {
		t.Error("expected duplicate id error")
	}

	_, err = NewDirectory([]config.OperatorConfig{
		{ID: "op-1", Username: "ana"},
		{ID: "op-2", Username: "ANA"},
	}, nil)
	if err == nil {
		t.Error("expected duplicate username error")
	}
}

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("hunter2")); err != nil {
		t.Errorf("hash does not match: %v", err)
	}
	if _, err := HashPassword(""); err == nil {
		t.Error("expected error for empty password")
	}
}
