// ABOUTME: Operator directory built from configuration with bcrypt password checks
// ABOUTME: Answers who an operator is, which sectors they serve and whether transfer targets exist

package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/EmanuProds/Notary-Connect-sub000/internal/config"
)

// ErrInvalidCredentials is returned for an unknown username or wrong password.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Operator is one console account.
type Operator struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Username string   `json:"username"`
	Sectors  []string `json:"sectors"`
	Role     string   `json:"role"`

	passwordHash []byte
}

// IsAdmin reports whether the operator has the admin role.
func (o *Operator) IsAdmin() bool {
	return o.Role == config.RoleAdmin
}

// Directory is the read-only operator and sector registry.
type Directory struct {
	byID       map[string]*Operator
	byUsername map[string]*Operator
	sectors    []string
}

// dummyHash keeps unknown-username logins as slow as wrong-password ones.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("notary-connect"), bcrypt.MinCost)

// NewDirectory indexes the configured operators.
func NewDirectory(operators []config.OperatorConfig, sectors []config.SectorConfig) (*Directory, error) {
	d := &Directory{
		byID:       make(map[string]*Operator, len(operators)),
		byUsername: make(map[string]*Operator, len(operators)),
	}
	for _, s := range sectors {
		d.sectors = append(d.sectors, s.ID)
	}
	for _, oc := range operators {
		if _, dup := d.byID[oc.ID]; dup {
			return nil, fmt.Errorf("duplicate operator id %q", oc.ID)
		}
		username := strings.ToLower(oc.Username)
		if _, dup := d.byUsername[username]; dup && username != "" {
			return nil, fmt.Errorf("duplicate username %q", oc.Username)
		}
		op := &Operator{
			ID:           oc.ID,
			Name:         oc.Name,
			Username:     oc.Username,
			Sectors:      slices.Clone(oc.Sectors),
			Role:         oc.Role,
			passwordHash: []byte(oc.PasswordHash),
		}
		if op.Role == "" {
			op.Role = config.RoleOperator
		}
		d.byID[op.ID] = op
		if username != "" {
			d.byUsername[username] = op
		}
	}
	return d, nil
}

// Authenticate checks a username and password. Usernames are case-insensitive.
func (d *Directory) Authenticate(username, password string) (*Operator, error) {
	op, ok := d.byUsername[strings.ToLower(strings.TrimSpace(username))]
	if !ok || len(op.passwordHash) == 0 {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(op.passwordHash, []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return op, nil
}

// Operator looks up an operator by id.
func (d *Directory) Operator(id string) (*Operator, bool) {
	op, ok := d.byID[id]
	return op, ok
}

func (d *Directory) OperatorExists(id string) bool {
	_, ok := d.byID[id]
	return ok
}

func (d *Directory) SectorExists(id string) bool {
	return slices.Contains(d.sectors, id)
}

// Sectors returns the declared sector ids.
func (d *Directory) Sectors() []string {
	return slices.Clone(d.sectors)
}

// HashPassword returns a bcrypt hash suitable for operator configuration.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}
