// ABOUTME: Unit tests for authentication context functions
// ABOUTME: Tests AuthContext, IsAdmin, and context propagation helpers

package auth

import (
	"context"
	"testing"
)

func TestAuthContext_IsAdmin(t *testing.T) {
	tests := []struct {
		role string
		want bool
	}{
		{role: "admin", want: true},
		{role: "operator", want: false},
		{role: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			a := &AuthContext{OperatorID: "op-1", Role: tt.role}
			if got := a.IsAdmin(); got != tt.want {
				t.Errorf("IsAdmin() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWithAuth_FromContext(t *testing.T) {
	op := &Operator{ID: "op-1", Name: "Ana", Role: "operator", Sectors: []string{"deeds"}}
	ctx := WithAuth(context.Background(), NewAuthContext(op))

	got := FromContext(ctx)
	if got == nil {
		t.Fatal("FromContext() returned nil")
	}
	if got.OperatorID != "op-1" || got.Name != "Ana" {
		t.Errorf("FromContext() = %+v", got)
	}
	if len(got.Sectors) != 1 || got.Sectors[0] != "deeds" {
		t.Errorf("Sectors = %v, want [deeds]", got.Sectors)
	}
}

func TestFromContext_Missing(t *testing.T) {
	if got := FromContext(context.Background()); got != nil {
		t.Errorf("FromContext() = %+v, want nil", got)
	}
}
