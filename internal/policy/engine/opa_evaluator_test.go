package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestOPAEvaluator_HealthCheck(t *testing.T) {
	ctx := context.Background()
	e, err := NewOPAEvaluator(ctx, "", nil)
	if err != nil {
		t.Fatalf("NewOPAEvaluator: %v", err)
	}
	if err := e.HealthCheck(ctx); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
}

func TestOPAEvaluator_CanManage_DefaultPolicy(t *testing.T) {
	ctx := context.Background()
	e, err := NewOPAEvaluator(ctx, "", nil)
	if err != nil {
		t.Fatalf("NewOPAEvaluator: %v", err)
	}
	tests := []struct {
		name string
		in   ManageInput
		want bool
	}{
		{"self", ManageInput{ActorID: "a", TargetID: "a"}, true},
		{"global admin", ManageInput{ActorID: "a", TargetID: "b", ActorIsAdmin: true}, true},
		{"room admin", ManageInput{ActorID: "a", TargetID: "b", SharedRoomAdmin: true}, true},
		{"guardian", ManageInput{ActorID: "a", TargetID: "b", ActiveGuardian: true}, true},
		{"stranger", ManageInput{ActorID: "a", TargetID: "b"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.CanManage(ctx, tt.in)
			if err != nil {
				t.Fatalf("CanManage: %v", err)
			}
			if got != tt.want {
				t.Errorf("CanManage = %v, want %v", got, tt.want)
			}
			if native := NativeManage(tt.in); native != tt.want {
				t.Errorf("NativeManage = %v, want %v", native, tt.want)
			}
		})
	}
}

func TestOPAEvaluator_CustomPolicyOverrides(t *testing.T) {
	ctx := context.Background()
	custom := `package waypoint.manage

default allow := false

allow if {
	input.actor.is_admin
}
`
	e, err := NewOPAEvaluator(ctx, custom, nil)
	if err != nil {
		t.Fatalf("NewOPAEvaluator: %v", err)
	}
	got, _ := e.CanManage(ctx, ManageInput{ActorID: "a", TargetID: "b", ActiveGuardian: true})
	if got {
		t.Error("custom policy should deny guardians")
	}
	got, _ = e.CanManage(ctx, ManageInput{ActorID: "a", TargetID: "b", ActorIsAdmin: true})
	if !got {
		t.Error("custom policy should allow admins")
	}
	if err := e.HealthCheck(ctx); err == nil {
		t.Error("HealthCheck should fail when self-manage is denied")
	}
}

func TestOPAEvaluator_UndefinedRuleFallsBack(t *testing.T) {
	ctx := context.Background()
	e, err := NewOPAEvaluator(ctx, "package other\n\nx := 1\n", nil)
	if err != nil {
		t.Fatalf("NewOPAEvaluator: %v", err)
	}
	got, err := e.CanManage(ctx, ManageInput{ActorID: "a", TargetID: "b", ActiveGuardian: true})
	if err != nil {
		t.Fatalf("CanManage: %v", err)
	}
	if !got {
		t.Error("fallback should apply the native rule")
	}
}

func TestNewOPAEvaluator_InvalidPolicy(t *testing.T) {
	if _, err := NewOPAEvaluator(context.Background(), "package x\n\nallow if {", nil); err == nil {
		t.Fatal("expected compile error")
	}
}

func TestLoadPolicy(t *testing.T) {
	p, err := LoadPolicy("")
	if err != nil || p != defaultRegoPolicy {
		t.Fatalf("LoadPolicy(\"\") = %q, %v", p, err)
	}
	path := filepath.Join(t.TempDir(), "manage.rego")
	if err := os.WriteFile(path, []byte("package waypoint.manage\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	p, err = LoadPolicy(path)
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	if p != "package waypoint.manage\n" {
		t.Errorf("policy = %q", p)
	}
	if _, err := LoadPolicy(filepath.Join(t.TempDir(), "missing.rego")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestNativeEvaluator(t *testing.T) {
	ok, err := NativeEvaluator{}.CanManage(context.Background(), ManageInput{ActorID: "a", TargetID: "a"})
	if err != nil || !ok {
		t.Errorf("CanManage = %v, %v; want true, nil", ok, err)
	}
}
