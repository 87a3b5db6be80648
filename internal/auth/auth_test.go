package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestGenerateKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())

	rawKey, key, err := mgr.GenerateKey(context.Background(), "usr_buyer", RoleUser, "Test key", 0)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	if !strings.HasPrefix(rawKey, "sk_") || len(rawKey) != 67 {
		t.Fatalf("unexpected raw key format %q", rawKey)
	}
	if !strings.HasPrefix(key.ID, "ak_") {
		t.Errorf("Expected key ID to start with ak_, got %s", key.ID)
	}
	if key.UserID != "usr_buyer" || key.Role != RoleUser || key.Name != "Test key" {
		t.Errorf("unexpected key metadata %+v", key)
	}
	if key.ExpiresAt != nil {
		t.Error("zero ttl should not expire")
	}
}

func TestGenerateKey_RejectsUnknownRole(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	_, _, err := mgr.GenerateKey(context.Background(), "usr_1", Role("root"), "", 0)
	if !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("expected ErrInvalidRole, got %v", err)
	}
}

func TestValidateKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, _, err := mgr.GenerateKey(ctx, "usr_seller", RoleUser, "Primary", 0)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	key, err := mgr.ValidateKey(ctx, rawKey)
	if err != nil {
		t.Fatalf("ValidateKey failed for valid key: %v", err)
	}
	if key.UserID != "usr_seller" {
		t.Errorf("Expected usr_seller, got %s", key.UserID)
	}

	if _, err := mgr.ValidateKey(ctx, "Bearer "+rawKey); err != nil {
		t.Errorf("ValidateKey failed with Bearer prefix: %v", err)
	}

	for _, bad := range []string{"", "pk_abc", "sk_0000"} {
		if _, err := mgr.ValidateKey(ctx, bad); err == nil {
			t.Errorf("expected %q to be rejected", bad)
		}
	}
}

func TestValidateKey_Expired(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mgr.now = func() time.Time { return now }

	rawKey, _, err := mgr.GenerateKey(context.Background(), "usr_1", RoleUser, "", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	now = now.Add(2 * time.Hour)
	if _, err := mgr.ValidateKey(context.Background(), rawKey); !errors.Is(err, ErrInvalidAPIKey) {
		t.Fatalf("expected expired key to be rejected, got %v", err)
	}
}

func TestRevokeKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, key, _ := mgr.GenerateKey(ctx, "usr_1", RoleUser, "", 0)

	if err := mgr.RevokeKey(ctx, key.ID, "usr_other"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("another user must not revoke the key, got %v", err)
	}
	if err := mgr.RevokeKey(ctx, key.ID, "usr_1"); err != nil {
		t.Fatalf("RevokeKey failed: %v", err)
	}
	if _, err := mgr.ValidateKey(ctx, rawKey); !errors.Is(err, ErrInvalidAPIKey) {
		t.Fatalf("revoked key should be invalid, got %v", err)
	}
}

func TestListKeys(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	_, _, _ = mgr.GenerateKey(ctx, "usr_1", RoleUser, "a", 0)
	_, _, _ = mgr.GenerateKey(ctx, "usr_1", RoleUser, "b", 0)
	_, _, _ = mgr.GenerateKey(ctx, "usr_2", RoleUser, "c", 0)

	keys, err := mgr.ListKeys(ctx, "usr_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(keys))
	}
}
