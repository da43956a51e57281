package auth

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestGenerateKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore(), nil)
	ctx := context.Background()

	rawKey, key, err := mgr.GenerateKey(ctx, "usr_1", "Test key")
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	if !strings.HasPrefix(rawKey, "sk_") {
		t.Errorf("Expected raw key to start with sk_, got %s", rawKey[:10])
	}
	if len(rawKey) != 67 { // "sk_" + 64 hex chars
		t.Errorf("Expected raw key length 67, got %d", len(rawKey))
	}
	if !strings.HasPrefix(key.ID, "ak_") {
		t.Errorf("Expected key ID to start with ak_, got %s", key.ID)
	}
	if key.UserID != "usr_1" {
		t.Errorf("Expected user usr_1, got %s", key.UserID)
	}
	if key.Hash == rawKey || key.Hash != hashKey(rawKey) {
		t.Error("Expected only the hash of the key to be stored")
	}
}

func TestValidateKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore(), nil)
	ctx := context.Background()

	rawKey, _, err := mgr.GenerateKey(ctx, "usr_1", "Primary")
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	key, err := mgr.ValidateKey(ctx, rawKey)
	if err != nil {
		t.Fatalf("ValidateKey failed for valid key: %v", err)
	}
	if key.UserID != "usr_1" {
		t.Errorf("Expected usr_1, got %s", key.UserID)
	}

	if _, err := mgr.ValidateKey(ctx, "Bearer "+rawKey); err != nil {
		t.Errorf("ValidateKey failed with Bearer prefix: %v", err)
	}

	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"empty", "", ErrNoAPIKey},
		{"wrong prefix", "pk_" + rawKey[3:], ErrInvalidAPIKey},
		{"unknown", "sk_" + strings.Repeat("0", 64), ErrInvalidAPIKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := mgr.ValidateKey(ctx, tt.raw); err != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestValidateKey_Expired(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store, nil)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	rawKey := "sk_" + strings.Repeat("ab", 32)
	if err := store.Create(ctx, &APIKey{ID: "ak_old", Hash: hashKey(rawKey), UserID: "usr_1", ExpiresAt: &past}); err != nil {
		t.Fatal(err)
	}

	if _, err := mgr.ValidateKey(ctx, rawKey); err != ErrInvalidAPIKey {
		t.Errorf("Expected ErrInvalidAPIKey for expired key, got %v", err)
	}
}

func TestRevokeKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore(), nil)
	ctx := context.Background()

	rawKey, key, _ := mgr.GenerateKey(ctx, "usr_1", "Primary")

	if err := mgr.RevokeKey(ctx, key.ID, "usr_2"); err != ErrKeyNotFound {
		t.Errorf("Expected another user's revoke to fail, got %v", err)
	}
	if err := mgr.RevokeKey(ctx, key.ID, "usr_1"); err != nil {
		t.Fatalf("RevokeKey failed: %v", err)
	}
	if _, err := mgr.ValidateKey(ctx, rawKey); err != ErrInvalidAPIKey {
		t.Errorf("Expected revoked key to be rejected, got %v", err)
	}
	if err := mgr.RevokeKey(ctx, key.ID, "usr_1"); err != ErrKeyNotFound {
		t.Errorf("Expected second revoke to report not found, got %v", err)
	}
}

func TestMemoryStore_UpdateCannotUnrevoke(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := &APIKey{ID: "ak_1", Hash: "h", UserID: "usr_1", Revoked: true}
	_ = store.Create(ctx, key)

	_ = store.Update(ctx, &APIKey{ID: "ak_1", LastUsed: time.Now()})

	got, _ := store.GetByUser(ctx, "usr_1")
	if len(got) != 1 || !got[0].Revoked {
		t.Error("Expected key to stay revoked")
	}
	if err := store.Update(ctx, &APIKey{ID: "missing"}); err != ErrKeyNotFound {
		t.Errorf("Expected ErrKeyNotFound, got %v", err)
	}
}

func TestListKeys(t *testing.T) {
	mgr := NewManager(NewMemoryStore(), nil)
	ctx := context.Background()

	_, _, _ = mgr.GenerateKey(ctx, "usr_1", "one")
	_, _, _ = mgr.GenerateKey(ctx, "usr_1", "two")
	_, _, _ = mgr.GenerateKey(ctx, "usr_2", "other")

	keys, err := mgr.ListKeys(ctx, "usr_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Errorf("Expected 2 keys, got %d", len(keys))
	}
}

func TestDeleteUserKeys(t *testing.T) {
	mgr := NewManager(NewMemoryStore(), nil)
	ctx := context.Background()

	raw1, _, _ := mgr.GenerateKey(ctx, "usr_1", "one")
	_, _, _ = mgr.GenerateKey(ctx, "usr_1", "two")
	raw3, _, _ := mgr.GenerateKey(ctx, "usr_2", "other")

	n, err := mgr.DeleteUserKeys(ctx, "usr_1")
	if err != nil {
		t.Fatalf("DeleteUserKeys failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 keys deleted, got %d", n)
	}
	if _, err := mgr.ValidateKey(ctx, raw1); err == nil {
		t.Error("Expected deleted key to be rejected")
	}
	if _, err := mgr.ValidateKey(ctx, raw3); err != nil {
		t.Errorf("Expected other user's key to survive: %v", err)
	}
}
