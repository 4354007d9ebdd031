package httpapi

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"apotekku/backend/internal/domain"
	"apotekku/backend/internal/store"
)

type userStoreStub struct {
	mu    sync.Mutex
	users map[string]domain.User
}

func (s *userStoreStub) GetUserByUsername(_ context.Context, username string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &user, nil
}

func (s *userStoreStub) UpsertUser(_ context.Context, user domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]domain.User)
	}
	s.users[user.Username] = user
	return nil
}

func TestSeedUserStoresPasswordHash(t *testing.T) {
	stub := &userStoreStub{users: map[string]domain.User{}}
	manager := NewAuthManager("test-secret", time.Hour, "123456", stub)

	if err := manager.SeedUser(context.Background(), "apoteker", "rahasia1", RolePharmacist); err != nil {
		t.Fatalf("seed user failed: %v", err)
	}

	saved, err := stub.GetUserByUsername(context.Background(), "apoteker")
	if err != nil {
		t.Fatalf("expected user to be saved: %v", err)
	}
	if saved.PasswordHash == "rahasia1" {
		t.Fatal("expected password to be hashed")
	}
	if !strings.HasPrefix(saved.PasswordHash, "$2") {
		t.Fatalf("expected bcrypt hash prefix, got %s", saved.PasswordHash)
	}
	if saved.Role != RolePharmacist {
		t.Fatalf("unexpected role %s", saved.Role)
	}

	if _, err := manager.Login(context.Background(), domain.LoginRequest{
		Username: "apoteker",
		Password: "rahasia1",
	}); err != nil {
		t.Fatalf("login with seeded account failed: %v", err)
	}
}

func TestSeedUserRejectsUnknownRole(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "123456", nil)
	if err := manager.SeedUser(context.Background(), "intern", "pass1234", "intern"); err == nil {
		t.Fatal("expected unknown role to be rejected")
	}
}

func TestLoginFallsBackToStoreLookup(t *testing.T) {
	hash := mustHashPassword(t, "admin123")
	stub := &userStoreStub{
		users: map[string]domain.User{
			"admin": {
				Username:     "admin",
				PasswordHash: hash,
				Role:         RoleAdmin,
				Active:       true,
				CreatedAt:    time.Now().UTC(),
			},
		},
	}

	// Nothing is cached yet; the manager must consult the store.
	manager := NewAuthManager("test-secret", time.Hour, "123456", stub)
	resp, err := manager.Login(context.Background(), domain.LoginRequest{
		Username: "admin",
		Password: "admin123",
	})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if resp.Role != RoleAdmin {
		t.Fatalf("unexpected role %s", resp.Role)
	}
	if resp.AccessToken == "" {
		t.Fatal("expected access token")
	}

	actor, err := manager.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if actor.Username != "admin" || actor.Role != RoleAdmin {
		t.Fatalf("unexpected actor %+v", actor)
	}
}

func TestLoginRejectsInactiveAccount(t *testing.T) {
	stub := &userStoreStub{
		users: map[string]domain.User{
			"kasir": {
				Username:     "kasir",
				PasswordHash: mustHashPassword(t, "kasir123"),
				Role:         RoleCashier,
				Active:       false,
				CreatedAt:    time.Now().UTC(),
			},
		},
	}

	manager := NewAuthManager("test-secret", time.Hour, "123456", stub)
	if _, err := manager.Login(context.Background(), domain.LoginRequest{
		Username: "kasir",
		Password: "kasir123",
	}); err == nil {
		t.Fatal("expected inactive account login to fail")
	}
}

func TestParseTokenRejectsForeignSecret(t *testing.T) {
	issuer := NewAuthManager("secret-one", time.Hour, "123456", nil)
	verifier := NewAuthManager("secret-two", time.Hour, "123456", nil)

	token, err := issuer.sign("admin", RoleAdmin, time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := verifier.ParseToken(token); err == nil {
		t.Fatal("expected token signed with another secret to be rejected")
	}
}

func TestManagerPINIsHashedAndStillValidates(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "654321", nil)

	if manager.managerPIN == "654321" {
		t.Fatal("expected manager pin to be stored as hash, got plain-text")
	}

	if !manager.ValidateManagerPIN("654321") {
		t.Fatal("expected manager pin validation to succeed")
	}

	if manager.ValidateManagerPIN("111111") {
		t.Fatal("expected wrong manager pin to fail")
	}
}
