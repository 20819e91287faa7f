package httpapi

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"stimatrack/backend/internal/domain"
)

type userStoreStub struct {
	mu    sync.Mutex
	users map[string]domain.UserAccount
}

func (s *userStoreStub) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]domain.UserAccount)
	}
	s.users[user.Username] = user
	return nil
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	return out, nil
}

func TestCreateClerkStoresPasswordHash(t *testing.T) {
	store := &userStoreStub{users: map[string]domain.UserAccount{}}
	manager := NewAuthManager("test-secret", time.Hour, store)

	clerk, err := manager.CreateClerk(domain.ClerkCreateRequest{
		Username: "newclerk",
		Password: "pass1234",
	})
	if err != nil {
		t.Fatalf("create clerk failed: %v", err)
	}
	if clerk.Username != "newclerk" {
		t.Fatalf("unexpected username %s", clerk.Username)
	}

	users, err := store.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("list users failed: %v", err)
	}
	var found *domain.UserAccount
	for i := range users {
		if users[i].Username == "newclerk" {
			found = &users[i]
			break
		}
	}
	if found == nil {
		t.Fatalf("expected clerk to be saved")
	}
	if found.Password == "pass1234" {
		t.Fatalf("expected clerk password to be hashed")
	}
	if !strings.HasPrefix(found.Password, "$2") {
		t.Fatalf("expected bcrypt hash prefix, got %s", found.Password)
	}

	_, err = manager.Login(domain.LoginRequest{
		Username: "newclerk",
		Password: "pass1234",
	})
	if err != nil {
		t.Fatalf("login with hashed clerk failed: %v", err)
	}
}

func TestCreateClerkRejectsWeakInput(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, &userStoreStub{})

	if _, err := manager.CreateClerk(domain.ClerkCreateRequest{Username: "ab", Password: "pass1234"}); err == nil {
		t.Fatalf("expected short username to be rejected")
	}
	if _, err := manager.CreateClerk(domain.ClerkCreateRequest{Username: "has space", Password: "pass1234"}); err == nil {
		t.Fatalf("expected username with spaces to be rejected")
	}
	if _, err := manager.CreateClerk(domain.ClerkCreateRequest{Username: "goodname", Password: "123"}); err == nil {
		t.Fatalf("expected short password to be rejected")
	}
}

func TestLoginRejectsInactiveAccount(t *testing.T) {
	hash, err := hashPassword("secret99")
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	store := &userStoreStub{
		users: map[string]domain.UserAccount{
			"dormant": {
				Username:  "dormant",
				Password:  hash,
				Role:      "clerk",
				Active:    false,
				CreatedAt: time.Now().UTC(),
			},
		},
	}

	manager := NewAuthManager("test-secret", time.Hour, store)
	_, err = manager.Login(domain.LoginRequest{Username: "dormant", Password: "secret99"})
	if err == nil || !strings.Contains(err.Error(), "inactive") {
		t.Fatalf("expected inactive-account rejection, got %v", err)
	}
}

func TestParseTokenRoundTrip(t *testing.T) {
	hash, err := hashPassword("secret99")
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	store := &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {
				Username:  "admin",
				Password:  hash,
				Role:      "admin",
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
		},
	}

	manager := NewAuthManager("test-secret", time.Hour, store)
	resp, err := manager.Login(domain.LoginRequest{Username: "admin", Password: "secret99"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	actor, err := manager.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token failed: %v", err)
	}
	if actor.Username != "admin" || actor.Role != "admin" {
		t.Fatalf("unexpected actor %+v", actor)
	}

	if _, err := manager.ParseToken(resp.AccessToken + "tampered"); err == nil {
		t.Fatalf("expected tampered token to be rejected")
	}
}
