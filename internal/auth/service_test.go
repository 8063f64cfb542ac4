package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/abduss/pkgvault/internal/config"
)

func testAuthConfig() config.AuthConfig {
	return config.AuthConfig{
		AccessTokenSecret:  "access-secret",
		RefreshTokenSecret: "refresh-secret",
		AccessTokenTTL:     time.Minute,
		RefreshTokenTTL:    time.Hour,
		BcryptCost:         4,
	}
}

func TestRegisterSuccess(t *testing.T) {
	store := newMemoryStore()
	service := NewService(store, testAuthConfig())

	result, err := service.Register(context.Background(), RegisterInput{
		Username: "maria",
		Email:    "maria@example.com",
		Password: "StrongPass1!",
	})
	if err != nil {
		t.Fatalf("register returned error: %v", err)
	}

	if result.User.PasswordHash != "" {
		t.Fatalf("expected password hash to be stripped from response")
	}
	if result.User.Username != "maria" {
		t.Fatalf("unexpected username %q", result.User.Username)
	}
	if result.Tokens.AccessToken == "" || result.Tokens.RefreshToken == "" {
		t.Fatalf("expected tokens to be issued")
	}
	if len(store.users) != 1 {
		t.Fatalf("expected user stored; got %d", len(store.users))
	}
}

func TestRegisterDuplicateUsername(t *testing.T) {
	store := newMemoryStore()
	service := NewService(store, testAuthConfig())

	_, err := service.Register(context.Background(), RegisterInput{
		Username: "maria",
		Email:    "maria@example.com",
		Password: "StrongPass1!",
	})
	if err != nil {
		t.Fatalf("initial registration returned error: %v", err)
	}

	_, err = service.Register(context.Background(), RegisterInput{
		Username: "maria",
		Email:    "other@example.com",
		Password: "AnotherPass2!",
	})
	if !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("expected ErrUsernameTaken, got %v", err)
	}
}

func TestRegisterRejectsInvalidUsername(t *testing.T) {
	store := newMemoryStore()
	service := NewService(store, testAuthConfig())

	for _, username := range []string{"", "ab", "has spaces", "way!bad"} {
		_, err := service.Register(context.Background(), RegisterInput{
			Username: username,
			Email:    "user@example.com",
			Password: "StrongPass1!",
		})
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("username %q: expected ErrInvalidCredentials, got %v", username, err)
		}
	}
}

func TestLoginByUsernameAndEmail(t *testing.T) {
	store := newMemoryStore()
	service := NewService(store, testAuthConfig())

	_, err := service.Register(context.Background(), RegisterInput{
		Username: "maria",
		Email:    "maria@example.com",
		Password: "StrongPass1!",
	})
	if err != nil {
		t.Fatalf("register returned error: %v", err)
	}

	for _, login := range []string{"maria", "maria@example.com"} {
		result, err := service.Login(context.Background(), LoginInput{
			Login:    login,
			Password: "StrongPass1!",
		})
		if err != nil {
			t.Fatalf("login as %q returned error: %v", login, err)
		}
		if result.Tokens.AccessToken == "" || result.Tokens.RefreshToken == "" {
			t.Fatalf("login as %q: expected tokens", login)
		}
	}
}

func TestLoginInvalidPassword(t *testing.T) {
	store := newMemoryStore()
	service := NewService(store, testAuthConfig())

	_, err := service.Register(context.Background(), RegisterInput{
		Username: "maria",
		Email:    "maria@example.com",
		Password: "StrongPass1!",
	})
	if err != nil {
		t.Fatalf("register returned error: %v", err)
	}

	_, err = service.Login(context.Background(), LoginInput{
		Login:    "maria",
		Password: "WrongPass9",
	})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestValidateAccessTokenRoundTrip(t *testing.T) {
	store := newMemoryStore()
	service := NewService(store, testAuthConfig())

	result, err := service.Register(context.Background(), RegisterInput{
		Username: "maria",
		Email:    "maria@example.com",
		Password: "StrongPass1!",
	})
	if err != nil {
		t.Fatalf("register returned error: %v", err)
	}

	claims, err := service.ValidateAccessToken(result.Tokens.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccessToken returned error: %v", err)
	}
	if claims.UserID != result.User.ID {
		t.Fatalf("claims for wrong user: %s", claims.UserID)
	}
	if claims.Username != "maria" {
		t.Fatalf("unexpected username claim %q", claims.Username)
	}

	if _, err := service.ValidateAccessToken("not-a-token"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for garbage token, got %v", err)
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	store := newMemoryStore()
	service := NewService(store, testAuthConfig())

	registered, err := service.Register(context.Background(), RegisterInput{
		Username: "maria",
		Email:    "maria@example.com",
		Password: "StrongPass1!",
	})
	if err != nil {
		t.Fatalf("register returned error: %v", err)
	}

	refreshed, err := service.Refresh(context.Background(), registered.Tokens.RefreshToken)
	if err != nil {
		t.Fatalf("refresh returned error: %v", err)
	}
	if refreshed.Tokens.RefreshToken == registered.Tokens.RefreshToken {
		t.Fatalf("expected a rotated refresh token")
	}

	// A consumed refresh token must not work twice.
	if _, err := service.Refresh(context.Background(), registered.Tokens.RefreshToken); !errors.Is(err, ErrRefreshTokenInvalid) {
		t.Fatalf("expected ErrRefreshTokenInvalid on replay, got %v", err)
	}
}

// memoryStore implements userStore for tests.
type memoryStore struct {
	users         map[uuid.UUID]User
	refreshTokens map[string]refreshRecord
}

type refreshRecord struct {
	userID    uuid.UUID
	expiresAt time.Time
	revoked   bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		users:         make(map[uuid.UUID]User),
		refreshTokens: make(map[string]refreshRecord),
	}
}

func (m *memoryStore) CreateUser(_ context.Context, username, email, passwordHash string, fullName *string) (User, error) {
	for _, u := range m.users {
		if u.Username == username {
			return User{}, ErrUsernameTaken
		}
		if u.Email == email {
			return User{}, ErrEmailAlreadyExists
		}
	}
	user := User{
		ID:           uuid.New(),
		Username:     username,
		Email:        email,
		FullName:     fullName,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	m.users[user.ID] = user
	return user, nil
}

func (m *memoryStore) FindUserByLogin(_ context.Context, login string) (User, error) {
	for _, u := range m.users {
		if u.Username == login || u.Email == login {
			return u, nil
		}
	}
	return User{}, ErrUserNotFound
}

func (m *memoryStore) FindUserByID(_ context.Context, userID uuid.UUID) (User, error) {
	user, ok := m.users[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (m *memoryStore) StoreRefreshToken(_ context.Context, userID uuid.UUID, tokenHash string, expiresAt time.Time) error {
	m.refreshTokens[tokenHash] = refreshRecord{userID: userID, expiresAt: expiresAt}
	return nil
}

func (m *memoryStore) ConsumeRefreshToken(_ context.Context, tokenHash string) (uuid.UUID, error) {
	record, ok := m.refreshTokens[tokenHash]
	if !ok || record.revoked || record.expiresAt.Before(time.Now()) {
		return uuid.Nil, ErrRefreshTokenInvalid
	}
	record.revoked = true
	m.refreshTokens[tokenHash] = record
	return record.userID, nil
}

func (m *memoryStore) RevokeToken(_ context.Context, userID uuid.UUID, tokenHash string) error {
	if record, ok := m.refreshTokens[tokenHash]; ok && record.userID == userID {
		record.revoked = true
		m.refreshTokens[tokenHash] = record
	}
	return nil
}
