package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/pullbox/backend/internal/db"
	apperrors "github.com/pullbox/backend/internal/errors"
)

// fakeUserStore is an in-memory UserStore for service tests.
type fakeUserStore struct {
	byEmail map[string]*db.User
	byID    map[uuid.UUID]*db.User
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{
		byEmail: make(map[string]*db.User),
		byID:    make(map[uuid.UUID]*db.User),
	}
}

func (s *fakeUserStore) Create(ctx context.Context, user *db.User) error {
	if _, exists := s.byEmail[user.Email]; exists {
		return db.ErrEmailExists
	}
	s.byEmail[user.Email] = user
	s.byID[user.ID] = user
	return nil
}

func (s *fakeUserStore) GetByEmail(ctx context.Context, email string) (*db.User, error) {
	user, ok := s.byEmail[email]
	if !ok {
		return nil, db.ErrUserNotFound
	}
	return user, nil
}

func (s *fakeUserStore) GetByID(ctx context.Context, id uuid.UUID) (*db.User, error) {
	user, ok := s.byID[id]
	if !ok {
		return nil, db.ErrUserNotFound
	}
	return user, nil
}

func TestRegisterAndLogin(t *testing.T) {
	svc := NewService(newFakeUserStore(), "test-secret")

	reg, err := svc.Register(context.Background(), "alice@example.com", "password123", "alice")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if reg.AccessToken == "" {
		t.Error("register returned no access token")
	}
	if reg.User == nil || reg.User.Email != "alice@example.com" {
		t.Errorf("user info = %+v", reg.User)
	}

	login, err := svc.Login(context.Background(), "alice@example.com", "password123")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if login.AccessToken == "" {
		t.Error("login returned no access token")
	}

	if _, err := svc.Login(context.Background(), "alice@example.com", "wrong-password"); err != ErrInvalidCredentials {
		t.Errorf("wrong password: err = %v, want ErrInvalidCredentials", err)
	}
	if _, err := svc.Login(context.Background(), "nobody@example.com", "password123"); err != ErrInvalidCredentials {
		t.Errorf("unknown email: err = %v, want ErrInvalidCredentials", err)
	}
}

func TestRegister_DuplicateEmail(t *testing.T) {
	svc := NewService(newFakeUserStore(), "test-secret")

	if _, err := svc.Register(context.Background(), "a@example.com", "password123", "first"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, err := svc.Register(context.Background(), "a@example.com", "password123", "second"); err != db.ErrEmailExists {
		t.Errorf("err = %v, want ErrEmailExists", err)
	}
}

func TestValidateAccessToken(t *testing.T) {
	svc := NewService(newFakeUserStore(), "test-secret")

	resp, err := svc.Register(context.Background(), "bob@example.com", "password123", "bob")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	claims, err := svc.ValidateAccessToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccessToken failed: %v", err)
	}
	if claims.Email != "bob@example.com" {
		t.Errorf("claims.Email = %q", claims.Email)
	}
	if claims.UserID != resp.User.ID {
		t.Errorf("claims.UserID = %q, want %q", claims.UserID, resp.User.ID)
	}
	if claims.Issuer != "pullbox" {
		t.Errorf("issuer = %q, want pullbox", claims.Issuer)
	}

	if _, err := svc.ValidateAccessToken("not-a-token"); err != ErrInvalidToken {
		t.Errorf("garbage token: err = %v, want ErrInvalidToken", err)
	}

	// token signed with a different secret is rejected
	other := NewService(newFakeUserStore(), "other-secret")
	foreign, _ := other.Register(context.Background(), "eve@example.com", "password123", "eve")
	if _, err := svc.ValidateAccessToken(foreign.AccessToken); err != ErrInvalidToken {
		t.Errorf("foreign token: err = %v, want ErrInvalidToken", err)
	}
}

func TestValidateAccessToken_Expired(t *testing.T) {
	svc := NewService(newFakeUserStore(), "test-secret")

	claims := &Claims{
		UserID: uuid.NewString(),
		Email:  "old@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
			Issuer:    "pullbox",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("signing failed: %v", err)
	}

	if _, err := svc.ValidateAccessToken(signed); err != ErrTokenExpired {
		t.Errorf("err = %v, want ErrTokenExpired", err)
	}
}

func TestService_WithoutUserStore(t *testing.T) {
	// tokens issued while the database was up
	backed := NewService(newFakeUserStore(), "test-secret")
	resp, err := backed.Register(context.Background(), "alice@example.com", "password123", "alice")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	degraded := NewService(nil, "test-secret")

	if _, err := degraded.Register(context.Background(), "bob@example.com", "password123", "bob"); err != ErrStoreUnavailable {
		t.Errorf("Register without store = %v, want ErrStoreUnavailable", err)
	}
	if _, err := degraded.Login(context.Background(), "alice@example.com", "password123"); err != ErrStoreUnavailable {
		t.Errorf("Login without store = %v, want ErrStoreUnavailable", err)
	}

	// validation is pure HMAC and keeps working for existing tokens
	claims, err := degraded.ValidateAccessToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccessToken without store failed: %v", err)
	}
	if claims.Email != "alice@example.com" {
		t.Errorf("claims email = %s, want alice@example.com", claims.Email)
	}
}

func TestHandlers_WithoutUserStore(t *testing.T) {
	h := NewHandlers(NewService(nil, "test-secret"))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(`{"email":"alice@example.com","password":"password123"}`))
	err := h.Login(httptest.NewRecorder(), req)
	if err == nil {
		t.Fatal("Login without store returned nil error")
	}
	appErr, ok := err.(*apperrors.AppError)
	if !ok {
		t.Fatalf("Login without store returned %T, want *apperrors.AppError", err)
	}
	if appErr.HTTPStatus != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", appErr.HTTPStatus)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/auth/register", strings.NewReader(`{"email":"alice@example.com","password":"password123","username":"alice"}`))
	err = h.Register(httptest.NewRecorder(), req)
	appErr, ok = err.(*apperrors.AppError)
	if !ok || appErr.HTTPStatus != http.StatusServiceUnavailable {
		t.Errorf("Register without store = %v, want 503 AppError", err)
	}
}
