package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/teamgate/internal/model"
)

// --- モック定義 ---

type mockAuthenticator struct {
	resolveSessionFn func(ctx context.Context, tokenString string) (*model.User, error)
	resolveAPIKeyFn  func(ctx context.Context, apiKey string) (*model.User, error)
}

func (m *mockAuthenticator) ResolveSession(ctx context.Context, tokenString string) (*model.User, error) {
	if m.resolveSessionFn != nil {
		return m.resolveSessionFn(ctx, tokenString)
	}
	return nil, model.NewUnauthorizedError()
}

func (m *mockAuthenticator) ResolveAPIKey(ctx context.Context, apiKey string) (*model.User, error) {
	if m.resolveAPIKeyFn != nil {
		return m.resolveAPIKeyFn(ctx, apiKey)
	}
	return nil, model.NewUnauthorizedError()
}

// fixedAuthenticator はvalid-jwtとvalid-keyのみを受け付ける。
func fixedAuthenticator(user *model.User) *mockAuthenticator {
	return &mockAuthenticator{
		resolveSessionFn: func(_ context.Context, tok string) (*model.User, error) {
			if tok == "valid-jwt" {
				return user, nil
			}
			return nil, model.NewUnauthorizedError()
		},
		resolveAPIKeyFn: func(_ context.Context, key string) (*model.User, error) {
			if key == "valid-key" {
				return user, nil
			}
			return nil, model.NewUnauthorizedError()
		},
	}
}

func testUser() *model.User {
	return &model.User{ID: 7, PID: "user-pid-7", Name: "alice", Email: "alice@example.com", Status: model.UserStatusApproved}
}

// --- テスト ---

func TestAuthMiddleware_Credentials(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(r *http.Request)
		wantStatus int
		wantMethod string
	}{
		{
			name:       "bearer token",
			setup:      func(r *http.Request) { r.Header.Set("Authorization", "Bearer valid-jwt") },
			wantStatus: http.StatusOK,
			wantMethod: AuthMethodBearer,
		},
		{
			name:       "lowercase bearer scheme",
			setup:      func(r *http.Request) { r.Header.Set("Authorization", "bearer valid-jwt") },
			wantStatus: http.StatusOK,
			wantMethod: AuthMethodBearer,
		},
		{
			name:       "api key",
			setup:      func(r *http.Request) { r.Header.Set("X-API-Key", "valid-key") },
			wantStatus: http.StatusOK,
			wantMethod: AuthMethodAPIKey,
		},
		{
			name:       "cookie",
			setup:      func(r *http.Request) { r.AddCookie(&http.Cookie{Name: AuthCookieName, Value: "valid-jwt"}) },
			wantStatus: http.StatusOK,
			wantMethod: AuthMethodCookie,
		},
		{
			name:       "no credential",
			setup:      func(r *http.Request) {},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "basic scheme is not accepted",
			setup:      func(r *http.Request) { r.Header.Set("Authorization", "Basic dXNlcjpwYXNz") },
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "invalid jwt",
			setup:      func(r *http.Request) { r.Header.Set("Authorization", "Bearer forged") },
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "invalid api key",
			setup:      func(r *http.Request) { r.Header.Set("X-API-Key", "wrong") },
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotUser *model.User
			var gotMethod string
			handler := NewAuthMiddleware(fixedAuthenticator(testUser()))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotUser, _ = UserFromContext(r.Context())
				gotMethod = AuthMethodFromContext(r.Context())
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodGet, "/api/auth/current", nil)
			tt.setup(req)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			if gotUser == nil || gotUser.PID != "user-pid-7" {
				t.Errorf("user = %+v, want pid user-pid-7", gotUser)
			}
			if gotMethod != tt.wantMethod {
				t.Errorf("method = %q, want %q", gotMethod, tt.wantMethod)
			}
		})
	}
}

func TestAuthMiddleware_BearerTakesPrecedenceOverCookie(t *testing.T) {
	var sessionToken string
	authn := &mockAuthenticator{
		resolveSessionFn: func(_ context.Context, tok string) (*model.User, error) {
			sessionToken = tok
			return testUser(), nil
		},
	}
	handler := NewAuthMiddleware(authn)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/auth/current", nil)
	req.Header.Set("Authorization", "Bearer from-header")
	req.AddCookie(&http.Cookie{Name: AuthCookieName, Value: "from-cookie"})
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if sessionToken != "from-header" {
		t.Errorf("resolved token = %q, want %q", sessionToken, "from-header")
	}
}

func TestAuthMiddleware_InternalError_Returns500(t *testing.T) {
	authn := &mockAuthenticator{
		resolveSessionFn: func(context.Context, string) (*model.User, error) {
			return nil, errors.New("connection refused")
		},
	}
	handler := NewAuthMiddleware(authn)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/teams", nil)
	req.Header.Set("Authorization", "Bearer valid-jwt")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

func TestUserFromContext_Empty(t *testing.T) {
	if _, err := UserFromContext(context.Background()); err == nil {
		t.Error("expected error for empty context")
	}
	if got := AuthMethodFromContext(context.Background()); got != "" {
		t.Errorf("method = %q, want empty", got)
	}
}

// --- システム管理者 ---

type mockAdminChecker struct {
	isSystemAdminFn func(ctx context.Context, user *model.User) (bool, error)
}

func (m *mockAdminChecker) IsSystemAdmin(ctx context.Context, user *model.User) (bool, error) {
	return m.isSystemAdminFn(ctx, user)
}

func TestRequireSystemAdmin(t *testing.T) {
	tests := []struct {
		name       string
		withUser   bool
		isAdmin    bool
		err        error
		wantStatus int
	}{
		{"admin passes", true, true, nil, http.StatusOK},
		{"non admin is forbidden", true, false, nil, http.StatusForbidden},
		{"checker failure", true, false, errors.New("db down"), http.StatusInternalServerError},
		{"no user", false, false, nil, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := &mockAdminChecker{
				isSystemAdminFn: func(context.Context, *model.User) (bool, error) {
					return tt.isAdmin, tt.err
				},
			}
			handler := NewRequireSystemAdmin(checker)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodGet, "/api/admin/users", nil)
			if tt.withUser {
				req = req.WithContext(ContextWithUser(req.Context(), testUser(), AuthMethodBearer))
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}
