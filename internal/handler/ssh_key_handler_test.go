package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/teamgate/internal/model"
	"github.com/hitoshi/teamgate/internal/sshkey"
)

// mockSSHKeyService はSSHKeyServiceInterfaceのモック実装。
type mockSSHKeyService struct {
	listFn   func(ctx context.Context, user *model.User) ([]*model.SSHKey, error)
	createFn func(ctx context.Context, user *model.User, params sshkey.CreateParams) (*model.SSHKey, error)
	deleteFn func(ctx context.Context, user *model.User, keyPID string) error
}

func testSSHKey() *model.SSHKey {
	created := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	return &model.SSHKey{
		ID:          1,
		PID:         "key-pid-1",
		UserID:      7,
		Label:       "laptop",
		PublicKey:   "ssh-ed25519 AAAA alice@laptop",
		Fingerprint: "SHA256:abc",
		CreatedAt:   created,
		UpdatedAt:   created,
	}
}

func (m *mockSSHKeyService) List(ctx context.Context, user *model.User) ([]*model.SSHKey, error) {
	if m.listFn != nil {
		return m.listFn(ctx, user)
	}
	return []*model.SSHKey{testSSHKey()}, nil
}

func (m *mockSSHKeyService) Create(ctx context.Context, user *model.User, params sshkey.CreateParams) (*model.SSHKey, error) {
	if m.createFn != nil {
		return m.createFn(ctx, user, params)
	}
	return testSSHKey(), nil
}

func (m *mockSSHKeyService) Delete(ctx context.Context, user *model.User, keyPID string) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, user, keyPID)
	}
	return nil
}

// --- GET /api/users/me/ssh-keys ---

func TestSSHKeyHandler_ListKeys(t *testing.T) {
	h := NewSSHKeyHandler(&mockSSHKeyService{})

	req := withUser(httptest.NewRequest(http.MethodGet, "/api/users/me/ssh-keys", nil), testUser())
	w := httptest.NewRecorder()
	h.ListKeys(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var keys []map[string]any
	if err := json.NewDecoder(w.Body).Decode(&keys); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("len(keys) = %d, want 1", len(keys))
	}
	if keys[0]["pid"] != "key-pid-1" || keys[0]["fingerprint"] != "SHA256:abc" {
		t.Errorf("key = %v", keys[0])
	}
	if _, ok := keys[0]["user_id"]; ok {
		t.Error("response must not expose internal user id")
	}
}

func TestSSHKeyHandler_ListKeys_EmptyIsArray(t *testing.T) {
	h := NewSSHKeyHandler(&mockSSHKeyService{
		listFn: func(ctx context.Context, user *model.User) ([]*model.SSHKey, error) {
			return nil, nil
		},
	})

	req := withUser(httptest.NewRequest(http.MethodGet, "/api/users/me/ssh-keys", nil), testUser())
	w := httptest.NewRecorder()
	h.ListKeys(w, req)

	if got := w.Body.String(); got != "[]\n" {
		t.Errorf("body = %q, want %q", got, "[]\n")
	}
}

// --- POST /api/users/me/ssh-keys ---

func TestSSHKeyHandler_CreateKey(t *testing.T) {
	var got sshkey.CreateParams
	h := NewSSHKeyHandler(&mockSSHKeyService{
		createFn: func(ctx context.Context, user *model.User, params sshkey.CreateParams) (*model.SSHKey, error) {
			got = params
			return testSSHKey(), nil
		},
	})

	req := withUser(jsonRequest(http.MethodPost, "/api/users/me/ssh-keys", `{"label":"laptop","key":"ssh-ed25519 AAAA"}`), testUser())
	w := httptest.NewRecorder()
	h.CreateKey(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusCreated)
	}
	if got.Label != "laptop" || got.Key != "ssh-ed25519 AAAA" {
		t.Errorf("params = %+v", got)
	}
	if body := decodeBody(t, w); body["label"] != "laptop" {
		t.Errorf("label = %v, want laptop", body["label"])
	}
}

func TestSSHKeyHandler_CreateKey_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"duplicate", `{"label":"laptop","key":"k"}`, model.NewEntityAlreadyExistsError("同じSSH鍵"), http.StatusConflict, model.ErrCodeEntityAlreadyExists},
		{"invalid key", `{"label":"laptop","key":"k"}`, model.NewValidationError("key: not a valid SSH public key"), http.StatusBadRequest, model.ErrCodeValidation},
		{"unknown field", `{"label":"laptop","key":"k","user_id":1}`, nil, http.StatusBadRequest, model.ErrCodeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewSSHKeyHandler(&mockSSHKeyService{
				createFn: func(ctx context.Context, user *model.User, params sshkey.CreateParams) (*model.SSHKey, error) {
					return nil, tt.err
				},
			})

			req := withUser(jsonRequest(http.MethodPost, "/api/users/me/ssh-keys", tt.body), testUser())
			w := httptest.NewRecorder()
			h.CreateKey(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if body := parseAPIErrorResponse(t, w); body["code"] != tt.wantCode {
				t.Errorf("code = %q, want %q", body["code"], tt.wantCode)
			}
		})
	}
}

// --- DELETE /api/users/me/ssh-keys/{keyID} ---

func TestSSHKeyHandler_DeleteKey(t *testing.T) {
	var gotPID string
	h := NewSSHKeyHandler(&mockSSHKeyService{
		deleteFn: func(ctx context.Context, user *model.User, keyPID string) error {
			gotPID = keyPID
			if keyPID != "key-pid-1" {
				return model.NewEntityNotFoundError("SSH鍵")
			}
			return nil
		},
	})

	req := withChiURLParams(withUser(httptest.NewRequest(http.MethodDelete, "/api/users/me/ssh-keys/key-pid-1", nil), testUser()), "keyID", "key-pid-1")
	w := httptest.NewRecorder()
	h.DeleteKey(w, req)
	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if gotPID != "key-pid-1" {
		t.Errorf("keyPID = %q, want key-pid-1", gotPID)
	}

	req = withChiURLParams(withUser(httptest.NewRequest(http.MethodDelete, "/api/users/me/ssh-keys/other", nil), testUser()), "keyID", "other")
	w = httptest.NewRecorder()
	h.DeleteKey(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestSSHKeyHandler_RequiresUser(t *testing.T) {
	h := NewSSHKeyHandler(&mockSSHKeyService{})

	w := httptest.NewRecorder()
	h.ListKeys(w, httptest.NewRequest(http.MethodGet, "/api/users/me/ssh-keys", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}
