package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/teamgate/internal/middleware"
	"github.com/hitoshi/teamgate/internal/model"
)

// maxBodyBytes はJSONリクエストボディの上限。公開鍵を含むため余裕を持たせる。
const maxBodyBytes = 1 << 20

// writeJSON はvをJSONとして書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// decodeJSON はリクエストボディをdstにデコードする。失敗時はエラーレスポンスを書き込みfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		middleware.WriteAPIError(w, &model.APIError{
			Code:     model.ErrCodeValidation,
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return false
	}
	return true
}

// handleServiceError はサービス層から返されたエラーを統一フォーマットのレスポンスに変換する。
// APIError以外は内部エラーとしてログに残し、詳細は返さない。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteAPIError(w, apiErr)
		return
	}

	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// currentUser は認証済みユーザーを返す。存在しない場合は401を書き込みfalseを返す。
func currentUser(w http.ResponseWriter, r *http.Request) (*model.User, bool) {
	user, err := middleware.UserFromContext(r.Context())
	if err != nil {
		middleware.WriteAPIError(w, model.NewUnauthorizedError())
		return nil, false
	}
	return user, true
}

// --- レスポンス型 ---

// userResponse は公開してよいユーザー情報。内部IDやハッシュ、トークンは含めない。
type userResponse struct {
	PID           string    `json:"pid"`
	Name          string    `json:"name"`
	Email         string    `json:"email"`
	Status        string    `json:"status"`
	EmailVerified bool      `json:"email_verified"`
	PGPKey        bool      `json:"pgp_key"`
	PGPVerified   bool      `json:"pgp_verified"`
	GPGKey        bool      `json:"gpg_key"`
	GPGVerified   bool      `json:"gpg_verified"`
	CreatedAt     time.Time `json:"created_at"`
}

func toUserResponse(u *model.User) userResponse {
	return userResponse{
		PID:           u.PID,
		Name:          u.Name,
		Email:         u.Email,
		Status:        u.Status.String(),
		EmailVerified: u.IsEmailVerified(),
		PGPKey:        u.PGPKey != nil && *u.PGPKey != "",
		PGPVerified:   u.PGPVerifiedAt != nil,
		GPGKey:        u.GPGKey != nil && *u.GPGKey != "",
		GPGVerified:   u.GPGVerifiedAt != nil,
		CreatedAt:     u.CreatedAt,
	}
}

func toUserResponses(users []*model.User) []userResponse {
	out := make([]userResponse, len(users))
	for i, u := range users {
		out[i] = toUserResponse(u)
	}
	return out
}

// sessionResponse はログインの結果。
type sessionResponse struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expires_at"`
	User      userResponse `json:"user"`
}

type teamResponse struct {
	PID         string    `json:"pid"`
	Name        string    `json:"name"`
	Slug        string    `json:"slug"`
	Description *string   `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func toTeamResponse(t *model.Team) teamResponse {
	return teamResponse{
		PID:         t.PID,
		Name:        t.Name,
		Slug:        t.Slug,
		Description: t.Description,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

// teamDetailResponse はチームと呼び出し元のロールを返す。
type teamDetailResponse struct {
	teamResponse
	Role string `json:"role"`
}

type memberResponse struct {
	PID       string     `json:"pid"`
	UserPID   string     `json:"user_pid"`
	Name      string     `json:"name"`
	Email     string     `json:"email"`
	Role      string     `json:"role"`
	Pending   bool       `json:"pending"`
	InvitedAt *time.Time `json:"invited_at,omitempty"`
}

func toMemberResponse(m model.MemberDetail) memberResponse {
	resp := memberResponse{
		PID:     m.PID,
		UserPID: m.UserPID,
		Name:    m.UserName,
		Email:   m.UserEmail,
		Role:    m.Role.String(),
		Pending: m.Pending,
	}
	if m.Pending {
		resp.InvitedAt = m.InvitationSentAt
	}
	return resp
}

type membershipResponse struct {
	PID     string `json:"pid"`
	Role    string `json:"role"`
	Pending bool   `json:"pending"`
}

func toMembershipResponse(m *model.Membership) membershipResponse {
	return membershipResponse{PID: m.PID, Role: m.Role.String(), Pending: m.Pending}
}

// invitationResponse は招待された本人向けの招待情報。トークンは本人にのみ返す。
type invitationResponse struct {
	Token     string       `json:"token"`
	Role      string       `json:"role"`
	InvitedAt *time.Time   `json:"invited_at"`
	Team      teamResponse `json:"team"`
}

func toInvitationResponse(inv model.Invitation) invitationResponse {
	resp := invitationResponse{
		Role:      inv.Role.String(),
		InvitedAt: inv.InvitationSentAt,
		Team:      toTeamResponse(&inv.Team),
	}
	if inv.InvitationToken != nil {
		resp.Token = *inv.InvitationToken
	}
	return resp
}

type inviteResponse struct {
	Membership     membershipResponse `json:"membership"`
	UserPID        string             `json:"user_pid"`
	DeliveryFailed bool               `json:"delivery_failed"`
}

// resetTokenResponse は有効な再設定トークンと、新しいパスワードの送信先を返す。
type resetTokenResponse struct {
	Token     string `json:"token"`
	ResetPath string `json:"reset_path"`
}

// messageResponse は匿名フローで返す、結果を区別しない応答。
type messageResponse struct {
	Message string `json:"message"`
}
