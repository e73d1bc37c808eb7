package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/teamgate/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// statusByCode はエラーコードとHTTPステータスの対応。
var statusByCode = map[string]int{
	model.ErrCodeEntityNotFound:      http.StatusNotFound,
	model.ErrCodeEntityAlreadyExists: http.StatusConflict,
	model.ErrCodeValidation:          http.StatusBadRequest,
	model.ErrCodeUnauthorized:        http.StatusUnauthorized,
	model.ErrCodeForbidden:           http.StatusForbidden,
	model.ErrCodeInvalidOperation:    http.StatusConflict,
	model.ErrCodeInvalidCredentials:  http.StatusUnauthorized,
	model.ErrCodeAccountPending:      http.StatusForbidden,
	model.ErrCodeAccountRejected:     http.StatusForbidden,
	model.ErrCodeInvalidToken:        http.StatusBadRequest,
	model.ErrCodeInternal:            http.StatusInternalServerError,
}

// StatusForError はAPIErrorに対応するHTTPステータスを返す。未知のコードは500。
func StatusForError(apiErr *model.APIError) int {
	if status, ok := statusByCode[apiErr.Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteAPIError はAPIErrorをコードに対応するステータスで書き込む。
func WriteAPIError(w http.ResponseWriter, apiErr *model.APIError) {
	WriteErrorResponse(w, StatusForError(apiErr), apiErr)
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
}
