// Package middleware はHTTPミドルウェアとエラーレスポンスの書き込みを提供する。
package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hitoshi/customers/internal/model"
)

// ProblemContentType はエラーレスポンスのContent-Type。
const ProblemContentType = "application/problem+json"

// Problem はAPIエラーレスポンスの統一フォーマット（problemドキュメント）。
// バリデーションエラーはErrorsにフィールドごとのメッセージを持つ。
type Problem struct {
	Type   string              `json:"type"`
	Title  string              `json:"title"`
	Status int                 `json:"status"`
	Detail string              `json:"detail,omitempty"`
	Code   string              `json:"code,omitempty"`
	Errors map[string][]string `json:"errors,omitempty"`
}

// problemType はstatusに対応するtype URIを返す。
func problemType(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "https://tools.ietf.org/html/rfc9110#section-15.5.1"
	case http.StatusNotFound:
		return "https://tools.ietf.org/html/rfc9110#section-15.5.5"
	case http.StatusTooManyRequests:
		return "https://tools.ietf.org/html/rfc6585#section-4"
	case http.StatusInternalServerError:
		return "https://tools.ietf.org/html/rfc9110#section-15.6.1"
	default:
		return "about:blank"
	}
}

// WriteProblem はproblemドキュメントを書き込む。TypeとTitleが空なら補完する。
func WriteProblem(w http.ResponseWriter, p Problem) {
	if p.Type == "" {
		p.Type = problemType(p.Status)
	}
	if p.Title == "" {
		p.Title = http.StatusText(p.Status)
	}
	w.Header().Set("Content-Type", ProblemContentType)
	w.WriteHeader(p.Status)
	if err := json.NewEncoder(w).Encode(p); err != nil {
		slog.Error("failed to encode problem response", slog.String("error", err.Error()))
	}
}

// WriteValidationProblem はフィールドエラーを400で返す。
func WriteValidationProblem(w http.ResponseWriter, verr *model.ValidationError) {
	WriteProblem(w, Problem{
		Title:  model.ValidationTitle,
		Status: http.StatusBadRequest,
		Code:   model.ErrCodeValidationFailed,
		Errors: verr.Errors,
	})
}

// WriteErrorResponse はAPIErrorを指定ステータスのproblemドキュメントとして書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	WriteProblem(w, Problem{
		Status: statusCode,
		Detail: apiErr.Message,
		Code:   apiErr.Code,
	})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、クライアントには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     model.ErrCodeInternal,
		Message:  "An unexpected error occurred.",
		Category: "system",
	})
}
