package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// APIError は統一エラーフォーマットを表す。
// レスポンスのproblemドキュメントに code / detail として載る。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, customer, dependency, system
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeCustomerNotFound     = "CUSTOMER_NOT_FOUND"
	ErrCodeValidationFailed     = "VALIDATION_FAILED"
	ErrCodeInvalidRequest       = "INVALID_REQUEST"
	ErrCodeDirectoryThrottled   = "DIRECTORY_THROTTLED"
	ErrCodeDirectoryUnavailable = "DIRECTORY_UNAVAILABLE"
	ErrCodeRateLimitExceeded    = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal             = "INTERNAL_ERROR"
)

// NewCustomerNotFoundError は顧客未検出エラーを生成する。
func NewCustomerNotFoundError(id string) *APIError {
	return &APIError{
		Code:     ErrCodeCustomerNotFound,
		Message:  fmt.Sprintf("customer %s was not found", id),
		Category: "customer",
	}
}

// NewInvalidRequestError はリクエストボディが解析できない場合のエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("request body could not be parsed: %s", reason),
		Category: "validation",
	}
}

// IsNotFound はerrが顧客未検出エラーかどうかを返す。
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == ErrCodeCustomerNotFound
}

// ValidationTitle はバリデーションエラーのproblemタイトル。
const ValidationTitle = "One or more validation errors occurred."

// ValidationError はフィールドごとの入力エラーを集約する。
// クライアントの入力に起因するため400として返し、サーバー側で再試行しない。
type ValidationError struct {
	Errors map[string][]string
}

// NewValidationError は空のValidationErrorを生成する。
func NewValidationError() *ValidationError {
	return &ValidationError{Errors: make(map[string][]string)}
}

// Add はフィールドにエラーメッセージを追加する。
func (e *ValidationError) Add(field, message string) {
	if e.Errors == nil {
		e.Errors = make(map[string][]string)
	}
	e.Errors[field] = append(e.Errors[field], message)
}

// HasErrors はエラーが1件以上あるかを返す。
func (e *ValidationError) HasErrors() bool {
	return e != nil && len(e.Errors) > 0
}

// Error はerrorインターフェースを実装する。フィールド名順に連結する。
func (e *ValidationError) Error() string {
	fields := make([]string, 0, len(e.Errors))
	for f := range e.Errors {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f, strings.Join(e.Errors[f], "; ")))
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

// ExternalDependencyError は外部ディレクトリサービスの障害を表す。
// 呼び出し元の入力ではなく依存先の問題なので、サーバーエラーとして扱う。
type ExternalDependencyError struct {
	Dependency string
	Outcome    string // throttled / unavailable
	RetryAfter time.Duration
	Err        error
}

// Error はerrorインターフェースを実装する。
func (e *ExternalDependencyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", e.Dependency, e.Outcome, e.Err)
	}
	return fmt.Sprintf("%s %s", e.Dependency, e.Outcome)
}

// Unwrap は原因エラーを返す。
func (e *ExternalDependencyError) Unwrap() error {
	return e.Err
}

// Code はproblemドキュメント用のエラーコードを返す。
func (e *ExternalDependencyError) Code() string {
	if e.Outcome == "throttled" {
		return ErrCodeDirectoryThrottled
	}
	return ErrCodeDirectoryUnavailable
}
