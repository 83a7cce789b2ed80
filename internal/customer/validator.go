// Package customer は顧客レコードの検証と永続化のドメインロジックを提供する。
package customer

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/hitoshi/customers/internal/github"
	"github.com/hitoshi/customers/internal/model"
)

// フィールド名。バリデーションエラーのキーとしてレスポンスに載る。
const (
	FieldFullName       = "FullName"
	FieldEmail          = "Email"
	FieldGitHubUsername = "GitHubUsername"
	FieldDateOfBirth    = "DateOfBirth"
)

// directoryName はExternalDependencyErrorに載る依存先名。
const directoryName = "github"

// IdentityVerifier はGitHubユーザー名の存在確認インターフェース。
// github.Clientが実装する。
type IdentityVerifier interface {
	Lookup(ctx context.Context, username string) github.Lookup
}

// MarkupChecker は氏名にマークアップが含まれるかを判定するインターフェース。
// security.MarkupDetectorが実装する。
type MarkupChecker interface {
	ContainsMarkup(s string) bool
}

// ValidationResult は検証結果。
// Errorsが空の場合のみCustomerが永続化可能な値を保持する。
type ValidationResult struct {
	Customer model.Customer
	Errors   *model.ValidationError
}

// Valid はフィールドエラーがないかを返す。
func (r ValidationResult) Valid() bool {
	return !r.Errors.HasErrors()
}

// Validator は作成・更新リクエストを検証する。
type Validator struct {
	verifier IdentityVerifier
	markup   MarkupChecker
	now      func() time.Time
}

// NewValidator はValidatorを生成する。markupがnilの場合はマークアップ検査を行わない。
func NewValidator(verifier IdentityVerifier, markup MarkupChecker) *Validator {
	return &Validator{
		verifier: verifier,
		markup:   markup,
		now:      time.Now,
	}
}

// Validate はリクエストの全フィールドを検証し、エラーを集約して返す。
// 最初のエラーで打ち切らない。GitHubの確認はユーザー名が空でない場合のみ行う。
//
// ディレクトリがスロットリング中または到達不能の場合はフィールドエラーにせず、
// *model.ExternalDependencyErrorをerrorとして返す。
// このときもフィールドエラーは集約済みのResultとして返す。
func (v *Validator) Validate(ctx context.Context, req model.CustomerRequest) (ValidationResult, error) {
	verrs := model.NewValidationError()
	result := ValidationResult{
		Customer: model.Customer{
			FullName:       req.FullName,
			Email:          req.Email,
			GitHubUsername: req.GitHubUsername,
		},
		Errors: verrs,
	}

	v.validateFullName(req.FullName, verrs)
	v.validateEmail(req.Email, verrs)
	if dob, ok := v.validateDateOfBirth(req.DateOfBirth, verrs); ok {
		result.Customer.DateOfBirth = dob
	}

	if strings.TrimSpace(req.GitHubUsername) == "" {
		verrs.Add(FieldGitHubUsername, "GitHub username is required")
		return result, nil
	}

	lookup := v.verifier.Lookup(ctx, req.GitHubUsername)
	switch lookup.Result {
	case github.Found:
	case github.NotFound:
		verrs.Add(FieldGitHubUsername, fmt.Sprintf("There is no GitHub user with username %s", req.GitHubUsername))
	case github.Throttled:
		return result, &model.ExternalDependencyError{
			Dependency: directoryName,
			Outcome:    "throttled",
			RetryAfter: lookup.RetryAfter,
			Err:        lookup.Err,
		}
	default:
		return result, &model.ExternalDependencyError{
			Dependency: directoryName,
			Outcome:    "unavailable",
			Err:        lookup.Err,
		}
	}

	return result, nil
}

func (v *Validator) validateFullName(name string, verrs *model.ValidationError) {
	if strings.TrimSpace(name) == "" {
		verrs.Add(FieldFullName, "Full name is required")
		return
	}
	if v.markup != nil && v.markup.ContainsMarkup(name) {
		verrs.Add(FieldFullName, "Full name must not contain HTML")
	}
}

// validateEmail はRFC 5322のアドレス形式を検証する。
// 表示名付きの形式（"Ada <ada@example.com>"）は受け付けない。
func (v *Validator) validateEmail(email string, verrs *model.ValidationError) {
	if strings.TrimSpace(email) == "" {
		verrs.Add(FieldEmail, "Email is required")
		return
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Name != "" || addr.Address != email {
		verrs.Add(FieldEmail, fmt.Sprintf("%s is not a valid email address", email))
	}
}

func (v *Validator) validateDateOfBirth(raw string, verrs *model.ValidationError) (model.Date, bool) {
	if strings.TrimSpace(raw) == "" {
		verrs.Add(FieldDateOfBirth, "Date of birth is required")
		return model.Date{}, false
	}
	dob, err := model.ParseDate(raw)
	if err != nil {
		verrs.Add(FieldDateOfBirth, fmt.Sprintf("%s is not a valid date", raw))
		return model.Date{}, false
	}
	if dob.After(model.DateOf(v.now().UTC())) {
		verrs.Add(FieldDateOfBirth, "Date of birth must not be in the future")
		return model.Date{}, false
	}
	return dob, true
}
