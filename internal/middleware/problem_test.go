package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/customers/internal/model"
)

// TestWriteValidationProblem はバリデーションエラーのproblemドキュメントを検証する。
func TestWriteValidationProblem(t *testing.T) {
	verr := model.NewValidationError()
	verr.Add("Email", "bad is not a valid email address")

	w := httptest.NewRecorder()
	WriteValidationProblem(w, verr)

	resp := w.Result()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
	if ct := resp.Header.Get("Content-Type"); ct != ProblemContentType {
		t.Errorf("Content-Type = %q, want %q", ct, ProblemContentType)
	}

	var body Problem
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.Title != "One or more validation errors occurred." {
		t.Errorf("title = %q", body.Title)
	}
	if body.Status != http.StatusBadRequest {
		t.Errorf("status = %d", body.Status)
	}
	if body.Type == "" {
		t.Error("type should be set")
	}
	if got := body.Errors["Email"]; len(got) != 1 || got[0] != "bad is not a valid email address" {
		t.Errorf("errors.Email = %v", got)
	}
}

// TestWriteErrorResponse はAPIErrorがdetailとcodeに載ることを検証する。
func TestWriteErrorResponse(t *testing.T) {
	w := httptest.NewRecorder()
	WriteErrorResponse(w, http.StatusNotFound, model.NewCustomerNotFoundError("abc"))

	var body map[string]any
	if err := json.NewDecoder(w.Result().Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body["code"] != model.ErrCodeCustomerNotFound {
		t.Errorf("code = %v", body["code"])
	}
	if body["detail"] != "customer abc was not found" {
		t.Errorf("detail = %v", body["detail"])
	}
	if body["title"] != "Not Found" {
		t.Errorf("title = %v", body["title"])
	}
	if _, ok := body["errors"]; ok {
		t.Error("errors should be omitted for non-validation problems")
	}
}

// TestWriteInternalServerError は内部エラーの詳細を返さないことを検証する。
func TestWriteInternalServerError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteInternalServerError(w)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	var body Problem
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.Code != model.ErrCodeInternal {
		t.Errorf("code = %q", body.Code)
	}
}
