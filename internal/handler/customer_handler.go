// Package handler はHTTPハンドラーとルーティングを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/customers/internal/middleware"
	"github.com/hitoshi/customers/internal/model"
)

// maxRequestBodySize はリクエストボディの上限。
const maxRequestBodySize = 1 << 20

// CustomerServiceInterface は顧客ハンドラーが必要とするサービスインターフェース。
type CustomerServiceInterface interface {
	Create(ctx context.Context, req model.CustomerRequest) (*model.Customer, error)
	Get(ctx context.Context, id string) (*model.Customer, error)
	List(ctx context.Context) ([]model.Customer, error)
	Update(ctx context.Context, id string, req model.CustomerRequest) (*model.Customer, error)
	Delete(ctx context.Context, id string) error
}

// CustomerHandler は顧客管理のHTTPハンドラー。
type CustomerHandler struct {
	service CustomerServiceInterface
}

// NewCustomerHandler はCustomerHandlerを生成する。
func NewCustomerHandler(service CustomerServiceInterface) *CustomerHandler {
	return &CustomerHandler{service: service}
}

// customerRequest は作成・更新リクエストのボディ。
type customerRequest struct {
	FullName       string `json:"fullName"`
	Email          string `json:"email"`
	GitHubUsername string `json:"gitHubUsername"`
	DateOfBirth    string `json:"dateOfBirth"`
}

// customerResponse は顧客情報のAPIレスポンス。
// 生年月日はタイムスタンプではなく暦日で返す。
type customerResponse struct {
	ID             string     `json:"id"`
	FullName       string     `json:"fullName"`
	Email          string     `json:"email"`
	GitHubUsername string     `json:"gitHubUsername"`
	DateOfBirth    model.Date `json:"dateOfBirth"`
}

// customerListResponse は一覧レスポンスのエンベロープ。
type customerListResponse struct {
	Customers []customerResponse `json:"customers"`
}

// Create は顧客の作成を処理する。
// POST /customers
func (h *CustomerHandler) Create(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCustomerRequest(w, r)
	if !ok {
		return
	}

	customer, err := h.service.Create(r.Context(), req)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	w.Header().Set("Location", "/customers/"+customer.ID)
	writeJSON(w, http.StatusCreated, toCustomerResponse(customer))
}

// Get は顧客の取得を処理する。
// GET /customers/{id}
func (h *CustomerHandler) Get(w http.ResponseWriter, r *http.Request) {
	customer, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toCustomerResponse(customer))
}

// List は顧客一覧を処理する。
// GET /customers
func (h *CustomerHandler) List(w http.ResponseWriter, r *http.Request) {
	customers, err := h.service.List(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	resp := customerListResponse{Customers: make([]customerResponse, 0, len(customers))}
	for i := range customers {
		resp.Customers = append(resp.Customers, toCustomerResponse(&customers[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Update は顧客の全フィールド置き換えを処理する。
// PUT /customers/{id}
func (h *CustomerHandler) Update(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCustomerRequest(w, r)
	if !ok {
		return
	}

	customer, err := h.service.Update(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toCustomerResponse(customer))
}

// Delete は顧客の削除を処理する。
// DELETE /customers/{id}
func (h *CustomerHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// decodeCustomerRequest はリクエストボディをパースする。
// パースできない場合は400を書き込みfalseを返す。
func decodeCustomerRequest(w http.ResponseWriter, r *http.Request) (model.CustomerRequest, bool) {
	var body customerRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize)).Decode(&body); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError(err.Error()))
		return model.CustomerRequest{}, false
	}
	return model.CustomerRequest{
		FullName:       body.FullName,
		Email:          body.Email,
		GitHubUsername: body.GitHubUsername,
		DateOfBirth:    body.DateOfBirth,
	}, true
}

func toCustomerResponse(c *model.Customer) customerResponse {
	return customerResponse{
		ID:             c.ID,
		FullName:       c.FullName,
		Email:          c.Email,
		GitHubUsername: c.GitHubUsername,
		DateOfBirth:    c.DateOfBirth,
	}
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr   *model.ValidationError
		apiErr *model.APIError
		extErr *model.ExternalDependencyError
	)

	switch {
	case errors.As(err, &verr):
		middleware.WriteValidationProblem(w, verr)
	case errors.As(err, &apiErr):
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
	case errors.As(err, &extErr):
		// スロットリング中も500。Retry-Afterは分かる場合のみ付与する
		if extErr.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(extErr.RetryAfter.Seconds()))))
		}
		middleware.WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
			Code:     extErr.Code(),
			Message:  "The GitHub user directory is currently unavailable. Please try again later.",
			Category: "dependency",
		})
	default:
		slog.Error("internal server error",
			slog.String("error", err.Error()),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("request_id", middleware.RequestIDFromContext(r.Context())),
		)
		middleware.WriteInternalServerError(w)
	}
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeCustomerNotFound:
		return http.StatusNotFound
	case model.ErrCodeInvalidRequest, model.ErrCodeValidationFailed:
		return http.StatusBadRequest
	case model.ErrCodeRateLimitExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}
