package customer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/customers/internal/model"
	"github.com/hitoshi/customers/internal/repository"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// defaultDBTimeout はストレージ操作1回あたりの既定の上限時間。
const defaultDBTimeout = 5 * time.Second

// 書き込み結果のラベル。メトリクスに使う。
const (
	outcomeSuccess           = "success"
	outcomeValidationFailed  = "validation_failed"
	outcomeNotFound          = "not_found"
	outcomeDependencyFailure = "dependency_failure"
	outcomeError             = "error"
)

// CustomerValidator はリクエスト検証のインターフェース。*Validatorが実装する。
type CustomerValidator interface {
	Validate(ctx context.Context, req model.CustomerRequest) (ValidationResult, error)
}

// WriteRecorder は書き込み操作の結果を記録するインターフェース。
// metrics.Collectorが実装する。
type WriteRecorder interface {
	RecordCustomerWrite(operation, outcome string)
}

// Service は顧客管理のサービス層。
// APIレイヤーが呼び出す唯一の入口であり、検証から永続化までの書き込み境界を定める。
type Service struct {
	store     repository.CustomerStore
	validator CustomerValidator
	tracer    trace.Tracer
	recorder  WriteRecorder
	dbTimeout time.Duration
	newID     func() string
}

// Option はServiceのオプション設定。
type Option func(*Service)

// WithDBTimeout はストレージ操作の上限時間を設定する。
func WithDBTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.dbTimeout = d
		}
	}
}

// WithTracer はスパンの記録先を設定する。
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = t
	}
}

// WithWriteRecorder は書き込み結果の記録先を設定する。
func WithWriteRecorder(r WriteRecorder) Option {
	return func(s *Service) {
		s.recorder = r
	}
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(store repository.CustomerStore, validator CustomerValidator, opts ...Option) *Service {
	s := &Service{
		store:     store,
		validator: validator,
		dbTimeout: defaultDBTimeout,
		newID:     func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer("github.com/hitoshi/customers/internal/customer")
	}
	return s
}

// Create はリクエストを検証し、新しい顧客を作成する。
// フィールドエラーがあれば*model.ValidationError、ディレクトリ障害なら
// *model.ExternalDependencyErrorを返し、いずれの場合もストレージには触れない。
func (s *Service) Create(ctx context.Context, req model.CustomerRequest) (_ *model.Customer, err error) {
	ctx, span := s.tracer.Start(ctx, "customer.Create")
	defer func() { s.finish(span, "create", err) }()

	result, err := s.validate(ctx, req)
	if err != nil {
		return nil, err
	}

	customer := result.Customer
	customer.ID = s.newID()
	span.SetAttributes(attribute.String("customer.id", customer.ID))

	err = s.withinTx(ctx, func(ctx context.Context, repo repository.CustomerRepository) error {
		return repo.Create(ctx, &customer)
	})
	if err != nil {
		return nil, fmt.Errorf("顧客の作成に失敗しました: %w", err)
	}

	slog.Info("顧客を作成しました",
		slog.String("customer_id", customer.ID),
		slog.String("github_username", customer.GitHubUsername),
	)

	return &customer, nil
}

// Get は指定IDの顧客を取得する。存在しない場合はNotFoundエラーを返す。
func (s *Service) Get(ctx context.Context, id string) (_ *model.Customer, err error) {
	ctx, span := s.tracer.Start(ctx, "customer.Get", trace.WithAttributes(attribute.String("customer.id", id)))
	defer func() { endSpan(span, err) }()

	key, ok := canonicalID(id)
	if !ok {
		return nil, model.NewCustomerNotFoundError(id)
	}

	ctx, cancel := context.WithTimeout(ctx, s.dbTimeout)
	defer cancel()

	customer, err := s.store.FindByID(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("顧客の取得に失敗しました: %w", err)
	}
	if customer == nil {
		return nil, model.NewCustomerNotFoundError(id)
	}
	return customer, nil
}

// List は全顧客を返す。顧客がいない場合は空スライスを返す。
func (s *Service) List(ctx context.Context) (_ []model.Customer, err error) {
	ctx, span := s.tracer.Start(ctx, "customer.List")
	defer func() { endSpan(span, err) }()

	ctx, cancel := context.WithTimeout(ctx, s.dbTimeout)
	defer cancel()

	customers, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("顧客一覧の取得に失敗しました: %w", err)
	}
	if customers == nil {
		customers = []model.Customer{}
	}
	span.SetAttributes(attribute.Int("customer.count", len(customers)))
	return customers, nil
}

// Update は既存の顧客の全フィールドを置き換える。
// 存在確認を検証より先に行い、存在しなければ検証せずにNotFoundを返す。
// GitHubユーザー名は毎回改めて確認する。
func (s *Service) Update(ctx context.Context, id string, req model.CustomerRequest) (_ *model.Customer, err error) {
	ctx, span := s.tracer.Start(ctx, "customer.Update", trace.WithAttributes(attribute.String("customer.id", id)))
	defer func() { s.finish(span, "update", err) }()

	key, ok := canonicalID(id)
	if !ok {
		return nil, model.NewCustomerNotFoundError(id)
	}

	existing, err := s.findWithTimeout(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("顧客の取得に失敗しました: %w", err)
	}
	if existing == nil {
		return nil, model.NewCustomerNotFoundError(id)
	}

	result, err := s.validate(ctx, req)
	if err != nil {
		return nil, err
	}

	customer := result.Customer
	customer.ID = key

	err = s.withinTx(ctx, func(ctx context.Context, repo repository.CustomerRepository) error {
		updated, err := repo.Update(ctx, &customer)
		if err != nil {
			return err
		}
		if !updated {
			// 検証中に削除された
			return model.NewCustomerNotFoundError(id)
		}
		return nil
	})
	if err != nil {
		if model.IsNotFound(err) {
			return nil, err
		}
		return nil, fmt.Errorf("顧客の更新に失敗しました: %w", err)
	}

	slog.Info("顧客を更新しました",
		slog.String("customer_id", customer.ID),
		slog.String("github_username", customer.GitHubUsername),
	)

	return &customer, nil
}

// Delete は顧客を削除する。存在確認と削除は同一トランザクションで行う。
// 既に存在しない場合はNotFoundを返すため、2回目以降の削除は404になる。
func (s *Service) Delete(ctx context.Context, id string) (err error) {
	ctx, span := s.tracer.Start(ctx, "customer.Delete", trace.WithAttributes(attribute.String("customer.id", id)))
	defer func() { s.finish(span, "delete", err) }()

	key, ok := canonicalID(id)
	if !ok {
		return model.NewCustomerNotFoundError(id)
	}

	err = s.withinTx(ctx, func(ctx context.Context, repo repository.CustomerRepository) error {
		existing, err := repo.FindByID(ctx, key)
		if err != nil {
			return err
		}
		if existing == nil {
			return model.NewCustomerNotFoundError(id)
		}
		deleted, err := repo.Delete(ctx, key)
		if err != nil {
			return err
		}
		if !deleted {
			return model.NewCustomerNotFoundError(id)
		}
		return nil
	})
	if err != nil {
		if model.IsNotFound(err) {
			return err
		}
		return fmt.Errorf("顧客の削除に失敗しました: %w", err)
	}

	slog.Info("顧客を削除しました", slog.String("customer_id", key))
	return nil
}

// validate はフィールドエラーをディレクトリ障害より優先して返す。
func (s *Service) validate(ctx context.Context, req model.CustomerRequest) (ValidationResult, error) {
	result, depErr := s.validator.Validate(ctx, req)
	if !result.Valid() {
		return result, result.Errors
	}
	if depErr != nil {
		var extErr *model.ExternalDependencyError
		if errors.As(depErr, &extErr) {
			slog.Warn("ディレクトリ照会に失敗したため書き込みを中止しました",
				slog.String("github_username", req.GitHubUsername),
				slog.String("outcome", extErr.Outcome),
			)
		}
		return result, depErr
	}
	return result, nil
}

func (s *Service) findWithTimeout(ctx context.Context, id string) (*model.Customer, error) {
	ctx, cancel := context.WithTimeout(ctx, s.dbTimeout)
	defer cancel()
	return s.store.FindByID(ctx, id)
}

// withinTx はDB_TIMEOUTを上限としてfnをトランザクション内で実行する。
func (s *Service) withinTx(ctx context.Context, fn func(ctx context.Context, repo repository.CustomerRepository) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.dbTimeout)
	defer cancel()
	return s.store.WithinTx(ctx, func(repo repository.CustomerRepository) error {
		return fn(ctx, repo)
	})
}

// finish は書き込み操作のスパンを終了し、結果を記録する。
func (s *Service) finish(span trace.Span, operation string, err error) {
	if s.recorder != nil {
		s.recorder.RecordCustomerWrite(operation, writeOutcome(err))
	}
	endSpan(span, err)
}

func endSpan(span trace.Span, err error) {
	if err != nil && !isClientError(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func isClientError(err error) bool {
	var verr *model.ValidationError
	return errors.As(err, &verr) || model.IsNotFound(err)
}

func writeOutcome(err error) string {
	var (
		verr   *model.ValidationError
		extErr *model.ExternalDependencyError
	)
	switch {
	case err == nil:
		return outcomeSuccess
	case errors.As(err, &verr):
		return outcomeValidationFailed
	case model.IsNotFound(err):
		return outcomeNotFound
	case errors.As(err, &extErr):
		return outcomeDependencyFailure
	default:
		return outcomeError
	}
}

// canonicalID はUUIDとして解釈できるIDを正規形にする。
// 解釈できないIDは存在しない顧客として扱い、ストレージには問い合わせない。
func canonicalID(id string) (string, bool) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return "", false
	}
	return parsed.String(), true
}
