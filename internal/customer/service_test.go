package customer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/customers/internal/github"
	"github.com/hitoshi/customers/internal/model"
	"github.com/hitoshi/customers/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// --- モック定義 ---

type mockValidator struct {
	validateFn func(ctx context.Context, req model.CustomerRequest) (ValidationResult, error)
}

func (m *mockValidator) Validate(ctx context.Context, req model.CustomerRequest) (ValidationResult, error) {
	return m.validateFn(ctx, req)
}

// failingStore はストレージ障害を再現する。
type failingStore struct {
	*repository.MemoryCustomerRepo
	err error
}

func (s *failingStore) List(ctx context.Context) ([]model.Customer, error) {
	return nil, s.err
}

func (s *failingStore) FindByID(ctx context.Context, id string) (*model.Customer, error) {
	return nil, s.err
}

func (s *failingStore) WithinTx(ctx context.Context, fn func(repo repository.CustomerRepository) error) error {
	return s.err
}

type recordedWrite struct {
	operation string
	outcome   string
}

type fakeWriteRecorder struct {
	mu     sync.Mutex
	writes []recordedWrite
}

func (r *fakeWriteRecorder) RecordCustomerWrite(operation, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes = append(r.writes, recordedWrite{operation: operation, outcome: outcome})
}

// --- スイート ---

type ServiceSuite struct {
	suite.Suite
	store    *repository.MemoryCustomerRepo
	verifier *mockVerifier
	recorder *fakeWriteRecorder
	svc      *Service
	ctx      context.Context
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = repository.NewMemoryCustomerRepo()
	s.verifier = &mockVerifier{
		lookupFn: func(ctx context.Context, username string) github.Lookup {
			switch username {
			case "validuser", "otheruser":
				return github.Lookup{Result: github.Found}
			case "throttled":
				return github.Lookup{Result: github.Throttled, RetryAfter: 30 * time.Second}
			case "broken":
				return github.Lookup{Result: github.Unavailable}
			default:
				return github.Lookup{Result: github.NotFound}
			}
		},
	}
	s.recorder = &fakeWriteRecorder{}
	s.svc = NewService(s.store, newTestValidator(s.verifier), WithWriteRecorder(s.recorder))
}

func (s *ServiceSuite) create(req model.CustomerRequest) *model.Customer {
	s.T().Helper()
	c, err := s.svc.Create(s.ctx, req)
	s.Require().NoError(err)
	return c
}

func (s *ServiceSuite) TestCreate_PersistsRequestFields() {
	created := s.create(validRequest())

	_, err := uuid.Parse(created.ID)
	s.Require().NoError(err)
	s.Equal("Ada Lovelace", created.FullName)
	s.Equal("ada@example.com", created.Email)
	s.Equal("validuser", created.GitHubUsername)
	s.Equal("1990-01-01", created.DateOfBirth.String())

	got, err := s.svc.Get(s.ctx, created.ID)
	s.Require().NoError(err)
	s.Equal(created.FullName, got.FullName)
	s.Equal(created.Email, got.Email)
	s.Equal(created.GitHubUsername, got.GitHubUsername)
	s.Equal(created.DateOfBirth, got.DateOfBirth)
}

func (s *ServiceSuite) TestCreate_GeneratesDistinctIDs() {
	a := s.create(validRequest())
	b := s.create(validRequest())
	s.NotEqual(a.ID, b.ID)
}

func (s *ServiceSuite) TestCreate_ValidationFailureDoesNotTouchStorage() {
	req := validRequest()
	req.Email = "not-an-email"

	_, err := s.svc.Create(s.ctx, req)

	var verr *model.ValidationError
	s.Require().ErrorAs(err, &verr)
	s.Equal([]string{"not-an-email is not a valid email address"}, verr.Errors["Email"])

	list, err := s.svc.List(s.ctx)
	s.Require().NoError(err)
	s.Empty(list)
}

func (s *ServiceSuite) TestCreate_UnknownUsername() {
	req := validRequest()
	req.GitHubUsername = "doesnotexist123"

	_, err := s.svc.Create(s.ctx, req)

	var verr *model.ValidationError
	s.Require().ErrorAs(err, &verr)
	s.Equal([]string{"There is no GitHub user with username doesnotexist123"}, verr.Errors["GitHubUsername"])
}

func (s *ServiceSuite) TestCreate_ThrottledIsDependencyFailure() {
	req := validRequest()
	req.GitHubUsername = "throttled"

	_, err := s.svc.Create(s.ctx, req)

	var extErr *model.ExternalDependencyError
	s.Require().ErrorAs(err, &extErr)
	s.Equal("throttled", extErr.Outcome)
	s.Equal(30*time.Second, extErr.RetryAfter)

	var verr *model.ValidationError
	s.False(errors.As(err, &verr))

	list, _ := s.svc.List(s.ctx)
	s.Empty(list)
}

func (s *ServiceSuite) TestCreate_FieldErrorsWinOverDependencyFailure() {
	req := validRequest()
	req.GitHubUsername = "broken"
	req.Email = "bad"

	_, err := s.svc.Create(s.ctx, req)

	var verr *model.ValidationError
	s.Require().ErrorAs(err, &verr)
	s.Contains(verr.Errors, "Email")
}

func (s *ServiceSuite) TestCreate_StorageFailure() {
	boom := errors.New("connection reset")
	svc := NewService(&failingStore{MemoryCustomerRepo: s.store, err: boom}, newTestValidator(s.verifier))

	_, err := svc.Create(s.ctx, validRequest())
	s.Require().ErrorIs(err, boom)
	s.False(model.IsNotFound(err))
}

func (s *ServiceSuite) TestGet_UnknownAndMalformedIDs() {
	for _, id := range []string{uuid.NewString(), "not-a-uuid", ""} {
		_, err := s.svc.Get(s.ctx, id)
		s.True(model.IsNotFound(err), "id=%q err=%v", id, err)
	}
}

func (s *ServiceSuite) TestGet_AcceptsUppercaseID() {
	created := s.create(validRequest())

	got, err := s.svc.Get(s.ctx, uuidUpper(created.ID))
	s.Require().NoError(err)
	s.Equal(created.ID, got.ID)
}

func (s *ServiceSuite) TestList_ReflectsCreatesAndDeletes() {
	a := s.create(validRequest())
	b := s.create(validRequest())
	c := s.create(validRequest())

	s.Require().NoError(s.svc.Delete(s.ctx, b.ID))

	list, err := s.svc.List(s.ctx)
	s.Require().NoError(err)

	ids := make([]string, 0, len(list))
	for _, cu := range list {
		ids = append(ids, cu.ID)
	}
	s.ElementsMatch([]string{a.ID, c.ID}, ids)
}

func (s *ServiceSuite) TestList_StorageFailure() {
	boom := errors.New("db down")
	svc := NewService(&failingStore{MemoryCustomerRepo: s.store, err: boom}, newTestValidator(s.verifier))

	_, err := svc.List(s.ctx)
	s.ErrorIs(err, boom)
}

func (s *ServiceSuite) TestUpdate_ReplacesAllFields() {
	created := s.create(validRequest())

	updated, err := s.svc.Update(s.ctx, created.ID, model.CustomerRequest{
		FullName:       "Grace Hopper",
		Email:          "grace@example.com",
		GitHubUsername: "otheruser",
		DateOfBirth:    "1906-12-09",
	})
	s.Require().NoError(err)
	s.Equal(created.ID, updated.ID)

	got, err := s.svc.Get(s.ctx, created.ID)
	s.Require().NoError(err)
	s.Equal("Grace Hopper", got.FullName)
	s.Equal("grace@example.com", got.Email)
	s.Equal("otheruser", got.GitHubUsername)
	s.Equal("1906-12-09", got.DateOfBirth.String())
}

func (s *ServiceSuite) TestUpdate_NotFoundBeforeValidation() {
	called := false
	svc := NewService(s.store, &mockValidator{
		validateFn: func(ctx context.Context, req model.CustomerRequest) (ValidationResult, error) {
			called = true
			return ValidationResult{}, nil
		},
	})

	req := validRequest()
	req.Email = "bad"
	_, err := svc.Update(s.ctx, uuid.NewString(), req)

	s.True(model.IsNotFound(err))
	s.False(called, "存在しない顧客の更新で検証が実行された")
}

func (s *ServiceSuite) TestUpdate_ValidationFailureKeepsOldValues() {
	created := s.create(validRequest())

	req := validRequest()
	req.FullName = "Changed"
	req.GitHubUsername = "doesnotexist123"
	_, err := s.svc.Update(s.ctx, created.ID, req)

	var verr *model.ValidationError
	s.Require().ErrorAs(err, &verr)

	got, _ := s.svc.Get(s.ctx, created.ID)
	s.Equal("Ada Lovelace", got.FullName)
}

func (s *ServiceSuite) TestUpdate_RechecksIdentity() {
	created := s.create(validRequest())

	req := validRequest()
	req.GitHubUsername = "throttled"
	_, err := s.svc.Update(s.ctx, created.ID, req)

	var extErr *model.ExternalDependencyError
	s.ErrorAs(err, &extErr)
}

func (s *ServiceSuite) TestUpdate_DeletedDuringValidation() {
	created := s.create(validRequest())

	svc := NewService(s.store, &mockValidator{
		validateFn: func(ctx context.Context, req model.CustomerRequest) (ValidationResult, error) {
			_, err := s.store.Delete(ctx, created.ID)
			s.Require().NoError(err)
			return ValidationResult{Customer: model.Customer{FullName: req.FullName}}, nil
		},
	})

	_, err := svc.Update(s.ctx, created.ID, validRequest())
	s.True(model.IsNotFound(err))
}

func (s *ServiceSuite) TestDelete_IsIdempotentInEffect() {
	created := s.create(validRequest())

	s.Require().NoError(s.svc.Delete(s.ctx, created.ID))

	err := s.svc.Delete(s.ctx, created.ID)
	s.True(model.IsNotFound(err))

	_, err = s.svc.Get(s.ctx, created.ID)
	s.True(model.IsNotFound(err))
}

func (s *ServiceSuite) TestDelete_UnknownAndMalformedIDs() {
	for _, id := range []string{uuid.NewString(), "12345"} {
		s.True(model.IsNotFound(s.svc.Delete(s.ctx, id)), id)
	}
}

func (s *ServiceSuite) TestDelete_StorageFailure() {
	boom := errors.New("tx failed")
	svc := NewService(&failingStore{MemoryCustomerRepo: s.store, err: boom}, newTestValidator(s.verifier))

	err := svc.Delete(s.ctx, uuid.NewString())
	s.ErrorIs(err, boom)
	s.False(model.IsNotFound(err))
}

func (s *ServiceSuite) TestRecordsWriteOutcomes() {
	created := s.create(validRequest())

	bad := validRequest()
	bad.Email = "bad"
	_, _ = s.svc.Create(s.ctx, bad)

	throttled := validRequest()
	throttled.GitHubUsername = "throttled"
	_, _ = s.svc.Update(s.ctx, created.ID, throttled)

	_ = s.svc.Delete(s.ctx, created.ID)
	_ = s.svc.Delete(s.ctx, created.ID)

	s.Equal([]recordedWrite{
		{operation: "create", outcome: "success"},
		{operation: "create", outcome: "validation_failed"},
		{operation: "update", outcome: "dependency_failure"},
		{operation: "delete", outcome: "success"},
		{operation: "delete", outcome: "not_found"},
	}, s.recorder.writes)
}

// tracedService はスパンを記録するトレーサーを持つサービスを返す。
func (s *ServiceSuite) tracedService(store repository.CustomerStore) (*Service, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	s.T().Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return NewService(store, newTestValidator(s.verifier), WithTracer(provider.Tracer("test"))), recorder
}

func (s *ServiceSuite) endedSpan(recorder *tracetest.SpanRecorder, name string) sdktrace.ReadOnlySpan {
	s.T().Helper()
	for _, span := range recorder.Ended() {
		if span.Name() == name {
			return span
		}
	}
	s.FailNow("スパンが記録されていません", name)
	return nil
}

func (s *ServiceSuite) TestTracing_ClientErrorsLeaveSpanStatusUnset() {
	svc, recorder := s.tracedService(s.store)

	_, err := svc.Get(s.ctx, uuid.NewString())
	s.Require().True(model.IsNotFound(err))

	bad := validRequest()
	bad.Email = "not-an-email"
	_, err = svc.Create(s.ctx, bad)
	var verr *model.ValidationError
	s.Require().ErrorAs(err, &verr)

	s.Equal(codes.Unset, s.endedSpan(recorder, "customer.Get").Status().Code)
	create := s.endedSpan(recorder, "customer.Create")
	s.Equal(codes.Unset, create.Status().Code)
	s.Empty(create.Events(), "クライアントエラーは例外イベントを記録しない")
}

func (s *ServiceSuite) TestTracing_StorageFailureMarksSpanError() {
	boom := errors.New("connection reset")
	svc, recorder := s.tracedService(&failingStore{MemoryCustomerRepo: s.store, err: boom})

	_, err := svc.Get(s.ctx, uuid.NewString())
	s.Require().ErrorIs(err, boom)

	span := s.endedSpan(recorder, "customer.Get")
	s.Equal(codes.Error, span.Status().Code)
	s.Contains(span.Status().Description, "connection reset")
	s.Require().NotEmpty(span.Events())
	s.Equal("exception", span.Events()[0].Name)
}

func (s *ServiceSuite) TestTracing_SuccessfulCreateEndsSpan() {
	svc, recorder := s.tracedService(s.store)

	created, err := svc.Create(s.ctx, validRequest())
	s.Require().NoError(err)

	span := s.endedSpan(recorder, "customer.Create")
	s.Equal(codes.Unset, span.Status().Code)
	s.Contains(span.Attributes(), attribute.String("customer.id", created.ID))
}

func TestService_AppliesDBTimeout(t *testing.T) {
	var deadline time.Time
	var hasDeadline bool

	store := &deadlineStore{
		MemoryCustomerRepo: repository.NewMemoryCustomerRepo(),
		onList: func(ctx context.Context) {
			deadline, hasDeadline = ctx.Deadline()
		},
	}
	svc := NewService(store, newTestValidator(&mockVerifier{}), WithDBTimeout(2*time.Second))

	start := time.Now()
	_, err := svc.List(context.Background())
	require.NoError(t, err)
	require.True(t, hasDeadline)
	assert.WithinDuration(t, start.Add(2*time.Second), deadline, time.Second)
}

type deadlineStore struct {
	*repository.MemoryCustomerRepo
	onList func(ctx context.Context)
}

func (s *deadlineStore) List(ctx context.Context) ([]model.Customer, error) {
	s.onList(ctx)
	return s.MemoryCustomerRepo.List(ctx)
}

func uuidUpper(id string) string {
	b := []byte(id)
	for i, c := range b {
		if c >= 'a' && c <= 'f' {
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}
