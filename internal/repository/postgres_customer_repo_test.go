package repository

import (
	"context"
	"testing"
)

// PostgresCustomerRepoはCustomerStoreインターフェースを満たすことを検証
func TestPostgresCustomerRepo_ImplementsInterface(t *testing.T) {
	var _ CustomerStore = (*PostgresCustomerRepo)(nil)
}

// NewPostgresCustomerRepoが正しく初期化されることを検証
func TestNewPostgresCustomerRepo_Initializes(t *testing.T) {
	repo := NewPostgresCustomerRepo(nil)
	if repo == nil {
		t.Fatal("expected non-nil repo")
	}
	if repo.now == nil {
		t.Error("now should be initialized")
	}
}

// トランザクション内のリポジトリから更にトランザクションを開始できないことを検証
func TestPostgresCustomerRepo_WithinTx_NestedIsRejected(t *testing.T) {
	txRepo := &PostgresCustomerRepo{}
	err := txRepo.WithinTx(context.Background(), func(repo CustomerRepository) error {
		t.Fatal("fn should not be called")
		return nil
	})
	if err == nil {
		t.Fatal("expected error for nested transaction")
	}
}
