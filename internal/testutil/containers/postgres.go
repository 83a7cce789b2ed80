//go:build integration

// Package containers はtestcontainersを使った結合テスト用のフィクスチャを提供する。
// コンテナはパッケージ内のテストで共有し、初回要求時に起動する。
package containers

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/hitoshi/customers/internal/database"
)

// PostgresContainer はマイグレーション適用済みのPostgreSQLコンテナ。
type PostgresContainer struct {
	Container testcontainers.Container
	DSN       string
	DB        *sql.DB
}

var (
	sharedMu       sync.Mutex
	sharedPostgres *PostgresContainer
)

// GetPostgres は共有のPostgreSQLコンテナを返す。未起動なら起動する。
// コンテナの破棄はテストプロセス終了時にRyukが行う。
func GetPostgres(t *testing.T) *PostgresContainer {
	t.Helper()

	sharedMu.Lock()
	defer sharedMu.Unlock()

	if sharedPostgres == nil {
		sharedPostgres = NewPostgresContainer(t)
	}
	return sharedPostgres
}

// NewPostgresContainer はPostgreSQLコンテナを起動し、マイグレーションを適用する。
func NewPostgresContainer(t *testing.T) *PostgresContainer {
	t.Helper()

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("customers_test"),
		postgres.WithUsername("customers"),
		postgres.WithPassword("customers_test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("PostgreSQLコンテナの起動に失敗: %v", err)
	}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("接続文字列の取得に失敗: %v", err)
	}

	if err := database.RunMigrations(dsn); err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("マイグレーションに失敗: %v", err)
	}

	db, err := database.Open(dsn, database.DefaultPoolConfig())
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("データベースへの接続に失敗: %v", err)
	}

	return &PostgresContainer{
		Container: container,
		DSN:       dsn,
		DB:        db,
	}
}

// Truncate は顧客テーブルを空にする。テスト間の分離に使う。
func (p *PostgresContainer) Truncate(ctx context.Context) error {
	if _, err := p.DB.ExecContext(ctx, "TRUNCATE TABLE customers"); err != nil {
		return fmt.Errorf("truncate customers: %w", err)
	}
	return nil
}
