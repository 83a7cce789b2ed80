// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"

	"github.com/hitoshi/customers/internal/model"
)

// CustomerRepository は顧客データの永続化インターフェース。
// 全操作は単一行で完結し、それぞれ個別にアトミックである。
type CustomerRepository interface {
	// Create は顧客を1行挿入する。IDは呼び出し元が生成済みであること。
	Create(ctx context.Context, customer *model.Customer) error

	// FindByID は指定IDの顧客を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Customer, error)

	// List は全顧客を返す。順序は同一のストレージ状態に対して安定している。
	List(ctx context.Context) ([]model.Customer, error)

	// Update は顧客の全カラムを置き換える。
	// 行が存在しない場合は何もせずfalseを返す（存在確認はサービス層の責務）。
	Update(ctx context.Context, customer *model.Customer) (bool, error)

	// Delete は指定IDの顧客を削除し、実際に行が削除されたかを返す。
	Delete(ctx context.Context, id string) (bool, error)
}

// Transactor は書き込みのトランザクション境界を提供する。
// fnがエラーを返した場合はロールバックし、nilの場合はコミットする。
type Transactor interface {
	WithinTx(ctx context.Context, fn func(repo CustomerRepository) error) error
}

// CustomerStore はリポジトリとトランザクション境界をまとめたもの。
type CustomerStore interface {
	CustomerRepository
	Transactor
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// querier は*sql.DBと*sql.Txに共通するクエリ操作。
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
