package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/customers/internal/model"
	"github.com/lib/pq"
)

// uniqueViolation はPostgreSQLの一意制約違反のSQLSTATE。
const uniqueViolation = "23505"

// ErrDuplicateID は同一IDの顧客が既に存在する場合のエラー。
var ErrDuplicateID = errors.New("customer id already exists")

// PostgresCustomerRepo はPostgreSQLを使用した顧客リポジトリ。
type PostgresCustomerRepo struct {
	db  TxBeginner
	q   querier
	now func() time.Time
}

// NewPostgresCustomerRepo はPostgresCustomerRepoを生成する。
func NewPostgresCustomerRepo(db *sql.DB) *PostgresCustomerRepo {
	return &PostgresCustomerRepo{db: db, q: db, now: time.Now}
}

const customerColumns = `id, full_name, email, github_username, date_of_birth, created_at, updated_at`

// Create は顧客を1行挿入する。
func (r *PostgresCustomerRepo) Create(ctx context.Context, customer *model.Customer) error {
	now := r.now().UTC()
	customer.CreatedAt = now
	customer.UpdatedAt = now

	_, err := r.q.ExecContext(ctx,
		`INSERT INTO customers (`+customerColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		customer.ID, customer.FullName, customer.Email, customer.GitHubUsername,
		customer.DateOfBirth, customer.CreatedAt, customer.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return fmt.Errorf("failed to insert customer %s: %w", customer.ID, ErrDuplicateID)
		}
		return fmt.Errorf("failed to insert customer: %w", err)
	}

	return nil
}

// FindByID は指定IDの顧客を取得する。見つからない場合はnilを返す。
func (r *PostgresCustomerRepo) FindByID(ctx context.Context, id string) (*model.Customer, error) {
	customer := &model.Customer{}
	err := r.q.QueryRowContext(ctx,
		`SELECT `+customerColumns+` FROM customers WHERE id = $1`,
		id,
	).Scan(
		&customer.ID, &customer.FullName, &customer.Email, &customer.GitHubUsername,
		&customer.DateOfBirth, &customer.CreatedAt, &customer.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find customer by ID: %w", err)
	}

	return customer, nil
}

// List は全顧客を作成日時順に返す。
func (r *PostgresCustomerRepo) List(ctx context.Context) ([]model.Customer, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+customerColumns+` FROM customers ORDER BY created_at, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list customers: %w", err)
	}
	defer rows.Close()

	customers := make([]model.Customer, 0)
	for rows.Next() {
		var c model.Customer
		if err := rows.Scan(
			&c.ID, &c.FullName, &c.Email, &c.GitHubUsername,
			&c.DateOfBirth, &c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan customer: %w", err)
		}
		customers = append(customers, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate customers: %w", err)
	}

	return customers, nil
}

// Update は顧客の可変カラムを全て置き換える。行がなければfalseを返す。
func (r *PostgresCustomerRepo) Update(ctx context.Context, customer *model.Customer) (bool, error) {
	customer.UpdatedAt = r.now().UTC()

	err := r.q.QueryRowContext(ctx,
		`UPDATE customers
		 SET full_name = $2, email = $3, github_username = $4, date_of_birth = $5, updated_at = $6
		 WHERE id = $1
		 RETURNING created_at`,
		customer.ID, customer.FullName, customer.Email, customer.GitHubUsername,
		customer.DateOfBirth, customer.UpdatedAt,
	).Scan(&customer.CreatedAt)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to update customer: %w", err)
	}

	return true, nil
}

// Delete は指定IDの顧客を削除する。行がなければfalseを返す。
func (r *PostgresCustomerRepo) Delete(ctx context.Context, id string) (bool, error) {
	result, err := r.q.ExecContext(ctx,
		`DELETE FROM customers WHERE id = $1`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to delete customer: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// WithinTx はfnを単一トランザクション内で実行する。
// fnに渡すリポジトリは同じトランザクションを共有する。
func (r *PostgresCustomerRepo) WithinTx(ctx context.Context, fn func(repo CustomerRepository) error) error {
	if r.db == nil {
		return errors.New("transaction is not available on a transaction-scoped repository")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	txRepo := &PostgresCustomerRepo{q: tx, now: r.now}
	if err := fn(txRepo); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// compile-time interface check
var _ CustomerStore = (*PostgresCustomerRepo)(nil)
