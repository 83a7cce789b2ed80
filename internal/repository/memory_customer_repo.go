package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hitoshi/customers/internal/model"
)

// MemoryCustomerRepo はプロセス内メモリに顧客を保持するリポジトリ。
// 単体テストとSTORAGE_BACKEND=memoryでの起動に使用する。
// Listは挿入順を保持する。
type MemoryCustomerRepo struct {
	mu        sync.RWMutex
	customers map[string]model.Customer
	order     []string
	now       func() time.Time
}

// NewMemoryCustomerRepo はMemoryCustomerRepoを生成する。
func NewMemoryCustomerRepo() *MemoryCustomerRepo {
	return &MemoryCustomerRepo{
		customers: make(map[string]model.Customer),
		now:       time.Now,
	}
}

// Create は顧客を追加する。
func (r *MemoryCustomerRepo) Create(ctx context.Context, customer *model.Customer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.create(customer)
}

// FindByID は指定IDの顧客を取得する。見つからない場合はnilを返す。
func (r *MemoryCustomerRepo) FindByID(ctx context.Context, id string) (*model.Customer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.findByID(id), nil
}

// List は全顧客を挿入順に返す。
func (r *MemoryCustomerRepo) List(ctx context.Context) ([]model.Customer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.list(), nil
}

// Update は顧客を置き換える。存在しない場合はfalseを返す。
func (r *MemoryCustomerRepo) Update(ctx context.Context, customer *model.Customer) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.update(customer), nil
}

// Delete は顧客を削除し、実際に削除されたかを返す。
func (r *MemoryCustomerRepo) Delete(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.delete(id), nil
}

// WithinTx は書き込みロックを保持したままfnを実行する。
// fnがエラーを返した場合は実行前の状態に戻す。
func (r *MemoryCustomerRepo) WithinTx(ctx context.Context, fn func(repo CustomerRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := make(map[string]model.Customer, len(r.customers))
	for k, v := range r.customers {
		snapshot[k] = v
	}
	order := append([]string(nil), r.order...)

	if err := fn(&memoryTx{repo: r}); err != nil {
		r.customers = snapshot
		r.order = order
		return err
	}
	return nil
}

func (r *MemoryCustomerRepo) create(customer *model.Customer) error {
	if _, exists := r.customers[customer.ID]; exists {
		return fmt.Errorf("failed to insert customer %s: %w", customer.ID, ErrDuplicateID)
	}
	now := r.now().UTC()
	customer.CreatedAt = now
	customer.UpdatedAt = now
	r.customers[customer.ID] = *customer
	r.order = append(r.order, customer.ID)
	return nil
}

func (r *MemoryCustomerRepo) findByID(id string) *model.Customer {
	c, ok := r.customers[id]
	if !ok {
		return nil
	}
	return &c
}

func (r *MemoryCustomerRepo) list() []model.Customer {
	result := make([]model.Customer, 0, len(r.order))
	for _, id := range r.order {
		result = append(result, r.customers[id])
	}
	return result
}

func (r *MemoryCustomerRepo) update(customer *model.Customer) bool {
	existing, ok := r.customers[customer.ID]
	if !ok {
		return false
	}
	customer.CreatedAt = existing.CreatedAt
	customer.UpdatedAt = r.now().UTC()
	r.customers[customer.ID] = *customer
	return true
}

func (r *MemoryCustomerRepo) delete(id string) bool {
	if _, ok := r.customers[id]; !ok {
		return false
	}
	delete(r.customers, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// memoryTx はWithinTx中にロックを再取得せずに操作するためのビュー。
type memoryTx struct {
	repo *MemoryCustomerRepo
}

func (t *memoryTx) Create(ctx context.Context, customer *model.Customer) error {
	return t.repo.create(customer)
}

func (t *memoryTx) FindByID(ctx context.Context, id string) (*model.Customer, error) {
	return t.repo.findByID(id), nil
}

func (t *memoryTx) List(ctx context.Context) ([]model.Customer, error) {
	return t.repo.list(), nil
}

func (t *memoryTx) Update(ctx context.Context, customer *model.Customer) (bool, error) {
	return t.repo.update(customer), nil
}

func (t *memoryTx) Delete(ctx context.Context, id string) (bool, error) {
	return t.repo.delete(id), nil
}

// compile-time interface check
var (
	_ CustomerStore      = (*MemoryCustomerRepo)(nil)
	_ CustomerRepository = (*memoryTx)(nil)
)
