package orders

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/joao-fontenele/harborline/internal/domain"
)

type MemoryRepository struct {
	mu     sync.RWMutex
	orders map[string]domain.Order
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{orders: make(map[string]domain.Order)}
}

func (r *MemoryRepository) Create(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.orders[order.ID]; ok {
		return fmt.Errorf("order %s already exists", order.ID)
	}
	r.orders[order.ID] = order.Clone()
	return nil
}

func (r *MemoryRepository) Update(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.orders[order.ID]; !ok {
		return fmt.Errorf("order %s: %w", order.ID, domain.ErrNotFound)
	}
	r.orders[order.ID] = order.Clone()
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	order, ok := r.orders[id]
	if !ok {
		return nil, nil
	}
	c := order.Clone()
	return &c, nil
}

func (r *MemoryRepository) List(_ context.Context, status domain.OrderStatus, limit int) ([]domain.Order, error) {
	r.mu.RLock()
	orders := make([]domain.Order, 0, len(r.orders))
	for _, order := range r.orders {
		if status == "" || order.Status == status {
			orders = append(orders, order.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID < orders[j].ID
		}
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
	if limit > 0 && len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}
