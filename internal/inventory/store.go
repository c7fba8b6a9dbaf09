package inventory

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"

	"github.com/joao-fontenele/harborline/internal/domain"
)

var ErrInsufficientStock = errors.New("insufficient stock")

// Store persists stock levels and reservations. Hold must apply every line or
// none of them.
type Store interface {
	Stock(ctx context.Context, sku string) (*domain.StockLevel, error)
	List(ctx context.Context) ([]domain.StockLevel, error)
	Hold(ctx context.Context, orderID string, lines []domain.ReservationLine) error
	Release(ctx context.Context, orderID string) ([]domain.Reservation, error)
	Confirm(ctx context.Context, orderID string) (int, error)
	Reservations(ctx context.Context, orderID string) ([]domain.Reservation, error)
	// Seed adds SKUs that are not yet known. Existing levels are untouched.
	Seed(ctx context.Context, levels []domain.StockLevel) error
}

type MemoryStore struct {
	mu           sync.Mutex
	levels       map[string]*domain.StockLevel
	reservations map[string][]domain.Reservation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		levels:       make(map[string]*domain.StockLevel),
		reservations: make(map[string][]domain.Reservation),
	}
}

func (s *MemoryStore) Stock(_ context.Context, sku string) (*domain.StockLevel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	level, ok := s.levels[sku]
	if !ok {
		return nil, nil
	}
	copied := *level
	return &copied, nil
}

func (s *MemoryStore) List(_ context.Context) ([]domain.StockLevel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	levels := make([]domain.StockLevel, 0, len(s.levels))
	for _, level := range s.levels {
		levels = append(levels, *level)
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i].SKU < levels[j].SKU })
	return levels, nil
}

func (s *MemoryStore) Hold(_ context.Context, orderID string, lines []domain.ReservationLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, line := range lines {
		level, ok := s.levels[line.SKU]
		if !ok || level.Available < line.Quantity {
			return ErrInsufficientStock
		}
	}
	for _, line := range lines {
		level := s.levels[line.SKU]
		level.Available -= line.Quantity
		level.Reserved += line.Quantity
		s.reservations[orderID] = append(s.reservations[orderID], domain.Reservation{
			OrderID:  orderID,
			SKU:      line.SKU,
			Quantity: line.Quantity,
			Status:   domain.ReservationStatusPending,
		})
	}
	return nil
}

func (s *MemoryStore) Release(_ context.Context, orderID string) ([]domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var released []domain.Reservation
	held := s.reservations[orderID]
	for i := range held {
		if !held[i].Active() {
			continue
		}
		level := s.levels[held[i].SKU]
		level.Available += held[i].Quantity
		level.Reserved -= held[i].Quantity
		held[i].Status = domain.ReservationStatusReleased
		released = append(released, held[i])
	}
	return released, nil
}

func (s *MemoryStore) Confirm(_ context.Context, orderID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	held := s.reservations[orderID]
	for i := range held {
		if held[i].Status == domain.ReservationStatusPending {
			held[i].Status = domain.ReservationStatusConfirmed
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Reservations(_ context.Context, orderID string) ([]domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.reservations[orderID]), nil
}

func (s *MemoryStore) Seed(_ context.Context, levels []domain.StockLevel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, level := range levels {
		if _, ok := s.levels[level.SKU]; ok {
			continue
		}
		copied := level
		s.levels[level.SKU] = &copied
	}
	return nil
}
