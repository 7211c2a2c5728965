package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/subplat/internal/domain"
)

// cartRepositoryInMemory — простая in-memory реализация CartRepository.
type cartRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.Cart
}

// NewCartRepository возвращает in-memory репозиторий для локальной разработки и тестов.
func NewCartRepository() domain.CartRepository {
	return &cartRepositoryInMemory{
		items: make(map[string]domain.Cart),
	}
}

// Create сохраняет новую корзину, если ID ещё не занят.
func (r *cartRepositoryInMemory) Create(cart domain.Cart) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[cart.ID]; exists {
		return domain.ErrCartVersionConflict
	}
	// Сохраняем копию, чтобы избежать непредсказуемых мутаций извне.
	r.items[cart.ID] = cloneCart(cart)
	return nil
}

// Get возвращает корзину или ErrCartNotFound, если её нет.
func (r *cartRepositoryInMemory) Get(id string) (domain.Cart, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cart, ok := r.items[id]
	if !ok {
		return domain.Cart{}, domain.ErrCartNotFound
	}
	return cloneCart(cart), nil
}

// ListByUID возвращает корзины аккаунта, ограничивая выборку limit (если >0).
func (r *cartRepositoryInMemory) ListByUID(uid string, limit int) ([]domain.Cart, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Cart, 0, len(r.items))
	for _, cart := range r.items {
		if cart.UID != uid {
			continue
		}
		result = append(result, cloneCart(cart))
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}

	return result, nil
}

// ListStaleProcessing возвращает processing-корзины, не менявшиеся с olderThan.
func (r *cartRepositoryInMemory) ListStaleProcessing(olderThan time.Time, limit int) ([]domain.Cart, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Cart, 0)
	for _, cart := range r.items {
		if cart.State != domain.CartStateProcessing {
			continue
		}
		if !cart.UpdatedAt.Before(olderThan) {
			continue
		}
		result = append(result, cloneCart(cart))
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].UpdatedAt.Before(result[j].UpdatedAt)
		}
		return result[i].ID < result[j].ID
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}

	return result, nil
}

// Save перезаписывает корзину, проверяя версию (optimistic locking).
func (r *cartRepositoryInMemory) Save(cart domain.Cart) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[cart.ID]
	if !ok {
		return domain.ErrCartNotFound
	}
	if current.Version != cart.Version {
		return domain.ErrCartVersionConflict
	}
	// Инкрементируем версию перед сохранением.
	cart.Version++
	r.items[cart.ID] = cloneCart(cart)
	return nil
}

// cloneCart копирует корзину вместе с указательными полями.
func cloneCart(cart domain.Cart) domain.Cart {
	if cart.TaxAddress != nil {
		addr := *cart.TaxAddress
		cart.TaxAddress = &addr
	}
	return cart
}

var _ domain.CartRepository = (*cartRepositoryInMemory)(nil)
