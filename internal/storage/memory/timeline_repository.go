package memory

import (
	"sort"
	"sync"

	"github.com/vladislavdragonenkov/subplat/internal/domain"
)

// timelineRepositoryInMemory хранит историю корзин в памяти (для разработки/тестов).
type timelineRepositoryInMemory struct {
	mu       sync.RWMutex
	timeline map[string][]domain.TimelineEvent
}

// NewTimelineRepository создаёт in-memory реализацию TimelineRepository.
func NewTimelineRepository() domain.TimelineRepository {
	return &timelineRepositoryInMemory{timeline: make(map[string][]domain.TimelineEvent)}
}

var _ domain.TimelineRepository = (*timelineRepositoryInMemory)(nil)

// Append добавляет событие в историю корзины, сохраняя хронологический порядок.
func (r *timelineRepositoryInMemory) Append(event domain.TimelineEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	events := append(r.timeline[event.CartID], event)
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Occurred.Before(events[j].Occurred)
	})
	r.timeline[event.CartID] = events

	return nil
}

// List возвращает события корзины в хронологическом порядке.
func (r *timelineRepositoryInMemory) List(cartID string) ([]domain.TimelineEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	events := r.timeline[cartID]
	out := make([]domain.TimelineEvent, len(events))
	copy(out, events)
	return out, nil
}
