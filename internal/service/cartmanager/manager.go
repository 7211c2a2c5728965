package cartmanager

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/subplat/internal/domain"
	"github.com/vladislavdragonenkov/subplat/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/subplat/internal/metrics"
)

// Manager описывает низкоуровневые операции над корзиной.
// Все мутации проходят через optimistic-lock версию корзины; конфликт
// версий отдаётся вызывающему как domain.ErrCartVersionConflict.
type Manager interface {
	CreateCart(cart domain.Cart) (domain.Cart, error)
	RestartCart(from domain.Cart) (domain.Cart, error)
	FetchCartByID(id string) (domain.Cart, error)
	FetchAndValidateCartVersion(id string, version int64) (domain.Cart, error)
	UpdateFreshCart(id string, version int64, patch domain.CartPatch) (domain.Cart, error)
	SetProcessingCart(id string) (domain.Cart, error)
	SetNeedsInputCart(id string) (domain.Cart, error)
	FinishCart(id string, version int64, patch domain.CartPatch) (domain.Cart, error)
	FinishErrorCart(id string, reason domain.ErrorReason) error
}

// manager реализует Manager поверх CartRepository с аудитом в timeline
// и публикацией событий через transactional outbox.
type manager struct {
	carts    domain.CartRepository
	outbox   domain.OutboxRepository
	timeline domain.TimelineRepository
	logger   *log.Entry
	metrics  *metrics.CheckoutMetrics
}

// NewManager создаёт рабочий экземпляр менеджера корзин.
func NewManager(
	carts domain.CartRepository,
	outbox domain.OutboxRepository,
	timeline domain.TimelineRepository,
	logger *log.Entry,
) Manager {
	if logger == nil {
		logger = log.New().WithField("component", "cartmanager")
	}
	return &manager{
		carts:    carts,
		outbox:   outbox,
		timeline: timeline,
		logger:   logger,
		metrics:  metrics.NewCheckoutMetrics(),
	}
}

// NewManagerWithoutMetrics создаёт менеджер без метрик (для тестов).
func NewManagerWithoutMetrics(
	carts domain.CartRepository,
	outbox domain.OutboxRepository,
	timeline domain.TimelineRepository,
	logger *log.Entry,
) Manager {
	if logger == nil {
		logger = log.New().WithField("component", "cartmanager")
	}
	return &manager{
		carts:    carts,
		outbox:   outbox,
		timeline: timeline,
		logger:   logger,
		metrics:  nil, // Отключаем метрики для тестов
	}
}

// CreateCart сохраняет новую корзину в состоянии start с версией 0.
func (m *manager) CreateCart(cart domain.Cart) (domain.Cart, error) {
	if cart.ID == "" {
		cart.ID = uuid.NewString()
	}
	cart.State = domain.CartStateStart
	cart.Version = 0
	if cart.EligibilityStatus == "" {
		cart.EligibilityStatus = domain.EligibilityStatusCreate
	}
	now := time.Now().UTC()
	cart.CreatedAt = now
	cart.UpdatedAt = now

	if errs := cart.ValidateInvariants(); len(errs) > 0 {
		return domain.Cart{}, fmt.Errorf("cart invariants violated: %w", errors.Join(errs...))
	}

	if err := m.carts.Create(cart); err != nil {
		return domain.Cart{}, err
	}

	if m.metrics != nil {
		m.metrics.RecordCartCreated()
	}
	m.emitEvent(&cart, kafka.EventTypeCartCreated, map[string]interface{}{
		"offering_config_id": cart.OfferingConfigID,
		"interval":           cart.Interval,
		"amount":             cart.Amount,
		"currency":           cart.Currency,
	})

	return cart, nil
}

// RestartCart создаёт свежую start-корзину с пользовательскими полями
// исходной. Исходная корзина не меняется: повтор checkout всегда идёт
// через новую корзину.
func (m *manager) RestartCart(from domain.Cart) (domain.Cart, error) {
	fresh := domain.Cart{
		UID:               from.UID,
		Email:             from.Email,
		OfferingConfigID:  from.OfferingConfigID,
		Interval:          from.Interval,
		Amount:            from.Amount,
		Currency:          from.Currency,
		CouponCode:        from.CouponCode,
		StripeCustomerID:  from.StripeCustomerID,
		EligibilityStatus: from.EligibilityStatus,
	}
	if from.TaxAddress != nil {
		addr := *from.TaxAddress
		fresh.TaxAddress = &addr
	}

	fresh.ID = uuid.NewString()
	fresh.State = domain.CartStateStart
	now := time.Now().UTC()
	fresh.CreatedAt = now
	fresh.UpdatedAt = now

	if errs := fresh.ValidateInvariants(); len(errs) > 0 {
		return domain.Cart{}, fmt.Errorf("cart invariants violated: %w", errors.Join(errs...))
	}

	if err := m.carts.Create(fresh); err != nil {
		return domain.Cart{}, err
	}

	if m.metrics != nil {
		m.metrics.RecordCartRestarted()
	}
	m.emitEvent(&fresh, kafka.EventTypeCartRestarted, map[string]interface{}{
		"restarted_from": from.ID,
	})

	return fresh, nil
}

// FetchCartByID возвращает корзину без проверки версии.
func (m *manager) FetchCartByID(id string) (domain.Cart, error) {
	return m.carts.Get(id)
}

// FetchAndValidateCartVersion возвращает корзину, только если вызывающий
// наблюдает её актуальную версию.
func (m *manager) FetchAndValidateCartVersion(id string, version int64) (domain.Cart, error) {
	cart, err := m.carts.Get(id)
	if err != nil {
		return domain.Cart{}, err
	}
	if cart.Version != version {
		return domain.Cart{}, fmt.Errorf("cart %s at version %d, caller has %d: %w",
			id, cart.Version, version, domain.ErrCartVersionConflict)
	}
	return cart, nil
}

// UpdateFreshCart накладывает patch на корзину в нетерминальном состоянии.
// Смена состояния через patch здесь запрещена.
func (m *manager) UpdateFreshCart(id string, version int64, patch domain.CartPatch) (domain.Cart, error) {
	cart, err := m.FetchAndValidateCartVersion(id, version)
	if err != nil {
		return domain.Cart{}, err
	}
	if !cart.State.Mutable() {
		return domain.Cart{}, fmt.Errorf("cart %s in state %s: %w", id, cart.State, domain.ErrCartInvalidState)
	}

	patch.State = nil
	patch.Apply(&cart)
	cart.UpdatedAt = time.Now().UTC()

	if err := m.carts.Save(cart); err != nil {
		return domain.Cart{}, err
	}
	cart.Version++

	return cart, nil
}

// SetProcessingCart переводит корзину в processing. Конфликт версии
// отдаётся наружу: это защита от двойного запуска checkout.
func (m *manager) SetProcessingCart(id string) (domain.Cart, error) {
	cart, err := m.carts.Get(id)
	if err != nil {
		return domain.Cart{}, err
	}
	if !cart.State.CanTransition(domain.CartStateProcessing) {
		return domain.Cart{}, fmt.Errorf("cart %s cannot move %s -> processing: %w",
			id, cart.State, domain.ErrCartInvalidState)
	}

	cart.State = domain.CartStateProcessing
	cart.UpdatedAt = time.Now().UTC()
	if err := m.carts.Save(cart); err != nil {
		return domain.Cart{}, err
	}
	cart.Version++

	if m.metrics != nil {
		m.metrics.RecordCheckoutStarted()
	}
	m.emitEvent(&cart, kafka.EventTypeCheckoutStarted, nil)

	return cart, nil
}

// SetNeedsInputCart переводит корзину из processing в needs_input:
// провайдер ждёт действия клиента.
func (m *manager) SetNeedsInputCart(id string) (domain.Cart, error) {
	cart, err := m.carts.Get(id)
	if err != nil {
		return domain.Cart{}, err
	}
	if !cart.State.CanTransition(domain.CartStateNeedsInput) {
		return domain.Cart{}, fmt.Errorf("cart %s cannot move %s -> needs_input: %w",
			id, cart.State, domain.ErrCartInvalidState)
	}

	cart.State = domain.CartStateNeedsInput
	cart.UpdatedAt = time.Now().UTC()
	if err := m.carts.Save(cart); err != nil {
		return domain.Cart{}, err
	}
	cart.Version++

	if m.metrics != nil {
		m.metrics.RecordCheckoutNeedsInput()
	}
	m.emitEvent(&cart, kafka.EventTypeCheckoutNeedsInput, nil)

	return cart, nil
}

// FinishCart завершает checkout успехом. Требует подписку у корзины.
func (m *manager) FinishCart(id string, version int64, patch domain.CartPatch) (domain.Cart, error) {
	cart, err := m.FetchAndValidateCartVersion(id, version)
	if err != nil {
		return domain.Cart{}, err
	}
	if !cart.State.CanTransition(domain.CartStateSuccess) {
		return domain.Cart{}, fmt.Errorf("cart %s cannot move %s -> success: %w",
			id, cart.State, domain.ErrCartInvalidState)
	}

	patch.State = nil
	patch.Apply(&cart)
	if cart.StripeSubscriptionID == "" {
		return domain.Cart{}, domain.ErrSubscriptionIDRequired
	}

	cart.State = domain.CartStateSuccess
	cart.UpdatedAt = time.Now().UTC()
	if err := m.carts.Save(cart); err != nil {
		return domain.Cart{}, err
	}
	cart.Version++

	if m.metrics != nil {
		m.metrics.RecordCheckoutSucceeded()
	}
	m.emitEvent(&cart, kafka.EventTypeCheckoutSucceeded, map[string]interface{}{
		"stripe_subscription_id": cart.StripeSubscriptionID,
		"amount":                 cart.Amount,
		"currency":               cart.Currency,
	})

	return cart, nil
}

// FinishErrorCart переводит корзину в fail с кодом причины.
// Идемпотентен: корзина, уже находящаяся в fail, не трогается, гонка
// с параллельным провалом не считается ошибкой.
func (m *manager) FinishErrorCart(id string, reason domain.ErrorReason) error {
	if reason == "" {
		reason = domain.ErrorReasonUnknown
	}

	cart, err := m.carts.Get(id)
	if err != nil {
		return err
	}
	if cart.State == domain.CartStateFail {
		m.logger.WithField("cart_id", id).Debug("cart already failed, skipping")
		return nil
	}
	if !cart.State.CanTransition(domain.CartStateFail) {
		return fmt.Errorf("cart %s cannot move %s -> fail: %w", id, cart.State, domain.ErrCartInvalidState)
	}

	cart.State = domain.CartStateFail
	cart.ErrorReasonID = reason
	cart.UpdatedAt = time.Now().UTC()
	if err := m.carts.Save(cart); err != nil {
		if domain.IsVersionConflict(err) {
			fresh, freshErr := m.carts.Get(id)
			if freshErr == nil && fresh.State == domain.CartStateFail {
				return nil
			}
		}
		return err
	}
	cart.Version++

	if m.metrics != nil {
		m.metrics.RecordCheckoutFailed()
	}
	m.emitEvent(&cart, kafka.EventTypeCheckoutFailed, map[string]interface{}{
		"reason": string(reason),
	})

	return nil
}

// emitEvent пишет событие в outbox и timeline. Ошибки записи логируются,
// но не прерывают основную операцию: состояние корзины уже сохранено.
func (m *manager) emitEvent(cart *domain.Cart, eventType kafka.EventType, payload map[string]interface{}) {
	if payload == nil {
		payload = make(map[string]interface{})
	}
	payload["cart_id"] = cart.ID
	payload["state"] = string(cart.State)
	payload["ts"] = cart.UpdatedAt.Format(time.RFC3339Nano)

	data, err := json.Marshal(payload)
	if err != nil {
		m.logger.WithError(err).WithFields(log.Fields{
			"cart_id": cart.ID,
			"event":   eventType,
		}).Error("marshal event failed")
		return
	}

	msg := domain.OutboxMessage{
		AggregateType: "cart",
		AggregateID:   cart.ID,
		EventType:     string(eventType),
		Payload:       data,
	}
	if _, err := m.outbox.Enqueue(msg); err != nil {
		m.logger.WithError(err).WithFields(log.Fields{
			"cart_id": cart.ID,
			"event":   eventType,
		}).Error("enqueue event failed")
	} else if m.metrics != nil {
		m.metrics.RecordOutboxEvent()
	}

	if m.timeline != nil {
		var reason string
		if r, ok := payload["reason"].(string); ok {
			reason = r
		}
		event := domain.TimelineEvent{
			CartID:   cart.ID,
			Type:     string(eventType),
			Reason:   reason,
			Occurred: cart.UpdatedAt,
		}
		if err := m.timeline.Append(event); err != nil {
			m.logger.WithError(err).WithFields(log.Fields{
				"cart_id": cart.ID,
				"event":   eventType,
			}).Warn("append timeline event failed")
		} else if m.metrics != nil {
			m.metrics.RecordTimelineEvent()
		}
	}
}

var _ Manager = (*manager)(nil)
