package domain

import "errors"

var (
	// Ошибка отсутствующего offering config id.
	ErrOfferingRequired = errors.New("offering_config_id is required")
	// Ошибка отсутствующего интервала подписки.
	ErrIntervalRequired = errors.New("interval is required")
	// Ошибка отрицательной суммы корзины.
	ErrAmountNegative = errors.New("amount must be non-negative")
	// Ошибка отрицательной версии.
	ErrVersionNegative = errors.New("version must be non-negative")
	// Ошибка success-корзины без идентификатора подписки.
	ErrSubscriptionIDRequired = errors.New("success cart requires stripe_subscription_id")
	// Ошибка fail-корзины без кода причины.
	ErrErrorReasonRequired = errors.New("fail cart requires error_reason_id")

	// ErrCartNotFound возвращается, если корзина не найдена в репозитории.
	ErrCartNotFound = errors.New("cart not found")
	// ErrCartVersionConflict сигнализирует о конфликте optimistic-lock версий.
	ErrCartVersionConflict = errors.New("cart version conflict")
	// ErrCartInvalidState — состояние корзины не допускает запрошенное действие.
	ErrCartInvalidState = errors.New("cart state invalid for action")
	// ErrCartStateProcessing — не удалось захватить корзину под processing
	// (гонка версий при инициализации checkout).
	ErrCartStateProcessing = errors.New("cart could not be set to processing")

	// ErrCartEmailNotFound — корзина без email не может пройти pre-pay валидацию.
	ErrCartEmailNotFound = errors.New("cart email not found")
	// ErrCartUIDNotFound — корзина без uid не может пройти pre-pay валидацию.
	ErrCartUIDNotFound = errors.New("cart uid not found")
	// ErrCartInvalidCurrency — валюта отсутствует или не разрешена для страны.
	ErrCartInvalidCurrency = errors.New("cart currency invalid")
	// ErrCartInvalidPromoCode — промокод невалиден для выбранной цены.
	ErrCartInvalidPromoCode = errors.New("cart promo code invalid")
	// ErrCartEligibilityMismatch — свежая проверка eligibility не совпала
	// со статусом, зафиксированным при создании корзины.
	ErrCartEligibilityMismatch = errors.New("cart eligibility status mismatch")
	// ErrCartTotalMismatch — сумма корзины разошлась со свежим invoice preview.
	ErrCartTotalMismatch = errors.New("cart amount does not match invoice preview")
	// ErrCartSubscriptionNotFound — у корзины нет подписки, хотя она обязана быть.
	ErrCartSubscriptionNotFound = errors.New("cart subscription not found")
	// ErrCartSuccessMissingRequired — success-корзина без invoice/payment данных.
	ErrCartSuccessMissingRequired = errors.New("success cart missing required data")

	// ErrCheckoutPayment — провайдер отклонил платёж или invoice стал uncollectible.
	ErrCheckoutPayment = errors.New("checkout payment failed")
	// ErrCheckoutFailed — разрешение needs_input завершилось неуспешным платежом.
	ErrCheckoutFailed = errors.New("checkout failed")
	// ErrPaymentIntentNotFound — у подписки нет payment intent, который ожидался.
	ErrPaymentIntentNotFound = errors.New("payment intent not found")

	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
)

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrCartVersionConflict)
}

// ErrorReasonFor переводит ошибку таксономии в код причины провала корзины.
func ErrorReasonFor(err error) ErrorReason {
	switch {
	case errors.Is(err, ErrCartInvalidPromoCode):
		return ErrorReasonInvalidPromoCode
	case errors.Is(err, ErrCartInvalidCurrency):
		return ErrorReasonInvalidCurrency
	case errors.Is(err, ErrCartEligibilityMismatch):
		return ErrorReasonCartEligibility
	case errors.Is(err, ErrCartTotalMismatch):
		return ErrorReasonCartTotalMismatch
	case errors.Is(err, ErrCheckoutPayment):
		return ErrorReasonPaymentDeclined
	case errors.Is(err, ErrCartVersionConflict), errors.Is(err, ErrCartStateProcessing):
		return ErrorReasonProcessingConflict
	default:
		return ErrorReasonUnknown
	}
}
