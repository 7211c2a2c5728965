package domain

import "time"

// CartState описывает жизненный цикл корзины (одной попытки checkout).
type CartState string

const (
	// CartStateStart — корзина создана, оплата ещё не запускалась.
	CartStateStart CartState = "start"
	// CartStateProcessing — оплата запущена и выполняется в фоне.
	CartStateProcessing CartState = "processing"
	// CartStateNeedsInput — провайдер требует действия клиента (например, 3-D Secure).
	CartStateNeedsInput CartState = "needs_input"
	// CartStateSuccess — подписка создана и оплачена; терминальное состояние.
	CartStateSuccess CartState = "success"
	// CartStateFail — checkout завершился ошибкой; терминальное состояние.
	CartStateFail CartState = "fail"
)

// EligibilityStatus классифицирует покупку относительно текущих подписок клиента.
type EligibilityStatus string

const (
	EligibilityStatusCreate    EligibilityStatus = "create"
	EligibilityStatusUpgrade   EligibilityStatus = "upgrade"
	EligibilityStatusDowngrade EligibilityStatus = "downgrade"
	EligibilityStatusInvalid   EligibilityStatus = "invalid"
)

// ErrorReason — код причины провала корзины, сохраняется при переходе в fail.
type ErrorReason string

const (
	ErrorReasonUnknown            ErrorReason = "unknown"
	ErrorReasonCartEligibility    ErrorReason = "cart_eligibility_status_mismatch"
	ErrorReasonCartTotalMismatch  ErrorReason = "cart_amount_mismatch"
	ErrorReasonInvalidPromoCode   ErrorReason = "invalid_promo_code"
	ErrorReasonInvalidCurrency    ErrorReason = "invalid_currency"
	ErrorReasonPaymentDeclined    ErrorReason = "payment_declined"
	ErrorReasonProcessingConflict ErrorReason = "cart_processing_conflict"
)

// TaxAddress — минимальный налоговый адрес, определяемый по IP клиента.
type TaxAddress struct {
	CountryCode string
	PostalCode  string
}

// CheckoutCustomerData — транзиентные платёжные данные, переданные при submit.
// Нигде не персистятся, используются только на время выполнения checkout.
type CheckoutCustomerData struct {
	Locale      string
	DisplayName string
}

// Cart агрегирует состояние одной попытки checkout.
// Version используется как optimistic-lock: любая мутация требует от
// вызывающего версию, которую он наблюдал последней.
type Cart struct {
	ID                   string
	State                CartState
	UID                  string
	Email                string
	OfferingConfigID     string
	Interval             string
	Amount               int64 // в минимальных денежных единицах
	Currency             string
	CouponCode           string
	TaxAddress           *TaxAddress
	StripeCustomerID     string
	StripeSubscriptionID string
	EligibilityStatus    EligibilityStatus
	ErrorReasonID        ErrorReason
	Version              int64
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// cartTransitions задаёт допустимые переходы состояний.
// В start вернуться нельзя; fail и success терминальны — повтор делается
// через новую корзину (restart), а не реанимацию старой.
var cartTransitions = map[CartState][]CartState{
	CartStateStart:      {CartStateProcessing, CartStateFail},
	CartStateProcessing: {CartStateNeedsInput, CartStateSuccess, CartStateFail},
	CartStateNeedsInput: {CartStateProcessing, CartStateSuccess, CartStateFail},
	CartStateSuccess:    {},
	CartStateFail:       {},
}

// Terminal сообщает, что корзина достигла конечного состояния.
func (s CartState) Terminal() bool {
	return s == CartStateSuccess || s == CartStateFail
}

// CanTransition проверяет допустимость перехода state -> next.
func (s CartState) CanTransition(next CartState) bool {
	for _, allowed := range cartTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Mutable сообщает, допускает ли состояние обновление пользовательских полей.
func (s CartState) Mutable() bool {
	switch s {
	case CartStateStart, CartStateProcessing, CartStateNeedsInput:
		return true
	default:
		return false
	}
}

// ValidateInvariants проверяет базовые инварианты корзины и возвращает список замечаний.
func (c *Cart) ValidateInvariants() []error {
	var errs []error

	if c.OfferingConfigID == "" {
		errs = append(errs, ErrOfferingRequired)
	}
	if c.Interval == "" {
		errs = append(errs, ErrIntervalRequired)
	}
	if c.Amount < 0 {
		errs = append(errs, ErrAmountNegative)
	}
	if c.Version < 0 {
		errs = append(errs, ErrVersionNegative)
	}
	if c.State == CartStateSuccess && c.StripeSubscriptionID == "" {
		errs = append(errs, ErrSubscriptionIDRequired)
	}
	if c.State == CartStateFail && c.ErrorReasonID == "" {
		errs = append(errs, ErrErrorReasonRequired)
	}

	return errs
}

// CartPatch описывает частичное обновление пользовательских полей корзины.
// nil-поле означает "не трогать".
type CartPatch struct {
	UID                  *string
	Email                *string
	Amount               *int64
	Currency             *string
	CouponCode           *string
	TaxAddress           *TaxAddress
	StripeCustomerID     *string
	StripeSubscriptionID *string
	ErrorReasonID        *ErrorReason
	State                *CartState
}

// Apply накладывает patch на корзину. Версию и служебные метки времени
// patch не меняет — это зона ответственности репозитория.
func (p CartPatch) Apply(c *Cart) {
	if p.UID != nil {
		c.UID = *p.UID
	}
	if p.Email != nil {
		c.Email = *p.Email
	}
	if p.Amount != nil {
		c.Amount = *p.Amount
	}
	if p.Currency != nil {
		c.Currency = *p.Currency
	}
	if p.CouponCode != nil {
		c.CouponCode = *p.CouponCode
	}
	if p.TaxAddress != nil {
		addr := *p.TaxAddress
		c.TaxAddress = &addr
	}
	if p.StripeCustomerID != nil {
		c.StripeCustomerID = *p.StripeCustomerID
	}
	if p.StripeSubscriptionID != nil {
		c.StripeSubscriptionID = *p.StripeSubscriptionID
	}
	if p.ErrorReasonID != nil {
		c.ErrorReasonID = *p.ErrorReasonID
	}
	if p.State != nil {
		c.State = *p.State
	}
}
