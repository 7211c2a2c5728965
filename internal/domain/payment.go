package domain

// Провайдеро-нейтральные формы объектов платёжного провайдера.
// Stripe-адаптер маппит ответы SDK в эти структуры, чтобы сервисный слой
// не зависел от типов SDK.

// Customer — клиент у платёжного провайдера.
type Customer struct {
	ID                     string
	Email                  string
	DefaultPaymentMethodID string
	TaxID                  string
	Metadata               map[string]string
}

// Price — цена подписки, разрешённая для offering+interval.
type Price struct {
	ID         string
	ProductID  string
	UnitAmount int64
	Currency   string
	Interval   string
}

// InvoicePreview — предварительный расчёт invoice до создания подписки.
type InvoicePreview struct {
	Subtotal int64
	Tax      int64
	Total    int64
	Currency string
}

// InvoiceStatus описывает состояние invoice у провайдера.
type InvoiceStatus string

const (
	InvoiceStatusDraft         InvoiceStatus = "draft"
	InvoiceStatusOpen          InvoiceStatus = "open"
	InvoiceStatusPaid          InvoiceStatus = "paid"
	InvoiceStatusUncollectible InvoiceStatus = "uncollectible"
	InvoiceStatusVoid          InvoiceStatus = "void"
)

// Invoice — выставленный счёт подписки.
type Invoice struct {
	ID              string
	Status          InvoiceStatus
	PaymentIntentID string
	Subtotal        int64
	Total           int64
	AmountDue       int64
	Currency        string
}

// SubscriptionStatus описывает состояние подписки у провайдера.
type SubscriptionStatus string

const (
	SubscriptionStatusIncomplete SubscriptionStatus = "incomplete"
	SubscriptionStatusActive     SubscriptionStatus = "active"
	SubscriptionStatusTrialing   SubscriptionStatus = "trialing"
	SubscriptionStatusPastDue    SubscriptionStatus = "past_due"
	SubscriptionStatusCanceled   SubscriptionStatus = "canceled"
)

// CollectionMethod задаёт способ сбора оплаты подписки.
type CollectionMethod string

const (
	// CollectionChargeAutomatically — оплата сохранённым платёжным методом Stripe.
	CollectionChargeAutomatically CollectionMethod = "charge_automatically"
	// CollectionSendInvoice — оплата по invoice; используется как мост для PayPal.
	CollectionSendInvoice CollectionMethod = "send_invoice"
)

// Subscription — подписка, созданная в ходе checkout.
type Subscription struct {
	ID               string
	CustomerID       string
	Status           SubscriptionStatus
	Currency         string
	PriceID          string
	LatestInvoiceID  string
	CollectionMethod CollectionMethod
	Metadata         map[string]string
}

// PaymentIntentStatus описывает состояние payment intent.
type PaymentIntentStatus string

const (
	PaymentIntentStatusRequiresAction       PaymentIntentStatus = "requires_action"
	PaymentIntentStatusRequiresConfirmation PaymentIntentStatus = "requires_confirmation"
	PaymentIntentStatusProcessing           PaymentIntentStatus = "processing"
	PaymentIntentStatusSucceeded            PaymentIntentStatus = "succeeded"
	PaymentIntentStatusCanceled             PaymentIntentStatus = "canceled"
)

// PaymentIntent — попытка оплаты invoice.
type PaymentIntent struct {
	ID               string
	Status           PaymentIntentStatus
	ClientSecret     string
	PaymentMethodID  string
	LastPaymentError string
}

// PaymentInfo — данные платёжного метода для отображения в success-проекции.
type PaymentInfo struct {
	Type  string
	Brand string
	Last4 string
}

// PromotionCode — промокод, разрешённый по имени купона.
type PromotionCode struct {
	ID     string
	Code   string
	Active bool
}

// SubscriptionCreate описывает параметры создания подписки.
// IdempotencyKey всегда равен id корзины: повторный checkout той же корзины
// не создаёт вторую подписку.
type SubscriptionCreate struct {
	CustomerID       string
	PriceID          string
	Currency         string
	PromotionCodeID  string
	CollectionMethod CollectionMethod
	DaysUntilDue     int64
	AutomaticTax     bool
	Metadata         map[string]string
	IdempotencyKey   string
}

// InvoicePreviewParams описывает запрос предварительного расчёта invoice.
type InvoicePreviewParams struct {
	PriceID    string
	CustomerID string
	TaxAddress *TaxAddress
	CouponCode string
}
