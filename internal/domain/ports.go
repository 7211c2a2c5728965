package domain

import "time"

// CustomerGateway описывает операции над клиентом платёжного провайдера.
type CustomerGateway interface {
	RetrieveCustomer(id string) (Customer, error)
	// GetOrCreateCustomer идемпотентно возвращает клиента по uid,
	// создавая его при первом обращении.
	GetOrCreateCustomer(uid, email string) (Customer, error)
	// UpdateDefaultPaymentMethod назначает платёжный метод по умолчанию.
	UpdateDefaultPaymentMethod(customerID, paymentMethodID string) (Customer, error)
	// SetTaxID записывает налоговый идентификатор, соответствующий валюте подписки.
	SetTaxID(customerID, currency string) error
}

// PriceCatalog разрешает цену по offering и интервалу.
type PriceCatalog interface {
	RetrievePrice(offeringConfigID, interval string) (Price, error)
}

// InvoiceGateway описывает операции над invoice провайдера.
type InvoiceGateway interface {
	PreviewUpcoming(params InvoicePreviewParams) (InvoicePreview, error)
	RetrieveInvoice(id string) (Invoice, error)
	// ProcessPaypalInvoice финализирует invoice и списывает средства
	// через billing agreement; возвращает invoice в итоговом статусе.
	ProcessPaypalInvoice(invoice Invoice, billingAgreementID string) (Invoice, error)
}

// SubscriptionGateway описывает операции над подписками провайдера.
type SubscriptionGateway interface {
	CreateSubscription(params SubscriptionCreate) (Subscription, error)
	RetrieveSubscription(id string) (Subscription, error)
	UpdateSubscriptionMetadata(id string, metadata map[string]string) (Subscription, error)
	CancelSubscription(id string) error
	// LatestPaymentIntent достаёт payment intent последнего invoice подписки.
	LatestPaymentIntent(subscription Subscription) (PaymentIntent, error)
	// CancelIncompleteSubscriptionsToPrice снимает незавершённые подписки
	// клиента на ту же цену перед повторным checkout.
	CancelIncompleteSubscriptionsToPrice(customerID, priceID string) error
	// ListPaypalSubscriptions возвращает активные send_invoice подписки клиента.
	ListPaypalSubscriptions(customerID string) ([]Subscription, error)
}

// PaymentIntentGateway подтверждает payment intent по confirmation token.
type PaymentIntentGateway interface {
	ConfirmPaymentIntent(id, confirmationTokenID string) (PaymentIntent, error)
	RetrievePaymentIntent(id string) (PaymentIntent, error)
}

// PaymentMethodGateway возвращает данные платёжного метода для проекций.
type PaymentMethodGateway interface {
	RetrievePaymentMethod(id string) (PaymentInfo, error)
}

// PromotionGateway валидирует и разрешает промокоды.
type PromotionGateway interface {
	// AssertValidForPrice возвращает ошибку, если код неприменим к цене.
	AssertValidForPrice(code string, price Price) error
	RetrievePromotionByName(code string) (PromotionCode, error)
}

// EligibilityChecker классифицирует покупку относительно подписок клиента.
type EligibilityChecker interface {
	CheckEligibility(interval, offeringConfigID, customerID string) (EligibilityStatus, error)
}

// CurrencyResolver возвращает валюту, разрешённую для страны.
type CurrencyResolver interface {
	CurrencyForCountry(countryCode string) (string, bool)
}

// TaxAddressResolver определяет налоговый адрес по IP клиента.
type TaxAddressResolver interface {
	TaxAddressForIP(ip string) *TaxAddress
}

// PaypalGateway описывает операции над billing agreement в PayPal.
type PaypalGateway interface {
	// RetrieveOrCreateBillingAgreement идемпотентно возвращает активный
	// billing agreement либо создаёт новый по токену.
	RetrieveOrCreateBillingAgreement(uid string, force bool, token string) (string, error)
	CancelBillingAgreement(billingAgreementID string) error
	// ReplaceCustomerAgreement заменяет привязку uid -> billing agreement:
	// на аккаунт допускается только одно активное соглашение.
	ReplaceCustomerAgreement(uid, billingAgreementID string) error
}

// ProfileCache инвалидирует кэшированные данные профиля после оплаты.
type ProfileCache interface {
	InvalidateProfile(uid string) error
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(msg OutboxMessage) (OutboxMessage, error)
	PullPending(limit int) ([]OutboxMessage, error)
	Stats() (OutboxStats, error)
	MarkSent(id string) error
	MarkFailed(id string) error
}

// TimelineRepository хранит события жизненного цикла корзины.
type TimelineRepository interface {
	Append(event TimelineEvent) error
	List(cartID string) ([]TimelineEvent, error)
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}

// TimelineEvent — запись аудита по корзине; корзины физически не удаляются,
// история переходов остаётся доступной после завершения checkout.
type TimelineEvent struct {
	CartID   string
	Type     string
	Reason   string
	Occurred time.Time
}
