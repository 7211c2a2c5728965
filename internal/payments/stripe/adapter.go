package stripe

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	stripe "github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"

	"github.com/vladislavdragonenkov/subplat/internal/domain"
)

// metadataUserID — ключ метаданных Stripe, связывающий клиента с uid аккаунта.
const metadataUserID = "userid"

// PaypalCharger списывает сумму invoice через billing agreement.
// Реализуется PayPal-клиентом; Stripe-адаптер вызывает его из
// ProcessPaypalInvoice между финализацией и отметкой об оплате.
type PaypalCharger interface {
	ChargeBillingAgreement(billingAgreementID string, amountMinor int64, currency, invoiceID string) error
}

// taxIDByCurrency — налоговые идентификаторы продавца, печатаемые
// на invoice в зависимости от валюты подписки.
var taxIDByCurrency = map[string]string{
	"eur": "EU OSS VAT EU372054419",
	"gbp": "GB VAT GB376111535",
	"cad": "CA GST 713472HRT0001",
	"chf": "CHE VAT CHE-266.741.261",
}

// Adapter маппит ответы Stripe SDK в провайдеро-нейтральные структуры
// домена. Один адаптер реализует все Stripe-порты сервисного слоя.
type Adapter struct {
	sc     *client.API
	paypal PaypalCharger
	logger *log.Entry
}

// NewAdapter создаёт адаптер поверх Stripe API-ключа.
func NewAdapter(apiKey string, paypal PaypalCharger, logger *log.Entry) *Adapter {
	if logger == nil {
		logger = log.New().WithField("component", "stripe")
	}
	sc := &client.API{}
	sc.Init(apiKey, nil)
	return &Adapter{
		sc:     sc,
		paypal: paypal,
		logger: logger,
	}
}

// NewAdapterWithClient создаёт адаптер поверх готового клиента (для тестов
// с подменённым backend).
func NewAdapterWithClient(sc *client.API, paypal PaypalCharger, logger *log.Entry) *Adapter {
	if logger == nil {
		logger = log.New().WithField("component", "stripe")
	}
	return &Adapter{
		sc:     sc,
		paypal: paypal,
		logger: logger,
	}
}

// --- CustomerGateway ---

// RetrieveCustomer возвращает клиента по id.
func (a *Adapter) RetrieveCustomer(id string) (domain.Customer, error) {
	cus, err := a.sc.Customers.Get(id, nil)
	if err != nil {
		return domain.Customer{}, fmt.Errorf("stripe get customer: %w", err)
	}
	return mapCustomer(cus), nil
}

// GetOrCreateCustomer идемпотентно возвращает клиента по uid: сначала
// поиск по метаданным, при отсутствии — создание с привязкой uid.
func (a *Adapter) GetOrCreateCustomer(uid, email string) (domain.Customer, error) {
	query := fmt.Sprintf("metadata['%s']:'%s'", metadataUserID, uid)
	iter := a.sc.Customers.Search(&stripe.CustomerSearchParams{
		SearchParams: stripe.SearchParams{Query: query},
	})
	for iter.Next() {
		return mapCustomer(iter.Customer()), nil
	}
	if err := iter.Err(); err != nil {
		return domain.Customer{}, fmt.Errorf("stripe search customer: %w", err)
	}

	params := &stripe.CustomerParams{Email: stripe.String(email)}
	params.AddMetadata(metadataUserID, uid)
	params.SetIdempotencyKey("customer-" + uid)
	cus, err := a.sc.Customers.New(params)
	if err != nil {
		return domain.Customer{}, fmt.Errorf("stripe create customer: %w", err)
	}
	return mapCustomer(cus), nil
}

// UpdateDefaultPaymentMethod назначает платёжный метод по умолчанию.
func (a *Adapter) UpdateDefaultPaymentMethod(customerID, paymentMethodID string) (domain.Customer, error) {
	cus, err := a.sc.Customers.Update(customerID, &stripe.CustomerParams{
		InvoiceSettings: &stripe.CustomerInvoiceSettingsParams{
			DefaultPaymentMethod: stripe.String(paymentMethodID),
		},
	})
	if err != nil {
		return domain.Customer{}, fmt.Errorf("stripe update default payment method: %w", err)
	}
	return mapCustomer(cus), nil
}

// SetTaxID печатает налоговый идентификатор продавца на invoice клиента.
// Для валют без налогового идентификатора вызов не делает ничего.
func (a *Adapter) SetTaxID(customerID, currency string) error {
	taxID, ok := taxIDByCurrency[strings.ToLower(currency)]
	if !ok {
		return nil
	}
	_, err := a.sc.Customers.Update(customerID, &stripe.CustomerParams{
		InvoiceSettings: &stripe.CustomerInvoiceSettingsParams{
			CustomFields: []*stripe.CustomerInvoiceSettingsCustomFieldParams{{
				Name:  stripe.String("Tax ID"),
				Value: stripe.String(taxID),
			}},
		},
	})
	if err != nil {
		return fmt.Errorf("stripe set tax id: %w", err)
	}
	return nil
}

// --- PriceCatalog ---

// RetrievePrice разрешает цену по lookup key вида <offering>-<interval>.
func (a *Adapter) RetrievePrice(offeringConfigID, interval string) (domain.Price, error) {
	lookupKey := offeringConfigID + "-" + interval
	iter := a.sc.Prices.List(&stripe.PriceListParams{
		LookupKeys: stripe.StringSlice([]string{lookupKey}),
		Active:     stripe.Bool(true),
	})
	for iter.Next() {
		return mapPrice(iter.Price()), nil
	}
	if err := iter.Err(); err != nil {
		return domain.Price{}, fmt.Errorf("stripe list prices: %w", err)
	}
	return domain.Price{}, fmt.Errorf("no active price for %q", lookupKey)
}

// RetrievePriceByID возвращает цену по идентификатору Stripe.
func (a *Adapter) RetrievePriceByID(id string) (domain.Price, error) {
	price, err := a.sc.Prices.Get(id, nil)
	if err != nil {
		return domain.Price{}, fmt.Errorf("stripe get price: %w", err)
	}
	return mapPrice(price), nil
}

// --- InvoiceGateway ---

// PreviewUpcoming рассчитывает invoice до создания подписки, включая налог
// по адресу клиента.
func (a *Adapter) PreviewUpcoming(params domain.InvoicePreviewParams) (domain.InvoicePreview, error) {
	upcoming := &stripe.InvoiceUpcomingParams{
		SubscriptionItems: []*stripe.SubscriptionItemsParams{{
			Price: stripe.String(params.PriceID),
		}},
		AutomaticTax: &stripe.InvoiceAutomaticTaxParams{
			Enabled: stripe.Bool(true),
		},
	}
	if params.CustomerID != "" {
		upcoming.Customer = stripe.String(params.CustomerID)
	}
	if params.TaxAddress != nil {
		upcoming.CustomerDetails = &stripe.InvoiceUpcomingCustomerDetailsParams{
			Address: &stripe.AddressParams{
				Country:    stripe.String(params.TaxAddress.CountryCode),
				PostalCode: stripe.String(params.TaxAddress.PostalCode),
			},
		}
	}
	if params.CouponCode != "" {
		promo, err := a.RetrievePromotionByName(params.CouponCode)
		if err != nil {
			return domain.InvoicePreview{}, err
		}
		upcoming.Discounts = []*stripe.InvoiceDiscountParams{{
			PromotionCode: stripe.String(promo.ID),
		}}
	}

	inv, err := a.sc.Invoices.Upcoming(upcoming)
	if err != nil {
		return domain.InvoicePreview{}, fmt.Errorf("stripe upcoming invoice: %w", err)
	}
	return domain.InvoicePreview{
		Subtotal: inv.Subtotal,
		Tax:      inv.Total - inv.Subtotal,
		Total:    inv.Total,
		Currency: string(inv.Currency),
	}, nil
}

// RetrieveInvoice возвращает invoice по id.
func (a *Adapter) RetrieveInvoice(id string) (domain.Invoice, error) {
	inv, err := a.sc.Invoices.Get(id, nil)
	if err != nil {
		return domain.Invoice{}, fmt.Errorf("stripe get invoice: %w", err)
	}
	return mapInvoice(inv), nil
}

// ProcessPaypalInvoice финализирует invoice, списывает сумму через
// billing agreement и помечает invoice оплаченным вне Stripe. При
// неуспешном списании invoice помечается uncollectible.
func (a *Adapter) ProcessPaypalInvoice(invoice domain.Invoice, billingAgreementID string) (domain.Invoice, error) {
	if a.paypal == nil {
		return domain.Invoice{}, fmt.Errorf("paypal charger is not configured")
	}

	current := invoice
	if current.Status == domain.InvoiceStatusDraft {
		finalized, err := a.sc.Invoices.FinalizeInvoice(invoice.ID, nil)
		if err != nil {
			return domain.Invoice{}, fmt.Errorf("stripe finalize invoice: %w", err)
		}
		current = mapInvoice(finalized)
	}

	if err := a.paypal.ChargeBillingAgreement(billingAgreementID, current.AmountDue, current.Currency, current.ID); err != nil {
		a.logger.WithError(err).WithField("invoice_id", current.ID).Warn("paypal charge failed, marking invoice uncollectible")
		marked, markErr := a.sc.Invoices.MarkUncollectible(current.ID, nil)
		if markErr != nil {
			a.logger.WithError(markErr).WithField("invoice_id", current.ID).Error("mark invoice uncollectible failed")
			current.Status = domain.InvoiceStatusUncollectible
			return current, nil
		}
		return mapInvoice(marked), nil
	}

	paid, err := a.sc.Invoices.Pay(current.ID, &stripe.InvoicePayParams{
		PaidOutOfBand: stripe.Bool(true),
	})
	if err != nil {
		return domain.Invoice{}, fmt.Errorf("stripe pay invoice out of band: %w", err)
	}
	return mapInvoice(paid), nil
}

// --- SubscriptionGateway ---

// CreateSubscription создаёт подписку с отложенной оплатой.
func (a *Adapter) CreateSubscription(params domain.SubscriptionCreate) (domain.Subscription, error) {
	sub := &stripe.SubscriptionParams{
		Customer: stripe.String(params.CustomerID),
		Currency: stripe.String(params.Currency),
		Items: []*stripe.SubscriptionItemsParams{{
			Price: stripe.String(params.PriceID),
		}},
		PaymentBehavior: stripe.String("default_incomplete"),
		AutomaticTax: &stripe.SubscriptionAutomaticTaxParams{
			Enabled: stripe.Bool(params.AutomaticTax),
		},
		Expand: []*string{stripe.String("latest_invoice.payment_intent")},
	}
	if params.CollectionMethod == domain.CollectionSendInvoice {
		sub.CollectionMethod = stripe.String(string(stripe.SubscriptionCollectionMethodSendInvoice))
		sub.DaysUntilDue = stripe.Int64(params.DaysUntilDue)
	} else {
		sub.CollectionMethod = stripe.String(string(stripe.SubscriptionCollectionMethodChargeAutomatically))
	}
	if params.PromotionCodeID != "" {
		sub.Discounts = []*stripe.SubscriptionDiscountParams{{
			PromotionCode: stripe.String(params.PromotionCodeID),
		}}
	}
	for key, value := range params.Metadata {
		sub.AddMetadata(key, value)
	}
	if params.IdempotencyKey != "" {
		sub.SetIdempotencyKey(params.IdempotencyKey)
	}

	created, err := a.sc.Subscriptions.New(sub)
	if err != nil {
		return domain.Subscription{}, fmt.Errorf("stripe create subscription: %w", err)
	}
	return mapSubscription(created), nil
}

// RetrieveSubscription возвращает подписку по id.
func (a *Adapter) RetrieveSubscription(id string) (domain.Subscription, error) {
	sub, err := a.sc.Subscriptions.Get(id, nil)
	if err != nil {
		return domain.Subscription{}, fmt.Errorf("stripe get subscription: %w", err)
	}
	return mapSubscription(sub), nil
}

// UpdateSubscriptionMetadata дописывает метаданные подписки.
func (a *Adapter) UpdateSubscriptionMetadata(id string, metadata map[string]string) (domain.Subscription, error) {
	params := &stripe.SubscriptionParams{}
	for key, value := range metadata {
		params.AddMetadata(key, value)
	}
	sub, err := a.sc.Subscriptions.Update(id, params)
	if err != nil {
		return domain.Subscription{}, fmt.Errorf("stripe update subscription metadata: %w", err)
	}
	return mapSubscription(sub), nil
}

// CancelSubscription немедленно отменяет подписку.
func (a *Adapter) CancelSubscription(id string) error {
	if _, err := a.sc.Subscriptions.Cancel(id, nil); err != nil {
		return fmt.Errorf("stripe cancel subscription: %w", err)
	}
	return nil
}

// LatestPaymentIntent достаёт payment intent последнего invoice подписки.
func (a *Adapter) LatestPaymentIntent(subscription domain.Subscription) (domain.PaymentIntent, error) {
	if subscription.LatestInvoiceID == "" {
		return domain.PaymentIntent{}, domain.ErrPaymentIntentNotFound
	}
	inv, err := a.sc.Invoices.Get(subscription.LatestInvoiceID, &stripe.InvoiceParams{
		Params: stripe.Params{Expand: []*string{stripe.String("payment_intent")}},
	})
	if err != nil {
		return domain.PaymentIntent{}, fmt.Errorf("stripe get invoice: %w", err)
	}
	if inv.PaymentIntent == nil {
		return domain.PaymentIntent{}, domain.ErrPaymentIntentNotFound
	}
	return mapPaymentIntent(inv.PaymentIntent), nil
}

// CancelIncompleteSubscriptionsToPrice снимает незавершённые подписки
// клиента на ту же цену, чтобы повторный checkout не накапливал мусор.
func (a *Adapter) CancelIncompleteSubscriptionsToPrice(customerID, priceID string) error {
	iter := a.sc.Subscriptions.List(&stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String(string(stripe.SubscriptionStatusIncomplete)),
	})
	for iter.Next() {
		sub := iter.Subscription()
		if subscriptionPriceID(sub) != priceID {
			continue
		}
		if _, err := a.sc.Subscriptions.Cancel(sub.ID, nil); err != nil {
			return fmt.Errorf("stripe cancel incomplete subscription %s: %w", sub.ID, err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("stripe list incomplete subscriptions: %w", err)
	}
	return nil
}

// ListSubscriptions возвращает все подписки клиента.
func (a *Adapter) ListSubscriptions(customerID string) ([]domain.Subscription, error) {
	iter := a.sc.Subscriptions.List(&stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String("all"),
	})
	var subs []domain.Subscription
	for iter.Next() {
		subs = append(subs, mapSubscription(iter.Subscription()))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("stripe list subscriptions: %w", err)
	}
	return subs, nil
}

// ListPaypalSubscriptions возвращает действующие send_invoice подписки клиента.
func (a *Adapter) ListPaypalSubscriptions(customerID string) ([]domain.Subscription, error) {
	all, err := a.ListSubscriptions(customerID)
	if err != nil {
		return nil, err
	}
	var paypal []domain.Subscription
	for _, sub := range all {
		if sub.CollectionMethod != domain.CollectionSendInvoice {
			continue
		}
		switch sub.Status {
		case domain.SubscriptionStatusActive, domain.SubscriptionStatusTrialing, domain.SubscriptionStatusPastDue:
			paypal = append(paypal, sub)
		}
	}
	return paypal, nil
}

// --- PaymentIntentGateway ---

// ConfirmPaymentIntent подтверждает intent по confirmation token клиента.
func (a *Adapter) ConfirmPaymentIntent(id, confirmationTokenID string) (domain.PaymentIntent, error) {
	intent, err := a.sc.PaymentIntents.Confirm(id, &stripe.PaymentIntentConfirmParams{
		ConfirmationToken: stripe.String(confirmationTokenID),
	})
	if err != nil {
		return domain.PaymentIntent{}, fmt.Errorf("stripe confirm payment intent: %w", err)
	}
	return mapPaymentIntent(intent), nil
}

// RetrievePaymentIntent возвращает intent по id.
func (a *Adapter) RetrievePaymentIntent(id string) (domain.PaymentIntent, error) {
	intent, err := a.sc.PaymentIntents.Get(id, nil)
	if err != nil {
		return domain.PaymentIntent{}, fmt.Errorf("stripe get payment intent: %w", err)
	}
	return mapPaymentIntent(intent), nil
}

// --- PaymentMethodGateway ---

// RetrievePaymentMethod возвращает данные платёжного метода для проекций.
func (a *Adapter) RetrievePaymentMethod(id string) (domain.PaymentInfo, error) {
	method, err := a.sc.PaymentMethods.Get(id, nil)
	if err != nil {
		return domain.PaymentInfo{}, fmt.Errorf("stripe get payment method: %w", err)
	}
	info := domain.PaymentInfo{Type: string(method.Type)}
	if method.Card != nil {
		info.Brand = string(method.Card.Brand)
		info.Last4 = method.Card.Last4
	}
	return info, nil
}

// --- PromotionGateway ---

// AssertValidForPrice проверяет применимость промокода к цене.
func (a *Adapter) AssertValidForPrice(code string, price domain.Price) error {
	promo, raw, err := a.findPromotion(code)
	if err != nil {
		return err
	}
	if !promo.Active {
		return fmt.Errorf("promotion code %q is not active", code)
	}
	coupon := raw.Coupon
	if coupon == nil || !coupon.Valid {
		return fmt.Errorf("promotion code %q has no valid coupon", code)
	}
	if coupon.AppliesTo != nil && len(coupon.AppliesTo.Products) > 0 {
		applies := false
		for _, productID := range coupon.AppliesTo.Products {
			if productID == price.ProductID {
				applies = true
				break
			}
		}
		if !applies {
			return fmt.Errorf("promotion code %q does not apply to product %s", code, price.ProductID)
		}
	}
	return nil
}

// RetrievePromotionByName разрешает промокод по имени купона.
func (a *Adapter) RetrievePromotionByName(code string) (domain.PromotionCode, error) {
	promo, _, err := a.findPromotion(code)
	if err != nil {
		return domain.PromotionCode{}, err
	}
	return promo, nil
}

func (a *Adapter) findPromotion(code string) (domain.PromotionCode, *stripe.PromotionCode, error) {
	iter := a.sc.PromotionCodes.List(&stripe.PromotionCodeListParams{
		Code: stripe.String(code),
	})
	for iter.Next() {
		raw := iter.PromotionCode()
		return domain.PromotionCode{
			ID:     raw.ID,
			Code:   raw.Code,
			Active: raw.Active,
		}, raw, nil
	}
	if err := iter.Err(); err != nil {
		return domain.PromotionCode{}, nil, fmt.Errorf("stripe list promotion codes: %w", err)
	}
	return domain.PromotionCode{}, nil, fmt.Errorf("promotion code %q not found", code)
}

// --- маппинг SDK -> домен ---

func mapCustomer(cus *stripe.Customer) domain.Customer {
	mapped := domain.Customer{
		ID:       cus.ID,
		Email:    cus.Email,
		Metadata: cus.Metadata,
	}
	if cus.InvoiceSettings != nil && cus.InvoiceSettings.DefaultPaymentMethod != nil {
		mapped.DefaultPaymentMethodID = cus.InvoiceSettings.DefaultPaymentMethod.ID
	}
	return mapped
}

func mapPrice(price *stripe.Price) domain.Price {
	mapped := domain.Price{
		ID:         price.ID,
		UnitAmount: price.UnitAmount,
		Currency:   string(price.Currency),
	}
	if price.Product != nil {
		mapped.ProductID = price.Product.ID
	}
	if price.Recurring != nil {
		mapped.Interval = intervalFromRecurring(price.Recurring)
	}
	return mapped
}

// intervalFromRecurring переводит интервал Stripe в доменную форму.
func intervalFromRecurring(recurring *stripe.PriceRecurring) string {
	switch recurring.Interval {
	case stripe.PriceRecurringIntervalDay:
		return "daily"
	case stripe.PriceRecurringIntervalWeek:
		return "weekly"
	case stripe.PriceRecurringIntervalMonth:
		if recurring.IntervalCount == 6 {
			return "halfyearly"
		}
		return "monthly"
	case stripe.PriceRecurringIntervalYear:
		return "yearly"
	default:
		return string(recurring.Interval)
	}
}

func mapInvoice(inv *stripe.Invoice) domain.Invoice {
	mapped := domain.Invoice{
		ID:        inv.ID,
		Status:    domain.InvoiceStatus(inv.Status),
		Subtotal:  inv.Subtotal,
		Total:     inv.Total,
		AmountDue: inv.AmountDue,
		Currency:  string(inv.Currency),
	}
	if inv.PaymentIntent != nil {
		mapped.PaymentIntentID = inv.PaymentIntent.ID
	}
	return mapped
}

func mapSubscription(sub *stripe.Subscription) domain.Subscription {
	mapped := domain.Subscription{
		ID:               sub.ID,
		Status:           domain.SubscriptionStatus(sub.Status),
		Currency:         string(sub.Currency),
		CollectionMethod: domain.CollectionMethod(sub.CollectionMethod),
		Metadata:         sub.Metadata,
	}
	if sub.Customer != nil {
		mapped.CustomerID = sub.Customer.ID
	}
	if sub.LatestInvoice != nil {
		mapped.LatestInvoiceID = sub.LatestInvoice.ID
	}
	mapped.PriceID = subscriptionPriceID(sub)
	return mapped
}

func subscriptionPriceID(sub *stripe.Subscription) string {
	if sub.Items == nil || len(sub.Items.Data) == 0 || sub.Items.Data[0].Price == nil {
		return ""
	}
	return sub.Items.Data[0].Price.ID
}

func mapPaymentIntent(intent *stripe.PaymentIntent) domain.PaymentIntent {
	mapped := domain.PaymentIntent{
		ID:           intent.ID,
		Status:       domain.PaymentIntentStatus(intent.Status),
		ClientSecret: intent.ClientSecret,
	}
	if intent.PaymentMethod != nil {
		mapped.PaymentMethodID = intent.PaymentMethod.ID
	}
	if intent.LastPaymentError != nil {
		mapped.LastPaymentError = intent.LastPaymentError.Msg
	}
	return mapped
}

var (
	_ domain.CustomerGateway      = (*Adapter)(nil)
	_ domain.PriceCatalog         = (*Adapter)(nil)
	_ domain.InvoiceGateway       = (*Adapter)(nil)
	_ domain.SubscriptionGateway  = (*Adapter)(nil)
	_ domain.PaymentIntentGateway = (*Adapter)(nil)
	_ domain.PaymentMethodGateway = (*Adapter)(nil)
	_ domain.PromotionGateway     = (*Adapter)(nil)
)
