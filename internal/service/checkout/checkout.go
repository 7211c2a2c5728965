package checkout

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/subplat/internal/domain"
	"github.com/vladislavdragonenkov/subplat/internal/metrics"
	"github.com/vladislavdragonenkov/subplat/internal/service/cartmanager"
)

// Service выполняет платёжную часть checkout: валидацию корзины,
// создание подписки у провайдера и доведение корзины до терминального
// состояния. Ошибки возвращаются в терминах доменной таксономии.
type Service interface {
	PrePaySteps(cart domain.Cart, customerData domain.CheckoutCustomerData) (PrePayResult, error)
	PayWithStripe(cart domain.Cart, customerData domain.CheckoutCustomerData, confirmationTokenID string) error
	PayWithPaypal(cart domain.Cart, customerData domain.CheckoutCustomerData, token string) error
	PostPaySteps(cart domain.Cart, version int64, subscription domain.Subscription) error
}

// PrePayResult — данные, собранные валидацией перед оплатой.
// Version отражает версию корзины после всех мутаций prePay.
type PrePayResult struct {
	UID             string
	Email           string
	Customer        domain.Customer
	Price           domain.Price
	PromotionCodeID string
	Version         int64
}

// Gateways группирует порты платёжных провайдеров и вспомогательных сервисов.
type Gateways struct {
	Customers     domain.CustomerGateway
	Catalog       domain.PriceCatalog
	Invoices      domain.InvoiceGateway
	Subscriptions domain.SubscriptionGateway
	Intents       domain.PaymentIntentGateway
	Promotions    domain.PromotionGateway
	Eligibility   domain.EligibilityChecker
	Currencies    domain.CurrencyResolver
	Paypal        domain.PaypalGateway
	Profiles      domain.ProfileCache
}

type service struct {
	carts   cartmanager.Manager
	gw      Gateways
	logger  *log.Entry
	metrics *metrics.CheckoutMetrics
}

// NewService создаёт рабочий экземпляр checkout-сервиса.
func NewService(carts cartmanager.Manager, gw Gateways, logger *log.Entry) Service {
	if logger == nil {
		logger = log.New().WithField("component", "checkout")
	}
	return &service{
		carts:   carts,
		gw:      gw,
		logger:  logger,
		metrics: metrics.NewCheckoutMetrics(),
	}
}

// NewServiceWithoutMetrics создаёт checkout-сервис без метрик (для тестов).
func NewServiceWithoutMetrics(carts cartmanager.Manager, gw Gateways, logger *log.Entry) Service {
	if logger == nil {
		logger = log.New().WithField("component", "checkout")
	}
	return &service{
		carts:  carts,
		gw:     gw,
		logger: logger,
	}
}

// PrePaySteps прогоняет корзину через валидации перед созданием подписки.
// Порядок проверок фиксирован: email, uid, валюта, eligibility, сумма,
// снятие незавершённых подписок, промокод.
func (s *service) PrePaySteps(cart domain.Cart, customerData domain.CheckoutCustomerData) (PrePayResult, error) {
	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.RecordStepDuration("pre_pay", time.Since(start))
		}
	}()

	if cart.Email == "" {
		return PrePayResult{}, domain.ErrCartEmailNotFound
	}
	if cart.UID == "" {
		return PrePayResult{}, domain.ErrCartUIDNotFound
	}
	if err := s.validateCurrency(cart); err != nil {
		return PrePayResult{}, err
	}

	version := cart.Version

	customer, err := s.resolveCustomer(cart)
	if err != nil {
		return PrePayResult{}, err
	}
	if cart.StripeCustomerID == "" {
		// Привязываем созданного клиента к корзине, чтобы повторный
		// checkout не создавал второго.
		updated, err := s.carts.UpdateFreshCart(cart.ID, version, domain.CartPatch{
			StripeCustomerID: &customer.ID,
		})
		if err != nil {
			return PrePayResult{}, err
		}
		version = updated.Version
	}

	status, err := s.gw.Eligibility.CheckEligibility(cart.Interval, cart.OfferingConfigID, customer.ID)
	if err != nil {
		return PrePayResult{}, fmt.Errorf("check eligibility: %w", err)
	}
	if status != cart.EligibilityStatus || status == domain.EligibilityStatusInvalid {
		return PrePayResult{}, fmt.Errorf("eligibility %s, cart recorded %s: %w",
			status, cart.EligibilityStatus, domain.ErrCartEligibilityMismatch)
	}

	price, err := s.gw.Catalog.RetrievePrice(cart.OfferingConfigID, cart.Interval)
	if err != nil {
		return PrePayResult{}, fmt.Errorf("retrieve price: %w", err)
	}

	preview, err := s.gw.Invoices.PreviewUpcoming(domain.InvoicePreviewParams{
		PriceID:    price.ID,
		CustomerID: customer.ID,
		TaxAddress: cart.TaxAddress,
		CouponCode: cart.CouponCode,
	})
	if err != nil {
		return PrePayResult{}, fmt.Errorf("preview invoice: %w", err)
	}
	// Корзина хранит сумму без налога: налоговый адрес мог смениться
	// между setup и checkout, сверяем subtotal.
	if preview.Subtotal != cart.Amount {
		return PrePayResult{}, fmt.Errorf("cart amount %d, invoice preview subtotal %d: %w",
			cart.Amount, preview.Subtotal, domain.ErrCartTotalMismatch)
	}

	if err := s.gw.Subscriptions.CancelIncompleteSubscriptionsToPrice(customer.ID, price.ID); err != nil {
		return PrePayResult{}, fmt.Errorf("cancel incomplete subscriptions: %w", err)
	}

	var promotionCodeID string
	if cart.CouponCode != "" {
		if err := s.gw.Promotions.AssertValidForPrice(cart.CouponCode, price); err != nil {
			return PrePayResult{}, fmt.Errorf("coupon %q: %w", cart.CouponCode, domain.ErrCartInvalidPromoCode)
		}
		promo, err := s.gw.Promotions.RetrievePromotionByName(cart.CouponCode)
		if err != nil || !promo.Active {
			return PrePayResult{}, fmt.Errorf("coupon %q: %w", cart.CouponCode, domain.ErrCartInvalidPromoCode)
		}
		promotionCodeID = promo.ID
	}

	return PrePayResult{
		UID:             cart.UID,
		Email:           cart.Email,
		Customer:        customer,
		Price:           price,
		PromotionCodeID: promotionCodeID,
		Version:         version,
	}, nil
}

// PayWithStripe создаёт подписку с отложенной оплатой и подтверждает
// payment intent по confirmation token клиента.
func (s *service) PayWithStripe(cart domain.Cart, customerData domain.CheckoutCustomerData, confirmationTokenID string) error {
	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.RecordStepDuration("pay_stripe", time.Since(start))
		}
	}()

	res, err := s.PrePaySteps(cart, customerData)
	if err != nil {
		return err
	}

	sub, err := s.gw.Subscriptions.CreateSubscription(domain.SubscriptionCreate{
		CustomerID:       res.Customer.ID,
		PriceID:          res.Price.ID,
		Currency:         cart.Currency,
		PromotionCodeID:  res.PromotionCodeID,
		CollectionMethod: domain.CollectionChargeAutomatically,
		AutomaticTax:     true,
		Metadata: map[string]string{
			"amount":   strconv.FormatInt(cart.Amount, 10),
			"currency": cart.Currency,
		},
		// Ключ идемпотентности — id корзины: повторный запуск checkout
		// не создаёт вторую подписку.
		IdempotencyKey: cart.ID,
	})
	if err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}

	updated, err := s.carts.UpdateFreshCart(cart.ID, res.Version, domain.CartPatch{
		StripeSubscriptionID: &sub.ID,
	})
	if err != nil {
		return err
	}

	intent, err := s.gw.Subscriptions.LatestPaymentIntent(sub)
	if err != nil {
		return fmt.Errorf("latest payment intent: %w", err)
	}
	if intent.ID == "" {
		return domain.ErrPaymentIntentNotFound
	}

	confirmed, err := s.gw.Intents.ConfirmPaymentIntent(intent.ID, confirmationTokenID)
	if err != nil {
		return fmt.Errorf("confirm payment intent: %w", err)
	}

	switch confirmed.Status {
	case domain.PaymentIntentStatusRequiresAction:
		// 3-D Secure и подобное: ждём действия клиента, корзина
		// остаётся живой в needs_input.
		if _, err := s.carts.SetNeedsInputCart(cart.ID); err != nil {
			return err
		}
		return nil
	case domain.PaymentIntentStatusSucceeded:
		if confirmed.PaymentMethodID != "" {
			if _, err := s.gw.Customers.UpdateDefaultPaymentMethod(res.Customer.ID, confirmed.PaymentMethodID); err != nil {
				s.logger.WithError(err).WithField("cart_id", cart.ID).Warn("update default payment method failed")
			}
		}
		cart.UID = res.UID
		cart.StripeCustomerID = res.Customer.ID
		cart.StripeSubscriptionID = sub.ID
		return s.PostPaySteps(cart, updated.Version, sub)
	default:
		if confirmed.LastPaymentError != "" {
			return fmt.Errorf("payment intent %s: %s: %w", confirmed.Status, confirmed.LastPaymentError, domain.ErrCheckoutPayment)
		}
		return fmt.Errorf("payment intent %s: %w", confirmed.Status, domain.ErrCheckoutPayment)
	}
}

// PayWithPaypal создаёт send_invoice подписку и списывает первый invoice
// через billing agreement. Неуспешный сбор компенсируется отменой
// подписки и соглашения.
func (s *service) PayWithPaypal(cart domain.Cart, customerData domain.CheckoutCustomerData, token string) error {
	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.RecordStepDuration("pay_paypal", time.Since(start))
		}
	}()

	res, err := s.PrePaySteps(cart, customerData)
	if err != nil {
		return err
	}

	existing, err := s.gw.Subscriptions.ListPaypalSubscriptions(res.Customer.ID)
	if err != nil {
		return fmt.Errorf("list paypal subscriptions: %w", err)
	}
	if len(existing) > 0 {
		return fmt.Errorf("customer %s already has active paypal subscriptions: %w",
			res.Customer.ID, domain.ErrCheckoutPayment)
	}

	billingAgreementID, err := s.gw.Paypal.RetrieveOrCreateBillingAgreement(res.UID, false, token)
	if err != nil {
		return fmt.Errorf("billing agreement: %w", err)
	}

	sub, err := s.gw.Subscriptions.CreateSubscription(domain.SubscriptionCreate{
		CustomerID:       res.Customer.ID,
		PriceID:          res.Price.ID,
		Currency:         cart.Currency,
		PromotionCodeID:  res.PromotionCodeID,
		CollectionMethod: domain.CollectionSendInvoice,
		DaysUntilDue:     1,
		AutomaticTax:     true,
		Metadata: map[string]string{
			"amount":   strconv.FormatInt(cart.Amount, 10),
			"currency": cart.Currency,
		},
		IdempotencyKey: cart.ID,
	})
	if err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}

	if err := s.gw.Paypal.ReplaceCustomerAgreement(res.UID, billingAgreementID); err != nil {
		return fmt.Errorf("replace customer agreement: %w", err)
	}

	updated, err := s.carts.UpdateFreshCart(cart.ID, res.Version, domain.CartPatch{
		StripeSubscriptionID: &sub.ID,
	})
	if err != nil {
		return err
	}

	invoice, err := s.gw.Invoices.RetrieveInvoice(sub.LatestInvoiceID)
	if err != nil {
		return fmt.Errorf("retrieve invoice: %w", err)
	}

	processed, err := s.gw.Invoices.ProcessPaypalInvoice(invoice, billingAgreementID)
	if err != nil || processed.Status == domain.InvoiceStatusUncollectible {
		s.cancelPaypalLeftovers(cart.ID, sub.ID, billingAgreementID)
		if err != nil {
			return fmt.Errorf("process paypal invoice: %v: %w", err, domain.ErrCheckoutPayment)
		}
		return fmt.Errorf("invoice %s uncollectible: %w", processed.ID, domain.ErrCheckoutPayment)
	}

	cart.UID = res.UID
	cart.StripeCustomerID = res.Customer.ID
	cart.StripeSubscriptionID = sub.ID
	return s.PostPaySteps(cart, updated.Version, sub)
}

// PostPaySteps завершает оплаченный checkout: налоговый id, метаданные
// купона, сброс кэша профиля и перевод корзины в success.
func (s *service) PostPaySteps(cart domain.Cart, version int64, subscription domain.Subscription) error {
	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.RecordStepDuration("post_pay", time.Since(start))
		}
	}()

	if err := s.gw.Customers.SetTaxID(subscription.CustomerID, subscription.Currency); err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"cart_id":     cart.ID,
			"customer_id": subscription.CustomerID,
		}).Warn("set customer tax id failed")
	}

	if cart.CouponCode != "" {
		if _, err := s.gw.Subscriptions.UpdateSubscriptionMetadata(subscription.ID, map[string]string{
			"coupon_code": cart.CouponCode,
		}); err != nil {
			s.logger.WithError(err).WithFields(log.Fields{
				"cart_id":         cart.ID,
				"subscription_id": subscription.ID,
			}).Warn("attach coupon metadata failed")
		}
	}

	if s.gw.Profiles != nil {
		if err := s.gw.Profiles.InvalidateProfile(cart.UID); err != nil {
			s.logger.WithError(err).WithField("uid", cart.UID).Warn("invalidate profile cache failed")
		}
	}

	subID := subscription.ID
	if _, err := s.carts.FinishCart(cart.ID, version, domain.CartPatch{
		StripeSubscriptionID: &subID,
	}); err != nil {
		return err
	}

	s.logger.WithFields(log.Fields{
		"cart_id":         cart.ID,
		"subscription_id": subscription.ID,
	}).Info("checkout completed successfully")
	return nil
}

// validateCurrency проверяет, что валюта корзины разрешена для страны
// налогового адреса. Сравнение регистронезависимое: Stripe отдаёт
// валюты в нижнем регистре.
func (s *service) validateCurrency(cart domain.Cart) error {
	if cart.Currency == "" || cart.TaxAddress == nil {
		return domain.ErrCartInvalidCurrency
	}
	resolved, ok := s.gw.Currencies.CurrencyForCountry(cart.TaxAddress.CountryCode)
	if !ok || !strings.EqualFold(resolved, cart.Currency) {
		return fmt.Errorf("currency %q for country %q: %w",
			cart.Currency, cart.TaxAddress.CountryCode, domain.ErrCartInvalidCurrency)
	}
	return nil
}

func (s *service) resolveCustomer(cart domain.Cart) (domain.Customer, error) {
	if cart.StripeCustomerID != "" {
		customer, err := s.gw.Customers.RetrieveCustomer(cart.StripeCustomerID)
		if err != nil {
			return domain.Customer{}, fmt.Errorf("retrieve customer: %w", err)
		}
		return customer, nil
	}
	customer, err := s.gw.Customers.GetOrCreateCustomer(cart.UID, cart.Email)
	if err != nil {
		return domain.Customer{}, fmt.Errorf("get or create customer: %w", err)
	}
	return customer, nil
}

// cancelPaypalLeftovers — компенсация после неуспешного сбора: подписка
// и billing agreement снимаются best-effort, ошибки только логируются.
func (s *service) cancelPaypalLeftovers(cartID, subscriptionID, billingAgreementID string) {
	if err := s.gw.Subscriptions.CancelSubscription(subscriptionID); err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"cart_id":         cartID,
			"subscription_id": subscriptionID,
		}).Warn("cancel subscription after failed collection failed")
	}
	if err := s.gw.Paypal.CancelBillingAgreement(billingAgreementID); err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"cart_id":              cartID,
			"billing_agreement_id": billingAgreementID,
		}).Warn("cancel billing agreement after failed collection failed")
	}
}

var _ Service = (*service)(nil)
