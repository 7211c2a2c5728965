package cart

import (
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/subplat/internal/domain"
	"github.com/vladislavdragonenkov/subplat/internal/metrics"
	"github.com/vladislavdragonenkov/subplat/internal/service/cartmanager"
	"github.com/vladislavdragonenkov/subplat/internal/service/checkout"
)

// Service — внешняя граница работы с корзиной. Публичные ридеры отдают
// проекции, мутации идут через optimistic-lock протокол, а оплата
// выполняется в фоне: вызывающий наблюдает завершение по состоянию
// корзины и событиям checkout.* в Kafka.
type Service interface {
	SetupCart(params SetupCartParams) (domain.Cart, error)
	RestartCart(id string) (domain.Cart, error)
	UpdateCart(id string, version int64, params UpdateCartParams) (domain.Cart, error)
	CheckoutCartWithStripe(id string, version int64, confirmationTokenID string, customerData domain.CheckoutCustomerData) error
	CheckoutCartWithPaypal(id string, version int64, token string, customerData domain.CheckoutCustomerData) error
	GetCart(id string) (View, error)
	GetSuccessCart(id string) (SuccessView, error)
	GetNeedsInput(id string) (NeedsInputView, error)
	SubmitNeedsInput(id string) error
	FinalizeCartWithError(id string, reason domain.ErrorReason) error
	FinalizeProcessingCart(id string) error
	// Close дожидается фоновых checkout; новые после Close не стартуют.
	Close()
}

// SetupCartParams — входные данные создания корзины.
type SetupCartParams struct {
	UID              string
	Email            string
	OfferingConfigID string
	Interval         string
	CouponCode       string
	IP               string
}

// UpdateCartParams — пользовательские поля, изменяемые до оплаты.
// nil означает "не трогать".
type UpdateCartParams struct {
	UID        *string
	Email      *string
	CouponCode *string
	TaxAddress *domain.TaxAddress
}

// View — проекция корзины для клиента.
type View struct {
	Cart                   domain.Cart
	UpcomingInvoicePreview *domain.InvoicePreview
	LatestInvoice          *domain.Invoice
	PaymentInfo            *domain.PaymentInfo
}

// SuccessView — проекция success-корзины; все поля обязательны.
type SuccessView struct {
	Cart          domain.Cart
	LatestInvoice domain.Invoice
	PaymentInfo   domain.PaymentInfo
}

// NeedsInputType описывает, какое действие ожидается от клиента.
type NeedsInputType string

const (
	// NeedsInputTypeStripeClientSecret — клиент завершает подтверждение
	// (3-D Secure) по client secret через Stripe.js.
	NeedsInputTypeStripeClientSecret NeedsInputType = "stripe_client_secret"
	// NeedsInputTypeNotRequired — intent уже покинул requires_action,
	// действий от клиента не требуется.
	NeedsInputTypeNotRequired NeedsInputType = "not_required"
)

// NeedsInputView отдаёт клиенту данные для завершения действия
// (например client secret для 3-D Secure).
type NeedsInputView struct {
	CartID       string
	InputType    NeedsInputType
	ClientSecret string
}

// Gateways группирует порты, нужные оркестрации поверх checkout-сервиса.
type Gateways struct {
	Customers      domain.CustomerGateway
	Catalog        domain.PriceCatalog
	Invoices       domain.InvoiceGateway
	Subscriptions  domain.SubscriptionGateway
	PaymentMethods domain.PaymentMethodGateway
	Promotions     domain.PromotionGateway
	Eligibility    domain.EligibilityChecker
	Currencies     domain.CurrencyResolver
	Geo            domain.TaxAddressResolver
}

type service struct {
	manager  cartmanager.Manager
	checkout checkout.Service
	gw       Gateways
	logger   *log.Entry
	metrics  *metrics.CheckoutMetrics

	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

// NewService создаёт рабочий экземпляр cart-сервиса.
func NewService(manager cartmanager.Manager, checkoutSvc checkout.Service, gw Gateways, logger *log.Entry) Service {
	if logger == nil {
		logger = log.New().WithField("component", "cart")
	}
	return &service{
		manager:  manager,
		checkout: checkoutSvc,
		gw:       gw,
		logger:   logger,
		metrics:  metrics.NewCheckoutMetrics(),
	}
}

// NewServiceWithoutMetrics создаёт cart-сервис без метрик (для тестов).
func NewServiceWithoutMetrics(manager cartmanager.Manager, checkoutSvc checkout.Service, gw Gateways, logger *log.Entry) Service {
	if logger == nil {
		logger = log.New().WithField("component", "cart")
	}
	return &service{
		manager:  manager,
		checkout: checkoutSvc,
		gw:       gw,
		logger:   logger,
	}
}

// SetupCart создаёт корзину: налоговый адрес по IP, валюта по стране,
// сумма по invoice preview, eligibility и промокод проверяются сразу,
// чтобы клиент узнал о проблеме до оплаты.
func (s *service) SetupCart(params SetupCartParams) (domain.Cart, error) {
	taxAddress := s.gw.Geo.TaxAddressForIP(params.IP)
	if taxAddress == nil {
		return domain.Cart{}, fmt.Errorf("no tax address for ip: %w", domain.ErrCartInvalidCurrency)
	}
	currency, ok := s.gw.Currencies.CurrencyForCountry(taxAddress.CountryCode)
	if !ok {
		return domain.Cart{}, fmt.Errorf("country %q: %w", taxAddress.CountryCode, domain.ErrCartInvalidCurrency)
	}

	price, err := s.gw.Catalog.RetrievePrice(params.OfferingConfigID, params.Interval)
	if err != nil {
		return domain.Cart{}, fmt.Errorf("retrieve price: %w", err)
	}

	if params.CouponCode != "" {
		if err := s.gw.Promotions.AssertValidForPrice(params.CouponCode, price); err != nil {
			return domain.Cart{}, fmt.Errorf("coupon %q: %w", params.CouponCode, domain.ErrCartInvalidPromoCode)
		}
	}

	preview, err := s.gw.Invoices.PreviewUpcoming(domain.InvoicePreviewParams{
		PriceID:    price.ID,
		TaxAddress: taxAddress,
		CouponCode: params.CouponCode,
	})
	if err != nil {
		return domain.Cart{}, fmt.Errorf("preview invoice: %w", err)
	}

	status, err := s.gw.Eligibility.CheckEligibility(params.Interval, params.OfferingConfigID, "")
	if err != nil {
		return domain.Cart{}, fmt.Errorf("check eligibility: %w", err)
	}

	return s.manager.CreateCart(domain.Cart{
		UID:               params.UID,
		Email:             params.Email,
		OfferingConfigID:  params.OfferingConfigID,
		Interval:          params.Interval,
		Amount:            preview.Subtotal,
		Currency:          currency,
		CouponCode:        params.CouponCode,
		TaxAddress:        taxAddress,
		EligibilityStatus: status,
	})
}

// RestartCart создаёт новую корзину по полям существующей.
// Промокод перепроверяется: с момента исходной корзины он мог истечь.
func (s *service) RestartCart(id string) (domain.Cart, error) {
	cart, err := s.manager.FetchCartByID(id)
	if err != nil {
		return domain.Cart{}, err
	}

	if cart.CouponCode != "" {
		price, err := s.gw.Catalog.RetrievePrice(cart.OfferingConfigID, cart.Interval)
		if err != nil {
			return domain.Cart{}, fmt.Errorf("retrieve price: %w", err)
		}
		if err := s.gw.Promotions.AssertValidForPrice(cart.CouponCode, price); err != nil {
			return domain.Cart{}, fmt.Errorf("coupon %q: %w", cart.CouponCode, domain.ErrCartInvalidPromoCode)
		}
	}

	return s.manager.RestartCart(cart)
}

// UpdateCart меняет пользовательские поля корзины до оплаты. Смена
// налогового адреса перевычисляет валюту; ошибки валидации входят в
// allowlist и не роняют корзину в fail.
func (s *service) UpdateCart(id string, version int64, params UpdateCartParams) (domain.Cart, error) {
	var updated domain.Cart
	err := s.wrapCartCatch(id, []error{
		domain.ErrCartNotFound,
		domain.ErrCartVersionConflict,
		domain.ErrCartInvalidState,
		domain.ErrCartInvalidPromoCode,
		domain.ErrCartInvalidCurrency,
	}, func() error {
		cart, err := s.manager.FetchAndValidateCartVersion(id, version)
		if err != nil {
			return err
		}

		patch := domain.CartPatch{
			UID:        params.UID,
			Email:      params.Email,
			CouponCode: params.CouponCode,
		}

		if params.CouponCode != nil && *params.CouponCode != "" {
			price, err := s.gw.Catalog.RetrievePrice(cart.OfferingConfigID, cart.Interval)
			if err != nil {
				return fmt.Errorf("retrieve price: %w", err)
			}
			if err := s.gw.Promotions.AssertValidForPrice(*params.CouponCode, price); err != nil {
				return fmt.Errorf("coupon %q: %w", *params.CouponCode, domain.ErrCartInvalidPromoCode)
			}
		}

		if params.TaxAddress != nil {
			currency, ok := s.gw.Currencies.CurrencyForCountry(params.TaxAddress.CountryCode)
			if !ok {
				return fmt.Errorf("country %q: %w", params.TaxAddress.CountryCode, domain.ErrCartInvalidCurrency)
			}
			patch.TaxAddress = params.TaxAddress
			patch.Currency = &currency
		}

		updated, err = s.manager.UpdateFreshCart(id, version, patch)
		return err
	})
	if err != nil {
		return domain.Cart{}, err
	}
	return updated, nil
}

// CheckoutCartWithStripe запускает оплату картой. Вызов возвращается,
// как только корзина захвачена под processing; сам платёж идёт в фоне.
func (s *service) CheckoutCartWithStripe(id string, version int64, confirmationTokenID string, customerData domain.CheckoutCustomerData) error {
	cart, err := s.startProcessing(id, version)
	if err != nil {
		return err
	}

	s.dispatch(cart.ID, func() error {
		return s.checkout.PayWithStripe(cart, customerData, confirmationTokenID)
	})
	return nil
}

// CheckoutCartWithPaypal запускает оплату через PayPal billing agreement.
func (s *service) CheckoutCartWithPaypal(id string, version int64, token string, customerData domain.CheckoutCustomerData) error {
	cart, err := s.startProcessing(id, version)
	if err != nil {
		return err
	}

	s.dispatch(cart.ID, func() error {
		return s.checkout.PayWithPaypal(cart, customerData, token)
	})
	return nil
}

// startProcessing выполняет CAS-протокол захвата корзины:
// валидация версии → processing → валидация версии+1. Любой сбой
// здесь означает гонку за корзину и отдаётся как ErrCartStateProcessing.
func (s *service) startProcessing(id string, version int64) (domain.Cart, error) {
	if _, err := s.manager.FetchAndValidateCartVersion(id, version); err != nil {
		return domain.Cart{}, fmt.Errorf("cart %s: %v: %w", id, err, domain.ErrCartStateProcessing)
	}
	if _, err := s.manager.SetProcessingCart(id); err != nil {
		return domain.Cart{}, fmt.Errorf("cart %s: %v: %w", id, err, domain.ErrCartStateProcessing)
	}
	cart, err := s.manager.FetchAndValidateCartVersion(id, version+1)
	if err != nil {
		return domain.Cart{}, fmt.Errorf("cart %s: %v: %w", id, err, domain.ErrCartStateProcessing)
	}
	return cart, nil
}

// GetCart отдаёт проекцию корзины: сама корзина, предварительный расчёт
// следующего invoice и, если подписка уже есть, последний invoice
// с данными платёжного метода.
func (s *service) GetCart(id string) (View, error) {
	cart, err := s.manager.FetchCartByID(id)
	if err != nil {
		return View{}, err
	}

	view := View{Cart: cart}

	price, err := s.gw.Catalog.RetrievePrice(cart.OfferingConfigID, cart.Interval)
	if err == nil {
		preview, err := s.gw.Invoices.PreviewUpcoming(domain.InvoicePreviewParams{
			PriceID:    price.ID,
			CustomerID: cart.StripeCustomerID,
			TaxAddress: cart.TaxAddress,
			CouponCode: cart.CouponCode,
		})
		if err == nil {
			view.UpcomingInvoicePreview = &preview
		} else {
			s.logger.WithError(err).WithField("cart_id", id).Warn("upcoming invoice preview failed")
		}
	} else {
		s.logger.WithError(err).WithField("cart_id", id).Warn("price lookup for projection failed")
	}

	if cart.StripeSubscriptionID != "" {
		invoice, info := s.latestInvoiceWithPaymentInfo(cart)
		view.LatestInvoice = invoice
		view.PaymentInfo = info
	}

	return view, nil
}

// GetSuccessCart — строгая проекция завершённого checkout.
func (s *service) GetSuccessCart(id string) (SuccessView, error) {
	cart, err := s.manager.FetchCartByID(id)
	if err != nil {
		return SuccessView{}, err
	}
	if cart.State != domain.CartStateSuccess {
		return SuccessView{}, fmt.Errorf("cart %s in state %s: %w", id, cart.State, domain.ErrCartInvalidState)
	}

	invoice, info := s.latestInvoiceWithPaymentInfo(cart)
	if invoice == nil || info == nil {
		return SuccessView{}, domain.ErrCartSuccessMissingRequired
	}

	return SuccessView{
		Cart:          cart,
		LatestInvoice: *invoice,
		PaymentInfo:   *info,
	}, nil
}

// GetNeedsInput отдаёт client secret для завершения действия клиента.
// Если intent уже покинул requires_action, действие не нужно: корзина
// возвращается в processing, клиент получает not_required.
func (s *service) GetNeedsInput(id string) (NeedsInputView, error) {
	cart, err := s.manager.FetchCartByID(id)
	if err != nil {
		return NeedsInputView{}, err
	}
	if cart.State != domain.CartStateNeedsInput {
		return NeedsInputView{}, fmt.Errorf("cart %s in state %s: %w", id, cart.State, domain.ErrCartInvalidState)
	}

	intent, err := s.latestPaymentIntent(cart)
	if err != nil {
		return NeedsInputView{}, err
	}

	if intent.Status != domain.PaymentIntentStatusRequiresAction {
		if _, err := s.manager.SetProcessingCart(id); err != nil {
			return NeedsInputView{}, err
		}
		return NeedsInputView{
			CartID:    cart.ID,
			InputType: NeedsInputTypeNotRequired,
		}, nil
	}

	return NeedsInputView{
		CartID:       cart.ID,
		InputType:    NeedsInputTypeStripeClientSecret,
		ClientSecret: intent.ClientSecret,
	}, nil
}

// SubmitNeedsInput возобновляет checkout после действия клиента.
// Корзина возвращается в processing, итог платежа проверяется в фоне.
func (s *service) SubmitNeedsInput(id string) error {
	cart, err := s.manager.FetchCartByID(id)
	if err != nil {
		return err
	}
	if cart.State != domain.CartStateNeedsInput {
		return fmt.Errorf("cart %s in state %s: %w", id, cart.State, domain.ErrCartInvalidState)
	}

	processing, err := s.manager.SetProcessingCart(id)
	if err != nil {
		return fmt.Errorf("cart %s: %v: %w", id, err, domain.ErrCartStateProcessing)
	}

	s.dispatch(id, func() error {
		intent, err := s.latestPaymentIntent(processing)
		if err != nil {
			return err
		}
		if intent.Status != domain.PaymentIntentStatusSucceeded {
			// Компенсация: неоплаченная подписка не должна пережить корзину.
			if cancelErr := s.gw.Subscriptions.CancelSubscription(processing.StripeSubscriptionID); cancelErr != nil {
				s.logger.WithError(cancelErr).WithFields(log.Fields{
					"cart_id":         id,
					"subscription_id": processing.StripeSubscriptionID,
				}).Warn("cancel subscription after failed customer action failed")
			}
			return fmt.Errorf("payment intent %s after customer action: %w", intent.Status, domain.ErrCheckoutFailed)
		}
		if intent.PaymentMethodID != "" {
			if _, err := s.gw.Customers.UpdateDefaultPaymentMethod(processing.StripeCustomerID, intent.PaymentMethodID); err != nil {
				s.logger.WithError(err).WithField("cart_id", id).Warn("update default payment method failed")
			}
		}
		sub, err := s.gw.Subscriptions.RetrieveSubscription(processing.StripeSubscriptionID)
		if err != nil {
			return fmt.Errorf("retrieve subscription: %w", err)
		}
		return s.checkout.PostPaySteps(processing, processing.Version, sub)
	})
	return nil
}

// FinalizeCartWithError переводит корзину в fail; идемпотентен.
func (s *service) FinalizeCartWithError(id string, reason domain.ErrorReason) error {
	return s.manager.FinishErrorCart(id, reason)
}

// FinalizeProcessingCart доводит processing-корзину до терминального
// состояния: используется при восстановлении после рестарта сервиса.
func (s *service) FinalizeProcessingCart(id string) error {
	return s.wrapCartCatch(id, []error{
		domain.ErrCartNotFound,
		domain.ErrCartInvalidState,
	}, func() error {
		cart, err := s.manager.FetchCartByID(id)
		if err != nil {
			return err
		}
		if cart.State != domain.CartStateProcessing {
			return fmt.Errorf("cart %s in state %s: %w", id, cart.State, domain.ErrCartInvalidState)
		}
		if cart.StripeSubscriptionID == "" {
			return domain.ErrCartSubscriptionNotFound
		}
		sub, err := s.gw.Subscriptions.RetrieveSubscription(cart.StripeSubscriptionID)
		if err != nil {
			return fmt.Errorf("retrieve subscription: %w", err)
		}
		return s.checkout.PostPaySteps(cart, cart.Version, sub)
	})
}

// Close блокирует новые фоновые задачи и дожидается запущенных.
func (s *service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
}

// dispatch запускает платёжную задачу в фоне. Ошибка задачи доводит
// корзину до fail с кодом причины; после Close задачи не стартуют,
// корзина проваливается сразу.
func (s *service) dispatch(cartID string, fn func() error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.WithField("cart_id", cartID).Warn("dispatch after close, failing cart")
		if err := s.manager.FinishErrorCart(cartID, domain.ErrorReasonUnknown); err != nil {
			s.logger.WithError(err).WithField("cart_id", cartID).Warn("record cart failure failed")
		}
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordCheckoutInFlightStarted()
	}

	go func() {
		defer s.wg.Done()
		start := time.Now()
		defer func() {
			if s.metrics != nil {
				s.metrics.RecordCheckoutDuration(time.Since(start))
				s.metrics.RecordCheckoutInFlightFinished()
			}
		}()

		if err := s.wrapCartCatch(cartID, nil, fn); err != nil {
			s.logger.WithError(err).WithField("cart_id", cartID).Warn("background checkout failed")
		}
	}()
}

// wrapCartCatch выполняет fn и, если ошибка не входит в allowlist,
// доводит корзину до fail с кодом причины, выведенным из ошибки.
// Исходная ошибка возвращается в любом случае; сбой записи fail
// логируется и глотается.
func (s *service) wrapCartCatch(cartID string, allow []error, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}

	for _, allowed := range allow {
		if errors.Is(err, allowed) {
			return err
		}
	}

	reason := domain.ErrorReasonFor(err)
	if failErr := s.manager.FinishErrorCart(cartID, reason); failErr != nil {
		s.logger.WithError(failErr).WithFields(log.Fields{
			"cart_id": cartID,
			"reason":  reason,
		}).Warn("record cart failure failed")
	}
	return err
}

func (s *service) latestPaymentIntent(cart domain.Cart) (domain.PaymentIntent, error) {
	if cart.StripeSubscriptionID == "" {
		return domain.PaymentIntent{}, domain.ErrCartSubscriptionNotFound
	}
	sub, err := s.gw.Subscriptions.RetrieveSubscription(cart.StripeSubscriptionID)
	if err != nil {
		return domain.PaymentIntent{}, fmt.Errorf("retrieve subscription: %w", err)
	}
	intent, err := s.gw.Subscriptions.LatestPaymentIntent(sub)
	if err != nil {
		return domain.PaymentIntent{}, fmt.Errorf("latest payment intent: %w", err)
	}
	if intent.ID == "" {
		return domain.PaymentIntent{}, domain.ErrPaymentIntentNotFound
	}
	return intent, nil
}

// latestInvoiceWithPaymentInfo собирает последний invoice подписки и
// данные платёжного метода; обе части best-effort.
func (s *service) latestInvoiceWithPaymentInfo(cart domain.Cart) (*domain.Invoice, *domain.PaymentInfo) {
	sub, err := s.gw.Subscriptions.RetrieveSubscription(cart.StripeSubscriptionID)
	if err != nil {
		s.logger.WithError(err).WithField("cart_id", cart.ID).Warn("retrieve subscription for projection failed")
		return nil, nil
	}
	if sub.LatestInvoiceID == "" {
		return nil, nil
	}

	invoice, err := s.gw.Invoices.RetrieveInvoice(sub.LatestInvoiceID)
	if err != nil {
		s.logger.WithError(err).WithField("cart_id", cart.ID).Warn("retrieve invoice for projection failed")
		return nil, nil
	}

	var info *domain.PaymentInfo
	if sub.CollectionMethod == domain.CollectionSendInvoice {
		info = &domain.PaymentInfo{Type: "external_paypal"}
	} else {
		intent, err := s.gw.Subscriptions.LatestPaymentIntent(sub)
		if err == nil && intent.PaymentMethodID != "" {
			method, err := s.gw.PaymentMethods.RetrievePaymentMethod(intent.PaymentMethodID)
			if err == nil {
				info = &method
			} else {
				s.logger.WithError(err).WithField("cart_id", cart.ID).Warn("retrieve payment method failed")
			}
		}
	}

	return &invoice, info
}

var _ Service = (*service)(nil)
