package cart

import (
	"sync"

	"github.com/vladislavdragonenkov/subplat/internal/domain"
	"github.com/vladislavdragonenkov/subplat/internal/service/cartmanager"
	"github.com/vladislavdragonenkov/subplat/internal/service/checkout"
)

// Конфигурируемая заглушка платёжного слоя. При успешной оплате доводит
// корзину до success через менеджер, как это делает настоящий checkout.

type stubCheckout struct {
	mu sync.Mutex

	manager      cartmanager.Manager
	finishSubID  string
	payStripeErr error
	payPaypalErr error
	postPayErr   error

	stripeCnt  int
	paypalCnt  int
	postPayCnt int
	lastCart   domain.Cart
	lastToken  string
}

func (s *stubCheckout) PrePaySteps(cart domain.Cart, customerData domain.CheckoutCustomerData) (checkout.PrePayResult, error) {
	return checkout.PrePayResult{UID: cart.UID, Email: cart.Email, Version: cart.Version}, nil
}

func (s *stubCheckout) PayWithStripe(cart domain.Cart, customerData domain.CheckoutCustomerData, confirmationTokenID string) error {
	s.mu.Lock()
	s.stripeCnt++
	s.lastCart = cart
	s.lastToken = confirmationTokenID
	err := s.payStripeErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.finish(cart.ID, cart.Version)
}

func (s *stubCheckout) PayWithPaypal(cart domain.Cart, customerData domain.CheckoutCustomerData, token string) error {
	s.mu.Lock()
	s.paypalCnt++
	s.lastCart = cart
	s.lastToken = token
	err := s.payPaypalErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.finish(cart.ID, cart.Version)
}

func (s *stubCheckout) PostPaySteps(cart domain.Cart, version int64, subscription domain.Subscription) error {
	s.mu.Lock()
	s.postPayCnt++
	s.lastCart = cart
	err := s.postPayErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.finish(cart.ID, version)
}

func (s *stubCheckout) finish(cartID string, version int64) error {
	subID := s.finishSubID
	if subID == "" {
		subID = "sub_stub"
	}
	_, err := s.manager.FinishCart(cartID, version, domain.CartPatch{StripeSubscriptionID: &subID})
	return err
}

type stubCustomers struct {
	customer domain.Customer

	defaultPMCnt  int
	defaultPMLast string
}

func (s *stubCustomers) RetrieveCustomer(id string) (domain.Customer, error) {
	return s.customer, nil
}

func (s *stubCustomers) GetOrCreateCustomer(uid, email string) (domain.Customer, error) {
	return s.customer, nil
}

func (s *stubCustomers) UpdateDefaultPaymentMethod(customerID, paymentMethodID string) (domain.Customer, error) {
	s.defaultPMCnt++
	s.defaultPMLast = paymentMethodID
	return s.customer, nil
}

func (s *stubCustomers) SetTaxID(customerID, currency string) error { return nil }

type stubCatalog struct {
	price domain.Price
	err   error
}

func (s *stubCatalog) RetrievePrice(offeringConfigID, interval string) (domain.Price, error) {
	if s.err != nil {
		return domain.Price{}, s.err
	}
	return s.price, nil
}

type stubInvoices struct {
	preview    domain.InvoicePreview
	previewErr error

	invoice     domain.Invoice
	retrieveErr error
}

func (s *stubInvoices) PreviewUpcoming(params domain.InvoicePreviewParams) (domain.InvoicePreview, error) {
	if s.previewErr != nil {
		return domain.InvoicePreview{}, s.previewErr
	}
	return s.preview, nil
}

func (s *stubInvoices) RetrieveInvoice(id string) (domain.Invoice, error) {
	if s.retrieveErr != nil {
		return domain.Invoice{}, s.retrieveErr
	}
	return s.invoice, nil
}

func (s *stubInvoices) ProcessPaypalInvoice(invoice domain.Invoice, billingAgreementID string) (domain.Invoice, error) {
	return invoice, nil
}

type stubSubscriptions struct {
	subscription domain.Subscription
	retrieveErr  error

	intent    domain.PaymentIntent
	intentErr error

	cancelCnt    int
	cancelLastID string
}

func (s *stubSubscriptions) CreateSubscription(params domain.SubscriptionCreate) (domain.Subscription, error) {
	return s.subscription, nil
}

func (s *stubSubscriptions) RetrieveSubscription(id string) (domain.Subscription, error) {
	if s.retrieveErr != nil {
		return domain.Subscription{}, s.retrieveErr
	}
	return s.subscription, nil
}

func (s *stubSubscriptions) UpdateSubscriptionMetadata(id string, metadata map[string]string) (domain.Subscription, error) {
	return s.subscription, nil
}

func (s *stubSubscriptions) CancelSubscription(id string) error {
	s.cancelCnt++
	s.cancelLastID = id
	return nil
}

func (s *stubSubscriptions) LatestPaymentIntent(subscription domain.Subscription) (domain.PaymentIntent, error) {
	if s.intentErr != nil {
		return domain.PaymentIntent{}, s.intentErr
	}
	return s.intent, nil
}

func (s *stubSubscriptions) CancelIncompleteSubscriptionsToPrice(customerID, priceID string) error {
	return nil
}

func (s *stubSubscriptions) ListPaypalSubscriptions(customerID string) ([]domain.Subscription, error) {
	return nil, nil
}

type stubPaymentMethods struct {
	info domain.PaymentInfo
	err  error
}

func (s *stubPaymentMethods) RetrievePaymentMethod(id string) (domain.PaymentInfo, error) {
	if s.err != nil {
		return domain.PaymentInfo{}, s.err
	}
	return s.info, nil
}

type stubPromotions struct {
	assertErr error
	promo     domain.PromotionCode
}

func (s *stubPromotions) AssertValidForPrice(code string, price domain.Price) error {
	return s.assertErr
}

func (s *stubPromotions) RetrievePromotionByName(code string) (domain.PromotionCode, error) {
	return s.promo, nil
}

type stubEligibility struct {
	status domain.EligibilityStatus
	err    error
}

func (s *stubEligibility) CheckEligibility(interval, offeringConfigID, customerID string) (domain.EligibilityStatus, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.status, nil
}

type stubCurrencies struct {
	table map[string]string
}

func (s *stubCurrencies) CurrencyForCountry(countryCode string) (string, bool) {
	currency, ok := s.table[countryCode]
	return currency, ok
}

type stubGeo struct {
	address *domain.TaxAddress
}

func (s *stubGeo) TaxAddressForIP(ip string) *domain.TaxAddress {
	return s.address
}

var (
	_ checkout.Service            = (*stubCheckout)(nil)
	_ domain.CustomerGateway      = (*stubCustomers)(nil)
	_ domain.PriceCatalog         = (*stubCatalog)(nil)
	_ domain.InvoiceGateway       = (*stubInvoices)(nil)
	_ domain.SubscriptionGateway  = (*stubSubscriptions)(nil)
	_ domain.PaymentMethodGateway = (*stubPaymentMethods)(nil)
	_ domain.PromotionGateway     = (*stubPromotions)(nil)
	_ domain.EligibilityChecker   = (*stubEligibility)(nil)
	_ domain.CurrencyResolver     = (*stubCurrencies)(nil)
	_ domain.TaxAddressResolver   = (*stubGeo)(nil)
)
