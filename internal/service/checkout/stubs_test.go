package checkout

import (
	"sync"

	"github.com/vladislavdragonenkov/subplat/internal/domain"
)

// Конфигурируемые заглушки портов платёжного провайдера.

type stubCustomers struct {
	mu sync.Mutex

	customer    domain.Customer
	retrieveErr error
	createErr   error
	setTaxErr   error

	createdCnt     int
	defaultPMCnt   int
	defaultPMLast  string
	setTaxIDCnt    int
	setTaxCurrency string
}

func (s *stubCustomers) RetrieveCustomer(id string) (domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retrieveErr != nil {
		return domain.Customer{}, s.retrieveErr
	}
	return s.customer, nil
}

func (s *stubCustomers) GetOrCreateCustomer(uid, email string) (domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createdCnt++
	if s.createErr != nil {
		return domain.Customer{}, s.createErr
	}
	return s.customer, nil
}

func (s *stubCustomers) UpdateDefaultPaymentMethod(customerID, paymentMethodID string) (domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaultPMCnt++
	s.defaultPMLast = paymentMethodID
	return s.customer, nil
}

func (s *stubCustomers) SetTaxID(customerID, currency string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setTaxIDCnt++
	s.setTaxCurrency = currency
	return s.setTaxErr
}

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
	mu sync.Mutex

	preview    domain.InvoicePreview
	previewErr error

	invoice     domain.Invoice
	retrieveErr error

	processed  domain.Invoice
	processErr error

	processCnt    int
	processLastBA string
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
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processCnt++
	s.processLastBA = billingAgreementID
	if s.processErr != nil {
		return domain.Invoice{}, s.processErr
	}
	return s.processed, nil
}

type stubSubscriptions struct {
	mu sync.Mutex

	subscription domain.Subscription
	createErr    error

	intent    domain.PaymentIntent
	intentErr error

	paypalSubs    []domain.Subscription
	paypalSubsErr error

	cancelErr          error
	cancelIncompleteCt int
	cancelCnt          int
	cancelLastID       string

	createCnt      int
	lastCreate     domain.SubscriptionCreate
	metadataCnt    int
	lastMetadata   map[string]string
	metadataSubErr error
}

func (s *stubSubscriptions) CreateSubscription(params domain.SubscriptionCreate) (domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createCnt++
	s.lastCreate = params
	if s.createErr != nil {
		return domain.Subscription{}, s.createErr
	}
	return s.subscription, nil
}

func (s *stubSubscriptions) RetrieveSubscription(id string) (domain.Subscription, error) {
	return s.subscription, nil
}

func (s *stubSubscriptions) UpdateSubscriptionMetadata(id string, metadata map[string]string) (domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadataCnt++
	s.lastMetadata = metadata
	if s.metadataSubErr != nil {
		return domain.Subscription{}, s.metadataSubErr
	}
	return s.subscription, nil
}

func (s *stubSubscriptions) CancelSubscription(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelCnt++
	s.cancelLastID = id
	return s.cancelErr
}

func (s *stubSubscriptions) LatestPaymentIntent(subscription domain.Subscription) (domain.PaymentIntent, error) {
	if s.intentErr != nil {
		return domain.PaymentIntent{}, s.intentErr
	}
	return s.intent, nil
}

func (s *stubSubscriptions) CancelIncompleteSubscriptionsToPrice(customerID, priceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelIncompleteCt++
	return nil
}

func (s *stubSubscriptions) ListPaypalSubscriptions(customerID string) ([]domain.Subscription, error) {
	if s.paypalSubsErr != nil {
		return nil, s.paypalSubsErr
	}
	return s.paypalSubs, nil
}

type stubIntents struct {
	mu sync.Mutex

	confirmed  domain.PaymentIntent
	confirmErr error

	confirmCnt       int
	confirmLastToken string
}

func (s *stubIntents) ConfirmPaymentIntent(id, confirmationTokenID string) (domain.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirmCnt++
	s.confirmLastToken = confirmationTokenID
	if s.confirmErr != nil {
		return domain.PaymentIntent{}, s.confirmErr
	}
	return s.confirmed, nil
}

func (s *stubIntents) RetrievePaymentIntent(id string) (domain.PaymentIntent, error) {
	return s.confirmed, nil
}

type stubPromotions struct {
	assertErr error
	promo     domain.PromotionCode
	lookupErr error
}

func (s *stubPromotions) AssertValidForPrice(code string, price domain.Price) error {
	return s.assertErr
}

func (s *stubPromotions) RetrievePromotionByName(code string) (domain.PromotionCode, error) {
	if s.lookupErr != nil {
		return domain.PromotionCode{}, s.lookupErr
	}
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

type stubPaypal struct {
	mu sync.Mutex

	billingAgreementID string
	retrieveErr        error
	cancelErr          error
	replaceErr         error

	retrieveCnt int
	cancelCnt   int
	replaceCnt  int
	replacedUID string
}

func (s *stubPaypal) RetrieveOrCreateBillingAgreement(uid string, force bool, token string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retrieveCnt++
	if s.retrieveErr != nil {
		return "", s.retrieveErr
	}
	return s.billingAgreementID, nil
}

func (s *stubPaypal) CancelBillingAgreement(billingAgreementID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelCnt++
	return s.cancelErr
}

func (s *stubPaypal) ReplaceCustomerAgreement(uid, billingAgreementID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaceCnt++
	s.replacedUID = uid
	return s.replaceErr
}

type stubProfiles struct {
	mu sync.Mutex

	err           error
	invalidateCnt int
	lastUID       string
}

func (s *stubProfiles) InvalidateProfile(uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidateCnt++
	s.lastUID = uid
	return s.err
}

var (
	_ domain.CustomerGateway      = (*stubCustomers)(nil)
	_ domain.PriceCatalog         = (*stubCatalog)(nil)
	_ domain.InvoiceGateway       = (*stubInvoices)(nil)
	_ domain.SubscriptionGateway  = (*stubSubscriptions)(nil)
	_ domain.PaymentIntentGateway = (*stubIntents)(nil)
	_ domain.PromotionGateway     = (*stubPromotions)(nil)
	_ domain.EligibilityChecker   = (*stubEligibility)(nil)
	_ domain.CurrencyResolver     = (*stubCurrencies)(nil)
	_ domain.PaypalGateway        = (*stubPaypal)(nil)
	_ domain.ProfileCache         = (*stubProfiles)(nil)
)
