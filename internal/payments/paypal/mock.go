package paypal

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/subplat/internal/domain"
)

// MockClient — конфигурируемая заглушка PayPal для тестов и локальной
// разработки. Ведёт привязки uid -> billing agreement в памяти и
// считает вызовы.
type MockClient struct {
	mu sync.Mutex

	RetrieveErr error
	CancelErr   error
	ReplaceErr  error
	ChargeErr   error

	RetrieveCalls int
	CancelCalls   int
	ReplaceCalls  int
	ChargeCalls   int

	agreements map[string]string
	canceled   map[string]bool
}

// NewMockClient возвращает mock с успешным сценарием по умолчанию.
func NewMockClient() *MockClient {
	return &MockClient{
		agreements: make(map[string]string),
		canceled:   make(map[string]bool),
	}
}

// RetrieveOrCreateBillingAgreement возвращает действующее соглашение
// пользователя либо создаёт новое по токену. force всегда создаёт новое.
func (m *MockClient) RetrieveOrCreateBillingAgreement(uid string, force bool, token string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RetrieveCalls++
	if m.RetrieveErr != nil {
		return "", m.RetrieveErr
	}

	if !force {
		if existing, ok := m.agreements[uid]; ok && !m.canceled[existing] {
			return existing, nil
		}
	}
	if token == "" {
		return "", fmt.Errorf("paypal token required to create billing agreement")
	}
	agreement := "B-" + uuid.NewString()
	m.agreements[uid] = agreement
	return agreement, nil
}

// CancelBillingAgreement помечает соглашение отменённым.
func (m *MockClient) CancelBillingAgreement(billingAgreementID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CancelCalls++
	if m.CancelErr != nil {
		return m.CancelErr
	}
	m.canceled[billingAgreementID] = true
	return nil
}

// ReplaceCustomerAgreement заменяет привязку uid -> billing agreement.
func (m *MockClient) ReplaceCustomerAgreement(uid, billingAgreementID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReplaceCalls++
	if m.ReplaceErr != nil {
		return m.ReplaceErr
	}
	m.agreements[uid] = billingAgreementID
	return nil
}

// ChargeBillingAgreement имитирует списание по соглашению.
func (m *MockClient) ChargeBillingAgreement(billingAgreementID string, amountMinor int64, currency, invoiceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ChargeCalls++
	if m.ChargeErr != nil {
		return m.ChargeErr
	}
	if m.canceled[billingAgreementID] {
		return fmt.Errorf("billing agreement %s is canceled", billingAgreementID)
	}
	return nil
}

// AgreementFor возвращает текущее соглашение пользователя (для проверок в тестах).
func (m *MockClient) AgreementFor(uid string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agreement, ok := m.agreements[uid]
	return agreement, ok
}

var _ domain.PaypalGateway = (*MockClient)(nil)
