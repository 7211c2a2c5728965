package eligibility

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/subplat/internal/domain"
)

// PriceSource — узкий срез каталога цен, нужный проверке eligibility.
type PriceSource interface {
	RetrievePrice(offeringConfigID, interval string) (domain.Price, error)
	RetrievePriceByID(id string) (domain.Price, error)
}

// SubscriptionSource возвращает подписки клиента у платёжного провайдера.
type SubscriptionSource interface {
	ListSubscriptions(customerID string) ([]domain.Subscription, error)
}

// intervalRank задаёт порядок интервалов для сравнения длительности.
// Неизвестный интервал сравнению не подлежит.
var intervalRank = map[string]int{
	"daily":      1,
	"weekly":     2,
	"monthly":    3,
	"halfyearly": 4,
	"yearly":     5,
}

type checker struct {
	catalog PriceSource
	subs    SubscriptionSource
	logger  *log.Entry
}

// NewChecker создаёт проверку eligibility поверх каталога цен и подписок
// клиента.
func NewChecker(catalog PriceSource, subs SubscriptionSource, logger *log.Entry) domain.EligibilityChecker {
	if logger == nil {
		logger = log.New().WithField("component", "eligibility")
	}
	return &checker{
		catalog: catalog,
		subs:    subs,
		logger:  logger,
	}
}

// CheckEligibility классифицирует покупку относительно действующих
// подписок клиента: create, если подписок на продукт нет; upgrade или
// downgrade при смене интервала; invalid, если клиент уже подписан на
// эту же цену.
func (c *checker) CheckEligibility(interval, offeringConfigID, customerID string) (domain.EligibilityStatus, error) {
	target, err := c.catalog.RetrievePrice(offeringConfigID, interval)
	if err != nil {
		return "", fmt.Errorf("retrieve target price: %w", err)
	}

	if customerID == "" {
		return domain.EligibilityStatusCreate, nil
	}

	subscriptions, err := c.subs.ListSubscriptions(customerID)
	if err != nil {
		return "", fmt.Errorf("list subscriptions: %w", err)
	}

	for _, sub := range subscriptions {
		if !subscriptionCounts(sub.Status) {
			continue
		}
		if sub.PriceID == target.ID {
			return domain.EligibilityStatusInvalid, nil
		}

		current, err := c.catalog.RetrievePriceByID(sub.PriceID)
		if err != nil {
			return "", fmt.Errorf("retrieve price %s: %w", sub.PriceID, err)
		}
		if current.ProductID != target.ProductID {
			continue
		}

		currentRank, okCurrent := intervalRank[current.Interval]
		targetRank, okTarget := intervalRank[target.Interval]
		if !okCurrent || !okTarget {
			c.logger.WithFields(log.Fields{
				"current_interval": current.Interval,
				"target_interval":  target.Interval,
			}).Warn("unknown interval, treating purchase as invalid")
			return domain.EligibilityStatusInvalid, nil
		}

		switch {
		case targetRank > currentRank:
			return domain.EligibilityStatusUpgrade, nil
		case targetRank < currentRank:
			return domain.EligibilityStatusDowngrade, nil
		default:
			// Тот же интервал на том же продукте, но другая цена:
			// повторная покупка не имеет смысла.
			return domain.EligibilityStatusInvalid, nil
		}
	}

	return domain.EligibilityStatusCreate, nil
}

// subscriptionCounts сообщает, учитывается ли подписка при проверке.
// Отменённые и незавершённые подписки не блокируют новую покупку.
func subscriptionCounts(status domain.SubscriptionStatus) bool {
	switch status {
	case domain.SubscriptionStatusActive, domain.SubscriptionStatusTrialing, domain.SubscriptionStatusPastDue:
		return true
	default:
		return false
	}
}

var _ domain.EligibilityChecker = (*checker)(nil)
