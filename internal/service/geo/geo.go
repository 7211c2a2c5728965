package geo

import (
	"net/netip"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/subplat/internal/domain"
)

// Rule привязывает диапазон адресов к налоговому адресу.
type Rule struct {
	Prefix  netip.Prefix
	Address domain.TaxAddress
}

type resolver struct {
	rules    []Rule
	fallback *domain.TaxAddress
	logger   *log.Entry
}

// NewResolver создаёт резолвер налогового адреса по таблице диапазонов.
// fallback используется, когда IP не попал ни в один диапазон; nil
// fallback означает "адрес не определён".
func NewResolver(rules []Rule, fallback *domain.TaxAddress, logger *log.Entry) domain.TaxAddressResolver {
	if logger == nil {
		logger = log.New().WithField("component", "geo")
	}
	return &resolver{
		rules:    rules,
		fallback: fallback,
		logger:   logger,
	}
}

// TaxAddressForIP возвращает налоговый адрес первого подошедшего
// диапазона. Возвращаемое значение — копия: вызывающий может её менять.
func (r *resolver) TaxAddressForIP(ip string) *domain.TaxAddress {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		r.logger.WithField("ip", ip).Debug("unparseable client ip")
		return r.copyFallback()
	}

	for _, rule := range r.rules {
		if rule.Prefix.Contains(addr) {
			match := rule.Address
			return &match
		}
	}
	return r.copyFallback()
}

func (r *resolver) copyFallback() *domain.TaxAddress {
	if r.fallback == nil {
		return nil
	}
	fallback := *r.fallback
	return &fallback
}

// ParseRules разбирает таблицу cidr -> страна/индекс из конфигурации.
func ParseRules(raw map[string]domain.TaxAddress) ([]Rule, error) {
	rules := make([]Rule, 0, len(raw))
	for cidr, address := range raw {
		prefix, err := netip.ParsePrefix(cidr)
		if err != nil {
			return nil, err
		}
		rules = append(rules, Rule{Prefix: prefix, Address: address})
	}
	return rules, nil
}

var _ domain.TaxAddressResolver = (*resolver)(nil)
