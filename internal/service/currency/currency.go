package currency

import (
	"strings"

	"github.com/vladislavdragonenkov/subplat/internal/domain"
)

// defaultCountryCurrencies — валюты, разрешённые для продажи по странам.
// Валюты в нижнем регистре, как их отдаёт платёжный провайдер.
var defaultCountryCurrencies = map[string]string{
	"US": "usd",
	"CA": "cad",
	"GB": "gbp",
	"AU": "aud",
	"NZ": "nzd",
	"CH": "chf",
	"SE": "sek",
	"DK": "dkk",
	"NO": "nok",
	"PL": "pln",
	"CZ": "czk",
	"JP": "jpy",
	"SG": "sgd",
	"MY": "myr",

	"AT": "eur",
	"BE": "eur",
	"BG": "eur",
	"CY": "eur",
	"DE": "eur",
	"EE": "eur",
	"ES": "eur",
	"FI": "eur",
	"FR": "eur",
	"GR": "eur",
	"HR": "eur",
	"IE": "eur",
	"IT": "eur",
	"LT": "eur",
	"LU": "eur",
	"LV": "eur",
	"MT": "eur",
	"NL": "eur",
	"PT": "eur",
	"RO": "eur",
	"SI": "eur",
	"SK": "eur",
}

type resolver struct {
	table map[string]string
}

// NewResolver создаёт резолвер с таблицей валют по умолчанию.
func NewResolver() domain.CurrencyResolver {
	return NewResolverWithTable(defaultCountryCurrencies)
}

// NewResolverWithTable создаёт резолвер поверх переданной таблицы
// страна -> валюта. Ключи нормализуются к верхнему регистру, значения
// к нижнему.
func NewResolverWithTable(table map[string]string) domain.CurrencyResolver {
	normalized := make(map[string]string, len(table))
	for country, cur := range table {
		normalized[strings.ToUpper(country)] = strings.ToLower(cur)
	}
	return &resolver{table: normalized}
}

// CurrencyForCountry возвращает валюту страны; false, если продажа в
// стране не поддерживается.
func (r *resolver) CurrencyForCountry(countryCode string) (string, bool) {
	currency, ok := r.table[strings.ToUpper(countryCode)]
	return currency, ok
}

var _ domain.CurrencyResolver = (*resolver)(nil)
