package currency

import "testing"

func TestCurrencyForCountry_Defaults(t *testing.T) {
	resolver := NewResolver()

	cases := []struct {
		country string
		want    string
	}{
		{"US", "usd"},
		{"DE", "eur"},
		{"GB", "gbp"},
		{"JP", "jpy"},
	}
	for _, tc := range cases {
		got, ok := resolver.CurrencyForCountry(tc.country)
		if !ok || got != tc.want {
			t.Fatalf("country %s: expected %q, got %q (ok=%v)", tc.country, tc.want, got, ok)
		}
	}
}

func TestCurrencyForCountry_CaseInsensitive(t *testing.T) {
	resolver := NewResolver()

	got, ok := resolver.CurrencyForCountry("us")
	if !ok || got != "usd" {
		t.Fatalf("expected usd for lowercase country code, got %q (ok=%v)", got, ok)
	}
}

func TestCurrencyForCountry_Unsupported(t *testing.T) {
	resolver := NewResolver()

	if _, ok := resolver.CurrencyForCountry("XX"); ok {
		t.Fatal("expected unsupported country to be rejected")
	}
}

func TestNewResolverWithTable_Normalizes(t *testing.T) {
	resolver := NewResolverWithTable(map[string]string{"br": "BRL"})

	got, ok := resolver.CurrencyForCountry("BR")
	if !ok || got != "brl" {
		t.Fatalf("expected normalized brl, got %q (ok=%v)", got, ok)
	}
}
