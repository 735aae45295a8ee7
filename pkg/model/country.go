package model

import "strings"

// Country describes a supported ramp market.
type Country struct {
	Name      string `json:"name"`
	Currency  string `json:"currency"`
	Symbol    string `json:"symbol"`
	PhoneCode string `json:"phoneCode"`
}

var countries = map[string]Country{
	"KE": {Name: "Kenya", Currency: "KES", Symbol: "KE", PhoneCode: "254"},
	"UG": {Name: "Uganda", Currency: "UGX", Symbol: "UG", PhoneCode: "256"},
}

// LookupCountry resolves a country by its ISO symbol.
func LookupCountry(symbol string) (Country, bool) {
	c, ok := countries[strings.ToUpper(strings.TrimSpace(symbol))]
	return c, ok
}
