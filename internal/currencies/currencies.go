package currencies

import (
	"fmt"
	"strings"
)

// Class is the freshness/scheduling class of a currency
type Class int

const (
	ClassFiat Class = iota
	ClassCrypto
	ClassOther
)

func (class Class) String() string {
	switch class {
	case ClassFiat:
		return "fiat"
	case ClassCrypto:
		return "crypto"
	default:
		return "other"
	}
}

// UnknownCurrencyError is returned when a code is not in the supported registry
type UnknownCurrencyError struct {
	Code string
}

func (e *UnknownCurrencyError) Error() string {
	return fmt.Sprintf("unsupported currency code: %s", e.Code)
}

type currencyInfo struct {
	Name  string
	Class Class
}

// registry of currencies the platform trades; codes are upper-case, 2-5 chars
var registry = map[string]currencyInfo{
	"USD": {Name: "US Dollar", Class: ClassFiat},
	"EUR": {Name: "Euro", Class: ClassFiat},
	"GBP": {Name: "Pound Sterling", Class: ClassFiat},
	"RUB": {Name: "Russian Ruble", Class: ClassFiat},
	"BTC": {Name: "Bitcoin", Class: ClassCrypto},
	"ETH": {Name: "Ethereum", Class: ClassCrypto},
	"SOL": {Name: "Solana", Class: ClassCrypto},
}

// Normalize upper-cases and trims a currency code
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Classify returns the class of a supported currency code.
// Unsupported codes yield an UnknownCurrencyError.
func Classify(code string) (Class, error) {
	normalized := Normalize(code)
	info, ok := registry[normalized]
	if !ok {
		return ClassOther, &UnknownCurrencyError{Code: normalized}
	}
	return info.Class, nil
}

// ClassOrDefault classifies a code, falling back to ClassOther for anything
// outside the registry. Freshness checks use this so an exotic pair in the
// cache file still gets the default TTL instead of an error.
func ClassOrDefault(code string) Class {
	class, err := Classify(code)
	if err != nil {
		return ClassOther
	}
	return class
}

// Name returns the display name of a supported currency code
func Name(code string) (string, error) {
	normalized := Normalize(code)
	info, ok := registry[normalized]
	if !ok {
		return "", &UnknownCurrencyError{Code: normalized}
	}
	return info.Name, nil
}

// Supported returns the codes of all supported currencies
func Supported() []string {
	codes := make([]string, 0, len(registry))
	for code := range registry {
		codes = append(codes, code)
	}
	return codes
}

// IsSupported reports whether a code is in the registry
func IsSupported(code string) bool {
	_, ok := registry[Normalize(code)]
	return ok
}
