package providers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ledgermatch/internal/shared/apperr"
)

// Wrapper keys providers put their item lists under, in lookup order.
var listKeys = []string{"items", "transactions", "data", "payments", "results"}

// ExtractItems returns the item list of a provider response, whichever of
// the known shapes it has: a bare array, an object wrapping the array under
// one of listKeys, or a bank-data object splitting items into "booked" and
// "pending" (only booked items are returned).
func ExtractItems(body []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, errUnknownShape
	}

	if trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, apperr.Wrap(apperr.KindTransactionFetch, err, "malformed item list")
		}
		return items, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, apperr.Wrap(apperr.KindTransactionFetch, err, "malformed response")
	}
	if booked, ok := obj["booked"]; ok {
		return ExtractItems(booked)
	}
	for _, key := range listKeys {
		raw, ok := obj[key]
		if !ok || isNull(raw) {
			continue
		}
		return ExtractItems(raw)
	}
	return nil, errUnknownShape
}

var errUnknownShape = apperr.New(apperr.KindTransactionFetch, "unrecognized response shape")

func isNull(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

// parseAmount accepts a JSON number or a numeric string.
func parseAmount(raw json.RawMessage) (decimal.Decimal, error) {
	if isNull(raw) {
		return decimal.Zero, fmt.Errorf("amount is missing")
	}
	s := strings.Trim(string(bytes.TrimSpace(raw)), `"`)
	return decimal.NewFromString(s)
}

var dateLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", time.DateOnly}

// parseDate returns the first non-empty value that parses, in UTC.
func parseDate(values ...string) (time.Time, error) {
	for _, v := range values {
		if v == "" {
			continue
		}
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, v); err == nil {
				return t.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unparseable date %q", v)
	}
	return time.Time{}, fmt.Errorf("date is missing")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Currencies whose minor unit equals the major unit.
var zeroDecimalCurrencies = map[string]struct{}{
	"bif": {}, "clp": {}, "djf": {}, "gnf": {}, "jpy": {}, "kmf": {}, "krw": {}, "mga": {},
	"pyg": {}, "rwf": {}, "ugx": {}, "vnd": {}, "vuv": {}, "xaf": {}, "xof": {}, "xpf": {},
}

// fromMinorUnits converts an integer amount in minor units to major units.
func fromMinorUnits(amount int64, currency string) decimal.Decimal {
	if _, ok := zeroDecimalCurrencies[strings.ToLower(currency)]; ok {
		return decimal.NewFromInt(amount)
	}
	return decimal.New(amount, -2)
}
