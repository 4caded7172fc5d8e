package kcb

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Item is a name/value pair from the STK callback metadata list.
type Item struct {
	Name  string      `json:"Name"`
	Value interface{} `json:"Value"`
}

// CallbackMetadata is the parsed metadata of a successful STK callback.
type CallbackMetadata map[string]interface{}

// ParseCallbackMetadata converts the gateway's metadata array to a map.
// Input: [{"Name": "Amount", "Value": 500}, {"Name": "MpesaReceiptNumber", "Value": "R1"}]
// Output: {"Amount": 500, "MpesaReceiptNumber": "R1"}
func ParseCallbackMetadata(items []Item) CallbackMetadata {
	result := make(CallbackMetadata, len(items))
	for _, item := range items {
		if item.Name != "" {
			result[item.Name] = item.Value
		}
	}
	return result
}

// String returns the named metadata value rendered as a string, or "" when
// absent.
func (m CallbackMetadata) String(name string) string {
	v, ok := m[name]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case json.Number:
		return s.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Amount returns the named metadata value as a decimal, or zero when absent
// or unparseable.
func (m CallbackMetadata) Amount(name string) decimal.Decimal {
	v, ok := m[name]
	if !ok || v == nil {
		return decimal.Zero
	}
	switch n := v.(type) {
	case float64:
		return decimal.NewFromFloat(n)
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		if err != nil {
			return decimal.Zero
		}
		return d
	case string:
		d, err := decimal.NewFromString(n)
		if err != nil {
			return decimal.Zero
		}
		return d
	default:
		return decimal.Zero
	}
}
