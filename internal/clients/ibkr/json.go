package ibkr

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// decode unmarshals with json.Number so ids and prices keep their precision
func decode(raw json.RawMessage, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}

// errorEnvelope extracts the message of a top-level {"error": ...} object
func errorEnvelope(body []byte) (string, bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return "", false
	}
	var envelope map[string]interface{}
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return "", false
	}
	raw, ok := envelope["error"]
	if !ok || raw == nil {
		return "", false
	}
	msg := fmt.Sprint(raw)
	return msg, msg != ""
}

// failureMessage prefers the error envelope and falls back to the raw body
func failureMessage(body []byte) string {
	if msg, ok := errorEnvelope(body); ok {
		return msg
	}
	return truncate(string(body))
}

func truncate(s string) string {
	if len(s) > maxLoggedBody {
		return s[:maxLoggedBody] + "..."
	}
	return s
}

// toDecimal converts a JSON scalar to a decimal.
// Strings may carry a leading "C" (closing price) or "H" (halted) marker.
func toDecimal(v interface{}) (decimal.Decimal, bool) {
	switch val := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(val.String())
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(val), true
	case string:
		s := strings.TrimSpace(strings.ReplaceAll(val, ",", ""))
		s = strings.TrimLeft(s, "CH")
		if s == "" {
			return decimal.Zero, false
		}
		d, err := decimal.NewFromString(s)
		return d, err == nil
	default:
		return decimal.Zero, false
	}
}

// toInt64 converts a JSON scalar to an integer id
func toInt64(v interface{}) (int64, bool) {
	switch val := v.(type) {
	case json.Number:
		n, err := val.Int64()
		return n, err == nil
	case float64:
		return int64(val), true
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(val))
		if err != nil || !d.IsInteger() {
			return 0, false
		}
		return d.IntPart(), true
	default:
		return 0, false
	}
}

// toString renders a JSON scalar as a string
func toString(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case json.Number:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}
