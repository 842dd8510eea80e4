package policy

import (
	"regexp"
	"strings"
)

type redaction struct {
	pattern *regexp.Regexp
	replace func(match string) string
}

func fixed(label string) func(string) string {
	return func(string) string { return label }
}

// Order matters: card numbers run before phones so a long digit run is
// treated as a card when it passes the Luhn check.
var redactions = []redaction{
	{regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`), fixed("[email_redacted]")},
	{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), fixed("***-**-****")},
	{regexp.MustCompile(`\b[A-Z]{2}\d{2}(?: ?[A-Z0-9]{4}){3,7}(?: ?[A-Z0-9]{1,4})?\b`), fixed("[iban_redacted]")},
	{regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), maskCardNumber},
	{regexp.MustCompile(`(?:\+\d[\d()\-\s.]{7,}\d|\(\d{3}\)\s?\d{3}[\-\s.]\d{4}|\b\d{3}[\-.]\d{3}[\-.]\d{4}\b)`), fixed("[phone_redacted]")},
}

// MaskPIIString redacts contact details and account numbers before text
// leaves the process.
func MaskPIIString(value string) string {
	for _, rule := range redactions {
		value = rule.pattern.ReplaceAllStringFunc(value, rule.replace)
	}
	return value
}

// MaskPIIMap returns a copy of value with every string leaf masked.
func MaskPIIMap(value map[string]any) map[string]any {
	if value == nil {
		return nil
	}
	return maskValue(value).(map[string]any)
}

func maskValue(value any) any {
	switch typed := value.(type) {
	case string:
		return MaskPIIString(typed)
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, child := range typed {
			out[key] = maskValue(child)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, child := range typed {
			out[i] = maskValue(child)
		}
		return out
	}
	return value
}

func maskCardNumber(match string) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, match)
	if !luhnValid(digits) {
		return match
	}
	return "**** **** **** " + digits[len(digits)-4:]
}

func luhnValid(digits string) bool {
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return len(digits) >= 13 && sum%10 == 0
}
