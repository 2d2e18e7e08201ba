package patients

import "strings"

// brazilCountryCode is stripped when comparing numbers, since replies arrive
// in E.164 while intake sheets usually hold the national number.
const brazilCountryCode = "55"

// NormalizePhone keeps digits only and prefixes + when the value looked
// international. Empty input stays empty.
func NormalizePhone(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	digits := digitsOnly(value)
	if digits == "" {
		return ""
	}
	if strings.HasPrefix(value, "+") {
		return "+" + digits
	}
	return digits
}

// NationalNumber strips + and the Brazilian country code from a phone.
func NationalNumber(value string) string {
	digits := digitsOnly(value)
	if len(digits) >= 12 && strings.HasPrefix(digits, brazilCountryCode) {
		return digits[len(brazilCountryCode):]
	}
	return digits
}

// E164 formats a national or international number as +55... when no
// country code is present.
func E164(value string) string {
	digits := digitsOnly(value)
	if digits == "" {
		return ""
	}
	if strings.HasPrefix(strings.TrimSpace(value), "+") || (len(digits) >= 12 && strings.HasPrefix(digits, brazilCountryCode)) {
		return "+" + digits
	}
	return "+" + brazilCountryCode + digits
}

// PhonesMatch compares two numbers ignoring formatting and country code.
func PhonesMatch(a, b string) bool {
	na, nb := NationalNumber(a), NationalNumber(b)
	return na != "" && na == nb
}

func digitsOnly(value string) string {
	var b strings.Builder
	for _, r := range value {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
