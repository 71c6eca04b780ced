package validation

import "strings"

// NormalizeDigits strips everything but ASCII digits.
func NormalizeDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ValidCPF checks a Brazilian taxpayer number. Punctuation is ignored. Sequences of a single
// repeated digit are rejected even though their check digits work out.
func ValidCPF(s string) bool {
	d := NormalizeDigits(s)
	if len(d) != 11 {
		return false
	}
	if strings.Count(d, d[:1]) == len(d) {
		return false
	}
	return cpfCheckDigit(d[:9]) == d[9] && cpfCheckDigit(d[:10]) == d[10]
}

// cpfCheckDigit computes the mod-11 check digit over prefix, weighting from len(prefix)+1 down to 2.
func cpfCheckDigit(prefix string) byte {
	sum := 0
	weight := len(prefix) + 1
	for i := 0; i < len(prefix); i++ {
		sum += int(prefix[i]-'0') * weight
		weight--
	}
	rem := sum % 11
	if rem < 2 {
		return '0'
	}
	return byte('0' + 11 - rem)
}

// ValidPhone accepts Brazilian phone numbers: 10 or 11 digits once punctuation is removed.
func ValidPhone(s string) bool {
	d := NormalizeDigits(s)
	if len(d) < 10 || len(d) > 11 {
		return false
	}
	// Anything other than digits, spaces and common separators is not a phone number.
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r == ' ', r == '-', r == '(', r == ')', r == '+', r == '.':
		default:
			return false
		}
	}
	return true
}
