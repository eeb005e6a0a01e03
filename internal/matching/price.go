package matching

import (
	"strconv"
	"strings"
	"unicode"
)

// ParsePrice reads a scraped price such as "USD 1.250.000" or "$ 850.000,50".
// '.' is the thousands separator and ',' the decimal separator; everything
// else that is not a digit is ignored.
func ParsePrice(s string) (float64, bool) {
	var b strings.Builder
	for _, r := range s {
		switch {
		case unicode.IsDigit(r):
			b.WriteRune(r)
		case r == ',':
			b.WriteRune('.')
		}
	}
	clean := b.String()
	if clean == "" || strings.Count(clean, ".") > 1 {
		return 0, false
	}
	v, err := strconv.ParseFloat(clean, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// ParseRooms returns the first integer in s, e.g. "3 ambientes" -> 3.
func ParseRooms(s string) (int, bool) {
	start := -1
	for i, r := range s {
		if r >= '0' && r <= '9' {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			return atoi(s[start:i])
		}
	}
	if start < 0 {
		return 0, false
	}
	return atoi(s[start:])
}

func atoi(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}
