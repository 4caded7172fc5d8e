package kcb

import (
	"fmt"
	"strings"
)

const countryCode = "254"

// NormalizeMSISDN canonicalizes a Kenyan subscriber number to the
// international form the gateway expects ("254XXXXXXXXX"). Accepted inputs:
//
//	0712345678
//	254712345678
//	+254712345678
//
// The subscriber part must be 9 digits starting with 1 or 7. Anything else
// is rejected.
func NormalizeMSISDN(phone string) (string, error) {
	s := strings.TrimSpace(phone)
	s = strings.ReplaceAll(s, " ", "")

	switch {
	case strings.HasPrefix(s, "+"+countryCode):
		s = s[len("+"+countryCode):]
	case strings.HasPrefix(s, countryCode):
		s = s[len(countryCode):]
	case strings.HasPrefix(s, "0"):
		s = s[1:]
	}

	if len(s) != 9 {
		return "", fmt.Errorf("invalid phone number %q: expected 9 subscriber digits, got %d", phone, len(s))
	}
	if s[0] != '1' && s[0] != '7' {
		return "", fmt.Errorf("invalid phone number %q: subscriber number must start with 1 or 7", phone)
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return "", fmt.Errorf("invalid phone number %q: non-digit character", phone)
		}
	}

	return countryCode + s, nil
}
