package server

import (
	"net/mail"
	"strings"
)

const maxEmailLength = 254 // RFC 5321

// normalizeTicker upper-cases and trims a ticker symbol before validation.
func normalizeTicker(ticker string) string {
	return strings.ToUpper(strings.TrimSpace(ticker))
}

// isValidEmail checks both the lenient RFC 5322 parser and a stricter
// pattern, since mail.ParseAddress accepts local addresses without a domain.
func isValidEmail(email string) bool {
	if email == "" || len(email) > maxEmailLength {
		return false
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return false
	}
	return emailRegex.MatchString(email)
}
