package api

import "strings"

const phoneLength = 10

// SanitizePhone strips every non-digit rune from raw. "987-654-3210" and
// "(987) 654 3210" both sanitize to "9876543210".
func SanitizePhone(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ValidatePhone checks a sanitized number: exactly 10 digits and a leading
// digit in 6-9. Returns ErrInvalidPhone otherwise.
func ValidatePhone(phone string) error {
	if len(phone) != phoneLength {
		return ErrInvalidPhone
	}
	for _, r := range phone {
		if r < '0' || r > '9' {
			return ErrInvalidPhone
		}
	}
	if phone[0] < '6' || phone[0] > '9' {
		return ErrInvalidPhone
	}
	return nil
}

// CleanPhone sanitizes and validates in one step.
func CleanPhone(raw string) (string, error) {
	phone := SanitizePhone(raw)
	if err := ValidatePhone(phone); err != nil {
		return "", err
	}
	return phone, nil
}
