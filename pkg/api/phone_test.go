package api

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// Tests that SanitizePhone strips every non-digit rune and keeps digit order.
func TestSanitizePhone(t *testing.T) {
	tests := []struct {
		raw      string
		expected string
	}{
		{"9876543210", "9876543210"},
		{"987-654-3210", "9876543210"},
		{"(987) 654 3210", "9876543210"},
		{"+91 98765 43210", "919876543210"},
		{"abc", ""},
		{"", ""},
	}
	for _, tt := range tests {
		require.Equal(t, tt.expected, SanitizePhone(tt.raw), "raw: %q", tt.raw)
	}
}

// Tests that ValidatePhone accepts exactly ten digits with a 6-9 lead and
// rejects everything else with ErrInvalidPhone.
func TestValidatePhone(t *testing.T) {
	valid := []string{"6000000000", "7123456789", "8999999999", "9876543210"}
	for _, phone := range valid {
		require.NoError(t, ValidatePhone(phone), "phone: %q", phone)
	}

	// Empty, too short, too long, lead digit below 6 (twice), non-digit,
	// and an inner space that only sanitization would strip.
	invalid := []string{
		"",
		"987654321",
		"98765432100",
		"5876543210",
		"0876543210",
		"98765x3210",
		"987 6543210",
	}
	for _, phone := range invalid {
		require.ErrorIs(t, ValidatePhone(phone), ErrInvalidPhone, "phone: %q", phone)
	}
}

// Tests that CleanPhone sanitizes before validating, so formatted input of a
// valid number passes while garbage fails.
func TestCleanPhone(t *testing.T) {
	phone, err := CleanPhone(" 987-654-3210 ")
	require.NoError(t, err)
	require.Equal(t, "9876543210", phone)

	_, err = CleanPhone("12345")
	require.ErrorIs(t, err, ErrInvalidPhone)
}
