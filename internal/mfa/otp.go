package mfa

import (
	"enterprise-auth/backend/internal/security"
)

const defaultCodeDigits = 6

// GenerateOTP returns a numeric one-time code of the given length (e.g. "123456").
func GenerateOTP(digits int) (string, error) {
	if digits <= 0 {
		digits = defaultCodeDigits
	}
	return security.RandomDigits(digits)
}

// HashOTP returns the hex SHA-256 of a code. Only hashes are stored.
func HashOTP(otp string) string {
	return security.HashToken(otp)
}

// OTPEqual performs constant-time comparison of the provided code's hash with the stored hash.
func OTPEqual(providedOTP, storedHash string) bool {
	return security.TokenHashEqual(providedOTP, storedHash)
}
