package security

import (
	"crypto/rand"
	"encoding/base64"
	"math/big"
)

// RandomToken returns n random bytes encoded as unpadded base64url.
func RandomToken(n int) (string, error) {
	b, err := RandomBytes(n)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// RandomBytes returns n bytes from crypto/rand.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// RandomDigits returns a numeric string of the given length with a uniform distribution per digit.
func RandomDigits(length int) (string, error) {
	return randomFrom("0123456789", length)
}

// RandomCode returns a code drawn from an alphabet without ambiguous characters (0/O, 1/I/L).
func RandomCode(length int) (string, error) {
	return randomFrom("ABCDEFGHJKMNPQRSTUVWXYZ23456789", length)
}

func randomFrom(alphabet string, length int) (string, error) {
	max := big.NewInt(int64(len(alphabet)))
	out := make([]byte, length)
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = alphabet[n.Int64()]
	}
	return string(out), nil
}
