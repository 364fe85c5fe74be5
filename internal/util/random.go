package util

import (
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"strings"
)

// UsernameAlphabet is the character set of generated username local parts.
const UsernameAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// RandomChars returns n characters drawn uniformly from alphabet.
func RandomChars(n int, alphabet string) (string, error) {
	chars := []rune(alphabet)
	if len(chars) == 0 {
		return "", fmt.Errorf("empty alphabet")
	}
	var sb strings.Builder
	for i := 0; i < n; i++ {
		idx, err := RandomIntn(len(chars))
		if err != nil {
			return "", fmt.Errorf("generating random char index: %w", err)
		}
		sb.WriteRune(chars[idx])
	}
	return sb.String(), nil
}

func RandomIntn(max int) (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0, fmt.Errorf("generating random number: %w", err)
	}
	return int(n.Int64()), nil
}

// RandomSerial returns a positive integer drawn from the full 63-bit range.
func RandomSerial() (int64, error) {
	for {
		n, err := rand.Int(rand.Reader, big.NewInt(math.MaxInt64))
		if err != nil {
			return 0, fmt.Errorf("generating random serial: %w", err)
		}
		// Zero is not a valid certificate serial.
		if v := n.Int64(); v > 0 {
			return v, nil
		}
	}
}

func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generating random bytes: %w", err)
	}
	return b, nil
}
