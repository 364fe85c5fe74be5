package util

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizePassword applies NFKC so that visually identical export
// passwords typed on different platforms encode to the same PKCS#12 key.
func NormalizePassword(s string) string {
	return norm.NFKC.String(s)
}

// SerialHex renders a serial the way CA index files and the openssl ocsp
// command expect: upper-case hex with an even number of digits.
func SerialHex(serial int64) string {
	h := strings.ToUpper(strconv.FormatInt(serial, 16))
	if len(h)%2 == 1 {
		h = "0" + h
	}
	return h
}

// ParseSerial parses a hex serial as printed by SerialHex, with or without
// a 0x prefix. Only positive serials that fit an int64 are accepted.
func ParseSerial(s string) (int64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	n, err := strconv.ParseInt(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid serial %q: %w", s, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid serial %q: must be positive", s)
	}
	return n, nil
}
