package utils

import (
	"regexp"
	"strings"
)

var (
	bytes32Pattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
	addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	txHashPattern  = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
)

// IsBytes32 reports whether s is a 0x-prefixed 32-byte hex string.
func IsBytes32(s string) bool {
	return bytes32Pattern.MatchString(s)
}

// IsAddress reports whether s is a 0x-prefixed 20-byte hex address.
func IsAddress(s string) bool {
	return addressPattern.MatchString(s)
}

// IsTxHash reports whether s is a 0x-prefixed transaction hash.
func IsTxHash(s string) bool {
	return txHashPattern.MatchString(s)
}

// NormalizeHex lowercases a hex string for comparison and storage keys.
func NormalizeHex(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ZeroBytes32 is the zero-filled bytes32 used when a selector is absent.
const ZeroBytes32 = "0x0000000000000000000000000000000000000000000000000000000000000000"
