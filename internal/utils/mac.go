package utils

import (
	"errors"
	"regexp"
	"strings"
)

var (
	// ErrInvalidMAC is returned when a MAC address cannot be canonicalized
	ErrInvalidMAC = errors.New("invalid MAC address")

	macRegex = regexp.MustCompile(`^[0-9A-F]{12}$`)
)

// NormalizeMAC canonicalizes a MAC address to 12 uppercase hex characters.
// Accepted separators on input are ":", "-" and spaces. Every MAC that is
// persisted or compared anywhere in the system passes through this function.
func NormalizeMAC(raw string) (string, error) {
	mac := strings.ToUpper(strings.TrimSpace(raw))
	mac = strings.NewReplacer(":", "", "-", "", " ", "").Replace(mac)

	if !macRegex.MatchString(mac) {
		return "", ErrInvalidMAC
	}

	return mac, nil
}

// IsCanonicalMAC reports whether mac is already in canonical form.
func IsCanonicalMAC(mac string) bool {
	return macRegex.MatchString(mac)
}
