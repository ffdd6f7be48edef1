package device

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	colonAddressRe  = regexp.MustCompile(`^[0-9A-Fa-f]{2}(:[0-9A-Fa-f]{2}){5}$`)
	hyphenAddressRe = regexp.MustCompile(`^[0-9A-Fa-f]{2}(-[0-9A-Fa-f]{2}){5}$`)
)

// ParseAddress validates a colon or hyphen delimited MAC address and returns it in canonical
// upper-case, colon delimited form.
func ParseAddress(s string) (string, error) {
	s = strings.TrimSpace(s)

	if !colonAddressRe.MatchString(s) && !hyphenAddressRe.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}

	return strings.ToUpper(strings.ReplaceAll(s, "-", ":")), nil
}

// FormatMAC returns the lower-case, colon delimited form used for unique ids. Input that is
// not a valid address is returned unchanged.
func FormatMAC(s string) string {
	addr, err := ParseAddress(s)
	if err != nil {
		return s
	}

	return strings.ToLower(addr)
}
