package company

import (
	"net/url"
	"strings"
	"unicode"
)

// MinPhoneKeyLen is the shortest normalized phone number used for matching.
const MinPhoneKeyLen = 6

// PhoneKey reduces a phone number to its bare national digits: formatting,
// the German country code (0049 / +49) and the trunk zero are removed.
// Numbers shorter than MinPhoneKeyLen yield "".
func PhoneKey(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	switch {
	case strings.HasPrefix(digits, "0049"):
		digits = digits[4:]
	case strings.HasPrefix(digits, "49") && len(digits) > 10:
		digits = digits[2:]
	}
	digits = strings.TrimPrefix(digits, "0")

	if len(digits) < MinPhoneKeyLen {
		return ""
	}
	return digits
}

// DomainKey returns the lowercase host of a website without "www.". Hosts
// without a dot yield "".
func DomainKey(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	scheme := strings.ToLower(raw[:min(len(raw), len("https://"))])
	if !strings.HasPrefix(scheme, "http://") && !strings.HasPrefix(scheme, "https://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")
	if !strings.Contains(host, ".") || strings.IndexFunc(host, unicode.IsSpace) >= 0 {
		return ""
	}
	return host
}
