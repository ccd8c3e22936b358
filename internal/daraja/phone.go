package daraja

import (
	"fmt"
	"strings"
)

const countryCode = "254"

// NormalizeMSISDN rewrites a Kenyan phone number into the wire format the
// gateway expects: country code first, no plus sign, no leading zero.
// "0712345678", "+254712345678" and "254712345678" all normalize to
// "254712345678".
func NormalizeMSISDN(phone string) (string, error) {
	p := strings.TrimSpace(phone)
	p = strings.ReplaceAll(p, " ", "")
	p = strings.TrimPrefix(p, "+")

	if strings.HasPrefix(p, "0") {
		p = countryCode + p[1:]
	}

	if !strings.HasPrefix(p, countryCode) || len(p) != 12 {
		return "", fmt.Errorf("invalid phone number %q: expected MSISDN like 2547XXXXXXXX", phone)
	}
	for _, r := range p {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("invalid phone number %q: non-digit characters", phone)
		}
	}

	return p, nil
}
