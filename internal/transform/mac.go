package transform

import (
	"fmt"
	"strings"

	"github.com/vinegar-boot/vinegar/internal/verr"
)

// registerMAC registers mac_address.normalize, which accepts the common
// textual MAC address variants (colon, hyphen, and Cisco dot-grouped
// forms) and returns the canonical lowercase colon-separated form.
func registerMAC() {
	register("mac_address.normalize", func(value any, args []any) (any, error) {
		s, err := asString("mac_address.normalize", value)
		if err != nil {
			return nil, err
		}
		norm, err := NormalizeMAC(s)
		if err != nil {
			return nil, verr.NewTransformError("mac_address.normalize", err.Error())
		}
		return norm, nil
	})
}

// NormalizeMAC parses "02:aB:Cd:EF:01:02", "02-ab-cd-ef-01-02",
// "02aB.CdEF.0102", and bare "02abcdef0102" and returns the canonical
// lowercase "02:ab:cd:ef:01:02" form. It fails for anything that does not
// decode to exactly 48 bits.
func NormalizeMAC(s string) (string, error) {
	hexDigits := strings.Map(func(r rune) rune {
		switch r {
		case ':', '-', '.':
			return -1
		default:
			return r
		}
	}, s)
	if len(hexDigits) != 12 {
		return "", fmt.Errorf("%q is not a 48-bit MAC address", s)
	}
	var out strings.Builder
	for i, r := range strings.ToLower(hexDigits) {
		if !isHexDigit(r) {
			return "", fmt.Errorf("%q is not a 48-bit MAC address", s)
		}
		if i > 0 && i%2 == 0 {
			out.WriteByte(':')
		}
		out.WriteRune(r)
	}
	return out.String(), nil
}

func isHexDigit(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')
}
