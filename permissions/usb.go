package permissions

import (
	"strings"
)

// AddUSBQuery records a USB device query. Hidden queries take precedence over
// enumerable ones when the portal filters devices.
//
// Grammar, one or more rules joined by '+':
//
//	all
//	cls:CC:SS     class and subclass in hex, SS may be '*'
//	vnd:VVVV      vendor id in hex
//	dev:PPPP      product id in hex, only after vnd
func (c *Context) AddUSBQuery(query string, hidden bool) error {
	err := ValidateUSBQuery(query)
	if err != nil {
		return err
	}

	if hidden {
		c.usbHidden[query] = struct{}{}
	} else {
		c.usbEnumerable[query] = struct{}{}
	}

	return nil
}

// USBDevices returns the enumerable and hidden queries in sorted order.
func (c *Context) USBDevices() (enumerable, hidden []string) {
	return sortedKeys(c.usbEnumerable), sortedKeys(c.usbHidden)
}

// ValidateUSBQuery checks query against the USB query grammar.
func ValidateUSBQuery(query string) error {
	err := checkPrintable(query)
	if err != nil {
		return err
	}

	if query == "" {
		return parseErrorf(ErrInvalidUSBQuery, query, "empty query")
	}

	var haveAll, haveClass, haveVendor, haveProduct bool

	for rule := range strings.SplitSeq(query, "+") {
		kind, value, _ := strings.Cut(rule, ":")

		switch kind {
		case "all":
			if value != "" || haveAll {
				return parseErrorf(ErrInvalidUSBQuery, query, "malformed rule %q", rule)
			}

			haveAll = true
		case "cls":
			class, sub, ok := strings.Cut(value, ":")
			if !ok || haveClass || !isHexID(class, 2) || (sub != "*" && !isHexID(sub, 2)) {
				return parseErrorf(ErrInvalidUSBQuery, query, "expected cls:CC:SS, got %q", rule)
			}

			haveClass = true
		case "vnd":
			if haveVendor || !isHexID(value, 4) {
				return parseErrorf(ErrInvalidUSBQuery, query, "expected vnd:VVVV, got %q", rule)
			}

			haveVendor = true
		case "dev":
			if !haveVendor || haveProduct || !isHexID(value, 4) {
				return parseErrorf(ErrInvalidUSBQuery, query, "expected vnd:VVVV+dev:PPPP, got %q", rule)
			}

			haveProduct = true
		default:
			return parseErrorf(ErrInvalidUSBQuery, query, "unknown rule %q, valid rules are: all, cls, vnd, dev", kind)
		}
	}

	if haveAll && (haveClass || haveVendor) {
		return parseErrorf(ErrInvalidUSBQuery, query, `"all" cannot be combined with other rules`)
	}

	return nil
}

func isHexID(s string, width int) bool {
	if len(s) != width {
		return false
	}

	for i := range len(s) {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			return false
		}
	}

	return true
}
