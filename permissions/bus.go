package permissions

import (
	"fmt"
	"slices"
	"strings"
)

// BusPolicy is the access level granted to a D-Bus name.
type BusPolicy int

const (
	BusPolicyNone BusPolicy = iota
	BusPolicySee
	BusPolicyTalk
	BusPolicyOwn
)

var busPolicyNames = [...]string{
	BusPolicyNone: "none",
	BusPolicySee:  "see",
	BusPolicyTalk: "talk",
	BusPolicyOwn:  "own",
}

func (p BusPolicy) String() string {
	if p < BusPolicyNone || p > BusPolicyOwn {
		return fmt.Sprintf("BusPolicy(%d)", int(p))
	}

	return busPolicyNames[p]
}

// ParseBusPolicy parses none, see, talk or own.
func ParseBusPolicy(s string) (BusPolicy, error) {
	for p, name := range busPolicyNames {
		if name == s {
			return BusPolicy(p), nil
		}
	}

	return BusPolicyNone, parseErrorf(ErrInvalidPolicy, s, "valid bus policies are: none, see, talk, own")
}

// Bus selects one of the message buses a proxy can filter.
type Bus int

const (
	SessionBus Bus = iota
	SystemBus
	A11yBus
)

func (b Bus) String() string {
	switch b {
	case SessionBus:
		return "session"
	case SystemBus:
		return "system"
	case A11yBus:
		return "a11y"
	}

	return fmt.Sprintf("Bus(%d)", int(b))
}

const maxBusNameLength = 255

// ValidateBusName checks a well-known bus name, optionally ending in ".*" to
// match a name and everything below it. Unique names (":1.42") are rejected.
func ValidateBusName(name string) error {
	err := checkPrintable(name)
	if err != nil {
		return err
	}

	base := strings.TrimSuffix(name, ".*")

	if base == "" || len(base) > maxBusNameLength {
		return parseErrorf(ErrInvalidBusName, name, "length must be between 1 and %d", maxBusNameLength)
	}

	if strings.HasPrefix(base, ":") {
		return parseErrorf(ErrInvalidBusName, name, "unique names are not allowed")
	}

	elements := strings.Split(base, ".")
	if len(elements) < 2 {
		return parseErrorf(ErrInvalidBusName, name, "must contain at least two elements")
	}

	for _, el := range elements {
		if el == "" {
			return parseErrorf(ErrInvalidBusName, name, "empty element")
		}

		if el[0] >= '0' && el[0] <= '9' {
			return parseErrorf(ErrInvalidBusName, name, "element %q starts with a digit", el)
		}

		for _, r := range el {
			if !isBusNameRune(r) {
				return parseErrorf(ErrInvalidBusName, name, "invalid character %q", r)
			}
		}
	}

	return nil
}

func isBusNameRune(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '-'
}

// BusFilterArgs returns the filtering arguments for a proxy of bus: own rules
// for appID (session bus only), then one --POLICY=NAME per name in name order.
func (c *Context) BusFilterArgs(bus Bus, appID string) []string {
	args := []string{"--filter"}

	if bus == SessionBus && appID != "" {
		args = append(args, "--own="+appID+".*", "--own=org.mpris.MediaPlayer2."+appID+".*")
	}

	policy := c.busPolicy(bus)

	for _, name := range sortedKeys(policy) {
		if p := policy[name]; p > BusPolicyNone {
			args = append(args, "--"+p.String()+"="+name)
		}
	}

	return args
}

func (c *Context) busPolicy(bus Bus) map[string]BusPolicy {
	switch bus {
	case SystemBus:
		return c.systemBus
	case A11yBus:
		return c.a11yBus
	default:
		return c.sessionBus
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	slices.Sort(keys)

	return keys
}
