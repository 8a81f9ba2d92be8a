package permissions

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	flag "github.com/spf13/pflag"
)

type option struct {
	name    string
	metavar string
	usage   string
}

// Options are listed in help order.
var options = []option{
	{"share", "share", "Share with host (network, ipc)"},
	{"unshare", "share", "Unshare with host"},
	{"socket", "socket", "Expose socket to app, or if:SOCKET:COND"},
	{"nosocket", "socket", "Don't expose socket to app"},
	{"device", "device", "Expose device to app, or if:DEVICE:COND"},
	{"nodevice", "device", "Don't expose device to app"},
	{"allow", "feature", "Allow feature"},
	{"disallow", "feature", "Don't allow feature"},
	{"filesystem", "location[:mode]", "Expose filesystem to app (:ro for read-only, :create to create)"},
	{"nofilesystem", "location", "Don't expose filesystem to app (host:reset drops inherited grants)"},
	{"persist", "dir", "Persist home directory subpath in the per-app data dir"},
	{"env", "var=value", "Set environment variable"},
	{"unset-env", "var", "Remove variable from environment"},
	{"env-fd", "fd", "Read environment variables in env -0 format from fd"},
	{"own-name", "bus-name", "Allow app to own name on the session bus"},
	{"talk-name", "bus-name", "Allow app to talk to name on the session bus"},
	{"see-name", "bus-name", "Allow app to see name on the session bus"},
	{"no-talk-name", "bus-name", "Don't allow app to talk to name on the session bus"},
	{"system-own-name", "bus-name", "Allow app to own name on the system bus"},
	{"system-talk-name", "bus-name", "Allow app to talk to name on the system bus"},
	{"system-see-name", "bus-name", "Allow app to see name on the system bus"},
	{"system-no-talk-name", "bus-name", "Don't allow app to talk to name on the system bus"},
	{"a11y-own-name", "bus-name", "Allow app to own name on the a11y bus"},
	{"add-policy", "subsystem.key=value", "Add generic policy option"},
	{"remove-policy", "subsystem.key=value", "Remove generic policy option"},
	{"usb", "query", "Add USB device to enumerables"},
	{"nousb", "query", "Add USB device to hidden list"},
}

// OptionNames returns the names accepted by [Context.ApplyOption] in help
// order.
func OptionNames() []string {
	names := make([]string, 0, len(options))
	for _, o := range options {
		names = append(names, o.name)
	}

	return names
}

// ApplyOption applies one command-line permission option, for example
// ApplyOption("filesystem", "~/Music:ro").
func (c *Context) ApplyOption(name, value string) error {
	err := c.applyOption(name, value)
	if err != nil {
		return fmt.Errorf("--%s: %w", name, err)
	}

	return nil
}

func (c *Context) applyOption(name, value string) error {
	switch name {
	case "share", "unshare":
		s, err := ParseShare(value)
		if err != nil {
			return err
		}

		if name == "share" {
			c.AllowShares(s)
		} else {
			c.DenyShares(s)
		}
	case "socket":
		return allowConditional(value, socketNames, "socket", c.AllowSockets, c.AllowSocketIf)
	case "nosocket":
		s, err := ParseSocket(value)
		if err != nil {
			return err
		}

		c.DenySockets(s)
	case "device":
		return allowConditional(value, deviceNames, "device", c.AllowDevices, c.AllowDeviceIf)
	case "nodevice":
		d, err := ParseDevice(value)
		if err != nil {
			return err
		}

		c.DenyDevices(d)
	case "allow", "disallow":
		f, err := ParseFeature(value)
		if err != nil {
			return err
		}

		if name == "allow" {
			c.AllowFeatures(f)
		} else {
			c.DenyFeatures(f)
		}
	case "filesystem":
		return c.AddFilesystem(value, false)
	case "nofilesystem":
		return c.AddFilesystem(value, true)
	case "persist":
		return c.AddPersistent(value)
	case "env":
		varName, varValue, ok := strings.Cut(value, "=")
		if !ok || varName == "" {
			return parseErrorf(ErrInvalidEnv, value, "expected VAR=VALUE")
		}

		return c.SetEnv(varName, varValue)
	case "unset-env":
		return c.UnsetEnv(value)
	case "env-fd":
		return c.readEnvFd(value)
	case "own-name", "talk-name", "see-name", "no-talk-name":
		return c.SetBusPolicy(SessionBus, value, busOptionPolicy(name))
	case "system-own-name", "system-talk-name", "system-see-name", "system-no-talk-name":
		return c.SetBusPolicy(SystemBus, value, busOptionPolicy(strings.TrimPrefix(name, "system-")))
	case "a11y-own-name":
		return c.SetBusPolicy(A11yBus, value, BusPolicyOwn)
	case "add-policy", "remove-policy":
		key, policyValue, ok := strings.Cut(value, "=")
		if !ok {
			return parseErrorf(ErrInvalidPolicy, value, "expected SUBSYSTEM.KEY=VALUE")
		}

		if strings.HasPrefix(policyValue, "!") {
			return parseErrorf(ErrInvalidPolicy, value, "value must not start with '!'")
		}

		if name == "remove-policy" {
			policyValue = "!" + policyValue
		}

		return c.ApplyGenericPolicy(key, policyValue)
	case "usb":
		return c.AddUSBQuery(value, false)
	case "nousb":
		return c.AddUSBQuery(value, true)
	default:
		return parseErrorf(ErrInvalidOption, name, "unknown option")
	}

	return nil
}

func busOptionPolicy(name string) BusPolicy {
	switch name {
	case "own-name":
		return BusPolicyOwn
	case "talk-name":
		return BusPolicyTalk
	case "see-name":
		return BusPolicySee
	default:
		return BusPolicyNone
	}
}

// allowConditional handles NAME and if:NAME:COND.
func allowConditional[T ~uint32](
	value string,
	table []flagName[T],
	what string,
	allow func(T),
	allowIf func(T, string) error,
) error {
	spec, conditional := strings.CutPrefix(value, "if:")
	if !conditional {
		f, err := parseFlag(table, what, value)
		if err != nil {
			return err
		}

		allow(f)

		return nil
	}

	name, cond, ok := strings.Cut(spec, ":")
	if !ok || cond == "" {
		return parseErrorf(ErrInvalidOption, value, "expected if:%s:CONDITION", strings.ToUpper(what))
	}

	f, err := parseFlag(table, what, name)
	if err != nil {
		return err
	}

	return allowIf(f, cond)
}

func (c *Context) readEnvFd(value string) error {
	fd, err := strconv.Atoi(value)
	if err != nil || fd < 0 {
		return parseErrorf(ErrInvalidEnv, value, "invalid file descriptor")
	}

	f := os.NewFile(uintptr(fd), "env-fd")
	if f == nil {
		return parseErrorf(ErrInvalidEnv, value, "invalid file descriptor")
	}

	defer func() { _ = f.Close() }()

	err = c.ReadEnvBlock(f)
	if err != nil {
		return fmt.Errorf("reading env from fd %d: %w", fd, err)
	}

	return nil
}

// optionValue is a pflag.Value that applies every occurrence of an option to
// a Context in command-line order.
type optionValue struct {
	ctx     *Context
	name    string
	metavar string
}

var _ flag.Value = (*optionValue)(nil)

func (v *optionValue) String() string { return "" }
func (v *optionValue) Type() string   { return v.metavar }

func (v *optionValue) Set(s string) error {
	return v.ctx.applyOption(v.name, s)
}

// AddFlags registers every permission option on fs. Parsing fs applies the
// options to c.
func (c *Context) AddFlags(fs *flag.FlagSet) {
	for _, o := range options {
		fs.Var(&optionValue{ctx: c, name: o.name, metavar: o.metavar}, o.name, o.usage)
	}
}
