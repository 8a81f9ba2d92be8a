package permissions

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/ini.v1"
)

// Metadata groups and keys.
const (
	GroupContext          = "Context"
	GroupSessionBusPolicy = "Session Bus Policy"
	GroupSystemBusPolicy  = "System Bus Policy"
	GroupA11yBusPolicy    = "A11y Bus Policy"
	GroupEnvironment      = "Environment"
	GroupUSBDevices       = "USB Devices"

	// GroupPolicyPrefix starts the group name of a generic policy
	// subsystem, as in "Policy network".
	GroupPolicyPrefix = "Policy "

	keyShared           = "shared"
	keySockets          = "sockets"
	keyDevices          = "devices"
	keyFeatures         = "features"
	keyFilesystems      = "filesystems"
	keyPersistent       = "persistent"
	keyUnsetEnvironment = "unset-environment"
	keyEnumerableUSB    = "enumerable-devices"
	keyHiddenUSB        = "hidden-devices"
)

// NewMetadata returns an empty key file using the options the metadata
// reader and writer expect.
func NewMetadata() *ini.File {
	return ini.Empty(metadataOptions())
}

func metadataOptions() ini.LoadOptions {
	return ini.LoadOptions{
		IgnoreContinuation:      true,
		IgnoreInlineComment:     true,
		PreserveSurroundedQuote: true,
		KeyValueDelimiters:      "=",
	}
}

// ParseMetadata loads permissions from key file data. Unknown share, socket,
// device and feature names are skipped so newer metadata still loads; every
// other malformed entry is an error.
func (c *Context) ParseMetadata(data []byte) error {
	f, err := ini.LoadSources(metadataOptions(), data)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMetadata, err)
	}

	return c.LoadFrom(f)
}

// LoadMetadata reads r to the end and parses it with [Context.ParseMetadata].
func (c *Context) LoadMetadata(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading metadata: %w", err)
	}

	return c.ParseMetadata(data)
}

// LoadFrom applies the permission groups of f to c. Other groups are ignored.
func (c *Context) LoadFrom(f *ini.File) error {
	for _, sec := range f.Sections() {
		err := c.loadSection(sec)
		if err != nil {
			return fmt.Errorf("[%s]: %w", sec.Name(), err)
		}
	}

	return nil
}

func (c *Context) loadSection(sec *ini.Section) error {
	switch name := sec.Name(); {
	case name == GroupContext:
		return c.loadContextGroup(sec)
	case name == GroupSessionBusPolicy:
		return c.loadBusGroup(sec, SessionBus)
	case name == GroupSystemBusPolicy:
		return c.loadBusGroup(sec, SystemBus)
	case name == GroupA11yBusPolicy:
		return c.loadBusGroup(sec, A11yBus)
	case name == GroupEnvironment:
		return c.loadEnvGroup(sec)
	case name == GroupUSBDevices:
		return c.loadUSBGroup(sec)
	case strings.HasPrefix(name, GroupPolicyPrefix):
		return c.loadPolicyGroup(sec, strings.TrimPrefix(name, GroupPolicyPrefix))
	}

	return nil
}

func (c *Context) loadContextGroup(sec *ini.Section) error {
	for _, key := range sec.Keys() {
		items, err := ParseList(key.Value())
		if err != nil {
			return fmt.Errorf("%s: %w", key.Name(), err)
		}

		err = c.loadContextKey(key.Name(), items)
		if err != nil {
			return fmt.Errorf("%s: %w", key.Name(), err)
		}
	}

	return nil
}

func (c *Context) loadContextKey(name string, items []string) error {
	switch name {
	case keyShared:
		return loadFlags(items, shareNames, c.AllowShares, c.DenyShares, nil)
	case keySockets:
		return loadFlags(items, socketNames, c.AllowSockets, c.DenySockets, c.AllowSocketIf)
	case keyDevices:
		return loadFlags(items, deviceNames, c.AllowDevices, c.DenyDevices, c.AllowDeviceIf)
	case keyFeatures:
		return loadFlags(items, featureNames, c.AllowFeatures, c.DenyFeatures, nil)
	case keyFilesystems:
		for _, item := range items {
			err := c.AddFilesystem(item, false)
			if err != nil {
				return err
			}
		}
	case keyPersistent:
		for _, item := range items {
			err := c.AddPersistent(item)
			if err != nil {
				return err
			}
		}
	case keyUnsetEnvironment:
		for _, item := range items {
			err := c.UnsetEnv(item)
			if err != nil {
				return err
			}
		}
	}

	return nil
}

func loadFlags[T ~uint32](items []string, table []flagName[T], allow, deny func(T), allowIf func(T, string) error) error {
	for _, item := range items {
		if spec, ok := strings.CutPrefix(item, "if:"); ok && allowIf != nil {
			name, cond, _ := strings.Cut(spec, ":")

			f, known := lookupFlag(table, name)
			if !known {
				continue
			}

			err := allowIf(f, cond)
			if err != nil && !errors.Is(err, ErrUnknownName) {
				return err
			}

			continue
		}

		name, negated := strings.CutPrefix(item, "!")

		f, known := lookupFlag(table, name)
		if !known {
			continue
		}

		if negated {
			deny(f)
		} else {
			allow(f)
		}
	}

	return nil
}

func (c *Context) loadBusGroup(sec *ini.Section, bus Bus) error {
	for _, key := range sec.Keys() {
		value, err := ParseValue(key.Value())
		if err != nil {
			return fmt.Errorf("%s: %w", key.Name(), err)
		}

		policy, err := ParseBusPolicy(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key.Name(), err)
		}

		err = c.SetBusPolicy(bus, key.Name(), policy)
		if err != nil {
			return err
		}
	}

	return nil
}

// loadEnvGroup treats an empty value as an explicit unset.
func (c *Context) loadEnvGroup(sec *ini.Section) error {
	for _, key := range sec.Keys() {
		value, err := ParseValue(key.Value())
		if err != nil {
			return fmt.Errorf("%s: %w", key.Name(), err)
		}

		if value == "" {
			err = c.UnsetEnv(key.Name())
		} else {
			err = c.SetEnv(key.Name(), value)
		}

		if err != nil {
			return err
		}
	}

	return nil
}

func (c *Context) loadPolicyGroup(sec *ini.Section, subsystem string) error {
	for _, key := range sec.Keys() {
		values, err := ParseList(key.Value())
		if err != nil {
			return fmt.Errorf("%s: %w", key.Name(), err)
		}

		for _, v := range values {
			err = c.ApplyGenericPolicy(subsystem+"."+key.Name(), v)
			if err != nil {
				return err
			}
		}
	}

	return nil
}

func (c *Context) loadUSBGroup(sec *ini.Section) error {
	for _, key := range sec.Keys() {
		var hidden bool

		switch key.Name() {
		case keyEnumerableUSB:
		case keyHiddenUSB:
			hidden = true
		default:
			continue
		}

		queries, err := ParseList(key.Value())
		if err != nil {
			return fmt.Errorf("%s: %w", key.Name(), err)
		}

		for _, q := range queries {
			err = c.AddUSBQuery(q, hidden)
			if err != nil {
				return err
			}
		}
	}

	return nil
}

// Save writes c as key file metadata.
func (c *Context) Save(w io.Writer) error {
	f := NewMetadata()

	err := c.SaveTo(f)
	if err != nil {
		return err
	}

	_, err = f.WriteTo(w)
	if err != nil {
		return fmt.Errorf("writing metadata: %w", err)
	}

	return nil
}

// SaveTo writes the permission groups of c into f, replacing groups of the
// same name. Empty groups are omitted.
func (c *Context) SaveTo(f *ini.File) error {
	var groups []metadataGroup

	groups = append(groups, c.contextGroup())

	for _, bus := range []struct {
		group string
		bus   Bus
	}{
		{GroupSessionBusPolicy, SessionBus},
		{GroupSystemBusPolicy, SystemBus},
		{GroupA11yBusPolicy, A11yBus},
	} {
		g := metadataGroup{name: bus.group}

		policy := c.busPolicy(bus.bus)
		for _, name := range sortedKeys(policy) {
			g.add(name, policy[name].String())
		}

		groups = append(groups, g)
	}

	env := metadataGroup{name: GroupEnvironment}

	for _, name := range sortedKeys(c.env) {
		if v := c.env[name]; !v.Unset {
			env.add(name, escapeValue(v.Value, false))
		}
	}

	groups = append(groups, env)
	groups = append(groups, c.policyGroups()...)

	usb := metadataGroup{name: GroupUSBDevices}
	usb.addList(keyEnumerableUSB, sortedKeys(c.usbEnumerable))
	usb.addList(keyHiddenUSB, sortedKeys(c.usbHidden))
	groups = append(groups, usb)

	for _, g := range groups {
		err := g.writeTo(f)
		if err != nil {
			return err
		}
	}

	return nil
}

func (c *Context) contextGroup() metadataGroup {
	g := metadataGroup{name: GroupContext}

	g.addList(keyShared, saveFlags(c.shares, shareNames, nil))
	g.addList(keySockets, saveFlags(c.sockets, socketNames, c.socketConds))
	g.addList(keyDevices, saveFlags(c.devices, deviceNames, c.deviceConds))
	g.addList(keyFeatures, saveFlags(c.features, featureNames, nil))

	fsByText := make(map[string]string, len(c.filesystems))
	for key, mode := range c.filesystems {
		fsByText[key.String()] = key.Spec(mode)
	}

	// host-reset goes first, otherwise reloading it would deny host again.
	var filesystems []string
	if mode, ok := c.filesystems[KeyHostReset]; ok {
		filesystems = append(filesystems, KeyHostReset.Spec(mode))
		delete(fsByText, KeyHostReset.String())
	}

	for _, text := range sortedKeys(fsByText) {
		filesystems = append(filesystems, fsByText[text])
	}

	g.addList(keyFilesystems, filesystems)
	g.addList(keyPersistent, sortedKeys(c.persistent))

	var unset []string

	for _, name := range sortedKeys(c.env) {
		if c.env[name].Unset {
			unset = append(unset, name)
		}
	}

	g.addList(keyUnsetEnvironment, unset)

	return g
}

func saveFlags[T ~uint32](b bits[T], table []flagName[T], conds conditions[T]) []string {
	var out []string

	for _, fn := range table {
		switch {
		case b.valid&fn.flag == 0:
		case b.value&fn.flag != 0:
			out = append(out, fn.name)
		case len(conds[fn.flag]) > 0:
			for _, cond := range conds[fn.flag] {
				out = append(out, "if:"+fn.name+":"+cond)
			}
		default:
			out = append(out, "!"+fn.name)
		}
	}

	return out
}

func (c *Context) policyGroups() []metadataGroup {
	bySubsystem := map[string]*metadataGroup{}

	for _, key := range sortedKeys(c.generic) {
		subsystem, name, _ := strings.Cut(key, ".")

		g := bySubsystem[subsystem]
		if g == nil {
			g = &metadataGroup{name: GroupPolicyPrefix + subsystem}
			bySubsystem[subsystem] = g
		}

		g.addList(name, c.generic[key])
	}

	groups := make([]metadataGroup, 0, len(bySubsystem))
	for _, subsystem := range sortedKeys(bySubsystem) {
		groups = append(groups, *bySubsystem[subsystem])
	}

	return groups
}

type metadataGroup struct {
	name string
	keys [][2]string
}

func (g *metadataGroup) add(key, value string) {
	g.keys = append(g.keys, [2]string{key, value})
}

func (g *metadataGroup) addList(key string, items []string) {
	if len(items) == 0 {
		return
	}

	var b strings.Builder

	for _, item := range items {
		b.WriteString(escapeValue(item, true))
		b.WriteByte(';')
	}

	g.add(key, b.String())
}

func (g *metadataGroup) writeTo(f *ini.File) error {
	f.DeleteSection(g.name)

	if len(g.keys) == 0 {
		return nil
	}

	sec, err := f.NewSection(g.name)
	if err != nil {
		return fmt.Errorf("creating group [%s]: %w", g.name, err)
	}

	for _, kv := range g.keys {
		_, err = sec.NewKey(kv[0], kv[1])
		if err != nil {
			return fmt.Errorf("[%s] %s: %w", g.name, kv[0], err)
		}
	}

	return nil
}

// escapeValue applies key file escaping. Leading and trailing spaces are
// escaped because the reader trims values. In lists ';' separates items.
func escapeValue(s string, list bool) string {
	var b strings.Builder

	last := len(s) - 1

	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == ' ' && (i == 0 || i == last):
			b.WriteString(`\s`)
		case c == '\n':
			b.WriteString(`\n`)
		case c == '\t':
			b.WriteString(`\t`)
		case c == '\r':
			b.WriteString(`\r`)
		case c == '\\':
			b.WriteString(`\\`)
		case c == ';' && list:
			b.WriteString(`\;`)
		default:
			b.WriteByte(c)
		}
	}

	return b.String()
}

// ParseValue undoes key file escaping.
func ParseValue(raw string) (string, error) {
	items, rest, err := unescape(raw, false)
	if err != nil {
		return "", err
	}

	return items[0] + rest, nil
}

// ParseList splits a ';'-separated list, honoring escapes. A trailing ';' is
// optional.
func ParseList(raw string) ([]string, error) {
	items, rest, err := unescape(raw, true)
	if err != nil {
		return nil, err
	}

	if rest != "" {
		items = append(items, rest)
	}

	return items, nil
}

func unescape(raw string, list bool) (items []string, rest string, err error) {
	var b strings.Builder

	for i := 0; i < len(raw); i++ {
		c := raw[i]

		switch {
		case c == ';' && list:
			items = append(items, b.String())
			b.Reset()

			continue
		case c != '\\':
			b.WriteByte(c)

			continue
		}

		i++
		if i >= len(raw) {
			return nil, "", parseErrorf(ErrInvalidMetadata, raw, "trailing backslash")
		}

		switch raw[i] {
		case 's':
			b.WriteByte(' ')
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'r':
			b.WriteByte('\r')
		case '\\':
			b.WriteByte('\\')
		case ';':
			b.WriteByte(';')
		default:
			return nil, "", parseErrorf(ErrInvalidMetadata, raw, "invalid escape sequence \\%c", raw[i])
		}
	}

	if !list {
		return []string{b.String()}, "", nil
	}

	return items, b.String(), nil
}
