// Package permissions implements the layered permission model of a sandboxed
// application.
//
// A [Context] is built from one source (metadata key file, command-line
// options, a JSONC config layer, an environment block) and merged with the
// Contexts of higher-precedence layers, oldest first:
//
//	base := permissions.New()
//	_ = base.LoadMetadata(appMetadata)
//	overrides := permissions.New()
//	_ = overrides.ApplyOption("nofilesystem", "host:reset")
//	base.Merge(overrides)
//
// Every flag a layer mentions is recorded in a parallel "decided" mask, so a
// layer can deny something a lower layer allowed and leave everything else
// alone. The merged Context then drives the exports resolver for filesystem
// visibility and emits launcher arguments for devices, shares and the
// environment.
package permissions

import (
	"maps"
	"slices"
	"strings"

	"github.com/calvinalkan/app-sandbox/exports"
)

// EnvValue is an environment override: either a value or an explicit unset.
type EnvValue struct {
	Value string
	Unset bool
}

// Context is one layer of permissions, or the merge of several.
//
// The zero value is not usable; construct with [New].
type Context struct {
	shares   bits[Shares]
	sockets  bits[Sockets]
	devices  bits[Devices]
	features bits[Features]

	socketConds conditions[Sockets]
	deviceConds conditions[Devices]

	filesystems map[FilesystemKey]FilesystemMode
	persistent  map[string]struct{}
	env         map[string]EnvValue

	sessionBus map[string]BusPolicy
	systemBus  map[string]BusPolicy
	a11yBus    map[string]BusPolicy

	// generic holds "SUBSYSTEM.KEY" -> values; a value prefixed with '!' is
	// a removal.
	generic map[string][]string

	usbEnumerable map[string]struct{}
	usbHidden     map[string]struct{}
}

// New returns an empty Context that decides nothing.
func New() *Context {
	return &Context{
		socketConds:   conditions[Sockets]{},
		deviceConds:   conditions[Devices]{},
		filesystems:   map[FilesystemKey]FilesystemMode{},
		persistent:    map[string]struct{}{},
		env:           map[string]EnvValue{},
		sessionBus:    map[string]BusPolicy{},
		systemBus:     map[string]BusPolicy{},
		a11yBus:       map[string]BusPolicy{},
		generic:       map[string][]string{},
		usbEnumerable: map[string]struct{}{},
		usbHidden:     map[string]struct{}{},
	}
}

// Clone returns a deep copy of c.
func (c *Context) Clone() *Context {
	out := *c

	out.socketConds = c.socketConds.clone()
	out.deviceConds = c.deviceConds.clone()
	out.filesystems = maps.Clone(c.filesystems)
	out.persistent = maps.Clone(c.persistent)
	out.env = maps.Clone(c.env)
	out.sessionBus = maps.Clone(c.sessionBus)
	out.systemBus = maps.Clone(c.systemBus)
	out.a11yBus = maps.Clone(c.a11yBus)
	out.usbEnumerable = maps.Clone(c.usbEnumerable)
	out.usbHidden = maps.Clone(c.usbHidden)

	out.generic = make(map[string][]string, len(c.generic))
	for k, v := range c.generic {
		out.generic[k] = slices.Clone(v)
	}

	return &out
}

func (c *Context) AllowShares(s Shares) { c.shares.allow(s) }
func (c *Context) DenyShares(s Shares)  { c.shares.deny(s) }

// AllowSockets grants sockets unconditionally, dropping any conditions.
func (c *Context) AllowSockets(s Sockets) {
	c.sockets.allow(s)
	c.socketConds.mergeFrom(nil, s)
}

// DenySockets denies sockets, dropping any conditions.
func (c *Context) DenySockets(s Sockets) {
	c.sockets.deny(s)
	c.socketConds.mergeFrom(nil, s)
}

// AllowSocketIf grants socket only when cond holds at launch time. cond is a
// condition name, optionally prefixed with '!'.
func (c *Context) AllowSocketIf(socket Sockets, cond string) error {
	err := validateCondition(cond)
	if err != nil {
		return err
	}

	if c.sockets.allowed()&socket != 0 {
		c.sockets.deny(socket)
	}

	c.sockets.valid |= socket
	c.socketConds.add(socket, cond)

	return nil
}

// AllowDevices grants devices unconditionally, dropping any conditions.
func (c *Context) AllowDevices(d Devices) {
	c.devices.allow(d)
	c.deviceConds.mergeFrom(nil, d)
}

// DenyDevices denies devices, dropping any conditions.
func (c *Context) DenyDevices(d Devices) {
	c.devices.deny(d)
	c.deviceConds.mergeFrom(nil, d)
}

// AllowDeviceIf grants device only when cond holds at launch time.
func (c *Context) AllowDeviceIf(device Devices, cond string) error {
	err := validateCondition(cond)
	if err != nil {
		return err
	}

	if c.devices.allowed()&device != 0 {
		c.devices.deny(device)
	}

	c.devices.valid |= device
	c.deviceConds.add(device, cond)

	return nil
}

func (c *Context) AllowFeatures(f Features) { c.features.allow(f) }
func (c *Context) DenyFeatures(f Features)  { c.features.deny(f) }

// Shares returns the shares this Context allows.
func (c *Context) Shares() Shares { return c.shares.allowed() }

// DecidedShares returns the shares this Context allows or denies explicitly.
func (c *Context) DecidedShares() Shares { return c.shares.valid }

// Sockets returns the sockets this Context allows unconditionally.
func (c *Context) Sockets() Sockets { return c.sockets.allowed() }

func (c *Context) DecidedSockets() Sockets { return c.sockets.valid }

// Devices returns the devices this Context allows unconditionally.
func (c *Context) Devices() Devices { return c.devices.allowed() }

func (c *Context) DecidedDevices() Devices { return c.devices.valid }

// Features returns the features this Context allows.
func (c *Context) Features() Features { return c.features.allowed() }

func (c *Context) DecidedFeatures() Features { return c.features.valid }

// SetFilesystem records a filesystem grant, replacing any earlier grant for
// key. Recording host-reset also denies host.
func (c *Context) SetFilesystem(key FilesystemKey, mode FilesystemMode) {
	if key.IsReset() {
		c.filesystems[KeyHost] = exports.ModeNone
		mode = exports.ModeNone
	}

	c.filesystems[key] = mode
}

// AddFilesystem parses spec (see [ParseFilesystem]) and records it.
func (c *Context) AddFilesystem(spec string, negated bool) error {
	key, mode, err := ParseFilesystem(spec, negated)
	if err != nil {
		return err
	}

	c.SetFilesystem(key, mode)

	return nil
}

// Filesystems returns a copy of the filesystem grants.
func (c *Context) Filesystems() map[FilesystemKey]FilesystemMode {
	return maps.Clone(c.filesystems)
}

// FilesystemMode returns the grant for key, if any.
func (c *Context) FilesystemMode(key FilesystemKey) (FilesystemMode, bool) {
	m, ok := c.filesystems[key]

	return m, ok
}

// AddPersistent records a home-relative directory that is kept in the
// per-app data directory across launches.
func (c *Context) AddPersistent(name string) error {
	err := checkPrintable(name)
	if err != nil {
		return err
	}

	cleaned := cleanRelative(name)
	if cleaned == "" || strings.HasPrefix(name, "/") || slices.Contains(strings.Split(name, "/"), "..") {
		return parseErrorf(ErrInvalidPersist, name, "must be a relative path below home without \"..\"")
	}

	c.persistent[cleaned] = struct{}{}

	return nil
}

// Persistent returns the persisted directories in sorted order.
func (c *Context) Persistent() []string {
	return sortedKeys(c.persistent)
}

// SetEnv records an environment override.
func (c *Context) SetEnv(name, value string) error {
	err := validateEnvName(name)
	if err != nil {
		return err
	}

	err = checkPrintable(value)
	if err != nil {
		return err
	}

	c.env[name] = EnvValue{Value: value}

	return nil
}

// UnsetEnv records that name must be removed from the environment.
func (c *Context) UnsetEnv(name string) error {
	err := validateEnvName(name)
	if err != nil {
		return err
	}

	c.env[name] = EnvValue{Unset: true}

	return nil
}

// Env returns a copy of the environment overrides.
func (c *Context) Env() map[string]EnvValue {
	return maps.Clone(c.env)
}

// SetBusPolicy records policy for name on bus.
func (c *Context) SetBusPolicy(bus Bus, name string, policy BusPolicy) error {
	err := ValidateBusName(name)
	if err != nil {
		return err
	}

	c.busPolicy(bus)[name] = policy

	return nil
}

// BusPolicies returns a copy of the policy table of bus.
func (c *Context) BusPolicies(bus Bus) map[string]BusPolicy {
	return maps.Clone(c.busPolicy(bus))
}

// ApplyGenericPolicy adds value to the list stored under key
// ("SUBSYSTEM.KEY"). A value replaces an earlier occurrence of itself or of
// its negation.
func (c *Context) ApplyGenericPolicy(key, value string) error {
	err := validatePolicy(key, value)
	if err != nil {
		return err
	}

	bare := strings.TrimPrefix(value, "!")

	values := slices.DeleteFunc(slices.Clone(c.generic[key]), func(old string) bool {
		return strings.TrimPrefix(old, "!") == bare
	})

	c.generic[key] = append(values, value)

	return nil
}

// GenericPolicy returns a copy of the generic policy table.
func (c *Context) GenericPolicy() map[string][]string {
	out := make(map[string][]string, len(c.generic))
	for k, v := range c.generic {
		out[k] = slices.Clone(v)
	}

	return out
}

func validatePolicy(key, value string) error {
	subsystem, name, ok := strings.Cut(key, ".")
	if !ok || subsystem == "" || name == "" {
		return parseErrorf(ErrInvalidPolicy, key, "expected SUBSYSTEM.KEY")
	}

	if strings.TrimPrefix(value, "!") == "" {
		return parseErrorf(ErrInvalidPolicy, value, "empty value")
	}

	err := checkPrintable(key)
	if err != nil {
		return err
	}

	return checkPrintable(value)
}

// Merge folds other, a higher-precedence layer, into c. Anything other
// decides replaces c's decision; everything else in c is kept. If other
// contains host-reset, c's filesystem grants other than host and host-reset
// are dropped first.
func (c *Context) Merge(other *Context) {
	c.shares.merge(other.shares)

	c.socketConds.mergeFrom(other.socketConds, other.sockets.valid)
	c.sockets.merge(other.sockets)

	c.deviceConds.mergeFrom(other.deviceConds, other.devices.valid)
	c.devices.merge(other.devices)

	c.features.merge(other.features)

	if _, ok := other.filesystems[KeyHostReset]; ok {
		for key := range c.filesystems {
			if key != KeyHost && key != KeyHostReset {
				delete(c.filesystems, key)
			}
		}
	}

	maps.Copy(c.filesystems, other.filesystems)
	maps.Copy(c.persistent, other.persistent)
	maps.Copy(c.env, other.env)
	maps.Copy(c.sessionBus, other.sessionBus)
	maps.Copy(c.systemBus, other.systemBus)
	maps.Copy(c.a11yBus, other.a11yBus)

	for k, v := range other.generic {
		c.generic[k] = slices.Clone(v)
	}

	maps.Copy(c.usbEnumerable, other.usbEnumerable)
	maps.Copy(c.usbHidden, other.usbHidden)
}

// RunFlags are launch behaviors derived from features.
type RunFlags uint32

const (
	RunFlagDevel RunFlags = 1 << iota
	RunFlagMultiarch
	RunFlagBluetooth
	RunFlagCanbus
)

// RunFlags returns the launch behaviors the allowed features call for.
func (c *Context) RunFlags() RunFlags {
	var flags RunFlags

	features := c.features.allowed()

	if features&FeatureDevel != 0 {
		flags |= RunFlagDevel
	}

	if features&FeatureMultiarch != 0 {
		flags |= RunFlagMultiarch
	}

	if features&FeatureBluetooth != 0 {
		flags |= RunFlagBluetooth
	}

	if features&FeatureCanbus != 0 {
		flags |= RunFlagCanbus
	}

	return flags
}

// NeedsSessionBusProxy reports whether session bus access must be filtered.
func (c *Context) NeedsSessionBusProxy() bool { return len(c.sessionBus) > 0 }

// NeedsSystemBusProxy reports whether system bus access must be filtered.
func (c *Context) NeedsSystemBusProxy() bool { return len(c.systemBus) > 0 }

// NeedsA11yBusProxy reports whether accessibility bus access must be filtered.
func (c *Context) NeedsA11yBusProxy() bool { return len(c.a11yBus) > 0 }

// AddsPermissions reports whether upgrading from old to updated grants
// anything old did not, so the user can be asked to confirm.
func AddsPermissions(old, updated *Context) bool {
	// Neither is a meaningful privilege.
	const harmlessFeatures = FeatureMultiarch | FeaturePerAppDevShm

	if addsFlags(old.shares.allowed(), updated.shares.allowed()) {
		return true
	}

	oldSockets := old.sockets.allowed()
	// fallback-x11 is less than x11.
	if oldSockets&SocketX11 != 0 {
		oldSockets |= SocketFallbackX11
	}

	if addsFlags(oldSockets, updated.sockets.allowed()) ||
		addsConditions(oldSockets, old.socketConds, updated.socketConds) {
		return true
	}

	oldDevices := old.devices.allowed()
	if addsFlags(oldDevices, updated.devices.allowed()) ||
		addsConditions(oldDevices, old.deviceConds, updated.deviceConds) {
		return true
	}

	if addsFlags(old.features.allowed()|harmlessFeatures, updated.features.allowed()) {
		return true
	}

	for _, bus := range []Bus{SessionBus, SystemBus, A11yBus} {
		if addsBusPolicy(old.busPolicy(bus), updated.busPolicy(bus)) {
			return true
		}
	}

	return addsGenericPolicy(old.generic, updated.generic) ||
		addsFilesystemAccess(old.filesystems, updated.filesystems)
}

func addsFlags[T ~uint32](old, updated T) bool {
	return updated&^old != 0
}

// addsConditions reports a conditional grant in updated that old neither
// allows unconditionally nor grants under the same condition.
func addsConditions[T ~uint32](oldAllowed T, old, updated conditions[T]) bool {
	for flag, conds := range updated {
		if oldAllowed&flag != 0 {
			continue
		}

		for _, cond := range conds {
			if !slices.Contains(old[flag], cond) {
				return true
			}
		}
	}

	return false
}

func addsBusPolicy(old, updated map[string]BusPolicy) bool {
	for name, p := range updated {
		if p > old[name] {
			return true
		}
	}

	return false
}

func addsGenericPolicy(old, updated map[string][]string) bool {
	for key, values := range updated {
		for _, v := range values {
			if !slices.Contains(old[key], v) {
				return true
			}
		}
	}

	return false
}

func addsFilesystemAccess(old, updated map[FilesystemKey]FilesystemMode) bool {
	oldHost := old[KeyHost]

	for key, mode := range updated {
		if mode <= old[key] || mode <= oldHost {
			continue
		}

		// Even with home access, ~/foo may be a symlink out of home.
		return true
	}

	return false
}

// Evaluator answers runtime conditions such as "has-wayland".
type Evaluator func(condition string) bool

var knownConditions = []string{"true", "false", "has-wayland", "has-input-device"}

func validateCondition(cond string) error {
	name := strings.TrimPrefix(cond, "!")
	if !slices.Contains(knownConditions, name) {
		return parseErrorf(ErrUnknownName, cond, "unknown condition, valid conditions are: %s", strings.Join(knownConditions, ", "))
	}

	return nil
}

func evalCondition(ev Evaluator, cond string) bool {
	name, negated := strings.CutPrefix(cond, "!")

	var v bool

	switch name {
	case "true":
		v = true
	case "false":
		v = false
	default:
		v = ev != nil && ev(name)
	}

	return v != negated
}

func anyCondition(ev Evaluator, conds []string) bool {
	return slices.ContainsFunc(conds, func(cond string) bool { return evalCondition(ev, cond) })
}

// AllowedSockets resolves conditional sockets with ev. fallback-x11 grants
// x11 unless Wayland is allowed and available.
func (c *Context) AllowedSockets(ev Evaluator) Sockets {
	allowed := c.sockets.allowed()

	for socket, conds := range c.socketConds {
		if anyCondition(ev, conds) {
			allowed |= socket
		}
	}

	if allowed&SocketFallbackX11 != 0 {
		hasWayland := allowed&SocketWayland != 0 && evalCondition(ev, "has-wayland")
		if !hasWayland {
			allowed |= SocketX11
		}
	}

	return allowed
}

// AllowedDevices resolves conditional devices with ev.
func (c *Context) AllowedDevices(ev Evaluator) Devices {
	allowed := c.devices.allowed()

	for device, conds := range c.deviceConds {
		if anyCondition(ev, conds) {
			allowed |= device
		}
	}

	return allowed
}

// SocketConditions returns the conditions of a conditionally granted socket.
func (c *Context) SocketConditions(s Sockets) []string {
	return slices.Clone(c.socketConds[s])
}

// DeviceConditions returns the conditions of a conditionally granted device.
func (c *Context) DeviceConditions(d Devices) []string {
	return slices.Clone(c.deviceConds[d])
}
