package permissions

import (
	"slices"
	"strings"
)

// Shares are namespaces shared with the host.
type Shares uint32

const (
	ShareNetwork Shares = 1 << iota
	ShareIPC
)

// Sockets are host sockets made available in the sandbox.
type Sockets uint32

const (
	SocketX11 Sockets = 1 << iota
	SocketWayland
	SocketPulseAudio
	SocketSessionBus
	SocketSystemBus
	SocketFallbackX11
	SocketSSHAuth
	SocketPCSC
	SocketCUPS
	SocketGPGAgent
	SocketInheritWaylandSocket
)

// Devices are host device nodes made available in the sandbox.
type Devices uint32

const (
	DeviceDRI Devices = 1 << iota
	DeviceAll
	DeviceKVM
	DeviceShm
	DeviceInput
	DeviceUSB
)

// Features are optional sandbox behaviors.
type Features uint32

const (
	FeatureDevel Features = 1 << iota
	FeatureMultiarch
	FeatureBluetooth
	FeatureCanbus
	FeaturePerAppDevShm
)

type flagName[T ~uint32] struct {
	name string
	flag T
}

// The tables define serialization order.
var (
	shareNames = []flagName[Shares]{
		{"network", ShareNetwork},
		{"ipc", ShareIPC},
	}
	socketNames = []flagName[Sockets]{
		{"x11", SocketX11},
		{"wayland", SocketWayland},
		{"pulseaudio", SocketPulseAudio},
		{"session-bus", SocketSessionBus},
		{"system-bus", SocketSystemBus},
		{"fallback-x11", SocketFallbackX11},
		{"ssh-auth", SocketSSHAuth},
		{"pcsc", SocketPCSC},
		{"cups", SocketCUPS},
		{"gpg-agent", SocketGPGAgent},
		{"inherit-wayland-socket", SocketInheritWaylandSocket},
	}
	deviceNames = []flagName[Devices]{
		{"dri", DeviceDRI},
		{"all", DeviceAll},
		{"kvm", DeviceKVM},
		{"shm", DeviceShm},
		{"input", DeviceInput},
		{"usb", DeviceUSB},
	}
	featureNames = []flagName[Features]{
		{"devel", FeatureDevel},
		{"multiarch", FeatureMultiarch},
		{"bluetooth", FeatureBluetooth},
		{"canbus", FeatureCanbus},
		{"per-app-dev-shm", FeaturePerAppDevShm},
	}
)

func lookupFlag[T ~uint32](table []flagName[T], name string) (T, bool) {
	for _, fn := range table {
		if fn.name == name {
			return fn.flag, true
		}
	}

	return 0, false
}

func flagNames[T ~uint32](table []flagName[T], set T) []string {
	var out []string

	for _, fn := range table {
		if set&fn.flag != 0 {
			out = append(out, fn.name)
		}
	}

	return out
}

func knownNames[T ~uint32](table []flagName[T]) string {
	names := make([]string, 0, len(table))
	for _, fn := range table {
		names = append(names, fn.name)
	}

	return strings.Join(names, ", ")
}

func (s Shares) String() string   { return strings.Join(flagNames(shareNames, s), ";") }
func (s Sockets) String() string  { return strings.Join(flagNames(socketNames, s), ";") }
func (d Devices) String() string  { return strings.Join(flagNames(deviceNames, d), ";") }
func (f Features) String() string { return strings.Join(flagNames(featureNames, f), ";") }

// ParseShare parses a share name such as "network".
func ParseShare(name string) (Shares, error) {
	return parseFlag(shareNames, "share", name)
}

// ParseSocket parses a socket name such as "wayland".
func ParseSocket(name string) (Sockets, error) {
	return parseFlag(socketNames, "socket", name)
}

// ParseDevice parses a device name such as "dri".
func ParseDevice(name string) (Devices, error) {
	return parseFlag(deviceNames, "device", name)
}

// ParseFeature parses a feature name such as "devel".
func ParseFeature(name string) (Features, error) {
	return parseFlag(featureNames, "feature", name)
}

func parseFlag[T ~uint32](table []flagName[T], what, name string) (T, error) {
	if f, ok := lookupFlag(table, name); ok {
		return f, nil
	}

	return 0, parseErrorf(ErrUnknownName, name, "unknown %s type, valid types are: %s", what, knownNames(table))
}

// bits is a bitmask plus the mask of bits this layer decided explicitly.
// Bits outside valid are inherited from lower layers on merge.
type bits[T ~uint32] struct {
	value T
	valid T
}

func (b *bits[T]) allow(f T) {
	b.value |= f
	b.valid |= f
}

func (b *bits[T]) deny(f T) {
	b.value &^= f
	b.valid |= f
}

func (b *bits[T]) merge(o bits[T]) {
	b.value = (b.value &^ o.valid) | (o.value & o.valid)
	b.valid |= o.valid
}

// allowed returns the bits this layer explicitly allows.
func (b bits[T]) allowed() T {
	return b.value & b.valid
}

// conditions maps a single flag to the runtime conditions under which it is
// granted. A flag is granted if any of its conditions holds.
type conditions[T ~uint32] map[T][]string

func (c conditions[T]) add(f T, cond string) {
	if !slices.Contains(c[f], cond) {
		c[f] = append(c[f], cond)
	}
}

// mergeFrom replaces the conditions of every flag o's layer decided.
func (c conditions[T]) mergeFrom(o conditions[T], decided T) {
	for f := range c {
		if decided&f != 0 {
			delete(c, f)
		}
	}

	for f, conds := range o {
		c[f] = slices.Clone(conds)
	}
}

func (c conditions[T]) clone() conditions[T] {
	out := make(conditions[T], len(c))
	for f, conds := range c {
		out[f] = slices.Clone(conds)
	}

	return out
}
