//go:build linux

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/calvinalkan/app-sandbox/bwrap"
	"github.com/calvinalkan/app-sandbox/exports"
	"github.com/calvinalkan/app-sandbox/permissions"
)

// ErrSocketUnavailable is returned by a [SocketProvider] when the host does
// not offer the socket. Planning skips such sockets.
var ErrSocketUnavailable = errors.New("socket not available on host")

// SocketProvider exposes one host socket in the sandbox.
type SocketProvider interface {
	// Socket is the permission that enables the provider.
	Socket() permissions.Sockets

	// AppendArgs emits the arguments (and environment) that make the socket
	// reachable. It is only called when the socket is allowed.
	AppendArgs(args *bwrap.Args, env Environment, host exports.Host) error
}

// RuntimeSocket binds a socket from the host runtime directory into the
// sandbox runtime directory.
//
// The socket is bound below [bwrap.RuntimeDirMount] and its first path
// component is linked into /run/user/UID by [bwrap.Args.PopulateRuntimeDir].
type RuntimeSocket struct {
	Permission permissions.Sockets

	// Name is the socket path relative to the runtime directory, for example
	// "pulse/native".
	Name string

	// EnvVar, when set, is pointed at the socket.
	EnvVar string

	// EnvPrefix is prepended to the sandbox socket path in EnvVar.
	EnvPrefix string
}

// Socket implements [SocketProvider].
func (r RuntimeSocket) Socket() permissions.Sockets {
	return r.Permission
}

// AppendArgs implements [SocketProvider].
func (r RuntimeSocket) AppendArgs(args *bwrap.Args, env Environment, host exports.Host) error {
	if env.RuntimeDir == "" {
		return fmt.Errorf("%s: %w: no runtime directory", r.Name, ErrSocketUnavailable)
	}

	name := path.Clean(r.Name)
	if name == "." || path.IsAbs(name) || strings.HasPrefix(name, "../") {
		return internalErrorf("RuntimeSocket.AppendArgs", "invalid socket name %q", r.Name)
	}

	hostPath := path.Join(env.RuntimeDir, name)

	entry, err := host.Stat(hostPath)
	if err != nil {
		return fmt.Errorf("%s: %w: %w", hostPath, ErrSocketUnavailable, err)
	}

	if entry.Type != exports.TypeSocket {
		return fmt.Errorf("%s: %w: not a socket", hostPath, ErrSocketUnavailable)
	}

	member, _, _ := strings.Cut(name, "/")

	args.Add("--ro-bind", hostPath, path.Join(bwrap.RuntimeDirMount, name))
	args.AddRuntimeDirMember(member)

	if r.EnvVar != "" {
		sandboxPath := path.Join("/run/user", strconv.Itoa(env.UID), name)
		args.SetEnv(r.EnvVar, r.EnvPrefix+sandboxPath)
	}

	return nil
}

// Wayland exposes the compositor socket named by WAYLAND_DISPLAY
// (default "wayland-0").
func Wayland(env Environment) RuntimeSocket {
	return RuntimeSocket{
		Permission: permissions.SocketWayland,
		Name:       waylandDisplay(env),
		EnvVar:     "WAYLAND_DISPLAY",
	}
}

// PulseAudio exposes the PulseAudio (or PipeWire-Pulse) native socket.
func PulseAudio() RuntimeSocket {
	return RuntimeSocket{
		Permission: permissions.SocketPulseAudio,
		Name:       "pulse/native",
		EnvVar:     "PULSE_SERVER",
		EnvPrefix:  "unix:",
	}
}

// DefaultSocketProviders returns the providers used when [Config.Sockets] is
// nil.
func DefaultSocketProviders(env Environment) []SocketProvider {
	return []SocketProvider{Wayland(env), PulseAudio()}
}

func waylandDisplay(env Environment) string {
	display := env.HostEnv["WAYLAND_DISPLAY"]
	if display == "" || path.IsAbs(display) {
		return "wayland-0"
	}

	return display
}

// BusProxy starts filtering proxies for message buses that are not granted
// directly.
//
// Implementations own the proxy processes; the sandbox only binds the
// returned socket.
type BusProxy interface {
	// Start proxies bus with filterArgs (see
	// [permissions.Context.BusFilterArgs]) and returns the host path of the
	// filtered socket.
	Start(ctx context.Context, bus permissions.Bus, filterArgs []string) (string, error)
}

// Sandbox paths of the buses.
const (
	sessionBusMember = "bus"
	systemBusSocket  = "/run/dbus/system_bus_socket"
	a11yBusSocket    = bwrap.RuntimeDirMount + "/at-spi-bus"
)
