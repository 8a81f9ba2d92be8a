//go:build linux

// Package sandbox turns layered application permissions into a launch plan for
// a bubblewrap-compatible launcher.
//
// A [Sandbox] merges its permission layers (app metadata, extensions, user
// overrides, oldest first), resolves filesystem grants against the host and
// emits the launcher arguments, inherited files and environment needed to
// reproduce that visibility in a new mount namespace.
//
// The sandbox package does not execute anything itself. [Sandbox.Plan] returns
// the arguments and files; [Sandbox.Command] wraps them in an unstarted
// *exec.Cmd.
//
// # Planning vs Execution
//
// Sandbox construction (New/NewWithEnvironment) validates caller input and
// merges the permission layers. It does not touch the host filesystem.
//
// Filesystem-dependent planning (existence checks, symlink resolution, autofs
// probing, socket discovery, bus proxy startup) happens in [Sandbox.Plan], so a
// Sandbox can be kept around and planned again when the host changes.
//
// Grants that cannot be honored on this host (a missing path, an autofs mount
// that does not respond, a socket that is not there) are skipped and only
// reported through [Config.Debugf]. Parse errors in the permission layers are
// reported when the layers are built, before a Sandbox exists.
//
// # Security Note
//
// This library is intended to reduce accidental access and constrain
// applications through mount policy and namespace isolation. It is not a
// complete security boundary against a determined attacker. Your effective
// security properties depend on bubblewrap, kernel features (namespaces,
// userns), and the policy you configure.
package sandbox

//revive:disable:max-public-structs

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/calvinalkan/app-sandbox/exports"
	"github.com/calvinalkan/app-sandbox/permissions"
)

// DefaultBundleThreshold is the argument count above which [Sandbox.Plan]
// moves the arguments into an inherited file (see [Config.BundleThreshold]).
const DefaultBundleThreshold = 256

// Sandbox represents a reusable sandbox configuration and environment.
//
// A Sandbox must not be copied after first use.
//
// A Sandbox is safe for concurrent use. Each call to [Sandbox.Plan] allocates
// per-invocation resources (inherited files); callers must call [Plan.Close]
// once the launcher has been started, or the launch abandoned.
//
// For deterministic behavior (tests/embedding), construct via
// NewWithEnvironment.
//
// Example:
//
//	meta := permissions.New()
//	if err := meta.LoadMetadata(f); err != nil {
//		log.Fatal(err)
//	}
//
//	s, err := sandbox.New(&sandbox.Config{
//		AppID:  "org.example.App",
//		Layers: []*permissions.Context{meta},
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	cmd, cleanup, err := s.Command(ctx, []string{"/app/bin/example"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer cleanup()
type Sandbox struct {
	noCopy noCopy

	// v is the validated snapshot of cfg+env. It is nil only for a zero-value
	// Sandbox that was not constructed via New/NewWithEnvironment.
	v *validated
}

// New constructs a Sandbox using an Environment derived from the current
// process (see [DefaultEnvironment]).
func New(cfg *Config) (*Sandbox, error) {
	env, err := DefaultEnvironment()
	if err != nil {
		return nil, fmt.Errorf("sandbox: creating default environment: %w", err)
	}

	return NewWithEnvironment(cfg, env)
}

// NewWithEnvironment constructs a Sandbox using an explicit environment.
//
// Note: cfg and env are deep-copied during construction, so subsequent
// modifications to the passed values (including the permission layers) do
// not affect the Sandbox.
func NewWithEnvironment(cfg *Config, env Environment) (*Sandbox, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	clonedCfg := cloneConfig(cfg)
	env = cloneEnvironment(env)

	err := validateConfigAndEnv(&clonedCfg, env)
	if err != nil {
		return nil, fmt.Errorf("sandbox: validating: %w", err)
	}

	merged := permissions.New()
	for _, layer := range clonedCfg.Layers {
		merged.Merge(layer)
	}

	return &Sandbox{v: &validated{
		cfg:      clonedCfg,
		env:      env,
		envSlice: envMapToSliceSorted(env.HostEnv),
		merged:   merged,
	}}, nil
}

// Permissions returns a copy of the merged permission layers.
func (s *Sandbox) Permissions() *permissions.Context {
	if s == nil || s.v == nil {
		return permissions.New()
	}

	return s.v.merged.Clone()
}

// Config configures sandbox behavior.
//
// Config is intentionally independent from any config-file loading or CLI flag
// parsing; callers are expected to produce a final Config before constructing a
// Sandbox.
//
// The zero value of Config is a usable default: no permissions, the real host
// root, the default socket providers and no bus proxy.
type Config struct {
	// AppID names the application. It must be a valid bus name when set. It
	// is written to the sandbox info file and, for the session bus proxy,
	// allowed to own its own names.
	AppID string

	// Layers are merged oldest first; later layers override earlier ones.
	Layers []*permissions.Context

	// Host is the host filesystem inspected while planning. Defaults to
	// [exports.SystemHost].
	Host exports.Host

	// AutofsProbe overrides how autofs mount points are probed.
	AutofsProbe exports.AutofsProbe

	// AutofsTimeout defaults to [exports.DefaultAutofsTimeout].
	AutofsTimeout time.Duration

	// AppDataDir is the host directory holding per-app data
	// (e.g. ~/.var/app/<id>). Its siblings are hidden, and persistent
	// directories are stored below it.
	AppDataDir string

	// SharedRuntimeDir, when set, is bound read-write at
	// /run/app-sandbox. Sockets are placed there and linked into
	// XDG_RUNTIME_DIR.
	SharedRuntimeDir string

	// AppDevShmDir is bound at /dev/shm for the per-app-dev-shm feature.
	AppDevShmDir string

	// Sockets expose host sockets the permissions allow.
	//
	// Semantics:
	//   - nil: use [DefaultSocketProviders]
	//   - empty but non-nil: expose no sockets
	Sockets []SocketProvider

	// BusProxy starts filtering proxies for buses that are not granted
	// directly. When nil, such buses are not reachable in the sandbox.
	BusProxy BusProxy

	// Mkdir creates host directories for :create grants and persistent
	// directories. When nil, missing directories are skipped.
	Mkdir func(path string) error

	// BundleThreshold is the number of arguments above which the whole
	// argument list is moved into an inherited file. 0 means
	// [DefaultBundleThreshold]; a negative value disables bundling.
	BundleThreshold int

	// Debugf receives debug messages from planning.
	Debugf Debugf
}

// Debugf receives debug messages from sandbox planning.
//
// The function should be safe to call from any goroutine.
type Debugf func(format string, args ...any)

// cloneConfig returns a deep copy of cfg. Slices, maps, and permission layers
// are cloned so modifications to the copy don't affect the original.
func cloneConfig(cfg *Config) Config {
	out := *cfg

	out.Layers = make([]*permissions.Context, 0, len(cfg.Layers))
	for _, layer := range cfg.Layers {
		if layer == nil {
			out.Layers = append(out.Layers, nil)

			continue
		}

		out.Layers = append(out.Layers, layer.Clone())
	}

	if cfg.Sockets != nil {
		out.Sockets = slices.Clone(cfg.Sockets)
	}

	return out
}

// cloneEnvironment returns a deep copy of env.
func cloneEnvironment(env Environment) Environment {
	out := env

	if env.HostEnv == nil {
		out.HostEnv = map[string]string{}
	} else {
		out.HostEnv = maps.Clone(env.HostEnv)
	}

	if env.XDGDirs == nil {
		out.XDGDirs = map[string]string{}
	} else {
		out.XDGDirs = maps.Clone(env.XDGDirs)
	}

	return out
}

type validated struct {
	cfg      Config
	env      Environment
	envSlice []string
	merged   *permissions.Context
}

func (v *validated) debugf(format string, args ...any) {
	if v.cfg.Debugf != nil {
		v.cfg.Debugf("sandbox(planning): "+format, args...)
	}
}

// marker for go vet.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// internalErrorf reports an internal invariant violation.
//
// These errors indicate a bug in this package (or an unexpected environment
// mismatch after planning), rather than invalid caller input.
func internalErrorf(op, format string, args ...any) error {
	detail := fmt.Sprintf(format, args...)

	if op == "" {
		return fmt.Errorf("sandbox: internal error: %s", detail)
	}

	return fmt.Errorf("sandbox: internal error: %s: %s", op, detail)
}
