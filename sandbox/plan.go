//go:build linux

package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strconv"

	"github.com/calvinalkan/app-sandbox/bwrap"
	"github.com/calvinalkan/app-sandbox/exports"
	"github.com/calvinalkan/app-sandbox/permissions"
)

// InfoPath is where the sandbox info file is mounted inside the sandbox.
const InfoPath = "/.app-sandbox-info"

// InfoGroupApplication is the info file group naming the application.
const InfoGroupApplication = "Application"

// Plan is the outcome of [Sandbox.Plan]: everything a launcher needs.
//
// A Plan owns its inherited files and must be closed with [Plan.Close].
type Plan struct {
	// Argv holds the launcher arguments, without the launcher itself and
	// without the command to run.
	Argv []string

	// ExtraFiles must be inherited by the launcher in this order, starting
	// at fd 3 (for example through exec.Cmd.ExtraFiles).
	ExtraFiles []*os.File

	// Env is the environment for the launcher process. Variables for the
	// sandboxed process are passed as --setenv/--unsetenv in Argv.
	Env []string

	// HomeAccess reports whether home was granted explicitly.
	HomeAccess bool

	// RunFlags are the launch behaviors the permissions ask for.
	RunFlags permissions.RunFlags

	args *bwrap.Args
}

// Close releases the files owned by the plan. It is safe to call more than
// once.
func (p *Plan) Close() error {
	if p == nil || p.args == nil {
		return nil
	}

	return p.args.Close()
}

// Plan resolves the merged permissions against the host and returns the
// launcher arguments.
//
// Order of the emitted arguments: namespaces and devices, filesystem exports,
// persistent directories, the shared runtime directory, sockets, buses, the
// info file, runtime-dir links and finally the environment.
func (s *Sandbox) Plan(ctx context.Context) (*Plan, error) {
	if s == nil || s.v == nil {
		return nil, errors.New("sandbox: uninitialized sandbox (use New or NewWithEnvironment)")
	}

	v := s.v
	cfg := &v.cfg

	host := cfg.Host
	if host == nil {
		host = exports.SystemHost()
	}

	args := bwrap.New()

	plan, err := v.fill(ctx, args, host)
	if err != nil {
		closeErr := args.Close()

		return nil, errors.Join(fmt.Errorf("sandbox: planning: %w", err), closeErr)
	}

	return plan, nil
}

func (v *validated) fill(ctx context.Context, args *bwrap.Args, host exports.Host) (*Plan, error) {
	cfg := &v.cfg
	merged := v.merged
	evaluator := v.evaluator(host)

	merged.AppendBwrapArgs(args, permissions.LaunchConfig{
		Host:         host,
		Evaluator:    evaluator,
		AppDevShmDir: cfg.AppDevShmDir,
	})

	e, homeAccess := merged.Exports(permissions.ExportsConfig{
		Exports: exports.Config{
			Host:          host,
			AutofsProbe:   cfg.AutofsProbe,
			AutofsTimeout: cfg.AutofsTimeout,
			Debugf:        cfg.Debugf,
		},
		HomeDir:    v.env.HomeDir,
		XDGDirs:    v.env.XDGDirs,
		Mkdir:      cfg.Mkdir,
		AppDataDir: cfg.AppDataDir,
	})
	e.AppendBwrapArgs(args)

	v.appendPersistent(args, host, homeAccess)

	if cfg.SharedRuntimeDir != "" {
		args.Add("--bind", cfg.SharedRuntimeDir, bwrap.RuntimeDirMount)
	}

	sockets := merged.AllowedSockets(evaluator)

	err := v.appendSockets(args, host, sockets)
	if err != nil {
		return nil, err
	}

	err = v.appendBuses(ctx, args, host, sockets)
	if err != nil {
		return nil, err
	}

	err = v.appendInfo(args)
	if err != nil {
		return nil, err
	}

	args.PopulateRuntimeDir(v.env.UID, "")
	args.AddEnvArgs()

	threshold := cfg.BundleThreshold
	if threshold == 0 {
		threshold = DefaultBundleThreshold
	}

	if threshold > 0 && args.Len() > threshold {
		v.debugf("bundling %d arguments", args.Len())

		err = args.BundleArgs(0, args.Len())
		if err != nil {
			return nil, err
		}
	}

	argv := args.Finish()

	v.debugf("argv=%d extraFiles=%d homeAccess=%t", len(argv), len(args.ExtraFiles()), homeAccess)

	return &Plan{
		Argv:       argv,
		ExtraFiles: args.ExtraFiles(),
		Env:        append([]string(nil), v.envSlice...),
		HomeAccess: homeAccess,
		RunFlags:   merged.RunFlags(),
		args:       args,
	}, nil
}

// evaluator answers runtime conditions from the environment snapshot and
// the host.
func (v *validated) evaluator(host exports.Host) permissions.Evaluator {
	return func(condition string) bool {
		switch condition {
		case "has-wayland":
			if v.env.RuntimeDir == "" {
				return false
			}

			entry, err := host.Stat(path.Join(v.env.RuntimeDir, waylandDisplay(v.env)))

			return err == nil && entry.Type == exports.TypeSocket
		case "has-input-device":
			_, err := host.Stat("/dev/input")

			return err == nil
		}

		return false
	}
}

// appendPersistent binds the persistent directories from the app data dir
// over home. With home access the real directories are visible already.
func (v *validated) appendPersistent(args *bwrap.Args, host exports.Host, homeAccess bool) {
	persistent := v.merged.Persistent()
	if len(persistent) == 0 {
		return
	}

	if homeAccess {
		v.debugf("home is visible, not binding %d persistent directories", len(persistent))

		return
	}

	if v.cfg.AppDataDir == "" {
		v.debugf("no app data directory, not binding %d persistent directories", len(persistent))

		return
	}

	for _, dir := range persistent {
		src := path.Join(v.cfg.AppDataDir, dir)
		dst := path.Join(v.env.HomeDir, dir)

		if _, err := host.Stat(src); err != nil {
			if v.cfg.Mkdir == nil {
				v.debugf("persistent directory %s does not exist, skipping", src)

				continue
			}

			err = v.cfg.Mkdir(src)
			if err != nil {
				v.debugf("creating persistent directory %s: %v", src, err)

				continue
			}
		}

		args.Add("--bind", src, dst)
	}
}

func (v *validated) appendSockets(args *bwrap.Args, host exports.Host, allowed permissions.Sockets) error {
	providers := v.cfg.Sockets
	if providers == nil {
		providers = DefaultSocketProviders(v.env)
	}

	for _, provider := range providers {
		if allowed&provider.Socket() == 0 {
			continue
		}

		err := provider.AppendArgs(args, v.env, host)
		if errors.Is(err, ErrSocketUnavailable) {
			v.debugf("skipping socket %s: %v", provider.Socket(), err)

			continue
		}

		if err != nil {
			return fmt.Errorf("socket %s: %w", provider.Socket(), err)
		}
	}

	return nil
}

// appendBuses makes the session, system and accessibility buses reachable.
// A granted bus socket is bound directly; otherwise the bus goes through
// the proxy, if there is one.
func (v *validated) appendBuses(ctx context.Context, args *bwrap.Args, host exports.Host, allowed permissions.Sockets) error {
	merged := v.merged
	sandboxRuntime := path.Join("/run/user", strconv.Itoa(v.env.UID))

	sessionSocket := ""

	switch {
	case allowed&permissions.SocketSessionBus != 0:
		if v.env.RuntimeDir != "" {
			sessionSocket = v.hostSocket(host, path.Join(v.env.RuntimeDir, sessionBusMember))
		}
	case v.cfg.BusProxy != nil:
		proxied, err := v.cfg.BusProxy.Start(ctx, permissions.SessionBus, merged.BusFilterArgs(permissions.SessionBus, v.cfg.AppID))
		if err != nil {
			return fmt.Errorf("session bus proxy: %w", err)
		}

		sessionSocket = proxied
	default:
		v.debugf("no bus proxy, session bus is not available")
	}

	if sessionSocket != "" {
		args.Add("--ro-bind", sessionSocket, path.Join(bwrap.RuntimeDirMount, sessionBusMember))
		args.AddRuntimeDirMember(sessionBusMember)
		args.SetEnv("DBUS_SESSION_BUS_ADDRESS", "unix:path="+path.Join(sandboxRuntime, sessionBusMember))
	}

	systemSocket := ""

	switch {
	case allowed&permissions.SocketSystemBus != 0:
		systemSocket = v.hostSocket(host, systemBusSocket)
	case merged.NeedsSystemBusProxy() && v.cfg.BusProxy != nil:
		proxied, err := v.cfg.BusProxy.Start(ctx, permissions.SystemBus, merged.BusFilterArgs(permissions.SystemBus, v.cfg.AppID))
		if err != nil {
			return fmt.Errorf("system bus proxy: %w", err)
		}

		systemSocket = proxied
	}

	if systemSocket != "" {
		args.Add("--ro-bind", systemSocket, systemBusSocket)
		args.SetEnv("DBUS_SYSTEM_BUS_ADDRESS", "unix:path="+systemBusSocket)
	}

	if merged.NeedsA11yBusProxy() && v.cfg.BusProxy != nil {
		proxied, err := v.cfg.BusProxy.Start(ctx, permissions.A11yBus, merged.BusFilterArgs(permissions.A11yBus, v.cfg.AppID))
		if err != nil {
			return fmt.Errorf("a11y bus proxy: %w", err)
		}

		args.Add("--ro-bind", proxied, a11yBusSocket)
		args.SetEnv("AT_SPI_BUS_ADDRESS", "unix:path="+a11yBusSocket)
	}

	return nil
}

func (v *validated) hostSocket(host exports.Host, p string) string {
	entry, err := host.Stat(p)
	if err != nil || entry.Type != exports.TypeSocket {
		v.debugf("bus socket %s is not available", p)

		return ""
	}

	return p
}

// appendInfo mounts the merged permissions, as key file metadata with an
// [Application] group, at [InfoPath].
func (v *validated) appendInfo(args *bwrap.Args) error {
	f := permissions.NewMetadata()

	if v.cfg.AppID != "" {
		sec, err := f.NewSection(InfoGroupApplication)
		if err != nil {
			return fmt.Errorf("info file: %w", err)
		}

		_, err = sec.NewKey("name", v.cfg.AppID)
		if err != nil {
			return fmt.Errorf("info file: %w", err)
		}
	}

	err := v.merged.SaveTo(f)
	if err != nil {
		return fmt.Errorf("info file: %w", err)
	}

	var buf bytes.Buffer

	_, err = f.WriteTo(&buf)
	if err != nil {
		return fmt.Errorf("info file: %w", err)
	}

	return args.AddArgsData("app-sandbox-info", buf.Bytes(), InfoPath)
}
