//go:build linux

package permissions

import (
	"slices"
	"strings"

	"github.com/calvinalkan/app-sandbox/bwrap"
	"github.com/calvinalkan/app-sandbox/exports"
)

var driDevices = []string{
	"/dev/dri", "/dev/mali", "/dev/mali0", "/dev/umplock",
	"/dev/nvidiactl", "/dev/nvidia-modeset", "/dev/nvidia-uvm", "/dev/nvidia-uvm-tools",
}

// LaunchConfig carries what device emission needs to know about the host.
type LaunchConfig struct {
	// Host is used to check which device nodes exist. Defaults to
	// [exports.SystemHost].
	Host exports.Host

	// Evaluator resolves conditional devices.
	Evaluator Evaluator

	// AppDevShmDir is bound at /dev/shm when the per-app-dev-shm feature is
	// allowed and shm is not.
	AppDevShmDir string
}

// AppendBwrapArgs emits the namespace, device and environment instructions
// for c: everything except filesystem paths, which go through
// [Context.Exports].
func (c *Context) AppendBwrapArgs(args *bwrap.Args, cfg LaunchConfig) {
	host := cfg.Host
	if host == nil {
		host = exports.SystemHost()
	}

	shares := c.shares.allowed()

	if shares&ShareIPC == 0 {
		args.Add("--unshare-ipc")
	}

	if shares&ShareNetwork == 0 {
		args.Add("--unshare-net")
	}

	devices := c.AllowedDevices(cfg.Evaluator)
	perAppShm := c.features.allowed()&FeaturePerAppDevShm != 0 && cfg.AppDevShmDir != ""

	isDir := func(p string) bool {
		entry, err := host.Stat(p)

		return err == nil && entry.Type == exports.TypeDir
	}

	exists := func(p string) bool {
		_, err := host.Stat(p)

		return err == nil
	}

	if devices&DeviceAll != 0 {
		args.Add("--dev-bind", "/dev", "/dev")

		// The host /dev/shm stays hidden unless shm is granted as well.
		if devices&DeviceShm == 0 && isDir("/dev/shm") {
			if perAppShm {
				args.Add("--bind", cfg.AppDevShmDir, "/dev/shm")
			} else {
				args.Add("--tmpfs", "/dev/shm")
			}
		}
	} else {
		args.Add("--dev", "/dev")

		if devices&DeviceDRI != 0 {
			for _, dev := range slices.Concat(driDevices, nvidiaDevices(host)) {
				if exists(dev) {
					args.Add("--dev-bind", dev, dev)
				}
			}
		}

		if devices&DeviceKVM != 0 && exists("/dev/kvm") {
			args.Add("--dev-bind", "/dev/kvm", "/dev/kvm")
		}

		switch {
		case devices&DeviceShm != 0:
			if isDir("/dev/shm") {
				args.Add("--bind", "/dev/shm", "/dev/shm")
			}
		case perAppShm:
			args.Add("--bind", cfg.AppDevShmDir, "/dev/shm")
		}

		if devices&DeviceInput != 0 && exists("/dev/input") {
			args.Add("--dev-bind", "/dev/input", "/dev/input")
		}

		if devices&DeviceUSB != 0 && exists("/dev/bus/usb") {
			args.Add("--dev-bind", "/dev/bus/usb", "/dev/bus/usb")
		}
	}

	for _, name := range sortedKeys(c.env) {
		if v := c.env[name]; v.Unset {
			args.UnsetEnv(name)
		} else {
			args.SetEnv(name, v.Value)
		}
	}
}

// nvidiaDevices lists the numbered /dev/nvidiaN nodes.
func nvidiaDevices(host exports.Host) []string {
	names, err := host.ReadDir("/dev")
	if err != nil {
		return nil
	}

	var out []string

	for _, name := range names {
		n, ok := strings.CutPrefix(name, "nvidia")
		if ok && n != "" && strings.Trim(n, "0123456789") == "" {
			out = append(out, "/dev/"+name)
		}
	}

	return out
}
