package permissions_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/calvinalkan/app-sandbox/exports"
	"github.com/calvinalkan/app-sandbox/permissions"
)

const sampleMetadata = `[Application]
name=org.example.App

[Context]
shared=network;ipc;
sockets=x11;!wayland;some-future-socket;if:pulseaudio:has-wayland;
filesystems=home:ro;/opt/data;xdg-documents;!~/secret;/srv/a\\:b:create;
persistent=.mozilla;
devices=dri;
features=devel;!multiarch;
unset-environment=LD_PRELOAD;

[Session Bus Policy]
org.freedesktop.Notifications=talk
org.example.Owned.*=own

[Environment]
FOO=bar baz
PADDED=\sleading
EMPTY=

[Policy net]
dns=1.1.1.1;!8.8.8.8;

[USB Devices]
enumerable-devices=vnd:046d;
hidden-devices=vnd:046d+dev:c52b;
`

func Test_Context_ParseMetadata_Loads_Every_Group_When_Valid(t *testing.T) {
	t.Parallel()

	c := permissions.New()

	err := c.ParseMetadata([]byte(sampleMetadata))
	if err != nil {
		t.Fatalf("ParseMetadata: %v", err)
	}

	if got, want := c.Shares(), permissions.ShareNetwork|permissions.ShareIPC; got != want {
		t.Errorf("Shares() = %s, want %s", got, want)
	}

	if got, want := c.Sockets(), permissions.SocketX11; got != want {
		t.Errorf("Sockets() = %s, want %s", got, want)
	}

	if got, want := c.DecidedSockets(), permissions.SocketX11|permissions.SocketWayland|permissions.SocketPulseAudio; got != want {
		t.Errorf("DecidedSockets() = %s, want %s", got, want)
	}

	if diff := cmp.Diff([]string{"has-wayland"}, c.SocketConditions(permissions.SocketPulseAudio)); diff != "" {
		t.Errorf("pulseaudio conditions mismatch (-want +got):\n%s", diff)
	}

	if got, want := c.Features(), permissions.FeatureDevel; got != want {
		t.Errorf("Features() = %s, want %s", got, want)
	}

	wantFS := []string{"!~/secret", "/opt/data", `/srv/a\:b:create`, "home:ro", "xdg-documents"}
	if diff := cmp.Diff(wantFS, filesystemSpecs(c)); diff != "" {
		t.Errorf("filesystems mismatch (-want +got):\n%s", diff)
	}

	wantEnv := map[string]permissions.EnvValue{
		"FOO":        {Value: "bar baz"},
		"PADDED":     {Value: " leading"},
		"EMPTY":      {Unset: true},
		"LD_PRELOAD": {Unset: true},
	}
	if diff := cmp.Diff(wantEnv, c.Env()); diff != "" {
		t.Errorf("Env() mismatch (-want +got):\n%s", diff)
	}

	wantBus := map[string]permissions.BusPolicy{
		"org.freedesktop.Notifications": permissions.BusPolicyTalk,
		"org.example.Owned.*":           permissions.BusPolicyOwn,
	}
	if diff := cmp.Diff(wantBus, c.BusPolicies(permissions.SessionBus)); diff != "" {
		t.Errorf("session bus mismatch (-want +got):\n%s", diff)
	}

	wantPolicy := map[string][]string{"net.dns": {"1.1.1.1", "!8.8.8.8"}}
	if diff := cmp.Diff(wantPolicy, c.GenericPolicy()); diff != "" {
		t.Errorf("GenericPolicy() mismatch (-want +got):\n%s", diff)
	}

	enumerable, hidden := c.USBDevices()
	if diff := cmp.Diff([]string{"vnd:046d"}, enumerable); diff != "" {
		t.Errorf("enumerable usb mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]string{"vnd:046d+dev:c52b"}, hidden); diff != "" {
		t.Errorf("hidden usb mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]string{".mozilla"}, c.Persistent()); diff != "" {
		t.Errorf("Persistent() mismatch (-want +got):\n%s", diff)
	}
}

func Test_Context_Save_Reproduces_Context_When_Reloaded(t *testing.T) {
	t.Parallel()

	orig := permissions.New()

	err := orig.ParseMetadata([]byte(sampleMetadata))
	if err != nil {
		t.Fatalf("ParseMetadata: %v", err)
	}

	mustApply(t, orig, "env", "SEMI=a;b")
	mustApply(t, orig, "env", "TRAILING=x ")
	mustApply(t, orig, "env", `BACKSLASH=c:\dir`)
	mustApply(t, orig, "system-talk-name", "org.freedesktop.NetworkManager")
	mustApply(t, orig, "a11y-own-name", "org.a11y.Bus")
	mustApply(t, orig, "nofilesystem", "host:reset")

	saved := mustSave(t, orig)

	reloaded := permissions.New()

	err = reloaded.ParseMetadata([]byte(saved))
	if err != nil {
		t.Fatalf("reloading saved metadata: %v\n%s", err, saved)
	}

	if diff := cmp.Diff(saved, mustSave(t, reloaded)); diff != "" {
		t.Fatalf("round trip changed metadata (-first +second):\n%s", diff)
	}

	if diff := cmp.Diff(orig.Env(), reloaded.Env()); diff != "" {
		t.Fatalf("Env() changed (-orig +reloaded):\n%s", diff)
	}

	if diff := cmp.Diff(filesystemSpecs(orig), filesystemSpecs(reloaded)); diff != "" {
		t.Fatalf("filesystems changed (-orig +reloaded):\n%s", diff)
	}

	if orig.Sockets() != reloaded.Sockets() || orig.DecidedSockets() != reloaded.DecidedSockets() {
		t.Fatalf("sockets changed: %s/%s vs %s/%s",
			orig.Sockets(), orig.DecidedSockets(), reloaded.Sockets(), reloaded.DecidedSockets())
	}
}

func Test_Context_Save_Keeps_Host_Grant_When_Reset_Precedes_It(t *testing.T) {
	t.Parallel()

	orig := mustContext(t, "--nofilesystem=host:reset", "--filesystem=host")

	saved := mustSave(t, orig)

	reloaded := permissions.New()

	err := reloaded.ParseMetadata([]byte(saved))
	if err != nil {
		t.Fatalf("reloading saved metadata: %v\n%s", err, saved)
	}

	if !strings.Contains(saved, "filesystems = !host:reset;host;") {
		t.Errorf("host-reset should be written first:\n%s", saved)
	}

	mode, ok := reloaded.FilesystemMode(permissions.KeyHost)
	if !ok || mode != exports.ModeReadWrite {
		t.Fatalf("host after reload = %v, %t; want read-write", mode, ok)
	}

	if diff := cmp.Diff(filesystemSpecs(orig), filesystemSpecs(reloaded)); diff != "" {
		t.Fatalf("filesystems changed (-orig +reloaded):\n%s", diff)
	}
}

func Test_Context_Save_Writes_Key_File_When_Context_Small(t *testing.T) {
	t.Parallel()

	c := mustContext(t, "--share=network", "--filesystem=home", "--env=FOO=bar")

	want := "[Context]\n" +
		"shared      = network;\n" +
		"filesystems = home;\n" +
		"\n" +
		"[Environment]\n" +
		"FOO = bar\n"

	if diff := cmp.Diff(want, mustSave(t, c)); diff != "" {
		t.Fatalf("Save() mismatch (-want +got):\n%s", diff)
	}
}

func Test_Context_ParseMetadata_Returns_Error_When_Entry_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		data    string
		wantErr error
	}{
		{name: "bad filesystem", data: "[Context]\nfilesystems=relative;\n", wantErr: permissions.ErrInvalidFilesystem},
		{name: "bad bus policy", data: "[Session Bus Policy]\norg.example.A=shout\n", wantErr: permissions.ErrInvalidPolicy},
		{name: "bad bus name", data: "[System Bus Policy]\nnodots=talk\n", wantErr: permissions.ErrInvalidBusName},
		{name: "bad escape", data: "[Environment]\nFOO=\\q\n", wantErr: permissions.ErrInvalidMetadata},
		{name: "bad usb", data: "[USB Devices]\nhidden-devices=everything;\n", wantErr: permissions.ErrInvalidUSBQuery},
		{name: "not a key file", data: "[Context\nshared=network\n", wantErr: permissions.ErrInvalidMetadata},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := permissions.New().ParseMetadata([]byte(tt.data))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ParseMetadata error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func Test_Context_LoadMetadata_Ignores_Unknown_Names_When_Loading(t *testing.T) {
	t.Parallel()

	c := permissions.New()

	err := c.LoadMetadata(strings.NewReader("[Context]\nsockets=teleport;wayland;\ndevices=if:dri:moon-phase;\n"))
	if err != nil {
		t.Fatalf("LoadMetadata: %v", err)
	}

	if c.Sockets() != permissions.SocketWayland {
		t.Fatalf("Sockets() = %s, want wayland", c.Sockets())
	}

	if c.AllowedDevices(func(string) bool { return true }) != 0 {
		t.Fatal("unknown condition granted a device")
	}
}
