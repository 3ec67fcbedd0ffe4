package certs

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"HTTPCaptureBox/src/oscmd"
	"HTTPCaptureBox/src/oscmd/oscmdtest"
)

func newManager(t *testing.T, goos string, fake *oscmdtest.Fake) *Manager {
	t.Helper()
	return NewManager(Options{
		CADir:   t.TempDir(),
		Subject: "Certs Test Root",
		Runner:  fake,
		GOOS:    goos,
		HomeDir: "/home/tester",
		Logger:  zerolog.Nop(),
	})
}

func TestEnsureCAIsIdempotent(t *testing.T) {
	m := newManager(t, "linux", &oscmdtest.Fake{})
	first, err := m.EnsureCA()
	if err != nil {
		t.Fatalf("EnsureCA: %v", err)
	}
	second, err := m.EnsureCA()
	if err != nil || second != first {
		t.Fatalf("second EnsureCA returned a different CA")
	}
	if _, err := os.Stat(m.CertPath()); err != nil {
		t.Fatalf("ca.pem not written: %v", err)
	}
	// a fresh manager on the same dir reuses the files
	again := NewManager(Options{CADir: m.opts.CADir, Runner: &oscmdtest.Fake{}, GOOS: "linux", Logger: zerolog.Nop()})
	ca, err := again.EnsureCA()
	if err != nil || ca.Thumbprint() != first.Thumbprint() {
		t.Fatalf("CA regenerated on reload")
	}
}

func TestWindowsInstallPrimary(t *testing.T) {
	fake := &oscmdtest.Fake{}
	m := newManager(t, "windows", fake)
	res := m.Install(context.Background())
	if !res.OK || !res.Installed || res.Method != "certutil" || len(res.Thumbprint) != 40 {
		t.Fatalf("Install = %+v", res)
	}
	if !fake.Contains("certutil -user -addstore -f Root", m.CertPath()) {
		t.Fatalf("unexpected commands %v", fake.Commands())
	}
	if fake.Contains("powershell") {
		t.Fatalf("fallback should not run after primary success")
	}
}

func TestWindowsInstallFallsBackToPowerShell(t *testing.T) {
	fake := &oscmdtest.Fake{Handler: func(c oscmd.Command) (oscmd.Result, error) {
		if c.Name == "certutil" {
			return oscmdtest.Failure("certutil", "CertUtil: -addstore command FAILED: 0x800704c7 (WIN32: 1223 ERROR_CANCELLED)")
		}
		return oscmd.Result{}, nil
	}}
	m := newManager(t, "windows", fake)
	res := m.Install(context.Background())
	if !res.OK || res.Method != "powershell" {
		t.Fatalf("Install = %+v", res)
	}
	if !fake.Contains("powershell", "Import-Certificate", `Cert:\CurrentUser\Root`) {
		t.Fatalf("fallback not invoked: %v", fake.Commands())
	}
}

func TestPowerShellFallbackQuotesPath(t *testing.T) {
	fake := &oscmdtest.Fake{Handler: func(c oscmd.Command) (oscmd.Result, error) {
		if c.Name == "certutil" {
			return oscmdtest.Failure("certutil", "denied")
		}
		return oscmd.Result{}, nil
	}}
	dir := filepath.Join(t.TempDir(), "O'Brien", "ca")
	m := NewManager(Options{CADir: dir, Subject: "Certs Test Root", Runner: fake, GOOS: "windows", Logger: zerolog.Nop()})
	if res := m.Install(context.Background()); !res.OK || res.Method != "powershell" {
		t.Fatalf("Install = %+v", res)
	}
	quoted := "'" + strings.ReplaceAll(m.CertPath(), "'", "''") + "'"
	if !fake.Contains("powershell", "-FilePath "+quoted+" ") {
		t.Fatalf("path not escaped: %v", fake.Commands())
	}
}

func TestInstallBothFailCarriesDiagnostic(t *testing.T) {
	fake := &oscmdtest.Fake{Handler: func(c oscmd.Command) (oscmd.Result, error) {
		return oscmdtest.Failure(c.Name, c.Name+" refused")
	}}
	m := newManager(t, "darwin", fake)
	res := m.Install(context.Background())
	if res.OK || res.Installed {
		t.Fatalf("expected failure, got %+v", res)
	}
	if !strings.Contains(res.Diagnostic, "security refused") || !strings.Contains(res.Error, "security-legacy") {
		t.Fatalf("missing diagnostic: %+v", res)
	}
}

func TestLinuxUninstallRunsBothCommands(t *testing.T) {
	fake := &oscmdtest.Fake{}
	m := newManager(t, "linux", fake)
	res := m.Uninstall(context.Background())
	if !res.OK || res.Installed || res.Method != "update-ca-certificates" {
		t.Fatalf("Uninstall = %+v", res)
	}
	cmds := fake.Commands()
	if len(cmds) != 2 || !strings.HasPrefix(cmds[0], "rm -f "+linuxAnchor) || cmds[1] != "update-ca-certificates --fresh" {
		t.Fatalf("commands = %v", cmds)
	}
}

func TestIsInstalledBestEffort(t *testing.T) {
	// no CA yet: false without touching the OS
	fake := &oscmdtest.Fake{}
	m := newManager(t, "darwin", fake)
	if m.IsInstalled(context.Background()) || len(fake.Calls) != 0 {
		t.Fatalf("IsInstalled without CA should be false and silent")
	}
	if _, err := m.EnsureCA(); err != nil {
		t.Fatal(err)
	}

	fake.Handler = func(c oscmd.Command) (oscmd.Result, error) {
		return oscmd.Result{Stdout: `keychain: "/home/tester/Library/Keychains/login.keychain-db"` + "\n" + `    "labl"<blob>="Certs Test Root"`}, nil
	}
	if !m.IsInstalled(context.Background()) {
		t.Fatalf("expected installed when subject is listed")
	}

	fake.Handler = func(c oscmd.Command) (oscmd.Result, error) {
		return oscmdtest.Failure("security", "The specified item could not be found in the keychain.")
	}
	if m.IsInstalled(context.Background()) {
		t.Fatalf("lookup failure must read as not installed")
	}

	other := newManager(t, "plan9", &oscmdtest.Fake{})
	other.EnsureCA()
	if other.IsInstalled(context.Background()) {
		t.Fatalf("unsupported platform must read as not installed")
	}
	if res := other.Install(context.Background()); res.OK || res.Error != ErrUnsupported.Error() {
		t.Fatalf("Install on unsupported platform = %+v", res)
	}
}
