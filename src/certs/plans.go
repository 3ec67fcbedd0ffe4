package certs

import (
	"fmt"
	"path/filepath"
	"strings"

	"HTTPCaptureBox/src/engine"
	"HTTPCaptureBox/src/oscmd"
)

// step is one install method: all of its commands must succeed.
type step struct {
	name string
	cmds []oscmd.Command
}

type plan struct {
	install   []step
	uninstall []step
	check     *oscmd.Command
}

const linuxAnchor = "/usr/local/share/ca-certificates/httpcapturebox.crt"

func cmd(name string, args ...string) oscmd.Command {
	return oscmd.Command{Name: name, Args: args}
}

func powershell(script string) oscmd.Command {
	return cmd("powershell", "-NoProfile", "-NonInteractive", "-ExecutionPolicy", "Bypass", "-Command", script)
}

// psLiteral quotes s as a PowerShell single-quoted string.
func psLiteral(s string) string { return "'" + strings.ReplaceAll(s, "'", "''") + "'" }

func (m *Manager) plan(ca *engine.CA) plan {
	pem := m.CertPath()
	switch m.opts.GOOS {
	case "windows":
		return plan{
			install: []step{
				{"certutil", []oscmd.Command{cmd("certutil", "-user", "-addstore", "-f", "Root", pem)}},
				{"powershell", []oscmd.Command{powershell(fmt.Sprintf(
					"$ErrorActionPreference='Stop'; Import-Certificate -FilePath %s -CertStoreLocation Cert:\\CurrentUser\\Root | Out-Null", psLiteral(pem)))}},
			},
			uninstall: []step{
				{"certutil", []oscmd.Command{cmd("certutil", "-user", "-delstore", "Root", ca.Thumbprint())}},
				{"powershell", []oscmd.Command{powershell(fmt.Sprintf(
					"$ErrorActionPreference='Stop'; Get-ChildItem Cert:\\CurrentUser\\Root | Where-Object { $_.Thumbprint -eq %s } | Remove-Item", psLiteral(ca.Thumbprint())))}},
			},
			check: ptr(cmd("certutil", "-user", "-store", "Root", ca.CommonName())),
		}
	case "darwin":
		keychain := filepath.Join(m.opts.HomeDir, "Library", "Keychains", "login.keychain-db")
		legacy := filepath.Join(m.opts.HomeDir, "Library", "Keychains", "login.keychain")
		return plan{
			install: []step{
				{"security", []oscmd.Command{cmd("security", "add-trusted-cert", "-r", "trustRoot", "-k", keychain, pem)}},
				{"security-legacy", []oscmd.Command{cmd("security", "add-trusted-cert", "-r", "trustRoot", "-k", legacy, pem)}},
			},
			uninstall: []step{
				{"security", []oscmd.Command{cmd("security", "delete-certificate", "-Z", ca.Thumbprint(), keychain)}},
				{"security-name", []oscmd.Command{cmd("security", "delete-certificate", "-c", ca.CommonName(), keychain)}},
			},
			check: ptr(cmd("security", "find-certificate", "-c", ca.CommonName(), "-Z", keychain)),
		}
	case "linux":
		return plan{
			install: []step{
				{"update-ca-certificates", []oscmd.Command{cmd("cp", pem, linuxAnchor), cmd("update-ca-certificates")}},
				{"trust", []oscmd.Command{cmd("trust", "anchor", "--store", pem)}},
			},
			uninstall: []step{
				{"update-ca-certificates", []oscmd.Command{cmd("rm", "-f", linuxAnchor), cmd("update-ca-certificates", "--fresh")}},
				{"trust", []oscmd.Command{cmd("trust", "anchor", "--remove", pem)}},
			},
			check: ptr(cmd("trust", "list", "--filter=ca-anchors")),
		}
	}
	return plan{}
}

func ptr(c oscmd.Command) *oscmd.Command { return &c }
