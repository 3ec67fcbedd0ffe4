package sysproxy

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"HTTPCaptureBox/src/oscmd"
)

const (
	internetSettingsKey = `Software\Microsoft\Windows\CurrentVersion\Internet Settings`
	psInternetSettings  = `HKCU:\` + internetSettingsKey
	regInternetSettings = `HKCU\` + internetSettingsKey
)

func powershell(script string) oscmd.Command {
	return oscmd.Command{
		Name: "powershell",
		Args: []string{"-NoProfile", "-NonInteractive", "-ExecutionPolicy", "Bypass", "-Command", script},
	}
}

func psLiteral(s string) string { return "'" + strings.ReplaceAll(s, "'", "''") + "'" }

// powershellStrategy writes the per-user Internet Settings with Set-ItemProperty.
type powershellStrategy struct{ runner oscmd.Runner }

func (powershellStrategy) Name() string { return "powershell" }

func (p powershellStrategy) Enable(ctx context.Context, server string) error {
	script := fmt.Sprintf(
		"$ErrorActionPreference='Stop'; Set-ItemProperty -Path %s -Name ProxyServer -Value %s; Set-ItemProperty -Path %s -Name ProxyEnable -Value 1 -Type DWord",
		psLiteral(psInternetSettings), psLiteral(server), psLiteral(psInternetSettings))
	_, err := oscmd.Check(ctx, p.runner, powershell(script))
	return err
}

func (p powershellStrategy) Disable(ctx context.Context) error {
	script := fmt.Sprintf(
		"$ErrorActionPreference='Stop'; Set-ItemProperty -Path %s -Name ProxyEnable -Value 0 -Type DWord",
		psLiteral(psInternetSettings))
	_, err := oscmd.Check(ctx, p.runner, powershell(script))
	return err
}

// regQuerier reads the settings with reg.exe.
type regQuerier struct{ runner oscmd.Runner }

func (q regQuerier) Query(ctx context.Context) (State, error) {
	res, err := oscmd.Check(ctx, q.runner, oscmd.Command{Name: "reg", Args: []string{"query", regInternetSettings, "/v", "ProxyEnable"}})
	if err != nil {
		return State{}, err
	}
	var st State
	if v, ok := regValue(res.Stdout, "ProxyEnable"); ok {
		n, perr := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(v), "0x"), 16, 32)
		if perr != nil {
			return State{}, fmt.Errorf("parse ProxyEnable %q: %w", v, perr)
		}
		st.Enabled = n != 0
	}
	// ProxyServer may be absent on a fresh profile
	if res, err := q.runner.Run(ctx, oscmd.Command{Name: "reg", Args: []string{"query", regInternetSettings, "/v", "ProxyServer"}}); err == nil {
		st.Server, _ = regValue(res.Stdout, "ProxyServer")
	}
	return st, nil
}

// regValue extracts the data column from `reg query` output lines such as
// "    ProxyEnable    REG_DWORD    0x1".
func regValue(out, name string) (string, bool) {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && strings.EqualFold(fields[0], name) && strings.HasPrefix(fields[1], "REG_") {
			if len(fields) == 2 {
				return "", true
			}
			return strings.Join(fields[2:], " "), true
		}
	}
	return "", false
}
