package sysproxy

import (
	"context"
	"errors"
	"net"
	"strings"

	"HTTPCaptureBox/src/oscmd"
)

// networksetup configures every enabled network service on macOS.
type networksetup struct{ runner oscmd.Runner }

func (networksetup) Name() string { return "networksetup" }

func (n networksetup) services(ctx context.Context) ([]string, error) {
	res, err := oscmd.Check(ctx, n.runner, oscmd.Command{Name: "networksetup", Args: []string{"-listallnetworkservices"}})
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		// header line and disabled services (prefixed with '*')
		if line == "" || strings.HasPrefix(line, "*") || strings.HasPrefix(line, "An asterisk") {
			continue
		}
		out = append(out, line)
	}
	if len(out) == 0 {
		return nil, errors.New("no enabled network services")
	}
	return out, nil
}

func (n networksetup) run(ctx context.Context, args ...string) error {
	_, err := oscmd.Check(ctx, n.runner, oscmd.Command{Name: "networksetup", Args: args})
	return err
}

func (n networksetup) Enable(ctx context.Context, server string) error {
	host, port, err := net.SplitHostPort(server)
	if err != nil {
		return err
	}
	svcs, err := n.services(ctx)
	if err != nil {
		return err
	}
	for _, svc := range svcs {
		for _, args := range [][]string{
			{"-setwebproxy", svc, host, port},
			{"-setsecurewebproxy", svc, host, port},
			{"-setwebproxystate", svc, "on"},
			{"-setsecurewebproxystate", svc, "on"},
		} {
			if err := n.run(ctx, args...); err != nil {
				return err
			}
		}
	}
	return nil
}

func (n networksetup) Disable(ctx context.Context) error {
	svcs, err := n.services(ctx)
	if err != nil {
		return err
	}
	for _, svc := range svcs {
		if err := n.run(ctx, "-setwebproxystate", svc, "off"); err != nil {
			return err
		}
		if err := n.run(ctx, "-setsecurewebproxystate", svc, "off"); err != nil {
			return err
		}
	}
	return nil
}

// Query reports the first enabled service's web proxy.
func (n networksetup) Query(ctx context.Context) (State, error) {
	svcs, err := n.services(ctx)
	if err != nil {
		return State{}, err
	}
	res, err := oscmd.Check(ctx, n.runner, oscmd.Command{Name: "networksetup", Args: []string{"-getwebproxy", svcs[0]}})
	if err != nil {
		return State{}, err
	}
	var st State
	var host, port string
	for _, line := range strings.Split(res.Stdout, "\n") {
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		switch strings.TrimSpace(k) {
		case "Enabled":
			st.Enabled = strings.EqualFold(v, "yes")
		case "Server":
			host = v
		case "Port":
			port = v
		}
	}
	if host != "" {
		st.Server = net.JoinHostPort(host, port)
	}
	return st, nil
}
