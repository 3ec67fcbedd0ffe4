package sysproxy

import (
	"context"
	"fmt"
	"net"
	"strings"

	"HTTPCaptureBox/src/oscmd"
)

// gsettings drives the GNOME proxy schema.
type gsettings struct{ runner oscmd.Runner }

func (gsettings) Name() string { return "gsettings" }

func (g gsettings) set(ctx context.Context, schema, key, value string) error {
	_, err := oscmd.Check(ctx, g.runner, oscmd.Command{Name: "gsettings", Args: []string{"set", schema, key, value}})
	return err
}

func (g gsettings) get(ctx context.Context, schema, key string) (string, error) {
	res, err := oscmd.Check(ctx, g.runner, oscmd.Command{Name: "gsettings", Args: []string{"get", schema, key}})
	if err != nil {
		return "", err
	}
	return strings.Trim(strings.TrimSpace(res.Stdout), "'"), nil
}

func (g gsettings) Enable(ctx context.Context, server string) error {
	host, port, err := net.SplitHostPort(server)
	if err != nil {
		return err
	}
	for _, schema := range []string{"org.gnome.system.proxy.http", "org.gnome.system.proxy.https"} {
		if err := g.set(ctx, schema, "host", host); err != nil {
			return err
		}
		if err := g.set(ctx, schema, "port", port); err != nil {
			return err
		}
	}
	return g.set(ctx, "org.gnome.system.proxy", "mode", "manual")
}

func (g gsettings) Disable(ctx context.Context) error {
	return g.set(ctx, "org.gnome.system.proxy", "mode", "none")
}

func (g gsettings) Query(ctx context.Context) (State, error) {
	mode, err := g.get(ctx, "org.gnome.system.proxy", "mode")
	if err != nil {
		return State{}, err
	}
	host, err := g.get(ctx, "org.gnome.system.proxy.http", "host")
	if err != nil {
		return State{}, err
	}
	port, err := g.get(ctx, "org.gnome.system.proxy.http", "port")
	if err != nil {
		return State{}, err
	}
	st := State{Enabled: mode == "manual"}
	if host != "" {
		st.Server = net.JoinHostPort(host, port)
	}
	return st, nil
}

// kdeConfig writes KDE's kioslaverc.
type kdeConfig struct{ runner oscmd.Runner }

func (kdeConfig) Name() string { return "kwriteconfig5" }

func (k kdeConfig) write(ctx context.Context, key, value string) error {
	_, err := oscmd.Check(ctx, k.runner, oscmd.Command{
		Name: "kwriteconfig5",
		Args: []string{"--file", "kioslaverc", "--group", "Proxy Settings", "--key", key, value},
	})
	return err
}

func (k kdeConfig) read(ctx context.Context, key string) (string, error) {
	res, err := oscmd.Check(ctx, k.runner, oscmd.Command{
		Name: "kreadconfig5",
		Args: []string{"--file", "kioslaverc", "--group", "Proxy Settings", "--key", key},
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

func (k kdeConfig) Enable(ctx context.Context, server string) error {
	host, port, err := net.SplitHostPort(server)
	if err != nil {
		return err
	}
	// KDE stores "scheme://host port"
	value := fmt.Sprintf("http://%s %s", host, port)
	for _, key := range []string{"httpProxy", "httpsProxy"} {
		if err := k.write(ctx, key, value); err != nil {
			return err
		}
	}
	return k.write(ctx, "ProxyType", "1")
}

func (k kdeConfig) Disable(ctx context.Context) error {
	return k.write(ctx, "ProxyType", "0")
}

func (k kdeConfig) Query(ctx context.Context) (State, error) {
	typ, err := k.read(ctx, "ProxyType")
	if err != nil {
		return State{}, err
	}
	raw, err := k.read(ctx, "httpProxy")
	if err != nil {
		return State{}, err
	}
	st := State{Enabled: typ == "1"}
	raw = strings.TrimPrefix(strings.TrimPrefix(raw, "http://"), "https://")
	if host, port, ok := strings.Cut(raw, " "); ok {
		st.Server = net.JoinHostPort(host, port)
	} else {
		st.Server = raw
	}
	return st, nil
}

// kdeReparse asks running KIO workers to reload proxy settings. GNOME
// applications watch gsettings themselves.
func kdeReparse(runner oscmd.Runner) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := oscmd.Check(ctx, runner, oscmd.Command{
			Name: "dbus-send",
			Args: []string{"--type=signal", "/KIO/Scheduler", "org.kde.KIO.Scheduler.reparseSlaveConfiguration", "string:"},
		})
		return err
	}
}
