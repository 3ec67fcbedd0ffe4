//go:build windows

package sysproxy

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/registry"
)

// registryStrategy writes HKCU Internet Settings directly.
type registryStrategy struct{}

func (registryStrategy) Name() string { return "registry" }

func (registryStrategy) Enable(_ context.Context, server string) error {
	k, err := registry.OpenKey(registry.CURRENT_USER, internetSettingsKey, registry.SET_VALUE)
	if err != nil {
		return fmt.Errorf("open internet settings: %w", err)
	}
	defer k.Close()
	if err := k.SetStringValue("ProxyServer", server); err != nil {
		return fmt.Errorf("set ProxyServer: %w", err)
	}
	if err := k.SetDWordValue("ProxyEnable", 1); err != nil {
		return fmt.Errorf("set ProxyEnable: %w", err)
	}
	return nil
}

func (registryStrategy) Disable(context.Context) error {
	k, err := registry.OpenKey(registry.CURRENT_USER, internetSettingsKey, registry.SET_VALUE)
	if err != nil {
		return fmt.Errorf("open internet settings: %w", err)
	}
	defer k.Close()
	return k.SetDWordValue("ProxyEnable", 0)
}

func (registryStrategy) Query(context.Context) (State, error) {
	k, err := registry.OpenKey(registry.CURRENT_USER, internetSettingsKey, registry.QUERY_VALUE)
	if err != nil {
		return State{}, fmt.Errorf("open internet settings: %w", err)
	}
	defer k.Close()
	var st State
	enabled, _, err := k.GetIntegerValue("ProxyEnable")
	if err != nil && !errors.Is(err, registry.ErrNotExist) {
		return State{}, fmt.Errorf("read ProxyEnable: %w", err)
	}
	st.Enabled = enabled != 0
	server, _, err := k.GetStringValue("ProxyServer")
	if err != nil && !errors.Is(err, registry.ErrNotExist) {
		return State{}, fmt.Errorf("read ProxyServer: %w", err)
	}
	st.Server = server
	return st, nil
}

var (
	wininet                = windows.NewLazySystemDLL("wininet.dll")
	procInternetSetOptionW = wininet.NewProc("InternetSetOptionW")
)

const (
	internetOptionRefresh         = 37
	internetOptionSettingsChanged = 39
)

// wininetBroadcast tells running WinINet clients to reload proxy settings.
func wininetBroadcast(context.Context) error {
	if err := procInternetSetOptionW.Find(); err != nil {
		return err
	}
	for _, opt := range []uintptr{internetOptionSettingsChanged, internetOptionRefresh} {
		if r, _, err := procInternetSetOptionW.Call(0, opt, 0, 0); r == 0 {
			return fmt.Errorf("InternetSetOptionW(%d): %w", opt, err)
		}
	}
	return nil
}

func nativeWindows() (Strategy, Querier, func(context.Context) error) {
	return registryStrategy{}, registryStrategy{}, wininetBroadcast
}
