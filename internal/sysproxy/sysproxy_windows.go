//go:build windows

// Package sysproxy sets and clears the Windows per-user HTTP/SOCKS5 proxy
// registry keys around an orchestrator run, adapted from the teacher's
// cmd/windows/registry.go (which did the same around its stdin-JSON
// sidecar's start/stop commands).
package sysproxy

import (
	"fmt"

	"golang.org/x/sys/windows/registry"
)

const internetSettingsKey = `Software\Microsoft\Windows\CurrentVersion\Internet Settings`

// Set points the OS's system-wide proxy at addr (host:port) as a SOCKS5
// proxy, bypassing local addresses.
func Set(addr string) error {
	k, err := registry.OpenKey(registry.CURRENT_USER, internetSettingsKey, registry.ALL_ACCESS)
	if err != nil {
		return fmt.Errorf("sysproxy: opening registry key: %w", err)
	}
	defer k.Close()

	if err := k.SetDWordValue("ProxyEnable", 1); err != nil {
		return fmt.Errorf("sysproxy: enabling proxy: %w", err)
	}
	if err := k.SetStringValue("ProxyServer", "socks="+addr); err != nil {
		return fmt.Errorf("sysproxy: setting proxy server: %w", err)
	}
	if err := k.SetStringValue("ProxyOverride", "<local>"); err != nil {
		return fmt.Errorf("sysproxy: setting proxy override: %w", err)
	}
	return nil
}

// Clear disables the system proxy set by Set.
func Clear() error {
	k, err := registry.OpenKey(registry.CURRENT_USER, internetSettingsKey, registry.ALL_ACCESS)
	if err != nil {
		return fmt.Errorf("sysproxy: opening registry key: %w", err)
	}
	defer k.Close()
	return k.SetDWordValue("ProxyEnable", 0)
}
