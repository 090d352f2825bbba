//go:build linux

package diagnostics

import (
	"context"

	"github.com/godbus/dbus/v5"
)

const (
	hostname1Name = "org.freedesktop.hostname1"
	hostname1Path = dbus.ObjectPath("/org/freedesktop/hostname1")
)

// probeHostname1 reads chassis and OS properties from systemd-hostnamed.
func probeHostname1(ctx context.Context) Section {
	conn, err := dbus.ConnectSystemBus(dbus.WithContext(ctx))
	if err != nil {
		return failed(err)
	}
	defer conn.Close()

	obj := conn.Object(hostname1Name, hostname1Path)
	s := Section{}
	for key, prop := range map[string]string{
		"chassis":          "Chassis",
		"static_hostname":  "StaticHostname",
		"operating_system": "OperatingSystemPrettyName",
		"hardware_vendor":  "HardwareVendor",
		"hardware_model":   "HardwareModel",
	} {
		v, err := obj.GetProperty(hostname1Name + "." + prop)
		if err != nil {
			continue
		}
		if str, ok := v.Value().(string); ok && str != "" {
			s[key] = str
		}
	}
	if len(s) == 0 {
		s["error"] = "hostname1 returned no properties"
	}
	return s
}
