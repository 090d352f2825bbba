//go:build !linux

package diagnostics

import "context"

func probeHostname1(context.Context) Section {
	return Section{"error": "D-Bus not available on this platform"}
}
