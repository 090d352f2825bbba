//go:build !linux

package diagnostics

func probeTPM(string) Section {
	return Section{"present": false, "error": "TPM probe not supported on this platform"}
}
