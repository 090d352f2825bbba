//go:build linux

package diagnostics

import (
	"fmt"
	"os"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
)

var tpmDevicePaths = []string{"/dev/tpmrm0", "/dev/tpm0"}

// probeTPM reports whether a TPM 2.0 device is present and, when it can
// be opened, its manufacturer and firmware version.
func probeTPM(device string) Section {
	paths := tpmDevicePaths
	if device != "" {
		paths = []string{device}
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		s := Section{"present": true, "device": path}

		t, err := transport.OpenTPM(path)
		if err != nil {
			s["error"] = err.Error()
			return s
		}
		defer t.Close()

		mfr, fw, err := readTPMProperties(t)
		if err != nil {
			s["error"] = err.Error()
			return s
		}
		s["manufacturer"] = mfr
		s["firmware"] = fw
		return s
	}
	return Section{"present": false}
}

func readTPMProperties(t transport.TPM) (manufacturer, firmware string, err error) {
	rsp, err := tpm2.GetCapability{
		Capability:    tpm2.TPMCapTPMProperties,
		Property:      uint32(tpm2.TPMPTManufacturer),
		PropertyCount: 1,
	}.Execute(t)
	if err != nil {
		return "", "", fmt.Errorf("read manufacturer: %w", err)
	}
	if props, err := rsp.CapabilityData.Data.TPMProperties(); err == nil && len(props.TPMProperty) > 0 {
		v := props.TPMProperty[0].Value
		manufacturer = fmt.Sprintf("%c%c%c%c", byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	}

	rsp, err = tpm2.GetCapability{
		Capability:    tpm2.TPMCapTPMProperties,
		Property:      uint32(tpm2.TPMPTFirmwareVersion1),
		PropertyCount: 2,
	}.Execute(t)
	if err == nil {
		if props, err := rsp.CapabilityData.Data.TPMProperties(); err == nil && len(props.TPMProperty) >= 2 {
			firmware = fmt.Sprintf("%d.%d", props.TPMProperty[0].Value, props.TPMProperty[1].Value)
		}
	}
	return manufacturer, firmware, nil
}
