package netsup

import (
	"context"
	"fmt"
	"log/slog"
	"net"
)

// Wired treats a named interface as associated as soon as it is up with
// an IPv4 address. It cannot host an access point; fallback is logged
// only.
type Wired struct {
	Interface string
	Logger    *slog.Logger
}

func (w *Wired) HardwareAddr() (net.HardwareAddr, error) {
	return interfaceHardwareAddr(w.Interface)
}

func (w *Wired) Associate(ctx context.Context, ssid, password string) error {
	return nil
}

func (w *Wired) Associated(ctx context.Context) (bool, error) {
	ifi, err := net.InterfaceByName(w.Interface)
	if err != nil {
		return false, fmt.Errorf("interface %s: %w", w.Interface, err)
	}
	if ifi.Flags&net.FlagUp == 0 {
		return false, nil
	}
	return interfaceIPv4(w.Interface) != nil, nil
}

func (w *Wired) StartAP(ctx context.Context, ssid, password string) error {
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("wired interface cannot host an access point; portal stays on existing addresses",
		"interface", w.Interface,
		"ap_ssid", ssid,
	)
	return nil
}

func (w *Wired) LocalIP() net.IP {
	return interfaceIPv4(w.Interface)
}

func (w *Wired) RSSI(ctx context.Context) int {
	return 0
}

func interfaceHardwareAddr(name string) (net.HardwareAddr, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("interface %s: %w", name, err)
	}
	if len(ifi.HardwareAddr) == 0 {
		return nil, fmt.Errorf("interface %s has no hardware address", name)
	}
	return ifi.HardwareAddr, nil
}

func interfaceIPv4(name string) net.IP {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return nil
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return nil
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok {
			if v4 := ipn.IP.To4(); v4 != nil {
				return v4
			}
		}
	}
	return nil
}
