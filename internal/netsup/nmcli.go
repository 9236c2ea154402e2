package netsup

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"
)

// Runner executes an external command and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return out, fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return out, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// NMCLI drives a WiFi interface through NetworkManager's CLI.
type NMCLI struct {
	Interface string
	Run       Runner
}

// NewNMCLI returns a driver for iface using ExecRunner.
func NewNMCLI(iface string) *NMCLI {
	return &NMCLI{Interface: iface, Run: ExecRunner}
}

func (n *NMCLI) HardwareAddr() (net.HardwareAddr, error) {
	return interfaceHardwareAddr(n.Interface)
}

// Associate asks NetworkManager to join ssid without waiting for the
// result.
func (n *NMCLI) Associate(ctx context.Context, ssid, password string) error {
	args := []string{"--wait", "0", "device", "wifi", "connect", ssid}
	if password != "" {
		args = append(args, "password", password)
	}
	args = append(args, "ifname", n.Interface)
	if _, err := n.Run(ctx, "nmcli", args...); err != nil {
		return fmt.Errorf("connect %s: %w", ssid, err)
	}
	return nil
}

// Associated reports whether the device is in NetworkManager state 100
// (connected).
func (n *NMCLI) Associated(ctx context.Context) (bool, error) {
	out, err := n.Run(ctx, "nmcli", "-g", "GENERAL.STATE", "device", "show", n.Interface)
	if err != nil {
		return false, fmt.Errorf("device state: %w", err)
	}
	return strings.HasPrefix(strings.TrimSpace(string(out)), "100"), nil
}

// StartAP brings up a WPA2 hotspot on the interface.
func (n *NMCLI) StartAP(ctx context.Context, ssid, password string) error {
	_, err := n.Run(ctx, "nmcli", "device", "wifi", "hotspot",
		"ifname", n.Interface, "ssid", ssid, "password", password)
	if err != nil {
		return fmt.Errorf("hotspot %s: %w", ssid, err)
	}
	return nil
}

func (n *NMCLI) LocalIP() net.IP {
	return interfaceIPv4(n.Interface)
}

// RSSI converts NetworkManager's signal quality percentage for the
// in-use network into dBm.
func (n *NMCLI) RSSI(ctx context.Context) int {
	out, err := n.Run(ctx, "nmcli", "-t", "-f", "IN-USE,SIGNAL", "device", "wifi", "list",
		"ifname", n.Interface, "--rescan", "no")
	if err != nil {
		return 0
	}
	quality, ok := parseInUseSignal(out)
	if !ok {
		return 0
	}
	return quality/2 - 100
}

func parseInUseSignal(out []byte) (int, bool) {
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		inUse, signal, found := strings.Cut(sc.Text(), ":")
		if !found || inUse != "*" {
			continue
		}
		q, err := strconv.Atoi(strings.TrimSpace(signal))
		if err != nil {
			return 0, false
		}
		return q, true
	}
	return 0, false
}

// TimedatectlProbe reports nil once systemd-timesyncd (or chrony) has
// synchronised the system clock.
func TimedatectlProbe(run Runner) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		out, err := run(ctx, "timedatectl", "show", "-p", "NTPSynchronized", "--value")
		if err != nil {
			return err
		}
		if strings.TrimSpace(string(out)) != "yes" {
			return errors.New("clock not synchronised")
		}
		return nil
	}
}
