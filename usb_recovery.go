// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// RecoveryResult reports the outcome of one recovery procedure. Procedures
// are identified by name; Level is the position in the ladder table.
type RecoveryResult struct {
	Success     bool   `json:"success"`
	Level       int    `json:"level"`
	Procedure   string `json:"procedure"`
	Message     string `json:"message"`
	DeviceFound bool   `json:"deviceFound"`
}

type recoveryProc struct {
	name string
	run  func() error
}

// The ladder, lightest first. Every procedure works on sysfs pseudo-files
// and tolerates their absence, so unsupported platforms fail soft.
var recoveryLadder = []recoveryProc{
	{"authorize-toggle", recoverAuthorizeToggle},
	{"remove-rescan", recoverRemoveRescan},
	{"hcd-rebind", recoverHCDRebind},
	{"pci-power-cycle", recoverPCIPowerCycle},
	{"multi-cycle", recoverMultiCycle},
	{"runtime-pm", recoverRuntimePM},
}

const usbDevicesDir = "/sys/bus/usb/devices"

// sysfsWrite writes a small value to a pseudo-file, tolerating its absence.
func sysfsWrite(path, value string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(value); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func sysfsReadTrim(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// findM8SysfsDevice locates the device directory by vendor/product id.
func findM8SysfsDevice() string {
	entries, err := os.ReadDir(usbDevicesDir)
	if err != nil {
		return ""
	}
	for _, e := range entries {
		dir := filepath.Join(usbDevicesDir, e.Name())
		vid := sysfsReadTrim(filepath.Join(dir, "idVendor"))
		pid := sysfsReadTrim(filepath.Join(dir, "idProduct"))
		if isM8Port(vid, pid) {
			return dir
		}
	}
	return ""
}

// hostBuses lists the usbN root hub directories.
func hostBuses() []string {
	matches, _ := filepath.Glob(filepath.Join(usbDevicesDir, "usb[0-9]*"))
	return matches
}

// xhciAddresses lists PCI addresses bound to the xHCI host controller driver.
func xhciAddresses() []string {
	entries, err := os.ReadDir("/sys/bus/pci/drivers/xhci_hcd")
	if err != nil {
		return nil
	}
	var addrs []string
	for _, e := range entries {
		// PCI addresses look like 0000:00:14.0.
		if strings.Count(e.Name(), ":") == 2 {
			addrs = append(addrs, e.Name())
		}
	}
	return addrs
}

// Level 1: toggle the device's authorization, leaving power untouched.
func recoverAuthorizeToggle() error {
	dev := findM8SysfsDevice()
	if dev == "" {
		return fmt.Errorf("device not present in sysfs")
	}
	auth := filepath.Join(dev, "authorized")
	if err := sysfsWrite(auth, "0"); err != nil {
		return err
	}
	time.Sleep(1 * time.Second)
	return sysfsWrite(auth, "1")
}

// Level 2: remove the device, then poke every host bus to re-enumerate.
func recoverRemoveRescan() error {
	if dev := findM8SysfsDevice(); dev != "" {
		if err := sysfsWrite(filepath.Join(dev, "remove"), "1"); err != nil {
			slog.Debug("Device remove failed", "error", err)
		}
		time.Sleep(2 * time.Second)
	}
	buses := hostBuses()
	if len(buses) == 0 {
		return fmt.Errorf("no USB host buses in sysfs")
	}
	var lastErr error
	for _, bus := range buses {
		authDefault := filepath.Join(bus, "authorized_default")
		if err := sysfsWrite(authDefault, "0"); err != nil {
			lastErr = err
			continue
		}
		time.Sleep(500 * time.Millisecond)
		if err := sysfsWrite(authDefault, "1"); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Level 3: unbind and rebind the xHCI host controller.
func recoverHCDRebind() error {
	addrs := xhciAddresses()
	if len(addrs) == 0 {
		return fmt.Errorf("no xHCI controllers bound")
	}
	var lastErr error
	for _, addr := range addrs {
		if err := sysfsWrite("/sys/bus/pci/drivers/xhci_hcd/unbind", addr); err != nil {
			lastErr = err
			continue
		}
		time.Sleep(3 * time.Second)
		if err := sysfsWrite("/sys/bus/pci/drivers/xhci_hcd/bind", addr); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Level 4: remove the controller PCI device entirely and rescan the bus.
// The wait is long on purpose; some controllers need tens of seconds to
// settle before a rescan finds them again.
func recoverPCIPowerCycle() error {
	addrs := xhciAddresses()
	if len(addrs) == 0 {
		return fmt.Errorf("no xHCI controllers bound")
	}
	var lastErr error
	for _, addr := range addrs {
		if err := sysfsWrite(filepath.Join("/sys/bus/pci/devices", addr, "remove"), "1"); err != nil {
			lastErr = err
			continue
		}
	}
	time.Sleep(20 * time.Second)
	if err := sysfsWrite("/sys/bus/pci/rescan", "1"); err != nil {
		lastErr = err
	}
	return lastErr
}

// Level 5: repeated deep cycles with growing delays.
func recoverMultiCycle() error {
	var lastErr error
	delay := 5 * time.Second
	for i := 0; i < 3; i++ {
		if err := recoverPCIPowerCycle(); err != nil {
			lastErr = err
		}
		time.Sleep(delay)
		if err := recoverHCDRebind(); err != nil {
			lastErr = err
		}
		time.Sleep(delay)
		if findM8SysfsDevice() != "" {
			return nil
		}
		delay *= 2
	}
	return lastErr
}

// Level 6: force the controller through runtime autosuspend and back.
func recoverRuntimePM() error {
	addrs := xhciAddresses()
	if len(addrs) == 0 {
		return fmt.Errorf("no xHCI controllers bound")
	}
	var lastErr error
	for _, addr := range addrs {
		power := filepath.Join("/sys/bus/pci/devices", addr, "power")
		if err := sysfsWrite(filepath.Join(power, "autosuspend_delay_ms"), "0"); err != nil {
			lastErr = err
		}
		if err := sysfsWrite(filepath.Join(power, "control"), "auto"); err != nil {
			lastErr = err
			continue
		}
		time.Sleep(5 * time.Second)
		if err := sysfsWrite(filepath.Join(power, "control"), "on"); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// usbRecoverLevel runs a single procedure by its position in the ladder.
func usbRecoverLevel(level int) RecoveryResult {
	if level < 0 || level >= len(recoveryLadder) {
		return RecoveryResult{Level: level, Message: "no such recovery level"}
	}
	proc := recoveryLadder[level]
	slog.Info("Running USB recovery procedure", "procedure", proc.name, "level", level)

	res := RecoveryResult{Level: level, Procedure: proc.name}
	if err := proc.run(); err != nil {
		res.Message = err.Error()
		return res
	}
	res.Success = true
	res.Message = "completed"
	res.DeviceFound = findM8Port() != ""
	return res
}

// usbRecoverAuto runs procedures in order until one brings the device back.
func usbRecoverAuto() RecoveryResult {
	var last RecoveryResult
	for level := range recoveryLadder {
		last = usbRecoverLevel(level)
		if last.DeviceFound {
			return last
		}
	}
	return last
}

// usbRecoverUltimate runs every procedure in increasing invasiveness,
// regardless of intermediate results, and reports the final state.
func usbRecoverUltimate() RecoveryResult {
	var last RecoveryResult
	for level := range recoveryLadder {
		last = usbRecoverLevel(level)
	}
	last.DeviceFound = findM8Port() != ""
	return last
}
