// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// M8 USB identifiers (Teensy-based; headless and model:02 share the vendor).
const (
	m8VendorID          = "16C0"
	m8ProductIDModel02  = "048A"
	m8ProductIDHeadless = "048B"
)

// Device-bound command bytes.
const (
	cmdController = 0x43 // 'C' + bitmask
	cmdKeyjazz    = 0x4B // 'K' + note [+ velocity], 'K' 0xFF = note off
	cmdEnable     = 0x45 // 'E' enable display
	cmdReset      = 0x52 // 'R' reset display
	cmdDisconnect = 0x44 // 'D' graceful disconnect sentinel
)

var errNotConnected = errors.New("serial link not connected")

// failedScansBeforeRecovery is how many empty scan rounds the reconnect loop
// tolerates before climbing the USB recovery ladder.
const failedScansBeforeRecovery = 3

type PortInfo struct {
	Path         string `json:"path"`
	Manufacturer string `json:"manufacturer"`
	VendorID     string `json:"vendorId"`
	ProductID    string `json:"productId"`
	IsM8         bool   `json:"isM8"`
}

// SerialLink owns the CDC device handle. Received chunks are handed to the
// raw-bytes sink first, then the frame sink; writes are serialized and
// drained before returning. On loss the link fires its disconnect hook and,
// when enabled, scans for the device until it comes back.
type SerialLink struct {
	baud              int
	autoReconnect     bool
	reconnectInterval time.Duration
	configuredPath    string // skips the VID/PID scan when set

	onBytes      func([]byte) // raw chunk sink, called before the frame sink
	onFrameBytes func([]byte) // decoder feed
	onDisconnect func()
	onConnect    func(path string)
	onError      func(error)

	mu        sync.Mutex
	writeMu   sync.Mutex // serializes Write calls
	port      serial.Port
	path      string
	connected bool

	reconnectStop chan struct{}
	reconnectOnce sync.Once
}

func NewSerialLink(baud int, autoReconnect bool, interval time.Duration) *SerialLink {
	return &SerialLink{
		baud:              baud,
		autoReconnect:     autoReconnect,
		reconnectInterval: interval,
		reconnectStop:     make(chan struct{}),
	}
}

// SetConfiguredPath pins the link to a fixed device path; connects and
// reconnect scans use it instead of the VID/PID match.
func (sl *SerialLink) SetConfiguredPath(path string) {
	sl.configuredPath = path
}

func (sl *SerialLink) OnBytes(fn func([]byte))      { sl.onBytes = fn }
func (sl *SerialLink) OnFrameBytes(fn func([]byte)) { sl.onFrameBytes = fn }
func (sl *SerialLink) OnDisconnect(fn func())       { sl.onDisconnect = fn }
func (sl *SerialLink) OnConnect(fn func(string))    { sl.onConnect = fn }
func (sl *SerialLink) OnError(fn func(error))       { sl.onError = fn }

// ListPorts enumerates CDC endpoints with their USB identity.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}
	var ports []PortInfo
	for _, d := range details {
		info := PortInfo{Path: d.Name}
		if d.IsUSB {
			info.Manufacturer = d.Product
			info.VendorID = d.VID
			info.ProductID = d.PID
			info.IsM8 = isM8Port(d.VID, d.PID)
		}
		ports = append(ports, info)
	}
	return ports, nil
}

func isM8Port(vid, pid string) bool {
	vid = strings.ToUpper(vid)
	pid = strings.ToUpper(pid)
	return vid == m8VendorID && (pid == m8ProductIDModel02 || pid == m8ProductIDHeadless)
}

// findM8Port returns the path of the first matching device, or "".
func findM8Port() string {
	ports, err := ListPorts()
	if err != nil {
		slog.Warn("Port scan failed", "error", err)
		return ""
	}
	for _, p := range ports {
		if p.IsM8 {
			return p.Path
		}
	}
	return ""
}

// Connect opens the given path, or scans for the device when path is empty.
// Transient failures are retryable; the caller decides whether to retry.
func (sl *SerialLink) Connect(path string) error {
	if path == "" {
		path = sl.configuredPath
	}
	if path == "" {
		path = findM8Port()
		if path == "" {
			return errors.New("no M8 device found")
		}
	}

	mode := &serial.Mode{
		BaudRate: sl.baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	slog.Info("Opened serial port", "port", path, "baud", sl.baud)

	sl.mu.Lock()
	sl.port = port
	sl.path = path
	sl.connected = true
	sl.mu.Unlock()

	go sl.readLoop(port)

	if sl.onConnect != nil {
		sl.onConnect(path)
	}
	return nil
}

func (sl *SerialLink) Connected() bool {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.connected
}

func (sl *SerialLink) Path() string {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.path
}

func (sl *SerialLink) readLoop(port serial.Port) {
	buf := make([]byte, 4096)
	slog.Debug("Starting serial read goroutine")
	for {
		n, err := port.Read(buf)
		if err != nil {
			sl.mu.Lock()
			current := sl.port == port
			sl.mu.Unlock()
			if current {
				slog.Error("Serial port read error", "error", err)
				sl.handleDisconnect()
			}
			return
		}
		if n == 0 {
			continue
		}
		chunk := make([]byte, n)
		copy(chunk, buf[:n])

		// Raw sinks observe the bytes before any decoding happens.
		if sl.onBytes != nil {
			sl.onBytes(chunk)
		}
		if sl.onFrameBytes != nil {
			sl.onFrameBytes(chunk)
		}
	}
}

// Write sends bytes to the device and drains the OS buffer before returning.
func (sl *SerialLink) Write(data []byte) error {
	sl.mu.Lock()
	port := sl.port
	ok := sl.connected
	sl.mu.Unlock()
	if !ok || port == nil {
		return errNotConnected
	}

	sl.writeMu.Lock()
	defer sl.writeMu.Unlock()
	if _, err := port.Write(data); err != nil {
		slog.Error("Serial port write error", "error", err)
		sl.handleDisconnect()
		return fmt.Errorf("serial write failed: %w", err)
	}
	if err := port.Drain(); err != nil {
		return fmt.Errorf("serial drain failed: %w", err)
	}
	return nil
}

// SendEnable starts the device display stream: enable, settle, then reset.
func (sl *SerialLink) SendEnable() error {
	if err := sl.Write([]byte{cmdEnable}); err != nil {
		return err
	}
	time.Sleep(500 * time.Millisecond)
	return sl.Write([]byte{cmdReset})
}

// SendReset asks the device to redraw the full screen.
func (sl *SerialLink) SendReset() error {
	return sl.Write([]byte{cmdReset})
}

func (sl *SerialLink) handleDisconnect() {
	sl.mu.Lock()
	if !sl.connected {
		sl.mu.Unlock()
		return
	}
	port := sl.port
	sl.connected = false
	sl.port = nil
	sl.path = ""
	sl.mu.Unlock()

	if port != nil {
		port.Close()
	}
	slog.Warn("Serial link disconnected")
	if sl.onDisconnect != nil {
		sl.onDisconnect()
	}
	if sl.autoReconnect {
		go sl.reconnectLoop()
	}
}

// reconnectLoop scans for the device at the configured interval. After a few
// empty rounds it climbs the USB recovery ladder, then keeps scanning.
func (sl *SerialLink) reconnectLoop() {
	failures := 0
	recoveries := 0
	ticker := time.NewTicker(sl.reconnectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sl.reconnectStop:
			return
		case <-ticker.C:
		}
		if sl.Connected() {
			return
		}

		err := sl.Connect("")
		if err == nil {
			slog.Info("Serial link reconnected", "port", sl.Path())
			return
		}
		failures++
		slog.Debug("Reconnect scan failed", "attempt", failures, "error", err)

		if failures%failedScansBeforeRecovery == 0 {
			slog.Warn("Device not found; attempting USB recovery", "failedScans", failures)
			recoveries++
			var res RecoveryResult
			if recoveries%3 == 0 {
				// The escalator keeps failing; run the full ladder end to end.
				res = usbRecoverUltimate()
			} else {
				res = usbRecoverAuto()
			}
			slog.Info("USB recovery finished", "procedure", res.Procedure, "success", res.Success, "deviceFound", res.DeviceFound)
			if !res.Success && sl.onError != nil {
				sl.onError(fmt.Errorf("usb recovery failed: %s", res.Message))
			}
		}
	}
}

// ScanUntilConnected runs the reconnect loop in the caller's goroutine
// until the device is acquired or Stop is called. Used at startup when the
// device is absent.
func (sl *SerialLink) ScanUntilConnected() {
	sl.reconnectLoop()
}

// Disconnect sends the graceful sentinel and closes the port without
// triggering the reconnect loop.
func (sl *SerialLink) Disconnect() {
	sl.mu.Lock()
	port := sl.port
	sl.connected = false
	sl.port = nil
	sl.path = ""
	sl.mu.Unlock()

	if port != nil {
		port.Write([]byte{cmdDisconnect})
		port.Drain()
		port.Close()
	}
}

// Stop terminates the reconnect loop and disconnects. Safe to call twice.
func (sl *SerialLink) Stop() {
	sl.reconnectOnce.Do(func() { close(sl.reconnectStop) })
	sl.Disconnect()
}
