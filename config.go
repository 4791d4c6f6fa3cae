// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"flag"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Config is resolved from environment variables first, then command-line
// flags; a flag given explicitly wins over its environment counterpart.
type Config struct {
	HTTPPort          int
	TCPPort           int // 0 disables the TCP broadcaster
	SerialPort        string
	Baud              int
	AutoReconnect     bool
	ReconnectInterval time.Duration
	AudioEnabled      bool
	AudioCaptureBin   string
	RecordDir         string // stored only; the recorder always uses ./recordings
	LogLevel          string
}

func envInt(name string, def int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		slog.Warn("Ignoring non-numeric environment variable", "name", name, "value", v)
	}
	return def
}

func envBool(name string, def bool) bool {
	if v := os.Getenv(name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
		slog.Warn("Ignoring non-boolean environment variable", "name", name, "value", v)
	}
	return def
}

func envString(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

// LoadConfig parses the environment and command line.
func LoadConfig() Config {
	cfg := Config{}

	httpPort := flag.Int("http-port", envInt("M8_HTTP_PORT", 8080), "HTTP listen port for REST and WebSocket")
	flag.IntVar(httpPort, "h", *httpPort, "shorthand for -http-port")
	tcpPort := flag.Int("tcp-port", envInt("M8_TCP_PORT", 3333), "TCP broadcaster port, 0 disables")
	flag.IntVar(tcpPort, "t", *tcpPort, "shorthand for -tcp-port")
	serialPort := flag.String("port", envString("M8_SERIAL_PORT", ""), "Serial port path, empty for auto-detection")
	flag.StringVar(serialPort, "p", *serialPort, "shorthand for -port")
	baud := flag.Int("baud", envInt("M8_BAUD", 115200), "Serial port baud rate")
	reconnect := flag.Bool("reconnect", envBool("M8_RECONNECT", true), "Scan for the device after a disconnect")
	reconnectMs := flag.Int("reconnect-interval", envInt("M8_RECONNECT_INTERVAL_MS", 1000), "Reconnect scan period in milliseconds")
	audio := flag.Bool("audio", envBool("M8_AUDIO", true), "Enable the audio capture pipeline")
	audioBin := flag.String("audio-capture", envString("M8_AUDIO_CAPTURE", "m8-audio-capture"), "Audio capture helper binary")
	recordDir := flag.String("record-dir", envString("M8_RECORD_DIR", "recordings"), "Recording directory; the value is not read: recordings without an explicit path go to ./recordings")
	logLevel := flag.String("log-level", envString("M8_LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	flag.StringVar(logLevel, "l", *logLevel, "shorthand for -log-level")
	flag.Parse()

	cfg.HTTPPort = *httpPort
	cfg.TCPPort = *tcpPort
	cfg.SerialPort = *serialPort
	cfg.Baud = *baud
	cfg.AutoReconnect = *reconnect
	cfg.ReconnectInterval = time.Duration(*reconnectMs) * time.Millisecond
	cfg.AudioEnabled = *audio
	cfg.AudioCaptureBin = *audioBin
	cfg.RecordDir = *recordDir
	cfg.LogLevel = *logLevel
	return cfg
}

func setupLogging(level string) {
	switch level {
	case "debug":
		slog.SetLogLoggerLevel(slog.LevelDebug)
	case "warn":
		slog.SetLogLoggerLevel(slog.LevelWarn)
	case "error":
		slog.SetLogLoggerLevel(slog.LevelError)
	default:
		slog.SetLogLoggerLevel(slog.LevelInfo)
	}
}
